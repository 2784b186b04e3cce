package service

import (
	"context"
	"sync"
	"time"

	"election-backend/metrics"
	"election-backend/models"
)

// voteCaster is the part of ElectionService the queue needs.
type voteCaster interface {
	CastVote(ctx context.Context, voterCode, candidateID string) (*models.Receipt, error)
}

// VoteRequest represents a queued ballot.
type VoteRequest struct {
	ctx         context.Context
	VoterCode   string
	CandidateID string
	Queued      time.Time
	ResultCh    chan<- *VoteResult
}

// VoteResult contains the outcome of a queued ballot.
type VoteResult struct {
	Receipt *models.Receipt
	Err     error
}

// QueueProcessor casts ballots on a bounded pool of workers. Submissions
// beyond the queue capacity are rejected immediately.
type QueueProcessor struct {
	caster     voteCaster
	voteCh     chan *VoteRequest
	workers    int
	wg         sync.WaitGroup
	shutdownCh chan struct{}
	stopOnce   sync.Once

	// mu orders enqueues against Stop. Senders hold the read lock across the
	// shutdown check and the non-blocking send, so once Stop holds the write
	// lock no request can land in voteCh after the final drain.
	mu      sync.RWMutex
	stopped bool
}

func NewQueueProcessor(caster voteCaster, workers, queueSize int) *QueueProcessor {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	return &QueueProcessor{
		caster:     caster,
		voteCh:     make(chan *VoteRequest, queueSize),
		workers:    workers,
		shutdownCh: make(chan struct{}),
	}
}

// Start launches the workers.
func (qp *QueueProcessor) Start() {
	for i := 0; i < qp.workers; i++ {
		qp.wg.Add(1)
		go qp.voteWorker()
	}
	log.Infof("Vote queue started: %v workers, capacity %v", qp.workers,
		cap(qp.voteCh))
}

// Stop waits for the workers to finish their current ballot. Ballots still
// queued are answered with ErrVotingClosed.
func (qp *QueueProcessor) Stop() {
	qp.stopOnce.Do(func() {
		qp.mu.Lock()
		qp.stopped = true
		close(qp.shutdownCh)
		qp.mu.Unlock()

		qp.wg.Wait()
		for {
			select {
			case req := <-qp.voteCh:
				req.ResultCh <- &VoteResult{
					Err: newError(ErrorCodeVotingClosed, "server shutting down"),
				}
				close(req.ResultCh)
			default:
				return
			}
		}
	})
}

// QueueVote adds a ballot to the queue. The returned channel receives exactly
// one result.
func (qp *QueueProcessor) QueueVote(ctx context.Context, voterCode, candidateID string) <-chan *VoteResult {
	resultCh := make(chan *VoteResult, 1)

	qp.mu.RLock()
	defer qp.mu.RUnlock()
	if qp.stopped {
		resultCh <- &VoteResult{
			Err: newError(ErrorCodeVotingClosed, "server shutting down"),
		}
		close(resultCh)
		return resultCh
	}

	select {
	case qp.voteCh <- &VoteRequest{
		ctx:         ctx,
		VoterCode:   voterCode,
		CandidateID: candidateID,
		Queued:      time.Now(),
		ResultCh:    resultCh,
	}:
		metrics.Queue.Depth.Set(float64(len(qp.voteCh)))
		return resultCh
	default:
		// Queue is full, return immediate error
		metrics.Queue.RejectedTotal.Add(1)
		resultCh <- &VoteResult{Err: ErrQueueFull}
		close(resultCh)
		return resultCh
	}
}

// Submit queues a ballot and waits for its result or for ctx to be done. A
// ballot whose context ends before a worker picks it up is never cast; once
// picked up it is cast even if the caller stops waiting.
func (qp *QueueProcessor) Submit(ctx context.Context, voterCode, candidateID string) (*models.Receipt, error) {
	select {
	case res := <-qp.QueueVote(ctx, voterCode, candidateID):
		return res.Receipt, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (qp *QueueProcessor) voteWorker() {
	defer qp.wg.Done()

	for {
		select {
		case <-qp.shutdownCh:
			return
		case req := <-qp.voteCh:
			metrics.Queue.Depth.Set(float64(len(qp.voteCh)))
			metrics.Queue.WaitSeconds.Observe(time.Since(req.Queued).Seconds())

			receipt, err := qp.caster.CastVote(req.ctx, req.VoterCode,
				req.CandidateID)
			req.ResultCh <- &VoteResult{Receipt: receipt, Err: err}
			close(req.ResultCh)
		}
	}
}
