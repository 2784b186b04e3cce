package service

import (
	"strconv"
	"sync"
	"time"

	"election-backend/metrics"
	"election-backend/models"
	"election-backend/storage"

	"github.com/pkg/errors"
)

// PhaseHooks lets the owner of the controller take part in transitions.
type PhaseHooks struct {
	// Precheck runs before entering Voting. A non-nil error aborts the
	// transition.
	Precheck func() error

	// Freeze runs after a transition out of Voting has been persisted while
	// appends are still fenced.
	Freeze func()

	// Entered runs after the transition completed, outside of the lock.
	Entered func(models.PhaseEvent)
}

// PhaseController is the election state machine. It owns the persisted
// election record and admits ledger appends only while the election is in
// the Voting phase.
type PhaseController struct {
	mu       sync.Mutex
	drained  *sync.Cond
	store    storage.Store
	election *models.Election
	hooks    PhaseHooks
	now      func() time.Time

	inflight int  // admitted appends not yet released
	fencing  bool // a transition out of Voting is draining
}

func NewPhaseController(store storage.Store, election *models.Election, hooks PhaseHooks, now func() time.Time) *PhaseController {
	if now == nil {
		now = time.Now
	}
	pc := &PhaseController{
		store:    store,
		election: election.Clone(),
		hooks:    hooks,
		now:      now,
	}
	pc.drained = sync.NewCond(&pc.mu)
	metrics.Phase.Current.Set(float64(pc.election.Phase))
	return pc
}

// CurrentPhase returns the current phase.
func (pc *PhaseController) CurrentPhase() models.Phase {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.election.Phase
}

// Info returns the current phase and its scheduled window, if any.
func (pc *PhaseController) Info() models.PhaseInfo {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.info()
}

func (pc *PhaseController) info() models.PhaseInfo {
	info := models.PhaseInfo{Phase: pc.election.Phase}
	if w, ok := pc.election.Window(pc.election.Phase); ok {
		start, end := w.Start, w.End
		info.WindowStart = &start
		info.WindowEnd = &end
	}
	return info
}

// Election returns a copy of the election record.
func (pc *PhaseController) Election() *models.Election {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.election.Clone()
}

// History returns the transition audit trail, oldest first.
func (pc *PhaseController) History() []models.PhaseEvent {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return append([]models.PhaseEvent(nil), pc.election.History...)
}

// Admit registers an append in flight. The caller must call the returned
// release function once the append has finished, successfully or not.
func (pc *PhaseController) Admit() (func(), error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.election.Phase != models.PhaseVoting {
		return nil, newError(ErrorCodeVotingClosed, "election is in %v phase",
			pc.election.Phase)
	}
	if pc.fencing {
		return nil, newError(ErrorCodeVotingClosed, "voting is closing")
	}
	pc.inflight++

	var once sync.Once
	return func() {
		once.Do(pc.release)
	}, nil
}

func (pc *PhaseController) release() {
	pc.mu.Lock()
	pc.inflight--
	if pc.inflight == 0 {
		pc.drained.Broadcast()
	}
	pc.mu.Unlock()
}

// Transition moves the election to target. Without override target must be
// the immediate successor of the current phase; with override it may skip
// phases but never move backwards. Leaving Voting rejects new appends, waits
// for admitted ones and then freezes the ledger.
func (pc *PhaseController) Transition(target models.Phase, override bool, reason string) (models.PhaseInfo, error) {
	pc.mu.Lock()

	from := pc.election.Phase
	if !target.Valid() {
		pc.mu.Unlock()
		return models.PhaseInfo{}, newError(ErrorCodeInvalidPhase, "%v", target)
	}
	if target <= from {
		pc.mu.Unlock()
		return models.PhaseInfo{}, newError(ErrorCodeInvalidTransition,
			"%v to %v", from, target)
	}
	if target != from.Next() && !override {
		pc.mu.Unlock()
		return models.PhaseInfo{}, newError(ErrorCodeInvalidTransition,
			"%v to %v skips a phase", from, target)
	}
	if pc.fencing {
		pc.mu.Unlock()
		return models.PhaseInfo{}, newError(ErrorCodeInvalidTransition,
			"another transition is in progress")
	}

	if from < models.PhaseVoting && target == models.PhaseVoting && pc.hooks.Precheck != nil {
		if err := pc.hooks.Precheck(); err != nil {
			pc.mu.Unlock()
			return models.PhaseInfo{}, err
		}
	}

	leavingVoting := from == models.PhaseVoting
	if leavingVoting {
		pc.fencing = true
		for pc.inflight > 0 {
			log.Debugf("Transition: waiting for %v in-flight appends", pc.inflight)
			pc.drained.Wait()
		}
	}

	event := models.PhaseEvent{
		From:      from,
		To:        target,
		Override:  override,
		Reason:    reason,
		Timestamp: pc.now().UTC(),
	}
	next := pc.election.Clone()
	next.Phase = target
	next.History = append(next.History, event)
	if err := pc.store.SaveElection(next); err != nil {
		pc.fencing = false
		pc.mu.Unlock()
		return models.PhaseInfo{}, errors.Wrap(err, "save election")
	}
	if leavingVoting {
		if pc.hooks.Freeze != nil {
			pc.hooks.Freeze()
		}
		pc.recordVotingDuration(event.Timestamp)
		pc.fencing = false
	}
	pc.election = next
	info := pc.info()
	pc.mu.Unlock()

	if override {
		log.Warnf("Phase override: %v -> %v (%v)", from, target, reason)
	} else {
		log.Infof("Phase transition: %v -> %v", from, target)
	}
	metrics.Phase.Current.Set(float64(target))
	metrics.Phase.TransitionsTotal.With("to", target.String(),
		"override", strconv.FormatBool(override)).Add(1)

	if pc.hooks.Entered != nil {
		pc.hooks.Entered(event)
	}
	return info, nil
}

// recordVotingDuration must be called with the lock held.
func (pc *PhaseController) recordVotingDuration(end time.Time) {
	for i := len(pc.election.History) - 1; i >= 0; i-- {
		if pc.election.History[i].To == models.PhaseVoting {
			d := end.Sub(pc.election.History[i].Timestamp)
			metrics.Phase.VotingDurationSeconds.Set(d.Seconds())
			return
		}
	}
}

// Due returns the phase the schedule says the election should move to at t.
// The next phase is due once its window has started; a phase without a
// successor window is left once its own window has ended.
func (pc *PhaseController) Due(t time.Time) (models.Phase, bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	cur := pc.election.Phase
	next := cur.Next()
	if next == models.PhaseInvalid {
		return models.PhaseInvalid, false
	}
	if w, ok := pc.election.Window(next); ok {
		return next, !t.Before(w.Start)
	}
	if w, ok := pc.election.Window(cur); ok {
		return next, !t.Before(w.End)
	}
	return models.PhaseInvalid, false
}

// Acknowledge persists an operator acknowledgement of a corrupted entry.
func (pc *PhaseController) Acknowledge(seq uint64) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	for _, s := range pc.election.Acknowledged {
		if s == seq {
			return nil
		}
	}
	next := pc.election.Clone()
	next.Acknowledged = append(next.Acknowledged, seq)
	if err := pc.store.SaveElection(next); err != nil {
		return errors.Wrap(err, "save election")
	}
	pc.election = next
	return nil
}
