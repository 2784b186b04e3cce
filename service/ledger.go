package service

import (
	"sort"
	"sync"
	"time"

	"election-backend/authority"
	"election-backend/metrics"
	"election-backend/models"
	"election-backend/registry"
	"election-backend/storage"

	"github.com/pkg/errors"
)

// Ledger is the append-only, hash-chained ballot log. A single mutex
// serializes the eligibility check and the append so that a voter can never
// be recorded twice and sequence numbers never gap.
type Ledger struct {
	mu         sync.Mutex
	electionID string
	store      storage.Store
	gate       *EligibilityGate
	registry   registry.Registry
	authority  *authority.Authority
	now        func() time.Time

	length        uint64
	tip           []byte
	lastTimestamp int64

	frozen       bool
	halted       bool
	haltedAt     uint64
	acknowledged map[uint64]bool
}

func NewLedger(electionID string, store storage.Store, gate *EligibilityGate, reg registry.Registry, auth *authority.Authority, now func() time.Time) (*Ledger, error) {
	if now == nil {
		now = time.Now
	}
	l := &Ledger{
		electionID:   electionID,
		store:        store,
		gate:         gate,
		registry:     reg,
		authority:    auth,
		now:          now,
		tip:          models.GenesisHash,
		acknowledged: make(map[uint64]bool),
	}

	snap, err := store.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	l.length = snap.Len()
	if l.length > 0 {
		last, err := snap.Entry(l.length)
		if err != nil {
			return nil, errors.Wrapf(err, "load ledger tip %v", l.length)
		}
		l.tip = last.Hash
		l.lastTimestamp = last.Timestamp
	}
	metrics.Ledger.SetHeight(l.length)

	log.Infof("Ledger opened at height %v", l.length)
	return l, nil
}

// Append records a ballot for voterCode and returns the signed receipt.
func (l *Ledger) Append(voterCode, candidateID string) (*models.Receipt, *models.Voter, error) {
	start := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted {
		return nil, nil, newError(ErrorCodeLedgerHalted,
			"integrity failure at entry %v", l.haltedAt)
	}
	if l.frozen {
		return nil, nil, newError(ErrorCodeVotingClosed, "ledger is frozen")
	}

	voter, err := l.gate.Check(voterCode)
	if err != nil {
		return nil, nil, err
	}

	candidate, err := l.registry.Candidate(candidateID)
	if err != nil {
		if errors.Is(err, registry.ErrCandidateNotFound) {
			return nil, nil, newError(ErrorCodeUnknownCandidate, "%v", candidateID)
		}
		return nil, nil, errors.Wrap(err, "registry lookup")
	}
	if !candidate.InScope(voter.District) {
		return nil, nil, newError(ErrorCodeUnknownCandidate,
			"%v is not on the ballot in %v", candidateID, voter.District)
	}

	l.lastTimestamp = ensureUniqueTimestamp(l.lastTimestamp, l.now().UnixNano())
	entry := models.NewEntry(l.length+1, l.tip, candidate.ID, voter.District,
		l.lastTimestamp)

	err = l.store.Append(entry, models.VoterRef(l.electionID, voter.Code))
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateVoter) {
			return nil, nil, ErrAlreadyVoted
		}
		return nil, nil, errors.Wrap(err, "append entry")
	}
	l.length = entry.Sequence
	l.tip = entry.Hash

	receipt := &models.Receipt{
		ElectionID:  l.electionID,
		Position:    entry.Sequence,
		EntryHash:   entry.Hash,
		ChainDigest: entry.Hash,
		Timestamp:   entry.Timestamp,
	}
	if err := l.authority.SignReceipt(receipt); err != nil {
		// The ballot is recorded; a receipt without signature still proves
		// inclusion through its hashes.
		log.Errorf("Append: sign receipt %v: %v", entry.Sequence, err)
	}

	metrics.Ledger.SetHeight(l.length)
	metrics.Ledger.VotesTotal.With("district", voter.District).Add(1)
	metrics.Ledger.AppendDurationSeconds.Observe(time.Since(start).Seconds())
	log.Debugf("Appended entry %v", entry.Sequence)

	return receipt, voter, nil
}

// ensureUniqueTimestamp keeps entry timestamps strictly increasing even when
// the clock does not advance or steps back.
func ensureUniqueTimestamp(last, now int64) int64 {
	if now <= last {
		return last + 1
	}
	return now
}

// Freeze permanently rejects further appends.
func (l *Ledger) Freeze() {
	l.mu.Lock()
	l.frozen = true
	l.mu.Unlock()
	log.Infof("Ledger frozen at height %v", l.Height())
}

// Height returns the number of entries appended through this ledger.
func (l *Ledger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.length
}

// Halted reports whether appends are halted and at which entry.
func (l *Ledger) Halted() (bool, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted, l.haltedAt
}

// Entries returns a forward-only iterator over a consistent snapshot of the
// ledger. Call Entries again to restart.
func (l *Ledger) Entries() (*EntryIterator, error) {
	snap, err := l.store.Snapshot()
	if err != nil {
		return nil, errors.Wrap(err, "ledger snapshot")
	}
	return &EntryIterator{snap: snap}, nil
}

// EntryIterator walks ledger entries in sequence order. It must be released.
type EntryIterator struct {
	snap  storage.Snapshot
	pos   uint64
	entry *models.Entry
	err   error
}

// Next advances to the next entry and reports whether there is one.
func (it *EntryIterator) Next() bool {
	if it.err != nil || it.pos >= it.snap.Len() {
		it.entry = nil
		return false
	}
	it.pos++
	it.entry, it.err = it.snap.Entry(it.pos)
	return it.err == nil
}

func (it *EntryIterator) Entry() *models.Entry { return it.entry }

func (it *EntryIterator) Err() error { return it.err }

// Len returns the number of entries in the snapshot.
func (it *EntryIterator) Len() uint64 { return it.snap.Len() }

// Digest returns the chain head of the snapshot.
func (it *EntryIterator) Digest() (models.Digest, error) {
	n := it.snap.Len()
	if n == 0 {
		return models.Digest{FinalHash: models.GenesisHash, EntryCount: 0}, nil
	}
	last, err := it.snap.Entry(n)
	if err != nil {
		return models.Digest{}, errors.Wrapf(err, "entry %v", n)
	}
	return models.Digest{FinalHash: last.Hash, EntryCount: n}, nil
}

// At returns the entry at seq and the hash it must link to.
func (it *EntryIterator) At(seq uint64) (*models.Entry, []byte, error) {
	entry, err := it.snap.Entry(seq)
	if err != nil {
		return nil, nil, err
	}
	prev := models.GenesisHash
	if seq > 1 {
		p, err := it.snap.Entry(seq - 1)
		if err != nil {
			return nil, nil, err
		}
		prev = p.Hash
	}
	return entry, prev, nil
}

func (it *EntryIterator) Release() { it.snap.Release() }

// IntegrityReport is the outcome of a full chain audit.
type IntegrityReport struct {
	Valid        bool     `json:"valid"`
	EntryCount   uint64   `json:"entry_count"`
	FirstBroken  uint64   `json:"first_broken,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	Acknowledged []uint64 `json:"acknowledged,omitempty"`
	Halted       bool     `json:"halted"`
}

// VerifyChain recomputes every entry hash and link. The first broken entry
// that has not been acknowledged halts appends. Nothing is repaired.
func (l *Ledger) VerifyChain() (*IntegrityReport, error) {
	it, err := l.Entries()
	if err != nil {
		return nil, err
	}
	defer it.Release()

	l.mu.Lock()
	acked := make(map[uint64]bool, len(l.acknowledged))
	for k := range l.acknowledged {
		acked[k] = true
	}
	l.mu.Unlock()

	report := &IntegrityReport{Valid: true, EntryCount: it.Len()}
	prev := []byte(models.GenesisHash)
	for it.Next() {
		entry := it.Entry()
		if err := entry.Validate(it.pos, prev); err != nil {
			if acked[it.pos] {
				report.Acknowledged = append(report.Acknowledged, it.pos)
			} else if report.Valid {
				report.Valid = false
				report.FirstBroken = it.pos
				report.Reason = err.Error()
			}
		}
		prev = entry.Hash
	}
	if err := it.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	if !report.Valid {
		if !l.halted {
			log.Errorf("Ledger integrity failure at entry %v: %v",
				report.FirstBroken, report.Reason)
		}
		l.halted = true
		l.haltedAt = report.FirstBroken
	} else {
		l.halted = false
		l.haltedAt = 0
	}
	report.Halted = l.halted
	metrics.Ledger.SetHalted(l.halted)
	l.mu.Unlock()

	return report, nil
}

// SetAcknowledged replaces the set of acknowledged corrupt entries.
func (l *Ledger) SetAcknowledged(seqs []uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acknowledged = make(map[uint64]bool, len(seqs))
	for _, s := range seqs {
		l.acknowledged[s] = true
	}
}

// Acknowledged returns the acknowledged entries in order.
func (l *Ledger) Acknowledged() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint64, 0, len(l.acknowledged))
	for s := range l.acknowledged {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
