// Package service implements the election core: the phase state machine, the
// eligibility gate, the hash-chained ballot ledger, the tally engine and the
// verification service, wired together by ElectionService.
package service

import (
	"context"
	"strings"
	"time"

	"election-backend/authority"
	"election-backend/metrics"
	"election-backend/models"
	"election-backend/registry"
	"election-backend/storage"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	defaultTallyCacheSize = 16
	defaultLedgerPage     = 100
	maxLedgerPage         = 1000
)

// Config holds the optional knobs of an ElectionService.
type Config struct {
	// TallyCacheSize is the number of cached tallies. Negative disables the
	// cache, zero selects the default.
	TallyCacheSize int

	// Exporter receives an audit export when the election enters Results.
	// It may be nil.
	Exporter *storage.Exporter

	// Now replaces time.Now in tests.
	Now func() time.Time
}

// ElectionService is the entry point for every election operation.
type ElectionService struct {
	electionID string
	store      storage.Store
	registry   registry.Registry
	exporter   *storage.Exporter
	now        func() time.Time

	phases   *PhaseController
	gate     *EligibilityGate
	ledger   *Ledger
	tally    *TallyEngine
	verifier *VerificationService
}

// NewElectionService opens the election stored in store. When the store holds
// no election yet, definition is validated and persisted in the Registration
// phase.
func NewElectionService(store storage.Store, reg registry.Registry, auth *authority.Authority, definition *models.Election, cfg Config) (*ElectionService, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	election, err := store.LoadElection()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		election, err = createElection(store, definition, cfg.Now())
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, errors.Wrap(err, "load election")
	default:
		log.Infof("Loaded election %v (%v) in %v phase", election.ID,
			election.Title, election.Phase)
	}

	s := &ElectionService{
		electionID: election.ID,
		store:      store,
		registry:   reg,
		exporter:   cfg.Exporter,
		now:        cfg.Now,
	}

	s.gate = NewEligibilityGate(election.ID, reg, store)
	s.ledger, err = NewLedger(election.ID, store, s.gate, reg, auth, cfg.Now)
	if err != nil {
		return nil, err
	}
	s.ledger.SetAcknowledged(election.Acknowledged)
	if election.Phase > models.PhaseVoting {
		s.ledger.Freeze()
	}

	cacheSize := cfg.TallyCacheSize
	if cacheSize == 0 {
		cacheSize = defaultTallyCacheSize
	}
	s.tally, err = NewTallyEngine(election.ID, reg, s.districts, cacheSize)
	if err != nil {
		return nil, err
	}
	s.verifier = NewVerificationService(election.ID, s.ledger, auth)

	s.phases = NewPhaseController(store, election, PhaseHooks{
		Precheck: s.votingPrecheck,
		Freeze:   s.ledger.Freeze,
		Entered:  s.phaseEntered,
	}, cfg.Now)

	report, err := s.ledger.VerifyChain()
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		log.Errorf("Ledger failed the startup audit at entry %v; appends "+
			"are halted until acknowledged", report.FirstBroken)
	}

	return s, nil
}

func createElection(store storage.Store, definition *models.Election, now time.Time) (*models.Election, error) {
	if definition == nil {
		return nil, errors.New("no election stored and no definition given")
	}
	election := definition.Clone()
	if election.ID == "" {
		election.ID = uuid.New().String()
	}
	election.Phase = models.PhaseRegistration
	election.History = nil
	election.Acknowledged = nil
	election.CreatedAt = now.UTC()
	if err := election.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid election definition")
	}
	if err := store.SaveElection(election); err != nil {
		return nil, errors.Wrap(err, "save election")
	}
	log.Infof("Created election %v (%v)", election.ID, election.Title)
	return election, nil
}

// districts returns the districts in scope: the configured ones, or every
// district the registry knows about.
func (s *ElectionService) districts() []string {
	if d := s.phases.Election().Districts; len(d) > 0 {
		return d
	}
	return s.registry.Districts()
}

// votingPrecheck requires at least one candidate on the ballot of every
// district in scope. It runs under the phase lock and must not call back into
// the phase controller.
func (s *ElectionService) votingPrecheck() error {
	candidates := s.registry.Candidates()
	if len(candidates) == 0 {
		return newError(ErrorCodePrecheckFailed, "no candidates registered")
	}
	districts := s.phases.election.Districts
	if len(districts) == 0 {
		districts = s.registry.Districts()
	}
	var missing []string
	for _, d := range districts {
		found := false
		for _, c := range candidates {
			if c.InScope(d) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return newError(ErrorCodePrecheckFailed, "no candidates in %v",
			strings.Join(missing, ", "))
	}
	return nil
}

func (s *ElectionService) phaseEntered(event models.PhaseEvent) {
	if event.To != models.PhaseResults || s.exporter == nil {
		return
	}
	if _, err := s.ExportLedger(); err != nil {
		log.Errorf("Audit export on entering results: %v", err)
	}
}

// CastVote admits, checks and appends a ballot and returns its signed
// receipt. The context is only consulted before admission; an admitted
// append always runs to completion.
func (s *ElectionService) CastVote(ctx context.Context, voterCode, candidateID string) (*models.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	release, err := s.phases.Admit()
	if err != nil {
		recordRejection(err)
		return nil, err
	}
	defer release()

	receipt, voter, err := s.ledger.Append(voterCode, candidateID)
	if err != nil {
		recordRejection(err)
		return nil, err
	}

	// Informational only; the ledger already holds the authoritative record.
	if err := s.registry.MarkVoted(voter.Code); err != nil {
		log.Warnf("CastVote: mark voted in registry: %v", err)
	}
	return receipt, nil
}

// GetPhase returns the current phase and its window.
func (s *ElectionService) GetPhase() models.PhaseInfo {
	return s.phases.Info()
}

// TransitionPhase moves the election to target.
func (s *ElectionService) TransitionPhase(target models.Phase, override bool, reason string) (models.PhaseInfo, error) {
	return s.phases.Transition(target, override, reason)
}

// AdvanceByWindow performs the transition the phase schedule calls for at t,
// if any. It reports whether a transition happened.
func (s *ElectionService) AdvanceByWindow(t time.Time) (bool, error) {
	target, due := s.phases.Due(t)
	if !due {
		return false, nil
	}
	if _, err := s.phases.Transition(target, false, "scheduled window"); err != nil {
		return false, err
	}
	return true, nil
}

// PhaseHistory returns every transition, oldest first.
func (s *ElectionService) PhaseHistory() []models.PhaseEvent {
	return s.phases.History()
}

// Election returns the election record.
func (s *ElectionService) Election() *models.Election {
	return s.phases.Election()
}

// Candidates returns the registered candidates ordered by ID.
func (s *ElectionService) Candidates() []*models.Candidate {
	return s.registry.Candidates()
}

// Eligibility reports whether voterCode could vote now, phase aside.
func (s *ElectionService) Eligibility(voterCode string) (*EligibilityStatus, error) {
	return s.gate.Status(voterCode)
}

// GetTally computes or returns the cached tally of the current ledger. The
// cache is bypassed while the ledger is halted.
func (s *ElectionService) GetTally() (*models.TallyResult, error) {
	phase := s.phases.CurrentPhase()
	if halted, _ := s.ledger.Halted(); halted {
		s.tally.Purge()
	}
	it, err := s.ledger.Entries()
	if err != nil {
		return nil, err
	}
	defer it.Release()
	return s.tally.Compute(it, phase)
}

// Statistics returns the turnout dashboard.
func (s *ElectionService) Statistics() (*models.Statistics, error) {
	phase := s.phases.CurrentPhase()
	it, err := s.ledger.Entries()
	if err != nil {
		return nil, err
	}
	defer it.Release()
	return s.tally.Statistics(it, phase)
}

// VerifyReceipt reports whether r proves inclusion of a ballot.
func (s *ElectionService) VerifyReceipt(r *models.Receipt) (bool, error) {
	return s.verifier.VerifyReceipt(r)
}

// AuditDigest returns the current chain head.
func (s *ElectionService) AuditDigest() (models.Digest, error) {
	return s.verifier.AuditDigest()
}

// VerifyChain runs a full integrity audit. A corrupted ledger returns the
// report together with an ErrLedgerCorrupted error.
func (s *ElectionService) VerifyChain() (*IntegrityReport, error) {
	return s.audit()
}

// audit verifies the chain and drops cached tallies when any entry failed,
// acknowledged or not.
func (s *ElectionService) audit() (*IntegrityReport, error) {
	report, err := s.verifier.VerifyChain()
	if report != nil && (!report.Valid || len(report.Acknowledged) > 0) {
		s.tally.Purge()
	}
	return report, err
}

// AcknowledgeCorruption records an operator acknowledgement of the corrupt
// entry at seq and audits the chain again. Appends resume once no
// unacknowledged corruption remains.
func (s *ElectionService) AcknowledgeCorruption(seq uint64, reason string) (*IntegrityReport, error) {
	halted, at := s.ledger.Halted()
	if !halted || at != seq {
		return nil, newError(ErrorCodeInputInvalid,
			"entry %v is not the halted position", seq)
	}
	if err := s.phases.Acknowledge(seq); err != nil {
		return nil, err
	}
	s.ledger.SetAcknowledged(s.phases.Election().Acknowledged)
	log.Warnf("Corruption at entry %v acknowledged: %v", seq, reason)
	return s.audit()
}

// LedgerPage is a slice of the ledger for public browsing.
type LedgerPage struct {
	Entries []*models.Entry `json:"entries"`
	Total   uint64          `json:"total"`
	Next    uint64          `json:"next,omitempty"`
}

// Ledger returns up to limit entries starting at sequence from.
func (s *ElectionService) Ledger(from uint64, limit int) (*LedgerPage, error) {
	if from == 0 {
		from = 1
	}
	if limit <= 0 {
		limit = defaultLedgerPage
	}
	if limit > maxLedgerPage {
		limit = maxLedgerPage
	}

	it, err := s.ledger.Entries()
	if err != nil {
		return nil, err
	}
	defer it.Release()

	page := &LedgerPage{Entries: []*models.Entry{}, Total: it.Len()}
	for seq := from; seq <= it.Len() && len(page.Entries) < limit; seq++ {
		e, err := it.snap.Entry(seq)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %v", seq)
		}
		page.Entries = append(page.Entries, e)
	}
	if next := from + uint64(len(page.Entries)); next <= it.Len() {
		page.Next = next
	}
	return page, nil
}

// ExportLedger writes a full audit export and returns its path.
func (s *ElectionService) ExportLedger() (string, error) {
	if s.exporter == nil {
		return "", errors.New("audit export is not configured")
	}
	it, err := s.ledger.Entries()
	if err != nil {
		return "", err
	}
	defer it.Release()

	digest, err := it.Digest()
	if err != nil {
		return "", err
	}
	export := &storage.LedgerExport{
		Election:   s.phases.Election(),
		Digest:     digest,
		Entries:    make([]*models.Entry, 0, it.Len()),
		ExportedAt: s.now().UTC(),
	}
	for it.Next() {
		export.Entries = append(export.Entries, it.Entry())
	}
	if err := it.Err(); err != nil {
		return "", err
	}
	return s.exporter.Export(export)
}

// Close releases the store.
func (s *ElectionService) Close() error {
	return s.store.Close()
}

func recordRejection(err error) {
	reason := "internal"
	var e Error
	if errors.As(err, &e) {
		reason = strings.ReplaceAll(ErrorCodes[e.Code], " ", "_")
	}
	metrics.Ledger.RejectedTotal.With("reason", reason).Add(1)
}
