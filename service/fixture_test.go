package service

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"election-backend/authority"
	"election-backend/models"
	"election-backend/registry"
	"election-backend/storage"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// testRegistry is an in-memory registry.Registry.
type testRegistry struct {
	mu         sync.Mutex
	voters     map[string]*models.Voter
	candidates map[string]*models.Candidate
	voted      map[string]bool
}

var _ registry.Registry = (*testRegistry)(nil)

func newTestRegistry() *testRegistry {
	return &testRegistry{
		voters:     make(map[string]*models.Voter),
		candidates: make(map[string]*models.Candidate),
		voted:      make(map[string]bool),
	}
}

// addVoters registers n eligible voters in district and returns their codes.
func (r *testRegistry) addVoters(district string, n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	codes := make([]string, 0, n)
	for i := 0; i < n; i++ {
		code := fmt.Sprintf("%s-%04d", district, len(r.voters))
		r.voters[code] = &models.Voter{
			ID:       code,
			Code:     code,
			Status:   models.VoterEligible,
			District: district,
		}
		codes = append(codes, code)
	}
	return codes
}

func (r *testRegistry) setStatus(code string, status models.VoterStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voters[code].Status = status
}

func (r *testRegistry) addCandidate(id, district string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.candidates[id] = &models.Candidate{
		ID:       id,
		Name:     "Candidate " + id,
		District: district,
	}
}

func (r *testRegistry) Voter(code string) (*models.Voter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.voters[code]
	if !ok {
		return nil, registry.ErrVoterNotFound
	}
	c := *v
	return &c, nil
}

func (r *testRegistry) Candidate(id string) (*models.Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.candidates[id]
	if !ok {
		return nil, registry.ErrCandidateNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *testRegistry) Candidates() []*models.Candidate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Candidate, 0, len(r.candidates))
	for _, c := range r.candidates {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *testRegistry) Districts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]bool)
	for _, v := range r.voters {
		set[v.District] = true
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (r *testRegistry) EligibleByDistrict() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64)
	for _, v := range r.voters {
		if v.Status == models.VoterEligible {
			out[v.District]++
		}
	}
	return out
}

func (r *testRegistry) MarkVoted(code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.voters[code]; !ok {
		return registry.ErrVoterNotFound
	}
	r.voted[code] = true
	return nil
}

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 11, 5, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	svc   *ElectionService
	reg   *testRegistry
	store storage.Store
	auth  *authority.Authority
	clock *testClock
}

func newAuthority(t *testing.T) *authority.Authority {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return authority.New(key)
}

func testElection(districts ...string) *models.Election {
	return &models.Election{
		Title:       "Presidential Election 2024",
		Description: "General election",
		Districts:   districts,
	}
}

// newFixture opens a service on an in-memory leveldb store.
func newFixture(t *testing.T, reg *testRegistry, election *models.Election, cfg Config) *fixture {
	t.Helper()
	store, err := storage.NewMemoryLevelDB()
	require.NoError(t, err)
	return newFixtureWithStore(t, reg, store, election, cfg)
}

func newFixtureWithStore(t *testing.T, reg *testRegistry, store storage.Store, election *models.Election, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		reg:   reg,
		store: store,
		auth:  newAuthority(t),
		clock: newTestClock(),
	}
	if cfg.Now == nil {
		cfg.Now = f.clock.Now
	}
	svc, err := NewElectionService(store, reg, f.auth, election, cfg)
	require.NoError(t, err)
	f.svc = svc
	t.Cleanup(func() { svc.Close() })
	return f
}

// openVoting moves a fresh election into the Voting phase.
func (f *fixture) openVoting(t *testing.T) {
	t.Helper()
	_, err := f.svc.TransitionPhase(models.PhaseVoting, false, "")
	require.NoError(t, err)
}

// waitFor polls cond until it holds or a second has passed.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

// tamperStore rewrites chosen entries on read, simulating a ledger modified
// behind the service's back.
type tamperStore struct {
	storage.Store
	mu       sync.Mutex
	tampered map[uint64]func(*models.Entry)
}

func (s *tamperStore) mutate(seq uint64, fn func(*models.Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tampered == nil {
		s.tampered = make(map[uint64]func(*models.Entry))
	}
	s.tampered[seq] = fn
}

func (s *tamperStore) tamper(seq uint64, candidateID string) {
	s.mutate(seq, func(e *models.Entry) { e.CandidateID = candidateID })
}

func (s *tamperStore) Snapshot() (storage.Snapshot, error) {
	snap, err := s.Store.Snapshot()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[uint64]func(*models.Entry), len(s.tampered))
	for k, v := range s.tampered {
		m[k] = v
	}
	return &tamperSnapshot{Snapshot: snap, tampered: m}, nil
}

type tamperSnapshot struct {
	storage.Snapshot
	tampered map[uint64]func(*models.Entry)
}

func (s *tamperSnapshot) Entry(seq uint64) (*models.Entry, error) {
	e, err := s.Snapshot.Entry(seq)
	if err != nil {
		return nil, err
	}
	if fn, ok := s.tampered[seq]; ok {
		fn(e)
	}
	return e, nil
}
