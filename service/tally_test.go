package service

import (
	"context"
	"testing"

	"election-backend/models"
	"election-backend/storage"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// castN casts one ballot for candidate from each of the first n codes and
// returns the remaining codes.
func castN(t *testing.T, svc *ElectionService, codes []string, candidate string, n int) []string {
	t.Helper()
	for _, code := range codes[:n] {
		_, err := svc.CastVote(context.Background(), code, candidate)
		require.NoError(t, err)
	}
	return codes[n:]
}

func TestApportion(t *testing.T) {
	tests := []struct {
		name  string
		votes []uint64
		want  []models.Percent
	}{
		{"no votes", []uint64{0, 0}, []models.Percent{0, 0}},
		{"single", []uint64{7}, []models.Percent{10000}},
		{"thirds", []uint64{1, 1, 1}, []models.Percent{3334, 3333, 3333}},
		{"3/2/1/0", []uint64{3, 2, 1, 0}, []models.Percent{5000, 3333, 1667, 0}},
		{"sevenths", []uint64{1, 1, 1, 1, 1, 1, 1}, []models.Percent{1429, 1429, 1429, 1429, 1428, 1428, 1428}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var total uint64
			for _, v := range tc.votes {
				total += v
			}
			got := apportion(tc.votes, total)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("shares mismatch (-want +got):\n%s", diff)
			}
			if total > 0 {
				var sum models.Percent
				for _, p := range got {
					sum += p
				}
				require.Equal(t, models.Percent(hundredPercent), sum)
			}
		})
	}
}

func TestTallyScenario(t *testing.T) {
	reg := newTestRegistry()
	codes := reg.addVoters("north", 6)
	for _, id := range []string{"A", "B", "C", "D"} {
		reg.addCandidate(id, "")
	}
	f := newFixture(t, reg, testElection(), Config{})
	f.openVoting(t)

	codes = castN(t, f.svc, codes, "A", 3)
	codes = castN(t, f.svc, codes, "B", 2)
	castN(t, f.svc, codes, "C", 1)

	tally, err := f.svc.GetTally()
	require.NoError(t, err)

	want := []models.CandidateResult{
		{CandidateID: "A", Name: "Candidate A", Votes: 3, Percentage: 5000},
		{CandidateID: "B", Name: "Candidate B", Votes: 2, Percentage: 3333},
		{CandidateID: "C", Name: "Candidate C", Votes: 1, Percentage: 1667},
		{CandidateID: "D", Name: "Candidate D", Votes: 0, Percentage: 0},
	}
	if diff := cmp.Diff(want, tally.Candidates); diff != "" {
		t.Fatalf("candidates mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []string{"A"}, tally.Winners)
	require.Equal(t, uint64(6), tally.TotalVotes)
	require.True(t, tally.Provisional)
	require.Equal(t, "50.00", tally.Candidates[0].Percentage.String())
	require.Equal(t, "16.67", tally.Candidates[2].Percentage.String())

	require.Len(t, tally.Districts, 1)
	if diff := cmp.Diff(want, tally.Districts[0].Candidates); diff != "" {
		t.Fatalf("district candidates mismatch (-want +got):\n%s", diff)
	}

	digest, err := f.svc.AuditDigest()
	require.NoError(t, err)
	require.Equal(t, digest.EntryCount, tally.LedgerLength)
	require.Equal(t, []byte(digest.FinalHash), []byte(tally.LedgerDigest))
}

func TestTallyTie(t *testing.T) {
	reg := newTestRegistry()
	codes := reg.addVoters("north", 10)
	reg.addCandidate("A", "")
	reg.addCandidate("B", "")
	f := newFixture(t, reg, testElection(), Config{})
	f.openVoting(t)

	codes = castN(t, f.svc, codes, "A", 5)
	castN(t, f.svc, codes, "B", 5)

	tally, err := f.svc.GetTally()
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, tally.Winners)
	require.Equal(t, models.Percent(5000), tally.Candidates[0].Percentage)
	require.Equal(t, models.Percent(5000), tally.Candidates[1].Percentage)
}

func TestTallyEmptyAndDistricts(t *testing.T) {
	reg := newTestRegistry()
	north := reg.addVoters("north", 2)
	reg.addVoters("south", 2)
	reg.addCandidate("A", "")
	reg.addCandidate("N", "north")
	reg.addCandidate("S", "south")
	f := newFixture(t, reg, testElection("north", "south", "east"), Config{})

	// East has no voters but is covered by the statewide candidate.
	f.openVoting(t)

	tally, err := f.svc.GetTally()
	require.NoError(t, err)
	require.Equal(t, uint64(0), tally.TotalVotes)
	require.Empty(t, tally.Winners)
	require.NotNil(t, tally.Winners)
	require.Len(t, tally.Districts, 3)

	castN(t, f.svc, north, "N", 2)

	tally, err = f.svc.GetTally()
	require.NoError(t, err)
	require.Equal(t, []string{"N"}, tally.Winners)

	byName := make(map[string]models.DistrictResult)
	for _, d := range tally.Districts {
		byName[d.District] = d
	}
	require.Equal(t, []string{"east", "north", "south"},
		[]string{tally.Districts[0].District, tally.Districts[1].District, tally.Districts[2].District})

	north2 := byName["north"]
	require.Equal(t, uint64(2), north2.TotalVotes)
	require.Equal(t, []string{"N"}, north2.Winners)
	require.Len(t, north2.Candidates, 2) // A and N

	south := byName["south"]
	require.Equal(t, uint64(0), south.TotalVotes)
	require.Empty(t, south.Winners)
	require.Len(t, south.Candidates, 2) // A and S
	for _, c := range south.Candidates {
		require.Equal(t, uint64(0), c.Votes)
		require.Equal(t, models.Percent(0), c.Percentage)
	}

	east := byName["east"]
	require.Len(t, east.Candidates, 1)
	require.Equal(t, "A", east.Candidates[0].CandidateID)
}

func TestTallyIdempotent(t *testing.T) {
	for _, cacheSize := range []int{-1, 0, 4} {
		reg := newTestRegistry()
		codes := reg.addVoters("north", 5)
		reg.addCandidate("A", "")
		reg.addCandidate("B", "")
		f := newFixture(t, reg, testElection(), Config{TallyCacheSize: cacheSize})
		f.openVoting(t)
		codes = castN(t, f.svc, codes, "A", 2)

		first, err := f.svc.GetTally()
		require.NoError(t, err)
		second, err := f.svc.GetTally()
		require.NoError(t, err)
		if diff := cmp.Diff(first, second); diff != "" {
			t.Fatalf("cache %v: tally not idempotent (-first +second):\n%s", cacheSize, diff)
		}

		// A new ballot changes the digest and so the tally.
		castN(t, f.svc, codes, "B", 1)
		third, err := f.svc.GetTally()
		require.NoError(t, err)
		require.Equal(t, uint64(3), third.TotalVotes)
		require.NotEqual(t, first.LedgerDigest, third.LedgerDigest)

		// Moving to results clears the provisional flag without new ballots.
		_, err = f.svc.TransitionPhase(models.PhaseResults, false, "")
		require.NoError(t, err)
		final, err := f.svc.GetTally()
		require.NoError(t, err)
		require.False(t, final.Provisional)
		require.Equal(t, third.Candidates, final.Candidates)
	}
}

func candidateVotes(r *models.TallyResult) map[string]uint64 {
	votes := make(map[string]uint64, len(r.Candidates))
	for _, c := range r.Candidates {
		votes[c.CandidateID] = c.Votes
	}
	return votes
}

func TestTallyCacheDroppedOnCorruption(t *testing.T) {
	reg := newTestRegistry()
	codes := reg.addVoters("north", 3)
	reg.addCandidate("A", "")
	reg.addCandidate("B", "")

	base, err := storage.NewMemoryLevelDB()
	require.NoError(t, err)
	store := &tamperStore{Store: base}
	f := newFixtureWithStore(t, reg, store, testElection(), Config{TallyCacheSize: 4})
	f.openVoting(t)
	castN(t, f.svc, codes, "A", 3)

	before, err := f.svc.GetTally()
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"A": 3, "B": 0}, candidateVotes(before))

	// Entry 2 is below the head, so the digest does not change.
	store.tamper(2, "B")
	_, err = f.svc.VerifyChain()
	require.True(t, errors.Is(err, ErrLedgerCorrupted), "got %v", err)

	for i := 0; i < 2; i++ {
		after, err := f.svc.GetTally()
		require.NoError(t, err)
		require.Equal(t, before.LedgerDigest, after.LedgerDigest)
		require.Equal(t, map[string]uint64{"A": 2, "B": 1}, candidateVotes(after))
	}

	_, err = f.svc.AcknowledgeCorruption(2, "checked against paper ballots")
	require.NoError(t, err)
	acked, err := f.svc.GetTally()
	require.NoError(t, err)
	require.Equal(t, map[string]uint64{"A": 2, "B": 1}, candidateVotes(acked))
}
