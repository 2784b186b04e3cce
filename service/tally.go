package service

import (
	"fmt"
	"sort"
	"time"

	"election-backend/metrics"
	"election-backend/models"
	"election-backend/registry"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

const hundredPercent = 100 * models.PercentScale

// TallyEngine counts ballots. Results depend only on the ledger snapshot,
// the registry and the phase, so they are cached by ledger digest and phase.
type TallyEngine struct {
	electionID string
	registry   registry.Registry
	districts  func() []string
	cache      *lru.Cache
}

// NewTallyEngine returns a tally engine. districts returns the districts in
// scope of the election. A cacheSize of zero disables caching.
func NewTallyEngine(electionID string, reg registry.Registry, districts func() []string, cacheSize int) (*TallyEngine, error) {
	t := &TallyEngine{
		electionID: electionID,
		registry:   reg,
		districts:  districts,
	}
	if cacheSize > 0 {
		cache, err := lru.New(cacheSize)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		t.cache = cache
	}
	return t, nil
}

func tallyKey(d models.Digest, phase models.Phase) string {
	return fmt.Sprintf("%x:%d:%d", []byte(d.FinalHash), d.EntryCount, phase)
}

// Purge drops every cached result. A tampered entry below the chain head
// leaves the digest unchanged, so cached results cannot be trusted once an
// audit has failed.
func (t *TallyEngine) Purge() {
	if t.cache != nil {
		t.cache.Purge()
	}
}

// Compute tallies the entries of it in a single forward pass. The returned
// result may be shared with other callers and must not be modified.
func (t *TallyEngine) Compute(it *EntryIterator, phase models.Phase) (*models.TallyResult, error) {
	digest, err := it.Digest()
	if err != nil {
		return nil, err
	}
	key := tallyKey(digest, phase)
	if t.cache != nil {
		if v, ok := t.cache.Get(key); ok {
			metrics.Tally.CacheHitsTotal.Add(1)
			return v.(*models.TallyResult), nil
		}
	}

	start := time.Now()
	total := make(map[string]uint64)
	byDistrict := make(map[string]map[string]uint64)
	for it.Next() {
		e := it.Entry()
		total[e.CandidateID]++
		d, ok := byDistrict[e.District]
		if !ok {
			d = make(map[string]uint64)
			byDistrict[e.District] = d
		}
		d[e.CandidateID]++
	}
	if err := it.Err(); err != nil {
		return nil, errors.Wrap(err, "tally pass")
	}

	candidates := t.registry.Candidates()
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}
	// Ballots for candidates no longer in the registry are still counted.
	var orphans []string
	for id := range total {
		if !known[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		candidates = append(candidates, &models.Candidate{ID: id})
	}

	result := &models.TallyResult{
		ElectionID:   t.electionID,
		Phase:        phase,
		Provisional:  phase < models.PhaseResults,
		LedgerLength: digest.EntryCount,
		LedgerDigest: digest.FinalHash,
		TotalVotes:   digest.EntryCount,
	}
	result.Candidates, result.Winners = tallyCandidates(candidates, total)

	for _, district := range mergeDistricts(t.districts(), byDistrict) {
		var inScope []*models.Candidate
		for _, c := range candidates {
			if c.InScope(district) || byDistrict[district][c.ID] > 0 {
				inScope = append(inScope, c)
			}
		}
		counts := byDistrict[district]
		dr := models.DistrictResult{District: district}
		for _, n := range counts {
			dr.TotalVotes += n
		}
		dr.Candidates, dr.Winners = tallyCandidates(inScope, counts)
		result.Districts = append(result.Districts, dr)
	}
	if result.Districts == nil {
		result.Districts = []models.DistrictResult{}
	}

	metrics.Tally.ComputationsTotal.Add(1)
	metrics.Tally.DurationSeconds.Observe(time.Since(start).Seconds())
	log.Debugf("Computed tally over %v entries", digest.EntryCount)

	if t.cache != nil {
		t.cache.Add(key, result)
	}
	return result, nil
}

// mergeDistricts returns the configured districts followed by any district
// that received ballots without being configured, sorted.
func mergeDistricts(configured []string, seen map[string]map[string]uint64) []string {
	set := make(map[string]bool, len(configured)+len(seen))
	out := make([]string, 0, len(configured)+len(seen))
	for _, d := range configured {
		if !set[d] {
			set[d] = true
			out = append(out, d)
		}
	}
	for d := range seen {
		if !set[d] {
			set[d] = true
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// tallyCandidates builds the per-candidate results in candidate order and
// returns every candidate at the maximum count as a winner. There are no
// winners without votes.
func tallyCandidates(candidates []*models.Candidate, counts map[string]uint64) ([]models.CandidateResult, []string) {
	votes := make([]uint64, len(candidates))
	var sum, max uint64
	for i, c := range candidates {
		votes[i] = counts[c.ID]
		sum += votes[i]
		if votes[i] > max {
			max = votes[i]
		}
	}
	shares := apportion(votes, sum)

	results := make([]models.CandidateResult, len(candidates))
	winners := []string{}
	for i, c := range candidates {
		results[i] = models.CandidateResult{
			CandidateID: c.ID,
			Name:        c.Name,
			Party:       c.Party,
			Votes:       votes[i],
			Percentage:  shares[i],
		}
		if max > 0 && votes[i] == max {
			winners = append(winners, c.ID)
		}
	}
	return results, winners
}

// apportion converts vote counts into percentages in hundredths of a percent
// using the largest remainder method, so that the shares sum to exactly
// 100.00% whenever total > 0. Equal remainders are resolved in input order.
func apportion(votes []uint64, total uint64) []models.Percent {
	shares := make([]models.Percent, len(votes))
	if total == 0 {
		return shares
	}

	type remainder struct {
		index int
		rem   uint64
	}
	rems := make([]remainder, len(votes))
	var assigned uint64
	for i, v := range votes {
		q := v * hundredPercent
		shares[i] = models.Percent(q / total)
		assigned += q / total
		rems[i] = remainder{index: i, rem: q % total}
	}

	sort.SliceStable(rems, func(i, j int) bool {
		return rems[i].rem > rems[j].rem
	})
	for i := uint64(0); i < hundredPercent-assigned; i++ {
		shares[rems[i].index]++
	}
	return shares
}

// Statistics computes the dashboard statistics over it.
func (t *TallyEngine) Statistics(it *EntryIterator, phase models.Phase) (*models.Statistics, error) {
	hourly := make(map[int64]uint64)
	byDistrict := make(map[string]uint64)
	var cast uint64
	for it.Next() {
		e := it.Entry()
		cast++
		byDistrict[e.District]++
		hour := time.Unix(0, e.Timestamp).UTC().Truncate(time.Hour).Unix()
		hourly[hour]++
	}
	if err := it.Err(); err != nil {
		return nil, errors.Wrap(err, "statistics pass")
	}

	eligible := t.registry.EligibleByDistrict()
	stats := &models.Statistics{
		ElectionID: t.electionID,
		Phase:      phase,
		VotesCast:  cast,
		Candidates: len(t.registry.Candidates()),
		Hourly:     []models.HourlyVotes{},
		Districts:  []models.DistrictTurnout{},
	}
	for _, n := range eligible {
		stats.EligibleVoters += n
	}
	stats.Turnout = ratio(cast, stats.EligibleVoters)

	hours := make([]int64, 0, len(hourly))
	for h := range hourly {
		hours = append(hours, h)
	}
	sort.Slice(hours, func(i, j int) bool { return hours[i] < hours[j] })
	for _, h := range hours {
		stats.Hourly = append(stats.Hourly, models.HourlyVotes{
			Hour:  time.Unix(h, 0).UTC().Format(time.RFC3339),
			Votes: hourly[h],
		})
	}

	seen := make(map[string]map[string]uint64, len(byDistrict))
	for d := range byDistrict {
		seen[d] = nil
	}
	for d := range eligible {
		seen[d] = nil
	}
	for _, d := range mergeDistricts(t.districts(), seen) {
		stats.Districts = append(stats.Districts, models.DistrictTurnout{
			District:       d,
			EligibleVoters: eligible[d],
			VotesCast:      byDistrict[d],
			Turnout:        ratio(byDistrict[d], eligible[d]),
		})
	}
	return stats, nil
}

// ratio returns n/d as a percentage rounded half up, or zero when d is zero.
func ratio(n, d uint64) models.Percent {
	if d == 0 {
		return 0
	}
	return models.Percent((n*hundredPercent + d/2) / d)
}
