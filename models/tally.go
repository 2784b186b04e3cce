package models

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Percent is a fixed-point percentage in hundredths of a percent, so 10000
// is 100.00%.
type Percent int64

const PercentScale = 100

func (p Percent) String() string {
	sign := ""
	if p < 0 {
		sign = "-"
		p = -p
	}
	return fmt.Sprintf("%s%d.%02d", sign, int64(p)/PercentScale, int64(p)%PercentScale)
}

// MarshalJSON renders the percentage as a JSON number with two decimals.
func (p Percent) MarshalJSON() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Percent) UnmarshalJSON(b []byte) error {
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return err
	}
	if f < 0 {
		*p = Percent(f*PercentScale - 0.5)
	} else {
		*p = Percent(f*PercentScale + 0.5)
	}
	return nil
}

type CandidateResult struct {
	CandidateID string  `json:"candidate_id"`
	Name        string  `json:"name"`
	Party       string  `json:"party,omitempty"`
	Votes       uint64  `json:"votes"`
	Percentage  Percent `json:"percentage"`
}

type DistrictResult struct {
	District   string            `json:"district"`
	TotalVotes uint64            `json:"total_votes"`
	Candidates []CandidateResult `json:"candidates"`
	Winners    []string          `json:"winners"`
}

// TallyResult is derived from the ledger and can be recomputed at any time.
// It carries no wall clock data so that two computations over the same ledger
// are identical.
type TallyResult struct {
	ElectionID   string            `json:"election_id"`
	Phase        Phase             `json:"phase"`
	Provisional  bool              `json:"provisional"`
	LedgerLength uint64            `json:"ledger_length"`
	LedgerDigest hexutil.Bytes     `json:"ledger_digest"`
	TotalVotes   uint64            `json:"total_votes"`
	Candidates   []CandidateResult `json:"candidates"`
	Districts    []DistrictResult  `json:"districts"`
	Winners      []string          `json:"winners"`
}

// HourlyVotes is the number of ballots appended during one clock hour (UTC).
type HourlyVotes struct {
	Hour  string `json:"hour"`
	Votes uint64 `json:"votes"`
}

type DistrictTurnout struct {
	District       string  `json:"district"`
	EligibleVoters uint64  `json:"eligible_voters"`
	VotesCast      uint64  `json:"votes_cast"`
	Turnout        Percent `json:"turnout"`
}

// Statistics backs the administrator dashboard.
type Statistics struct {
	ElectionID     string            `json:"election_id"`
	Phase          Phase             `json:"phase"`
	EligibleVoters uint64            `json:"eligible_voters"`
	VotesCast      uint64            `json:"votes_cast"`
	Turnout        Percent           `json:"turnout"`
	Candidates     int               `json:"candidates"`
	Hourly         []HourlyVotes     `json:"hourly"`
	Districts      []DistrictTurnout `json:"districts"`
}
