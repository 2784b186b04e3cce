package service

import (
	"strings"

	"election-backend/models"
	"election-backend/registry"
	"election-backend/storage"

	"github.com/pkg/errors"
)

// EligibilityGate decides whether a voter code may cast a ballot. The ledger
// voter index, not the registry, is the authority on whether a voter has
// already voted.
type EligibilityGate struct {
	electionID string
	registry   registry.Registry
	store      storage.Store
}

func NewEligibilityGate(electionID string, reg registry.Registry, store storage.Store) *EligibilityGate {
	return &EligibilityGate{
		electionID: electionID,
		registry:   reg,
		store:      store,
	}
}

// Check returns the registry record of an eligible voter that has not voted.
// The already-voted lookup is keyed on the registry's canonical voter.Code,
// never on the code as submitted.
func (g *EligibilityGate) Check(voterCode string) (*models.Voter, error) {
	voterCode = strings.TrimSpace(voterCode)
	if voterCode == "" {
		return nil, newError(ErrorCodeUnknownVoter, "empty voter code")
	}

	voter, err := g.registry.Voter(voterCode)
	if err != nil {
		if errors.Is(err, registry.ErrVoterNotFound) {
			return nil, ErrUnknownVoter
		}
		return nil, errors.Wrap(err, "registry lookup")
	}
	if voter.Status != models.VoterEligible {
		return nil, newError(ErrorCodeNotEligible, "status %v", voter.Status)
	}

	voted, err := g.store.HasVoter(models.VoterRef(g.electionID, voter.Code))
	if err != nil {
		return nil, errors.Wrap(err, "voter index lookup")
	}
	if voted {
		return nil, ErrAlreadyVoted
	}
	return voter, nil
}

// EligibilityStatus is the public answer to an eligibility lookup.
type EligibilityStatus struct {
	Eligible  bool       `json:"eligible"`
	ErrorCode ErrorCodeT `json:"errorcode,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	District  string     `json:"district,omitempty"`
}

// Status runs Check and converts the outcome into an EligibilityStatus.
// Only internal failures are returned as errors.
func (g *EligibilityGate) Status(voterCode string) (*EligibilityStatus, error) {
	voter, err := g.Check(voterCode)
	if err != nil {
		var e Error
		if errors.As(err, &e) {
			return &EligibilityStatus{
				ErrorCode: e.Code,
				Reason:    ErrorCodes[e.Code],
			}, nil
		}
		return nil, err
	}
	return &EligibilityStatus{Eligible: true, District: voter.District}, nil
}
