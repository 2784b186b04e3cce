package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type VoterStatus string

const (
	VoterPending  VoterStatus = "pending"
	VoterEligible VoterStatus = "eligible"
	VoterRevoked  VoterStatus = "revoked"
)

func (s VoterStatus) Valid() bool {
	switch s {
	case VoterPending, VoterEligible, VoterRevoked:
		return true
	}
	return false
}

// Voter is a registry record. The core reads the status and district only.
type Voter struct {
	ID       string      `json:"id"`
	Code     string      `json:"code"`
	Name     string      `json:"name,omitempty"`
	Status   VoterStatus `json:"status"`
	District string      `json:"district"`
	HasVoted bool        `json:"has_voted"` // informational, the ledger is authoritative
}

func (v *Voter) Validate() error {
	if strings.TrimSpace(v.Code) == "" {
		return fmt.Errorf("voter code is required")
	}
	if !v.Status.Valid() {
		return fmt.Errorf("voter %s has invalid status %q", v.Code, v.Status)
	}
	if strings.TrimSpace(v.District) == "" {
		return fmt.Errorf("voter %s has no district", v.Code)
	}
	return nil
}

type Candidate struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Party    string `json:"party,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Image    string `json:"image,omitempty"`
	District string `json:"district,omitempty"` // empty means every district
}

// InScope reports whether the candidate can receive votes from district.
func (c *Candidate) InScope(district string) bool {
	return c.District == "" || c.District == district
}

func (c *Candidate) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("candidate id is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("candidate %s has no name", c.ID)
	}
	return nil
}

// RegistryFile is the on-disk layout of the voter and candidate registry.
type RegistryFile struct {
	Voters     []*Voter     `json:"voters"`
	Candidates []*Candidate `json:"candidates"`
}

func (r *RegistryFile) String() string {
	b, _ := json.Marshal(r)
	return string(b)
}
