package api

import "election-backend/models"

const (
	// APIRoute is prefixed onto all routes defined in this package.
	APIRoute = "/api/v1"

	RouteCastVote        = "/votes"
	RoutePhase           = "/phase"
	RouteTally           = "/tally"
	RouteVerifyReceipt   = "/receipts/verify"
	RouteAuditDigest     = "/audit/digest"
	RouteAuditVerify     = "/audit/verify"
	RouteElection        = "/election"
	RouteCandidates      = "/candidates"
	RouteStats           = "/stats"
	RouteEligibility     = "/voters/{code}/eligibility"
	RouteLedger          = "/ledger"
	RouteAdminPhase      = "/admin/phase"
	RouteAdminHistory    = "/admin/phase/history"
	RouteAdminExport     = "/admin/audit/export"
	RouteAdminAcknowledge = "/admin/integrity/ack"

	RouteMetrics = "/metrics"
)

// CastVote submits a ballot.
type CastVote struct {
	VoterCode   string `json:"voter_code"`
	CandidateID string `json:"candidate_id"`
}

// CastVoteReply carries the signed receipt of an accepted ballot.
type CastVoteReply struct {
	Receipt models.Receipt `json:"receipt"`
}

// TransitionPhase requests a phase change. Override allows skipping phases
// forward.
type TransitionPhase struct {
	Phase    string `json:"phase"`
	Override bool   `json:"override"`
	Reason   string `json:"reason,omitempty"`
}

type VerifyReceiptReply struct {
	Valid bool `json:"valid"`
}

type CandidatesReply struct {
	Candidates []*models.Candidate `json:"candidates"`
}

type PhaseHistoryReply struct {
	History []models.PhaseEvent `json:"history"`
}

type AcknowledgeCorruption struct {
	Position uint64 `json:"position"`
	Reason   string `json:"reason"`
}

type ExportReply struct {
	Path string `json:"path"`
}

// ErrorReply is returned for every failed request. Internal errors carry a
// UNIX timestamp as error code that can be matched against the server log.
type ErrorReply struct {
	ErrorCode    int64  `json:"errorcode"`
	ErrorContext string `json:"errorcontext,omitempty"`
}

