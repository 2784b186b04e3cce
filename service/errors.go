package service

import (
	"fmt"
)

// ErrorCodeT represents an election error code.
type ErrorCodeT int

const (
	ErrorCodeInvalid           ErrorCodeT = 0
	ErrorCodeInputInvalid      ErrorCodeT = 1
	ErrorCodeUnknownVoter      ErrorCodeT = 2
	ErrorCodeNotEligible       ErrorCodeT = 3
	ErrorCodeAlreadyVoted      ErrorCodeT = 4
	ErrorCodeUnknownCandidate  ErrorCodeT = 5
	ErrorCodeInvalidPhase      ErrorCodeT = 6
	ErrorCodeInvalidTransition ErrorCodeT = 7
	ErrorCodeVotingClosed      ErrorCodeT = 8
	ErrorCodePrecheckFailed    ErrorCodeT = 9
	ErrorCodeLedgerCorrupted   ErrorCodeT = 10
	ErrorCodeLedgerHalted      ErrorCodeT = 11
	ErrorCodeQueueFull         ErrorCodeT = 12
	ErrorCodeRequestCancelled  ErrorCodeT = 13
)

var (
	// ErrorCodes contains the human readable errors.
	ErrorCodes = map[ErrorCodeT]string{
		ErrorCodeInvalid:           "error invalid",
		ErrorCodeInputInvalid:      "input invalid",
		ErrorCodeUnknownVoter:      "unknown voter",
		ErrorCodeNotEligible:       "voter not eligible",
		ErrorCodeAlreadyVoted:      "voter already voted",
		ErrorCodeUnknownCandidate:  "unknown candidate",
		ErrorCodeInvalidPhase:      "invalid phase",
		ErrorCodeInvalidTransition: "invalid phase transition",
		ErrorCodeVotingClosed:      "voting closed",
		ErrorCodePrecheckFailed:    "phase precheck failed",
		ErrorCodeLedgerCorrupted:   "ledger corrupted",
		ErrorCodeLedgerHalted:      "ledger halted",
		ErrorCodeQueueFull:         "vote queue full",
		ErrorCodeRequestCancelled:  "request cancelled",
	}
)

// ErrorClassT groups error codes by how a client should react to them.
type ErrorClassT int

const (
	ClassInternal ErrorClassT = iota
	ClassValidation
	ClassConflict
	ClassIntegrity
	ClassUnavailable
)

func (c ErrorClassT) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassConflict:
		return "conflict"
	case ClassIntegrity:
		return "integrity"
	case ClassUnavailable:
		return "unavailable"
	}
	return "internal"
}

// Error is returned for every failure caused by the request or by the
// election state rather than by the process. Anything else is internal.
type Error struct {
	Code    ErrorCodeT
	Context string
}

func (e Error) Error() string {
	if e.Context == "" {
		return ErrorCodes[e.Code]
	}
	return fmt.Sprintf("%v: %v", ErrorCodes[e.Code], e.Context)
}

// Is matches any Error with the same code, so the sentinels below work with
// errors.Is regardless of context.
func (e Error) Is(target error) bool {
	t, ok := target.(Error)
	return ok && t.Code == e.Code
}

// Class returns the error class of the code.
func (e Error) Class() ErrorClassT {
	switch e.Code {
	case ErrorCodeInputInvalid, ErrorCodeUnknownVoter, ErrorCodeNotEligible,
		ErrorCodeUnknownCandidate, ErrorCodeInvalidPhase, ErrorCodePrecheckFailed:
		return ClassValidation
	case ErrorCodeAlreadyVoted, ErrorCodeInvalidTransition, ErrorCodeVotingClosed:
		return ClassConflict
	case ErrorCodeLedgerCorrupted, ErrorCodeLedgerHalted:
		return ClassIntegrity
	case ErrorCodeQueueFull, ErrorCodeRequestCancelled:
		return ClassUnavailable
	}
	return ClassInternal
}

func newError(code ErrorCodeT, format string, args ...interface{}) Error {
	return Error{Code: code, Context: fmt.Sprintf(format, args...)}
}

var (
	ErrUnknownVoter      = Error{Code: ErrorCodeUnknownVoter}
	ErrNotEligible       = Error{Code: ErrorCodeNotEligible}
	ErrAlreadyVoted      = Error{Code: ErrorCodeAlreadyVoted}
	ErrUnknownCandidate  = Error{Code: ErrorCodeUnknownCandidate}
	ErrInvalidPhase      = Error{Code: ErrorCodeInvalidPhase}
	ErrInvalidTransition = Error{Code: ErrorCodeInvalidTransition}
	ErrVotingClosed      = Error{Code: ErrorCodeVotingClosed}
	ErrPrecheckFailed    = Error{Code: ErrorCodePrecheckFailed}
	ErrLedgerCorrupted   = Error{Code: ErrorCodeLedgerCorrupted}
	ErrLedgerHalted      = Error{Code: ErrorCodeLedgerHalted}
	ErrQueueFull         = Error{Code: ErrorCodeQueueFull}
	ErrRequestCancelled  = Error{Code: ErrorCodeRequestCancelled}
)
