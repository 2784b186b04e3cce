// Package storage persists the ballot ledger and the election record.
//
// A Store is append only with respect to ledger entries: there is no call
// that rewrites or deletes an entry. Every entry is written together with the
// voter reference that cast it, in one atomic operation, so a voter can never
// appear twice and an entry can never exist without its dedupe record.
package storage

import (
	"errors"

	"election-backend/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrShutdown is returned when the store is used after Close.
	ErrShutdown = errors.New("store is shut down")

	// ErrDuplicateVoter is returned when a voter reference is already
	// recorded.
	ErrDuplicateVoter = errors.New("voter reference already recorded")

	// ErrSequence is returned when an entry does not directly follow the
	// current tip.
	ErrSequence = errors.New("entry does not follow the ledger tip")
)

// Store is the persistence interface used by the ledger.
type Store interface {
	// Append atomically saves the entry and its voter reference.
	Append(entry *models.Entry, voterRef string) error

	// HasVoter reports whether a voter reference has been recorded.
	HasVoter(voterRef string) (bool, error)

	// Snapshot returns a consistent read-only view of the ledger. The
	// caller must call Release when done.
	Snapshot() (Snapshot, error)

	// SaveElection replaces the stored election record.
	SaveElection(e *models.Election) error

	// LoadElection returns ErrNotFound if no election has been created.
	LoadElection() (*models.Election, error)

	Close() error
}

// Snapshot is a point in time view of the ledger. Entries appended after the
// snapshot was taken are not visible through it.
type Snapshot interface {
	// Len returns the number of entries in the snapshot.
	Len() uint64

	// Entry returns the entry at seq, 1 <= seq <= Len().
	Entry(seq uint64) (*models.Entry, error)

	Release()
}
