package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"election-backend/models"

	"github.com/pkg/errors"
)

const ledgerFilename = "ledger.json"

var _ Store = (*JSONStore)(nil)

// fileLedger is the entire on-disk state of a JSONStore.
type fileLedger struct {
	Election *models.Election `json:"election,omitempty"`
	Entries  []*models.Entry  `json:"entries"`
	Voters   map[string]uint64 `json:"voters"`
}

// JSONStore keeps the ledger in a single JSON file. Every write rewrites the
// file through a temporary file and an atomic rename, so a crash leaves either
// the old or the new state on disk. Suitable for small elections and audits
// where a human readable ledger is wanted.
type JSONStore struct {
	path     string
	mu       sync.RWMutex
	ledger   *fileLedger
	shutdown bool
}

func NewJSONStore(basePath string) (*JSONStore, error) {
	// Create storage directory if it doesn't exist
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create directory")
	}

	store := &JSONStore{
		path: filepath.Join(basePath, ledgerFilename),
	}

	ledger, err := store.loadFromFile()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load ledger")
	}
	store.ledger = ledger

	log.Debugf("Loaded file ledger %v with %v entries", store.path, len(ledger.Entries))
	return store, nil
}

func (s *JSONStore) Append(entry *models.Entry, voterRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}

	if entry.Sequence != uint64(len(s.ledger.Entries))+1 {
		return errors.Wrapf(ErrSequence, "got %v, tip %v", entry.Sequence, len(s.ledger.Entries))
	}
	if _, ok := s.ledger.Voters[voterRef]; ok {
		return ErrDuplicateVoter
	}

	// Build the next state without touching the current one so that a failed
	// write leaves memory and disk in agreement.
	next := &fileLedger{
		Election: s.ledger.Election,
		Entries:  append(s.ledger.Entries[:len(s.ledger.Entries):len(s.ledger.Entries)], entry.Clone()),
		Voters:   make(map[string]uint64, len(s.ledger.Voters)+1),
	}
	for k, v := range s.ledger.Voters {
		next.Voters[k] = v
	}
	next.Voters[voterRef] = entry.Sequence

	if err := s.saveToFile(next); err != nil {
		return err
	}
	s.ledger = next
	return nil
}

func (s *JSONStore) HasVoter(voterRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return false, ErrShutdown
	}
	_, ok := s.ledger.Voters[voterRef]
	return ok, nil
}

type sliceSnapshot struct {
	entries []*models.Entry
}

func (s *sliceSnapshot) Len() uint64 { return uint64(len(s.entries)) }

func (s *sliceSnapshot) Entry(seq uint64) (*models.Entry, error) {
	if seq == 0 || seq > uint64(len(s.entries)) {
		return nil, ErrNotFound
	}
	return s.entries[seq-1].Clone(), nil
}

func (s *sliceSnapshot) Release() {}

// Snapshot returns a view over the current entries. Entries are never mutated
// and appends never write into a slice a snapshot can see, so the view stays
// consistent without holding the lock.
func (s *JSONStore) Snapshot() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return nil, ErrShutdown
	}
	return &sliceSnapshot{entries: s.ledger.Entries}, nil
}

func (s *JSONStore) SaveElection(e *models.Election) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}

	next := *s.ledger
	next.Election = e.Clone()
	if err := s.saveToFile(&next); err != nil {
		return err
	}
	s.ledger = &next
	return nil
}

func (s *JSONStore) LoadElection() (*models.Election, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return nil, ErrShutdown
	}
	if s.ledger.Election == nil {
		return nil, ErrNotFound
	}
	return s.ledger.Election.Clone(), nil
}

func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	return nil
}

func (s *JSONStore) loadFromFile() (*fileLedger, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileLedger{
				Entries: make([]*models.Entry, 0),
				Voters:  make(map[string]uint64),
			}, nil
		}
		return nil, errors.WithStack(err)
	}

	var ledger fileLedger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal ledger")
	}
	if ledger.Voters == nil {
		ledger.Voters = make(map[string]uint64)
	}
	if ledger.Entries == nil {
		ledger.Entries = make([]*models.Entry, 0)
	}
	return &ledger, nil
}

func (s *JSONStore) saveToFile(ledger *fileLedger) error {
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal ledger")
	}

	// Write to temporary file first
	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write ledger file")
	}

	// Atomic rename to ensure consistency
	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath) // Clean up temp file if rename fails
		return errors.Wrap(err, "failed to save ledger file")
	}

	return nil
}
