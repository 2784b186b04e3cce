package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"election-backend/models"

	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbOpt "github.com/syndtr/goleveldb/leveldb/opt"
	leveldbStorage "github.com/syndtr/goleveldb/leveldb/storage"
)

const (
	entryPrefix = "entry/"
	voterPrefix = "voter/"
	keyLength   = "meta/length"
	keyElection = "meta/election"
)

var _ Store = (*LevelDB)(nil)

// LevelDB implements Store using leveldb. All writes are locked against
// concurrent access and go through a single batch, so an entry, its voter
// reference and the new ledger length become visible together.
type LevelDB struct {
	sync.Mutex
	db       *leveldb.DB
	length   uint64
	shutdown bool
}

// OpenLevelDB opens or creates a leveldb store at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open leveldb %v", path)
	}
	return newLevelDB(db)
}

// NewMemoryLevelDB returns a store backed by leveldb memory storage.
func NewMemoryLevelDB() (*LevelDB, error) {
	db, err := leveldb.Open(leveldbStorage.NewMemStorage(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return newLevelDB(db)
}

func newLevelDB(db *leveldb.DB) (*LevelDB, error) {
	l := &LevelDB{db: db}
	length, err := readLength(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	l.length = length
	log.Debugf("Opened leveldb store with %v entries", length)
	return l, nil
}

type leveldbReader interface {
	Get(key []byte, ro *leveldbOpt.ReadOptions) ([]byte, error)
}

func entryKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", entryPrefix, seq))
}

func voterKey(ref string) []byte {
	return []byte(voterPrefix + ref)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func readLength(r leveldbReader) (uint64, error) {
	b, err := r.Get([]byte(keyLength), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, nil
		}
		return 0, errors.WithStack(err)
	}
	if len(b) != 8 {
		return 0, errors.Errorf("invalid ledger length record: %x", b)
	}
	return binary.BigEndian.Uint64(b), nil
}

func readEntry(r leveldbReader, seq uint64) (*models.Entry, error) {
	b, err := r.Get(entryKey(seq), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.WithStack(err)
	}
	var e models.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrapf(err, "decode entry %v", seq)
	}
	return &e, nil
}

// Append saves the entry, the voter reference and the new ledger length in
// one batch.
//
// This function satisfies the Store interface.
func (l *LevelDB) Append(entry *models.Entry, voterRef string) error {
	log.Tracef("Append: %v", entry.Sequence)

	l.Lock()
	defer l.Unlock()
	if l.shutdown {
		return ErrShutdown
	}

	if entry.Sequence != l.length+1 {
		return errors.Wrapf(ErrSequence, "got %v, tip %v", entry.Sequence, l.length)
	}
	ok, err := l.db.Has(voterKey(voterRef), nil)
	if err != nil {
		return errors.WithStack(err)
	}
	if ok {
		return ErrDuplicateVoter
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WithStack(err)
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(entry.Sequence), data)
	batch.Put(voterKey(voterRef), encodeUint64(entry.Sequence))
	batch.Put([]byte(keyLength), encodeUint64(entry.Sequence))
	if err := l.db.Write(batch, nil); err != nil {
		return errors.WithStack(err)
	}
	l.length = entry.Sequence

	log.Debugf("Saved ledger entry %v", entry.Sequence)
	return nil
}

// HasVoter satisfies the Store interface.
func (l *LevelDB) HasVoter(voterRef string) (bool, error) {
	l.Lock()
	defer l.Unlock()
	if l.shutdown {
		return false, ErrShutdown
	}
	ok, err := l.db.Has(voterKey(voterRef), nil)
	if err != nil {
		return false, errors.WithStack(err)
	}
	return ok, nil
}

type levelDBSnapshot struct {
	snap   *leveldb.Snapshot
	length uint64
}

func (s *levelDBSnapshot) Len() uint64 { return s.length }

func (s *levelDBSnapshot) Entry(seq uint64) (*models.Entry, error) {
	if seq == 0 || seq > s.length {
		return nil, ErrNotFound
	}
	return readEntry(s.snap, seq)
}

func (s *levelDBSnapshot) Release() { s.snap.Release() }

// Snapshot returns a leveldb snapshot. Readers never hold the store lock
// while iterating, so they do not block appends.
//
// This function satisfies the Store interface.
func (l *LevelDB) Snapshot() (Snapshot, error) {
	l.Lock()
	if l.shutdown {
		l.Unlock()
		return nil, ErrShutdown
	}
	snap, err := l.db.GetSnapshot()
	l.Unlock()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	length, err := readLength(snap)
	if err != nil {
		snap.Release()
		return nil, err
	}
	return &levelDBSnapshot{snap: snap, length: length}, nil
}

// SaveElection satisfies the Store interface.
func (l *LevelDB) SaveElection(e *models.Election) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.WithStack(err)
	}

	l.Lock()
	defer l.Unlock()
	if l.shutdown {
		return ErrShutdown
	}
	if err := l.db.Put([]byte(keyElection), data, nil); err != nil {
		return errors.WithStack(err)
	}
	return nil
}

// LoadElection satisfies the Store interface.
func (l *LevelDB) LoadElection() (*models.Election, error) {
	l.Lock()
	defer l.Unlock()
	if l.shutdown {
		return nil, ErrShutdown
	}
	b, err := l.db.Get([]byte(keyElection), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.WithStack(err)
	}
	var e models.Election
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, errors.Wrap(err, "decode election")
	}
	return &e, nil
}

// Close satisfies the Store interface.
func (l *LevelDB) Close() error {
	l.Lock()
	defer l.Unlock()
	if l.shutdown {
		return nil
	}
	l.shutdown = true
	return l.db.Close()
}
