package models

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/crypto/sha3"
)

// HashSize is the size of an entry hash in bytes.
const HashSize = 32

// GenesisHash is the previous hash of the first ledger entry.
var GenesisHash = make([]byte, HashSize)

// Entry is a single cast ballot as stored in the ledger. Every field that feeds
// the hash is persisted, so an entry can be re-verified without any other state.
// The voter reference is deliberately absent; it lives only in the dedupe index.
type Entry struct {
	Sequence    uint64        `json:"sequence"`
	PrevHash    hexutil.Bytes `json:"prev_hash"`
	Hash        hexutil.Bytes `json:"hash"`
	CandidateID string        `json:"candidate_id"`
	District    string        `json:"district"`
	Timestamp   int64         `json:"timestamp"` // unix nanoseconds
}

func NewEntry(seq uint64, prevHash []byte, candidateID, district string, timestamp int64) *Entry {
	entry := &Entry{
		Sequence:    seq,
		PrevHash:    append([]byte(nil), prevHash...),
		CandidateID: candidateID,
		District:    district,
		Timestamp:   timestamp,
	}
	entry.Hash = entry.CalculateHash()
	return entry
}

// CalculateHash returns SHA3-256(prevHash || seq || candidateID || district ||
// timestamp). Integers are fixed width big endian and strings are length
// prefixed so that no two field combinations encode to the same bytes.
func (e *Entry) CalculateHash() []byte {
	buffer := new(bytes.Buffer)
	buffer.Write(e.PrevHash)
	binary.Write(buffer, binary.BigEndian, e.Sequence)
	writeString(buffer, e.CandidateID)
	writeString(buffer, e.District)
	binary.Write(buffer, binary.BigEndian, e.Timestamp)

	hash := sha3.Sum256(buffer.Bytes())
	return hash[:]
}

func writeString(buffer *bytes.Buffer, s string) {
	binary.Write(buffer, binary.BigEndian, uint32(len(s)))
	buffer.WriteString(s)
}

// Validate checks the entry against the position and previous hash it is
// expected to have. The returned error names the first failed check.
func (e *Entry) Validate(expectedSeq uint64, prevHash []byte) error {
	if e.Sequence != expectedSeq {
		return fmt.Errorf("sequence %d, expected %d", e.Sequence, expectedSeq)
	}
	if !bytes.Equal(e.PrevHash, prevHash) {
		return fmt.Errorf("entry %d previous hash %x does not link to %x",
			e.Sequence, []byte(e.PrevHash), prevHash)
	}
	calculated := e.CalculateHash()
	if !bytes.Equal(calculated, e.Hash) {
		return fmt.Errorf("entry %d hash mismatch: stored %x calculated %x",
			e.Sequence, []byte(e.Hash), calculated)
	}
	return nil
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.PrevHash = append(hexutil.Bytes(nil), e.PrevHash...)
	c.Hash = append(hexutil.Bytes(nil), e.Hash...)
	return &c
}

// VoterRef derives the dedupe key for a voter in an election. It is stored
// beside the ledger, never inside an entry.
func VoterRef(electionID, voterCode string) string {
	buffer := new(bytes.Buffer)
	writeString(buffer, electionID)
	writeString(buffer, voterCode)
	hash := sha3.Sum256(buffer.Bytes())
	return hexutil.Encode(hash[:])
}

// Receipt is returned to a voter after a successful cast. It proves inclusion
// without revealing the candidate.
type Receipt struct {
	ElectionID  string        `json:"election_id"`
	Position    uint64        `json:"position"`
	EntryHash   hexutil.Bytes `json:"entry_hash"`
	ChainDigest hexutil.Bytes `json:"chain_digest"`
	Timestamp   int64         `json:"timestamp"`
	Signature   hexutil.Bytes `json:"signature,omitempty"`
}

// SigningPayload returns the bytes the election authority signs.
func (r *Receipt) SigningPayload() []byte {
	buffer := new(bytes.Buffer)
	writeString(buffer, r.ElectionID)
	binary.Write(buffer, binary.BigEndian, r.Position)
	buffer.Write(r.EntryHash)
	buffer.Write(r.ChainDigest)
	binary.Write(buffer, binary.BigEndian, r.Timestamp)
	return buffer.Bytes()
}

// Digest is the head of the chain at a point in time.
type Digest struct {
	FinalHash  hexutil.Bytes `json:"final_hash"`
	EntryCount uint64        `json:"entry_count"`
}
