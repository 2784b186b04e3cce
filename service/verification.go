package service

import (
	"bytes"

	"election-backend/authority"
	"election-backend/models"
	"election-backend/storage"

	"github.com/pkg/errors"
)

// VerificationService answers audit questions about the ledger.
type VerificationService struct {
	electionID string
	ledger     *Ledger
	authority  *authority.Authority
}

func NewVerificationService(electionID string, ledger *Ledger, auth *authority.Authority) *VerificationService {
	return &VerificationService{
		electionID: electionID,
		ledger:     ledger,
		authority:  auth,
	}
}

// AuditDigest returns the current chain head. An empty ledger reports the
// genesis hash with a count of zero.
func (v *VerificationService) AuditDigest() (models.Digest, error) {
	it, err := v.ledger.Entries()
	if err != nil {
		return models.Digest{}, err
	}
	defer it.Release()
	return it.Digest()
}

// VerifyReceipt recomputes the entry at the receipt position from its stored
// fields and its predecessor, compares it with the receipt and checks the
// authority signature. A receipt that does not match is reported as invalid,
// not as an error.
func (v *VerificationService) VerifyReceipt(r *models.Receipt) (bool, error) {
	if r == nil || r.ElectionID != v.electionID || r.Position == 0 {
		return false, nil
	}

	it, err := v.ledger.Entries()
	if err != nil {
		return false, err
	}
	defer it.Release()

	if r.Position > it.Len() {
		return false, nil
	}
	entry, prev, err := it.At(r.Position)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := entry.Validate(r.Position, prev); err != nil {
		log.Debugf("VerifyReceipt %v: %v", r.Position, err)
		return false, nil
	}
	if !bytes.Equal(entry.Hash, r.EntryHash) ||
		!bytes.Equal(entry.Hash, r.ChainDigest) ||
		entry.Timestamp != r.Timestamp {
		return false, nil
	}
	return v.authority.VerifyReceipt(r), nil
}

// VerifyChain runs a full integrity audit of the ledger.
func (v *VerificationService) VerifyChain() (*IntegrityReport, error) {
	report, err := v.ledger.VerifyChain()
	if err != nil {
		return nil, err
	}
	if !report.Valid {
		return report, newError(ErrorCodeLedgerCorrupted, "entry %v: %v",
			report.FirstBroken, report.Reason)
	}
	return report, nil
}
