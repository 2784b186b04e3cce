// Package authority holds the election authority key and signs ballot
// receipts with it.
package authority

import (
	"crypto/ecdsa"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"election-backend/models"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Credentials is the on-disk form of the authority key.
type Credentials struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// Authority signs receipts. The zero value is not usable; use New or
// LoadOrGenerate.
type Authority struct {
	key *ecdsa.PrivateKey
}

func New(key *ecdsa.PrivateKey) *Authority {
	return &Authority{key: key}
}

// LoadOrGenerate restores the key stored at path, or creates one and writes
// it with owner-only permissions.
func LoadOrGenerate(path string) (*Authority, error) {
	if data, err := os.ReadFile(path); err == nil {
		var creds Credentials
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, errors.Wrap(err, "parse authority credentials")
		}
		key, err := ParsePrivateKey(creds.PrivateKey)
		if err != nil {
			return nil, err
		}
		log.Infof("Loaded authority key %v", crypto.PubkeyToAddress(key.PublicKey).Hex())
		return New(key), nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read %v", path)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate authority key")
	}
	creds := Credentials{
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, errors.Wrap(err, "save authority credentials")
	}

	log.Infof("Generated authority key %v at %v",
		crypto.PubkeyToAddress(key.PublicKey).Hex(), path)
	return New(key), nil
}

// ParsePrivateKey decodes a hex private key with or without 0x prefix.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse authority private key")
	}
	return key, nil
}

// PublicKey returns the uncompressed public key.
func (a *Authority) PublicKey() []byte {
	return crypto.FromECDSAPub(&a.key.PublicKey)
}

// Address returns the checksummed address derived from the public key.
func (a *Authority) Address() string {
	return crypto.PubkeyToAddress(a.key.PublicKey).Hex()
}

// SignReceipt sets the receipt signature over its signing payload.
func (a *Authority) SignReceipt(r *models.Receipt) error {
	hash := crypto.Keccak256(r.SigningPayload())
	sig, err := crypto.Sign(hash, a.key)
	if err != nil {
		return errors.Wrap(err, "sign receipt")
	}
	r.Signature = sig
	return nil
}

// VerifyReceipt reports whether the receipt carries a valid signature by
// this authority. A tampered payload recovers a different key.
func (a *Authority) VerifyReceipt(r *models.Receipt) bool {
	if len(r.Signature) != crypto.SignatureLength {
		return false
	}
	hash := crypto.Keccak256(r.SigningPayload())
	pub, err := crypto.SigToPub(hash, r.Signature)
	if err != nil {
		return false
	}
	if pub.X.Cmp(a.key.PublicKey.X) != 0 || pub.Y.Cmp(a.key.PublicKey.Y) != 0 {
		return false
	}
	// Reject malleated signatures; recovery alone accepts them.
	return crypto.VerifySignature(a.PublicKey(), hash, r.Signature[:crypto.RecoveryIDOffset])
}
