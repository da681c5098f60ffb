// Package audit produces signed, independently verifiable resolution
// records. A record binds the outcome, the tie-break randomness and the
// candidate list under a COSE_Sign1 signature so any auditor holding the
// marketplace's public key can re-check the winner selection after the fact.
package audit

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"
)

// ResolutionRecord is the signed payload. The raw random value, the full
// candidate list and the computed index travel together so the selection
// randomValue mod len(candidates) == winnerIndex is re-checkable.
type ResolutionRecord struct {
	AuctionID       string    `cbor:"auction_id"`
	Outcome         string    `cbor:"outcome"`
	WinnerID        string    `cbor:"winner_id,omitempty"`
	WinningAmount   float64   `cbor:"winning_amount,omitempty"`
	UsedTieBreak    bool      `cbor:"used_tie_break"`
	RandomValue     uint64    `cbor:"random_value,omitempty"`
	CandidateBidIDs []string  `cbor:"candidate_bid_ids,omitempty"`
	WinnerIndex     int       `cbor:"winner_index,omitempty"`
	Timestamp       time.Time `cbor:"timestamp"`
}

// Signer signs resolution records with an ECDSA P-256 key.
type Signer struct {
	key    *ecdsa.PrivateKey
	signer cose.Signer
}

// NewSigner generates a fresh signing key pair.
func NewSigner() (*Signer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return NewSignerFromKey(key)
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(key *ecdsa.PrivateKey) (*Signer, error) {
	coseSigner, err := cose.NewSigner(cose.AlgorithmES256, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create COSE signer: %w", err)
	}
	return &Signer{key: key, signer: coseSigner}, nil
}

// PublicKey returns the verification key for this signer.
func (s *Signer) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// Sign serializes the record as CBOR and wraps it in a COSE_Sign1 envelope.
func (s *Signer) Sign(record *ResolutionRecord) ([]byte, error) {
	payload, err := cbor.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode resolution record: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
	msg.Payload = payload

	if err := msg.Sign(rand.Reader, nil, s.signer); err != nil {
		return nil, fmt.Errorf("sign resolution record: %w", err)
	}

	signed, err := msg.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("encode COSE envelope: %w", err)
	}
	return signed, nil
}

// VerifyResolutionRecord checks the COSE_Sign1 signature against the given
// public key and returns the embedded record.
func VerifyResolutionRecord(signed []byte, publicKey *ecdsa.PublicKey) (*ResolutionRecord, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(signed); err != nil {
		return nil, fmt.Errorf("parse COSE envelope: %w", err)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, publicKey)
	if err != nil {
		return nil, fmt.Errorf("create COSE verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("verify resolution record signature: %w", err)
	}

	var record ResolutionRecord
	if err := cbor.Unmarshal(msg.Payload, &record); err != nil {
		return nil, fmt.Errorf("decode resolution record: %w", err)
	}
	return &record, nil
}
