package core

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// ComputeCommitment computes the sealed-bid commitment hash.
// This is used by both bidders (to generate commitments) and the reveal
// path (to verify them).
//
// Formula: SHA256(sprintf("%.6f", amount) + "|" + salt)
//
// The amount is formatted to exactly 6 decimal places to ensure consistent
// hashing regardless of how the float is represented in memory.
func ComputeCommitment(amount float64, salt string) string {
	data := fmt.Sprintf("%.6f|%s", amount, salt)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// VerifyReveal reports whether the disclosed amount and salt reproduce the
// stored commitment. Comparison is constant-time; a mismatch means the
// reveal is invalid and the bid must be excluded, never retried.
func VerifyReveal(commitment string, amount float64, salt string) bool {
	recomputed := ComputeCommitment(amount, salt)
	return subtle.ConstantTimeCompare([]byte(recomputed), []byte(commitment)) == 1
}

// GenerateSalt returns a hex-encoded 256-bit random salt for a sealed bid.
func GenerateSalt() (string, error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}
