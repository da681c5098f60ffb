// Package oracle defines the verifiable-randomness contract used for
// tie-breaking and guards against replayed randomness requests.
package oracle

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// RandomnessOracle supplies a verifiable random value for tie-breaking.
// Implementations are expected to be network-bound; callers must bound each
// request with a context deadline. A timeout is a transient failure to be
// retried on the next scheduler tick, never mapped to an unsold outcome.
type RandomnessOracle interface {
	RequestRandomness(ctx context.Context, seed string, candidateCount int) (uint64, error)
}

// ErrAlreadyResolved is returned when randomness is requested again for an
// auction/candidate-set combination that already produced a winner.
// Randomness requests are not idempotent and must not be replayed.
var ErrAlreadyResolved = errors.New("randomness already consumed for this auction and candidate set")

// RequestGuard records which auction/candidate-set combinations have
// consumed a randomness request. Safe for concurrent use.
type RequestGuard struct {
	mu       sync.Mutex
	resolved map[string]bool
}

// NewRequestGuard creates an empty guard.
func NewRequestGuard() *RequestGuard {
	return &RequestGuard{resolved: make(map[string]bool)}
}

// guardKey derives a stable key from the auction ID and the candidate bid
// IDs. Candidate order does not matter for replay detection.
func guardKey(auctionID string, candidateBidIDs []string) string {
	sorted := make([]string, len(candidateBidIDs))
	copy(sorted, candidateBidIDs)
	sort.Strings(sorted)

	sum := sha256.Sum256([]byte(auctionID + "|" + strings.Join(sorted, "|")))
	return fmt.Sprintf("%x", sum)
}

// Check returns ErrAlreadyResolved if this combination already consumed a
// randomness request.
func (g *RequestGuard) Check(auctionID string, candidateBidIDs []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved[guardKey(auctionID, candidateBidIDs)] {
		return fmt.Errorf("%w: auction %s", ErrAlreadyResolved, auctionID)
	}
	return nil
}

// MarkResolved records that a winner has been recorded for this combination.
// Called only after the randomness was successfully consumed; a failed or
// timed-out request leaves the combination eligible for retry.
func (g *RequestGuard) MarkResolved(auctionID string, candidateBidIDs []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resolved[guardKey(auctionID, candidateBidIDs)] = true
}

// LocalBeacon is a crypto/rand backed RandomnessOracle for development and
// testing. Production deployments substitute an external verifiable oracle.
type LocalBeacon struct{}

// RequestRandomness returns 64 bits from the kernel entropy pool.
func (LocalBeacon) RequestRandomness(ctx context.Context, seed string, candidateCount int) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("entropy generation failed: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}
