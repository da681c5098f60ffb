package core

import (
	"errors"
	"fmt"
)

// Bounds on a single tie-break randomness request. The upper bound is
// imposed by the randomness oracle; exceeding either bound is a rejected
// request, not a silent truncation.
const (
	MinTieCandidates = 2
	MaxTieCandidates = 10
)

var (
	// ErrTooFewCandidates is returned when a tie-break is requested with
	// fewer than MinTieCandidates candidates.
	ErrTooFewCandidates = errors.New("tie-break requires at least 2 candidates")

	// ErrTooManyCandidates is returned when a tie-break is requested with
	// more than MaxTieCandidates candidates.
	ErrTooManyCandidates = errors.New("tie-break candidate count exceeds oracle limit")
)

// ValidateTieBreak checks the candidate count against the oracle bounds
// before any randomness is requested.
func ValidateTieBreak(candidateCount int) error {
	if candidateCount < MinTieCandidates {
		return fmt.Errorf("%w: got %d", ErrTooFewCandidates, candidateCount)
	}
	if candidateCount > MaxTieCandidates {
		return fmt.Errorf("%w: got %d, limit %d", ErrTooManyCandidates, candidateCount, MaxTieCandidates)
	}
	return nil
}

// TieBreakIndex maps a verifiable random value onto a candidate index via
// randomValue mod candidateCount. The raw random value must be stored
// alongside the candidate list and the computed index so the selection is
// independently auditable.
func TieBreakIndex(randomValue uint64, candidateCount int) (int, error) {
	if err := ValidateTieBreak(candidateCount); err != nil {
		return 0, err
	}
	return int(randomValue % uint64(candidateCount)), nil
}

// SelectTieBreakWinner applies a random value to a decision that required a
// tie-break, filling in the winner deterministically from the candidate
// ordering. Returns the winning index for the audit record.
func SelectTieBreakWinner(decision *WinnerDecision, randomValue uint64) (int, error) {
	if !decision.NeedsTieBreak {
		return 0, errors.New("decision does not require a tie-break")
	}

	index, err := TieBreakIndex(randomValue, len(decision.Candidates))
	if err != nil {
		return 0, err
	}

	winner := decision.Candidates[index]
	decision.Winner = &winner
	decision.NeedsTieBreak = false
	return index, nil
}
