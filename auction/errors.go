package auction

import "errors"

// Validation errors: rejected synchronously, never retried automatically.
var (
	ErrNotFound            = errors.New("not found")
	ErrWrongPhase          = errors.New("operation not permitted in current phase")
	ErrDuplicateCommitment = errors.New("bidder already holds a pending commitment for this auction")
	ErrRevealMismatch      = errors.New("reveal does not match stored commitment")
	ErrBidNotPending       = errors.New("bid is not pending reveal")
	ErrListingInactive     = errors.New("listing is not active")
	ErrNoBuyNow            = errors.New("listing has no buy-now price")
	ErrEmptyCommitment     = errors.New("commitment must not be empty")
)

// Invariant violations: silent no-ops when hit by the sweep, rejected
// outright when attempted by a caller. They must never corrupt committed
// state.
var (
	ErrAuctionTerminal = errors.New("auction already settled or cancelled")
	ErrAlreadyResolved = errors.New("auction already has a resolution")
)
