// Package auction implements the per-listing phase state machine and the
// sealed-bid commitment store.
package auction

import (
	"time"
)

// Phase is the auction lifecycle state.
//
// BIDDING → REVEAL → {RESOLVED | UNSOLD}; BIDDING|REVEAL → CANCELLED.
// RESOLVED, UNSOLD and CANCELLED are terminal; no further transitions are
// permitted once an auction is settled or cancelled.
type Phase string

const (
	PhaseBidding   Phase = "BIDDING"
	PhaseReveal    Phase = "REVEAL"
	PhaseResolved  Phase = "RESOLVED"
	PhaseUnsold    Phase = "UNSOLD"
	PhaseCancelled Phase = "CANCELLED"
)

// Terminal reports whether the phase permits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseResolved || p == PhaseUnsold || p == PhaseCancelled
}

// BidStatus tracks a bid through the commit/reveal lifecycle.
type BidStatus string

const (
	BidPending  BidStatus = "PENDING"
	BidRevealed BidStatus = "REVEALED"
	BidWon      BidStatus = "WON"
	BidLost     BidStatus = "LOST"
	BidExpired  BidStatus = "EXPIRED"
)

// ListingStatus is the seller-controlled listing state.
type ListingStatus string

const (
	ListingActive ListingStatus = "ACTIVE"
	ListingPaused ListingStatus = "PAUSED"
	ListingClosed ListingStatus = "CLOSED"
)

// Listing is a seller-owned ask. Referenced, never owned, by auctions.
type Listing struct {
	ID           string
	SellerID     string
	Vertical     string
	GeoTargets   []string
	ReservePrice float64
	BuyNowPrice  float64 // zero when the listing has no buy-now option
	Status       ListingStatus
}

// Auction is one sellable lead moving through the phase machine. Mutated
// only by the phase engine and the closure scheduler; terminal once Settled
// or Cancelled is true.
type Auction struct {
	ID             string
	ListingID      string
	Phase          Phase
	AuctionEndAt   time.Time
	RevealEndAt    time.Time
	ExtensionCount int
	Settled        bool
	Cancelled      bool
	CreatedAt      time.Time
}

// Terminal reports whether any further phase transition is forbidden.
func (a *Auction) Terminal() bool {
	return a.Settled || a.Cancelled
}

// Bid belongs to exactly one auction and one bidder. The commitment binds
// amount and salt before disclosure; RevealedAmount and Salt are meaningful
// only once Status is REVEALED or later.
type Bid struct {
	ID             string
	AuctionID      string
	BidderID       string
	Commitment     string
	RevealedAmount float64
	Salt           string
	Status         BidStatus
	CreatedAt      time.Time
}

// Resolution is the immutable record of an auction's outcome. Exactly one
// exists per resolved auction; the store rejects a second.
type Resolution struct {
	ID              string
	AuctionID       string
	Outcome         string
	WinnerID        string
	WinningAmount   float64
	UsedTieBreak    bool
	RandomValue     uint64
	CandidateBidIDs []string
	WinnerIndex     int
	CreatedAt       time.Time
}

// Clock abstracts time for deterministic tests. All deadline arithmetic in
// the engine and scheduler goes through it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }
