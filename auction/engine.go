package auction

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/leadex-io/leadauction/api"
	"github.com/leadex-io/leadauction/core"
)

// EngineConfig carries the timing parameters of the phase machine.
type EngineConfig struct {
	// BiddingDuration is the initial BIDDING window for a new auction.
	BiddingDuration time.Duration

	// RevealDuration is the REVEAL window opened when bidding closes.
	RevealDuration time.Duration

	// AutoExtendIncrement is both the late-bid threshold and the amount
	// AuctionEndAt is pushed forward when a commitment lands inside it.
	AutoExtendIncrement time.Duration

	// AutoExtendMax bounds the number of extensions, bounding total
	// auction duration.
	AutoExtendMax int
}

// Engine is the auction phase machine and commitment store service. All
// caller-invoked mutations (submit, reveal, cancel) go through it; only the
// closure scheduler initiates spontaneous transitions.
type Engine struct {
	store Store
	clock Clock
	cfg   EngineConfig
	pub   api.Publisher
}

// NewEngine wires the engine to its store, clock and event bus. A nil
// publisher disables events.
func NewEngine(store Store, clock Clock, cfg EngineConfig, pub api.Publisher) *Engine {
	if pub == nil {
		pub = api.NopPublisher{}
	}
	return &Engine{store: store, clock: clock, cfg: cfg, pub: pub}
}

// Store exposes the engine's backing store to the scheduler.
func (e *Engine) Store() Store { return e.store }

// OpenAuction creates a BIDDING auction for an active listing.
func (e *Engine) OpenAuction(listingID string) (*Auction, error) {
	listing, err := e.store.GetListing(listingID)
	if err != nil {
		return nil, err
	}
	if listing.Status != ListingActive {
		return nil, fmt.Errorf("listing %s status %s: %w", listingID, listing.Status, ErrListingInactive)
	}

	now := e.clock.Now()
	a := &Auction{
		ID:           uuid.New().String(),
		ListingID:    listingID,
		Phase:        PhaseBidding,
		AuctionEndAt: now.Add(e.cfg.BiddingDuration),
		CreatedAt:    now,
	}
	if err := e.store.CreateAuction(a); err != nil {
		return nil, fmt.Errorf("create auction: %w", err)
	}

	log.Printf("INFO: Auction %s opened for listing %s (ends %d)", a.ID, listingID, a.AuctionEndAt.UnixMilli())
	e.pub.Publish(api.TopicPhaseChanged, api.PhaseChangedEvent{
		AuctionID:      a.ID,
		Phase:          string(a.Phase),
		AuctionEndAtMs: a.AuctionEndAt.UnixMilli(),
	})
	return a, nil
}

// SubmitCommitment records a sealed commitment for a bidder. Rejected when
// the auction is not in BIDDING or the bidder already holds a pending
// commitment. A commitment landing inside the auto-extend window pushes the
// deadline forward, up to AutoExtendMax times.
func (e *Engine) SubmitCommitment(auctionID, bidderID, commitment string) (*Bid, bool, error) {
	if commitment == "" {
		return nil, false, ErrEmptyCommitment
	}

	a, err := e.store.GetAuction(auctionID)
	if err != nil {
		return nil, false, err
	}
	if a.Terminal() {
		return nil, false, fmt.Errorf("auction %s: %w", auctionID, ErrAuctionTerminal)
	}
	if a.Phase != PhaseBidding {
		return nil, false, fmt.Errorf("auction %s in %s: %w", auctionID, a.Phase, ErrWrongPhase)
	}

	bid := &Bid{
		ID:         uuid.New().String(),
		AuctionID:  auctionID,
		BidderID:   bidderID,
		Commitment: commitment,
		Status:     BidPending,
		CreatedAt:  e.clock.Now(),
	}
	if err := e.store.InsertBid(bid); err != nil {
		return nil, false, err
	}

	extended := e.maybeExtend(a)

	log.Printf("INFO: Auction %s accepted commitment from bidder %s (extended=%v)", auctionID, bidderID, extended)
	e.pub.Publish(api.TopicBidAccepted, api.BidAcceptedEvent{
		AuctionID:      auctionID,
		BidID:          bid.ID,
		BidderID:       bidderID,
		Extended:       extended,
		AuctionEndAtMs: a.AuctionEndAt.UnixMilli(),
	})
	return bid, extended, nil
}

// maybeExtend applies the anti-snipe rule: a valid commitment arriving with
// less than AutoExtendIncrement remaining pushes AuctionEndAt forward by one
// increment, while ExtensionCount stays under AutoExtendMax. Skipped as a
// no-op on terminal auctions.
func (e *Engine) maybeExtend(a *Auction) bool {
	if a.Terminal() {
		return false
	}
	if a.ExtensionCount >= e.cfg.AutoExtendMax {
		return false
	}

	remaining := a.AuctionEndAt.Sub(e.clock.Now())
	if remaining >= e.cfg.AutoExtendIncrement {
		return false
	}

	a.AuctionEndAt = a.AuctionEndAt.Add(e.cfg.AutoExtendIncrement)
	a.ExtensionCount++
	if err := e.store.UpdateAuction(a); err != nil {
		log.Printf("ERROR: Failed to persist auto-extension for auction %s: %v", a.ID, err)
		return false
	}

	log.Printf("INFO: Auction %s auto-extended to %d (extension %d/%d)",
		a.ID, a.AuctionEndAt.UnixMilli(), a.ExtensionCount, e.cfg.AutoExtendMax)
	return true
}

// Reveal verifies a disclosed amount and salt against the stored commitment.
// On mismatch the bid is marked EXPIRED and excluded from resolution; the
// bidder gets an informative rejection, never a retry.
func (e *Engine) Reveal(auctionID, bidderID string, amount float64, salt string) (*Bid, error) {
	a, err := e.store.GetAuction(auctionID)
	if err != nil {
		return nil, err
	}
	if a.Phase != PhaseReveal {
		return nil, fmt.Errorf("auction %s in %s: %w", auctionID, a.Phase, ErrWrongPhase)
	}

	bid, err := e.store.GetBid(auctionID, bidderID)
	if err != nil {
		return nil, err
	}
	if bid.Status != BidPending {
		return nil, fmt.Errorf("bid %s status %s: %w", bid.ID, bid.Status, ErrBidNotPending)
	}

	if !core.VerifyReveal(bid.Commitment, amount, salt) {
		bid.Status = BidExpired
		if err := e.store.UpdateBid(bid); err != nil {
			return nil, fmt.Errorf("expire bid %s: %w", bid.ID, err)
		}
		log.Printf("WARNING: Auction %s invalid reveal from bidder %s, bid expired", auctionID, bidderID)
		return nil, fmt.Errorf("auction %s bidder %s: %w", auctionID, bidderID, ErrRevealMismatch)
	}

	bid.Status = BidRevealed
	bid.RevealedAmount = amount
	bid.Salt = salt
	if err := e.store.UpdateBid(bid); err != nil {
		return nil, fmt.Errorf("persist reveal for bid %s: %w", bid.ID, err)
	}

	log.Printf("INFO: Auction %s bid %s revealed at %.4f", auctionID, bid.ID, amount)
	e.pub.Publish(api.TopicBidRevealed, api.BidRevealedEvent{
		AuctionID: auctionID,
		BidID:     bid.ID,
		BidderID:  bidderID,
		Amount:    amount,
	})
	return bid, nil
}

// Cancel moves a BIDDING or REVEAL auction to CANCELLED. Cancellation after
// a terminal state is rejected; there is no way to uncancel.
func (e *Engine) Cancel(auctionID string) error {
	a, err := e.store.GetAuction(auctionID)
	if err != nil {
		return err
	}
	if a.Terminal() {
		return fmt.Errorf("auction %s: %w", auctionID, ErrAuctionTerminal)
	}
	if a.Phase != PhaseBidding && a.Phase != PhaseReveal {
		return fmt.Errorf("auction %s in %s: %w", auctionID, a.Phase, ErrWrongPhase)
	}

	a.Phase = PhaseCancelled
	a.Cancelled = true
	if err := e.store.UpdateAuction(a); err != nil {
		return fmt.Errorf("persist cancellation for auction %s: %w", auctionID, err)
	}

	log.Printf("INFO: Auction %s cancelled", auctionID)
	e.pub.Publish(api.TopicPhaseChanged, api.PhaseChangedEvent{
		AuctionID: auctionID,
		Phase:     string(PhaseCancelled),
	})
	return nil
}

// State returns the polling snapshot for an auction. Deadlines are epoch
// milliseconds; sealed amounts never leak, only the highest revealed one.
func (e *Engine) State(auctionID string) (*api.AuctionStateResponse, error) {
	a, err := e.store.GetAuction(auctionID)
	if err != nil {
		return nil, err
	}
	bids, err := e.store.ListBids(auctionID)
	if err != nil {
		return nil, err
	}

	var highest *float64
	for _, b := range bids {
		if b.Status == BidRevealed || b.Status == BidWon || b.Status == BidLost {
			if highest == nil || b.RevealedAmount > *highest {
				amount := b.RevealedAmount
				highest = &amount
			}
		}
	}

	var deadline time.Time
	switch a.Phase {
	case PhaseBidding:
		deadline = a.AuctionEndAt
	case PhaseReveal:
		deadline = a.RevealEndAt
	}

	var deadlineMs, remainingMs int64
	if !deadline.IsZero() {
		deadlineMs = deadline.UnixMilli()
		if remaining := deadline.Sub(e.clock.Now()); remaining > 0 {
			remainingMs = remaining.Milliseconds()
		}
	}

	return &api.AuctionStateResponse{
		AuctionID:       a.ID,
		Phase:           string(a.Phase),
		DeadlineEpochMs: deadlineMs,
		RemainingMs:     remainingMs,
		BidCount:        len(bids),
		HighestKnownBid: highest,
		ExtensionCount:  a.ExtensionCount,
	}, nil
}
