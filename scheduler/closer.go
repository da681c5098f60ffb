// Package scheduler drives auctions past their deadlines through phase
// transitions and resolution. It is the only component that spontaneously
// initiates transitions; resolution is serialized per auction by an atomic
// claim so overlapping sweeps can never double-resolve.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/leadex-io/leadauction/api"
	"github.com/leadex-io/leadauction/auction"
	"github.com/leadex-io/leadauction/audit"
	"github.com/leadex-io/leadauction/core"
	"github.com/leadex-io/leadauction/escrow"
	"github.com/leadex-io/leadauction/oracle"
)

// ErrAuctionBusy is returned when another resolution attempt holds the
// auction's claim.
var ErrAuctionBusy = errors.New("auction is being resolved")

// Config carries the closure timing parameters. SafetyMargin is how far a
// deadline must have passed before the sweep acts on it; it absorbs polling
// jitter and clock skew across processes and is deliberately configurable,
// not a constant.
type Config struct {
	SweepInterval  time.Duration
	SafetyMargin   time.Duration
	RevealDuration time.Duration
	OracleTimeout  time.Duration
}

// Closer owns the periodic closure sweep and the resolution path shared
// with the buy-now short-circuit.
type Closer struct {
	store   auction.Store
	clock   auction.Clock
	beacon  oracle.RandomnessOracle
	guard   *oracle.RequestGuard
	gateway *escrow.Gateway
	signer  *audit.Signer
	pub     api.Publisher
	cfg     Config

	records *recordVault
}

// NewCloser wires the closer. The signer is optional; without it no signed
// audit envelopes are produced. A nil publisher disables events.
func NewCloser(
	store auction.Store,
	clock auction.Clock,
	beacon oracle.RandomnessOracle,
	gateway *escrow.Gateway,
	signer *audit.Signer,
	pub api.Publisher,
	cfg Config,
) *Closer {
	if pub == nil {
		pub = api.NopPublisher{}
	}
	return &Closer{
		store:   store,
		clock:   clock,
		beacon:  beacon,
		guard:   oracle.NewRequestGuard(),
		gateway: gateway,
		signer:  signer,
		pub:     pub,
		cfg:     cfg,
		records: newRecordVault(),
	}
}

// Run executes the sweep on a fixed interval until the context is done.
func (c *Closer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	log.Printf("INFO: Closure sweep started (interval %s, safety margin %s)", c.cfg.SweepInterval, c.cfg.SafetyMargin)
	for {
		select {
		case <-ctx.Done():
			log.Printf("INFO: Closure sweep stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			if err := c.Sweep(ctx); err != nil {
				log.Printf("ERROR: Closure sweep failed: %v", err)
			}
			if err := c.SweepStuck(ctx); err != nil {
				log.Printf("ERROR: Stuck-auction sweep failed: %v", err)
			}
		}
	}
}

// Sweep finds auctions whose deadline has passed by at least the safety
// margin and drives each through its next transition exactly once. A
// failure on one auction never blocks the rest of the sweep.
func (c *Closer) Sweep(ctx context.Context) error {
	cutoff := c.clock.Now().Add(-c.cfg.SafetyMargin)
	due, err := c.store.ListDueAuctions(cutoff)
	if err != nil {
		return fmt.Errorf("list due auctions: %w", err)
	}

	var firstErr error
	for _, a := range due {
		if err := c.processAuction(ctx, a.ID); err != nil {
			log.Printf("ERROR: Processing auction %s failed, will retry next sweep: %v", a.ID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// processAuction claims the auction, then advances it one step: BIDDING
// past its deadline flips to REVEAL; REVEAL past its deadline resolves.
// Re-running against a settled or cancelled auction is a silent no-op.
func (c *Closer) processAuction(ctx context.Context, auctionID string) error {
	claimed, err := c.store.ClaimAuction(auctionID)
	if err != nil {
		return fmt.Errorf("claim auction: %w", err)
	}
	if !claimed {
		// Terminal, or another sweep holds it. Either way, not ours.
		return nil
	}

	// Re-read under the claim: the listing snapshot from the sweep may be
	// stale relative to a concurrent manual action.
	a, err := c.store.GetAuction(auctionID)
	if err != nil {
		c.releaseClaim(auctionID)
		return err
	}
	if a.Terminal() {
		c.releaseClaim(auctionID)
		return nil
	}

	// A resolution with a non-terminal auction means an earlier attempt
	// persisted the record, then failed partway through settlement. Resume
	// from the stored record instead of deciding again.
	if resolution, err := c.store.GetResolution(auctionID); err == nil {
		if err := c.completeResolution(ctx, a, resolution); err != nil {
			c.releaseClaim(auctionID)
			return err
		}
		return nil
	} else if !errors.Is(err, auction.ErrNotFound) {
		c.releaseClaim(auctionID)
		return fmt.Errorf("load resolution: %w", err)
	}

	switch a.Phase {
	case auction.PhaseBidding:
		err = c.openReveal(a)
		c.releaseClaim(auctionID)
		return err
	case auction.PhaseReveal:
		if err := c.resolve(ctx, a); err != nil {
			// Transient: release so the next sweep retries.
			c.releaseClaim(auctionID)
			return err
		}
		return nil
	default:
		c.releaseClaim(auctionID)
		return nil
	}
}

func (c *Closer) releaseClaim(auctionID string) {
	if err := c.store.ReleaseClaim(auctionID); err != nil {
		log.Printf("ERROR: Failed to release claim on auction %s: %v", auctionID, err)
	}
}

// openReveal flips BIDDING to REVEAL and opens the reveal window.
func (c *Closer) openReveal(a *auction.Auction) error {
	a.Phase = auction.PhaseReveal
	a.RevealEndAt = c.clock.Now().Add(c.cfg.RevealDuration)
	if err := c.store.UpdateAuction(a); err != nil {
		return fmt.Errorf("persist reveal transition: %w", err)
	}

	log.Printf("INFO: Auction %s entered REVEAL (ends %d)", a.ID, a.RevealEndAt.UnixMilli())
	c.pub.Publish(api.TopicPhaseChanged, api.PhaseChangedEvent{
		AuctionID:      a.ID,
		Phase:          string(auction.PhaseReveal),
		RevealEndAtMs:  a.RevealEndAt.UnixMilli(),
		ExtensionCount: a.ExtensionCount,
	})
	return nil
}

// resolve expires unrevealed bids, determines the winner and settles. The
// caller holds the claim; the claim is kept on success because the auction
// is terminal afterwards.
func (c *Closer) resolve(ctx context.Context, a *auction.Auction) error {
	listing, err := c.store.GetListing(a.ListingID)
	if err != nil {
		return fmt.Errorf("load listing: %w", err)
	}

	bids, err := c.store.ListBids(a.ID)
	if err != nil {
		return fmt.Errorf("list bids: %w", err)
	}

	// Fail-closed: absence of proof is absence of a valid bid.
	revealed := make([]core.RevealedBid, 0, len(bids))
	for _, b := range bids {
		switch b.Status {
		case auction.BidPending:
			b.Status = auction.BidExpired
			if err := c.store.UpdateBid(b); err != nil {
				return fmt.Errorf("expire bid %s: %w", b.ID, err)
			}
		case auction.BidRevealed:
			revealed = append(revealed, core.RevealedBid{
				BidID:    b.ID,
				BidderID: b.BidderID,
				Amount:   b.RevealedAmount,
			})
		}
	}

	decision := core.DecideWinner(revealed, listing.ReservePrice)

	var randomValue uint64
	var winnerIndex int
	usedTieBreak := decision.NeedsTieBreak

	if decision.NeedsTieBreak {
		candidateIDs := candidateBidIDs(decision.Candidates)
		if err := core.ValidateTieBreak(len(candidateIDs)); err != nil {
			return fmt.Errorf("tie-break rejected for auction %s: %w", a.ID, err)
		}
		if err := c.guard.Check(a.ID, candidateIDs); err != nil {
			return fmt.Errorf("randomness request rejected: %w", err)
		}

		oracleCtx, cancel := context.WithTimeout(ctx, c.cfg.OracleTimeout)
		randomValue, err = c.beacon.RequestRandomness(oracleCtx, a.ID, len(candidateIDs))
		cancel()
		if err != nil {
			// Transient: surfaced as a resolution failure and retried on
			// the next sweep, never treated as unsold.
			return fmt.Errorf("randomness request for auction %s: %w", a.ID, err)
		}

		winnerIndex, err = core.SelectTieBreakWinner(decision, randomValue)
		if err != nil {
			return fmt.Errorf("apply tie-break for auction %s: %w", a.ID, err)
		}
		log.Printf("INFO: Auction %s tie-break: random=%d candidates=%d index=%d",
			a.ID, randomValue, len(candidateIDs), winnerIndex)
	}

	resolution := &auction.Resolution{
		ID:              uuid.New().String(),
		AuctionID:       a.ID,
		Outcome:         string(decision.Outcome),
		UsedTieBreak:    usedTieBreak,
		RandomValue:     randomValue,
		CandidateBidIDs: candidateBidIDs(decision.Candidates),
		WinnerIndex:     winnerIndex,
		CreatedAt:       c.clock.Now(),
	}
	if decision.Winner != nil {
		resolution.WinnerID = decision.Winner.BidderID
		resolution.WinningAmount = decision.Winner.Amount
	}

	if err := c.store.CreateResolution(resolution); err != nil {
		if errors.Is(err, auction.ErrAlreadyResolved) {
			// A competing attempt persisted a record first. That record is
			// authoritative; resume the pipeline from it rather than from
			// this attempt's recomputed decision.
			stored, gerr := c.store.GetResolution(a.ID)
			if gerr != nil {
				return fmt.Errorf("load stored resolution: %w", gerr)
			}
			log.Printf("WARNING: Auction %s already has a resolution, resuming from the stored record", a.ID)
			return c.completeResolution(ctx, a, stored)
		}
		return fmt.Errorf("persist resolution: %w", err)
	}
	// The randomness is consumed only once the record that embeds it is
	// durable; a failed persist leaves the combination eligible for a fresh
	// request on the next sweep.
	if usedTieBreak {
		c.guard.MarkResolved(a.ID, resolution.CandidateBidIDs)
	}

	if err := c.markBidStatuses(a.ID, bids, decision); err != nil {
		return err
	}

	c.pub.Publish(api.TopicResolved, api.ResolvedEvent{
		AuctionID:       a.ID,
		Outcome:         resolution.Outcome,
		WinnerID:        resolution.WinnerID,
		WinningAmount:   resolution.WinningAmount,
		UsedTieBreak:    resolution.UsedTieBreak,
		RandomValue:     resolution.RandomValue,
		CandidateBidIDs: resolution.CandidateBidIDs,
		WinnerIndex:     resolution.WinnerIndex,
	})
	c.signRecord(resolution)

	if decision.Outcome == core.OutcomeWon {
		if err := c.settle(ctx, a, listing, resolution); err != nil {
			return err
		}
	}

	return c.markTerminal(a, decision.Outcome)
}

// completeResolution finishes an auction whose resolution record was
// persisted by an earlier attempt that failed before reaching the terminal
// write. Every step is idempotent against partial progress: bid statuses are
// recomputed from the stored record, the per-auction escrow ledger absorbs a
// repeated settlement attempt, and the stored outcome drives the terminal
// phase. The caller holds the claim.
func (c *Closer) completeResolution(ctx context.Context, a *auction.Auction, resolution *auction.Resolution) error {
	won := resolution.Outcome == string(core.OutcomeWon)

	bids, err := c.store.ListBids(a.ID)
	if err != nil {
		return fmt.Errorf("list bids: %w", err)
	}
	for _, b := range bids {
		switch {
		case b.Status == auction.BidPending:
			b.Status = auction.BidExpired
		case b.Status == auction.BidRevealed && won && b.BidderID == resolution.WinnerID:
			b.Status = auction.BidWon
		case b.Status == auction.BidRevealed:
			b.Status = auction.BidLost
		default:
			continue
		}
		if err := c.store.UpdateBid(b); err != nil {
			return fmt.Errorf("update bid %s status: %w", b.ID, err)
		}
	}

	c.pub.Publish(api.TopicResolved, api.ResolvedEvent{
		AuctionID:       a.ID,
		Outcome:         resolution.Outcome,
		WinnerID:        resolution.WinnerID,
		WinningAmount:   resolution.WinningAmount,
		UsedTieBreak:    resolution.UsedTieBreak,
		RandomValue:     resolution.RandomValue,
		CandidateBidIDs: resolution.CandidateBidIDs,
		WinnerIndex:     resolution.WinnerIndex,
	})
	c.signRecord(resolution)

	if won {
		listing, err := c.store.GetListing(a.ListingID)
		if err != nil {
			return fmt.Errorf("load listing: %w", err)
		}
		if err := c.settle(ctx, a, listing, resolution); err != nil {
			return err
		}
	}
	return c.markTerminal(a, core.Outcome(resolution.Outcome))
}

// settle creates, funds and releases the escrow for a won auction. Escrow
// creation is guarded against duplicates by the gateway's per-auction
// ledger; a failed release propagates loudly after the auction is settled.
func (c *Closer) settle(ctx context.Context, a *auction.Auction, listing *auction.Listing, resolution *auction.Resolution) error {
	amount := decimal.NewFromFloat(resolution.WinningAmount)
	tx, err := c.gateway.CreateAndFund(ctx, a.ID, resolution.WinnerID, listing.SellerID, amount)
	if err != nil {
		if errors.Is(err, escrow.ErrDuplicateEscrow) {
			log.Printf("WARNING: Escrow already exists for auction %s, skipping creation", a.ID)
			return nil
		}
		return fmt.Errorf("create escrow: %w", err)
	}

	if err := c.gateway.Release(ctx, tx.ID); err != nil {
		// Undelivered money: settle the auction (the resolution and the
		// escrow record exist exactly once) but propagate the failure so
		// an operator retries the release.
		if terr := c.markTerminal(a, core.OutcomeWon); terr != nil {
			return terr
		}
		return fmt.Errorf("release escrow for auction %s: %w", a.ID, err)
	}

	amountFloat, _ := amount.Float64()
	c.pub.Publish(api.TopicSettled, api.SettledEvent{
		AuctionID:     a.ID,
		TransactionID: tx.ID,
		Status:        string(escrow.StatusReleased),
		Path:          string(tx.Path),
		Amount:        amountFloat,
	})
	return nil
}

func (c *Closer) markBidStatuses(auctionID string, bids []*auction.Bid, decision *core.WinnerDecision) error {
	var winnerBidID string
	if decision.Winner != nil {
		winnerBidID = decision.Winner.BidID
	}

	for _, b := range bids {
		if b.Status != auction.BidRevealed {
			continue
		}
		if b.ID == winnerBidID {
			b.Status = auction.BidWon
		} else {
			b.Status = auction.BidLost
		}
		if err := c.store.UpdateBid(b); err != nil {
			return fmt.Errorf("update bid %s status: %w", b.ID, err)
		}
	}
	return nil
}

func (c *Closer) markTerminal(a *auction.Auction, outcome core.Outcome) error {
	if outcome == core.OutcomeWon {
		a.Phase = auction.PhaseResolved
	} else {
		a.Phase = auction.PhaseUnsold
	}
	a.Settled = true
	if err := c.store.UpdateAuction(a); err != nil {
		return fmt.Errorf("persist terminal state: %w", err)
	}

	log.Printf("INFO: Auction %s settled as %s", a.ID, a.Phase)
	c.pub.Publish(api.TopicPhaseChanged, api.PhaseChangedEvent{
		AuctionID: a.ID,
		Phase:     string(a.Phase),
	})
	return nil
}

// signRecord produces the COSE-signed audit envelope for a resolution.
func (c *Closer) signRecord(resolution *auction.Resolution) {
	if c.signer == nil {
		return
	}
	signed, err := c.signer.Sign(&audit.ResolutionRecord{
		AuctionID:       resolution.AuctionID,
		Outcome:         resolution.Outcome,
		WinnerID:        resolution.WinnerID,
		WinningAmount:   resolution.WinningAmount,
		UsedTieBreak:    resolution.UsedTieBreak,
		RandomValue:     resolution.RandomValue,
		CandidateBidIDs: resolution.CandidateBidIDs,
		WinnerIndex:     resolution.WinnerIndex,
		Timestamp:       resolution.CreatedAt,
	})
	if err != nil {
		log.Printf("ERROR: Failed to sign resolution record for auction %s: %v", resolution.AuctionID, err)
		return
	}
	c.records.put(resolution.AuctionID, signed)
}

// SignedRecord returns the COSE envelope for a resolved auction, if one was
// produced.
func (c *Closer) SignedRecord(auctionID string) ([]byte, bool) {
	return c.records.get(auctionID)
}

// SweepStuck forces auctions with missing deadline metadata to UNSOLD and
// publishes a status-change event so downstream observers reconcile.
func (c *Closer) SweepStuck(ctx context.Context) error {
	stuck, err := c.store.ListStuckAuctions()
	if err != nil {
		return fmt.Errorf("list stuck auctions: %w", err)
	}

	for _, a := range stuck {
		claimed, err := c.store.ClaimAuction(a.ID)
		if err != nil || !claimed {
			continue
		}

		a.Phase = auction.PhaseUnsold
		a.Settled = true
		if err := c.store.UpdateAuction(a); err != nil {
			log.Printf("ERROR: Failed to force-unsold stuck auction %s: %v", a.ID, err)
			c.releaseClaim(a.ID)
			continue
		}

		log.Printf("WARNING: Auction %s was stuck without deadline metadata, forced UNSOLD", a.ID)
		c.pub.Publish(api.TopicPhaseChanged, api.PhaseChangedEvent{
			AuctionID:        a.ID,
			Phase:            string(auction.PhaseUnsold),
			ForcedResolution: true,
		})
	}
	return nil
}

// BuyNow short-circuits a BIDDING auction at the listing's buy-now price.
// It runs through the same claim discipline as the sweep so a concurrent
// closure cannot interleave with it.
func (c *Closer) BuyNow(ctx context.Context, auctionID, buyerID string) (*auction.Resolution, error) {
	a, err := c.store.GetAuction(auctionID)
	if err != nil {
		return nil, err
	}
	if a.Terminal() {
		return nil, fmt.Errorf("auction %s: %w", auctionID, auction.ErrAuctionTerminal)
	}
	if a.Phase != auction.PhaseBidding {
		return nil, fmt.Errorf("auction %s in %s: %w", auctionID, a.Phase, auction.ErrWrongPhase)
	}

	listing, err := c.store.GetListing(a.ListingID)
	if err != nil {
		return nil, err
	}
	if listing.BuyNowPrice <= 0 {
		return nil, fmt.Errorf("listing %s: %w", listing.ID, auction.ErrNoBuyNow)
	}

	claimed, err := c.store.ClaimAuction(auctionID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, fmt.Errorf("auction %s: %w", auctionID, ErrAuctionBusy)
	}

	// Re-read under the claim.
	a, err = c.store.GetAuction(auctionID)
	if err != nil {
		c.releaseClaim(auctionID)
		return nil, err
	}
	if a.Terminal() || a.Phase != auction.PhaseBidding {
		c.releaseClaim(auctionID)
		return nil, fmt.Errorf("auction %s: %w", auctionID, auction.ErrWrongPhase)
	}

	// Sealed commitments never get revealed; they expire with the auction.
	bids, err := c.store.ListBids(auctionID)
	if err != nil {
		c.releaseClaim(auctionID)
		return nil, err
	}
	for _, b := range bids {
		if b.Status == auction.BidPending {
			b.Status = auction.BidExpired
			if err := c.store.UpdateBid(b); err != nil {
				c.releaseClaim(auctionID)
				return nil, fmt.Errorf("expire bid %s: %w", b.ID, err)
			}
		}
	}

	resolution := &auction.Resolution{
		ID:            uuid.New().String(),
		AuctionID:     auctionID,
		Outcome:       string(core.OutcomeWon),
		WinnerID:      buyerID,
		WinningAmount: listing.BuyNowPrice,
		CreatedAt:     c.clock.Now(),
	}
	if err := c.store.CreateResolution(resolution); err != nil {
		c.releaseClaim(auctionID)
		return nil, err
	}

	c.pub.Publish(api.TopicResolved, api.ResolvedEvent{
		AuctionID:     auctionID,
		Outcome:       resolution.Outcome,
		WinnerID:      buyerID,
		WinningAmount: resolution.WinningAmount,
	})
	c.signRecord(resolution)

	if err := c.settle(ctx, a, listing, resolution); err != nil {
		// The resolution record is durable. Release the claim whenever the
		// terminal write did not land so the sweep's resume path can finish
		// settlement instead of finding the auction permanently claimed.
		if !a.Terminal() {
			c.releaseClaim(auctionID)
		}
		return resolution, err
	}
	if err := c.markTerminal(a, core.OutcomeWon); err != nil {
		c.releaseClaim(auctionID)
		return resolution, err
	}
	return resolution, nil
}

func candidateBidIDs(candidates []core.RevealedBid) []string {
	ids := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		ids = append(ids, candidate.BidID)
	}
	return ids
}
