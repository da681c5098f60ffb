package auction

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"

	"github.com/leadex-io/leadauction/core"
)

// fakeClock is a manually advanced clock for deterministic deadline tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testEngineConfig() EngineConfig {
	return EngineConfig{
		BiddingDuration:     5 * time.Minute,
		RevealDuration:      5 * time.Minute,
		AutoExtendIncrement: 30 * time.Second,
		AutoExtendMax:       2,
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *fakeClock) {
	t.Helper()
	store := NewMemoryStore()
	clock := newFakeClock()
	engine := NewEngine(store, clock, testEngineConfig(), nil)

	check.NoError(t, store.CreateListing(&Listing{
		ID:           "listing-1",
		SellerID:     "seller-1",
		Vertical:     "solar",
		GeoTargets:   []string{"US-CA"},
		ReservePrice: 50,
		Status:       ListingActive,
	}))
	return engine, store, clock
}

func openTestAuction(t *testing.T, engine *Engine) *Auction {
	t.Helper()
	a, err := engine.OpenAuction("listing-1")
	check.NoError(t, err)
	check.Equal(t, PhaseBidding, a.Phase)
	return a
}

func TestOpenAuctionRequiresActiveListing(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	check.NoError(t, store.CreateListing(&Listing{ID: "listing-paused", Status: ListingPaused}))

	_, err := engine.OpenAuction("listing-paused")
	check.True(t, errors.Is(err, ErrListingInactive))
}

func TestSubmitCommitmentHappyPath(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	a := openTestAuction(t, engine)

	bid, extended, err := engine.SubmitCommitment(a.ID, "buyer-1", core.ComputeCommitment(100, "salt"))
	check.NoError(t, err)
	check.False(t, extended)
	check.Equal(t, BidPending, bid.Status)

	stored, err := store.GetBid(a.ID, "buyer-1")
	check.NoError(t, err)
	check.Equal(t, bid.ID, stored.ID)
}

func TestSubmitCommitmentRejectsDuplicate(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	a := openTestAuction(t, engine)

	_, _, err := engine.SubmitCommitment(a.ID, "buyer-1", "c1")
	check.NoError(t, err)

	_, _, err = engine.SubmitCommitment(a.ID, "buyer-1", "c2")
	check.True(t, errors.Is(err, ErrDuplicateCommitment))
}

func TestSubmitCommitmentRejectsWrongPhase(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	a := openTestAuction(t, engine)

	a.Phase = PhaseReveal
	check.NoError(t, store.UpdateAuction(a))

	_, _, err := engine.SubmitCommitment(a.ID, "buyer-1", "c1")
	check.True(t, errors.Is(err, ErrWrongPhase))
}

func TestSubmitCommitmentRejectsEmpty(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	a := openTestAuction(t, engine)

	_, _, err := engine.SubmitCommitment(a.ID, "buyer-1", "")
	check.True(t, errors.Is(err, ErrEmptyCommitment))
}

func TestAutoExtension(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	a := openTestAuction(t, engine)
	originalEnd := a.AuctionEndAt

	// A commitment arriving 10s before the deadline extends it by 30s.
	clock.Advance(5*time.Minute - 10*time.Second)
	_, extended, err := engine.SubmitCommitment(a.ID, "buyer-1", "c1")
	check.NoError(t, err)
	check.True(t, extended)

	updated, err := store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, 1, updated.ExtensionCount)
	check.Equal(t, originalEnd.Add(30*time.Second), updated.AuctionEndAt)
}

func TestAutoExtensionBounded(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	a := openTestAuction(t, engine)

	// Each commitment lands inside the extension window of the deadline the
	// previous one produced, so every submission is a fresh extension
	// attempt until the max is reached.
	clock.Advance(5*time.Minute - 5*time.Second)
	_, extended, err := engine.SubmitCommitment(a.ID, "buyer-1", "c1")
	check.NoError(t, err)
	check.True(t, extended)

	clock.Advance(28 * time.Second) // 2s before the extended deadline
	_, extended, err = engine.SubmitCommitment(a.ID, "buyer-2", "c2")
	check.NoError(t, err)
	check.True(t, extended)

	updated, err := store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, 2, updated.ExtensionCount)

	// Once ExtensionCount hits the max, the deadline never advances again,
	// even for a commitment inside the window.
	endAtMax := updated.AuctionEndAt
	clock.Advance(28 * time.Second) // 4s before the deadline at max
	_, extended, err = engine.SubmitCommitment(a.ID, "buyer-3", "c3")
	check.NoError(t, err)
	check.False(t, extended)

	final, err := store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, endAtMax, final.AuctionEndAt)
	check.Equal(t, 2, final.ExtensionCount)
}

func TestAutoExtensionOutsideWindowNoop(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	a := openTestAuction(t, engine)
	originalEnd := a.AuctionEndAt

	clock.Advance(1 * time.Minute) // 4 minutes remain, window is 30s
	_, extended, err := engine.SubmitCommitment(a.ID, "buyer-1", "c1")
	check.NoError(t, err)
	check.False(t, extended)

	updated, err := store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, 0, updated.ExtensionCount)
	check.Equal(t, originalEnd, updated.AuctionEndAt)
}

func TestRevealRoundTrip(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	a := openTestAuction(t, engine)

	salt, err := core.GenerateSalt()
	check.NoError(t, err)
	commitment := core.ComputeCommitment(120, salt)

	_, _, err = engine.SubmitCommitment(a.ID, "buyer-1", commitment)
	check.NoError(t, err)

	a.Phase = PhaseReveal
	a.RevealEndAt = a.AuctionEndAt.Add(5 * time.Minute)
	check.NoError(t, store.UpdateAuction(a))

	bid, err := engine.Reveal(a.ID, "buyer-1", 120, salt)
	check.NoError(t, err)
	check.Equal(t, BidRevealed, bid.Status)
	check.Equal(t, 120.0, bid.RevealedAmount)
	check.Equal(t, salt, bid.Salt)
}

func TestRevealMismatchExpiresBid(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	a := openTestAuction(t, engine)

	commitment := core.ComputeCommitment(120, "real-salt")
	_, _, err := engine.SubmitCommitment(a.ID, "buyer-1", commitment)
	check.NoError(t, err)

	a.Phase = PhaseReveal
	check.NoError(t, store.UpdateAuction(a))

	_, err = engine.Reveal(a.ID, "buyer-1", 130, "real-salt") // wrong amount
	check.True(t, errors.Is(err, ErrRevealMismatch))

	bid, err := store.GetBid(a.ID, "buyer-1")
	check.NoError(t, err)
	check.Equal(t, BidExpired, bid.Status)

	// An expired bid cannot be revealed again, even with correct values.
	_, err = engine.Reveal(a.ID, "buyer-1", 120, "real-salt")
	check.True(t, errors.Is(err, ErrBidNotPending))
}

func TestRevealRejectsWrongPhase(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	a := openTestAuction(t, engine)

	_, _, err := engine.SubmitCommitment(a.ID, "buyer-1", "c1")
	check.NoError(t, err)

	_, err = engine.Reveal(a.ID, "buyer-1", 100, "salt")
	check.True(t, errors.Is(err, ErrWrongPhase))
}

func TestCancelSemantics(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	a := openTestAuction(t, engine)

	check.NoError(t, engine.Cancel(a.ID))

	updated, err := store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, PhaseCancelled, updated.Phase)
	check.True(t, updated.Cancelled)

	// No uncancel, no re-cancel, no late bids.
	check.True(t, errors.Is(engine.Cancel(a.ID), ErrAuctionTerminal))
	_, _, err = engine.SubmitCommitment(a.ID, "buyer-1", "c1")
	check.True(t, errors.Is(err, ErrAuctionTerminal))
}

func TestStateSnapshot(t *testing.T) {
	engine, store, clock := newTestEngine(t)
	a := openTestAuction(t, engine)

	_, _, err := engine.SubmitCommitment(a.ID, "buyer-1", core.ComputeCommitment(100, "s1"))
	check.NoError(t, err)
	_, _, err = engine.SubmitCommitment(a.ID, "buyer-2", core.ComputeCommitment(120, "s2"))
	check.NoError(t, err)

	state, err := engine.State(a.ID)
	check.NoError(t, err)
	check.Equal(t, string(PhaseBidding), state.Phase)
	check.Equal(t, 2, state.BidCount)
	check.Equal(t, a.AuctionEndAt.UnixMilli(), state.DeadlineEpochMs)
	check.Equal(t, (5 * time.Minute).Milliseconds(), state.RemainingMs)
	// Sealed amounts must not leak before reveal.
	check.Nil(t, state.HighestKnownBid)

	a.Phase = PhaseReveal
	a.RevealEndAt = clock.Now().Add(2 * time.Minute)
	check.NoError(t, store.UpdateAuction(a))

	_, err = engine.Reveal(a.ID, "buyer-2", 120, "s2")
	check.NoError(t, err)

	state, err = engine.State(a.ID)
	check.NoError(t, err)
	check.NotNil(t, state.HighestKnownBid)
	check.Equal(t, 120.0, *state.HighestKnownBid)
}
