package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"

	"github.com/leadex-io/leadauction/audit"
	"github.com/leadex-io/leadauction/auction"
	"github.com/leadex-io/leadauction/core"
	"github.com/leadex-io/leadauction/escrow"
)

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

// scriptedOracle returns preset random values, or an error while failing
// is set.
type scriptedOracle struct {
	values  []uint64
	failing bool
	calls   int
}

func (o *scriptedOracle) RequestRandomness(ctx context.Context, seed string, candidateCount int) (uint64, error) {
	o.calls++
	if o.failing {
		return 0, errors.New("oracle timeout")
	}
	if len(o.values) == 0 {
		return 0, errors.New("no scripted values left")
	}
	v := o.values[0]
	o.values = o.values[1:]
	return v, nil
}

// countingChainClient is an always-available settlement counterparty that
// counts value-moving calls.
type countingChainClient struct {
	createdRefs  int
	fundCalls    int
	releaseCalls int
	refundCalls  int
	statuses     map[string]escrow.Status
}

func newCountingChainClient() *countingChainClient {
	return &countingChainClient{statuses: make(map[string]escrow.Status)}
}

func (f *countingChainClient) CreateEscrow(ctx context.Context, auctionID, payerID, payeeID string, amount decimal.Decimal) (string, error) {
	f.createdRefs++
	ref := fmt.Sprintf("ref-%d", f.createdRefs)
	f.statuses[ref] = escrow.StatusCreated
	return ref, nil
}

func (f *countingChainClient) FundEscrow(ctx context.Context, ref string) error {
	f.fundCalls++
	f.statuses[ref] = escrow.StatusFunded
	return nil
}

func (f *countingChainClient) ReleaseEscrow(ctx context.Context, ref string) error {
	f.releaseCalls++
	f.statuses[ref] = escrow.StatusReleased
	return nil
}

func (f *countingChainClient) RefundEscrow(ctx context.Context, ref string) error {
	f.refundCalls++
	f.statuses[ref] = escrow.StatusRefunded
	return nil
}

func (f *countingChainClient) GetEscrow(ctx context.Context, ref string) (escrow.Status, error) {
	return f.statuses[ref], nil
}

func (f *countingChainClient) CheckAllowance(ctx context.Context, payerID string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000), nil
}

func (f *countingChainClient) Authorize(ctx context.Context, payerID string, amount decimal.Decimal) error {
	return nil
}

// flakyStore wraps a real store and fails a scripted number of writes, for
// exercising recovery after partial resolution progress.
type flakyStore struct {
	auction.Store
	failBidUpdates        int
	failResolutionCreates int
	failAuctionUpdates    int
}

func (s *flakyStore) UpdateBid(b *auction.Bid) error {
	if s.failBidUpdates > 0 {
		s.failBidUpdates--
		return errors.New("transient store failure")
	}
	return s.Store.UpdateBid(b)
}

func (s *flakyStore) CreateResolution(r *auction.Resolution) error {
	if s.failResolutionCreates > 0 {
		s.failResolutionCreates--
		return errors.New("transient store failure")
	}
	return s.Store.CreateResolution(r)
}

func (s *flakyStore) UpdateAuction(a *auction.Auction) error {
	if s.failAuctionUpdates > 0 {
		s.failAuctionUpdates--
		return errors.New("transient store failure")
	}
	return s.Store.UpdateAuction(a)
}

type harness struct {
	store   auction.Store
	flaky   *flakyStore
	clock   *fakeClock
	engine  *auction.Engine
	closer  *Closer
	oracle  *scriptedOracle
	chain   *countingChainClient
	gateway *escrow.Gateway
}

func newHarness(t *testing.T, listing *auction.Listing) *harness {
	t.Helper()

	flaky := &flakyStore{Store: auction.NewMemoryStore()}
	clock := newFakeClock()
	beacon := &scriptedOracle{}
	chain := newCountingChainClient()
	gateway := escrow.NewGateway(chain, escrow.NewLedger(), 100*time.Millisecond, clock)

	engine := auction.NewEngine(flaky, clock, auction.EngineConfig{
		BiddingDuration:     5 * time.Minute,
		RevealDuration:      5 * time.Minute,
		AutoExtendIncrement: 30 * time.Second,
		AutoExtendMax:       2,
	}, nil)

	closer := NewCloser(flaky, clock, beacon, gateway, nil, nil, Config{
		SweepInterval:  2 * time.Second,
		SafetyMargin:   5 * time.Second,
		RevealDuration: 5 * time.Minute,
		OracleTimeout:  time.Second,
	})

	check.NoError(t, flaky.CreateListing(listing))
	return &harness{store: flaky, flaky: flaky, clock: clock, engine: engine, closer: closer, oracle: beacon, chain: chain, gateway: gateway}
}

func defaultListing() *auction.Listing {
	return &auction.Listing{
		ID:           "listing-1",
		SellerID:     "seller-1",
		Vertical:     "solar",
		ReservePrice: 50,
		Status:       auction.ListingActive,
	}
}

// submitAndReveal drives an auction from open through reveal for the given
// (bidder, amount) pairs, leaving it ready for resolution.
func (h *harness) submitAndReveal(t *testing.T, amounts map[string]float64) *auction.Auction {
	t.Helper()

	a, err := h.engine.OpenAuction("listing-1")
	check.NoError(t, err)

	salts := make(map[string]string)
	for bidder, amount := range amounts {
		salt, err := core.GenerateSalt()
		check.NoError(t, err)
		salts[bidder] = salt
		_, _, err = h.engine.SubmitCommitment(a.ID, bidder, core.ComputeCommitment(amount, salt))
		check.NoError(t, err)
	}

	// Past the bidding deadline plus safety margin.
	h.clock.Advance(5*time.Minute + 6*time.Second)
	check.NoError(t, h.closer.Sweep(context.Background()))

	current, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseReveal, current.Phase)

	for bidder, amount := range amounts {
		_, err := h.engine.Reveal(a.ID, bidder, amount, salts[bidder])
		check.NoError(t, err)
	}

	// Past the reveal deadline plus safety margin.
	h.clock.Advance(5*time.Minute + 6*time.Second)
	return current
}

func TestSweepHappyPath(t *testing.T) {
	h := newHarness(t, defaultListing())
	a := h.submitAndReveal(t, map[string]float64{"buyer-1": 100, "buyer-2": 120})

	check.NoError(t, h.closer.Sweep(context.Background()))

	settled, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseResolved, settled.Phase)
	check.True(t, settled.Settled)

	resolution, err := h.store.GetResolution(a.ID)
	check.NoError(t, err)
	check.Equal(t, string(core.OutcomeWon), resolution.Outcome)
	check.Equal(t, "buyer-2", resolution.WinnerID)
	check.Equal(t, 120.0, resolution.WinningAmount)
	check.False(t, resolution.UsedTieBreak)

	// Escrow created, funded, released to the seller exactly once.
	check.Equal(t, 1, h.chain.createdRefs)
	check.Equal(t, 1, h.chain.fundCalls)
	check.Equal(t, 1, h.chain.releaseCalls)
	check.Equal(t, 0, h.chain.refundCalls)

	winnerBid, err := h.store.GetBid(a.ID, "buyer-2")
	check.NoError(t, err)
	check.Equal(t, auction.BidWon, winnerBid.Status)
	loserBid, err := h.store.GetBid(a.ID, "buyer-1")
	check.NoError(t, err)
	check.Equal(t, auction.BidLost, loserBid.Status)
}

func TestSweepIdempotent(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.submitAndReveal(t, map[string]float64{"buyer-1": 100, "buyer-2": 120})

	for i := 0; i < 5; i++ {
		check.NoError(t, h.closer.Sweep(context.Background()))
	}

	// Exactly one resolution and one escrow despite repeated sweeps.
	check.Equal(t, 1, h.chain.createdRefs)
	check.Equal(t, 1, h.chain.releaseCalls)
}

func TestSweepTieBreak(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.oracle.values = []uint64{7} // 7 mod 3 == 1
	a := h.submitAndReveal(t, map[string]float64{"buyer-1": 100, "buyer-2": 100, "buyer-3": 100})

	check.NoError(t, h.closer.Sweep(context.Background()))

	resolution, err := h.store.GetResolution(a.ID)
	check.NoError(t, err)
	check.True(t, resolution.UsedTieBreak)
	check.Equal(t, uint64(7), resolution.RandomValue)
	check.Equal(t, 3, len(resolution.CandidateBidIDs))
	check.Equal(t, 1, resolution.WinnerIndex)
	check.NotEqual(t, "", resolution.WinnerID)
	check.Equal(t, 100.0, resolution.WinningAmount)
	check.Equal(t, 1, h.oracle.calls)

	// Exactly one bid won.
	bids, err := h.store.ListBids(a.ID)
	check.NoError(t, err)
	won := 0
	for _, b := range bids {
		if b.Status == auction.BidWon {
			won++
		}
	}
	check.Equal(t, 1, won)
}

func TestSweepUnsoldBelowReserve(t *testing.T) {
	h := newHarness(t, defaultListing())
	a := h.submitAndReveal(t, map[string]float64{"buyer-1": 30})

	check.NoError(t, h.closer.Sweep(context.Background()))

	settled, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseUnsold, settled.Phase)
	check.True(t, settled.Settled)

	resolution, err := h.store.GetResolution(a.ID)
	check.NoError(t, err)
	check.Equal(t, string(core.OutcomeUnsold), resolution.Outcome)
	check.Equal(t, "", resolution.WinnerID)

	// No escrow for unsold outcomes.
	check.Equal(t, 0, h.chain.createdRefs)
}

func TestSweepExpiresUnrevealedBids(t *testing.T) {
	h := newHarness(t, defaultListing())

	a, err := h.engine.OpenAuction("listing-1")
	check.NoError(t, err)

	salt, err := core.GenerateSalt()
	check.NoError(t, err)
	_, _, err = h.engine.SubmitCommitment(a.ID, "buyer-1", core.ComputeCommitment(100, salt))
	check.NoError(t, err)
	_, _, err = h.engine.SubmitCommitment(a.ID, "buyer-2", core.ComputeCommitment(200, "never-revealed"))
	check.NoError(t, err)

	h.clock.Advance(5*time.Minute + 6*time.Second)
	check.NoError(t, h.closer.Sweep(context.Background()))

	_, err = h.engine.Reveal(a.ID, "buyer-1", 100, salt)
	check.NoError(t, err)

	h.clock.Advance(5*time.Minute + 6*time.Second)
	check.NoError(t, h.closer.Sweep(context.Background()))

	// The unrevealed 200 commitment is excluded; buyer-1 wins at 100.
	resolution, err := h.store.GetResolution(a.ID)
	check.NoError(t, err)
	check.Equal(t, "buyer-1", resolution.WinnerID)

	expiredBid, err := h.store.GetBid(a.ID, "buyer-2")
	check.NoError(t, err)
	check.Equal(t, auction.BidExpired, expiredBid.Status)
}

func TestOracleFailureRetriedNotUnsold(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.oracle.failing = true
	a := h.submitAndReveal(t, map[string]float64{"buyer-1": 100, "buyer-2": 100})

	// The failing oracle surfaces as a sweep error, not an unsold outcome.
	check.Error(t, h.closer.Sweep(context.Background()))

	pending, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseReveal, pending.Phase)
	check.False(t, pending.Settled)
	_, err = h.store.GetResolution(a.ID)
	check.Error(t, err)

	// Next tick: oracle recovered, resolution proceeds.
	h.oracle.failing = false
	h.oracle.values = []uint64{4} // 4 mod 2 == 0
	check.NoError(t, h.closer.Sweep(context.Background()))

	resolution, err := h.store.GetResolution(a.ID)
	check.NoError(t, err)
	check.True(t, resolution.UsedTieBreak)
	check.Equal(t, 0, resolution.WinnerIndex)
}

func TestResolutionResumesAfterBidStatusFailure(t *testing.T) {
	h := newHarness(t, defaultListing())
	a := h.submitAndReveal(t, map[string]float64{"buyer-1": 100, "buyer-2": 120})

	// The resolution record lands, then the first bid-status write fails.
	h.flaky.failBidUpdates = 1
	check.Error(t, h.closer.Sweep(context.Background()))

	_, err := h.store.GetResolution(a.ID)
	check.NoError(t, err)
	pending, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.False(t, pending.Settled)
	check.Equal(t, 0, h.chain.createdRefs)

	// The next sweep resumes from the stored record: bid statuses, escrow
	// settlement and the terminal write all still happen.
	check.NoError(t, h.closer.Sweep(context.Background()))

	settled, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseResolved, settled.Phase)
	check.True(t, settled.Settled)

	check.Equal(t, 1, h.chain.createdRefs)
	check.Equal(t, 1, h.chain.fundCalls)
	check.Equal(t, 1, h.chain.releaseCalls)

	winnerBid, err := h.store.GetBid(a.ID, "buyer-2")
	check.NoError(t, err)
	check.Equal(t, auction.BidWon, winnerBid.Status)
	loserBid, err := h.store.GetBid(a.ID, "buyer-1")
	check.NoError(t, err)
	check.Equal(t, auction.BidLost, loserBid.Status)
}

func TestTieBreakRetriedAfterResolutionWriteFailure(t *testing.T) {
	h := newHarness(t, defaultListing())
	h.oracle.values = []uint64{9, 9}
	a := h.submitAndReveal(t, map[string]float64{"buyer-1": 100, "buyer-2": 100})

	// Randomness is obtained but the record fails to persist. The consumed
	// value was never recorded anywhere, so the combination stays eligible.
	h.flaky.failResolutionCreates = 1
	check.Error(t, h.closer.Sweep(context.Background()))

	_, err := h.store.GetResolution(a.ID)
	check.Error(t, err)
	pending, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseReveal, pending.Phase)

	// The retry requests fresh randomness rather than being rejected as a
	// replay, and resolves.
	check.NoError(t, h.closer.Sweep(context.Background()))
	check.Equal(t, 2, h.oracle.calls)

	resolution, err := h.store.GetResolution(a.ID)
	check.NoError(t, err)
	check.True(t, resolution.UsedTieBreak)
	check.Equal(t, uint64(9), resolution.RandomValue)
	check.Equal(t, 1, resolution.WinnerIndex)
	check.Equal(t, 1, h.chain.releaseCalls)
}

func TestSweepRespectsSafetyMargin(t *testing.T) {
	h := newHarness(t, defaultListing())

	a, err := h.engine.OpenAuction("listing-1")
	check.NoError(t, err)

	// Deadline passed, but not by the safety margin yet.
	h.clock.Advance(5*time.Minute + 2*time.Second)
	check.NoError(t, h.closer.Sweep(context.Background()))

	current, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseBidding, current.Phase)

	h.clock.Advance(4 * time.Second)
	check.NoError(t, h.closer.Sweep(context.Background()))

	current, err = h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseReveal, current.Phase)
}

func TestSweepSkipsCancelledAuctions(t *testing.T) {
	h := newHarness(t, defaultListing())

	a, err := h.engine.OpenAuction("listing-1")
	check.NoError(t, err)
	check.NoError(t, h.engine.Cancel(a.ID))

	h.clock.Advance(time.Hour)
	check.NoError(t, h.closer.Sweep(context.Background()))

	current, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseCancelled, current.Phase)
	_, err = h.store.GetResolution(a.ID)
	check.Error(t, err)
}

func TestSweepStuckForcesUnsold(t *testing.T) {
	h := newHarness(t, defaultListing())

	stuck := &auction.Auction{ID: "stuck-1", ListingID: "listing-1", Phase: auction.PhaseBidding}
	check.NoError(t, h.store.CreateAuction(stuck))

	check.NoError(t, h.closer.SweepStuck(context.Background()))

	forced, err := h.store.GetAuction("stuck-1")
	check.NoError(t, err)
	check.Equal(t, auction.PhaseUnsold, forced.Phase)
	check.True(t, forced.Settled)
}

func TestBuyNowShortCircuit(t *testing.T) {
	listing := defaultListing()
	listing.BuyNowPrice = 200
	h := newHarness(t, listing)

	a, err := h.engine.OpenAuction("listing-1")
	check.NoError(t, err)
	_, _, err = h.engine.SubmitCommitment(a.ID, "buyer-1", "sealed")
	check.NoError(t, err)

	resolution, err := h.closer.BuyNow(context.Background(), a.ID, "buyer-9")
	check.NoError(t, err)
	check.Equal(t, "buyer-9", resolution.WinnerID)
	check.Equal(t, 200.0, resolution.WinningAmount)

	settled, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseResolved, settled.Phase)
	check.Equal(t, 1, h.chain.releaseCalls)

	// Pending commitments expired with the auction.
	bid, err := h.store.GetBid(a.ID, "buyer-1")
	check.NoError(t, err)
	check.Equal(t, auction.BidExpired, bid.Status)

	// A second buy-now is rejected; later sweeps are no-ops.
	_, err = h.closer.BuyNow(context.Background(), a.ID, "buyer-10")
	check.True(t, errors.Is(err, auction.ErrAuctionTerminal))

	h.clock.Advance(time.Hour)
	check.NoError(t, h.closer.Sweep(context.Background()))
	check.Equal(t, 1, h.chain.createdRefs)
}

func TestBuyNowReleasesClaimWhenTerminalWriteFails(t *testing.T) {
	listing := defaultListing()
	listing.BuyNowPrice = 200
	h := newHarness(t, listing)

	a, err := h.engine.OpenAuction("listing-1")
	check.NoError(t, err)

	// Escrow settles, then the terminal write fails. The claim must come
	// back so the sweep can finish the auction from the stored record.
	h.flaky.failAuctionUpdates = 1
	_, err = h.closer.BuyNow(context.Background(), a.ID, "buyer-9")
	check.Error(t, err)

	resolution, err := h.store.GetResolution(a.ID)
	check.NoError(t, err)
	check.Equal(t, "buyer-9", resolution.WinnerID)
	stalled, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.False(t, stalled.Settled)

	h.clock.Advance(5*time.Minute + 6*time.Second)
	check.NoError(t, h.closer.Sweep(context.Background()))

	settled, err := h.store.GetAuction(a.ID)
	check.NoError(t, err)
	check.Equal(t, auction.PhaseResolved, settled.Phase)
	check.True(t, settled.Settled)

	// The escrow from the buy-now attempt is reused, not duplicated.
	check.Equal(t, 1, h.chain.createdRefs)
	check.Equal(t, 1, h.chain.releaseCalls)
}

func TestBuyNowRequiresBuyNowPrice(t *testing.T) {
	h := newHarness(t, defaultListing()) // no buy-now price

	a, err := h.engine.OpenAuction("listing-1")
	check.NoError(t, err)

	_, err = h.closer.BuyNow(context.Background(), a.ID, "buyer-1")
	check.True(t, errors.Is(err, auction.ErrNoBuyNow))
}

func TestSignedResolutionRecord(t *testing.T) {
	listing := defaultListing()
	store := auction.NewMemoryStore()
	check.NoError(t, store.CreateListing(listing))

	clock := newFakeClock()
	beacon := &scriptedOracle{values: []uint64{5}}
	chain := newCountingChainClient()
	gateway := escrow.NewGateway(chain, escrow.NewLedger(), 100*time.Millisecond, clock)
	signer, err := audit.NewSigner()
	check.NoError(t, err)

	engine := auction.NewEngine(store, clock, auction.EngineConfig{
		BiddingDuration:     5 * time.Minute,
		RevealDuration:      5 * time.Minute,
		AutoExtendIncrement: 30 * time.Second,
		AutoExtendMax:       2,
	}, nil)
	closer := NewCloser(store, clock, beacon, gateway, signer, nil, Config{
		SweepInterval:  2 * time.Second,
		SafetyMargin:   5 * time.Second,
		RevealDuration: 5 * time.Minute,
		OracleTimeout:  time.Second,
	})

	a, err := engine.OpenAuction("listing-1")
	check.NoError(t, err)

	salt1, _ := core.GenerateSalt()
	salt2, _ := core.GenerateSalt()
	_, _, err = engine.SubmitCommitment(a.ID, "buyer-1", core.ComputeCommitment(100, salt1))
	check.NoError(t, err)
	_, _, err = engine.SubmitCommitment(a.ID, "buyer-2", core.ComputeCommitment(100, salt2))
	check.NoError(t, err)

	clock.Advance(5*time.Minute + 6*time.Second)
	check.NoError(t, closer.Sweep(context.Background()))
	_, err = engine.Reveal(a.ID, "buyer-1", 100, salt1)
	check.NoError(t, err)
	_, err = engine.Reveal(a.ID, "buyer-2", 100, salt2)
	check.NoError(t, err)
	clock.Advance(5*time.Minute + 6*time.Second)
	check.NoError(t, closer.Sweep(context.Background()))

	signed, ok := closer.SignedRecord(a.ID)
	check.True(t, ok)

	record, err := audit.VerifyResolutionRecord(signed, signer.PublicKey())
	check.NoError(t, err)
	check.Equal(t, a.ID, record.AuctionID)
	check.True(t, record.UsedTieBreak)
	check.Equal(t, uint64(5), record.RandomValue)
	check.Equal(t, record.WinnerIndex, int(record.RandomValue%uint64(len(record.CandidateBidIDs))))
}
