package auction

import (
	"fmt"
	"sync"
	"time"
)

// Store is the persistence contract for listings, auctions, bids and
// resolutions. Two operations carry the core's correctness guarantees and
// must be atomic in every implementation:
//
//   - InsertBid enforces one commitment per bidder per auction as a single
//     transactional check-then-insert, regardless of the prior bid's status.
//   - ClaimAuction is the scheduler's claim-if-not-already-claimed update;
//     only the caller that receives true may drive resolution.
//   - UpdateAuction is a conditional write: a record that already reached a
//     terminal state is never overwritten, and the attempt fails with
//     ErrAuctionTerminal.
type Store interface {
	CreateListing(l *Listing) error
	GetListing(id string) (*Listing, error)

	CreateAuction(a *Auction) error
	GetAuction(id string) (*Auction, error)
	UpdateAuction(a *Auction) error

	// ListDueAuctions returns non-terminal auctions whose governing
	// deadline (AuctionEndAt in BIDDING, RevealEndAt in REVEAL) is at or
	// before the cutoff.
	ListDueAuctions(cutoff time.Time) ([]*Auction, error)

	// ListStuckAuctions returns non-terminal auctions missing deadline
	// metadata, for the forced-UNSOLD sweep.
	ListStuckAuctions() ([]*Auction, error)

	// ClaimAuction atomically marks an auction as being resolved. Returns
	// true only for the single caller that obtained the claim; false when
	// already claimed or terminal.
	ClaimAuction(id string) (bool, error)

	// ReleaseClaim relinquishes a claim after a transient failure so the
	// next sweep retries.
	ReleaseClaim(id string) error

	InsertBid(b *Bid) error
	GetBid(auctionID, bidderID string) (*Bid, error)
	UpdateBid(b *Bid) error
	ListBids(auctionID string) ([]*Bid, error)

	// CreateResolution persists the immutable outcome record. A second
	// resolution for the same auction is rejected with ErrAlreadyResolved.
	CreateResolution(r *Resolution) error
	GetResolution(auctionID string) (*Resolution, error)
}

// MemoryStore implements Store for tests and single-process deployments.
type MemoryStore struct {
	mu          sync.Mutex
	listings    map[string]*Listing
	auctions    map[string]*Auction
	claims      map[string]bool
	bids        map[string][]*Bid // keyed by auction ID
	resolutions map[string]*Resolution
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings:    make(map[string]*Listing),
		auctions:    make(map[string]*Auction),
		claims:      make(map[string]bool),
		bids:        make(map[string][]*Bid),
		resolutions: make(map[string]*Resolution),
	}
}

// CreateListing stores a listing.
func (s *MemoryStore) CreateListing(l *Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.listings[l.ID] = &cp
	return nil
}

// GetListing returns a listing by ID.
func (s *MemoryStore) GetListing(id string) (*Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	cp := *l
	return &cp, nil
}

// CreateAuction stores a new auction.
func (s *MemoryStore) CreateAuction(a *Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.auctions[a.ID] = &cp
	return nil
}

// GetAuction returns an auction by ID.
func (s *MemoryStore) GetAuction(id string) (*Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return nil, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

// UpdateAuction overwrites an existing auction record. The check against the
// stored row happens under the same lock as the write, so a record that has
// already reached a terminal state can never be overwritten by a stale
// snapshot racing with the sweep.
func (s *MemoryStore) UpdateAuction(a *Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.auctions[a.ID]
	if !ok {
		return fmt.Errorf("auction %s: %w", a.ID, ErrNotFound)
	}
	if existing.Terminal() {
		return fmt.Errorf("auction %s: %w", a.ID, ErrAuctionTerminal)
	}
	cp := *a
	s.auctions[a.ID] = &cp
	return nil
}

// ListDueAuctions implements Store.
func (s *MemoryStore) ListDueAuctions(cutoff time.Time) ([]*Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := make([]*Auction, 0)
	for _, a := range s.auctions {
		if a.Terminal() {
			continue
		}
		var deadline time.Time
		switch a.Phase {
		case PhaseBidding:
			deadline = a.AuctionEndAt
		case PhaseReveal:
			deadline = a.RevealEndAt
		default:
			continue
		}
		if deadline.IsZero() {
			continue
		}
		if !deadline.After(cutoff) {
			cp := *a
			due = append(due, &cp)
		}
	}
	return due, nil
}

// ListStuckAuctions implements Store.
func (s *MemoryStore) ListStuckAuctions() ([]*Auction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stuck := make([]*Auction, 0)
	for _, a := range s.auctions {
		if a.Terminal() {
			continue
		}
		missing := (a.Phase == PhaseBidding && a.AuctionEndAt.IsZero()) ||
			(a.Phase == PhaseReveal && a.RevealEndAt.IsZero())
		if missing {
			cp := *a
			stuck = append(stuck, &cp)
		}
	}
	return stuck, nil
}

// ClaimAuction implements the atomic claim-if-unclaimed update.
func (s *MemoryStore) ClaimAuction(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auctions[id]
	if !ok {
		return false, fmt.Errorf("auction %s: %w", id, ErrNotFound)
	}
	if a.Terminal() || s.claims[id] {
		return false, nil
	}
	s.claims[id] = true
	return true, nil
}

// ReleaseClaim implements Store.
func (s *MemoryStore) ReleaseClaim(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, id)
	return nil
}

// InsertBid atomically enforces one commitment per bidder per auction, then
// persists the bid. Expired or rejected prior bids still block a resubmission,
// matching the unique constraint the SQL store enforces.
func (s *MemoryStore) InsertBid(b *Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.bids[b.AuctionID] {
		if existing.BidderID == b.BidderID {
			return fmt.Errorf("auction %s bidder %s: %w", b.AuctionID, b.BidderID, ErrDuplicateCommitment)
		}
	}
	cp := *b
	s.bids[b.AuctionID] = append(s.bids[b.AuctionID], &cp)
	return nil
}

// GetBid returns a bidder's bid for an auction.
func (s *MemoryStore) GetBid(auctionID, bidderID string) (*Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bids[auctionID] {
		if b.BidderID == bidderID {
			cp := *b
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("bid for auction %s bidder %s: %w", auctionID, bidderID, ErrNotFound)
}

// UpdateBid overwrites an existing bid record.
func (s *MemoryStore) UpdateBid(b *Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.bids[b.AuctionID] {
		if existing.ID == b.ID {
			cp := *b
			s.bids[b.AuctionID][i] = &cp
			return nil
		}
	}
	return fmt.Errorf("bid %s: %w", b.ID, ErrNotFound)
}

// ListBids returns all bids for an auction in submission order.
func (s *MemoryStore) ListBids(auctionID string) ([]*Bid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bids := make([]*Bid, 0, len(s.bids[auctionID]))
	for _, b := range s.bids[auctionID] {
		cp := *b
		bids = append(bids, &cp)
	}
	return bids, nil
}

// CreateResolution persists the outcome record, rejecting duplicates.
func (s *MemoryStore) CreateResolution(r *Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resolutions[r.AuctionID]; exists {
		return fmt.Errorf("auction %s: %w", r.AuctionID, ErrAlreadyResolved)
	}
	cp := *r
	s.resolutions[r.AuctionID] = &cp
	return nil
}

// GetResolution returns the resolution for an auction, if any.
func (s *MemoryStore) GetResolution(auctionID string) (*Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resolutions[auctionID]
	if !ok {
		return nil, fmt.Errorf("resolution for auction %s: %w", auctionID, ErrNotFound)
	}
	cp := *r
	return &cp, nil
}
