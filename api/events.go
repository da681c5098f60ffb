// Package api holds the wire types exposed to external collaborators: HTTP
// request/response shapes and the event payloads broadcast to real-time
// observers.
package api

// Event topics published to the event bus. Delivery is best-effort and
// fire-and-forget; no core invariant may depend on successful delivery.
const (
	TopicPhaseChanged = "auction.phase_changed"
	TopicBidAccepted  = "auction.bid_accepted"
	TopicBidRevealed  = "auction.bid_revealed"
	TopicResolved     = "auction.resolved"
	TopicSettled      = "auction.settled"
)

// Publisher is the event bus contract. Implementations must not block the
// caller; slow or absent subscribers are the publisher's problem.
type Publisher interface {
	Publish(topic string, payload any)
}

// NopPublisher discards every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(topic string, payload any) {}

// PhaseChangedEvent announces an auction phase transition. Deadlines are
// epoch milliseconds so observers can do remaining-time arithmetic without
// calendar parsing.
type PhaseChangedEvent struct {
	AuctionID        string `json:"auction_id"`
	Phase            string `json:"phase"`
	AuctionEndAtMs   int64  `json:"auction_end_at_ms,omitempty"`
	RevealEndAtMs    int64  `json:"reveal_end_at_ms,omitempty"`
	ExtensionCount   int    `json:"extension_count"`
	ForcedResolution bool   `json:"forced_resolution,omitempty"`
}

// BidAcceptedEvent announces a sealed commitment entering the book. The
// amount stays sealed; only existence is broadcast.
type BidAcceptedEvent struct {
	AuctionID      string `json:"auction_id"`
	BidID          string `json:"bid_id"`
	BidderID       string `json:"bidder_id"`
	Extended       bool   `json:"extended"`
	AuctionEndAtMs int64  `json:"auction_end_at_ms"`
}

// BidRevealedEvent announces a successful reveal.
type BidRevealedEvent struct {
	AuctionID string  `json:"auction_id"`
	BidID     string  `json:"bid_id"`
	BidderID  string  `json:"bidder_id"`
	Amount    float64 `json:"amount"`
}

// ResolvedEvent announces a resolution outcome, including the tie-break
// audit trail when randomness was consumed.
type ResolvedEvent struct {
	AuctionID       string   `json:"auction_id"`
	Outcome         string   `json:"outcome"`
	WinnerID        string   `json:"winner_id,omitempty"`
	WinningAmount   float64  `json:"winning_amount,omitempty"`
	UsedTieBreak    bool     `json:"used_tie_break"`
	RandomValue     uint64   `json:"random_value,omitempty"`
	CandidateBidIDs []string `json:"candidate_bid_ids,omitempty"`
	WinnerIndex     int      `json:"winner_index,omitempty"`
}

// SettledEvent announces a settlement outcome for an escrow transaction.
type SettledEvent struct {
	AuctionID     string  `json:"auction_id"`
	TransactionID string  `json:"transaction_id"`
	Status        string  `json:"status"`
	Path          string  `json:"path"`
	Amount        float64 `json:"amount"`
}
