package core

// RevealedBid is a bid whose amount and salt were disclosed and verified
// against the stored commitment. Only revealed bids enter winner resolution.
type RevealedBid struct {
	BidID    string  `json:"bid_id"`
	BidderID string  `json:"bidder_id"`
	Amount   float64 `json:"amount"`
}

// Outcome classifies the result of resolving an auction.
type Outcome string

const (
	OutcomeWon    Outcome = "WON"
	OutcomeUnsold Outcome = "UNSOLD"
)

// WinnerDecision is the resolver's verdict over the revealed bids of one
// auction, before any randomness has been requested.
//
// When NeedsTieBreak is true, Candidates holds every bid sharing the top
// amount in their original submission order, and Winner is nil until a
// tie-break index has been applied via SelectTieBreakWinner.
type WinnerDecision struct {
	Outcome        Outcome
	Winner         *RevealedBid
	NeedsTieBreak  bool
	Candidates     []RevealedBid
	RejectedBidIDs []string
}
