package api

// SubmitCommitmentRequest carries a sealed bid into the commitment store.
type SubmitCommitmentRequest struct {
	BidderID   string `json:"bidder_id"`
	Commitment string `json:"commitment"`
}

// SubmitCommitmentResponse acknowledges an accepted commitment.
type SubmitCommitmentResponse struct {
	BidID          string `json:"bid_id"`
	AuctionEndAtMs int64  `json:"auction_end_at_ms"`
	Extended       bool   `json:"extended"`
}

// RevealRequest discloses the amount and salt behind a commitment.
type RevealRequest struct {
	BidderID string  `json:"bidder_id"`
	Amount   float64 `json:"amount"`
	Salt     string  `json:"salt"`
}

// RevealResponse acknowledges a verified reveal.
type RevealResponse struct {
	BidID  string `json:"bid_id"`
	Status string `json:"status"`
}

// BuyNowRequest short-circuits bidding at the listing's buy-now price.
type BuyNowRequest struct {
	BuyerID string `json:"buyer_id"`
}

// AuctionStateResponse is the polling snapshot for UI observers. The
// deadline is an epoch timestamp, never a formatted calendar string, so
// observers compute remaining time by arithmetic alone.
type AuctionStateResponse struct {
	AuctionID       string   `json:"auction_id"`
	Phase           string   `json:"phase"`
	DeadlineEpochMs int64    `json:"deadline_epoch_ms"`
	RemainingMs     int64    `json:"remaining_ms"`
	BidCount        int      `json:"bid_count"`
	HighestKnownBid *float64 `json:"highest_known_bid,omitempty"`
	ExtensionCount  int      `json:"extension_count"`
}

// CreateListingRequest registers a lead for sale.
type CreateListingRequest struct {
	SellerID     string   `json:"seller_id"`
	Vertical     string   `json:"vertical"`
	GeoTargets   []string `json:"geo_targets,omitempty"`
	ReservePrice float64  `json:"reserve_price"`
	BuyNowPrice  float64  `json:"buy_now_price,omitempty"`
}

// CreateListingResponse acknowledges a registered listing.
type CreateListingResponse struct {
	ListingID string `json:"listing_id"`
}

// OpenAuctionResponse acknowledges a newly opened auction.
type OpenAuctionResponse struct {
	AuctionID      string `json:"auction_id"`
	Phase          string `json:"phase"`
	AuctionEndAtMs int64  `json:"auction_end_at_ms"`
}

// ResolutionResponse is the public view of a settled outcome, including
// the tie-break evidence needed to re-verify the winner selection.
type ResolutionResponse struct {
	AuctionID       string   `json:"auction_id"`
	Outcome         string   `json:"outcome"`
	WinnerID        string   `json:"winner_id,omitempty"`
	WinningAmount   float64  `json:"winning_amount,omitempty"`
	UsedTieBreak    bool     `json:"used_tie_break"`
	RandomValue     uint64   `json:"random_value,omitempty"`
	CandidateBidIDs []string `json:"candidate_bid_ids,omitempty"`
	WinnerIndex     int      `json:"winner_index,omitempty"`
	CreatedAtMs     int64    `json:"created_at_ms"`
}

// ErrorResponse is the uniform error envelope for the HTTP surface.
type ErrorResponse struct {
	Error string `json:"error"`
}
