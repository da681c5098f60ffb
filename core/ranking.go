package core

import (
	"sort"

	"github.com/shopspring/decimal"
)

// amountsEqual compares two revealed amounts at monetaryPrecision.
func amountsEqual(a, b float64) bool {
	aDec := decimal.NewFromFloat(a).Round(monetaryPrecision)
	bDec := decimal.NewFromFloat(b).Round(monetaryPrecision)
	return aDec.Equal(bDec)
}

// HighestPerBidder reduces revealed bids to the single highest bid per
// bidder, preserving the order of each bidder's first occurrence.
func HighestPerBidder(bids []RevealedBid) []RevealedBid {
	bidderMap := make(map[string]RevealedBid)
	bidderOrder := make([]string, 0, len(bids))
	seenBidders := make(map[string]bool)

	for _, bid := range bids {
		if !seenBidders[bid.BidderID] {
			bidderOrder = append(bidderOrder, bid.BidderID)
			seenBidders[bid.BidderID] = true
		}

		existing, exists := bidderMap[bid.BidderID]
		if !exists || bid.Amount > existing.Amount {
			bidderMap[bid.BidderID] = bid
		}
	}

	result := make([]RevealedBid, 0, len(bidderOrder))
	for _, bidder := range bidderOrder {
		result = append(result, bidderMap[bidder])
	}
	return result
}

// RankBids sorts the per-bidder highest bids by amount descending.
// The sort is stable so bids tied at the same amount keep their original
// submission order; tie-break selection maps a random index back into this
// ordering.
func RankBids(bids []RevealedBid) []RevealedBid {
	ranked := HighestPerBidder(bids)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Amount > ranked[j].Amount
	})
	return ranked
}

// TopCandidates returns every ranked bid sharing the highest amount, in
// original submission order. An empty input yields an empty slice.
func TopCandidates(ranked []RevealedBid) []RevealedBid {
	if len(ranked) == 0 {
		return []RevealedBid{}
	}

	top := ranked[0].Amount
	candidates := make([]RevealedBid, 0, len(ranked))
	for _, bid := range ranked {
		if !amountsEqual(bid.Amount, top) {
			break
		}
		candidates = append(candidates, bid)
	}
	return candidates
}
