package core

import (
	"github.com/shopspring/decimal"
)

const monetaryPrecision int32 = 4 // 4 decimal places for lead prices (0.0001 precision)

// BidMeetsReserve returns true if the revealed amount meets or exceeds the
// listing's reserve price. Uses decimal arithmetic with monetaryPrecision
// to avoid floating-point errors.
func BidMeetsReserve(amount, reservePrice float64) bool {
	amountDecimal := decimal.NewFromFloat(amount).Round(monetaryPrecision)
	reserveDecimal := decimal.NewFromFloat(reservePrice).Round(monetaryPrecision)

	return amountDecimal.GreaterThanOrEqual(reserveDecimal)
}

// EnforceReserve filters revealed bids against the listing's reserve price.
// Returns eligible bids and IDs of rejected bids. Bids strictly below the
// reserve are never eligible, even when they are the only bids present.
func EnforceReserve(bids []RevealedBid, reservePrice float64) (eligible []RevealedBid, rejectedBidIDs []string) {
	eligibleBids := make([]RevealedBid, 0, len(bids))
	rejectedIDs := make([]string, 0)

	for _, bid := range bids {
		if BidMeetsReserve(bid.Amount, reservePrice) {
			eligibleBids = append(eligibleBids, bid)
		} else {
			rejectedIDs = append(rejectedIDs, bid.BidID)
		}
	}

	return eligibleBids, rejectedIDs
}
