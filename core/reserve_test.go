package core

import (
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestBidMeetsReserve(t *testing.T) {
	check.True(t, BidMeetsReserve(50.0, 50.0))
	check.True(t, BidMeetsReserve(50.0001, 50.0))
	check.False(t, BidMeetsReserve(49.9999, 50.0))
	check.True(t, BidMeetsReserve(100.0, 0.0))
}

func TestBidMeetsReserveFloatNoise(t *testing.T) {
	// 0.1+0.2 is not representable exactly; decimal rounding at 4 places
	// must treat it as equal to the 0.3 reserve.
	check.True(t, BidMeetsReserve(0.1+0.2, 0.3))
}

func TestEnforceReserve(t *testing.T) {
	bids := []RevealedBid{
		{BidID: "bid1", BidderID: "buyer_a", Amount: 30},
		{BidID: "bid2", BidderID: "buyer_b", Amount: 50},
		{BidID: "bid3", BidderID: "buyer_c", Amount: 80},
	}

	eligible, rejected := EnforceReserve(bids, 50)

	check.Equal(t, 2, len(eligible))
	check.Equal(t, "bid2", eligible[0].BidID)
	check.Equal(t, "bid3", eligible[1].BidID)
	check.Equal(t, []string{"bid1"}, rejected)
}
