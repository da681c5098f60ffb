package core

import (
	"testing"

	"github.com/peterldowns/testy/check"
)

func TestDecideWinner_HighestWins(t *testing.T) {
	bids := []RevealedBid{
		{BidID: "bid1", BidderID: "buyer_a", Amount: 100},
		{BidID: "bid2", BidderID: "buyer_b", Amount: 120},
	}

	decision := DecideWinner(bids, 50)

	check.Equal(t, OutcomeWon, decision.Outcome)
	check.False(t, decision.NeedsTieBreak)
	check.NotNil(t, decision.Winner)
	check.Equal(t, "buyer_b", decision.Winner.BidderID)
	check.Equal(t, 120.0, decision.Winner.Amount)
	check.Equal(t, 0, len(decision.RejectedBidIDs))
}

func TestDecideWinner_ReserveEnforced(t *testing.T) {
	bids := []RevealedBid{
		{BidID: "bid1", BidderID: "buyer_a", Amount: 30},
	}

	decision := DecideWinner(bids, 50)

	check.Equal(t, OutcomeUnsold, decision.Outcome)
	check.Nil(t, decision.Winner)
	check.Equal(t, []string{"bid1"}, decision.RejectedBidIDs)
}

func TestDecideWinner_ReserveBoundaryPasses(t *testing.T) {
	bids := []RevealedBid{
		{BidID: "bid1", BidderID: "buyer_a", Amount: 50},
	}

	decision := DecideWinner(bids, 50)

	check.Equal(t, OutcomeWon, decision.Outcome)
	check.NotNil(t, decision.Winner)
	check.Equal(t, 50.0, decision.Winner.Amount)
}

func TestDecideWinner_NoBids(t *testing.T) {
	decision := DecideWinner(nil, 50)

	check.Equal(t, OutcomeUnsold, decision.Outcome)
	check.Nil(t, decision.Winner)
}

func TestDecideWinner_TieRequiresRandomness(t *testing.T) {
	bids := []RevealedBid{
		{BidID: "bid1", BidderID: "buyer_a", Amount: 100},
		{BidID: "bid2", BidderID: "buyer_b", Amount: 100},
		{BidID: "bid3", BidderID: "buyer_c", Amount: 100},
	}

	decision := DecideWinner(bids, 50)

	check.Equal(t, OutcomeWon, decision.Outcome)
	check.True(t, decision.NeedsTieBreak)
	check.Nil(t, decision.Winner)
	check.Equal(t, 3, len(decision.Candidates))
	// Candidates keep original submission order for deterministic mapping
	check.Equal(t, "bid1", decision.Candidates[0].BidID)
	check.Equal(t, "bid2", decision.Candidates[1].BidID)
	check.Equal(t, "bid3", decision.Candidates[2].BidID)
}

func TestDecideWinner_HighestPerBidder(t *testing.T) {
	// A bidder's lower bid must not create a phantom tie with their own
	// higher bid.
	bids := []RevealedBid{
		{BidID: "bid1", BidderID: "buyer_a", Amount: 100},
		{BidID: "bid2", BidderID: "buyer_a", Amount: 120},
		{BidID: "bid3", BidderID: "buyer_b", Amount: 110},
	}

	decision := DecideWinner(bids, 50)

	check.False(t, decision.NeedsTieBreak)
	check.NotNil(t, decision.Winner)
	check.Equal(t, "bid2", decision.Winner.BidID)
}

func TestSelectTieBreakWinner_MapsIndexIntoOriginalOrder(t *testing.T) {
	bids := []RevealedBid{
		{BidID: "bid1", BidderID: "buyer_a", Amount: 100},
		{BidID: "bid2", BidderID: "buyer_b", Amount: 100},
		{BidID: "bid3", BidderID: "buyer_c", Amount: 100},
	}
	decision := DecideWinner(bids, 50)

	index, err := SelectTieBreakWinner(decision, 7) // 7 mod 3 == 1
	check.NoError(t, err)
	check.Equal(t, 1, index)
	check.NotNil(t, decision.Winner)
	check.Equal(t, "buyer_b", decision.Winner.BidderID)
	check.False(t, decision.NeedsTieBreak)
}

func TestSelectTieBreakWinner_RejectsNonTie(t *testing.T) {
	decision := &WinnerDecision{Outcome: OutcomeWon, NeedsTieBreak: false}

	_, err := SelectTieBreakWinner(decision, 3)
	check.Error(t, err)
}
