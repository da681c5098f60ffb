package core

// DecideWinner executes the core resolution policy over the revealed bids
// of one auction: reserve enforcement → ranking → top extraction.
//
// Policy:
//  1. Discard bids below the reserve price.
//  2. If no bids remain, the outcome is UNSOLD.
//  3. If exactly one bidder holds the top amount, they win at that amount.
//  4. If several bidders share the top amount, the decision is returned
//     with NeedsTieBreak set; the caller obtains oracle randomness and
//     applies it via SelectTieBreakWinner.
func DecideWinner(bids []RevealedBid, reservePrice float64) *WinnerDecision {
	eligible, rejected := EnforceReserve(bids, reservePrice)

	if len(eligible) == 0 {
		return &WinnerDecision{
			Outcome:        OutcomeUnsold,
			RejectedBidIDs: rejected,
		}
	}

	ranked := RankBids(eligible)
	candidates := TopCandidates(ranked)

	if len(candidates) == 1 {
		winner := candidates[0]
		return &WinnerDecision{
			Outcome:        OutcomeWon,
			Winner:         &winner,
			Candidates:     candidates,
			RejectedBidIDs: rejected,
		}
	}

	return &WinnerDecision{
		Outcome:        OutcomeWon,
		NeedsTieBreak:  true,
		Candidates:     candidates,
		RejectedBidIDs: rejected,
	}
}
