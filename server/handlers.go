package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/leadex-io/leadauction/api"
	"github.com/leadex-io/leadauction/auction"
	"github.com/leadex-io/leadauction/scheduler"
)

// Handler serves the auction JSON API. Bidding and reveal operations go
// through the engine; buy-now and signed records go through the closer,
// which owns the resolution path.
type Handler struct {
	engine *auction.Engine
	closer *scheduler.Closer
}

// NewHandler wires the API handler.
func NewHandler(engine *auction.Engine, closer *scheduler.Closer) *Handler {
	return &Handler{engine: engine, closer: closer}
}

// RegisterRoutes implements RouteRegistrar.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/listings", h.handleCreateListing)
	r.Post("/listings/{listingID}/auctions", h.handleOpenAuction)

	r.Get("/auctions/{auctionID}", h.handleAuctionState)
	r.Post("/auctions/{auctionID}/bids", h.handleSubmitCommitment)
	r.Post("/auctions/{auctionID}/reveal", h.handleReveal)
	r.Post("/auctions/{auctionID}/buy-now", h.handleBuyNow)
	r.Post("/auctions/{auctionID}/cancel", h.handleCancel)

	r.Get("/auctions/{auctionID}/resolution", h.handleResolution)
	r.Get("/auctions/{auctionID}/resolution/record", h.handleResolutionRecord)
}

func (h *Handler) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req api.CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SellerID == "" {
		writeError(w, http.StatusBadRequest, "seller_id is required")
		return
	}
	if req.ReservePrice < 0 || req.BuyNowPrice < 0 {
		writeError(w, http.StatusBadRequest, "prices must be non-negative")
		return
	}

	listing := &auction.Listing{
		ID:           uuid.New().String(),
		SellerID:     req.SellerID,
		Vertical:     req.Vertical,
		GeoTargets:   req.GeoTargets,
		ReservePrice: req.ReservePrice,
		BuyNowPrice:  req.BuyNowPrice,
		Status:       auction.ListingActive,
	}
	if err := h.engine.Store().CreateListing(listing); err != nil {
		writeDomainError(w, err)
		return
	}

	log.Printf("INFO: Listing %s created by seller %s", listing.ID, listing.SellerID)
	writeJSON(w, http.StatusCreated, api.CreateListingResponse{ListingID: listing.ID})
}

func (h *Handler) handleOpenAuction(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "listingID")

	a, err := h.engine.OpenAuction(listingID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, api.OpenAuctionResponse{
		AuctionID:      a.ID,
		Phase:          string(a.Phase),
		AuctionEndAtMs: a.AuctionEndAt.UnixMilli(),
	})
}

func (h *Handler) handleAuctionState(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	state, err := h.engine.State(auctionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleSubmitCommitment(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	var req api.SubmitCommitmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BidderID == "" {
		writeError(w, http.StatusBadRequest, "bidder_id is required")
		return
	}

	bid, extended, err := h.engine.SubmitCommitment(auctionID, req.BidderID, req.Commitment)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	a, err := h.engine.Store().GetAuction(auctionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api.SubmitCommitmentResponse{
		BidID:          bid.ID,
		AuctionEndAtMs: a.AuctionEndAt.UnixMilli(),
		Extended:       extended,
	})
}

func (h *Handler) handleReveal(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	var req api.RevealRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BidderID == "" {
		writeError(w, http.StatusBadRequest, "bidder_id is required")
		return
	}

	bid, err := h.engine.Reveal(auctionID, req.BidderID, req.Amount, req.Salt)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.RevealResponse{
		BidID:  bid.ID,
		Status: string(bid.Status),
	})
}

func (h *Handler) handleBuyNow(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	var req api.BuyNowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BuyerID == "" {
		writeError(w, http.StatusBadRequest, "buyer_id is required")
		return
	}

	resolution, err := h.closer.BuyNow(r.Context(), auctionID, req.BuyerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolutionResponse(resolution))
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	if err := h.engine.Cancel(auctionID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleResolution(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	resolution, err := h.engine.Store().GetResolution(auctionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolutionResponse(resolution))
}

// handleResolutionRecord serves the COSE-signed resolution envelope for
// offline verification.
func (h *Handler) handleResolutionRecord(w http.ResponseWriter, r *http.Request) {
	auctionID := chi.URLParam(r, "auctionID")

	signed, ok := h.closer.SignedRecord(auctionID)
	if !ok {
		writeError(w, http.StatusNotFound, "no signed record for auction")
		return
	}
	w.Header().Set("Content-Type", "application/cose")
	w.WriteHeader(http.StatusOK)
	w.Write(signed)
}

func resolutionResponse(r *auction.Resolution) api.ResolutionResponse {
	return api.ResolutionResponse{
		AuctionID:       r.AuctionID,
		Outcome:         r.Outcome,
		WinnerID:        r.WinnerID,
		WinningAmount:   r.WinningAmount,
		UsedTieBreak:    r.UsedTieBreak,
		RandomValue:     r.RandomValue,
		CandidateBidIDs: r.CandidateBidIDs,
		WinnerIndex:     r.WinnerIndex,
		CreatedAtMs:     r.CreatedAt.UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("ERROR: Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, api.ErrorResponse{Error: msg})
}

// writeDomainError maps sentinel errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auction.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auction.ErrEmptyCommitment):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auction.ErrRevealMismatch):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, auction.ErrDuplicateCommitment),
		errors.Is(err, auction.ErrWrongPhase),
		errors.Is(err, auction.ErrAuctionTerminal),
		errors.Is(err, auction.ErrListingInactive),
		errors.Is(err, auction.ErrBidNotPending),
		errors.Is(err, auction.ErrNoBuyNow),
		errors.Is(err, scheduler.ErrAuctionBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Printf("ERROR: Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
