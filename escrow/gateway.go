package escrow

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Gateway drives escrow transactions through their state machine. The
// settlement client is injected at construction so tests substitute a fake
// without mutating global state.
type Gateway struct {
	client      SettlementClient
	ledger      *Ledger
	clock       Clock
	callTimeout time.Duration
}

// NewGateway wires the gateway to its settlement counterparty. callTimeout
// bounds every authoritative-path call; a nil clock reads the wall clock.
func NewGateway(client SettlementClient, ledger *Ledger, callTimeout time.Duration, clock Clock) *Gateway {
	if clock == nil {
		clock = systemClock{}
	}
	return &Gateway{client: client, ledger: ledger, clock: clock, callTimeout: callTimeout}
}

// Ledger exposes the local ledger for conservation checks and reconciliation.
func (g *Gateway) Ledger() *Ledger { return g.ledger }

// CreateAndFund creates and funds an escrow for the winning transaction.
// The authoritative path is attempted first; on failure the gateway falls
// back to an off-chain equivalent flagged non-authoritative pending
// reconciliation. Either path yields a stable transaction identifier usable
// by Release and Refund.
func (g *Gateway) CreateAndFund(ctx context.Context, auctionID, payerID, payeeID string, amount decimal.Decimal) (*Transaction, error) {
	now := g.clock.Now()
	tx := &Transaction{
		ID:        uuid.New().String(),
		AuctionID: auctionID,
		PayerID:   payerID,
		PayeeID:   payeeID,
		Amount:    amount,
		Status:    StatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := g.ledger.Register(tx); err != nil {
		return nil, err
	}

	// A non-positive amount can never be funded on either path. The record
	// moves CREATED to FAILED so the rejection is auditable, and the caller
	// gets a settlement error rather than a silently zero-valued escrow.
	if !amount.IsPositive() {
		tx.Status = StatusFailed
		tx.UpdatedAt = g.clock.Now()
		if uerr := g.ledger.Update(tx); uerr != nil {
			return nil, uerr
		}
		log.Printf("ERROR: Escrow %s for auction %s rejected: non-positive amount %s", tx.ID, auctionID, amount)
		return tx, fmt.Errorf("%w: non-positive amount %s for auction %s", ErrSettlementFailed, amount, auctionID)
	}

	if err := g.fundOnChain(ctx, tx); err != nil {
		log.Printf("WARNING: Authoritative settlement unavailable for auction %s, falling back off-chain: %v", auctionID, err)
		g.ledger.HoldFunds(payerID, amount)
		tx.Path = PathOffChain
	} else {
		tx.Path = PathOnChain
	}

	tx.Status = StatusFunded
	tx.UpdatedAt = g.clock.Now()
	if err := g.ledger.Update(tx); err != nil {
		return nil, err
	}

	log.Printf("INFO: Escrow %s funded for auction %s via %s (amount %s)", tx.ID, auctionID, tx.Path, amount)
	return tx, nil
}

// fundOnChain runs the authoritative create/fund sequence, skipping the
// authorization step when the payer's existing allowance already covers the
// amount. Authorization requests are value-bearing; skipping redundant ones
// is a correctness-adjacent performance property.
func (g *Gateway) fundOnChain(ctx context.Context, tx *Transaction) error {
	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	allowance, err := g.client.CheckAllowance(callCtx, tx.PayerID)
	if err != nil {
		return fmt.Errorf("check allowance: %w", err)
	}
	if allowance.LessThan(tx.Amount) {
		if err := g.client.Authorize(callCtx, tx.PayerID, tx.Amount); err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
	}

	ref, err := g.client.CreateEscrow(callCtx, tx.AuctionID, tx.PayerID, tx.PayeeID, tx.Amount)
	if err != nil {
		return fmt.Errorf("create escrow: %w", err)
	}
	tx.RemoteRef = ref

	if err := g.client.FundEscrow(callCtx, ref); err != nil {
		return fmt.Errorf("fund escrow %s: %w", ref, err)
	}
	return nil
}

// Release moves FUNDED→RELEASED, transferring value to the payee. An
// authoritative-path failure propagates as a hard error: release is a
// terminal, value-moving action and must never be silently downgraded.
func (g *Gateway) Release(ctx context.Context, transactionID string) error {
	return g.finalize(ctx, transactionID, StatusReleased)
}

// Refund moves FUNDED→REFUNDED, returning value to the payer. Failure
// policy is symmetric to Release.
func (g *Gateway) Refund(ctx context.Context, transactionID string) error {
	return g.finalize(ctx, transactionID, StatusRefunded)
}

func (g *Gateway) finalize(ctx context.Context, transactionID string, target Status) error {
	tx, err := g.ledger.Get(transactionID)
	if err != nil {
		return err
	}
	if tx.Status != StatusFunded {
		return fmt.Errorf("transaction %s is %s, want FUNDED: %w", transactionID, tx.Status, ErrInvalidTransition)
	}

	switch tx.Path {
	case PathOnChain:
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		defer cancel()

		var opErr error
		if target == StatusReleased {
			opErr = g.client.ReleaseEscrow(callCtx, tx.RemoteRef)
		} else {
			opErr = g.client.RefundEscrow(callCtx, tx.RemoteRef)
		}
		if opErr != nil {
			log.Printf("ERROR: Escrow %s %s failed on authoritative path: %v", transactionID, target, opErr)
			return fmt.Errorf("%w: escrow %s to %s: %v", ErrSettlementFailed, transactionID, target, opErr)
		}
	case PathOffChain:
		if target == StatusReleased {
			g.ledger.ReleaseFunds(tx.PayeeID, tx.Amount)
		} else {
			g.ledger.RefundFunds(tx.PayerID, tx.Amount)
		}
	}

	tx.Status = target
	tx.UpdatedAt = g.clock.Now()
	if err := g.ledger.Update(tx); err != nil {
		return err
	}

	log.Printf("INFO: Escrow %s %s via %s", transactionID, target, tx.Path)
	return nil
}

// GetStatus prefers the authoritative source. When the authoritative read
// fails, the last known locally-tracked state is served with Stale set.
func (g *Gateway) GetStatus(ctx context.Context, transactionID string) (*StatusResult, error) {
	tx, err := g.ledger.Get(transactionID)
	if err != nil {
		return nil, err
	}

	result := &StatusResult{TransactionID: tx.ID, Status: tx.Status, Path: tx.Path}
	if tx.Path != PathOnChain {
		return result, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	remote, err := g.client.GetEscrow(callCtx, tx.RemoteRef)
	if err != nil {
		log.Printf("WARNING: Authoritative status read failed for escrow %s, serving local state: %v", transactionID, err)
		result.Stale = true
		return result, nil
	}

	result.Status = remote
	return result, nil
}
