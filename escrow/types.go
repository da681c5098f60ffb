// Package escrow implements the settlement gateway: escrow transactions are
// driven through the authoritative on-chain counterparty when reachable and
// an off-chain local equivalent when not, with both representations
// reconciled through the local ledger.
package escrow

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the escrow transaction state.
//
// CREATED → FUNDED → RELEASED, or CREATED → FUNDED → REFUNDED, or
// CREATED → FAILED. A transaction is never both RELEASED and REFUNDED.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusFunded   Status = "FUNDED"
	StatusReleased Status = "RELEASED"
	StatusRefunded Status = "REFUNDED"
	StatusFailed   Status = "FAILED"
)

// Path records which settlement path backs a transaction.
type Path string

const (
	// PathOnChain means the authoritative ledger holds the funds.
	PathOnChain Path = "ON_CHAIN"

	// PathOffChain means the local ledger holds an equivalent, explicitly
	// non-authoritative pending reconciliation.
	PathOffChain Path = "OFF_CHAIN"
)

// Transaction is the escrow record for one winning auction. Its status is
// mutated exclusively by the Gateway.
type Transaction struct {
	ID        string
	AuctionID string
	PayerID   string
	PayeeID   string
	Amount    decimal.Decimal
	Status    Status
	Path      Path
	RemoteRef string // counterparty escrow reference when ON_CHAIN
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusResult is a gateway status read. Stale marks a response served from
// the local ledger because the authoritative source was unreachable.
type StatusResult struct {
	TransactionID string
	Status        Status
	Path          Path
	Stale         bool
}

var (
	// ErrTransactionNotFound is returned for unknown transaction IDs.
	ErrTransactionNotFound = errors.New("escrow transaction not found")

	// ErrInvalidTransition is returned when an operation does not apply to
	// the transaction's current status.
	ErrInvalidTransition = errors.New("invalid escrow status transition")

	// ErrDuplicateEscrow is returned when a second escrow is created for
	// the same auction.
	ErrDuplicateEscrow = errors.New("auction already has an escrow transaction")

	// ErrSettlementFailed wraps authoritative-path failures on release and
	// refund. These are terminal value-moving actions: the failure
	// propagates loudly and the caller retries or escalates.
	ErrSettlementFailed = errors.New("authoritative settlement failed")
)
