package escrow

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Ledger is the local record of every escrow transaction plus the account
// movements of the off-chain path. For ON_CHAIN transactions it only mirrors
// state for stale reads; for OFF_CHAIN transactions it is the system of
// record pending reconciliation.
type Ledger struct {
	mu        sync.Mutex
	txns      map[string]*Transaction
	byAuction map[string]string
	balances  map[string]decimal.Decimal
	escrowed  decimal.Decimal // funds held off-chain, not yet released or refunded
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		txns:      make(map[string]*Transaction),
		byAuction: make(map[string]string),
		balances:  make(map[string]decimal.Decimal),
		escrowed:  decimal.Zero,
	}
}

// Register records a new transaction. At most one escrow exists per auction.
func (l *Ledger) Register(tx *Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.byAuction[tx.AuctionID]; ok {
		return fmt.Errorf("auction %s already settled by transaction %s: %w", tx.AuctionID, existing, ErrDuplicateEscrow)
	}
	cp := *tx
	l.txns[tx.ID] = &cp
	l.byAuction[tx.AuctionID] = tx.ID
	return nil
}

// Get returns a transaction by ID.
func (l *Ledger) Get(id string) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txns[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrTransactionNotFound)
	}
	cp := *tx
	return &cp, nil
}

// Update overwrites a registered transaction.
func (l *Ledger) Update(tx *Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txns[tx.ID]; !ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrTransactionNotFound)
	}
	cp := *tx
	l.txns[tx.ID] = &cp
	return nil
}

// HoldFunds debits the payer into the off-chain escrow pool.
func (l *Ledger) HoldFunds(payerID string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[payerID] = l.balance(payerID).Sub(amount)
	l.escrowed = l.escrowed.Add(amount)
}

// ReleaseFunds credits the payee exactly the held amount.
func (l *Ledger) ReleaseFunds(payeeID string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[payeeID] = l.balance(payeeID).Add(amount)
	l.escrowed = l.escrowed.Sub(amount)
}

// RefundFunds returns exactly the held amount to the payer.
func (l *Ledger) RefundFunds(payerID string, amount decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[payerID] = l.balance(payerID).Add(amount)
	l.escrowed = l.escrowed.Sub(amount)
}

// Balance returns the net off-chain movement for an account.
func (l *Ledger) Balance(accountID string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance(accountID)
}

// Escrowed returns the funds currently held off-chain.
func (l *Ledger) Escrowed() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.escrowed
}

func (l *Ledger) balance(accountID string) decimal.Decimal {
	if b, ok := l.balances[accountID]; ok {
		return b
	}
	return decimal.Zero
}
