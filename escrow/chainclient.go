package escrow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
)

// SettlementClient is the authoritative settlement counterparty contract.
// Every call is network-bound with no fixed latency bound; callers must
// wrap each with a context deadline.
type SettlementClient interface {
	CreateEscrow(ctx context.Context, auctionID, payerID, payeeID string, amount decimal.Decimal) (string, error)
	FundEscrow(ctx context.Context, ref string) error
	ReleaseEscrow(ctx context.Context, ref string) error
	RefundEscrow(ctx context.Context, ref string) error
	GetEscrow(ctx context.Context, ref string) (Status, error)

	// CheckAllowance returns the payer's pre-authorized capacity with the
	// counterparty. A sufficient allowance lets the gateway skip the
	// redundant (and value-bearing) authorization step.
	CheckAllowance(ctx context.Context, payerID string) (decimal.Decimal, error)
	Authorize(ctx context.Context, payerID string, amount decimal.Decimal) error
}

// CBOR envelopes for the counterparty RPC. Amounts travel as decimal
// strings so no precision is lost on the wire.
type escrowCreateRequest struct {
	AuctionID string `cbor:"auction_id"`
	PayerID   string `cbor:"payer_id"`
	PayeeID   string `cbor:"payee_id"`
	Amount    string `cbor:"amount"`
}

type escrowCreateResponse struct {
	Ref string `cbor:"ref"`
}

type escrowOpRequest struct {
	Ref string `cbor:"ref"`
}

type escrowStatusResponse struct {
	Status string `cbor:"status"`
}

type allowanceRequest struct {
	PayerID string `cbor:"payer_id"`
	Amount  string `cbor:"amount,omitempty"`
}

type allowanceResponse struct {
	Allowance string `cbor:"allowance"`
}

// HTTPChainClient speaks the counterparty's CBOR-over-HTTP RPC.
type HTTPChainClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPChainClient creates a client for the settlement counterparty at
// baseURL. Per-call deadlines come from the caller's context.
func NewHTTPChainClient(baseURL string, client *http.Client) *HTTPChainClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPChainClient{baseURL: baseURL, client: client}
}

func (c *HTTPChainClient) post(ctx context.Context, path string, req, resp any) error {
	body, err := cbor.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/cbor")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("settlement counterparty unreachable: %w", err)
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			// Close failures on a drained body carry no information.
			_ = err
		}
	}()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("settlement counterparty returned status %d", httpResp.StatusCode)
	}

	if resp == nil {
		return nil
	}
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := cbor.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// CreateEscrow asks the counterparty to open an escrow and returns its
// stable reference.
func (c *HTTPChainClient) CreateEscrow(ctx context.Context, auctionID, payerID, payeeID string, amount decimal.Decimal) (string, error) {
	var resp escrowCreateResponse
	err := c.post(ctx, "/escrow/create", escrowCreateRequest{
		AuctionID: auctionID,
		PayerID:   payerID,
		PayeeID:   payeeID,
		Amount:    amount.String(),
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Ref, nil
}

// FundEscrow moves the payer's funds into the escrow.
func (c *HTTPChainClient) FundEscrow(ctx context.Context, ref string) error {
	return c.post(ctx, "/escrow/fund", escrowOpRequest{Ref: ref}, nil)
}

// ReleaseEscrow transfers escrowed value to the payee.
func (c *HTTPChainClient) ReleaseEscrow(ctx context.Context, ref string) error {
	return c.post(ctx, "/escrow/release", escrowOpRequest{Ref: ref}, nil)
}

// RefundEscrow returns escrowed value to the payer.
func (c *HTTPChainClient) RefundEscrow(ctx context.Context, ref string) error {
	return c.post(ctx, "/escrow/refund", escrowOpRequest{Ref: ref}, nil)
}

// GetEscrow reads the authoritative escrow status.
func (c *HTTPChainClient) GetEscrow(ctx context.Context, ref string) (Status, error) {
	var resp escrowStatusResponse
	if err := c.post(ctx, "/escrow/status", escrowOpRequest{Ref: ref}, &resp); err != nil {
		return "", err
	}
	return Status(resp.Status), nil
}

// CheckAllowance reads the payer's remaining pre-authorized capacity.
func (c *HTTPChainClient) CheckAllowance(ctx context.Context, payerID string) (decimal.Decimal, error) {
	var resp allowanceResponse
	if err := c.post(ctx, "/allowance/check", allowanceRequest{PayerID: payerID}, &resp); err != nil {
		return decimal.Zero, err
	}
	allowance, err := decimal.NewFromString(resp.Allowance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse allowance %q: %w", resp.Allowance, err)
	}
	return allowance, nil
}

// Authorize requests additional transfer capacity for the payer.
func (c *HTTPChainClient) Authorize(ctx context.Context, payerID string, amount decimal.Decimal) error {
	return c.post(ctx, "/allowance/authorize", allowanceRequest{PayerID: payerID, Amount: amount.String()}, nil)
}

// ErrNoCounterparty is returned by UnavailableClient for every call.
var ErrNoCounterparty = fmt.Errorf("no settlement counterparty configured")

// UnavailableClient is a SettlementClient with no counterparty behind it.
// Every call fails, which routes the gateway onto its off-chain fallback;
// useful for deployments that settle entirely on the local ledger.
type UnavailableClient struct{}

func (UnavailableClient) CreateEscrow(ctx context.Context, auctionID, payerID, payeeID string, amount decimal.Decimal) (string, error) {
	return "", ErrNoCounterparty
}

func (UnavailableClient) FundEscrow(ctx context.Context, ref string) error    { return ErrNoCounterparty }
func (UnavailableClient) ReleaseEscrow(ctx context.Context, ref string) error { return ErrNoCounterparty }
func (UnavailableClient) RefundEscrow(ctx context.Context, ref string) error  { return ErrNoCounterparty }

func (UnavailableClient) GetEscrow(ctx context.Context, ref string) (Status, error) {
	return "", ErrNoCounterparty
}

func (UnavailableClient) CheckAllowance(ctx context.Context, payerID string) (decimal.Decimal, error) {
	return decimal.Zero, ErrNoCounterparty
}

func (UnavailableClient) Authorize(ctx context.Context, payerID string, amount decimal.Decimal) error {
	return ErrNoCounterparty
}
