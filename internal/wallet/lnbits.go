// Package wallet is a client for the LNbits wallet API used to mint relay
// access invoices and watch them settle.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spec-kit/relay-access/internal/domain"
)

var ErrIncompleteInvoice = errors.New("wallet: invoice response lacks payment hash or request")

// StatusError carries an unexpected HTTP status from LNbits.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lnbits: status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the failure is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// CreateInvoiceParams describes an incoming payment request.
type CreateInvoiceParams struct {
	Amount   int64
	Memo     string
	Unit     string
	Webhook  string
	Internal bool
	Extra    map[string]any
}

// WalletInfo is the subset of /api/v1/wallet the service reads.
type WalletInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// Client is an LNbits API client authenticated with an invoice key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	now     func() time.Time
}

// NewClient builds a client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

type createInvoicePayload struct {
	Out      bool           `json:"out"`
	Amount   int64          `json:"amount"`
	Memo     string         `json:"memo"`
	Unit     string         `json:"unit,omitempty"`
	Webhook  string         `json:"webhook,omitempty"`
	Internal bool           `json:"internal"`
	Extra    map[string]any `json:"extra,omitempty"`
}

type invoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Bolt11         string `json:"bolt11"`
	Amount         int64  `json:"amount"`
	Memo           string `json:"memo"`
}

// CreateInvoice mints an incoming invoice. Older and newer LNbits versions
// name the encoded request payment_request or bolt11; either is accepted.
func (c *Client) CreateInvoice(ctx context.Context, p CreateInvoiceParams) (domain.Invoice, error) {
	payload := createInvoicePayload{
		Out:      false,
		Amount:   p.Amount,
		Memo:     p.Memo,
		Unit:     p.Unit,
		Webhook:  p.Webhook,
		Internal: p.Internal,
	}
	if len(p.Extra) > 0 {
		payload.Extra = p.Extra
	}

	var body invoiceResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/payments", payload, &body); err != nil {
		return domain.Invoice{}, fmt.Errorf("create invoice: %w", err)
	}

	request := body.PaymentRequest
	if request == "" {
		request = body.Bolt11
	}
	if body.PaymentHash == "" || request == "" {
		return domain.Invoice{}, ErrIncompleteInvoice
	}

	return domain.Invoice{
		PaymentHash:    body.PaymentHash,
		PaymentRequest: request,
		AmountSats:     p.Amount,
		Memo:           p.Memo,
		CreatedAt:      c.now().UTC(),
	}, nil
}

// paymentStatusPayload is the union of the settlement shapes LNbits has
// returned over time.
type paymentStatusPayload struct {
	Paid     *bool  `json:"paid"`
	Status   string `json:"status"`
	Settled  *bool  `json:"settled"`
	Preimage string `json:"preimage"`
}

// settled checks the known shapes in order: paid, then status, then settled.
func (p paymentStatusPayload) settled() bool {
	if p.Paid != nil && *p.Paid {
		return true
	}
	if p.Status == "paid" {
		return true
	}
	return p.Settled != nil && *p.Settled
}

// CheckPayment reports whether the invoice with the given hash has settled.
func (c *Client) CheckPayment(ctx context.Context, paymentHash string) (domain.PaymentStatus, error) {
	var body paymentStatusPayload
	if err := c.do(ctx, http.MethodGet, "/api/v1/payments/"+url.PathEscape(paymentHash), nil, &body); err != nil {
		return domain.PaymentStatus{}, fmt.Errorf("check payment: %w", err)
	}
	return domain.PaymentStatus{Paid: body.settled(), Preimage: body.Preimage}, nil
}

// Info returns wallet details; used as a readiness probe.
func (c *Client) Info(ctx context.Context) (WalletInfo, error) {
	var info WalletInfo
	if err := c.do(ctx, http.MethodGet, "/api/v1/wallet", nil, &info); err != nil {
		return WalletInfo{}, fmt.Errorf("wallet info: %w", err)
	}
	return info, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var reader io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
