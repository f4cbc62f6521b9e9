// Package payment drives a visitor from "authorization required" to
// "authorization confirmed": it mints an invoice, watches it settle and
// marks the session authorized.
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/events"
	"github.com/spec-kit/relay-access/internal/observability"
	"github.com/spec-kit/relay-access/internal/repository"
	"github.com/spec-kit/relay-access/internal/session"
	"github.com/spec-kit/relay-access/internal/wallet"
	"github.com/spec-kit/relay-access/pkg/util/errorutil"
)

const (
	DefaultAmountSats   = 10000
	DefaultPollInterval = 2 * time.Second
	DefaultSuccessDelay = 1500 * time.Millisecond
	DefaultMemoPrefix   = "Noderunners Relay Access"

	invoiceType = "relay_access"
)

var (
	ErrNoFlow       = errors.New("payment: no active payment view")
	ErrDemoDisabled = errors.New("payment: demo mode disabled")
)

// InvoiceService mints invoices and reports their settlement.
type InvoiceService interface {
	CreateInvoice(ctx context.Context, p wallet.CreateInvoiceParams) (domain.Invoice, error)
	CheckPayment(ctx context.Context, paymentHash string) (domain.PaymentStatus, error)
}

// Options fixes the price point and the polling cadence.
type Options struct {
	AmountSats   int64
	Unit         string
	MemoPrefix   string
	WebhookURL   string
	PollInterval time.Duration
	SuccessDelay time.Duration
	Demo         bool
}

// Outcome tells the caller where the visitor goes next. Redirect is empty
// when a payment view was started.
type Outcome struct {
	Redirect domain.View
	Flow     *Flow
}

// Controller owns the payment views, at most one per session.
type Controller struct {
	invoices   InvoiceService
	ledger     repository.InvoiceRepository
	dispatcher events.Dispatcher
	opts       Options
	logger     *zap.Logger
	metrics    *observability.Metrics

	mu    sync.Mutex
	flows map[string]*Flow
}

// Dependencies bundles the controller's collaborators.
type Dependencies struct {
	Invoices   InvoiceService
	Ledger     repository.InvoiceRepository
	Dispatcher events.Dispatcher
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// NewController builds a controller, filling unset options with defaults.
func NewController(opts Options, deps Dependencies) *Controller {
	if opts.AmountSats <= 0 {
		opts.AmountSats = DefaultAmountSats
	}
	if opts.MemoPrefix == "" {
		opts.MemoPrefix = DefaultMemoPrefix
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.SuccessDelay < 0 {
		opts.SuccessDelay = 0
	} else if opts.SuccessDelay == 0 {
		opts.SuccessDelay = DefaultSuccessDelay
	}
	if deps.Ledger == nil {
		deps.Ledger = repository.NewInvoiceRepository(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		invoices:   deps.Invoices,
		ledger:     deps.Ledger,
		dispatcher: deps.Dispatcher,
		opts:       opts,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
		flows:      make(map[string]*Flow),
	}
}

// Enter starts the payment view for the session. Visitors without a
// session are sent to login; authorized visitors go straight to the
// confirmation view and are never charged again. Otherwise a fresh invoice
// is minted and watched; any earlier view of the same session is dropped.
func (c *Controller) Enter(ctx context.Context, holder *session.Holder) (Outcome, error) {
	if holder == nil {
		return Outcome{Redirect: domain.ViewLogin}, nil
	}
	identity, _ := holder.Snapshot()
	if !identity.Present() {
		return Outcome{Redirect: domain.ViewLogin}, nil
	}
	if identity.IsAuthorized {
		return Outcome{Redirect: domain.ViewThankYou}, nil
	}

	c.Leave(holder.ID())

	invoice, err := c.invoices.CreateInvoice(ctx, wallet.CreateInvoiceParams{
		Amount:  c.opts.AmountSats,
		Memo:    fmt.Sprintf("%s - %s", c.opts.MemoPrefix, identity.PublicKey),
		Unit:    c.opts.Unit,
		Webhook: c.opts.WebhookURL,
		Extra: map[string]any{
			"pubkey": identity.PublicKey,
			"type":   invoiceType,
		},
	})
	if err != nil {
		c.metrics.RecordInvoice("error")
		c.logger.Warn("invoice creation failed", zap.String("session_id", holder.ID()), zap.Error(err))
		return Outcome{}, errorutil.NewRetryable("INVOICE_CREATION_FAILED",
			"failed to generate invoice, please try again", err)
	}
	c.metrics.RecordInvoice("ok")
	invoice.PublicKey = identity.PublicKey

	if err := c.ledger.Create(ctx, &invoice); err != nil {
		c.logger.Warn("invoice ledger write failed", zap.String("payment_hash", invoice.PaymentHash), zap.Error(err))
	}
	c.publish(ctx, events.Event{
		Type:      events.EventInvoiceCreated,
		SessionID: holder.ID(),
		PublicKey: identity.PublicKey,
		Payload: events.InvoiceCreatedPayload{
			PaymentHash: invoice.PaymentHash,
			AmountSats:  invoice.AmountSats,
		},
	})

	flow := newFlow(c, holder, invoice)
	c.mu.Lock()
	// the session may have logged out or switched keys while minting; a
	// logout clears the holder before it leaves the view, so either this
	// check sees it or its Leave sees the stored flow
	if redirect, moved := movedOn(holder, identity.PublicKey); moved {
		c.mu.Unlock()
		flow.cancel()
		c.logger.Info("session changed while minting invoice",
			zap.String("session_id", holder.ID()),
			zap.String("payment_hash", invoice.PaymentHash))
		return Outcome{Redirect: redirect}, nil
	}
	if prev, ok := c.flows[holder.ID()]; ok {
		prev.Cancel()
	}
	c.flows[holder.ID()] = flow
	c.mu.Unlock()

	c.metrics.FlowStarted()
	go flow.run()

	c.logger.Info("payment view started",
		zap.String("session_id", holder.ID()),
		zap.String("payment_hash", invoice.PaymentHash))
	return Outcome{Flow: flow}, nil
}

// Current returns the session's payment view, if any.
func (c *Controller) Current(sessionID string) (*Flow, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flows[sessionID]
	return f, ok
}

// Leave tears down the session's payment view.
func (c *Controller) Leave(sessionID string) bool {
	c.mu.Lock()
	f, ok := c.flows[sessionID]
	delete(c.flows, sessionID)
	c.mu.Unlock()
	if ok {
		f.Cancel()
	}
	return ok
}

// Simulate settles the session's invoice without a payment. Demo only.
func (c *Controller) Simulate(sessionID string) (*Flow, error) {
	if !c.opts.Demo {
		return nil, ErrDemoDisabled
	}
	f, ok := c.Current(sessionID)
	if !ok {
		return nil, ErrNoFlow
	}
	f.settle(true)
	return f, nil
}

// Shutdown cancels every payment view and waits for their goroutines.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	flows := make([]*Flow, 0, len(c.flows))
	for id, f := range c.flows {
		flows = append(flows, f)
		delete(c.flows, id)
	}
	c.mu.Unlock()

	for _, f := range flows {
		f.Cancel()
	}
	for _, f := range flows {
		select {
		case <-f.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// abandon drops a flow whose session no longer belongs to the invoice's key.
func (c *Controller) abandon(f *Flow) {
	c.mu.Lock()
	if c.flows[f.holder.ID()] == f {
		delete(c.flows, f.holder.ID())
	}
	c.mu.Unlock()
	f.Cancel()
	c.logger.Info("payment view outlived its session", zap.String("session_id", f.holder.ID()))
}

// movedOn reports where the visitor belongs when the session no longer
// carries pubkey as an unauthorized identity.
func movedOn(holder *session.Holder, pubkey string) (domain.View, bool) {
	current, _ := holder.Snapshot()
	switch {
	case !current.Present():
		return domain.ViewLogin, true
	case current.PublicKey != pubkey:
		return domain.ViewDashboard, true
	case current.IsAuthorized:
		return domain.ViewThankYou, true
	}
	return "", false
}

// authorize marks the session authorized if it still belongs to pubkey.
// A logout or a different login in the meantime wins.
func (c *Controller) authorize(holder *session.Holder, pubkey string) {
	for {
		current, generation := holder.Snapshot()
		if !current.Present() || current.PublicKey != pubkey {
			c.logger.Info("settled invoice outlived its session", zap.String("session_id", holder.ID()))
			return
		}
		next := current
		next.IsAuthorized = true
		if _, ok := holder.CompareAndSwap(generation, next); ok {
			return
		}
	}
}

func (c *Controller) recordSettlement(f *Flow, at time.Time, simulated bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !simulated {
		c.settleLedger(ctx, f.invoice, at)
	}
	c.publish(ctx, events.Event{
		Type:      events.EventPaymentSettled,
		SessionID: f.holder.ID(),
		PublicKey: f.invoice.PublicKey,
		Payload: events.PaymentSettledPayload{
			PaymentHash: f.invoice.PaymentHash,
			AmountSats:  f.invoice.AmountSats,
			SettledAt:   at,
			Simulated:   simulated,
		},
	})
	c.logger.Info("payment settled",
		zap.String("session_id", f.holder.ID()),
		zap.String("payment_hash", f.invoice.PaymentHash),
		zap.Bool("simulated", simulated))
}

// settleLedger stamps the settlement time once. A row missing because the
// create write failed is backfilled first.
func (c *Controller) settleLedger(ctx context.Context, invoice domain.Invoice, at time.Time) {
	recorded, err := c.ledger.GetByHash(ctx, invoice.PaymentHash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if err := c.ledger.Create(ctx, &invoice); err != nil {
			c.logger.Warn("invoice ledger backfill failed", zap.String("payment_hash", invoice.PaymentHash), zap.Error(err))
			return
		}
	case err != nil:
		c.logger.Warn("invoice ledger read failed", zap.String("payment_hash", invoice.PaymentHash), zap.Error(err))
		return
	case recorded.SettledAt != nil:
		return
	}
	if err := c.ledger.MarkSettled(ctx, invoice.PaymentHash, at); err != nil {
		c.logger.Warn("invoice ledger settle failed", zap.String("payment_hash", invoice.PaymentHash), zap.Error(err))
	}
}

func (c *Controller) publish(ctx context.Context, event events.Event) {
	if c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.Publish(ctx, event); err != nil {
		c.logger.Warn("event handler failed", zap.String("event", string(event.Type)), zap.Error(err))
	}
}
