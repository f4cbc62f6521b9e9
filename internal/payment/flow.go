package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/session"
)

// Snapshot is a read-only view of a flow for the client.
type Snapshot struct {
	State     domain.PaymentState
	Invoice   domain.Invoice
	Checks    int
	SettledAt *time.Time
	Redirect  domain.View
}

// Flow watches one invoice until it settles or the view is torn down. It
// runs as a single goroutine, so at most one settlement check is in flight
// and nothing runs after Cancel returns control to the loop.
type Flow struct {
	controller *Controller
	holder     *session.Holder
	invoice    domain.Invoice

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	settleOnce sync.Once
	settled    chan struct{}

	mu        sync.Mutex
	state     domain.PaymentState
	checks    int
	settledAt *time.Time
	simulated bool
}

func newFlow(c *Controller, holder *session.Holder, invoice domain.Invoice) *Flow {
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		controller: c,
		holder:     holder,
		invoice:    invoice,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		settled:    make(chan struct{}),
		state:      domain.PaymentStatePending,
	}
}

// Invoice returns the invoice being watched.
func (f *Flow) Invoice() domain.Invoice {
	return f.invoice
}

// Done is closed once the flow's goroutine has exited.
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// Snapshot returns the flow's current state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Snapshot{
		State:     f.state,
		Invoice:   f.invoice,
		Checks:    f.checks,
		SettledAt: f.settledAt,
	}
	if f.state == domain.PaymentStateCompleted {
		s.Redirect = domain.ViewThankYou
	}
	return s
}

// Cancel tears the flow down. Polling stops and no further side effects
// happen; a settled flow keeps its state.
func (f *Flow) Cancel() {
	f.mu.Lock()
	if f.state == domain.PaymentStatePending {
		f.state = domain.PaymentStateCancelled
	}
	f.mu.Unlock()
	f.cancel()
}

func (f *Flow) run() {
	defer close(f.done)
	defer f.controller.metrics.FlowStopped()

	if !f.poll() {
		return
	}

	// hold the success state briefly before sending the visitor on
	timer := time.NewTimer(f.controller.opts.SuccessDelay)
	defer timer.Stop()
	select {
	case <-f.ctx.Done():
		return
	case <-timer.C:
	}

	f.mu.Lock()
	f.state = domain.PaymentStateCompleted
	f.mu.Unlock()
}

// poll checks settlement on every tick until the invoice is paid (true) or
// the flow is cancelled (false). There is no attempt cap.
func (f *Flow) poll() bool {
	ticker := time.NewTicker(f.controller.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return false
		case <-f.settled:
			return true
		case <-ticker.C:
		}

		if !f.ownerCurrent() {
			f.controller.abandon(f)
			return false
		}
		if f.check() {
			return true
		}
	}
}

func (f *Flow) check() bool {
	c := f.controller
	status, err := c.invoices.CheckPayment(f.ctx, f.invoice.PaymentHash)

	f.mu.Lock()
	f.checks++
	f.mu.Unlock()

	if f.ctx.Err() != nil {
		return false
	}
	if err != nil {
		c.metrics.RecordSettlementCheck("error")
		var temp interface{ Temporary() bool }
		if errors.As(err, &temp) && !temp.Temporary() {
			// retrying will not help; most likely a bad key or hash
			c.logger.Warn("settlement check rejected",
				zap.String("payment_hash", f.invoice.PaymentHash),
				zap.Error(err))
		} else {
			c.logger.Debug("settlement check failed",
				zap.String("payment_hash", f.invoice.PaymentHash),
				zap.Error(err))
		}
		return false
	}
	if !status.Paid {
		c.metrics.RecordSettlementCheck("unpaid")
		return false
	}

	c.metrics.RecordSettlementCheck("paid")
	return f.settle(false)
}

// ownerCurrent reports whether the session still holds the key the invoice
// was minted for.
func (f *Flow) ownerCurrent() bool {
	current, _ := f.holder.Snapshot()
	return current.Present() && current.PublicKey == f.invoice.PublicKey
}

// settle runs the success transition exactly once per invoice.
func (f *Flow) settle(simulated bool) bool {
	fired := false
	f.settleOnce.Do(func() {
		if f.ctx.Err() != nil {
			return
		}
		fired = true
		now := time.Now().UTC()

		f.mu.Lock()
		f.state = domain.PaymentStateSettled
		f.settledAt = &now
		f.simulated = simulated
		f.mu.Unlock()

		f.controller.authorize(f.holder, f.invoice.PublicKey)
		close(f.settled)
		f.controller.recordSettlement(f, now, simulated)
	})
	return fired
}
