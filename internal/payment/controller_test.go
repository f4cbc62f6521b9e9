package payment

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/events"
	"github.com/spec-kit/relay-access/internal/session"
	"github.com/spec-kit/relay-access/internal/wallet"
	"github.com/spec-kit/relay-access/pkg/util/errorutil"
)

// fakeWallet answers settlement checks from a script; once the script runs
// out the last answer repeats.
type fakeWallet struct {
	hash      string
	createErr error
	delay     time.Duration
	script    []bool
	checkErr  error

	// minting blocks until release is closed when set
	minting chan struct{}
	release chan struct{}

	mu       sync.Mutex
	created  []wallet.CreateInvoiceParams
	checks   int
	inFlight int32
	maxPar   int32
}

func (w *fakeWallet) CreateInvoice(_ context.Context, p wallet.CreateInvoiceParams) (domain.Invoice, error) {
	w.mu.Lock()
	w.created = append(w.created, p)
	w.mu.Unlock()
	if w.release != nil {
		close(w.minting)
		<-w.release
	}
	if w.createErr != nil {
		return domain.Invoice{}, w.createErr
	}
	return domain.Invoice{
		PaymentHash:    w.hash,
		PaymentRequest: "lnbc100u1" + w.hash,
		AmountSats:     p.Amount,
		Memo:           p.Memo,
	}, nil
}

func (w *fakeWallet) CheckPayment(ctx context.Context, hash string) (domain.PaymentStatus, error) {
	n := atomic.AddInt32(&w.inFlight, 1)
	defer atomic.AddInt32(&w.inFlight, -1)
	for {
		peak := atomic.LoadInt32(&w.maxPar)
		if n <= peak || atomic.CompareAndSwapInt32(&w.maxPar, peak, n) {
			break
		}
	}

	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	idx := w.checks
	w.checks++
	if w.checkErr != nil {
		return domain.PaymentStatus{}, w.checkErr
	}
	if len(w.script) == 0 {
		return domain.PaymentStatus{}, nil
	}
	if idx >= len(w.script) {
		idx = len(w.script) - 1
	}
	return domain.PaymentStatus{Paid: w.script[idx]}, nil
}

func (w *fakeWallet) checkCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checks
}

func (w *fakeWallet) createCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.created)
}

func newTestController(t *testing.T, w *fakeWallet, demo bool) (*Controller, *int32) {
	t.Helper()
	dispatcher := events.NewInMemoryDispatcher()
	var settledEvents int32
	dispatcher.Subscribe(events.EventPaymentSettled, func(context.Context, events.Event) error {
		atomic.AddInt32(&settledEvents, 1)
		return nil
	})
	c := NewController(Options{
		AmountSats:   10000,
		Unit:         "sat",
		MemoPrefix:   "Relay Access",
		PollInterval: 5 * time.Millisecond,
		SuccessDelay: 5 * time.Millisecond,
		Demo:         demo,
	}, Dependencies{Invoices: w, Dispatcher: dispatcher})
	t.Cleanup(func() {
		_ = c.Shutdown(context.Background())
	})
	return c, &settledEvents
}

func loggedIn(pubkey string, authorized bool) *session.Holder {
	h := session.NewHolder("sess-1")
	h.Set(domain.Identity{PublicKey: pubkey, IsAuthorized: authorized})
	return h
}

func waitDone(t *testing.T, f *Flow) {
	t.Helper()
	select {
	case <-f.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not finish")
	}
}

func TestEnter_NoSessionRedirectsToLogin(t *testing.T) {
	w := &fakeWallet{hash: "abc123"}
	c, _ := newTestController(t, w, false)

	out, err := c.Enter(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ViewLogin, out.Redirect)

	out, err = c.Enter(context.Background(), session.NewHolder("empty"))
	require.NoError(t, err)
	assert.Equal(t, domain.ViewLogin, out.Redirect)
	assert.Zero(t, w.createCount())
}

func TestEnter_AuthorizedSessionSkipsInvoice(t *testing.T) {
	w := &fakeWallet{hash: "abc123"}
	c, _ := newTestController(t, w, false)

	out, err := c.Enter(context.Background(), loggedIn("pk", true))
	require.NoError(t, err)
	assert.Equal(t, domain.ViewThankYou, out.Redirect)
	assert.Nil(t, out.Flow)
	assert.Zero(t, w.createCount())
}

func TestEnter_CreationFailureStartsNoPolling(t *testing.T) {
	w := &fakeWallet{createErr: errors.New("wallet down")}
	c, _ := newTestController(t, w, false)
	holder := loggedIn("pk", false)

	_, err := c.Enter(context.Background(), holder)
	require.Error(t, err)

	var domainErr *errorutil.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, "INVOICE_CREATION_FAILED", domainErr.Code)
	assert.Equal(t, true, domainErr.Details["retryable"])

	_, ok := c.Current(holder.ID())
	assert.False(t, ok)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, w.checkCount())
}

func TestEnter_BuildsInvoiceParams(t *testing.T) {
	w := &fakeWallet{hash: "abc123"}
	c, _ := newTestController(t, w, false)

	out, err := c.Enter(context.Background(), loggedIn("pk-hex", false))
	require.NoError(t, err)
	require.NotNil(t, out.Flow)

	w.mu.Lock()
	params := w.created[0]
	w.mu.Unlock()
	assert.Equal(t, int64(10000), params.Amount)
	assert.Equal(t, "Relay Access - pk-hex", params.Memo)
	assert.Equal(t, "pk-hex", params.Extra["pubkey"])
	assert.Equal(t, "relay_access", params.Extra["type"])
	assert.Equal(t, "pk-hex", out.Flow.Invoice().PublicKey)
}

func TestFlow_SettlesOnFourthCheckExactlyOnce(t *testing.T) {
	w := &fakeWallet{hash: "abc123", script: []bool{false, false, false, true}}
	c, settled := newTestController(t, w, false)
	holder := loggedIn("pk", false)

	out, err := c.Enter(context.Background(), holder)
	require.NoError(t, err)
	waitDone(t, out.Flow)

	assert.Equal(t, 4, w.checkCount())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, w.checkCount())

	identity, _ := holder.Snapshot()
	assert.True(t, identity.IsAuthorized)
	assert.Equal(t, int32(1), atomic.LoadInt32(settled))

	snap := out.Flow.Snapshot()
	assert.Equal(t, domain.PaymentStateCompleted, snap.State)
	assert.Equal(t, domain.ViewThankYou, snap.Redirect)
	assert.Equal(t, 4, snap.Checks)
	assert.NotNil(t, snap.SettledAt)
}

func TestFlow_AtMostOneCheckInFlight(t *testing.T) {
	w := &fakeWallet{hash: "slow", delay: 20 * time.Millisecond}
	c, _ := newTestController(t, w, false)
	holder := loggedIn("pk", false)

	_, err := c.Enter(context.Background(), holder)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.checkCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
	c.Leave(holder.ID())
	assert.Equal(t, int32(1), atomic.LoadInt32(&w.maxPar))
}

func TestFlow_LeaveStopsPolling(t *testing.T) {
	w := &fakeWallet{hash: "abc123"}
	c, settled := newTestController(t, w, false)
	holder := loggedIn("pk", false)

	out, err := c.Enter(context.Background(), holder)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.checkCount() >= 2 }, time.Second, 2*time.Millisecond)

	assert.True(t, c.Leave(holder.ID()))
	waitDone(t, out.Flow)
	after := w.checkCount()
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, after, w.checkCount())
	assert.Equal(t, domain.PaymentStateCancelled, out.Flow.Snapshot().State)
	assert.Zero(t, atomic.LoadInt32(settled))
	assert.False(t, c.Leave(holder.ID()))
}

func TestFlow_CheckErrorsKeepPolling(t *testing.T) {
	w := &fakeWallet{hash: "abc123", checkErr: errors.New("timeout")}
	c, _ := newTestController(t, w, false)
	holder := loggedIn("pk", false)

	out, err := c.Enter(context.Background(), holder)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.checkCount() >= 5 }, time.Second, 2*time.Millisecond)

	assert.Equal(t, domain.PaymentStatePending, out.Flow.Snapshot().State)
	identity, _ := holder.Snapshot()
	assert.False(t, identity.IsAuthorized)
}

func TestFlow_LogoutIsNotUndoneBySettlement(t *testing.T) {
	w := &fakeWallet{hash: "abc123", script: []bool{false, false, true}}
	c, _ := newTestController(t, w, false)
	holder := loggedIn("pk", false)

	out, err := c.Enter(context.Background(), holder)
	require.NoError(t, err)
	holder.Clear()
	waitDone(t, out.Flow)

	identity, _ := holder.Snapshot()
	assert.False(t, identity.Present())
	assert.False(t, identity.IsAuthorized)
}

func TestEnter_ReplacesPreviousFlow(t *testing.T) {
	w := &fakeWallet{hash: "abc123"}
	c, _ := newTestController(t, w, false)
	holder := loggedIn("pk", false)

	first, err := c.Enter(context.Background(), holder)
	require.NoError(t, err)
	second, err := c.Enter(context.Background(), holder)
	require.NoError(t, err)

	waitDone(t, first.Flow)
	assert.Equal(t, domain.PaymentStateCancelled, first.Flow.Snapshot().State)
	current, ok := c.Current(holder.ID())
	require.True(t, ok)
	assert.Same(t, second.Flow, current)
}

func TestSimulate(t *testing.T) {
	t.Run("disabled outside demo mode", func(t *testing.T) {
		c, _ := newTestController(t, &fakeWallet{hash: "abc123"}, false)
		_, err := c.Simulate("sess-1")
		assert.ErrorIs(t, err, ErrDemoDisabled)
	})

	t.Run("requires a payment view", func(t *testing.T) {
		c, _ := newTestController(t, &fakeWallet{hash: "abc123"}, true)
		_, err := c.Simulate("sess-1")
		assert.ErrorIs(t, err, ErrNoFlow)
	})

	t.Run("settles once", func(t *testing.T) {
		w := &fakeWallet{hash: "abc123", delay: 50 * time.Millisecond}
		c, settled := newTestController(t, w, true)
		holder := loggedIn("pk", false)

		out, err := c.Enter(context.Background(), holder)
		require.NoError(t, err)
		_, err = c.Simulate(holder.ID())
		require.NoError(t, err)
		_, err = c.Simulate(holder.ID())
		require.NoError(t, err)
		waitDone(t, out.Flow)

		identity, _ := holder.Snapshot()
		assert.True(t, identity.IsAuthorized)
		assert.Equal(t, int32(1), atomic.LoadInt32(settled))
		assert.Equal(t, domain.PaymentStateCompleted, out.Flow.Snapshot().State)
	})
}

func TestShutdownWaitsForFlows(t *testing.T) {
	w := &fakeWallet{hash: "abc123"}
	c, _ := newTestController(t, w, false)

	out, err := c.Enter(context.Background(), loggedIn("pk", false))
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(context.Background()))
	select {
	case <-out.Flow.Done():
	default:
		t.Fatal("flow still running after shutdown")
	}
}

func TestEnter_LogoutWhileMintingStartsNoPolling(t *testing.T) {
	w := &fakeWallet{hash: "abc123", minting: make(chan struct{}), release: make(chan struct{})}
	c, _ := newTestController(t, w, false)
	holder := loggedIn("pk", false)

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.Enter(context.Background(), holder)
		done <- result{out, err}
	}()

	<-w.minting
	holder.Clear()
	c.Leave(holder.ID())
	close(w.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Nil(t, res.out.Flow)
	assert.Equal(t, domain.ViewLogin, res.out.Redirect)

	_, ok := c.Current(holder.ID())
	assert.False(t, ok)
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, w.checkCount())
}

func TestEnter_KeySwitchWhileMintingStartsNoPolling(t *testing.T) {
	w := &fakeWallet{hash: "abc123", minting: make(chan struct{}), release: make(chan struct{})}
	c, _ := newTestController(t, w, false)
	holder := loggedIn("npub1old", false)

	done := make(chan Outcome, 1)
	go func() {
		out, _ := c.Enter(context.Background(), holder)
		done <- out
	}()

	<-w.minting
	holder.Set(domain.Identity{PublicKey: "npub1new"})
	close(w.release)

	out := <-done
	assert.Nil(t, out.Flow)
	assert.Equal(t, domain.ViewDashboard, out.Redirect)
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, w.checkCount())
}

func TestFlow_StopsWhenSessionChangesHands(t *testing.T) {
	cases := map[string]func(h *session.Holder){
		"logout":   func(h *session.Holder) { h.Clear() },
		"re-login": func(h *session.Holder) { h.Set(domain.Identity{PublicKey: "npub1new"}) },
	}
	for name, change := range cases {
		t.Run(name, func(t *testing.T) {
			w := &fakeWallet{hash: "abc123"}
			c, settled := newTestController(t, w, false)
			holder := loggedIn("npub1old", false)

			out, err := c.Enter(context.Background(), holder)
			require.NoError(t, err)
			require.Eventually(t, func() bool { return w.checkCount() >= 2 }, time.Second, 2*time.Millisecond)

			change(holder)
			waitDone(t, out.Flow)
			after := w.checkCount()
			time.Sleep(40 * time.Millisecond)

			assert.Equal(t, after, w.checkCount())
			assert.Equal(t, domain.PaymentStateCancelled, out.Flow.Snapshot().State)
			assert.Zero(t, atomic.LoadInt32(settled))
			_, ok := c.Current(holder.ID())
			assert.False(t, ok)
		})
	}
}

type fakeLedger struct {
	mu        sync.Mutex
	rows      map[string]*domain.Invoice
	createErr error
	creates   int
	settles   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]*domain.Invoice{}}
}

func (l *fakeLedger) Create(_ context.Context, inv *domain.Invoice) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creates++
	if l.createErr != nil {
		err := l.createErr
		l.createErr = nil
		return err
	}
	row := *inv
	l.rows[inv.PaymentHash] = &row
	return nil
}

func (l *fakeLedger) MarkSettled(_ context.Context, hash string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.settles++
	if row, ok := l.rows[hash]; ok && row.SettledAt == nil {
		row.SettledAt = &at
	}
	return nil
}

func (l *fakeLedger) GetByHash(_ context.Context, hash string) (*domain.Invoice, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[hash]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *row
	return &cp, nil
}

func (l *fakeLedger) row(hash string) (domain.Invoice, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[hash]
	if !ok {
		return domain.Invoice{}, false
	}
	return *row, true
}

func TestSettlement_LedgerBackfillsMissingRow(t *testing.T) {
	ledger := newFakeLedger()
	ledger.createErr = errors.New("db down")
	w := &fakeWallet{hash: "abc123", script: []bool{true}}
	c := NewController(Options{PollInterval: 5 * time.Millisecond, SuccessDelay: time.Millisecond},
		Dependencies{Invoices: w, Ledger: ledger})
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

	out, err := c.Enter(context.Background(), loggedIn("pk", false))
	require.NoError(t, err)
	waitDone(t, out.Flow)

	row, ok := ledger.row("abc123")
	require.True(t, ok)
	assert.Equal(t, "pk", row.PublicKey)
	assert.NotNil(t, row.SettledAt)
	assert.Equal(t, 2, ledger.creates)
}

func TestSettlement_LedgerAlreadySettledIsLeftAlone(t *testing.T) {
	ledger := newFakeLedger()
	earlier := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger.rows["abc123"] = &domain.Invoice{PaymentHash: "abc123", SettledAt: &earlier}

	c := NewController(Options{}, Dependencies{Invoices: &fakeWallet{}, Ledger: ledger})
	c.settleLedger(context.Background(), domain.Invoice{PaymentHash: "abc123"}, time.Now())

	assert.Zero(t, ledger.settles)
	row, _ := ledger.row("abc123")
	assert.Equal(t, earlier, *row.SettledAt)
}

func TestFlow_RejectedChecksAreLoggedLoudly(t *testing.T) {
	cases := map[string]struct {
		status int
		warned bool
	}{
		"unauthorized key": {http.StatusUnauthorized, true},
		"wallet outage":    {http.StatusServiceUnavailable, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			core, logs := observer.New(zap.WarnLevel)
			w := &fakeWallet{hash: "abc123", checkErr: &wallet.StatusError{StatusCode: tc.status}}
			c := NewController(Options{PollInterval: 2 * time.Millisecond},
				Dependencies{Invoices: w, Logger: zap.New(core)})
			t.Cleanup(func() { _ = c.Shutdown(context.Background()) })

			_, err := c.Enter(context.Background(), loggedIn("pk", false))
			require.NoError(t, err)
			require.Eventually(t, func() bool { return w.checkCount() >= 3 }, time.Second, 2*time.Millisecond)

			warned := logs.FilterMessage("settlement check rejected").Len() > 0
			assert.Equal(t, tc.warned, warned)
		})
	}
}
