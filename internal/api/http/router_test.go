package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/relay-access/internal/api/http/handlers"
	"github.com/spec-kit/relay-access/internal/auth"
	"github.com/spec-kit/relay-access/internal/domain"
	"github.com/spec-kit/relay-access/internal/identity"
	"github.com/spec-kit/relay-access/internal/nostrauth"
	"github.com/spec-kit/relay-access/internal/observability"
	"github.com/spec-kit/relay-access/internal/payment"
	"github.com/spec-kit/relay-access/internal/service"
	"github.com/spec-kit/relay-access/internal/session"
	"github.com/spec-kit/relay-access/internal/status"
	"github.com/spec-kit/relay-access/internal/wallet"
)

type stubWallet struct {
	mu        sync.Mutex
	createErr error
	paid      bool
	created   int
}

func (w *stubWallet) CreateInvoice(_ context.Context, p wallet.CreateInvoiceParams) (domain.Invoice, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.created++
	if w.createErr != nil {
		return domain.Invoice{}, w.createErr
	}
	return domain.Invoice{PaymentHash: "abc123", PaymentRequest: "lnbc1abc", AmountSats: p.Amount, Memo: p.Memo}, nil
}

func (w *stubWallet) CheckPayment(context.Context, string) (domain.PaymentStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return domain.PaymentStatus{Paid: w.paid}, nil
}

type stubRelay struct {
	whitelisted bool
	granted     []string
}

func (r *stubRelay) CheckAuthorization(context.Context, string) domain.Authorization {
	return domain.Authorization{IsWhitelisted: r.whitelisted}
}

func (r *stubRelay) Whitelist(_ context.Context, pubkey string) error {
	r.granted = append(r.granted, pubkey)
	return nil
}

type testServer struct {
	app    *fiber.App
	wallet *stubWallet
	relay  *stubRelay
}

const adminKey = "operator-key"

func newTestServer(t *testing.T, demo bool) *testServer {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	ts := &testServer{wallet: &stubWallet{}, relay: &stubRelay{}}
	payments := payment.NewController(payment.Options{
		PollInterval: 5 * time.Millisecond,
		SuccessDelay: 5 * time.Millisecond,
		Demo:         demo,
	}, payment.Dependencies{Invoices: ts.wallet, Logger: logger, Metrics: metrics})
	t.Cleanup(func() { _ = payments.Shutdown(context.Background()) })

	sessions := session.NewRegistry(100, time.Hour, func(id string) { payments.Leave(id) })
	tokens := auth.NewTokenManager("secret", time.Hour)
	access := service.NewAccessService(service.AccessOptions{RelayURL: "wss://relay.example.com", Demo: demo}, service.AccessDependencies{
		Sessions:   sessions,
		Tokens:     tokens,
		Bridge:     identity.NewBridge(identity.Options{WaitAttempts: 2, WaitInterval: time.Millisecond}, logger, metrics),
		Challenges: nostrauth.NewService(nostrauth.NewMemoryStore(), time.Minute),
		Authorizer: ts.relay,
		Whitelist:  ts.relay,
		Payments:   payments,
		Logger:     logger,
	})
	hash, err := auth.HashAPIKey(adminKey, bcrypt.MinCost)
	require.NoError(t, err)

	ts.app = fiber.New()
	RegisterMiddlewares(ts.app, logger, metrics, time.Second)
	RegisterRoutes(ts.app, RouteConfig{
		Health:   handlers.NewHealthHandler("relay-access", "test", nil),
		Sessions: handlers.NewSessionHandler(access),
		Payments: handlers.NewPaymentHandler(payments),
		Status:   handlers.NewStatusHandler(status.NewService(nil, nil, nil, status.Options{Demo: true}, logger)),
		Session:  auth.NewSessionMiddleware(tokens, sessions),
		Admin:    auth.NewAPIKeyVerifier(hash),
		Metrics:  metrics.Registry,
	})
	return ts
}

type envelope struct {
	Data  map[string]any `json:"data"`
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp.StatusCode, env
}

func (ts *testServer) login(t *testing.T, pubkey string) string {
	t.Helper()
	code, env := ts.do(t, nethttp.MethodPost, "/auth/login/manual", "", map[string]string{"pubkey": pubkey})
	require.Equal(t, nethttp.StatusOK, code)
	authData := env.Data["auth"].(map[string]any)
	return authData["token"].(string)
}

func TestPaymentWithoutSessionRedirectsToLogin(t *testing.T) {
	ts := newTestServer(t, false)

	code, env := ts.do(t, nethttp.MethodPost, "/payment", "", nil)
	assert.Equal(t, nethttp.StatusUnauthorized, code)
	assert.Equal(t, "LOGIN_REQUIRED", env.Error.Code)
	assert.Equal(t, "/login", env.Error.Details["redirect"])

	code, env = ts.do(t, nethttp.MethodPost, "/payment?iframe=1", "not-a-token", nil)
	assert.Equal(t, nethttp.StatusUnauthorized, code)
	assert.Equal(t, "/login?iframe=1", env.Error.Details["redirect"])
	assert.Zero(t, ts.wallet.created)
}

func TestManualLoginRejectsBlankKey(t *testing.T) {
	ts := newTestServer(t, false)
	code, env := ts.do(t, nethttp.MethodPost, "/auth/login/manual", "", map[string]string{"pubkey": "  "})
	assert.Equal(t, nethttp.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_FAILED", env.Error.Code)
}

func TestWhitelistedVisitorSkipsPayment(t *testing.T) {
	ts := newTestServer(t, false)
	ts.relay.whitelisted = true
	token := ts.login(t, "pk")

	code, env := ts.do(t, nethttp.MethodGet, "/dashboard", token, nil)
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, "/thank-you", env.Data["redirect"])
	assert.Equal(t, true, env.Data["user"].(map[string]any)["is_whitelisted"])

	code, env = ts.do(t, nethttp.MethodPost, "/payment", token, nil)
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, "/thank-you", env.Data["redirect"])
	assert.Zero(t, ts.wallet.created)
}

func TestPaymentLifecycle(t *testing.T) {
	ts := newTestServer(t, false)
	token := ts.login(t, "pk")

	code, env := ts.do(t, nethttp.MethodGet, "/dashboard", token, nil)
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, "/payment", env.Data["redirect"])

	code, env = ts.do(t, nethttp.MethodPost, "/payment", token, nil)
	require.Equal(t, nethttp.StatusCreated, code)
	assert.Equal(t, "abc123", env.Data["payment_hash"])
	assert.Equal(t, "lnbc1abc", env.Data["payment_request"])
	assert.Equal(t, "Noderunners Relay Access - pk", env.Data["memo"])
	assert.Equal(t, float64(10000), env.Data["amount_sats"])

	code, env = ts.do(t, nethttp.MethodGet, "/payment", token, nil)
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, "PENDING", env.Data["state"])

	code, _ = ts.do(t, nethttp.MethodDelete, "/payment", token, nil)
	require.Equal(t, nethttp.StatusNoContent, code)

	code, env = ts.do(t, nethttp.MethodGet, "/payment", token, nil)
	assert.Equal(t, nethttp.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestPaymentSettlesAndRedirects(t *testing.T) {
	ts := newTestServer(t, false)
	ts.wallet.paid = true
	token := ts.login(t, "pk")

	code, _ := ts.do(t, nethttp.MethodPost, "/payment?iframe=1", token, nil)
	require.Equal(t, nethttp.StatusCreated, code)

	require.Eventually(t, func() bool {
		_, env := ts.do(t, nethttp.MethodGet, "/payment?iframe=1", token, nil)
		return env.Data["state"] == "COMPLETED" && env.Data["redirect"] == "/thank-you?iframe=1"
	}, 2*time.Second, 10*time.Millisecond)

	code, env := ts.do(t, nethttp.MethodGet, "/session", token, nil)
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, true, env.Data["is_whitelisted"])

	code, env = ts.do(t, nethttp.MethodGet, "/thank-you", token, nil)
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, "wss://relay.example.com", env.Data["relay_url"])
}

func TestInvoiceFailureIsRetryable(t *testing.T) {
	ts := newTestServer(t, false)
	ts.wallet.createErr = errors.New("wallet down")
	token := ts.login(t, "pk")

	code, env := ts.do(t, nethttp.MethodPost, "/payment", token, nil)
	assert.Equal(t, nethttp.StatusBadGateway, code)
	assert.Equal(t, "INVOICE_CREATION_FAILED", env.Error.Code)
	assert.Equal(t, true, env.Error.Details["retryable"])

	code, _ = ts.do(t, nethttp.MethodGet, "/payment", token, nil)
	assert.Equal(t, nethttp.StatusNotFound, code)
}

func TestLogoutEndsSession(t *testing.T) {
	ts := newTestServer(t, false)
	token := ts.login(t, "pk")

	code, env := ts.do(t, nethttp.MethodPost, "/auth/logout", token, nil)
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, "/login", env.Data["redirect"])

	code, env = ts.do(t, nethttp.MethodGet, "/dashboard", token, nil)
	assert.Equal(t, nethttp.StatusUnauthorized, code)
	assert.Equal(t, "LOGIN_REQUIRED", env.Error.Code)
}

func TestSimulateOnlyInDemoMode(t *testing.T) {
	ts := newTestServer(t, false)
	token := ts.login(t, "pk")
	code, _ := ts.do(t, nethttp.MethodPost, "/payment", token, nil)
	require.Equal(t, nethttp.StatusCreated, code)

	code, env := ts.do(t, nethttp.MethodPost, "/payment/simulate", token, nil)
	assert.Equal(t, nethttp.StatusForbidden, code)
	assert.Equal(t, "DEMO_DISABLED", env.Error.Code)

	demo := newTestServer(t, true)
	token = demo.login(t, "pk")
	code, _ = demo.do(t, nethttp.MethodPost, "/payment", token, nil)
	require.Equal(t, nethttp.StatusCreated, code)
	code, env = demo.do(t, nethttp.MethodPost, "/payment/simulate", token, nil)
	require.Equal(t, nethttp.StatusOK, code)
	assert.Contains(t, []any{"SETTLED", "COMPLETED"}, env.Data["state"])
}

func TestStatusAndOperationalRoutes(t *testing.T) {
	ts := newTestServer(t, false)

	code, env := ts.do(t, nethttp.MethodGet, "/status", "", nil)
	require.Equal(t, nethttp.StatusOK, code)
	assert.Equal(t, "99.99%", env.Data["uptime"])
	assert.Equal(t, float64(421), env.Data["registered_users"])

	code, _ = ts.do(t, nethttp.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, nethttp.StatusOK, code)

	resp, err := ts.app.Test(httptest.NewRequest(nethttp.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "relay_access_http_requests_total")

	code, env = ts.do(t, nethttp.MethodGet, "/nope", "", nil)
	assert.Equal(t, nethttp.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", env.Error.Code)
}

func TestAdminWhitelist(t *testing.T) {
	ts := newTestServer(t, false)

	code, env := ts.do(t, nethttp.MethodPost, "/admin/whitelist", "", map[string]string{"pubkey": "npub1x"})
	assert.Equal(t, nethttp.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	req := httptest.NewRequest(nethttp.MethodPost, "/admin/whitelist", strings.NewReader(`{"pubkey":"npub1x"}`))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	req.Header.Set(auth.HeaderAPIKey, adminKey)
	resp, err := ts.app.Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, nethttp.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"npub1x"}, ts.relay.granted)
}
