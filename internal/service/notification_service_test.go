package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/relay-access/internal/config"
	"github.com/spec-kit/relay-access/internal/events"
)

func TestNotificationService_DeliversSettlementWebhook(t *testing.T) {
	received := make(chan events.Event, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e events.Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&e))
		received <- e
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dispatcher := events.NewInMemoryDispatcher()
	svc := NewNotificationService(dispatcher, zap.NewNop(), config.NotificationConfig{WebhookURL: srv.URL})
	svc.RegisterHandlers()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.Run(ctx) }()

	require.NoError(t, dispatcher.Publish(ctx, events.Event{Type: events.EventSessionStarted, SessionID: "s1"}))
	require.NoError(t, dispatcher.Publish(ctx, events.Event{
		Type:      events.EventPaymentSettled,
		SessionID: "s1",
		PublicKey: "pk",
		Payload:   events.PaymentSettledPayload{PaymentHash: "abc123", AmountSats: 10000},
	}))

	select {
	case e := <-received:
		assert.Equal(t, events.EventPaymentSettled, e.Type)
		assert.Equal(t, "pk", e.PublicKey)
		assert.NotEmpty(t, e.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	select {
	case e := <-received:
		t.Fatalf("unexpected webhook for %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotificationService_ClientErrorsAreNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	svc := NewNotificationService(nil, zap.NewNop(), config.NotificationConfig{WebhookURL: srv.URL})
	err := svc.deliver(context.Background(), events.Event{Type: events.EventInvoiceCreated})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestNotificationService_NoWebhookConfigured(t *testing.T) {
	svc := NewNotificationService(events.NewInMemoryDispatcher(), nil, config.NotificationConfig{})
	svc.enqueue(events.Event{Type: events.EventPaymentSettled})
	assert.Len(t, svc.queue, 0)
}
