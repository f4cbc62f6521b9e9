package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/spec-kit/relay-access/internal/config"
	"github.com/spec-kit/relay-access/internal/events"
)

const (
	notificationQueueSize = 64
	webhookAttempts       = 3
)

// NotificationService logs access events and forwards invoice and
// settlement events to the operator webhook.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
	client     *http.Client
	queue      chan events.Event
}

// NewNotificationService creates the service.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		client:     &http.Client{Timeout: 5 * time.Second},
		queue:      make(chan events.Event, notificationQueueSize),
	}
}

// RegisterHandlers subscribes to events.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventSessionStarted, n.handleSessionStarted)
	n.dispatcher.Subscribe(events.EventSessionEnded, n.handleSessionEnded)
	n.dispatcher.Subscribe(events.EventInvoiceCreated, n.handleInvoiceCreated)
	n.dispatcher.Subscribe(events.EventPaymentSettled, n.handlePaymentSettled)
}

// Run delivers queued webhooks until ctx is done.
func (n *NotificationService) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-n.queue:
			if err := n.deliver(ctx, event); err != nil {
				n.logger.Warn("webhook delivery failed",
					zap.String("event_id", event.ID),
					zap.String("event_type", string(event.Type)),
					zap.Error(err))
			}
		}
	}
}

func (n *NotificationService) handleSessionStarted(_ context.Context, event events.Event) error {
	n.logger.Info("SessionStarted", zap.String("session_id", event.SessionID), zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleSessionEnded(_ context.Context, event events.Event) error {
	n.logger.Info("SessionEnded", zap.String("session_id", event.SessionID))
	return nil
}

func (n *NotificationService) handleInvoiceCreated(_ context.Context, event events.Event) error {
	n.logger.Info("InvoiceCreated", zap.String("session_id", event.SessionID), zap.Any("payload", event.Payload))
	n.enqueue(event)
	return nil
}

func (n *NotificationService) handlePaymentSettled(_ context.Context, event events.Event) error {
	n.logger.Info("PaymentSettled", zap.String("session_id", event.SessionID), zap.Any("payload", event.Payload))
	n.enqueue(event)
	return nil
}

// enqueue never blocks the publisher; a full queue drops the webhook.
func (n *NotificationService) enqueue(event events.Event) {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		return
	}
	select {
	case n.queue <- event:
	default:
		n.logger.Warn("notification queue full; dropping webhook",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
	}
}

func (n *NotificationService) deliver(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookAttempts-1),
		ctx,
	)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("webhook: status %d", resp.StatusCode)
		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("webhook: status %d", resp.StatusCode))
		}
		n.logger.Debug("webhook delivered",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)))
		return nil
	}, policy)
}
