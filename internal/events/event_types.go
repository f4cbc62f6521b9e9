package events

import (
	"time"
)

// EventType enumerates supported event identifiers.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventInvoiceCreated EventType = "invoice_created"
	EventPaymentSettled EventType = "payment_settled"
)

// Event represents a domain event emitted by services.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	PublicKey string      `json:"pubkey,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// SessionStartedPayload payload.
type SessionStartedPayload struct {
	Path string `json:"path"`
}

// InvoiceCreatedPayload payload.
type InvoiceCreatedPayload struct {
	PaymentHash string `json:"payment_hash"`
	AmountSats  int64  `json:"amount_sats"`
}

// PaymentSettledPayload payload.
type PaymentSettledPayload struct {
	PaymentHash string    `json:"payment_hash"`
	AmountSats  int64     `json:"amount_sats"`
	SettledAt   time.Time `json:"settled_at"`
	Simulated   bool      `json:"simulated,omitempty"`
}
