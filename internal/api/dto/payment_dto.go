package dto

import (
	"time"

	"github.com/spec-kit/relay-access/internal/payment"
)

// PaymentResponse describes the current payment view.
type PaymentResponse struct {
	State          string     `json:"state"`
	PaymentHash    string     `json:"payment_hash"`
	PaymentRequest string     `json:"payment_request"`
	AmountSats     int64      `json:"amount_sats"`
	Memo           string     `json:"memo"`
	Checks         int        `json:"checks"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
	Redirect       string     `json:"redirect,omitempty"`
}

// PaymentFrom maps a flow snapshot. embedded keeps the iframe marker on the
// redirect.
func PaymentFrom(s payment.Snapshot, embedded bool) PaymentResponse {
	resp := PaymentResponse{
		State:          string(s.State),
		PaymentHash:    s.Invoice.PaymentHash,
		PaymentRequest: s.Invoice.PaymentRequest,
		AmountSats:     s.Invoice.AmountSats,
		Memo:           s.Invoice.Memo,
		Checks:         s.Checks,
		SettledAt:      s.SettledAt,
	}
	if s.Redirect != "" {
		resp.Redirect = s.Redirect.Path(embedded)
	}
	return resp
}
