package domain

import "time"

// PaymentState tracks a payment view from invoice creation to settlement.
type PaymentState string

const (
	PaymentStatePending   PaymentState = "PENDING"
	PaymentStateSettled   PaymentState = "SETTLED"
	PaymentStateCompleted PaymentState = "COMPLETED"
	PaymentStateCancelled PaymentState = "CANCELLED"
)

// Invoice is a Lightning payment request minted for one payment view.
// PaymentHash and PaymentRequest always come from the same creation call.
type Invoice struct {
	PaymentHash    string
	PaymentRequest string
	PublicKey      string
	AmountSats     int64
	Memo           string
	CreatedAt      time.Time
	SettledAt      *time.Time
}

// PaymentStatus is the normalized settlement answer from the wallet.
type PaymentStatus struct {
	Paid     bool
	Preimage string
}
