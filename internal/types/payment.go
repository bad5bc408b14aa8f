package types

import (
	"time"
)

type PaymentStatus string

const (
	PaymentReceived  PaymentStatus = "RECEIVED"
	PaymentBatched   PaymentStatus = "BATCHED"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// Payment is a single client request to pay an address from a named account.
// Rows are immutable business intent; only status, batch reference and
// failure_reason change after admission.
type Payment struct {
	ID               string        `db:"id"`
	ClientID         string        `db:"client_id"`
	AccountName      string        `db:"account_name"`
	Status           PaymentStatus `db:"status"`
	PaymentBatchID   *string       `db:"payment_batch_id"`
	RecipientAddress string        `db:"recipient_address"`
	Amount           int64         `db:"amount"`
	PaymentID        *string       `db:"payment_id"`
	FailureReason    *string       `db:"failure_reason"`
	NotifiedAt       *time.Time    `db:"notified_at"`
	CreatedAt        time.Time     `db:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at"`
}

// NewPayment carries the validated fields of an admission request.
type NewPayment struct {
	ClientID         string
	AccountName      string
	RecipientAddress string
	Amount           int64
	PaymentID        *string
}
