// Package msqpay contains the shared domain model for the gasless payment
// relay pipeline: payments, forward requests, relay records and the
// normalized status vocabularies used across components.
package msqpay

import (
	"math/big"
	"time"
)

// PaymentStatus is the lifecycle status of a payment record.
type PaymentStatus string

const (
	PaymentStatusCreated   PaymentStatus = "CREATED"
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSubmitted PaymentStatus = "SUBMITTED"
	PaymentStatusConfirmed PaymentStatus = "CONFIRMED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// rank orders payment statuses along the forward-only lifecycle.
// CONFIRMED and FAILED share a rank so neither can replace the other.
func (s PaymentStatus) rank() int {
	switch s {
	case PaymentStatusCreated:
		return 0
	case PaymentStatusPending:
		return 1
	case PaymentStatusSubmitted:
		return 2
	case PaymentStatusConfirmed, PaymentStatusFailed:
		return 3
	case PaymentStatusRefunded:
		return 4
	default:
		return -1
	}
}

// Terminal reports whether no further lifecycle transition is allowed
// except refund bookkeeping on a confirmed payment.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusConfirmed || s == PaymentStatusFailed || s == PaymentStatusRefunded
}

// CanTransitionTo reports whether moving from s to next preserves the
// monotonic payment lifecycle. A confirmed payment may still move to
// REFUNDED; FAILED and REFUNDED accept nothing.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s.rank() < 0 || next.rank() < 0 || s == next {
		return false
	}
	if s == PaymentStatusFailed || s == PaymentStatusRefunded {
		return false
	}
	if s == PaymentStatusConfirmed {
		return next == PaymentStatusRefunded
	}
	return next.rank() > s.rank()
}

// RelayStatus is the normalized relay transaction status. Backend-specific
// vocabularies are collapsed into this closed enum by the relayer package.
type RelayStatus string

const (
	RelayStatusPending   RelayStatus = "pending"
	RelayStatusMined     RelayStatus = "mined"
	RelayStatusConfirmed RelayStatus = "confirmed"
	RelayStatusFailed    RelayStatus = "failed"
)

// Terminal reports whether the relay reached a final state.
func (s RelayStatus) Terminal() bool {
	return s == RelayStatusMined || s == RelayStatusConfirmed || s == RelayStatusFailed
}

// Payment is a server-approved payment authorization. The ID is a
// content-addressed bytes32 hash; Amount is in the token's smallest unit.
type Payment struct {
	ID               string
	OrderID          string
	MerchantID       string
	TokenAddress     string
	TokenSymbol      string
	Amount           *big.Int
	RecipientAddress string
	FeeBps           uint16
	Status           PaymentStatus
	ServerSignature  string
	WebhookURL       string
	TxHash           string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ConfirmedAt      *time.Time
}

// ForwardRequest is a payer-signed ERC-2771 meta-transaction description.
// Numeric fields are decimal strings to match the wire format and avoid
// lossy JSON number handling; Data and Signature are 0x-prefixed hex.
type ForwardRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	Gas       string `json:"gas"`
	Nonce     string `json:"nonce"`
	Deadline  string `json:"deadline"`
	Data      string `json:"data"`
	Signature string `json:"signature,omitempty"`
}

// RelayRecord tracks one relayed transaction for a payment. A payment has
// at most one active (non-terminal) relay record, enforced by the store.
type RelayRecord struct {
	RelayRef     string
	PaymentID    string
	Status       RelayStatus
	TxHash       string
	ErrorMessage string
	CreatedAt    time.Time
	SubmittedAt  *time.Time
	ConfirmedAt  *time.Time
}
