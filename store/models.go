package store

import (
	"math/big"
	"time"

	msqpay "github.com/msqpay/relay-go"
)

// paymentRow is the persisted form of a payment. Amount is stored as a
// decimal string because token amounts exceed int64.
type paymentRow struct {
	ID               string `gorm:"primaryKey;size:66"`
	OrderID          string `gorm:"index;size:100"`
	MerchantID       string `gorm:"index;size:66"`
	TokenAddress     string `gorm:"size:42"`
	TokenSymbol      string `gorm:"size:20"`
	Amount           string `gorm:"size:80"`
	RecipientAddress string `gorm:"size:42"`
	FeeBps           uint16
	Status           string `gorm:"index;size:20"`
	ServerSignature  string `gorm:"size:134"`
	WebhookURL       string `gorm:"size:500"`
	TxHash           string `gorm:"size:66"`
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ConfirmedAt      *time.Time
}

func (paymentRow) TableName() string { return "payments" }

func (r *paymentRow) toDomain() *msqpay.Payment {
	amount, _ := new(big.Int).SetString(r.Amount, 10)
	return &msqpay.Payment{
		ID:               r.ID,
		OrderID:          r.OrderID,
		MerchantID:       r.MerchantID,
		TokenAddress:     r.TokenAddress,
		TokenSymbol:      r.TokenSymbol,
		Amount:           amount,
		RecipientAddress: r.RecipientAddress,
		FeeBps:           r.FeeBps,
		Status:           msqpay.PaymentStatus(r.Status),
		ServerSignature:  r.ServerSignature,
		WebhookURL:       r.WebhookURL,
		TxHash:           r.TxHash,
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
		ConfirmedAt:      r.ConfirmedAt,
	}
}

func paymentRowFrom(p *msqpay.Payment) *paymentRow {
	amount := "0"
	if p.Amount != nil {
		amount = p.Amount.String()
	}
	return &paymentRow{
		ID:               p.ID,
		OrderID:          p.OrderID,
		MerchantID:       p.MerchantID,
		TokenAddress:     p.TokenAddress,
		TokenSymbol:      p.TokenSymbol,
		Amount:           amount,
		RecipientAddress: p.RecipientAddress,
		FeeBps:           p.FeeBps,
		Status:           string(p.Status),
		ServerSignature:  p.ServerSignature,
		WebhookURL:       p.WebhookURL,
		TxHash:           p.TxHash,
		CreatedAt:        p.CreatedAt,
		ExpiresAt:        p.ExpiresAt,
		ConfirmedAt:      p.ConfirmedAt,
	}
}

// relayRow tracks one relayed transaction. RelayRef is the backend's
// transaction id and is globally unique.
type relayRow struct {
	RelayRef     string `gorm:"primaryKey;size:100"`
	PaymentID    string `gorm:"index;size:66"`
	Status       string `gorm:"index;size:20"`
	TxHash       string `gorm:"size:66"`
	ErrorMessage string `gorm:"size:500"`
	CreatedAt    time.Time
	SubmittedAt  *time.Time
	ConfirmedAt  *time.Time
}

func (relayRow) TableName() string { return "relay_records" }

func (r *relayRow) toDomain() *msqpay.RelayRecord {
	return &msqpay.RelayRecord{
		RelayRef:     r.RelayRef,
		PaymentID:    r.PaymentID,
		Status:       msqpay.RelayStatus(r.Status),
		TxHash:       r.TxHash,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		SubmittedAt:  r.SubmittedAt,
		ConfirmedAt:  r.ConfirmedAt,
	}
}

// webhookFailureRow is the audit trail for webhook jobs whose retries were
// exhausted. Rows are written once and replayed manually by operators.
type webhookFailureRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	PaymentID  string `gorm:"index;size:66"`
	URL        string `gorm:"size:500"`
	Payload    string `gorm:"size:2000"`
	Attempts   int
	HTTPStatus int
	LastError  string `gorm:"size:500"`
	CreatedAt  time.Time
}

func (webhookFailureRow) TableName() string { return "webhook_failures" }
