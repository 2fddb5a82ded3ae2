// Package store persists payments, relay records and the webhook failure
// audit trail through GORM. It is the only component allowed to mutate
// payment status, and it enforces the forward-only lifecycle on every
// write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	msqpay "github.com/msqpay/relay-go"
	"github.com/msqpay/relay-go/webhook"
)

// Store wraps a GORM handle. Safe for concurrent use.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps an existing GORM handle.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects and migrates the schema.
func Open(dialector gorm.Dialector, opts ...Option) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := New(db, opts...)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates or updates the schema.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&paymentRow{}, &relayRow{}, &webhookFailureRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CreatePayment inserts a new payment record. The id is content-addressed,
// so an insert conflict means the same payment was already created.
func (s *Store) CreatePayment(ctx context.Context, p *msqpay.Payment) error {
	row := paymentRowFrom(p)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
				"payment already exists",
				map[string]interface{}{"paymentId": p.ID})
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment looks up a payment by its content-addressed id.
func (s *Store) GetPayment(ctx context.Context, paymentID string) (*msqpay.Payment, error) {
	var row paymentRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", paymentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodePaymentNotFound,
			"payment not found",
			map[string]interface{}{"paymentId": paymentID})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return row.toDomain(), nil
}

// GetPaymentByOrderID looks up the most recent payment for a merchant order.
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*msqpay.Payment, error) {
	var row paymentRow
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodePaymentNotFound,
			"payment not found",
			map[string]interface{}{"orderId": orderID})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	return row.toDomain(), nil
}

// UpdatePaymentStatus moves a payment to next, rejecting any transition
// that would rewind the lifecycle. A non-empty txHash is stamped alongside,
// and reaching CONFIRMED stamps confirmedAt. The read-check-write runs in
// one transaction.
func (s *Store) UpdatePaymentStatus(ctx context.Context, paymentID string, next msqpay.PaymentStatus, txHash string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row paymentRow
		err := tx.First(&row, "id = ?", paymentID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return msqpay.NewPaymentError(msqpay.ErrCodePaymentNotFound,
				"payment not found",
				map[string]interface{}{"paymentId": paymentID})
		}
		if err != nil {
			return fmt.Errorf("failed to load payment: %w", err)
		}

		current := msqpay.PaymentStatus(row.Status)
		if !current.CanTransitionTo(next) {
			return msqpay.NewPaymentError(msqpay.ErrCodeInvalidStatusTransition,
				"payment status may only move forward",
				map[string]interface{}{"from": string(current), "to": string(next)})
		}

		updates := map[string]interface{}{"status": string(next)}
		if txHash != "" {
			updates["tx_hash"] = txHash
		}
		if next == msqpay.PaymentStatusConfirmed {
			updates["confirmed_at"] = time.Now().UTC()
		}
		if err := tx.Model(&paymentRow{}).Where("id = ?", paymentID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}

		s.logger.Info("payment status updated",
			"payment_id", paymentID,
			"from", string(current),
			"to", string(next))
		return nil
	})
}

// CreateRelayRecord inserts a relay record. A payment may have at most one
// non-terminal relay at a time; a second active submission is a
// duplicate_relay.
func (s *Store) CreateRelayRecord(ctx context.Context, r *msqpay.RelayRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&relayRow{}).
			Where("payment_id = ? AND status = ?", r.PaymentID, string(msqpay.RelayStatusPending)).
			Count(&active).Error
		if err != nil {
			return fmt.Errorf("failed to check active relays: %w", err)
		}
		if active > 0 {
			return msqpay.NewPaymentError(msqpay.ErrCodeDuplicateRelay,
				"payment already has an active relay",
				map[string]interface{}{"paymentId": r.PaymentID})
		}

		now := time.Now().UTC()
		row := &relayRow{
			RelayRef:     r.RelayRef,
			PaymentID:    r.PaymentID,
			Status:       string(r.Status),
			TxHash:       r.TxHash,
			ErrorMessage: r.ErrorMessage,
			CreatedAt:    now,
			SubmittedAt:  &now,
		}
		if err := tx.Create(row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
				return msqpay.NewPaymentError(msqpay.ErrCodeDuplicateRelay,
					"relay reference already recorded",
					map[string]interface{}{"relayRef": r.RelayRef})
			}
			return fmt.Errorf("failed to create relay record: %w", err)
		}
		return nil
	})
}

// GetRelayRecord looks up a relay record by backend reference.
func (s *Store) GetRelayRecord(ctx context.Context, relayRef string) (*msqpay.RelayRecord, error) {
	var row relayRow
	err := s.db.WithContext(ctx).First(&row, "relay_ref = ?", relayRef).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeRelayNotFound,
			"relay record not found",
			map[string]interface{}{"relayRef": relayRef})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load relay record: %w", err)
	}
	return row.toDomain(), nil
}

// ListActiveRelays returns all relay records still awaiting a terminal
// status, oldest first, for the confirmation poller.
func (s *Store) ListActiveRelays(ctx context.Context) ([]*msqpay.RelayRecord, error) {
	var rows []relayRow
	err := s.db.WithContext(ctx).
		Where("status = ?", string(msqpay.RelayStatusPending)).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active relays: %w", err)
	}
	records := make([]*msqpay.RelayRecord, 0, len(rows))
	for i := range rows {
		records = append(records, rows[i].toDomain())
	}
	return records, nil
}

// UpdateRelayStatus moves a relay record to next. Terminal records are
// immutable; reaching mined or confirmed stamps confirmedAt.
func (s *Store) UpdateRelayStatus(ctx context.Context, relayRef string, next msqpay.RelayStatus, txHash, errorMessage string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row relayRow
		err := tx.First(&row, "relay_ref = ?", relayRef).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return msqpay.NewPaymentError(msqpay.ErrCodeRelayNotFound,
				"relay record not found",
				map[string]interface{}{"relayRef": relayRef})
		}
		if err != nil {
			return fmt.Errorf("failed to load relay record: %w", err)
		}

		current := msqpay.RelayStatus(row.Status)
		if current.Terminal() {
			return msqpay.NewPaymentError(msqpay.ErrCodeInvalidStatusTransition,
				"relay record already reached a terminal status",
				map[string]interface{}{"relayRef": relayRef, "status": string(current)})
		}

		updates := map[string]interface{}{"status": string(next)}
		if txHash != "" {
			updates["tx_hash"] = txHash
		}
		if errorMessage != "" {
			updates["error_message"] = errorMessage
		}
		if next == msqpay.RelayStatusMined || next == msqpay.RelayStatusConfirmed {
			updates["confirmed_at"] = time.Now().UTC()
		}
		if err := tx.Model(&relayRow{}).Where("relay_ref = ?", relayRef).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update relay status: %w", err)
		}
		return nil
	})
}

// RecordWebhookFailure writes an audit row for an exhausted webhook job.
// Satisfies webhook.FailureStore.
func (s *Store) RecordWebhookFailure(ctx context.Context, job webhook.Job, attempts int, last webhook.Outcome) error {
	payload, err := json.Marshal(job.Body)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}
	row := &webhookFailureRow{
		PaymentID:  job.Body.PaymentID,
		URL:        job.URL,
		Payload:    string(payload),
		Attempts:   attempts,
		HTTPStatus: last.StatusCode,
		CreatedAt:  time.Now().UTC(),
	}
	if last.Err != nil {
		row.LastError = last.Err.Error()
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to record webhook failure: %w", err)
	}
	return nil
}

// isUniqueViolation covers drivers that report key conflicts as plain
// errors instead of gorm.ErrDuplicatedKey (sqlite does).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
