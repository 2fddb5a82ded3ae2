// Package payments orchestrates the payment lifecycle: create and sign an
// authorization, validate and relay the payer's forward request, poll the
// relay to a terminal state and deliver the confirmation webhook.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	msqpay "github.com/msqpay/relay-go"
	"github.com/msqpay/relay-go/calldata"
	"github.com/msqpay/relay-go/eip712"
	"github.com/msqpay/relay-go/relayer"
	"github.com/msqpay/relay-go/webhook"
)

// Store is the persistence surface the service needs. *store.Store
// satisfies it.
type Store interface {
	CreatePayment(ctx context.Context, p *msqpay.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*msqpay.Payment, error)
	UpdatePaymentStatus(ctx context.Context, paymentID string, next msqpay.PaymentStatus, txHash string) error
	CreateRelayRecord(ctx context.Context, r *msqpay.RelayRecord) error
	GetRelayRecord(ctx context.Context, relayRef string) (*msqpay.RelayRecord, error)
	UpdateRelayStatus(ctx context.Context, relayRef string, next msqpay.RelayStatus, txHash, errorMessage string) error
	ListActiveRelays(ctx context.Context) ([]*msqpay.RelayRecord, error)
}

// Relayer is the relay gateway surface the service needs. *relayer.Client
// satisfies it.
type Relayer interface {
	Submit(ctx context.Context, paymentID, forwarderAddress string, req msqpay.ForwardRequest) (*relayer.Result, error)
	WaitFor(ctx context.Context, relayRef string, opts relayer.WaitOptions) (*relayer.Result, error)
}

// WebhookQueue accepts confirmation deliveries. *webhook.Queue satisfies it.
type WebhookQueue interface {
	Enqueue(job webhook.Job) error
}

// Config carries the chain-level constants the service signs and verifies
// against.
type Config struct {
	ChainID          int64
	GatewayAddress   string
	ForwarderAddress string

	// PaymentTTL bounds how long a created payment stays payable.
	// Zero means one hour.
	PaymentTTL time.Duration
}

// Service wires the pipeline components together. Safe for concurrent use.
type Service struct {
	store    Store
	signer   *eip712.Signer
	verifier *eip712.Verifier
	relay    Relayer
	webhooks WebhookQueue
	cfg      Config

	merchantWebhooks map[string]string
	logger           *slog.Logger
	now              func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithMerchantWebhooks registers default webhook URLs per merchant id,
// used when a payment carries no per-payment override.
func WithMerchantWebhooks(urls map[string]string) Option {
	return func(s *Service) {
		s.merchantWebhooks = make(map[string]string, len(urls))
		for id, url := range urls {
			s.merchantWebhooks[strings.ToLower(id)] = url
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock substitutes the time source, for deadline tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs the orchestration service.
func NewService(st Store, signer *eip712.Signer, verifier *eip712.Verifier, relay Relayer, webhooks WebhookQueue, cfg Config, opts ...Option) (*Service, error) {
	if st == nil || signer == nil || verifier == nil || relay == nil {
		return nil, fmt.Errorf("store, signer, verifier and relayer are required")
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("invalid chain id: %d", cfg.ChainID)
	}
	if !msqpay.IsHexAddress(cfg.GatewayAddress) {
		return nil, fmt.Errorf("invalid gateway address: %q", cfg.GatewayAddress)
	}
	if !msqpay.IsHexAddress(cfg.ForwarderAddress) {
		return nil, fmt.Errorf("invalid forwarder address: %q", cfg.ForwarderAddress)
	}
	if cfg.PaymentTTL <= 0 {
		cfg.PaymentTTL = time.Hour
	}

	s := &Service{
		store:    st,
		signer:   signer,
		verifier: verifier,
		relay:    relay,
		webhooks: webhooks,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreatePaymentInput is the merchant-facing request to open a payment.
type CreatePaymentInput struct {
	MerchantID       string
	OrderID          string
	TokenAddress     string
	TokenSymbol      string
	Amount           *big.Int
	RecipientAddress string
	FeeBps           uint16
	WebhookURL       string
}

// CreatePayment derives the content-addressed payment id, signs the
// authorization with the service key and persists the payment as CREATED.
func (s *Service) CreatePayment(ctx context.Context, input CreatePaymentInput) (*msqpay.Payment, error) {
	if !msqpay.IsBytes32Hex(input.MerchantID) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"merchant id must be a 0x-prefixed 32-byte hex string", nil)
	}
	if input.Amount == nil || input.Amount.Sign() <= 0 {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidAmount,
			"amount must be a positive integer in the token's smallest unit", nil)
	}
	if !msqpay.IsHexAddress(input.TokenAddress) || !msqpay.IsHexAddress(input.RecipientAddress) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidAddress,
			"token and recipient must be 0x-prefixed 20-byte hex addresses", nil)
	}
	if input.FeeBps > 10000 {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"fee must not exceed 10000 basis points", nil)
	}

	createdAt := s.now().UTC()
	paymentID := derivePaymentID(input, createdAt)

	auth := eip712.PaymentAuthorization{
		PaymentID:        paymentID,
		TokenAddress:     input.TokenAddress,
		Amount:           input.Amount.String(),
		RecipientAddress: input.RecipientAddress,
		MerchantID:       input.MerchantID,
		FeeBps:           input.FeeBps,
	}
	signature, err := s.signer.SignPaymentAuthorization(auth, big.NewInt(s.cfg.ChainID), s.cfg.GatewayAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to sign payment authorization: %w", err)
	}

	payment := &msqpay.Payment{
		ID:               paymentID,
		OrderID:          input.OrderID,
		MerchantID:       input.MerchantID,
		TokenAddress:     input.TokenAddress,
		TokenSymbol:      input.TokenSymbol,
		Amount:           new(big.Int).Set(input.Amount),
		RecipientAddress: input.RecipientAddress,
		FeeBps:           input.FeeBps,
		Status:           msqpay.PaymentStatusCreated,
		ServerSignature:  signature,
		WebhookURL:       input.WebhookURL,
		CreatedAt:        createdAt,
		ExpiresAt:        createdAt.Add(s.cfg.PaymentTTL),
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	s.logger.Info("payment created",
		"payment_id", paymentID,
		"merchant_id", input.MerchantID,
		"order_id", input.OrderID,
		"amount", input.Amount.String())
	return payment, nil
}

// derivePaymentID hashes the payment terms plus creation time into a
// bytes32 id. Identical terms at different instants yield distinct ids.
func derivePaymentID(input CreatePaymentInput, createdAt time.Time) string {
	preimage := strings.Join([]string{
		strings.ToLower(input.MerchantID),
		input.OrderID,
		strings.ToLower(input.TokenAddress),
		input.Amount.String(),
		strings.ToLower(input.RecipientAddress),
		strconv.FormatUint(uint64(input.FeeBps), 10),
		strconv.FormatInt(createdAt.UnixNano(), 10),
	}, "|")
	return hexutil.Encode(crypto.Keccak256([]byte(preimage)))
}

// SubmitForwardRequest validates a payer-signed forward request against the
// stored payment and relays it. On success the payment moves to SUBMITTED
// and a relay record tracks the backend reference.
func (s *Service) SubmitForwardRequest(ctx context.Context, paymentID string, req msqpay.ForwardRequest) (*relayer.Result, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status.Terminal() {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidStatusTransition,
			"payment already reached a terminal status",
			map[string]interface{}{"status": string(payment.Status)})
	}

	if !req.WellFormed() {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"forward request fields are malformed", nil)
	}
	if !strings.EqualFold(req.To, s.cfg.GatewayAddress) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"forward request must target the payment gateway", nil)
	}

	deadline, ok := new(big.Int).SetString(req.Deadline, 10)
	if !ok {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"deadline must be a decimal unix timestamp", nil)
	}
	if deadline.Cmp(big.NewInt(s.now().Unix())) <= 0 {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeDeadlineExpired,
			"forward request deadline has passed",
			map[string]interface{}{"deadline": req.Deadline})
	}

	if !s.verifier.VerifyForwardRequest(req, req.Signature) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeSignatureInvalid,
			"forward request signature does not recover to the payer address", nil)
	}

	// The amount inside the call data is client-built; the stored amount
	// is authoritative.
	if err := calldata.ValidateAmount(req.Data, payment.Amount); err != nil {
		return nil, err
	}

	result, err := s.relay.Submit(ctx, paymentID, s.cfg.ForwarderAddress, req)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateRelayRecord(ctx, &msqpay.RelayRecord{
		RelayRef:  result.RelayRef,
		PaymentID: paymentID,
		Status:    msqpay.RelayStatusPending,
		TxHash:    result.TxHash,
	}); err != nil {
		return nil, err
	}
	if err := s.store.UpdatePaymentStatus(ctx, paymentID, msqpay.PaymentStatusSubmitted, result.TxHash); err != nil {
		return nil, err
	}

	s.logger.Info("forward request relayed",
		"payment_id", paymentID,
		"relay_ref", result.RelayRef)
	return result, nil
}

// ConfirmRelay waits for a relayed transaction to reach a terminal state
// and settles the payment: CONFIRMED plus a webhook on success, FAILED
// otherwise.
func (s *Service) ConfirmRelay(ctx context.Context, relayRef string, waitOpts relayer.WaitOptions) (*msqpay.Payment, error) {
	record, err := s.store.GetRelayRecord(ctx, relayRef)
	if err != nil {
		return nil, err
	}

	result, err := s.relay.WaitFor(ctx, relayRef, waitOpts)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case msqpay.RelayStatusMined, msqpay.RelayStatusConfirmed:
		if err := s.store.UpdateRelayStatus(ctx, relayRef, msqpay.RelayStatusConfirmed, result.TxHash, ""); err != nil {
			return nil, err
		}
		if err := s.store.UpdatePaymentStatus(ctx, record.PaymentID, msqpay.PaymentStatusConfirmed, result.TxHash); err != nil {
			return nil, err
		}

		payment, err := s.store.GetPayment(ctx, record.PaymentID)
		if err != nil {
			return nil, err
		}
		s.enqueueConfirmationWebhook(payment)
		return payment, nil

	default:
		if err := s.store.UpdateRelayStatus(ctx, relayRef, msqpay.RelayStatusFailed, result.TxHash, "relay reported failure"); err != nil {
			return nil, err
		}
		if err := s.store.UpdatePaymentStatus(ctx, record.PaymentID, msqpay.PaymentStatusFailed, result.TxHash); err != nil {
			return nil, err
		}
		return s.store.GetPayment(ctx, record.PaymentID)
	}
}

// PollActiveRelays runs one confirmation sweep over every relay still
// awaiting a terminal state. Per-relay failures are logged, not fatal.
func (s *Service) PollActiveRelays(ctx context.Context, waitOpts relayer.WaitOptions) error {
	active, err := s.store.ListActiveRelays(ctx)
	if err != nil {
		return err
	}
	for _, record := range active {
		if _, err := s.ConfirmRelay(ctx, record.RelayRef, waitOpts); err != nil {
			if msqpay.IsCode(err, msqpay.ErrCodeWaitTimeout) {
				continue
			}
			s.logger.Error("relay confirmation failed",
				"relay_ref", record.RelayRef, "error", err)
		}
	}
	return nil
}

// enqueueConfirmationWebhook resolves the delivery URL (payment override,
// else the merchant default) and enqueues the payment.confirmed
// notification. No configured URL means no delivery.
func (s *Service) enqueueConfirmationWebhook(payment *msqpay.Payment) {
	if s.webhooks == nil {
		return
	}
	url := payment.WebhookURL
	if url == "" {
		url = s.merchantWebhooks[strings.ToLower(payment.MerchantID)]
	}
	if url == "" {
		s.logger.Info("no webhook url configured, skipping notification",
			"payment_id", payment.ID)
		return
	}

	body := webhook.PaymentConfirmedBody{
		PaymentID:   payment.ID,
		Status:      string(msqpay.PaymentStatusConfirmed),
		Amount:      payment.Amount.String(),
		TokenSymbol: payment.TokenSymbol,
	}
	if payment.OrderID != "" {
		orderID := payment.OrderID
		body.OrderID = &orderID
	}
	if payment.TxHash != "" {
		txHash := payment.TxHash
		body.TxHash = &txHash
	}
	if payment.ConfirmedAt != nil {
		body.ConfirmedAt = payment.ConfirmedAt.UTC().Format(time.RFC3339)
	}

	if err := s.webhooks.Enqueue(webhook.Job{URL: url, Body: body}); err != nil {
		s.logger.Error("failed to enqueue confirmation webhook",
			"payment_id", payment.ID, "error", err)
	}
}
