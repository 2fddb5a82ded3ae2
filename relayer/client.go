// Package relayer talks to the external relay backend that broadcasts
// gasless transactions. It normalizes the backend's status vocabulary into
// a closed four-state enum and classifies backend failures into stable
// error codes so callers can apply differentiated retry policy.
package relayer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	msqpay "github.com/msqpay/relay-go"
)

const (
	headerContentType   = "Content-Type"
	headerAPIKey        = "x-api-key"
	mimeApplicationJSON = "application/json"

	submitPath = "/api/v1/relay/gasless"
	directPath = "/api/v1/relay/direct"
	statusPath = "/api/v1/relay/status/%s"
	noncePath  = "/api/v1/relay/gasless/nonce/%s"
	healthPath = "/api/v1/health"
)

// DefaultGasPrice is the fixed per-gas price used for fee estimates when
// none is configured: 50 gwei. Estimates are approximations only; no live
// gas-market query happens.
var DefaultGasPrice = big.NewInt(50_000_000_000)

// Client is the relay gateway. One instance is safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	relayerAddress string
	gasPrice       *big.Int
	httpClient     *http.Client
	logger         *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client, e.g. to set
// per-request timeouts. Callers own timeout policy; there is no global
// default deadline.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithGasPrice overrides the fixed gas price used by EstimateFee.
func WithGasPrice(price *big.Int) Option {
	return func(c *Client) { c.gasPrice = new(big.Int).Set(price) }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient constructs a relay gateway client. Fails fast when the backend
// base URL is empty. The API key is optional (local backends run open).
func NewClient(baseURL, apiKey, relayerAddress string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("relay backend base url is required")
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		relayerAddress: relayerAddress,
		gasPrice:       DefaultGasPrice,
		httpClient:     &http.Client{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RelayerAddress returns the configured relayer account address.
func (c *Client) RelayerAddress() string {
	return c.relayerAddress
}

// Result is the normalized outcome of a relay submission or status poll.
type Result struct {
	RelayRef string             `json:"relayRef"`
	TxHash   string             `json:"txHash,omitempty"`
	Status   msqpay.RelayStatus `json:"status"`
}

// backendTransaction is the relay backend's wire shape.
type backendTransaction struct {
	TransactionID string `json:"transactionId"`
	Hash          string `json:"hash,omitempty"`
	Status        string `json:"status"`
}

// backendError is the relay backend's error body. Message feeds the
// classification table and is never surfaced verbatim to callers.
type backendError struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Submit relays a signed forward request. Required identifiers and the
// signature format are validated before any network call.
func (c *Client) Submit(ctx context.Context, paymentID, forwarderAddress string, req msqpay.ForwardRequest) (*Result, error) {
	if paymentID == "" || forwarderAddress == "" {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeMissingParameters,
			"payment id and forwarder address are required", nil)
	}
	if !msqpay.IsHexAddress(forwarderAddress) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidAddress,
			"forwarder address must be a 0x-prefixed 20-byte hex string", nil)
	}
	if !msqpay.IsValidSignatureFormat(req.Signature) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidSignatureFormat,
			"forward request signature must be 65 bytes of 0x hex with v in {27, 28}", nil)
	}

	// The nonce the payer signed with is forwarded untouched; re-reading
	// it here would invalidate the signature.
	body := map[string]interface{}{
		"request": map[string]string{
			"from":     req.From,
			"to":       req.To,
			"value":    req.Value,
			"gas":      req.Gas,
			"nonce":    req.Nonce,
			"deadline": req.Deadline,
			"data":     req.Data,
		},
		"signature": req.Signature,
	}

	tx, err := c.postTransaction(ctx, submitPath, body)
	if err != nil {
		return nil, err
	}

	c.logger.Info("forward request submitted",
		"payment_id", paymentID,
		"relay_ref", tx.TransactionID,
		"status", tx.Status)

	return resultFrom(tx), nil
}

// DirectOptions tunes a direct (non-forwarded) relay submission.
type DirectOptions struct {
	Value    string
	GasLimit string
	Speed    string
}

// SubmitDirect relays a raw contract call without an ERC-2771 envelope.
// The relayer signs and pays for the transaction itself.
func (c *Client) SubmitDirect(ctx context.Context, paymentID, to, data string, opts DirectOptions) (*Result, error) {
	if paymentID == "" || to == "" || data == "" {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeMissingParameters,
			"payment id, target address and call data are required", nil)
	}
	if !msqpay.IsHexAddress(to) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidAddress,
			"target address must be a 0x-prefixed 20-byte hex string", nil)
	}
	if !msqpay.IsHexData(data) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidCallData,
			"call data must be 0x-prefixed hex", nil)
	}

	value := opts.Value
	if value == "" {
		value = "0"
	}
	gasLimit := opts.GasLimit
	if gasLimit == "" {
		gasLimit = "200000"
	}
	speed := opts.Speed
	if speed == "" {
		speed = "average"
	}

	tx, err := c.postTransaction(ctx, directPath, map[string]string{
		"to":       to,
		"data":     data,
		"value":    value,
		"gasLimit": gasLimit,
		"speed":    speed,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("direct transaction submitted",
		"payment_id", paymentID,
		"relay_ref", tx.TransactionID,
		"status", tx.Status)

	return resultFrom(tx), nil
}

// Status polls the backend for the current state of a relayed transaction.
func (c *Client) Status(ctx context.Context, relayRef string) (*Result, error) {
	if relayRef == "" {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeMissingParameters,
			"relay reference id is required", nil)
	}

	var tx backendTransaction
	if err := c.getJSON(ctx, fmt.Sprintf(statusPath, relayRef), &tx); err != nil {
		return nil, err
	}
	return resultFrom(&tx), nil
}

// Cancel reports whether cancelling relayRef is meaningful. A failed relay
// is acknowledged as cancelled; mined and confirmed relays cannot be
// undone; an in-flight relay cannot be interrupted by this design, the
// caller must wait or let it fail.
func (c *Client) Cancel(ctx context.Context, relayRef string) (bool, error) {
	result, err := c.Status(ctx, relayRef)
	if err != nil {
		return false, err
	}

	switch result.Status {
	case msqpay.RelayStatusFailed:
		return true, nil
	case msqpay.RelayStatusMined, msqpay.RelayStatusConfirmed:
		c.logger.Warn("cancel requested for finalized relay",
			"relay_ref", relayRef, "status", result.Status)
		return false, nil
	default:
		c.logger.Warn("cancel requested for in-flight relay, not supported",
			"relay_ref", relayRef)
		return false, nil
	}
}

// WaitOptions bounds a WaitFor poll loop. Callers must supply the budget;
// zero values fall back to 2 minutes / 3 seconds.
type WaitOptions struct {
	Timeout      time.Duration
	PollInterval time.Duration
}

// WaitFor polls Status until a terminal state is observed or the timeout
// elapses, in which case it fails with wait_timeout and no partial result.
func (c *Client) WaitFor(ctx context.Context, relayRef string, opts WaitOptions) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}

	deadline := time.Now().Add(timeout)
	for {
		result, err := c.Status(ctx, relayRef)
		if err != nil {
			return nil, err
		}
		if result.Status.Terminal() {
			return result, nil
		}

		if time.Now().Add(pollInterval).After(deadline) {
			return nil, msqpay.NewPaymentError(msqpay.ErrCodeWaitTimeout,
				fmt.Sprintf("relay %s did not reach a terminal status within %s", relayRef, timeout),
				map[string]interface{}{"lastStatus": string(result.Status)})
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// EstimateFee returns gasLimit times the fixed configured gas price.
// Deterministic by design; treat the result as an approximation only.
func (c *Client) EstimateFee(gasLimit string) (*big.Int, error) {
	limit, ok := new(big.Int).SetString(gasLimit, 10)
	if !ok || limit.Sign() < 0 {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidInput,
			"gas limit must be a non-negative decimal string", nil)
	}
	return new(big.Int).Mul(limit, c.gasPrice), nil
}

// HealthStatus reports relayer availability for health endpoints.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
	Address string `json:"address,omitempty"`
	Balance string `json:"balance,omitempty"`
}

// relayerInfo is the backend health wire shape.
type relayerInfo struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// Health checks the relay backend. Absence or any error means unhealthy;
// this never returns an error so callers can embed it in health endpoints.
func (c *Client) Health(ctx context.Context) HealthStatus {
	var info relayerInfo
	if err := c.getJSON(ctx, healthPath, &info); err != nil {
		c.logger.Error("relayer health check failed", "error", err)
		return HealthStatus{Healthy: false, Message: "relayer connection failed"}
	}
	return HealthStatus{
		Healthy: true,
		Message: fmt.Sprintf("relayer reachable at %s", info.Address),
		Address: info.Address,
		Balance: info.Balance,
	}
}

// Nonce reads the forwarder nonce for address through the relay backend.
// Useful when the service has no direct RPC connection of its own.
func (c *Client) Nonce(ctx context.Context, address string) (*big.Int, error) {
	if !msqpay.IsHexAddress(address) {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeInvalidAddress,
			"address must be a 0x-prefixed 20-byte hex string", nil)
	}

	var payload struct {
		Nonce string `json:"nonce"`
	}
	if err := c.getJSON(ctx, fmt.Sprintf(noncePath, address), &payload); err != nil {
		return nil, err
	}
	value, ok := new(big.Int).SetString(payload.Nonce, 10)
	if !ok {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeNonceQueryFailed,
			"relay backend returned a malformed nonce", nil)
	}
	return value, nil
}

func (c *Client) headers(req *http.Request) {
	req.Header.Set(headerContentType, mimeApplicationJSON)
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}
}

func (c *Client) postTransaction(ctx context.Context, path string, body interface{}) (*backendTransaction, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relay request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create relay request: %w", err)
	}
	c.headers(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("relay submission transport failure", "error", err)
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeRelaySubmissionFailed,
			"relay backend is unreachable", nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.classifyResponse(resp)
	}

	var tx backendTransaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, msqpay.NewPaymentError(msqpay.ErrCodeRelaySubmissionFailed,
			"relay backend returned an undecodable response", nil)
	}
	return &tx, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create relay request: %w", err)
	}
	c.headers(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return msqpay.NewPaymentError(msqpay.ErrCodeRelaySubmissionFailed,
			"relay backend is unreachable", nil)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.classifyResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return msqpay.NewPaymentError(msqpay.ErrCodeRelaySubmissionFailed,
			"relay backend returned an undecodable response", nil)
	}
	return nil
}

// classifyResponse drains an error response and maps it through the
// classification table. The raw backend message feeds classification only.
func (c *Client) classifyResponse(resp *http.Response) *msqpay.PaymentError {
	var be backendError
	_ = json.NewDecoder(resp.Body).Decode(&be)
	message := be.Message
	if message == "" {
		message = be.Error
	}

	classified := ClassifyBackendError(resp.StatusCode, message)
	c.logger.Error("relay backend error",
		"http_status", resp.StatusCode,
		"code", classified.Code,
		"backend_message", message)
	return classified
}

func resultFrom(tx *backendTransaction) *Result {
	return &Result{
		RelayRef: tx.TransactionID,
		TxHash:   tx.Hash,
		Status:   NormalizeStatus(tx.Status),
	}
}
