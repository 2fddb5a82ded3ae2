package msqpay

import (
	"errors"
	"fmt"
)

// PaymentError is the error type surfaced by every component in the relay
// pipeline. Code is a stable machine-readable identifier; Message is safe
// to show to merchants (raw backend strings never end up here).
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes by taxonomy: validation, authorization, conflict, not-found,
// external-service, timeout.
const (
	ErrCodeMissingParameters      = "missing_parameters"
	ErrCodeInvalidSignatureFormat = "invalid_signature_format"
	ErrCodeInvalidAddress         = "invalid_address"
	ErrCodeInvalidInput           = "invalid_input"
	ErrCodeInvalidAmount          = "invalid_amount"
	ErrCodeDeadlineExpired        = "deadline_expired"

	ErrCodeSignatureInvalid = "signature_invalid"
	ErrCodeRelayAuthFailed  = "relay_auth_failed"

	ErrCodeNonceConflict           = "nonce_conflict"
	ErrCodeDuplicateRelay          = "duplicate_relay"
	ErrCodeInvalidStatusTransition = "invalid_status_transition"

	ErrCodePaymentNotFound  = "payment_not_found"
	ErrCodeRelayNotFound    = "relay_not_found"
	ErrCodeContractNotFound = "contract_not_found"

	ErrCodeNonceQueryFailed           = "nonce_query_failed"
	ErrCodeRelayerBalanceInsufficient = "relayer_balance_insufficient"
	ErrCodeRelaySubmissionFailed      = "relay_submission_failed"
	ErrCodeInvalidCallData            = "invalid_call_data"
	ErrCodeInvalidFunction            = "invalid_function"
	ErrCodeAmountMismatch             = "amount_mismatch"
	ErrCodeWebhookDeliveryFailed      = "webhook_delivery_failed"

	ErrCodeWaitTimeout = "wait_timeout"
)

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode extracts the payment error code from err, unwrapping as needed.
// Returns "" when err carries no PaymentError.
func ErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsCode reports whether err carries the given payment error code.
func IsCode(err error, code string) bool {
	return ErrorCode(err) == code
}
