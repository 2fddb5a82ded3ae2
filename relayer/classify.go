package relayer

import (
	"net/http"
	"strings"

	msqpay "github.com/msqpay/relay-go"
)

// The backend reports most failures as free-form messages, so
// classification is substring matching over a small allow-list plus the
// HTTP status code. This is inherently fragile; the table below is the
// single place backend vocabulary is interpreted and it must stay
// exhaustively unit-tested. Do not scatter message matching elsewhere.

type classificationRule struct {
	httpStatus int    // 0 matches any status
	substring  string // matched case-insensitively; "" matches any message
	code       string
	message    string
}

// Rules are evaluated in order; first match wins. Substring rules come
// before status-only rules so a 500 carrying "insufficient funds" is
// classified by its cause, not its transport code.
var classificationRules = []classificationRule{
	{0, "insufficient funds", msqpay.ErrCodeRelayerBalanceInsufficient,
		"relayer balance is insufficient to pay gas"},
	{0, "nonce", msqpay.ErrCodeNonceConflict,
		"transaction nonce conflict, refresh state before retrying"},
	{0, "unauthorized", msqpay.ErrCodeRelayAuthFailed,
		"relay backend rejected the api credentials"},
	{http.StatusUnauthorized, "", msqpay.ErrCodeRelayAuthFailed,
		"relay backend rejected the api credentials"},
	{http.StatusNotFound, "", msqpay.ErrCodeRelayNotFound,
		"relay request not found"},
}

// ClassifyBackendError maps a backend failure to a stable error code.
// Anything unmatched is relay_submission_failed; retry decisions stay with
// the caller because some classes (auth failures) must never be retried
// and others (nonce conflicts) need a state refresh first.
func ClassifyBackendError(httpStatus int, backendMessage string) *msqpay.PaymentError {
	lowered := strings.ToLower(backendMessage)
	for _, rule := range classificationRules {
		if rule.httpStatus != 0 && rule.httpStatus != httpStatus {
			continue
		}
		if rule.substring != "" && !strings.Contains(lowered, rule.substring) {
			continue
		}
		return msqpay.NewPaymentError(rule.code, rule.message,
			map[string]interface{}{"httpStatus": httpStatus})
	}
	return msqpay.NewPaymentError(msqpay.ErrCodeRelaySubmissionFailed,
		"could not submit relayed transaction",
		map[string]interface{}{"httpStatus": httpStatus})
}
