// Package webhook delivers payment.confirmed notifications to merchant
// endpoints with bounded, fixed-schedule retries. Delivery is at-least-once;
// receivers deduplicate on paymentId.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PaymentConfirmedBody is the exact JSON payload posted to merchant
// endpoints. OrderID and TxHash serialize as null when absent, they are
// never omitted.
type PaymentConfirmedBody struct {
	PaymentID   string  `json:"paymentId"`
	OrderID     *string `json:"orderId"`
	Status      string  `json:"status"`
	TxHash      *string `json:"txHash"`
	Amount      string  `json:"amount"`
	TokenSymbol string  `json:"tokenSymbol"`
	ConfirmedAt string  `json:"confirmedAt"`
}

// Job is one webhook delivery: a destination URL and the body to post.
type Job struct {
	URL  string
	Body PaymentConfirmedBody
}

// Outcome is the result of a single delivery attempt. OK means the
// endpoint answered with any 2xx status. StatusCode is zero on transport
// failure.
type Outcome struct {
	OK         bool
	StatusCode int
	Err        error
}

// Sender performs one delivery attempt. Retry policy lives in the queue,
// not here.
type Sender interface {
	Send(ctx context.Context, url string, body PaymentConfirmedBody) Outcome
}

// HTTPSender posts the payload as JSON over plain HTTP.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender constructs a sender with a per-attempt timeout. Pass a nil
// client to use a default with a 10 second timeout.
func NewHTTPSender(client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSender{client: client}
}

func (s *HTTPSender) Send(ctx context.Context, url string, body PaymentConfirmedBody) Outcome {
	payload, err := json.Marshal(body)
	if err != nil {
		return Outcome{Err: fmt.Errorf("failed to marshal webhook payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Err: fmt.Errorf("failed to create webhook request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Outcome{Err: err}
	}
	defer resp.Body.Close()

	return Outcome{
		OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
	}
}
