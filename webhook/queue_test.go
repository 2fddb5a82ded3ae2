package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	msqpay "github.com/msqpay/relay-go"
	"github.com/msqpay/relay-go/webhook"
)

func confirmedBody() webhook.PaymentConfirmedBody {
	orderID := "order-7"
	txHash := "0xhash"
	return webhook.PaymentConfirmedBody{
		PaymentID:   "0xpay",
		OrderID:     &orderID,
		Status:      "CONFIRMED",
		TxHash:      &txHash,
		Amount:      "1000000",
		TokenSymbol: "USDT",
		ConfirmedAt: "2026-09-01T12:00:00Z",
	}
}

// scriptedSender replays a fixed outcome sequence; the last entry repeats.
type scriptedSender struct {
	mu       sync.Mutex
	outcomes []webhook.Outcome
	attempts int
}

func (s *scriptedSender) Send(ctx context.Context, url string, body webhook.PaymentConfirmedBody) webhook.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.attempts
	if i >= len(s.outcomes) {
		i = len(s.outcomes) - 1
	}
	s.attempts++
	return s.outcomes[i]
}

func (s *scriptedSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// sleepRecorder captures the waits the queue requested without spending
// real clock time.
type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slept = append(r.slept, d)
	return nil
}

func (r *sleepRecorder) durations() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.slept...)
}

func runOneJob(t *testing.T, sender webhook.Sender, recorder *sleepRecorder, extra ...webhook.QueueOption) {
	t.Helper()
	opts := append([]webhook.QueueOption{
		webhook.WithWorkers(1),
		webhook.WithSleep(recorder.sleep),
	}, extra...)
	q := webhook.NewQueue(sender, opts...)
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(webhook.Job{URL: "http://merchant.example/hook", Body: confirmedBody()}))
	q.Close()
}

func TestDeliverRetrySchedule(t *testing.T) {
	t.Run("Persistent failure makes four attempts at the fixed schedule", func(t *testing.T) {
		sender := &scriptedSender{outcomes: []webhook.Outcome{{StatusCode: 500}}}
		recorder := &sleepRecorder{}

		var failedMu sync.Mutex
		var failed []webhook.Outcome
		runOneJob(t, sender, recorder, webhook.WithOnFailed(func(job webhook.Job, last webhook.Outcome) {
			failedMu.Lock()
			failed = append(failed, last)
			failedMu.Unlock()
		}))

		assert.Equal(t, 4, sender.count())
		assert.Equal(t, []time.Duration{10 * time.Second, 30 * time.Second, 90 * time.Second},
			recorder.durations())
		require.Len(t, failed, 1, "exhaustion must be reported exactly once")
		assert.Equal(t, 500, failed[0].StatusCode)
	})

	t.Run("Failure then success stops after the second attempt", func(t *testing.T) {
		sender := &scriptedSender{outcomes: []webhook.Outcome{
			{StatusCode: 500},
			{OK: true, StatusCode: 200},
		}}
		recorder := &sleepRecorder{}

		onFailedCalled := false
		runOneJob(t, sender, recorder, webhook.WithOnFailed(func(webhook.Job, webhook.Outcome) {
			onFailedCalled = true
		}))

		assert.Equal(t, 2, sender.count())
		assert.Equal(t, []time.Duration{10 * time.Second}, recorder.durations())
		assert.False(t, onFailedCalled)
	})

	t.Run("First-attempt success never sleeps", func(t *testing.T) {
		sender := &scriptedSender{outcomes: []webhook.Outcome{{OK: true, StatusCode: 200}}}
		recorder := &sleepRecorder{}
		runOneJob(t, sender, recorder)

		assert.Equal(t, 1, sender.count())
		assert.Empty(t, recorder.durations())
	})

	t.Run("Cancelled context stops the retry sequence", func(t *testing.T) {
		sender := &scriptedSender{outcomes: []webhook.Outcome{{StatusCode: 500}}}
		failed := make(chan webhook.Outcome, 1)

		q := webhook.NewQueue(sender,
			webhook.WithWorkers(1),
			webhook.WithSleep(func(ctx context.Context, d time.Duration) error {
				return context.Canceled
			}),
			webhook.WithOnFailed(func(job webhook.Job, last webhook.Outcome) {
				failed <- last
			}))
		q.Start(context.Background())
		require.NoError(t, q.Enqueue(webhook.Job{URL: "http://merchant.example/hook", Body: confirmedBody()}))
		q.Close()

		assert.Equal(t, 1, sender.count())
		select {
		case <-failed:
		default:
			t.Fatal("aborted delivery must still be reported as failed")
		}
	})
}

type recordingFailureStore struct {
	mu      sync.Mutex
	records []int
}

func (s *recordingFailureStore) RecordWebhookFailure(ctx context.Context, job webhook.Job, attempts int, last webhook.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, attempts)
	return nil
}

func TestFailureStoreAudit(t *testing.T) {
	sender := &scriptedSender{outcomes: []webhook.Outcome{{StatusCode: 503}}}
	store := &recordingFailureStore{}
	runOneJob(t, sender, &sleepRecorder{}, webhook.WithFailureStore(store))

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.records, 1)
	assert.Equal(t, 4, store.records[0])
}

// gateSender blocks every attempt until released, to observe how many
// deliveries run at once.
type gateSender struct {
	started chan struct{}
	release chan struct{}
}

func (g *gateSender) Send(ctx context.Context, url string, body webhook.PaymentConfirmedBody) webhook.Outcome {
	g.started <- struct{}{}
	<-g.release
	return webhook.Outcome{OK: true, StatusCode: 200}
}

func TestWorkerPoolConcurrency(t *testing.T) {
	sender := &gateSender{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
	q := webhook.NewQueue(sender)
	q.Start(context.Background())

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(webhook.Job{URL: "http://merchant.example/hook", Body: confirmedBody()}))
	}

	for i := 0; i < 5; i++ {
		select {
		case <-sender.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 5 concurrent deliveries, saw %d", i)
		}
	}
	select {
	case <-sender.started:
		t.Fatal("sixth delivery started while all five workers were busy")
	case <-time.After(50 * time.Millisecond):
	}

	close(sender.release)
	q.Close()
}

func TestQueueLifecycle(t *testing.T) {
	t.Run("Enqueue before start is rejected", func(t *testing.T) {
		q := webhook.NewQueue(&scriptedSender{outcomes: []webhook.Outcome{{OK: true}}})
		err := q.Enqueue(webhook.Job{URL: "http://merchant.example/hook"})
		assert.Equal(t, msqpay.ErrCodeWebhookDeliveryFailed, msqpay.ErrorCode(err))
	})

	t.Run("Enqueue after close is rejected", func(t *testing.T) {
		q := webhook.NewQueue(&scriptedSender{outcomes: []webhook.Outcome{{OK: true}}})
		q.Start(context.Background())
		q.Close()
		err := q.Enqueue(webhook.Job{URL: "http://merchant.example/hook"})
		assert.Equal(t, msqpay.ErrCodeWebhookDeliveryFailed, msqpay.ErrorCode(err))
	})
}

func TestPayloadShape(t *testing.T) {
	t.Run("Absent optional fields serialize as null", func(t *testing.T) {
		body := confirmedBody()
		body.OrderID = nil
		body.TxHash = nil

		raw, err := json.Marshal(body)
		require.NoError(t, err)

		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &decoded))
		for _, key := range []string{"paymentId", "orderId", "status", "txHash", "amount", "tokenSymbol", "confirmedAt"} {
			_, present := decoded[key]
			assert.True(t, present, "key %q must always be present", key)
		}
		assert.Nil(t, decoded["orderId"])
		assert.Nil(t, decoded["txHash"])
		assert.Equal(t, "CONFIRMED", decoded["status"])
	})
}

func TestHTTPSender(t *testing.T) {
	t.Run("2xx is success", func(t *testing.T) {
		var got webhook.PaymentConfirmedBody
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		outcome := webhook.NewHTTPSender(nil).Send(context.Background(), server.URL, confirmedBody())
		assert.True(t, outcome.OK)
		assert.Equal(t, http.StatusAccepted, outcome.StatusCode)
		assert.Equal(t, "0xpay", got.PaymentID)
	})

	t.Run("5xx is failure with status code", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		outcome := webhook.NewHTTPSender(nil).Send(context.Background(), server.URL, confirmedBody())
		assert.False(t, outcome.OK)
		assert.Equal(t, http.StatusInternalServerError, outcome.StatusCode)
		assert.NoError(t, outcome.Err)
	})

	t.Run("Unreachable endpoint reports a transport error", func(t *testing.T) {
		outcome := webhook.NewHTTPSender(nil).Send(context.Background(), "http://127.0.0.1:1/hook", confirmedBody())
		assert.False(t, outcome.OK)
		assert.Zero(t, outcome.StatusCode)
		assert.Error(t, outcome.Err)
	})
}

func TestFailureError(t *testing.T) {
	job := webhook.Job{URL: "http://merchant.example/hook", Body: confirmedBody()}
	err := webhook.FailureError(job, webhook.Outcome{StatusCode: 500})
	assert.Equal(t, msqpay.ErrCodeWebhookDeliveryFailed, err.Code)
	assert.Equal(t, "0xpay", err.Details["paymentId"])
	assert.Equal(t, 500, err.Details["httpStatus"])
}
