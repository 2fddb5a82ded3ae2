package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	msqpay "github.com/msqpay/relay-go"
)

const (
	defaultWorkers = 5
	defaultBuffer  = 256
)

// DefaultRetrySchedule is the wait before each retry. Three retries after
// the initial attempt, so four attempts total per job.
var DefaultRetrySchedule = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	90 * time.Second,
}

// SleepFunc waits for d or until ctx is done. Injectable so retry timing
// is testable without real clock time.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FailureStore persists an audit row for a job whose retries are
// exhausted, so operators can replay it manually.
type FailureStore interface {
	RecordWebhookFailure(ctx context.Context, job Job, attempts int, last Outcome) error
}

// Queue runs webhook deliveries on a fixed-size worker pool. Each worker
// owns one job's full retry sequence; a slow endpoint delays only the jobs
// behind it, never reorders retries within a job.
type Queue struct {
	sender   Sender
	schedule []time.Duration
	sleep    SleepFunc
	onFailed func(Job, Outcome)
	failures FailureStore
	logger   *slog.Logger
	workers  int

	jobs chan Job
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithRetrySchedule overrides the waits between attempts. An empty
// schedule means a single attempt with no retries.
func WithRetrySchedule(schedule []time.Duration) QueueOption {
	return func(q *Queue) {
		q.schedule = append([]time.Duration(nil), schedule...)
	}
}

// WithSleep substitutes the wait function, for virtual-time tests.
func WithSleep(sleep SleepFunc) QueueOption {
	return func(q *Queue) {
		if sleep != nil {
			q.sleep = sleep
		}
	}
}

// WithOnFailed registers a callback invoked once per job whose retries
// are exhausted.
func WithOnFailed(fn func(Job, Outcome)) QueueOption {
	return func(q *Queue) { q.onFailed = fn }
}

// WithFailureStore registers an audit store for exhausted jobs.
func WithFailureStore(store FailureStore) QueueOption {
	return func(q *Queue) { q.failures = store }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = logger }
}

// NewQueue constructs a delivery queue. Call Start before Enqueue.
func NewQueue(sender Sender, opts ...QueueOption) *Queue {
	q := &Queue{
		sender:   sender,
		schedule: DefaultRetrySchedule,
		sleep:    sleepContext,
		logger:   slog.Default(),
		workers:  defaultWorkers,
		jobs:     make(chan Job, defaultBuffer),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker pool. Workers run until Close is called and
// the queue drains, or ctx is cancelled mid-delivery.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				q.deliver(ctx, job)
			}
		}()
	}
}

// Enqueue schedules a delivery. Blocks when the buffer is full so
// producers back-pressure instead of dropping notifications.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	if !q.started || q.closed {
		q.mu.Unlock()
		return msqpay.NewPaymentError(msqpay.ErrCodeWebhookDeliveryFailed,
			"webhook queue is not accepting jobs", nil)
	}
	q.mu.Unlock()

	q.jobs <- job
	return nil
}

// Close stops accepting jobs and waits for in-flight deliveries,
// including their remaining retries, to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed || !q.started {
		q.closed = true
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
}

// deliver runs one job's attempt sequence to completion.
func (q *Queue) deliver(ctx context.Context, job Job) {
	var last Outcome
	attempts := 0
	for {
		attempts++
		last = q.sender.Send(ctx, job.URL, job.Body)
		if last.OK {
			q.logger.Info("webhook delivered",
				"payment_id", job.Body.PaymentID,
				"url", job.URL,
				"attempts", attempts)
			return
		}

		q.logger.Warn("webhook attempt failed",
			"payment_id", job.Body.PaymentID,
			"url", job.URL,
			"attempt", attempts,
			"http_status", last.StatusCode,
			"error", last.Err)

		if attempts > len(q.schedule) {
			break
		}
		if err := q.sleep(ctx, q.schedule[attempts-1]); err != nil {
			break
		}
	}

	q.logger.Error("webhook delivery exhausted",
		"payment_id", job.Body.PaymentID,
		"url", job.URL,
		"attempts", attempts)

	if q.failures != nil {
		if err := q.failures.RecordWebhookFailure(ctx, job, attempts, last); err != nil {
			q.logger.Error("failed to record webhook failure",
				"payment_id", job.Body.PaymentID, "error", err)
		}
	}
	if q.onFailed != nil {
		q.onFailed(job, last)
	}
}

// FailureError builds the stable error for an exhausted delivery, used by
// FailureStore implementations and operator tooling.
func FailureError(job Job, last Outcome) *msqpay.PaymentError {
	details := map[string]interface{}{
		"paymentId": job.Body.PaymentID,
		"url":       job.URL,
	}
	if last.StatusCode != 0 {
		details["httpStatus"] = last.StatusCode
	}
	if last.Err != nil {
		details["cause"] = fmt.Sprintf("%v", last.Err)
	}
	return msqpay.NewPaymentError(msqpay.ErrCodeWebhookDeliveryFailed,
		"webhook delivery failed after all retries", details)
}
