// Package forward delivers received account events to the downstream HTTP
// sink. Delivery is at-most-once: transient failures are retried with
// bounded exponential backoff, then the event is dropped and reported.
//
// Each account gets its own FIFO queue and worker goroutine, so events for
// one account are delivered in the order received while a slow sink never
// stalls the WebSocket read loop that produced them.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/whitetrader/wsrelay/internal/model"
)

// Config holds sink delivery settings.
type Config struct {
	BaseURL      string        // Trading backend base URL
	Timeout      time.Duration // Per-request timeout
	MaxRetries   int           // Retry ceiling after the first attempt
	RetryBackoff time.Duration // Initial backoff between attempts
	QueueSize    int           // Per-account queue depth
}

// Forwarder queues and delivers events to the sink.
type Forwarder struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	queues map[int64]chan model.Event
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Forwarder) {
		f.httpClient = hc
	}
}

// NewForwarder creates a forwarder. Call Close to release its workers.
func NewForwarder(cfg Config, opts ...Option) *Forwarder {
	ctx, cancel := context.WithCancel(context.Background())

	f := &Forwarder{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
		queues:     make(map[int64]chan model.Event),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Dispatch enqueues an event for delivery. It never blocks: when the
// account's queue is full the event is dropped and counted against the
// account in the logs. Order within an account is preserved.
func (f *Forwarder) Dispatch(event model.Event) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	queue, ok := f.queues[event.AccountID]
	if !ok {
		queue = make(chan model.Event, f.cfg.QueueSize)
		f.queues[event.AccountID] = queue
		f.wg.Add(1)
		go f.worker(event.AccountID, queue)
	}
	f.mu.Unlock()

	select {
	case queue <- event:
	default:
		f.logger.Warn("forward queue full, dropping event",
			"account_id", event.AccountID,
			"kind", event.Kind,
		)
	}
}

// Close stops accepting events and waits for in-flight deliveries to finish
// or the context to expire. Queued events still get their retry budget.
func (f *Forwarder) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, queue := range f.queues {
		close(queue)
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		f.cancel() // abandon remaining retries
		return ctx.Err()
	}
}

// worker drains one account's queue sequentially.
func (f *Forwarder) worker(accountID int64, queue <-chan model.Event) {
	defer f.wg.Done()

	for event := range queue {
		if err := f.deliver(event); err != nil {
			f.logger.Error("event dropped after retries exhausted",
				"account_id", accountID,
				"kind", event.Kind,
				"error", err,
			)
		}
	}
}

// deliver posts one event with bounded exponential backoff.
func (f *Forwarder) deliver(event model.Event) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = f.cfg.RetryBackoff

	attempt := 0
	_, err := backoff.Retry(f.ctx, func() (struct{}, error) {
		attempt++
		err := f.post(f.ctx, event)
		if err == nil {
			return struct{}{}, nil
		}
		if !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		f.logger.Debug("retrying forward",
			"account_id", event.AccountID,
			"attempt", attempt,
			"error", err,
		)
		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(uint(f.cfg.MaxRetries+1)))

	return err
}

// SinkError represents a non-2xx response from the sink.
type SinkError struct {
	StatusCode int
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink responded %d", e.StatusCode)
}

// isRetryable reports whether a delivery error is worth another attempt.
// Network errors and 5xx are transient; anything else is final.
func isRetryable(err error) bool {
	if sinkErr, ok := err.(*SinkError); ok {
		return sinkErr.StatusCode >= 500 || sinkErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

func (f *Forwarder) post(ctx context.Context, event model.Event) error {
	url := fmt.Sprintf("%s/api/accounts/%d/wsPayload", f.cfg.BaseURL, event.AccountID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(event.Params))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &SinkError{StatusCode: resp.StatusCode}
	}

	return nil
}
