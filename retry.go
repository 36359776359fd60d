package loom

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryModel wraps a Model and retries transient HTTP failures (429 Too Many
// Requests, 503 Service Unavailable) with exponential backoff.
type retryModel struct {
	inner       Model
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // across all attempts; 0 = no limit
	logger      *slog.Logger
}

// RetryOption configures WithRetry.
type RetryOption func(*retryModel)

// RetryMaxAttempts sets the maximum number of attempts (default 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryModel) { r.maxAttempts = n }
}

// RetryBaseDelay sets the delay before the second attempt (default 1s).
// Each further delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryModel) { r.baseDelay = d }
}

// RetryTimeout bounds the whole retry sequence. Zero disables it.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryModel) { r.timeout = d }
}

// RetryLogger sets the logger for retry warnings and final failures.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryModel) { r.logger = l }
}

// WithRetry wraps m with retries on transient HTTP errors. Delays use
// exponential backoff with jitter and are never shorter than the server's
// Retry-After.
//
//	model = loom.WithRetry(openaicompat.NewProvider(key, "gpt-4o", ""))
//	model = loom.WithRetry(model, loom.RetryMaxAttempts(5), loom.RetryTimeout(time.Minute))
func WithRetry(m Model, opts ...RetryOption) Model {
	r := &retryModel{
		inner:       m,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

func (r *retryModel) Name() string { return r.inner.Name() }

func (r *retryModel) Generate(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		resp, err := r.inner.Generate(ctx, req)
		if err == nil || !isTransient(err) {
			return resp, err
		}
		last = err
		if err := r.backoff(ctx, i, err); err != nil {
			return ModelResponse{}, err
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"model", r.inner.Name(), "attempts", r.maxAttempts, "error", last)
	return ModelResponse{}, last
}

// Stream retries only while nothing has been forwarded to ch; once deltas
// reach the caller an error passes through. ch is always closed.
func (r *retryModel) Stream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (ModelResponse, error) {
	defer close(ch)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan StreamEvent, 64)
		var (
			resp ModelResponse
			err  error
		)
		done := make(chan struct{})
		go func() {
			defer close(done)
			resp, err = r.inner.Stream(ctx, req, mid)
		}()
		forwarded := false
		for ev := range mid {
			forwarded = true
			ch <- ev
		}
		<-done

		if err == nil || !isTransient(err) || forwarded {
			return resp, err
		}
		last = err
		if err := r.backoff(ctx, i, err); err != nil {
			return ModelResponse{}, err
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"model", r.inner.Name(), "attempts", r.maxAttempts, "error", last)
	return ModelResponse{}, last
}

// backoff logs attempt i's failure and sleeps before the next attempt. It
// returns ctx's error if ctx ends first. No sleep follows the last attempt.
func (r *retryModel) backoff(ctx context.Context, i int, err error) error {
	r.logger.Warn("retrying transient error",
		"model", r.inner.Name(),
		"status", statusOf(err),
		"attempt", i+1,
		"max_attempts", r.maxAttempts)
	if i >= r.maxAttempts-1 {
		return nil
	}
	timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withTimeout applies r.timeout unless ctx already has an earlier deadline.
func (r *retryModel) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == 429 || e.Status == 503)
}

func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay is max(backoff, Retry-After) for attempt i.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	d := retryBackoff(base, i)
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > d {
		return e.RetryAfter
	}
	return d
}

// retryBackoff returns base * 2^i plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

var _ Model = (*retryModel)(nil)
