package loom

import (
	"context"
	"sync"
	"time"
)

// rateLimitModel wraps a Model with proactive rate limiting. Calls block until
// the per-minute request and token budgets admit them.
type rateLimitModel struct {
	inner Model
	now   func() time.Time

	mu       sync.Mutex
	rpm      int
	requests []time.Time // sliding window of admitted calls
	tpm      int
	tokens   []tokenEntry // sliding window of usage reports
}

type tokenEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*rateLimitModel)

// RPM sets the maximum model calls per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitModel) { r.rpm = n }
}

// TPM sets the maximum tokens per minute, input plus output. It is a soft
// limit: the call that crosses it completes and later calls wait.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitModel) { r.tpm = n }
}

// WithRateLimit wraps m with a sliding-window limiter:
//
//	model = loom.WithRateLimit(model, loom.RPM(60), loom.TPM(100000))
//	model = loom.WithRateLimit(loom.WithRetry(model), loom.RPM(60))
func WithRateLimit(m Model, opts ...RateLimitOption) Model {
	r := &rateLimitModel{inner: m, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitModel) Name() string { return r.inner.Name() }

func (r *rateLimitModel) Generate(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	if err := r.wait(ctx); err != nil {
		return ModelResponse{}, err
	}
	resp, err := r.inner.Generate(ctx, req)
	if err == nil {
		r.record(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitModel) Stream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (ModelResponse, error) {
	if err := r.wait(ctx); err != nil {
		close(ch)
		return ModelResponse{}, err
	}
	resp, err := r.inner.Stream(ctx, req, ch)
	if err == nil {
		r.record(resp.Usage)
	}
	return resp, err
}

// wait blocks until reserve admits a call or ctx ends.
func (r *rateLimitModel) wait(ctx context.Context) error {
	for {
		d := r.reserve()
		if d == 0 {
			return nil
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve admits a call and returns 0, or returns how long to wait before
// asking again.
func (r *rateLimitModel) reserve() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-time.Minute)
	r.requests = dropBefore(r.requests, cutoff, func(t time.Time) time.Time { return t })
	r.tokens = dropBefore(r.tokens, cutoff, func(e tokenEntry) time.Time { return e.at })

	rpmFull := r.rpm > 0 && len(r.requests) >= r.rpm
	tpmFull := false
	if r.tpm > 0 {
		var used int
		for _, e := range r.tokens {
			used += e.tokens
		}
		tpmFull = used >= r.tpm
	}
	if !rpmFull && !tpmFull {
		if r.rpm > 0 {
			r.requests = append(r.requests, now)
		}
		return 0
	}

	// Wait until the oldest entry of a full window expires, then re-check.
	var wait time.Duration
	if rpmFull {
		wait = r.requests[0].Add(time.Minute).Sub(now)
	}
	if tpmFull {
		if w := r.tokens[0].at.Add(time.Minute).Sub(now); wait == 0 || w < wait {
			wait = w
		}
	}
	if wait <= 0 {
		wait = 10 * time.Millisecond
	}
	return wait
}

// record adds a call's token usage to the TPM window.
func (r *rateLimitModel) record(u Usage) {
	if r.tpm <= 0 || u.Total() <= 0 {
		return
	}
	r.mu.Lock()
	r.tokens = append(r.tokens, tokenEntry{at: r.now(), tokens: u.Total()})
	r.mu.Unlock()
}

// dropBefore removes the leading entries of a time-ordered window that are
// older than cutoff.
func dropBefore[E any](s []E, cutoff time.Time, at func(E) time.Time) []E {
	i := 0
	for i < len(s) && at(s[i]).Before(cutoff) {
		i++
	}
	return s[i:]
}

var _ Model = (*rateLimitModel)(nil)
