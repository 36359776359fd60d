package loom

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Sentinels for errors.Is. The typed errors below match one of them.
var (
	// ErrTransport marks model transport failures (network, auth, malformed reply).
	ErrTransport = errors.New("model transport failure")
	// ErrModelBehavior marks model output that violates the output contract.
	ErrModelBehavior = errors.New("model output violates contract")
	// ErrContract marks misconfigured capabilities, such as a host-executed
	// tool reaching the local executor.
	ErrContract = errors.New("capability contract violation")
	// ErrMaxTicks marks a run that hit the tick ceiling.
	ErrMaxTicks = errors.New("tick limit reached")
	// ErrNoOutput means history holds no terminal assistant text yet.
	ErrNoOutput = errors.New("no terminal assistant text")

	ErrNotSuspended    = errors.New("thread is not suspended")
	ErrThreadSuspended = errors.New("thread is suspended; call Resume")
	ErrThreadFinished  = errors.New("thread already finished")
	ErrThreadBusy      = errors.New("thread is already executing")
	ErrThreadNotFound  = errors.New("thread not found")
)

// TransportError wraps a failure from Model.Generate.
type TransportError struct {
	Model string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("model %s: %v", e.Model, e.Err)
}

func (e *TransportError) Unwrap() error        { return e.Err }
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// OutputError reports terminal text that failed the output contract.
type OutputError struct {
	Text string
	Err  error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("final output rejected: %v", e.Err)
}

func (e *OutputError) Unwrap() error        { return e.Err }
func (e *OutputError) Is(target error) bool { return target == ErrModelBehavior }

// ContractError reports a capability that cannot be executed the way the
// model asked for it. The run fails.
type ContractError struct {
	ToolID string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.ToolID, e.Reason)
}

func (e *ContractError) Is(target error) bool { return target == ErrContract }

// TickLimitError is returned when a run reaches its tick ceiling without a
// final answer.
type TickLimitError struct {
	Limit int
}

func (e *TickLimitError) Error() string {
	return fmt.Sprintf("no final answer after %d ticks", e.Limit)
}

func (e *TickLimitError) Is(target error) bool { return target == ErrMaxTicks }

// ApprovalMismatchError is returned by Resume when the response answers a
// different approval request than the one the thread is waiting on.
type ApprovalMismatchError struct {
	Want string
	Got  string
}

func (e *ApprovalMismatchError) Error() string {
	return fmt.Sprintf("approval response for request %q, thread waits on %q", e.Got, e.Want)
}

// ErrLLM is a provider-level failure that is not an HTTP status.
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP is a non-2xx response from a model endpoint. RetryAfter is parsed
// from the Retry-After header and is zero when absent.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ParseRetryAfter parses a Retry-After header value given either as
// delay-seconds or as an HTTP date. Returns 0 when empty or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
