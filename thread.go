package loom

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Input seeds a thread's history.
type Input interface {
	events() []Event
}

type promptInput string

func (p promptInput) events() []Event { return []Event{UserMessage(string(p))} }

type eventsInput []Event

func (e eventsInput) events() []Event { return cloneEvents(e) }

// Prompt starts a thread from a single user message.
func Prompt(text string) Input { return promptInput(text) }

// Events starts a thread from a prepared history, used verbatim.
func Events(events ...Event) Input { return eventsInput(events) }

// Thread is one run of an Agent over a growing history. A thread executes
// once; after suspension it continues through Resume. Execute and Resume must
// not be called concurrently; overlapping calls get ErrThreadBusy.
type Thread struct {
	id        string
	agent     *Agent
	rc        *RunContext
	store     ThreadStore
	logger    *slog.Logger
	createdAt int64

	busy atomic.Bool

	mu      sync.RWMutex // guards history, state and output for readers outside the run
	history []Event
	state   RunState
	output  any
}

// ThreadOption configures a Thread.
type ThreadOption func(*Thread)

// WithThreadID overrides the generated thread id.
func WithThreadID(id string) ThreadOption {
	return func(t *Thread) { t.id = id }
}

// WithContextData attaches caller data, visible to tools as RunContext.Data.
func WithContextData(data any) ThreadOption {
	return func(t *Thread) { t.rc.Data = data }
}

// WithThreadStore checkpoints the thread to s after every committed step.
func WithThreadStore(s ThreadStore) ThreadOption {
	return func(t *Thread) { t.store = s }
}

// NewThread creates a ready thread for agent seeded with input.
func NewThread(agent *Agent, input Input, opts ...ThreadOption) *Thread {
	t := &Thread{
		id:        NewID(),
		agent:     agent,
		rc:        &RunContext{},
		createdAt: NowUnix(),
		state:     RunState{Status: StatusReady},
	}
	if input != nil {
		t.history = input.events()
	}
	for _, opt := range opts {
		opt(t)
	}
	t.rc.ThreadID = t.id
	t.logger = agent.logger.With("thread", t.id, "agent", agent.id)
	return t
}

// RestoreThread rebuilds a thread from a snapshot. The snapshot must come
// from a thread of the same agent id.
func RestoreThread(agent *Agent, snap Snapshot, opts ...ThreadOption) (*Thread, error) {
	if snap.AgentID != "" && snap.AgentID != agent.id {
		return nil, fmt.Errorf("restore thread %s: snapshot belongs to agent %q, not %q", snap.ThreadID, snap.AgentID, agent.id)
	}
	t := &Thread{
		id:        snap.ThreadID,
		agent:     agent,
		rc:        &RunContext{},
		createdAt: snap.CreatedAt,
		history:   cloneEvents(snap.History),
		state:     snap.State.clone(),
		output:    snap.Output,
	}
	if t.state.Status == "" {
		t.state.Status = StatusReady
	}
	for _, opt := range opts {
		opt(t)
	}
	t.rc.ThreadID = t.id
	t.logger = agent.logger.With("thread", t.id, "agent", agent.id)
	return t, nil
}

// ID returns the thread id.
func (t *Thread) ID() string { return t.id }

// Agent returns the agent the thread runs.
func (t *Thread) Agent() *Agent { return t.agent }

// History returns a copy of the thread's history.
func (t *Thread) History() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneEvents(t.history)
}

// State returns a copy of the run state.
func (t *Thread) State() RunState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.clone()
}

// Snapshot captures everything needed to rebuild the thread with
// RestoreThread, including a pending approval.
func (t *Thread) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ThreadID:  t.id,
		AgentID:   t.agent.id,
		History:   cloneEvents(t.history),
		State:     t.state.clone(),
		Output:    t.output,
		CreatedAt: t.createdAt,
		UpdatedAt: NowUnix(),
	}
}

// Execute runs the thread until the model produces a final answer, a tool
// call needs approval, or a fault stops it. A suspended run returns a Result
// with Suspended() true and a nil error.
//
// A thread interrupted by ctx keeps its history and status and can be
// executed again. Executing a suspended thread returns ErrThreadSuspended; a
// finished one returns ErrThreadFinished.
func (t *Thread) Execute(ctx context.Context) (Result, error) {
	if !t.busy.CompareAndSwap(false, true) {
		return Result{}, ErrThreadBusy
	}
	defer t.busy.Store(false)

	switch t.state.Status {
	case StatusSuspended:
		return t.result(), ErrThreadSuspended
	case StatusCompleted, StatusFailed:
		return t.result(), ErrThreadFinished
	}

	ctx, span := startSpan(ctx, t.agent.tracer, "thread.execute",
		StringAttr("thread.id", t.id),
		StringAttr("agent.id", t.agent.id))
	defer span.End()
	t.logger.Info("thread executing", "tick", t.state.Tick, "status", string(t.state.Status))

	// A thread restored mid-dispatch first finishes the calls that never
	// produced a result.
	if t.state.Status == StatusActionsPending {
		if calls := unresolvedCalls(t.history); len(calls) > 0 {
			pr, err := t.performActions(ctx, &ActionSet{ToolCalls: calls}, nil)
			if err != nil {
				span.Error(err)
				return t.stop(ctx, err)
			}
			if res, done, err := t.commitActions(ctx, pr); done {
				return res, err
			}
		}
	}

	res, err := t.run(ctx)
	if err != nil {
		span.Error(err)
	}
	span.SetAttr(
		StringAttr("thread.status", string(res.State.Status)),
		IntAttr("thread.ticks", res.State.Tick),
		IntAttr("tokens.input", res.State.Usage.InputTokens),
		IntAttr("tokens.output", res.State.Usage.OutputTokens))
	return res, err
}

// update applies fn to the run state under the write lock.
func (t *Thread) update(fn func(s *RunState) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fn(&t.state)
}

func (t *Thread) appendEvents(events ...Event) {
	t.mu.Lock()
	t.history = append(t.history, events...)
	t.mu.Unlock()
}

// result builds the caller-facing view of the thread.
func (t *Thread) result() Result {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Result{ThreadID: t.id, Output: t.output, State: t.state.clone()}
}

// checkpoint saves a snapshot when a store is configured. Cancellation of
// ctx does not abort the save.
func (t *Thread) checkpoint(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveThread(context.WithoutCancel(ctx), t.Snapshot()); err != nil {
		t.logger.Warn("checkpoint failed", "error", err)
		return err
	}
	return nil
}

// unresolvedCalls returns, in order, the tool calls in history that have no
// matching result.
func unresolvedCalls(history []Event) []ToolCall {
	done := make(map[string]bool)
	for _, ev := range history {
		if r, ok := ev.(ToolResult); ok {
			done[r.CallID] = true
		}
	}
	var calls []ToolCall
	for _, ev := range history {
		if c, ok := ev.(ToolCall); ok && !done[c.CallID] {
			calls = append(calls, c)
		}
	}
	return calls
}

// Result is the outcome of Execute or Resume.
type Result struct {
	ThreadID string
	// Output is the resolved final answer: a string for TextOutput, a T for
	// JSONOutput[T]. Nil unless the run completed.
	Output any
	State  RunState
}

// Suspended reports whether the run is waiting on approvals.
func (r Result) Suspended() bool { return r.State.Status == StatusSuspended }

// Pending returns the approval request of a suspended run, or nil.
func (r Result) Pending() *PendingApproval { return r.State.Pending }

// Text returns Output when it is a string.
func (r Result) Text() string {
	s, _ := r.Output.(string)
	return s
}

// OutputAs returns the result's output as T.
func OutputAs[T any](r Result) (T, bool) {
	v, ok := r.Output.(T)
	return v, ok
}

// Snapshot is the serialisable form of a thread.
type Snapshot struct {
	ThreadID  string
	AgentID   string
	History   []Event
	State     RunState
	Output    any
	CreatedAt int64
	UpdatedAt int64
}

type snapshotJSON struct {
	ThreadID  string          `json:"thread_id"`
	AgentID   string          `json:"agent_id"`
	History   json.RawMessage `json:"history"`
	State     RunState        `json:"state"`
	Output    any             `json:"output,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	hist, err := MarshalEvents(s.History)
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshotJSON{
		ThreadID:  s.ThreadID,
		AgentID:   s.AgentID,
		History:   hist,
		State:     s.State,
		Output:    s.Output,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	})
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw snapshotJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var hist []Event
	if len(raw.History) > 0 && string(raw.History) != "null" {
		var err error
		if hist, err = UnmarshalEvents(raw.History); err != nil {
			return err
		}
	}
	*s = Snapshot{
		ThreadID:  raw.ThreadID,
		AgentID:   raw.AgentID,
		History:   hist,
		State:     raw.State,
		Output:    raw.Output,
		CreatedAt: raw.CreatedAt,
		UpdatedAt: raw.UpdatedAt,
	}
	return nil
}
