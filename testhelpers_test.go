package loom

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// --- Model mocks ---

// mockModel returns scripted responses in order and records every request.
// Past the end of the script it answers with a plain "done" message.
type mockModel struct {
	mu        sync.Mutex
	responses []ModelResponse
	errs      []error // errs[i] != nil fails call i
	requests  []ModelRequest
}

func (m *mockModel) Name() string { return "mock" }

func (m *mockModel) Generate(_ context.Context, req ModelRequest) (ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := len(m.requests)
	m.requests = append(m.requests, req)
	if i < len(m.errs) && m.errs[i] != nil {
		return ModelResponse{}, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return textResponse("done"), nil
}

func (m *mockModel) Stream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (ModelResponse, error) {
	defer close(ch)
	return m.Generate(ctx, req)
}

func (m *mockModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockModel) request(i int) ModelRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// funcModel adapts a function to Model.
type funcModel func(ctx context.Context, req ModelRequest) (ModelResponse, error)

func (f funcModel) Name() string { return "func" }
func (f funcModel) Generate(ctx context.Context, req ModelRequest) (ModelResponse, error) {
	return f(ctx, req)
}
func (f funcModel) Stream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (ModelResponse, error) {
	defer close(ch)
	return f(ctx, req)
}

var (
	_ Model = (*mockModel)(nil)
	_ Model = funcModel(nil)
)

// --- Response builders ---

func textResponse(text string) ModelResponse {
	return ModelResponse{
		Events: []Event{AssistantMessage(text)},
		Usage:  Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func callsResponse(calls ...ToolCall) ModelResponse {
	events := make([]Event, len(calls))
	for i, c := range calls {
		events[i] = c
	}
	return ModelResponse{Events: events, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
}

func call(callID, tool, args string) ToolCall {
	return ToolCall{ToolID: tool, CallID: callID, Name: tool, Arguments: json.RawMessage(args)}
}

// --- Tool fixtures ---

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

var addSchema = json.RawMessage(`{"type":"object","properties":{"a":{"type":"integer"},"b":{"type":"integer"}},"required":["a","b"]}`)

func addTool(opts ...ToolOption) *FunctionTool {
	opts = append([]ToolOption{WithParameters(addSchema)}, opts...)
	return Func("add", "Add two integers", func(_ context.Context, _ *RunContext, in addArgs) (any, error) {
		return in.A + in.B, nil
	}, opts...)
}

func failTool(msg string) *FunctionTool {
	return NewFunctionTool("fail", "Always fails", func(context.Context, *RunContext, json.RawMessage) (any, error) {
		return nil, errors.New(msg)
	})
}

func panicTool() *FunctionTool {
	return NewFunctionTool("boom", "Panics", func(context.Context, *RunContext, json.RawMessage) (any, error) {
		panic("kaboom")
	})
}

func sleepTool(id string, d time.Duration) *FunctionTool {
	return NewFunctionTool(id, "Sleeps then echoes its id", func(ctx context.Context, _ *RunContext, _ json.RawMessage) (any, error) {
		select {
		case <-time.After(d):
			return id, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// barrierTool blocks until every participant has started, proving the calls
// run concurrently. A sequential executor would time out.
type barrier struct {
	started chan struct{}
	n       int
}

func newBarrier(n int) *barrier {
	return &barrier{started: make(chan struct{}, n), n: n}
}

func (b *barrier) tool(id string) *FunctionTool {
	return NewFunctionTool(id, "Waits for its siblings", func(ctx context.Context, _ *RunContext, _ json.RawMessage) (any, error) {
		b.started <- struct{}{}
		deadline := time.After(5 * time.Second)
		for len(b.started) < b.n {
			select {
			case <-deadline:
				return nil, errors.New("siblings never started")
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		return id, nil
	})
}

// --- Store mock ---

// memStore is an in-memory ThreadStore that keeps every saved snapshot.
type memStore struct {
	mu    sync.Mutex
	saves []Snapshot
	byID  map[string]Snapshot
	err   error
}

func newMemStore() *memStore { return &memStore{byID: make(map[string]Snapshot)} }

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

func (s *memStore) SaveThread(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves = append(s.saves, snap)
	s.byID[snap.ThreadID] = snap
	return nil
}

func (s *memStore) LoadThread(_ context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[id]
	if !ok {
		return Snapshot{}, ErrThreadNotFound
	}
	return snap, nil
}

func (s *memStore) DeleteThread(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *memStore) ListThreads(_ context.Context, status RunStatus, limit int) ([]ThreadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ThreadSummary
	for _, snap := range s.byID {
		if status != "" && snap.State.Status != status {
			continue
		}
		out = append(out, ThreadSummary{ThreadID: snap.ThreadID, AgentID: snap.AgentID, Status: snap.State.Status, Tick: snap.State.Tick, UpdatedAt: snap.UpdatedAt})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ ThreadStore = (*memStore)(nil)

// --- History helpers ---

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func toolResults(events []Event) []ToolResult {
	var out []ToolResult
	for _, ev := range events {
		if r, ok := ev.(ToolResult); ok {
			out = append(out, r)
		}
	}
	return out
}
