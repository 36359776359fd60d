package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nevindra/loom"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func snapshot(id string, status loom.RunStatus, tick int, updated int64) loom.Snapshot {
	return loom.Snapshot{
		ThreadID: id,
		AgentID:  "agent-1",
		History: []loom.Event{
			loom.UserMessage("send 5"),
			loom.ToolCall{ToolID: "transfer", CallID: "c1", Name: "transfer", Arguments: json.RawMessage(`{"amount":5}`)},
		},
		State: loom.RunState{
			Tick:   tick,
			Status: status,
			Usage:  loom.Usage{InputTokens: 10, OutputTokens: 4},
		},
		CreatedAt: 1000,
		UpdatedAt: updated,
	}
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestSaveAndLoadThread(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	snap := snapshot("t1", loom.StatusSuspended, 1, 2000)
	snap.State.Pending = &loom.PendingApproval{
		RequestID: "req-1",
		ToolCalls: []loom.ToolCall{snap.History[1].(loom.ToolCall)},
		CreatedAt: 2000,
	}
	if err := s.SaveThread(ctx, snap); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	got, err := s.LoadThread(ctx, "t1")
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if got.ThreadID != "t1" || got.AgentID != "agent-1" {
		t.Errorf("ids = %s/%s", got.ThreadID, got.AgentID)
	}
	if len(got.History) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got.History))
	}
	call, ok := got.History[1].(loom.ToolCall)
	if !ok || call.CallID != "c1" || string(call.Arguments) != `{"amount":5}` {
		t.Errorf("unexpected call: %#v", got.History[1])
	}
	if got.State.Status != loom.StatusSuspended || got.State.Tick != 1 {
		t.Errorf("unexpected state: %+v", got.State)
	}
	if got.State.Pending == nil || got.State.Pending.RequestID != "req-1" {
		t.Errorf("pending not restored: %+v", got.State.Pending)
	}
	if got.State.Usage.Total() != 14 {
		t.Errorf("usage = %+v", got.State.Usage)
	}
	if got.Output != nil {
		t.Errorf("Output = %v, want nil", got.Output)
	}
}

func TestSaveThreadOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.SaveThread(ctx, snapshot("t1", loom.StatusActionsPending, 1, 2000)); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}
	done := snapshot("t1", loom.StatusCompleted, 2, 3000)
	done.History = append(done.History, loom.AssistantMessage("sent"))
	done.Output = map[string]any{"ok": true}
	if err := s.SaveThread(ctx, done); err != nil {
		t.Fatalf("SaveThread: %v", err)
	}

	got, err := s.LoadThread(ctx, "t1")
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if got.State.Status != loom.StatusCompleted || len(got.History) != 3 {
		t.Errorf("expected overwritten snapshot, got %s with %d events", got.State.Status, len(got.History))
	}
	if got.CreatedAt != 1000 || got.UpdatedAt != 3000 {
		t.Errorf("timestamps = %d/%d", got.CreatedAt, got.UpdatedAt)
	}
	out, ok := got.Output.(map[string]any)
	if !ok || out["ok"] != true {
		t.Errorf("Output = %#v", got.Output)
	}
}

func TestLoadThreadNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.LoadThread(context.Background(), "missing")
	if !errors.Is(err, loom.ErrThreadNotFound) {
		t.Errorf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestDeleteThread(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveThread(ctx, snapshot("t1", loom.StatusCompleted, 1, 2000))

	if err := s.DeleteThread(ctx, "t1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
	if _, err := s.LoadThread(ctx, "t1"); !errors.Is(err, loom.ErrThreadNotFound) {
		t.Errorf("thread still present: %v", err)
	}
	if err := s.DeleteThread(ctx, "t1"); err != nil {
		t.Errorf("deleting a missing thread: %v", err)
	}
}

func TestListThreads(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	s.SaveThread(ctx, snapshot("a", loom.StatusCompleted, 2, 1000))
	s.SaveThread(ctx, snapshot("b", loom.StatusSuspended, 1, 3000))
	s.SaveThread(ctx, snapshot("c", loom.StatusSuspended, 3, 2000))

	all, err := s.ListThreads(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(all) != 3 || all[0].ThreadID != "b" || all[2].ThreadID != "a" {
		t.Errorf("expected newest first, got %+v", all)
	}

	suspended, err := s.ListThreads(ctx, loom.StatusSuspended, 1)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(suspended) != 1 || suspended[0].ThreadID != "b" || suspended[0].Tick != 1 {
		t.Errorf("unexpected filtered list: %+v", suspended)
	}
}

func TestConcurrentSaves(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.SaveThread(ctx, snapshot("t", loom.StatusTicking, i, int64(i)))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent SaveThread: %v", err)
		}
	}
	if _, err := s.LoadThread(ctx, "t"); err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
}

func TestThreadCheckpointsAndRestores(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	model := &approvalModel{}
	pay := loom.NewFunctionTool("transfer", "Move money", func(context.Context, *loom.RunContext, json.RawMessage) (any, error) {
		return "sent", nil
	}, loom.RequireApproval())
	agent := loom.NewAgent("bank", model, loom.WithTools(pay))

	th := loom.NewThread(agent, loom.Prompt("send 5"), loom.WithThreadStore(s))
	res, err := th.Execute(ctx)
	if err != nil || !res.Suspended() {
		t.Fatalf("Execute = %s, %v; want suspended", res.State.Status, err)
	}

	snap, err := s.LoadThread(ctx, th.ID())
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	restored, err := loom.RestoreThread(agent, snap, loom.WithThreadStore(s))
	if err != nil {
		t.Fatalf("RestoreThread: %v", err)
	}
	res, err = restored.Resume(ctx, loom.ApproveAll(snap.State.Pending))
	if err != nil || res.Output != "sent it" {
		t.Fatalf("Resume = %v, %v", res.Output, err)
	}

	final, err := s.LoadThread(ctx, th.ID())
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if final.State.Status != loom.StatusCompleted || final.Output != "sent it" {
		t.Errorf("final snapshot = %s / %v", final.State.Status, final.Output)
	}
}

// approvalModel calls transfer once, then answers.
type approvalModel struct{ n int }

func (m *approvalModel) Name() string { return "approval" }
func (m *approvalModel) Generate(context.Context, loom.ModelRequest) (loom.ModelResponse, error) {
	m.n++
	if m.n == 1 {
		return loom.ModelResponse{Events: []loom.Event{
			loom.ToolCall{ToolID: "transfer", CallID: "c1", Name: "transfer", Arguments: json.RawMessage(`{}`)},
		}}, nil
	}
	return loom.ModelResponse{Events: []loom.Event{loom.AssistantMessage("sent it")}}, nil
}
func (m *approvalModel) Stream(ctx context.Context, req loom.ModelRequest, ch chan<- loom.StreamEvent) (loom.ModelResponse, error) {
	defer close(ch)
	return m.Generate(ctx, req)
}
