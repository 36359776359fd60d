package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nevindra/loom"
	"github.com/nevindra/loom/internal/config"
)

// scriptModel answers with scripted responses in order.
type scriptModel struct {
	mu        sync.Mutex
	responses []loom.ModelResponse
	calls     int
}

func (m *scriptModel) Name() string { return "script" }

func (m *scriptModel) Generate(context.Context, loom.ModelRequest) (loom.ModelResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return loom.ModelResponse{Events: []loom.Event{loom.AssistantMessage("done")}}, nil
}

func (m *scriptModel) Stream(ctx context.Context, req loom.ModelRequest, ch chan<- loom.StreamEvent) (loom.ModelResponse, error) {
	defer close(ch)
	return m.Generate(ctx, req)
}

func callResponse(id, name, args string) loom.ModelResponse {
	return loom.ModelResponse{Events: []loom.Event{
		loom.ToolCall{ToolID: name, CallID: id, Name: name, Arguments: json.RawMessage(args)},
	}}
}

func textResponse(s string) loom.ModelResponse {
	return loom.ModelResponse{Events: []loom.Event{loom.AssistantMessage(s)}}
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func invoke(t *testing.T, tk loom.Toolkit, id, args string) (loom.ToolInvocation, error) {
	t.Helper()
	tool, ok := tk.Resolve(id)
	if !ok {
		t.Fatalf("tool %s not found", id)
	}
	return tool.(*loom.FunctionTool).Invoke(context.Background(), loom.NewRunContext("t", nil), json.RawMessage(args), "c1")
}

func TestCalculate(t *testing.T) {
	tests := []struct {
		in      calcArgs
		want    float64
		wantErr bool
	}{
		{calcArgs{"add", 2, 3}, 5, false},
		{calcArgs{"sub", 2, 3}, -1, false},
		{calcArgs{"mul", 4, 2.5}, 10, false},
		{calcArgs{"div", 9, 3}, 3, false},
		{calcArgs{"div", 1, 0}, 0, true},
		{calcArgs{"pow", 2, 2}, 0, true},
	}
	for _, tt := range tests {
		got, err := calculate(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("calculate(%+v) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("calculate(%+v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBuiltinTools(t *testing.T) {
	dir := t.TempDir()
	tk := builtinTools(filepath.Join(dir, "notes.md"), fixedNow)

	if got := len(tk.Tools()); got != 3 {
		t.Fatalf("expected 3 tools, got %d", got)
	}

	inv, err := invoke(t, tk, "current_time", `{"timezone":"UTC"}`)
	if err != nil || inv.Result != "2026-03-01T12:00:00Z" {
		t.Errorf("current_time = %+v, %v", inv, err)
	}
	if _, err := invoke(t, tk, "current_time", `{"timezone":"Mars/Olympus"}`); err == nil {
		t.Error("unknown timezone should fail")
	}
	inv, err = invoke(t, tk, "calculate", `{"op":"mul","a":6,"b":7}`)
	if err != nil || inv.Result != float64(42) {
		t.Errorf("calculate = %+v, %v", inv, err)
	}
	inv, err = invoke(t, tk, "save_note", `{"text":"x"}`)
	if err != nil || inv.Status != loom.ToolRequiresApproval {
		t.Errorf("save_note without approval = %+v, %v", inv, err)
	}
}

func TestSaveNote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "notes.md")
	if _, err := saveNote(path, "  buy milk ", fixedNow()); err != nil {
		t.Fatalf("saveNote: %v", err)
	}
	if _, err := saveNote(path, "call bob", fixedNow()); err != nil {
		t.Fatalf("saveNote: %v", err)
	}
	data, _ := os.ReadFile(path)
	want := "- 2026-03-01 12:00:00 buy milk\n- 2026-03-01 12:00:00 call bob\n"
	if string(data) != want {
		t.Errorf("notes = %q, want %q", data, want)
	}
	if _, err := saveNote(path, " ", fixedNow()); err == nil {
		t.Error("expected error for empty note")
	}
}

func TestAskApproval(t *testing.T) {
	p := &loom.PendingApproval{RequestID: "r1", ToolCalls: []loom.ToolCall{
		{CallID: "c1", Name: "save_note", Arguments: json.RawMessage(`{"text":"a"}`)},
		{CallID: "c2", Name: "save_note", Arguments: json.RawMessage(`{"text":"b"}`)},
	}}
	var out bytes.Buffer
	resp, err := askApproval(bufio.NewReader(strings.NewReader("y\nno\n")), &out, p)
	if err != nil {
		t.Fatalf("askApproval: %v", err)
	}
	if resp.RequestID != "r1" || resp.Decisions["c1"] != loom.Approve || resp.Decisions["c2"] != loom.Deny {
		t.Errorf("resp = %+v", resp)
	}
	if !strings.Contains(out.String(), `save_note wants to run with {"text":"a"}`) {
		t.Errorf("prompt = %q", out.String())
	}

	// Last line without newline still counts.
	resp, err = askApproval(bufio.NewReader(strings.NewReader("y\nyes")), io.Discard, p)
	if err != nil || resp.Decisions["c2"] != loom.Approve {
		t.Errorf("resp = %+v, err = %v", resp, err)
	}

	if _, err := askApproval(bufio.NewReader(strings.NewReader("y\n")), io.Discard, p); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func testRuntime(t *testing.T, model loom.Model, store loom.ThreadStore) *runtime {
	t.Helper()
	notes := filepath.Join(t.TempDir(), "notes.md")
	return &runtime{
		agent:  loom.NewAgent("loom", model, loom.WithToolkit(builtinTools(notes, fixedNow))),
		store:  store,
		logger: slog.New(slog.DiscardHandler),
	}
}

func TestFinishApprovesAndPrints(t *testing.T) {
	model := &scriptModel{responses: []loom.ModelResponse{
		callResponse("c1", "save_note", `{"text":"water plants"}`),
		textResponse("noted"),
	}}
	rt := testRuntime(t, model, nil)
	th := loom.NewThread(rt.agent, loom.Prompt("remember to water plants"))
	res, err := rt.execute(context.Background(), th)
	if err != nil || !res.Suspended() {
		t.Fatalf("execute = %s, %v; want suspended", res.State.Status, err)
	}

	var out bytes.Buffer
	if err := finish(context.Background(), rt, th, res, nil, bufio.NewReader(strings.NewReader("y\n")), &out); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !strings.HasSuffix(out.String(), "noted\n") {
		t.Errorf("output = %q", out.String())
	}
	if th.State().Status != loom.StatusCompleted {
		t.Errorf("status = %s", th.State().Status)
	}
}

func TestFinishLeavesThreadSuspendedOnEOF(t *testing.T) {
	model := &scriptModel{responses: []loom.ModelResponse{
		callResponse("c1", "save_note", `{"text":"x"}`),
	}}
	rt := testRuntime(t, model, nil)
	th := loom.NewThread(rt.agent, loom.Prompt("note x"))
	res, _ := rt.execute(context.Background(), th)

	var out bytes.Buffer
	if err := finish(context.Background(), rt, th, res, nil, bufio.NewReader(strings.NewReader("")), &out); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !strings.Contains(out.String(), "loom resume "+th.ID()) {
		t.Errorf("output = %q", out.String())
	}
	if th.State().Status != loom.StatusSuspended {
		t.Errorf("status = %s", th.State().Status)
	}
}

func TestOpenStoreSQLiteAndResume(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := openStore(ctx, config.StoreConfig{Driver: "sqlite", Path: filepath.Join(dir, "db", "threads.db")}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer store.Close()

	model := &scriptModel{responses: []loom.ModelResponse{
		callResponse("c1", "save_note", `{"text":"x"}`),
		textResponse("saved"),
	}}
	rt := testRuntime(t, model, store)
	th := loom.NewThread(rt.agent, loom.Prompt("note x"), rt.threadOpts()...)
	if _, err := rt.execute(ctx, th); err != nil {
		t.Fatalf("execute: %v", err)
	}

	list, err := store.ListThreads(ctx, loom.StatusSuspended, 0)
	if err != nil || len(list) != 1 || list[0].ThreadID != th.ID() {
		t.Fatalf("ListThreads = %+v, %v", list, err)
	}
	var table bytes.Buffer
	if err := printThreads(&table, list); err != nil || !strings.Contains(table.String(), th.ID()) {
		t.Errorf("printThreads = %q, %v", table.String(), err)
	}

	snap, err := store.LoadThread(ctx, th.ID())
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	restored, err := loom.RestoreThread(rt.agent, snap, rt.threadOpts()...)
	if err != nil {
		t.Fatalf("RestoreThread: %v", err)
	}
	var out bytes.Buffer
	res := loom.Result{ThreadID: restored.ID(), State: restored.State()}
	if err := finish(ctx, rt, restored, res, nil, bufio.NewReader(strings.NewReader("y\n")), &out); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !strings.HasSuffix(out.String(), "saved\n") {
		t.Errorf("output = %q", out.String())
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	s, err := openStore(context.Background(), config.StoreConfig{Driver: "none"}, slog.New(slog.DiscardHandler))
	if err != nil || s != nil {
		t.Errorf("none driver = %v, %v", s, err)
	}
	if _, err := openStore(context.Background(), config.StoreConfig{Driver: "mongo"}, slog.New(slog.DiscardHandler)); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestPrintOutput(t *testing.T) {
	var out bytes.Buffer
	printOutput(&out, map[string]int{"n": 1})
	if out.String() != "{\n  \"n\": 1\n}\n" {
		t.Errorf("output = %q", out.String())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log = %q", buf.String())
	}
}

func TestToolkits(t *testing.T) {
	cfg := config.Default().Tools
	if got := len(toolkits(cfg)); got != 1 {
		t.Errorf("default toolkits = %d, want fetch only", got)
	}
	cfg.Files, cfg.Shell, cfg.Workspace = true, true, t.TempDir()
	opts := toolkits(cfg)
	agent := loom.NewAgent("a", &scriptModel{}, opts...)
	for _, id := range []string{"http_fetch", "file_read", "file_write", "shell_exec"} {
		if _, ok := agent.ResolveTool(id); !ok {
			t.Errorf("tool %s not resolvable", id)
		}
	}
}

func TestNewModel(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Provider = "groq"
	cfg.RateLimit.RPM = 60
	m, err := newModel(cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("newModel: %v", err)
	}
	if m.Name() != "groq" {
		t.Errorf("Name() = %q, want groq", m.Name())
	}

	cfg.Model.Provider = "nowhere"
	if _, err := newModel(cfg, slog.New(slog.DiscardHandler)); err == nil {
		t.Error("expected error for unknown provider without base_url")
	}
}
