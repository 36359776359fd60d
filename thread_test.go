package loom

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestExecuteSingleTurn(t *testing.T) {
	model := &mockModel{responses: []ModelResponse{textResponse("hello there")}}
	agent := NewAgent("greeter", model)
	th := NewThread(agent, Prompt("hi"))

	res, err := th.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "hello there" {
		t.Errorf("Output = %v, want %q", res.Output, "hello there")
	}
	if res.State.Tick != 1 {
		t.Errorf("Tick = %d, want 1", res.State.Tick)
	}
	if res.State.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", res.State.Status)
	}
	want := []EventKind{KindMessage, KindMessage}
	if got := kinds(th.History()); !slices.Equal(got, want) {
		t.Errorf("history kinds = %v, want %v", got, want)
	}
	if res.State.Usage.InputTokens != 10 || res.State.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", res.State.Usage)
	}
	if len(res.State.ModelResponses) != 1 {
		t.Errorf("ModelResponses = %d, want 1", len(res.State.ModelResponses))
	}
}

func TestExecuteAddRoundTrip(t *testing.T) {
	first := callsResponse(call("c1", "add", `{"a":5,"b":3}`))
	first.Events = append([]Event{AssistantMessage("Let me add those.")}, first.Events...)
	model := &mockModel{responses: []ModelResponse{first, textResponse("8")}}
	agent := NewAgent("calc", model, WithTools(addTool()))
	th := NewThread(agent, Prompt("What is 5+3?"))

	res, err := th.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "8" {
		t.Errorf("Output = %v, want %q", res.Output, "8")
	}
	if res.State.Tick != 2 {
		t.Errorf("Tick = %d, want 2", res.State.Tick)
	}

	hist := th.History()
	want := []EventKind{KindMessage, KindMessage, KindToolCall, KindToolResult, KindMessage}
	if got := kinds(hist); !slices.Equal(got, want) {
		t.Fatalf("history kinds = %v, want %v", got, want)
	}
	roles := []Role{hist[0].(Message).Role, hist[1].(Message).Role, hist[4].(Message).Role}
	if !slices.Equal(roles, []Role{RoleUser, RoleAssistant, RoleAssistant}) {
		t.Errorf("message roles = %v", roles)
	}
	if text, _ := hist[1].(Message).Text(); text != "Let me add those." {
		t.Errorf("tick 1 text = %q", text)
	}
	r := hist[3].(ToolResult)
	if r.CallID != "c1" || r.Status != ToolCompleted || r.Result != 8 {
		t.Errorf("tool result = %+v, want completed 8 for c1", r)
	}

	// The second request carries the call and its result, and advertises add.
	req := model.request(1)
	if len(req.History) != 4 {
		t.Errorf("second request history = %d events, want 4", len(req.History))
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "add" {
		t.Errorf("Tools = %+v, want [add]", req.Tools)
	}
}

func TestExecuteBlankAnswerTicksAgain(t *testing.T) {
	model := &mockModel{responses: []ModelResponse{textResponse(""), textResponse("hello")}}
	res, err := NewThread(NewAgent("a", model), Prompt("hi")).Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "hello" || res.State.Tick != 2 {
		t.Errorf("Output = %q, Tick = %d; want hello after 2 ticks", res.Output, res.State.Tick)
	}
}

func TestExecuteToolNotFoundIsolated(t *testing.T) {
	model := &mockModel{responses: []ModelResponse{
		callsResponse(call("c1", "missing", `{}`), call("c2", "add", `{"a":1,"b":2}`)),
		textResponse("ok"),
	}}
	agent := NewAgent("a", model, WithTools(addTool()))

	res, err := NewThread(agent, Prompt("go")).Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "ok" {
		t.Errorf("Output = %v, want ok", res.Output)
	}
	results := toolResults(model.request(1).History)
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Status != ToolFailed || results[0].Error != "Tool missing not found" {
		t.Errorf("missing result = %+v", results[0])
	}
	if results[1].Status != ToolCompleted || results[1].Result != 3 {
		t.Errorf("add result = %+v", results[1])
	}
}

func TestExecuteToolFaultIsolation(t *testing.T) {
	model := &mockModel{responses: []ModelResponse{
		callsResponse(call("c1", "fail", `{}`), call("c2", "boom", `{}`), call("c3", "add", `{"a":2,"b":2}`)),
		textResponse("done"),
	}}
	agent := NewAgent("a", model, WithTools(failTool("disk on fire"), panicTool(), addTool()))
	th := NewThread(agent, Prompt("go"))

	if _, err := th.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	results := toolResults(th.History())
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	if results[0].Status != ToolFailed || results[0].Error != "disk on fire" || results[0].Result != nil {
		t.Errorf("fail result = %+v", results[0])
	}
	if results[1].Status != ToolFailed || !strings.Contains(results[1].Error, "kaboom") {
		t.Errorf("panic result = %+v", results[1])
	}
	if results[2].Status != ToolCompleted || results[2].Result != 4 {
		t.Errorf("add result = %+v", results[2])
	}
}

func TestExecuteParallelPreservesCallOrder(t *testing.T) {
	model := &mockModel{responses: []ModelResponse{
		callsResponse(call("c1", "slow", `{}`), call("c2", "fast", `{}`)),
		textResponse("done"),
	}}
	agent := NewAgent("a", model, WithTools(
		sleepTool("slow", 80*time.Millisecond),
		sleepTool("fast", time.Millisecond),
	))
	th := NewThread(agent, Prompt("go"))

	if _, err := th.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	hist := th.History()
	want := []EventKind{KindMessage, KindToolCall, KindToolCall, KindToolResult, KindToolResult, KindMessage}
	if got := kinds(hist); !slices.Equal(got, want) {
		t.Fatalf("history kinds = %v, want %v", got, want)
	}
	if hist[3].(ToolResult).CallID != "c1" || hist[4].(ToolResult).CallID != "c2" {
		t.Errorf("results out of call order: %v, %v", hist[3], hist[4])
	}
}

func TestExecuteToolsRunConcurrently(t *testing.T) {
	b := newBarrier(3)
	model := &mockModel{responses: []ModelResponse{
		callsResponse(call("c1", "b1", `{}`), call("c2", "b2", `{}`), call("c3", "b3", `{}`)),
		textResponse("done"),
	}}
	agent := NewAgent("a", model, WithTools(b.tool("b1"), b.tool("b2"), b.tool("b3")))
	th := NewThread(agent, Prompt("go"))

	done := make(chan error, 1)
	go func() {
		_, err := th.Execute(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("tools did not run concurrently")
	}
	for _, r := range toolResults(th.History()) {
		if r.Status != ToolCompleted {
			t.Errorf("result %s = %+v", r.CallID, r)
		}
	}
}

func TestExecuteConcurrencyLimit(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	track := NewFunctionTool("track", "", func(context.Context, *RunContext, json.RawMessage) (any, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	})
	var calls []ToolCall
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5", "c6"} {
		calls = append(calls, call(id, "track", `{}`))
	}
	model := &mockModel{responses: []ModelResponse{callsResponse(calls...), textResponse("done")}}
	agent := NewAgent("a", model, WithTools(track), WithConcurrency(2))

	if _, err := NewThread(agent, Prompt("go")).Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestExecuteTickLimit(t *testing.T) {
	model := funcModel(func(context.Context, ModelRequest) (ModelResponse, error) {
		return callsResponse(call(NewID(), "add", `{"a":1,"b":1}`)), nil
	})
	agent := NewAgent("loop", model, WithTools(addTool()), WithMaxTicks(3))
	th := NewThread(agent, Prompt("forever"))

	res, err := th.Execute(context.Background())
	if !errors.Is(err, ErrMaxTicks) {
		t.Fatalf("err = %v, want ErrMaxTicks", err)
	}
	var tle *TickLimitError
	if !errors.As(err, &tle) || tle.Limit != 3 {
		t.Errorf("err = %#v, want TickLimitError{3}", err)
	}
	if res.State.Tick != 3 {
		t.Errorf("Tick = %d, want 3", res.State.Tick)
	}
	if res.State.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", res.State.Status)
	}
}

func TestExecuteReticksWithoutFinalText(t *testing.T) {
	model := &mockModel{responses: []ModelResponse{
		{}, // empty turn
		textResponse("finally"),
	}}
	res, err := NewThread(NewAgent("a", model), Prompt("hi")).Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "finally" || res.State.Tick != 2 {
		t.Errorf("Output = %v, Tick = %d; want finally, 2", res.Output, res.State.Tick)
	}
}

func TestExecuteTransportErrorAppendsNothing(t *testing.T) {
	model := &mockModel{errs: []error{&ErrHTTP{Status: 500, Body: "oops"}}}
	th := NewThread(NewAgent("a", model), Prompt("hi"))

	res, err := th.Execute(context.Background())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err = %v, want ErrTransport", err)
	}
	var httpErr *ErrHTTP
	if !errors.As(err, &httpErr) || httpErr.Status != 500 {
		t.Errorf("err does not wrap ErrHTTP 500: %v", err)
	}
	if n := len(th.History()); n != 1 {
		t.Errorf("history = %d events, want 1", n)
	}
	if len(res.State.ModelResponses) != 0 {
		t.Errorf("ModelResponses = %d, want 0", len(res.State.ModelResponses))
	}
	if res.State.Status != StatusFailed || res.State.Error == "" {
		t.Errorf("State = %+v, want failed with error", res.State)
	}
}

func TestExecuteHostToolIsContractFault(t *testing.T) {
	model := &mockModel{responses: []ModelResponse{callsResponse(call("c1", "web_search", `{}`))}}
	agent := NewAgent("a", model, WithTools(NewHostTool("web_search", "Provider search")))

	_, err := NewThread(agent, Prompt("search")).Execute(context.Background())
	if !errors.Is(err, ErrContract) {
		t.Fatalf("err = %v, want ErrContract", err)
	}
	// The host tool is still advertised to the model.
	if req := model.request(0); len(req.Tools) != 1 || req.Tools[0].Name != "web_search" {
		t.Errorf("Tools = %+v", req.Tools)
	}
}

type answer struct {
	Value int `json:"value"`
}

func (a answer) Validate() error {
	if a.Value < 0 {
		return errors.New("value must be non-negative")
	}
	return nil
}

var answerSchema = json.RawMessage(`{"type":"object","properties":{"value":{"type":"integer"}},"required":["value"]}`)

func TestExecuteStructuredOutput(t *testing.T) {
	model := &mockModel{responses: []ModelResponse{textResponse(`{"value":42}`)}}
	agent := NewAgent("a", model, WithOutput(JSONOutput[answer]("answer", answerSchema)))

	res, err := NewThread(agent, Prompt("q")).Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	got, ok := OutputAs[answer](res)
	if !ok || got.Value != 42 {
		t.Errorf("Output = %#v, want answer{42}", res.Output)
	}
	rf := model.request(0).ResponseFormat
	if rf == nil || rf.Name != "answer" {
		t.Errorf("ResponseFormat = %+v", rf)
	}
}

func TestExecuteStructuredOutputRejected(t *testing.T) {
	model := &mockModel{responses: []ModelResponse{textResponse(`{"value":-1}`)}}
	agent := NewAgent("a", model, WithOutput(JSONOutput[answer]("answer", answerSchema)))

	res, err := NewThread(agent, Prompt("q")).Execute(context.Background())
	if !errors.Is(err, ErrModelBehavior) {
		t.Fatalf("err = %v, want ErrModelBehavior", err)
	}
	if model.calls() != 1 {
		t.Errorf("model calls = %d, want 1 (no retry)", model.calls())
	}
	if res.State.Status != StatusFailed {
		t.Errorf("Status = %s, want failed", res.State.Status)
	}
}

func TestExecuteFinishedThread(t *testing.T) {
	th := NewThread(NewAgent("a", &mockModel{}), Prompt("hi"))
	if _, err := th.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	res, err := th.Execute(context.Background())
	if !errors.Is(err, ErrThreadFinished) {
		t.Errorf("err = %v, want ErrThreadFinished", err)
	}
	if res.Output != "done" {
		t.Errorf("Output = %v, want done", res.Output)
	}
}

func TestExecuteBusy(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	model := funcModel(func(context.Context, ModelRequest) (ModelResponse, error) {
		close(entered)
		<-release
		return textResponse("ok"), nil
	})
	th := NewThread(NewAgent("a", model), Prompt("hi"))

	done := make(chan error, 1)
	go func() {
		_, err := th.Execute(context.Background())
		done <- err
	}()
	<-entered
	if _, err := th.Execute(context.Background()); !errors.Is(err, ErrThreadBusy) {
		t.Errorf("concurrent Execute err = %v, want ErrThreadBusy", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecuteCancelledDuringActionsCanContinue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	runs := 0
	slow := NewFunctionTool("slow", "", func(tctx context.Context, _ *RunContext, _ json.RawMessage) (any, error) {
		mu.Lock()
		runs++
		first := runs == 1
		mu.Unlock()
		if first {
			cancel()
			<-tctx.Done()
			return nil, tctx.Err()
		}
		return "ok", nil
	})
	model := &mockModel{responses: []ModelResponse{
		callsResponse(call("c1", "slow", `{}`)),
		textResponse("finished"),
	}}
	th := NewThread(NewAgent("a", model, WithTools(slow)), Prompt("go"))

	res, err := th.Execute(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res.State.Status != StatusActionsPending {
		t.Errorf("Status = %s, want actions_pending", res.State.Status)
	}
	if got := toolResults(th.History()); len(got) != 0 {
		t.Errorf("cancelled dispatch appended results: %+v", got)
	}

	res, err = th.Execute(context.Background())
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if res.Output != "finished" {
		t.Errorf("Output = %v, want finished", res.Output)
	}
	results := toolResults(th.History())
	if len(results) != 1 || results[0].CallID != "c1" || results[0].Result != "ok" {
		t.Errorf("results = %+v", results)
	}
}

func TestExecuteCancelledBeforeModelReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := funcModel(func(ctx context.Context, _ ModelRequest) (ModelResponse, error) {
		cancel()
		<-ctx.Done()
		return ModelResponse{}, errors.New("connection reset")
	})
	th := NewThread(NewAgent("a", model), Prompt("hi"))

	res, err := th.Execute(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Errorf("cancellation reported as transport fault")
	}
	if len(th.History()) != 1 || len(res.State.ModelResponses) != 0 {
		t.Errorf("cancelled tick left traces: history %d, responses %d", len(th.History()), len(res.State.ModelResponses))
	}
}

func TestExecuteDynamicInstructionsAndContextData(t *testing.T) {
	model := &mockModel{}
	agent := NewAgent("a", model, WithDynamicInstructions(func(_ context.Context, rc *RunContext) (string, error) {
		return "user is " + rc.Data.(string), nil
	}))
	th := NewThread(agent, Prompt("hi"), WithContextData("ada"), WithThreadID("t-1"))

	res, err := th.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := model.request(0).System; got != "user is ada" {
		t.Errorf("System = %q", got)
	}
	if res.ThreadID != "t-1" {
		t.Errorf("ThreadID = %q, want t-1", res.ThreadID)
	}
}

func TestExecuteEnabledPredicateErrorAborts(t *testing.T) {
	broken := addTool(WithEnabled(func(context.Context, *RunContext, *Agent) (bool, error) {
		return false, errors.New("feature flag service down")
	}))
	model := &mockModel{}
	_, err := NewThread(NewAgent("a", model, WithTools(broken)), Prompt("hi")).Execute(context.Background())
	if err == nil || !strings.Contains(err.Error(), "feature flag service down") {
		t.Fatalf("err = %v, want predicate error", err)
	}
	if model.calls() != 0 {
		t.Errorf("model called %d times, want 0", model.calls())
	}
}

func TestExecuteCheckpointsToStore(t *testing.T) {
	store := newMemStore()
	model := &mockModel{responses: []ModelResponse{
		callsResponse(call("c1", "add", `{"a":1,"b":1}`)),
		textResponse("2"),
	}}
	th := NewThread(NewAgent("a", model, WithTools(addTool())), Prompt("1+1"), WithThreadStore(store))

	if _, err := th.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	snap, err := store.LoadThread(context.Background(), th.ID())
	if err != nil {
		t.Fatalf("LoadThread: %v", err)
	}
	if snap.State.Status != StatusCompleted || snap.Output != "2" {
		t.Errorf("stored snapshot = %+v", snap.State)
	}
	if len(snap.History) != 4 {
		t.Errorf("stored history = %d events, want 4", len(snap.History))
	}
	if len(store.saves) < 3 {
		t.Errorf("saves = %d, want a checkpoint per step", len(store.saves))
	}
}

func TestExecuteCheckpointFailureDoesNotStopRun(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk full")
	th := NewThread(NewAgent("a", &mockModel{}), Prompt("hi"), WithThreadStore(store))
	if _, err := th.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestThreadFromEvents(t *testing.T) {
	seed := []Event{SystemMessage("be brief"), UserMessage("hi")}
	model := &mockModel{}
	th := NewThread(NewAgent("a", model), Events(seed...))
	if _, err := th.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	req := model.request(0)
	if len(req.History) != 2 || req.History[0].(Message).Role != RoleSystem {
		t.Errorf("request history = %+v", req.History)
	}
}
