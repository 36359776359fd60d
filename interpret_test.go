package loom

import (
	"slices"
	"testing"
)

func TestInterpretTextOnly(t *testing.T) {
	events, actions := Interpret(textResponse("hi"))
	if actions != nil {
		t.Errorf("actions = %+v, want nil", actions)
	}
	if len(events) != 1 || events[0].Kind() != KindMessage {
		t.Errorf("events = %+v", events)
	}
}

func TestInterpretMixedPreservesOrder(t *testing.T) {
	resp := ModelResponse{Events: []Event{
		AssistantMessage("checking"),
		call("c1", "a", `{}`),
		call("c2", "b", `{}`),
	}}
	events, actions := Interpret(resp)
	want := []EventKind{KindMessage, KindToolCall, KindToolCall}
	if got := kinds(events); !slices.Equal(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
	if actions == nil || len(actions.ToolCalls) != 2 {
		t.Fatalf("actions = %+v", actions)
	}
	if actions.ToolCalls[0].CallID != "c1" || actions.ToolCalls[1].CallID != "c2" {
		t.Errorf("action order = %+v", actions.ToolCalls)
	}
}

func TestInterpretEmpty(t *testing.T) {
	events, actions := Interpret(ModelResponse{})
	if len(events) != 0 || actions != nil {
		t.Errorf("got %v, %v", events, actions)
	}
}
