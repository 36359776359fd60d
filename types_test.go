package loom

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestMarshalEventsRoundTrip(t *testing.T) {
	history := []Event{
		SystemMessage("be nice"),
		Message{ID: "m1", Role: RoleUser, Content: []Part{TextPart{Text: "look"}, FilePart{MimeType: "image/png", Data: []byte{1, 2, 3}}}},
		ToolCall{ToolID: "add", CallID: "c1", Name: "add", Arguments: json.RawMessage(`{"a":1}`)},
		ToolResult{CallID: "c1", Name: "add", Status: ToolCompleted, Result: "2"},
		ToolResult{CallID: "c2", Name: "x", Status: ToolFailed, Error: "boom"},
	}
	data, err := MarshalEvents(history)
	if err != nil {
		t.Fatalf("MarshalEvents: %v", err)
	}
	if !strings.Contains(string(data), `"kind":"tool_call"`) {
		t.Errorf("envelope missing kind tag: %s", data)
	}
	got, err := UnmarshalEvents(data)
	if err != nil {
		t.Fatalf("UnmarshalEvents: %v", err)
	}
	if !reflect.DeepEqual(got, history) {
		t.Errorf("round trip mismatch:\n got %#v\nwant %#v", got, history)
	}
}

func TestUnmarshalEventsRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		`[{"kind":"message"}]`,
		`[{"kind":"telepathy","message":{"id":"x","role":"user","content":[]}}]`,
		`[{"kind":"message","message":{"id":"x","role":"user","content":[{"type":"hologram"}]}}]`,
		`{`,
	} {
		if _, err := UnmarshalEvents([]byte(in)); err == nil {
			t.Errorf("UnmarshalEvents(%s) succeeded, want error", in)
		}
	}
}

func TestMessageText(t *testing.T) {
	if text, ok := UserMessage("hi").Text(); !ok || text != "hi" {
		t.Errorf("Text() = %q, %v", text, ok)
	}
	if _, ok := (Message{Role: RoleUser}).Text(); ok {
		t.Error("empty message should have no text")
	}
}

func TestCloneEventsIsolated(t *testing.T) {
	orig := []Event{
		Message{Role: RoleUser, Content: []Part{TextPart{Text: "a"}}},
		ToolCall{CallID: "c1", Arguments: json.RawMessage(`{"x":1}`)},
	}
	c := cloneEvents(orig)
	c[0].(Message).Content[0] = TextPart{Text: "changed"}
	c[1].(ToolCall).Arguments[2] = 'y'
	if orig[0].(Message).Content[0].(TextPart).Text != "a" {
		t.Error("message content shared")
	}
	if string(orig[1].(ToolCall).Arguments) != `{"x":1}` {
		t.Error("arguments shared")
	}
}

func TestModelResponseJSON(t *testing.T) {
	in := ModelResponse{
		Events:       []Event{AssistantMessage("hi"), call("c1", "add", `{}`)},
		Usage:        Usage{InputTokens: 3, OutputTokens: 4},
		FinishReason: "tool_calls",
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out ModelResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("got %#v, want %#v", out, in)
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 1, OutputTokens: 2}
	u.Add(Usage{InputTokens: 10, OutputTokens: 20})
	if u.InputTokens != 11 || u.OutputTokens != 22 || u.Total() != 33 {
		t.Errorf("Usage = %+v", u)
	}
}
