package openaicompat

import (
	"errors"
	"testing"

	"github.com/nevindra/loom"
)

func TestParseResponse_Text(t *testing.T) {
	resp, err := ParseResponse(ChatResponse{
		ID: "chatcmpl-1",
		Choices: []Choice{{
			Message:      &ChoiceMessage{Role: "assistant", Content: "Hello!"},
			FinishReason: "stop",
		}},
		Usage: &Usage{PromptTokens: 10, CompletionTokens: 3},
	})
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}

	if len(resp.Events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(resp.Events))
	}
	msg, ok := resp.Events[0].(loom.Message)
	if !ok || msg.Role != loom.RoleAssistant {
		t.Fatalf("expected assistant message, got %#v", resp.Events[0])
	}
	if text, _ := msg.Text(); text != "Hello!" {
		t.Errorf("expected 'Hello!', got %q", text)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 3 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", resp.FinishReason)
	}
}

func TestParseResponse_TextThenToolCalls(t *testing.T) {
	resp, err := ParseResponse(ChatResponse{Choices: []Choice{{
		Message: &ChoiceMessage{
			Content: "Checking.",
			ToolCalls: []ToolCallRequest{
				{ID: "call_1", Type: "function", Function: FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`}},
				{ID: "call_2", Type: "function", Function: FunctionCall{Name: "now", Arguments: `not json`}},
			},
		},
		FinishReason: "tool_calls",
	}}})
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}

	if len(resp.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(resp.Events))
	}
	if resp.Events[0].Kind() != loom.KindMessage {
		t.Errorf("expected text first, got %s", resp.Events[0].Kind())
	}
	c1 := resp.Events[1].(loom.ToolCall)
	if c1.CallID != "call_1" || c1.ToolID != "get_weather" || c1.Name != "get_weather" || string(c1.Arguments) != `{"city":"Paris"}` {
		t.Errorf("unexpected first call: %+v", c1)
	}
	c2 := resp.Events[2].(loom.ToolCall)
	if string(c2.Arguments) != `{}` {
		t.Errorf("expected invalid arguments to become {}, got %s", c2.Arguments)
	}
}

func TestParseResponse_ToolCallsOnly(t *testing.T) {
	resp, err := ParseResponse(ChatResponse{Choices: []Choice{{
		Message: &ChoiceMessage{ToolCalls: []ToolCallRequest{
			{Function: FunctionCall{Name: "now", Arguments: `{}`}},
		}},
	}}})
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("expected no message for empty content, got %d events", len(resp.Events))
	}
	if c := resp.Events[0].(loom.ToolCall); c.CallID == "" {
		t.Error("expected a generated call id")
	}
}

func TestParseResponse_Refusal(t *testing.T) {
	resp, err := ParseResponse(ChatResponse{Choices: []Choice{{
		Message: &ChoiceMessage{Refusal: "I can't help with that."},
	}}})
	if err != nil {
		t.Fatalf("ParseResponse returned error: %v", err)
	}
	msg := resp.Events[0].(loom.Message)
	if text, _ := msg.Text(); text != "I can't help with that." {
		t.Errorf("expected refusal text, got %q", text)
	}
}

func TestParseResponse_NoChoices(t *testing.T) {
	_, err := ParseResponse(ChatResponse{ID: "x"})
	var le *loom.ErrLLM
	if !errors.As(err, &le) {
		t.Fatalf("expected ErrLLM, got %v", err)
	}
}

func TestParseToolCalls_Empty(t *testing.T) {
	if got := ParseToolCalls(nil); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}
