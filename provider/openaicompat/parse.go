package openaicompat

import (
	"encoding/json"

	"github.com/nevindra/loom"
)

// ParseResponse converts a chat completions response into a
// loom.ModelResponse. Choice 0 is used: its text (or refusal) becomes an
// assistant message, followed by its tool calls in order.
func ParseResponse(resp ChatResponse) (loom.ModelResponse, error) {
	var out loom.ModelResponse
	if resp.Usage != nil {
		out.Usage = loom.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}
	if len(resp.Choices) == 0 {
		return out, &loom.ErrLLM{Provider: "openai", Message: "response has no choices"}
	}

	choice := resp.Choices[0]
	out.FinishReason = choice.FinishReason
	if choice.Message == nil {
		return out, nil
	}
	text := choice.Message.Content
	if text == "" {
		text = choice.Message.Refusal
	}
	out.Events = buildEvents(text, ParseToolCalls(choice.Message.ToolCalls))
	return out, nil
}

// ParseToolCalls converts wire tool calls into loom tool calls. Arguments
// that are not valid JSON become an empty object; a missing call id is
// generated.
func ParseToolCalls(tcs []ToolCallRequest) []loom.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]loom.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, newToolCall(tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return out
}

func newToolCall(id, name, args string) loom.ToolCall {
	raw := json.RawMessage(args)
	if !json.Valid(raw) {
		raw = json.RawMessage(`{}`)
	}
	if id == "" {
		id = "call_" + loom.NewID()
	}
	return loom.ToolCall{ToolID: name, CallID: id, Name: name, Arguments: raw}
}

// buildEvents orders a turn's events: the assistant text first, then calls.
// Empty text produces no message.
func buildEvents(text string, calls []loom.ToolCall) []loom.Event {
	events := make([]loom.Event, 0, len(calls)+1)
	if text != "" {
		events = append(events, loom.AssistantMessage(text))
	}
	for _, c := range calls {
		events = append(events, c)
	}
	return events
}
