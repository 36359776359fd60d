package loom

import (
	"context"
	"encoding/json"
)

// Model abstracts the LLM transport.
type Model interface {
	// Generate sends a request and returns one complete response.
	Generate(ctx context.Context, req ModelRequest) (ModelResponse, error)
	// Stream sends incremental events into ch, closes it, and returns the
	// accumulated response. The tick loop does not use it.
	Stream(ctx context.Context, req ModelRequest, ch chan<- StreamEvent) (ModelResponse, error)
	// Name returns the transport name (e.g. "openai").
	Name() string
}

// ToolSpec is the serialized call contract of a tool, as sent to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema
}

// ResponseFormat asks the model for JSON matching Schema.
type ResponseFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// ModelSettings are passed to the transport verbatim. Nil pointers leave the
// provider default in place.
type ModelSettings struct {
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	ToolChoice  string   `json:"tool_choice,omitempty"` // "auto", "none", "required" or a tool name
	Stop        []string `json:"stop,omitempty"`
	Seed        *int     `json:"seed,omitempty"`
}

// ModelRequest is everything the model sees for one tick.
type ModelRequest struct {
	System         string
	History        []Event
	Tools          []ToolSpec
	Settings       ModelSettings
	ResponseFormat *ResponseFormat
}

// ModelResponse is one model turn: events in emission order plus usage.
type ModelResponse struct {
	Events       []Event
	Usage        Usage
	FinishReason string
}

// Usage counts tokens for one or more model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

func (r ModelResponse) MarshalJSON() ([]byte, error) {
	envs, err := toEnvelopes(r.Events)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Events       []eventJSON `json:"events"`
		Usage        Usage       `json:"usage"`
		FinishReason string      `json:"finish_reason,omitempty"`
	}{envs, r.Usage, r.FinishReason})
}

func (r *ModelResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Events       []eventJSON `json:"events"`
		Usage        Usage       `json:"usage"`
		FinishReason string      `json:"finish_reason"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	events, err := fromEnvelopes(raw.Events)
	if err != nil {
		return err
	}
	r.Events = events
	r.Usage = raw.Usage
	r.FinishReason = raw.FinishReason
	return nil
}
