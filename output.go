package loom

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// OutputContract describes what the final answer of a run must look like.
type OutputContract interface {
	// ResponseFormat returns the schema to request from the model, or nil
	// for free text.
	ResponseFormat() *ResponseFormat
	// Decode turns terminal assistant text into the run's output value.
	Decode(text string) (any, error)
}

// Validator is implemented by structured output types that check their own
// invariants after decoding.
type Validator interface {
	Validate() error
}

type textOutput struct{}

// TextOutput returns the free-text contract: the terminal text is the output.
func TextOutput() OutputContract { return textOutput{} }

func (textOutput) ResponseFormat() *ResponseFormat { return nil }
func (textOutput) Decode(text string) (any, error) { return text, nil }

type jsonOutput[T any] struct {
	name     string
	schema   json.RawMessage
	required []string
}

// JSONOutput returns a structured contract decoding the terminal text into T.
// Decoding is strict: unknown fields and trailing data are rejected, and the
// top-level "required" properties of schema must be present. When T
// implements Validator its Validate method runs last.
func JSONOutput[T any](name string, schema json.RawMessage) OutputContract {
	var meta struct {
		Required []string `json:"required"`
	}
	_ = json.Unmarshal(schema, &meta) // an unparseable schema just has no required list
	return jsonOutput[T]{name: name, schema: schema, required: meta.Required}
}

func (o jsonOutput[T]) ResponseFormat() *ResponseFormat {
	return &ResponseFormat{Name: o.name, Schema: o.schema}
}

func (o jsonOutput[T]) Decode(text string) (any, error) {
	var v T
	dec := json.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", o.name, err)
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s: trailing data after JSON value", o.name)
	}

	if len(o.required) > 0 {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(text), &fields); err != nil {
			return nil, fmt.Errorf("decode %s: expected JSON object: %w", o.name, err)
		}
		for _, name := range o.required {
			if _, ok := fields[name]; !ok {
				return nil, fmt.Errorf("decode %s: missing required field %q", o.name, name)
			}
		}
	}

	if val, ok := any(v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return nil, fmt.Errorf("validate %s: %w", o.name, err)
		}
	} else if val, ok := any(&v).(Validator); ok {
		if err := val.Validate(); err != nil {
			return nil, fmt.Errorf("validate %s: %w", o.name, err)
		}
	}
	return v, nil
}

// terminalText returns the first text part of the newest assistant message
// of the last turn. The scan stops at tool events: an assistant message that
// precedes tool activity is not a final answer. Blank text is not an answer
// either, so the caller ticks again.
func terminalText(events []Event) (string, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		switch ev := events[i].(type) {
		case Message:
			if ev.Role != RoleAssistant {
				continue
			}
			text, ok := ev.Text()
			if !ok || strings.TrimSpace(text) == "" {
				return "", false
			}
			return text, true
		case ToolCall, ToolResult:
			return "", false
		}
	}
	return "", false
}

// ResolveOutput extracts the run's final output from history. It returns
// ErrNoOutput when there is no terminal assistant text, and an *OutputError
// when the text fails contract. A nil contract means TextOutput. History is
// never modified, so repeated calls return the same result.
func ResolveOutput(events []Event, contract OutputContract) (any, error) {
	text, ok := terminalText(events)
	if !ok {
		return nil, ErrNoOutput
	}
	if contract == nil {
		contract = TextOutput()
	}
	out, err := contract.Decode(text)
	if err != nil {
		return nil, &OutputError{Text: text, Err: err}
	}
	return out, nil
}
