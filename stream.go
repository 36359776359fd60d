package loom

import "encoding/json"

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the model.
	EventTextDelta StreamEventType = "text-delta"
	// EventToolCallDelta carries an incremental fragment of tool call arguments.
	EventToolCallDelta StreamEventType = "tool-call-delta"
	// EventFinish signals the model finished its turn.
	EventFinish StreamEventType = "finish"
)

// StreamEvent is a typed event emitted by Model.Stream.
type StreamEvent struct {
	Type StreamEventType `json:"type"`
	// CallID and Name identify the tool call (tool-call-delta only).
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`
	// Content carries the text delta or the finish reason.
	Content string `json:"content,omitempty"`
	// Args carries the argument fragment (tool-call-delta only).
	Args json.RawMessage `json:"args,omitempty"`
}
