package loom

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// EventKind tags the concrete type of a history Event.
type EventKind string

const (
	KindMessage    EventKind = "message"
	KindToolCall   EventKind = "tool_call"
	KindToolResult EventKind = "tool_result"
)

// Event is one entry of a thread's history. The set of implementations is
// closed: Message, ToolCall and ToolResult.
type Event interface {
	Kind() EventKind
	isEvent()
}

// Part is one piece of Message content: TextPart or FilePart.
type Part interface {
	isPart()
}

// TextPart is literal text content.
type TextPart struct {
	Text string `json:"text"`
}

// FilePart is inline binary content such as an image or a PDF.
type FilePart struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data"`
}

func (TextPart) isPart() {}
func (FilePart) isPart() {}

// Message is a user, assistant or system turn.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content []Part `json:"content"`
}

// ToolCall is a model's request to invoke a capability. ToolID names the
// capability; CallID is unique per invocation and links the ToolResult.
type ToolCall struct {
	ToolID    string          `json:"tool_id"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolStatus is the outcome vocabulary of a tool invocation.
type ToolStatus string

const (
	ToolCompleted        ToolStatus = "completed"
	ToolFailed           ToolStatus = "error"
	ToolRequiresApproval ToolStatus = "requires_approval"
)

// ToolResult records the outcome of one ToolCall. Result is nil when absent,
// Error is empty when absent.
type ToolResult struct {
	CallID string     `json:"call_id"`
	Name   string     `json:"name"`
	Status ToolStatus `json:"status"`
	Result any        `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

func (Message) Kind() EventKind    { return KindMessage }
func (ToolCall) Kind() EventKind   { return KindToolCall }
func (ToolResult) Kind() EventKind { return KindToolResult }

func (Message) isEvent()    {}
func (ToolCall) isEvent()   {}
func (ToolResult) isEvent() {}

// --- Message constructors ---

// UserMessage returns a user message holding a single text part.
func UserMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleUser, Content: []Part{TextPart{Text: text}}}
}

// AssistantMessage returns an assistant message holding a single text part.
func AssistantMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleAssistant, Content: []Part{TextPart{Text: text}}}
}

// SystemMessage returns a system message holding a single text part.
func SystemMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleSystem, Content: []Part{TextPart{Text: text}}}
}

// Text returns the first text part of the message and whether one exists.
func (m Message) Text() (string, bool) {
	for _, p := range m.Content {
		if tp, ok := p.(TextPart); ok {
			return tp.Text, true
		}
	}
	return "", false
}

// --- JSON encoding ---

// partJSON is the wire shape of a Part.
type partJSON struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	parts := make([]partJSON, 0, len(m.Content))
	for _, p := range m.Content {
		switch v := p.(type) {
		case TextPart:
			parts = append(parts, partJSON{Type: "text", Text: v.Text})
		case FilePart:
			parts = append(parts, partJSON{Type: "file", MimeType: v.MimeType, Data: v.Data})
		default:
			return nil, fmt.Errorf("marshal message: unknown part %T", p)
		}
	}
	return json.Marshal(struct {
		ID      string     `json:"id"`
		Role    Role       `json:"role"`
		Content []partJSON `json:"content"`
	}{m.ID, m.Role, parts})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID      string     `json:"id"`
		Role    Role       `json:"role"`
		Content []partJSON `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = raw.ID
	m.Role = raw.Role
	m.Content = make([]Part, 0, len(raw.Content))
	for _, p := range raw.Content {
		switch p.Type {
		case "text":
			m.Content = append(m.Content, TextPart{Text: p.Text})
		case "file":
			m.Content = append(m.Content, FilePart{MimeType: p.MimeType, Data: p.Data})
		default:
			return fmt.Errorf("unmarshal message: unknown part type %q", p.Type)
		}
	}
	return nil
}

// eventJSON is the tagged envelope used to persist history.
type eventJSON struct {
	Kind       EventKind   `json:"kind"`
	Message    *Message    `json:"message,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

func toEnvelopes(events []Event) ([]eventJSON, error) {
	out := make([]eventJSON, 0, len(events))
	for _, ev := range events {
		switch v := ev.(type) {
		case Message:
			out = append(out, eventJSON{Kind: KindMessage, Message: &v})
		case ToolCall:
			out = append(out, eventJSON{Kind: KindToolCall, ToolCall: &v})
		case ToolResult:
			out = append(out, eventJSON{Kind: KindToolResult, ToolResult: &v})
		default:
			return nil, fmt.Errorf("unknown event %T", ev)
		}
	}
	return out, nil
}

func fromEnvelopes(envs []eventJSON) ([]Event, error) {
	out := make([]Event, 0, len(envs))
	for i, e := range envs {
		switch {
		case e.Kind == KindMessage && e.Message != nil:
			out = append(out, *e.Message)
		case e.Kind == KindToolCall && e.ToolCall != nil:
			out = append(out, *e.ToolCall)
		case e.Kind == KindToolResult && e.ToolResult != nil:
			out = append(out, *e.ToolResult)
		default:
			return nil, fmt.Errorf("event %d: malformed %q envelope", i, e.Kind)
		}
	}
	return out, nil
}

// MarshalEvents encodes a history as a JSON array of tagged envelopes.
// Tool result values round-trip through JSON, so numbers decode as float64.
func MarshalEvents(events []Event) ([]byte, error) {
	envs, err := toEnvelopes(events)
	if err != nil {
		return nil, fmt.Errorf("marshal events: %w", err)
	}
	return json.Marshal(envs)
}

// UnmarshalEvents decodes a history produced by MarshalEvents.
func UnmarshalEvents(data []byte) ([]Event, error) {
	var envs []eventJSON
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	events, err := fromEnvelopes(envs)
	if err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	return events, nil
}

// cloneEvents copies a history so the copy shares no mutable backing arrays
// with the original.
func cloneEvents(events []Event) []Event {
	if events == nil {
		return nil
	}
	out := make([]Event, len(events))
	for i, ev := range events {
		switch v := ev.(type) {
		case Message:
			v.Content = append([]Part(nil), v.Content...)
			out[i] = v
		case ToolCall:
			v.Arguments = append(json.RawMessage(nil), v.Arguments...)
			out[i] = v
		default:
			out[i] = ev
		}
	}
	return out
}
