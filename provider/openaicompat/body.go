package openaicompat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nevindra/loom"
)

// BuildBody converts a loom.ModelRequest into a chat completions request.
// System instructions become a leading system message. Tool calls attach to
// the assistant message that immediately precedes them, or to a new
// assistant message. Options set defaults; non-nil request settings override
// them.
func BuildBody(req loom.ModelRequest, model string, opts ...Option) ChatRequest {
	var msgs []Message
	if req.System != "" {
		msgs = append(msgs, Message{Role: "system", Content: req.System})
	}

	for _, ev := range req.History {
		switch e := ev.(type) {
		case loom.Message:
			msgs = append(msgs, Message{Role: string(e.Role), Content: messageContent(e.Content)})

		case loom.ToolCall:
			tc := ToolCallRequest{
				ID:   e.CallID,
				Type: "function",
				Function: FunctionCall{
					Name:      toolName(e),
					Arguments: string(e.Arguments),
				},
			}
			if n := len(msgs); n > 0 && msgs[n-1].Role == "assistant" && msgs[n-1].ToolCallID == "" {
				tc.Index = len(msgs[n-1].ToolCalls)
				msgs[n-1].ToolCalls = append(msgs[n-1].ToolCalls, tc)
				continue
			}
			msgs = append(msgs, Message{Role: "assistant", ToolCalls: []ToolCallRequest{tc}})

		case loom.ToolResult:
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    ResultContent(e),
				ToolCallID: e.CallID,
			})
		}
	}

	body := ChatRequest{
		Model:    model,
		Messages: msgs,
	}
	if len(req.Tools) > 0 {
		body.Tools = BuildToolDefs(req.Tools)
	}
	for _, opt := range opts {
		opt(&body)
	}
	applySettings(&body, req.Settings)

	if rf := req.ResponseFormat; rf != nil && len(rf.Schema) > 0 {
		body.ResponseFormat = &ResponseFormat{
			Type: "json_schema",
			JSONSchema: &JSONSchema{
				Name:   rf.Name,
				Schema: rf.Schema,
				Strict: true,
			},
		}
	}

	return body
}

func toolName(c loom.ToolCall) string {
	if c.ToolID != "" {
		return c.ToolID
	}
	return c.Name
}

// messageContent returns a plain string for text-only content and content
// blocks when files are attached.
func messageContent(parts []loom.Part) any {
	multimodal := false
	for _, p := range parts {
		if _, ok := p.(loom.FilePart); ok {
			multimodal = true
			break
		}
	}
	if !multimodal {
		var sb strings.Builder
		for _, p := range parts {
			if tp, ok := p.(loom.TextPart); ok {
				sb.WriteString(tp.Text)
			}
		}
		return sb.String()
	}

	blocks := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case loom.TextPart:
			blocks = append(blocks, ContentBlock{Type: "text", Text: v.Text})
		case loom.FilePart:
			uri := fmt.Sprintf("data:%s;base64,%s", v.MimeType, base64.StdEncoding.EncodeToString(v.Data))
			if strings.HasPrefix(v.MimeType, "image/") {
				blocks = append(blocks, ContentBlock{Type: "image_url", ImageURL: &ImageURL{URL: uri}})
			} else {
				blocks = append(blocks, ContentBlock{Type: "file", File: &FileData{FileData: uri}})
			}
		}
	}
	return blocks
}

// ResultContent renders a tool result as the content of a tool message:
// "error: <msg>" for failures, strings verbatim, anything else as JSON.
func ResultContent(r loom.ToolResult) string {
	if r.Status == loom.ToolFailed {
		return "error: " + r.Error
	}
	switch v := r.Result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}

func applySettings(body *ChatRequest, s loom.ModelSettings) {
	if s.Temperature != nil {
		body.Temperature = s.Temperature
	}
	if s.TopP != nil {
		body.TopP = s.TopP
	}
	if s.MaxTokens != nil {
		body.MaxTokens = *s.MaxTokens
	}
	if len(s.Stop) > 0 {
		body.Stop = s.Stop
	}
	if s.Seed != nil {
		body.Seed = s.Seed
	}
	switch s.ToolChoice {
	case "":
	case "auto", "none", "required":
		body.ToolChoice = s.ToolChoice
	default:
		body.ToolChoice = map[string]any{
			"type":     "function",
			"function": map[string]any{"name": s.ToolChoice},
		}
	}
}

// BuildToolDefs converts tool specs to the function tool format.
func BuildToolDefs(tools []loom.ToolSpec) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
