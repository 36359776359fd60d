package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/nevindra/loom"
)

// StreamSSE reads an SSE stream from body, forwards text and tool-call
// deltas to ch, and returns the accumulated response. ch is closed when the
// stream ends. ctx cancels blocked channel sends.
//
// Expected format:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- loom.StreamEvent) (loom.ModelResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var (
		text   strings.Builder
		usage  loom.Usage
		finish string
	)
	// Tool calls arrive as fragments keyed by index.
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	var calls []*partialCall

	send := func(ev loom.StreamEvent) error {
		select {
		case ch <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // skip malformed chunks
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		delta := choice.Delta
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			text.WriteString(delta.Content)
			if err := send(loom.StreamEvent{Type: loom.EventTextDelta, Content: delta.Content}); err != nil {
				return loom.ModelResponse{}, err
			}
		}
		for _, tc := range delta.ToolCalls {
			for len(calls) <= tc.Index {
				calls = append(calls, &partialCall{})
			}
			pc := calls[tc.Index]
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pc.args.WriteString(tc.Function.Arguments)
				ev := loom.StreamEvent{
					Type:   loom.EventToolCallDelta,
					CallID: pc.id,
					Name:   pc.name,
					Args:   json.RawMessage(tc.Function.Arguments),
				}
				if err := send(ev); err != nil {
					return loom.ModelResponse{}, err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return loom.ModelResponse{}, err
	}

	var toolCalls []loom.ToolCall
	for _, pc := range calls {
		toolCalls = append(toolCalls, newToolCall(pc.id, pc.name, pc.args.String()))
	}
	if finish != "" {
		if err := send(loom.StreamEvent{Type: loom.EventFinish, Content: finish}); err != nil {
			return loom.ModelResponse{}, err
		}
	}
	return loom.ModelResponse{
		Events:       buildEvents(text.String(), toolCalls),
		Usage:        usage,
		FinishReason: finish,
	}, nil
}
