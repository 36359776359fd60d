package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nevindra/loom"
)

type calcArgs struct {
	Op string  `json:"op"`
	A  float64 `json:"a"`
	B  float64 `json:"b"`
}

var calcSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "op": {"type": "string", "enum": ["add", "sub", "mul", "div"]},
    "a": {"type": "number"},
    "b": {"type": "number"}
  },
  "required": ["op", "a", "b"]
}`)

type clockArgs struct {
	Timezone string `json:"timezone"`
}

var clockSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "timezone": {"type": "string", "description": "IANA zone such as Asia/Jakarta. Defaults to local time."}
  }
}`)

type noteArgs struct {
	Text string `json:"text"`
}

var noteSchema = json.RawMessage(`{
  "type": "object",
  "properties": {"text": {"type": "string"}},
  "required": ["text"]
}`)

// builtinTools returns the toolkit the CLI offers every agent. save_note
// writes to disk and therefore waits for approval.
func builtinTools(notesPath string, now func() time.Time) *loom.ToolRegistry {
	if now == nil {
		now = time.Now
	}
	calc := loom.Func("calculate", "Apply an arithmetic operation to two numbers",
		func(_ context.Context, _ *loom.RunContext, in calcArgs) (any, error) {
			return calculate(in)
		}, loom.WithParameters(calcSchema))

	clock := loom.Func("current_time", "Current date and time",
		func(_ context.Context, _ *loom.RunContext, in clockArgs) (any, error) {
			loc := time.Local
			if in.Timezone != "" {
				l, err := time.LoadLocation(in.Timezone)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", in.Timezone)
				}
				loc = l
			}
			return now().In(loc).Format(time.RFC3339), nil
		}, loom.WithParameters(clockSchema))

	note := loom.Func("save_note", "Append a note to the user's notes file",
		func(_ context.Context, _ *loom.RunContext, in noteArgs) (any, error) {
			return saveNote(notesPath, in.Text, now())
		}, loom.WithParameters(noteSchema), loom.RequireApproval())

	return loom.NewToolRegistry(calc, clock, note)
}

func calculate(in calcArgs) (float64, error) {
	switch in.Op {
	case "add":
		return in.A + in.B, nil
	case "sub":
		return in.A - in.B, nil
	case "mul":
		return in.A * in.B, nil
	case "div":
		if in.B == 0 {
			return 0, errors.New("division by zero")
		}
		return in.A / in.B, nil
	default:
		return 0, fmt.Errorf("unknown op %q", in.Op)
	}
}

func saveNote(path, text string, at time.Time) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty note")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := fmt.Fprintf(f, "- %s %s\n", at.Format(time.DateTime), text); err != nil {
		return "", err
	}
	return "saved to " + path, nil
}
