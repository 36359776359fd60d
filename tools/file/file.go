// Package file provides workspace-confined file tools. Writes and deletes
// need approval.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"

	"github.com/nevindra/loom"
)

const maxRead = 8000

// Tool is a loom.Toolkit of file_read, file_list, file_write and
// file_delete, all rooted at a workspace directory.
type Tool struct {
	*loom.ToolRegistry
	workspacePath string
}

type pathArgs struct {
	Path string `json:"path"`
}

type writeArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

var (
	pathSchema  = json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`)
	listSchema  = json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory relative to workspace (default: root)"}}}`)
	writeSchema = json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"}},"required":["path","content"]}`)
)

// New creates the file toolkit restricted to workspacePath.
func New(workspacePath string) *Tool {
	t := &Tool{workspacePath: filepath.Clean(workspacePath)}
	t.ToolRegistry = loom.NewToolRegistry(
		loom.Func("file_read", "Read a file from the workspace. PDF files are returned as their extracted text. Content over 8000 characters is truncated.",
			t.read, loom.WithParameters(pathSchema)),
		loom.Func("file_list", "List entries of a workspace directory, one per line as kind<TAB>name.",
			t.list, loom.WithParameters(listSchema)),
		loom.Func("file_write", "Write content to a workspace file, creating parent directories.",
			t.write, loom.WithParameters(writeSchema), loom.RequireApproval()),
		loom.Func("file_delete", "Delete a workspace file.",
			t.delete, loom.WithParameters(pathSchema), loom.RequireApproval()),
	)
	return t
}

func (t *Tool) resolvePath(path string) (string, error) {
	if path == "" {
		path = "."
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, path)
	rel, err := filepath.Rel(t.workspacePath, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(_ context.Context, _ *loom.RunContext, in pathArgs) (any, error) {
	path, err := t.resolvePath(in.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	content := string(data)
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		if content, err = pdfText(data); err != nil {
			return nil, fmt.Errorf("read %s: %w", in.Path, err)
		}
	}
	return truncate(content, maxRead), nil
}

// pdfText extracts the plain text of every readable page, pages separated
// by a blank line.
func pdfText(data []byte) (text string, err error) {
	// The pdf package panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	if len(data) == 0 {
		return "", fmt.Errorf("empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue // unreadable page
		}
		if pageText = strings.TrimSpace(pageText); pageText == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(pageText)
	}
	return b.String(), nil
}

// truncate cuts s to at most n bytes on a rune boundary and marks the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "\n... (truncated)"
}

func (t *Tool) list(_ context.Context, _ *loom.RunContext, in pathArgs) (any, error) {
	path, err := t.resolvePath(in.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	var b strings.Builder
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		fmt.Fprintf(&b, "%s\t%s\n", kind, e.Name())
	}
	return b.String(), nil
}

func (t *Tool) write(_ context.Context, _ *loom.RunContext, in writeArgs) (any, error) {
	path, err := t.resolvePath(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	if err := os.WriteFile(path, []byte(in.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}
	return fmt.Sprintf("Written %d bytes to %s", len(in.Content), in.Path), nil
}

func (t *Tool) delete(_ context.Context, _ *loom.RunContext, in pathArgs) (any, error) {
	path, err := t.resolvePath(in.Path)
	if err != nil {
		return nil, err
	}
	if path == t.workspacePath {
		return nil, fmt.Errorf("cannot delete the workspace root")
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", in.Path)
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	return "Deleted " + in.Path, nil
}

var _ loom.Toolkit = (*Tool)(nil)
