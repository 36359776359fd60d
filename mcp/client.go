package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nevindra/loom"
)

// ErrClosed is returned by calls on a client whose transport has ended.
var ErrClosed = errors.New("mcp: client closed")

// Client speaks MCP to a server over a reader/writer pair and exposes the
// server's tools as a loom.Toolkit. Requests may be issued concurrently;
// responses are matched by id.
type Client struct {
	w      io.Writer
	wmu    sync.Mutex
	logger *slog.Logger
	prefix string
	closer func() error

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[string]chan rawResponse
	done    chan struct{}
	readErr error

	server ServerInfo
	toolMu sync.RWMutex
	tools  *loom.ToolRegistry
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for transport errors and ignored messages.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithToolPrefix prefixes every remote tool id, e.g. "fs_" turns
// "read_file" into "fs_read_file". The unprefixed name is sent to the server.
func WithToolPrefix(p string) ClientOption {
	return func(c *Client) { c.prefix = p }
}

// NewClient starts a client reading responses from r and writing requests
// to w. Call Initialize before anything else.
func NewClient(r io.Reader, w io.Writer, opts ...ClientOption) *Client {
	c := &Client{
		w:       w,
		pending: make(map[string]chan rawResponse),
		done:    make(chan struct{}),
		tools:   loom.NewToolRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	go c.readLoop(r)
	return c
}

// Dial starts command as a subprocess and connects to it over its
// stdin/stdout. Close stops the process.
func Dial(ctx context.Context, command string, args []string, opts ...ClientOption) (*Client, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start %s: %w", command, err)
	}
	c := NewClient(stdout, stdin, opts...)
	c.closer = func() error {
		stdin.Close()
		if err := cmd.Wait(); err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return err
			}
		}
		return nil
	}
	return c, nil
}

// Close ends the session. For a dialed client it closes the subprocess's
// stdin and waits for it to exit.
func (c *Client) Close() error {
	if c.closer != nil {
		return c.closer()
	}
	return nil
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rawResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Warn("mcp: unreadable message", "error", err)
			continue
		}
		if resp.Method != "" {
			c.logger.Debug("mcp: ignoring server message", "method", resp.Method)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[string(resp.ID)]
		delete(c.pending, string(resp.ID))
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("mcp: response for unknown id", "id", string(resp.ID))
			continue
		}
		ch <- resp
	}

	c.mu.Lock()
	c.readErr = scanner.Err()
	if c.readErr == nil {
		c.readErr = io.EOF
	}
	c.mu.Unlock()
	close(c.done)
}

// call sends a request and decodes its result into out (when non-nil).
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan rawResponse, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"method":  method,
		"params":  params,
	}); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("mcp: decode %s result: %w", method, err)
		}
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) notify(method string) error {
	return c.send(map[string]any{"jsonrpc": "2.0", "method": method})
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mcp: marshal request: %w", err)
	}
	data = append(data, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(data); err != nil {
		return fmt.Errorf("mcp: write request: %w", err)
	}
	return nil
}

// Initialize performs the MCP handshake and loads the server's tool list.
func (c *Client) Initialize(ctx context.Context) (ServerInfo, error) {
	var res initializeResult
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "loom", Version: "0.1.0"},
	}, &res)
	if err != nil {
		return ServerInfo{}, err
	}
	if err := c.notify("notifications/initialized"); err != nil {
		return ServerInfo{}, err
	}
	c.server = res.ServerInfo
	if res.Capabilities.Tools != nil {
		if err := c.Refresh(ctx); err != nil {
			return ServerInfo{}, err
		}
	}
	return res.ServerInfo, nil
}

// Ping checks the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", struct{}{}, nil)
}

// Refresh reloads the tool list from the server, replacing the cache.
func (c *Client) Refresh(ctx context.Context) error {
	var res toolsListResult
	if err := c.call(ctx, "tools/list", struct{}{}, &res); err != nil {
		return err
	}
	reg := loom.NewToolRegistry()
	for _, def := range res.Tools {
		reg.Add(c.remoteTool(def))
	}
	c.toolMu.Lock()
	c.tools = reg
	c.toolMu.Unlock()
	c.logger.Debug("mcp: tools loaded", "server", c.server.Name, "count", len(res.Tools))
	return nil
}

// CallTool invokes a remote tool by its server-side name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (ToolCallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var res ToolCallResult
	err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args}, &res)
	return res, err
}

func (c *Client) remoteTool(def ToolDefinition) *loom.FunctionTool {
	name := def.Name
	opts := []loom.ToolOption{}
	if len(def.InputSchema) > 0 {
		opts = append(opts, loom.WithParameters(def.InputSchema))
	}
	return loom.NewFunctionTool(c.prefix+name, def.Description,
		func(ctx context.Context, _ *loom.RunContext, args json.RawMessage) (any, error) {
			res, err := c.CallTool(ctx, name, args)
			if err != nil {
				return nil, err
			}
			if res.IsError {
				return nil, errors.New(res.Text())
			}
			return res.Text(), nil
		}, opts...)
}

// Resolve implements loom.Toolkit.
func (c *Client) Resolve(id string) (loom.Tool, bool) {
	c.toolMu.RLock()
	defer c.toolMu.RUnlock()
	return c.tools.Resolve(id)
}

// Tools implements loom.Toolkit.
func (c *Client) Tools() []loom.Tool {
	c.toolMu.RLock()
	defer c.toolMu.RUnlock()
	return c.tools.Tools()
}

var _ loom.Toolkit = (*Client)(nil)
