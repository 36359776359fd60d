package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/nevindra/loom"
)

// ToolHandler is a tool that the MCP server exposes to clients.
type ToolHandler struct {
	// Definition describes the tool (name, description, input schema).
	Definition ToolDefinition
	// Execute is called when the client invokes tools/call for this tool.
	Execute func(ctx context.Context, args json.RawMessage) ToolCallResult
}

// Server is an MCP server that communicates over stdio using JSON-RPC 2.0.
// Register tools before calling Serve.
type Server struct {
	name    string
	version string

	tools []ToolHandler

	reader io.Reader
	writer io.Writer
	logger *slog.Logger
	mu     sync.Mutex // protects writes
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithIO replaces stdin/stdout as the transport.
func WithIO(r io.Reader, w io.Writer) ServerOption {
	return func(s *Server) {
		s.reader = r
		s.writer = w
	}
}

// WithServerLogger sets the logger for transport errors.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// New creates an MCP server with the given name and version.
func New(name, version string, opts ...ServerOption) *Server {
	s := &Server{
		name:    name,
		version: version,
		reader:  os.Stdin,
		writer:  os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// AddTool registers a tool handler. Must be called before Serve.
func (s *Server) AddTool(h ToolHandler) {
	s.tools = append(s.tools, h)
}

// AddToolkit registers every function tool of tk. Host tools are skipped.
// Each call runs with a fresh run context from newRC (nil gives an empty
// one). Tools that ask for approval are refused: MCP has no channel to
// collect a human decision.
func (s *Server) AddToolkit(tk loom.Toolkit, newRC func() *loom.RunContext) {
	for _, t := range tk.Tools() {
		ft, ok := t.(*loom.FunctionTool)
		if !ok {
			continue
		}
		s.AddTool(ToolHandler{
			Definition: ToolDefinition{
				Name:        ft.ID(),
				Description: ft.Description(),
				InputSchema: ft.Parameters(),
			},
			Execute: func(ctx context.Context, args json.RawMessage) ToolCallResult {
				return invokeTool(ctx, ft, newRC, args)
			},
		})
	}
}

func invokeTool(ctx context.Context, ft *loom.FunctionTool, newRC func() *loom.RunContext, args json.RawMessage) ToolCallResult {
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}
	var rc *loom.RunContext
	if newRC != nil {
		rc = newRC()
	}
	callID := "mcp_" + loom.NewID()
	inv, err := ft.Invoke(ctx, rc.ForCall(callID, false), args, callID)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if inv.Status == loom.ToolRequiresApproval {
		return ErrorResult(fmt.Sprintf("tool %s requires human approval", ft.ID()))
	}
	switch v := inv.Result.(type) {
	case nil:
		return TextResult("")
	case string:
		return TextResult(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ErrorResult("encode result: " + err.Error())
		}
		return TextResult(string(data))
	}
}

// Serve runs the MCP server, reading JSON-RPC messages from the reader and
// writing responses to the writer. Blocks until the reader is exhausted or
// ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 10<<20), 10<<20) // 10MB max message

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.handleMessage(ctx, line)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read: %w", err)
	}
	return nil
}

// handleMessage parses a single JSON-RPC message (or batch) and dispatches it.
func (s *Server) handleMessage(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			s.writeResponse(response{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &RPCError{Code: errCodeParse, Message: "parse error"},
			})
			return
		}
		for _, raw := range batch {
			s.handleSingleMessage(ctx, raw)
		}
		return
	}

	s.handleSingleMessage(ctx, data)
}

// handleSingleMessage parses and dispatches a single JSON-RPC request.
func (s *Server) handleSingleMessage(ctx context.Context, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		s.writeResponse(response{
			JSONRPC: "2.0",
			ID:      json.RawMessage("null"),
			Error:   &RPCError{Code: errCodeParse, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" {
		if !req.isNotification() {
			s.writeResponse(*s.respondError(req.ID, errCodeInvalidRequest, "jsonrpc must be \"2.0\""))
		}
		return
	}

	resp := s.dispatch(ctx, &req)
	if resp != nil {
		s.writeResponse(*resp)
	}
}

// dispatch routes a request to the appropriate handler. Returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *request) *response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "notifications/cancelled":
		return nil
	case "ping":
		return s.respond(req.ID, struct{}{})
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		if req.isNotification() {
			return nil
		}
		return s.respondError(req.ID, errCodeMethodNotFound, "method not found: "+req.Method)
	}
}

// --- handlers ---

func (s *Server) handleInitialize(req *request) *response {
	caps := serverCapabilities{}
	if len(s.tools) > 0 {
		caps.Tools = &capability{}
	}

	return s.respond(req.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    caps,
		ServerInfo:      ServerInfo{Name: s.name, Version: s.version},
	})
}

func (s *Server) handleToolsList(req *request) *response {
	defs := make([]ToolDefinition, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
	}
	return s.respond(req.ID, toolsListResult{Tools: defs})
}

func (s *Server) handleToolsCall(ctx context.Context, req *request) *response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return s.respondError(req.ID, errCodeInvalidParams, "invalid params: "+err.Error())
	}

	for _, t := range s.tools {
		if t.Definition.Name == params.Name {
			result := t.Execute(ctx, params.Arguments)
			return s.respond(req.ID, result)
		}
	}

	return s.respond(req.ID, ErrorResult("unknown tool: "+params.Name))
}

// --- response helpers ---

func (s *Server) respond(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) respondError(id json.RawMessage, code int, message string) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func (s *Server) writeResponse(resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		s.logger.Error("mcp: write response", "error", err)
	}
}
