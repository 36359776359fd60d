package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nevindra/loom"
)

// Provider implements loom.Model for any OpenAI-compatible API.
// It uses the helpers in this package (BuildBody, StreamSSE, ParseResponse)
// for body building, streaming and response parsing.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
	logger  *slog.Logger
}

// NewProvider creates an OpenAI-compatible chat model.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "https://api.groq.com/openai/v1", "http://localhost:11434/v1"); empty
// means OpenAI. The /chat/completions path is appended automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Generate sends a non-streaming chat request and returns the complete
// response. When req.Tools is non-empty, the response may contain tool calls.
func (p *Provider) Generate(ctx context.Context, req loom.ModelRequest) (loom.ModelResponse, error) {
	body := BuildBody(req, p.model, p.opts...)
	p.logger.Debug("chat request", "provider", p.name, "model", p.model,
		"messages", len(body.Messages), "tools", len(body.Tools))

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		return loom.ModelResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return loom.ModelResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return loom.ModelResponse{}, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	out, err := ParseResponse(chatResp)
	if err != nil {
		var le *loom.ErrLLM
		if errors.As(err, &le) {
			le.Provider = p.name
		}
		return out, err
	}
	return out, nil
}

// Stream streams deltas into ch, then returns the accumulated response.
// ch is closed when streaming completes or on error.
func (p *Provider) Stream(ctx context.Context, req loom.ModelRequest, ch chan<- loom.StreamEvent) (loom.ModelResponse, error) {
	body := BuildBody(req, p.model, p.opts...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, body)
	if err != nil {
		close(ch)
		return loom.ModelResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return loom.ModelResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	return StreamSSE(ctx, resp.Body, ch)
}

// sendHTTP marshals the request body and posts it to the chat completions endpoint.
func (p *Provider) sendHTTP(ctx context.Context, body ChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	url := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &loom.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// The Retry-After header is parsed when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &loom.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: loom.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

var _ loom.Model = (*Provider)(nil)
