// Package fetch provides the http_fetch tool, which downloads a web page and
// returns its readable text.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/nevindra/loom"
)

const (
	maxBody    = 1 << 20
	maxContent = 8000
)

var schema = json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`)

type fetchArgs struct {
	URL string `json:"url"`
}

// Tool fetches URLs and extracts readable content. It is a loom.Toolkit
// holding http_fetch.
type Tool struct {
	*loom.ToolRegistry
	client *http.Client
}

// Option configures a Tool.
type Option func(*Tool)

// WithHTTPClient replaces the default client (15s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates the fetch toolkit.
func New(opts ...Option) *Tool {
	t := &Tool{client: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		opt(t)
	}
	t.ToolRegistry = loom.NewToolRegistry(loom.Func("http_fetch",
		"Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		func(ctx context.Context, _ *loom.RunContext, in fetchArgs) (any, error) {
			content, err := t.Fetch(ctx, in.URL)
			if err != nil {
				return nil, err
			}
			if len(content) > maxContent {
				n := maxContent
				for n > 0 && !utf8.RuneStart(content[n]) {
					n--
				}
				content = content[:n] + "\n... (truncated)"
			}
			return content, nil
		}, loom.WithParameters(schema)))
	return t
}

// Fetch downloads rawURL and extracts readable text. Pages readability
// cannot parse fall back to their plain text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; loom/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	page := string(body)
	article, err := readability.FromReader(strings.NewReader(page), parsed)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent), nil
	}
	return plainText(page), nil
}

// plainText returns the visible text of an HTML document, one block per line.
func plainText(page string) string {
	z := html.NewTokenizer(strings.NewReader(page))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.TrimSpace(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skip++
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "tr":
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				if text := strings.TrimSpace(string(z.Text())); text != "" {
					if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
						b.WriteByte(' ')
					}
					b.WriteString(text)
				}
			}
		}
	}
}

var _ loom.Toolkit = (*Tool)(nil)
