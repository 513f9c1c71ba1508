// Package webfetch fetches URLs and extracts their readable text for
// the model.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/go-shiori/go-readability"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

// New creates the fetch tool with a 15-second timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: 15 * time.Second}}
}

func (t *Tool) Definitions() []gryag.ToolDefinition {
	return []gryag.ToolDefinition{{
		Name:        "web_fetch",
		Description: "Fetch a URL and extract its readable text content. Use for reading articles, pages, or documentation someone linked.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (gryag.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gryag.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return gryag.ToolResult{Error: err.Error()}, nil
	}
	if len(content) > 8000 {
		content = content[:8000] + "\n... (truncated)"
	}
	return gryag.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and extracts readable text.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: %s", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; gryag/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	html := string(body)

	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err == nil && article.TextContent != "" {
		text := strings.TrimSpace(article.TextContent)
		if article.Title != "" {
			text = article.Title + "\n\n" + text
		}
		return text, nil
	}

	return stripHTML(html), nil
}

// stripHTML is the fallback for pages readability cannot parse: drops
// tags, script and style bodies, and collapses whitespace.
func stripHTML(content string) string {
	var b strings.Builder
	b.Grow(len(content))

	inTag, skip := false, false
	var tag strings.Builder
	naming := false

	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
			naming = true
			tag.Reset()
		case inTag && r == '>':
			inTag = false
			switch strings.ToLower(tag.String()) {
			case "script", "style":
				skip = true
			case "/script", "/style":
				skip = false
			case "p", "br", "div", "/p", "/div", "li", "/li", "tr", "/tr",
				"h1", "h2", "h3", "h4", "/h1", "/h2", "/h3", "/h4":
				b.WriteByte('\n')
			}
		case inTag:
			if naming {
				if unicode.IsSpace(r) || (r == '/' && tag.Len() > 0) {
					naming = false
				} else {
					tag.WriteRune(r)
				}
			}
		case !skip:
			b.WriteRune(r)
		}
	}

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
