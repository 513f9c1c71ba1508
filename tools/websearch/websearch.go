// Package websearch exposes search-grounded generation as a tool. The
// provider runs the query against live web results and returns a
// synthesized answer, so there is no search API key to manage.
package websearch

import (
	"context"
	"encoding/json"
	"strings"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// Tool answers queries grounded in live web search.
type Tool struct {
	grounder gryag.SearchGrounder
}

// New creates the search tool over a grounding-capable provider.
func New(grounder gryag.SearchGrounder) *Tool {
	return &Tool{grounder: grounder}
}

func (t *Tool) Definitions() []gryag.ToolDefinition {
	return []gryag.ToolDefinition{{
		Name:        "web_search",
		Description: "Search the web for current information. Use for recent events, news, facts that may have changed, or anything you are not sure about.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (gryag.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gryag.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return gryag.ToolResult{Error: "query is required"}, nil
	}

	answer, err := t.grounder.GenerateWithSearchGrounding(ctx, query)
	if err != nil {
		return gryag.ToolResult{Error: err.Error()}, nil
	}
	if len(answer) > 8000 {
		answer = answer[:8000] + "\n... (truncated)"
	}
	return gryag.ToolResult{Content: answer}, nil
}
