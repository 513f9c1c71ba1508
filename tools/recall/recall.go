// Package recall gives the model direct access to the fact store:
// look up what is remembered about the current user or chat, and save
// a fact the user explicitly asked to keep. Turn identity comes from
// the orchestrator via the request context.
package recall

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// Facts explicitly entrusted to the bot start near certainty; the
// usual fusion rule still applies on reinforcement.
const rememberConfidence = 0.95

// Tool reads and writes user and chat facts for the model.
type Tool struct {
	facts gryag.FactStore
}

// New creates the recall tool over the fact repository.
func New(facts gryag.FactStore) *Tool {
	return &Tool{facts: facts}
}

func (t *Tool) Definitions() []gryag.ToolDefinition {
	return []gryag.ToolDefinition{
		{
			Name:        "recall_facts",
			Description: "Look up facts remembered about the current user or this chat. Use when the conversation refers to earlier preferences, plans, or personal details.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"scope":{"type":"string","enum":["user","chat"],"description":"Whose facts to read, default user"},
				"category":{"type":"string","description":"Optional category filter: personal, preference, skill, trait, opinion, relationship"}}}`),
		},
		{
			Name:        "remember_fact",
			Description: "Save a fact the user explicitly asked to remember. Only use on a direct request, never to stash your own observations.",
			Parameters: json.RawMessage(`{"type":"object","properties":{
				"category":{"type":"string","description":"One of: personal, preference, skill, trait, opinion, relationship"},
				"key":{"type":"string","description":"Short fact key, e.g. favorite_food"},
				"value":{"type":"string","description":"The fact value"}},
				"required":["category","key","value"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (gryag.ToolResult, error) {
	turn, ok := gryag.TurnFromContext(ctx)
	if !ok {
		return gryag.ToolResult{Error: "no active turn"}, nil
	}

	switch name {
	case "recall_facts":
		return t.recall(ctx, turn, args)
	case "remember_fact":
		return t.remember(ctx, turn, args)
	default:
		return gryag.ToolResult{Error: "unknown tool: " + name}, nil
	}
}

func (t *Tool) recall(ctx context.Context, turn gryag.TurnInfo, args json.RawMessage) (gryag.ToolResult, error) {
	var params struct {
		Scope    string `json:"scope"`
		Category string `json:"category"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return gryag.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}

	entityType, entityID := gryag.EntityUser, turn.UserID
	if params.Scope == "chat" {
		entityType, entityID = gryag.EntityChat, turn.ChatID
	}

	facts, err := t.facts.ActiveFacts(ctx, entityType, entityID, turn.ChatID, 20)
	if err != nil {
		return gryag.ToolResult{Error: "fact lookup failed: " + err.Error()}, nil
	}

	category := strings.ToLower(strings.TrimSpace(params.Category))
	var b strings.Builder
	n := 0
	for _, f := range facts {
		if category != "" && f.Category != category {
			continue
		}
		if n > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s/%s: %s (confidence %.2f)", f.Category, f.Key, f.Value, f.Confidence)
		n++
	}
	if n == 0 {
		return gryag.ToolResult{Content: "no stored facts"}, nil
	}
	return gryag.ToolResult{Content: b.String()}, nil
}

func (t *Tool) remember(ctx context.Context, turn gryag.TurnInfo, args json.RawMessage) (gryag.ToolResult, error) {
	var params struct {
		Category string `json:"category"`
		Key      string `json:"key"`
		Value    string `json:"value"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gryag.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	category := strings.ToLower(strings.TrimSpace(params.Category))
	if !validCategory(category) {
		return gryag.ToolResult{Error: "unknown category: " + params.Category}, nil
	}
	key := strings.TrimSpace(params.Key)
	value := strings.TrimSpace(params.Value)
	if key == "" || value == "" {
		return gryag.ToolResult{Error: "key and value are required"}, nil
	}

	stored, err := t.facts.UpsertFact(ctx, gryag.Fact{
		EntityType:   gryag.EntityUser,
		EntityID:     turn.UserID,
		ChatContext:  turn.ChatID,
		Category:     category,
		Key:          key,
		Value:        value,
		Confidence:   rememberConfidence,
		EvidenceText: "user asked to remember",
	})
	if err != nil {
		return gryag.ToolResult{Error: "fact save failed: " + err.Error()}, nil
	}
	return gryag.ToolResult{Content: fmt.Sprintf("remembered %s/%s = %s", stored.Category, stored.Key, stored.Value)}, nil
}

func validCategory(category string) bool {
	for _, c := range gryag.FactCategories {
		if c == category {
			return true
		}
	}
	return false
}
