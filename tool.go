package gryag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Tool defines a bot capability with one or more tool functions.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. Errors are returned in
// Error, not as Go errors, so the model can react to them.
type ToolResult struct {
	Content string      `json:"content"`
	Error   string      `json:"error,omitempty"`
	Media   []MediaData `json:"media,omitempty"` // attachments for the outbound reply
}

// ToolRegistry holds registered tools with their gating metadata.
// Registration happens at startup; reads afterwards are lock-free.
type ToolRegistry struct {
	entries []toolEntry
}

type toolEntry struct {
	tool    Tool
	enabled bool
	feature string // rate-limit feature name; "" = unlimited
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{}
}

// Add registers an always-enabled tool with no feature quota.
func (r *ToolRegistry) Add(t Tool) {
	r.AddGated(t, true, "")
}

// AddGated registers a tool behind an enable flag and an optional
// rate-limit feature. Disabled tools are invisible to the model.
func (r *ToolRegistry) AddGated(t Tool, enabled bool, feature string) {
	r.entries = append(r.entries, toolEntry{tool: t, enabled: enabled, feature: feature})
}

// AllDefinitions returns definitions of all enabled tools.
func (r *ToolRegistry) AllDefinitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, e := range r.entries {
		if !e.enabled {
			continue
		}
		defs = append(defs, e.tool.Definitions()...)
	}
	return defs
}

// Feature returns the rate-limit feature of a tool name, or "".
func (r *ToolRegistry) Feature(name string) string {
	if e := r.lookup(name); e != nil {
		return e.feature
	}
	return ""
}

// Execute dispatches a tool call by name across enabled tools.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	e := r.lookup(name)
	if e == nil {
		return ToolResult{Error: "unknown tool: " + name}, nil
	}
	return e.tool.Execute(ctx, name, args)
}

func (r *ToolRegistry) lookup(name string) *toolEntry {
	for i := range r.entries {
		if !r.entries[i].enabled {
			continue
		}
		for _, d := range r.entries[i].tool.Definitions() {
			if d.Name == name {
				return &r.entries[i]
			}
		}
	}
	return nil
}

// FeatureLimiter admits or denies one feature request for a user.
// Implemented by the quota engine.
type FeatureLimiter interface {
	AllowFeature(ctx context.Context, userID int64, feature string) (bool, error)
	RecordUsage(ctx context.Context, userID int64, feature string, throttled bool)
}

// Dispatcher executes model function calls against the registry with
// quota checks and panic isolation. It never returns a Go error to the
// turn; failures come back as localized error objects for the model.
type Dispatcher struct {
	registry *ToolRegistry
	limiter  FeatureLimiter
	loc      *Localizer
	log      *slog.Logger
}

// NewDispatcher wires a registry to the quota engine. limiter may be
// nil when feature throttling is disabled.
func NewDispatcher(registry *ToolRegistry, limiter FeatureLimiter, loc *Localizer, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, limiter: limiter, loc: loc, log: log}
}

// Dispatch runs one function call for userID and returns the JSON
// object to hand back to the model as the function response.
func (d *Dispatcher) Dispatch(ctx context.Context, userID int64, call ToolCall) ToolResult {
	if d.registry.lookup(call.Name) == nil {
		return ToolResult{Error: d.loc.T(MsgUnknownTool) + ": " + call.Name}
	}

	feature := d.registry.Feature(call.Name)
	if feature != "" && d.limiter != nil {
		ok, err := d.limiter.AllowFeature(ctx, userID, feature)
		if err != nil {
			d.log.Error("tool quota check failed", "tool", call.Name, "error", err)
			// Fail open: a broken limiter must not disable tools.
			ok = true
		}
		if !ok {
			d.limiter.RecordUsage(ctx, userID, feature, true)
			return ToolResult{Error: d.loc.T(MsgToolThrottled)}
		}
	}

	res := d.safeExecute(ctx, call)
	if res.Error == "" && feature != "" && d.limiter != nil {
		d.limiter.RecordUsage(ctx, userID, feature, false)
	}
	return res
}

// safeExecute isolates handler panics so a buggy tool cannot crash the
// turn.
func (d *Dispatcher) safeExecute(ctx context.Context, call ToolCall) (res ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			d.log.Error("tool panicked", "tool", call.Name, "panic", fmt.Sprint(p))
			res = ToolResult{Error: d.loc.T(MsgToolError)}
		}
	}()
	res, err := d.registry.Execute(ctx, call.Name, call.Args)
	if err != nil {
		d.log.Error("tool failed", "tool", call.Name, "error", err)
		return ToolResult{Error: d.loc.T(MsgToolError)}
	}
	return res
}

// FunctionResponse normalizes a tool result into the JSON object passed
// back to the model.
func FunctionResponse(res ToolResult) json.RawMessage {
	if res.Error != "" {
		b, _ := json.Marshal(map[string]string{"error": res.Error})
		return b
	}
	// Pass through results that are already JSON objects.
	trimmed := []byte(res.Content)
	if json.Valid(trimmed) && len(trimmed) > 0 && trimmed[0] == '{' {
		return trimmed
	}
	b, _ := json.Marshal(map[string]string{"result": res.Content})
	return b
}
