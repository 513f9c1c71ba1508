// Package gemini implements the gryag LLM and embedding providers on
// the Gemini REST API.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

var baseURL = "https://generativelanguage.googleapis.com/v1beta"

// Gemini implements gryag.Provider for Google Gemini models. It also
// satisfies gryag.SearchGrounder and gryag.ImageGenerator; callers
// discover those by type assertion.
type Gemini struct {
	model      string
	keys       *keyRing
	httpClient *http.Client
	logger     *slog.Logger

	temperature float64
	topP        float64
	safety      string

	caps capabilities

	// sysDowngrade latches after the API rejects the systemInstruction
	// field; from then on the instruction rides as the first user turn.
	sysDowngrade atomic.Bool
}

// New creates a Gemini chat provider. At least one API key is required;
// extra keys are rotated to on failure.
func New(model string, keys []string, opts ...Option) (*Gemini, error) {
	if len(keys) == 0 {
		return nil, errors.New("gemini: at least one API key required")
	}
	g := &Gemini{
		model:       model,
		keys:        &keyRing{keys: keys},
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		temperature: 0.1,
		topP:        0.9,
		safety:      "BLOCK_NONE",
		caps:        probeCapabilities(model),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Name returns "gemini".
func (g *Gemini) Name() string { return "gemini" }

// Generate sends a non-streaming request and returns the complete response.
func (g *Gemini) Generate(ctx context.Context, req gryag.GenerateRequest) (gryag.GenerateResponse, error) {
	return g.generate(ctx, req, nil)
}

// GenerateWithTools sends a request with tool definitions. When the model
// does not accept tools the declarations are dropped and the request is
// sent plain.
func (g *Gemini) GenerateWithTools(ctx context.Context, req gryag.GenerateRequest, tools []gryag.ToolDefinition) (gryag.GenerateResponse, error) {
	if len(tools) > 0 && !g.caps.Tools {
		if g.logger != nil {
			g.logger.Warn("model does not accept tools, sending without", "model", g.model)
		}
		tools = nil
	}
	return g.generate(ctx, req, tools)
}

func (g *Gemini) generate(ctx context.Context, req gryag.GenerateRequest, tools []gryag.ToolDefinition) (gryag.GenerateResponse, error) {
	body, err := g.buildBody(req.Messages, tools, req.Temperature)
	if err != nil {
		return gryag.GenerateResponse{}, g.wrapErr("build body: " + err.Error())
	}

	parsed, err := g.doGenerate(ctx, body)
	if err != nil && rejectsSystemInstruction(err) && !g.sysDowngrade.Load() {
		g.sysDowngrade.Store(true)
		if g.logger != nil {
			g.logger.Warn("model rejected system_instruction, inlining as user turn", "model", g.model)
		}
		body, err = g.buildBody(req.Messages, tools, req.Temperature)
		if err != nil {
			return gryag.GenerateResponse{}, g.wrapErr("build body: " + err.Error())
		}
		parsed, err = g.doGenerate(ctx, body)
	}
	if err != nil {
		return gryag.GenerateResponse{}, err
	}
	return toResponse(parsed), nil
}

// GenerateWithSearchGrounding answers a query grounded in live Google
// Search results. No function dispatch happens on this path.
func (g *Gemini) GenerateWithSearchGrounding(ctx context.Context, query string) (string, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]any{{"text": query}},
			},
		},
		"tools": []map[string]any{
			{"google_search": map[string]any{}},
		},
		"generationConfig": map[string]any{
			"temperature": g.temperature,
			"topP":        g.topP,
		},
	}
	if g.safety != "" {
		body["safetySettings"] = safetySettings(g.safety)
	}

	parsed, err := g.doGenerate(ctx, body)
	if err != nil {
		return "", err
	}
	return toResponse(parsed).Content, nil
}

// GenerateImage renders an image from a prompt and returns the raw bytes
// with their MIME type. The configured model must support image output.
func (g *Gemini) GenerateImage(ctx context.Context, prompt string) ([]byte, string, error) {
	body := map[string]any{
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]any{{"text": prompt}},
			},
		},
		"generationConfig": map[string]any{
			"responseModalities": []string{"TEXT", "IMAGE"},
			"temperature":        g.temperature,
			"topP":               g.topP,
		},
	}
	if g.safety != "" {
		body["safetySettings"] = safetySettings(g.safety)
	}

	parsed, err := g.doGenerate(ctx, body)
	if err != nil {
		return nil, "", err
	}

	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			if part.InlineData == nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, "", g.wrapErr("decode image data: " + err.Error())
			}
			return raw, part.InlineData.MimeType, nil
		}
	}
	return nil, "", g.wrapErr("no image in response")
}

// doGenerate performs a generateContent call with the current key and
// parses the response. Any failed request rotates to the next key.
func (g *Gemini) doGenerate(ctx context.Context, body map[string]any) (geminiResponse, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, g.model, g.keys.current())

	payload, err := json.Marshal(body)
	if err != nil {
		return geminiResponse{}, g.wrapErr("marshal body: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return geminiResponse{}, g.wrapErr("create request: " + err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		g.keys.rotate()
		return geminiResponse{}, g.wrapErr("request failed: " + err.Error())
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		g.keys.rotate()
		return geminiResponse{}, g.wrapErr("failed to read response body: " + err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		g.keys.rotate()
		return geminiResponse{}, httpErr(resp, string(respBody))
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return geminiResponse{}, g.wrapErr("failed to parse response JSON: " + err.Error())
	}
	return parsed, nil
}

// toResponse flattens the first candidate into a GenerateResponse.
func toResponse(parsed geminiResponse) gryag.GenerateResponse {
	var content strings.Builder
	var toolCalls []gryag.ToolCall

	if len(parsed.Candidates) > 0 {
		for _, part := range parsed.Candidates[0].Content.Parts {
			// Skip thinking parts (thought: true) but preserve their thoughtSignature.
			if part.Thought {
				continue
			}
			if part.Text != nil {
				content.WriteString(*part.Text)
			}
			if part.FunctionCall != nil {
				tc := gryag.ToolCall{
					ID:   part.FunctionCall.Name,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}
				// Preserve thoughtSignature for multi-turn thinking models.
				if part.ThoughtSignature != "" {
					meta, _ := json.Marshal(map[string]string{
						"thoughtSignature": part.ThoughtSignature,
					})
					tc.Metadata = meta
				}
				toolCalls = append(toolCalls, tc)
			}
		}
	}

	resp := gryag.GenerateResponse{
		Content:   content.String(),
		ToolCalls: toolCalls,
	}
	if parsed.UsageMetadata != nil {
		resp.Usage.InputTokens = parsed.UsageMetadata.PromptTokenCount
		resp.Usage.OutputTokens = parsed.UsageMetadata.CandidatesTokenCount
	}
	return resp
}

func (g *Gemini) wrapErr(msg string) error {
	return &gryag.ErrLLM{Provider: "gemini", Message: msg}
}

// rejectsSystemInstruction reports whether err is the 400 some models
// return for the systemInstruction field.
func rejectsSystemInstruction(err error) bool {
	var herr *gryag.ErrHTTP
	if !errors.As(err, &herr) || herr.Status != http.StatusBadRequest {
		return false
	}
	return strings.Contains(herr.Body, "system_instruction") ||
		strings.Contains(herr.Body, "systemInstruction")
}

// httpErr creates an ErrHTTP from an HTTP response, extracting the retry delay
// from the Retry-After header or from the Gemini-specific google.rpc.RetryInfo
// detail in the JSON error body.
func httpErr(resp *http.Response, body string) *gryag.ErrHTTP {
	ra := gryag.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if ra == 0 {
		ra = parseRetryInfo(body)
	}
	return &gryag.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       body,
		RetryAfter: ra,
	}
}

// parseRetryInfo extracts the retryDelay from a Gemini error body containing
// a google.rpc.RetryInfo detail. Returns 0 if not found or unparseable.
func parseRetryInfo(body string) time.Duration {
	var envelope struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(body), &envelope) != nil {
		return 0
	}
	for _, raw := range envelope.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil {
			continue
		}
		if detail.Type == "type.googleapis.com/google.rpc.RetryInfo" && detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
	}
	return 0
}

// ---- Key rotation ----

// keyRing hands out API keys and advances to the next one on failure.
// Rotation is mutex-guarded so concurrent turns agree on the index.
type keyRing struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

func (r *keyRing) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[r.idx]
}

func (r *keyRing) rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idx = (r.idx + 1) % len(r.keys)
}

// ---- Capabilities ----

// capabilities records which inputs a model accepts. Derived from the
// model id by name rules; probing the API would cost a request per boot.
type capabilities struct {
	Audio bool
	Video bool
	Tools bool
}

func (c capabilities) allows(kind string) bool {
	switch kind {
	case gryag.MediaAudio:
		return c.Audio
	case gryag.MediaVideo:
		return c.Video
	default:
		return true
	}
}

// probeCapabilities classifies a model id. Unknown names get the most
// permissive setting: a wrong "true" costs one failed request, a wrong
// "false" silently drops media on every turn.
func probeCapabilities(model string) capabilities {
	m := strings.ToLower(model)
	if strings.Contains(m, "embedding") || strings.Contains(m, "imagen") {
		return capabilities{}
	}
	// Every generative Gemini line, flash-lite and -8b variants
	// included, takes audio, video and tools.
	return capabilities{Audio: true, Video: true, Tools: true}
}

// ---- Safety ----

// safetyCategories are the harm classes the API lets callers tune.
var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

func safetySettings(threshold string) []map[string]any {
	settings := make([]map[string]any, 0, len(safetyCategories))
	for _, cat := range safetyCategories {
		settings = append(settings, map[string]any{
			"category":  cat,
			"threshold": threshold,
		})
	}
	return settings
}

// ---- Body builder ----

// buildBody constructs the Gemini API request body from chat messages and
// optional tool definitions. Media the model cannot take is dropped and
// counted; one aggregated line is logged per request.
func (g *Gemini) buildBody(messages []gryag.ChatMessage, tools []gryag.ToolDefinition, temperature float64) (map[string]any, error) {
	var systemParts []string
	var contents []map[string]any
	dropped := 0

	for _, m := range messages {
		switch {
		case m.Role == gryag.RoleSystem:
			systemParts = append(systemParts, m.Content)

		case len(m.ToolCalls) > 0:
			// Assistant message with tool calls -> model role with functionCall parts.
			parts := make([]map[string]any, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				// Parse args from json.RawMessage into a generic map so Gemini gets an object.
				var args any
				if len(tc.Args) > 0 {
					if err := json.Unmarshal(tc.Args, &args); err != nil {
						args = map[string]any{}
					}
				} else {
					args = map[string]any{}
				}

				part := map[string]any{
					"functionCall": map[string]any{
						"name": tc.Name,
						"args": args,
					},
				}

				// Preserve thoughtSignature from metadata.
				if len(tc.Metadata) > 0 {
					var meta map[string]any
					if err := json.Unmarshal(tc.Metadata, &meta); err == nil {
						if sig, ok := meta["thoughtSignature"]; ok {
							part["thoughtSignature"] = sig
						}
					}
				}

				parts = append(parts, part)
			}
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": parts,
			})

		case m.Role == gryag.RoleTool:
			// Tool result message -> user role with functionResponse part.
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{
					{
						"functionResponse": map[string]any{
							"name": m.ToolCallID,
							"response": map[string]any{
								"result": m.Content,
							},
						},
					},
				},
			})

		default:
			// Regular user or assistant message.
			var parts []map[string]any

			if m.Content != "" {
				parts = append(parts, map[string]any{"text": m.Content})
			}

			for _, md := range m.Media {
				if !g.caps.allows(md.Kind) {
					dropped++
					continue
				}
				parts = append(parts, map[string]any{
					"inlineData": map[string]any{
						"mimeType": md.MimeType,
						"data":     md.Base64,
					},
				})
			}

			// Gemini requires at least one part.
			if len(parts) == 0 {
				parts = append(parts, map[string]any{"text": ""})
			}

			contents = append(contents, map[string]any{
				"role":  mapRole(m.Role),
				"parts": parts,
			})
		}
	}

	if dropped > 0 && g.logger != nil {
		g.logger.Warn("dropped media unsupported by model", "model", g.model, "parts", dropped)
	}

	// System instruction from accumulated system messages. Models that
	// rejected the field get it as a plain first user turn instead.
	if len(systemParts) > 0 && g.sysDowngrade.Load() {
		turn := map[string]any{
			"role":  "user",
			"parts": []map[string]any{{"text": strings.Join(systemParts, "\n\n")}},
		}
		contents = append([]map[string]any{turn}, contents...)
	}

	body := map[string]any{
		"contents": contents,
	}

	if len(systemParts) > 0 && !g.sysDowngrade.Load() {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{
				{"text": strings.Join(systemParts, "\n\n")},
			},
		}
	}

	// Tool entries: function declarations only; grounding has its own path.
	if len(tools) > 0 {
		declarations := make([]map[string]any, 0, len(tools))
		for _, t := range tools {
			var params any
			if len(t.Parameters) > 0 {
				if err := json.Unmarshal(t.Parameters, &params); err != nil {
					params = map[string]any{}
				}
			} else {
				params = map[string]any{}
			}
			declarations = append(declarations, map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			})
		}
		body["tools"] = []map[string]any{
			{"functionDeclarations": declarations},
		}
	}

	// Generation config. Per-request temperature overrides the default.
	genConfig := map[string]any{
		"temperature": g.temperature,
		"topP":        g.topP,
	}
	if temperature > 0 {
		genConfig["temperature"] = temperature
	}
	body["generationConfig"] = genConfig

	if g.safety != "" {
		body["safetySettings"] = safetySettings(g.safety)
	}

	return body, nil
}

// mapRole converts standard roles to Gemini API roles.
func mapRole(role string) string {
	if role == gryag.RoleAssistant {
		return "model"
	}
	return role
}

// ---- Response parsing types ----

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *geminiUsage      `json:"usageMetadata"`
}

type geminiCandidate struct {
	Content geminiContent `json:"content"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role"`
}

type geminiPart struct {
	Text             *string           `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall   `json:"functionCall,omitempty"`
	InlineData       *geminiInlineData `json:"inlineData,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

// Compile-time interface checks.
var (
	_ gryag.Provider       = (*Gemini)(nil)
	_ gryag.SearchGrounder = (*Gemini)(nil)
	_ gryag.ImageGenerator = (*Gemini)(nil)
)
