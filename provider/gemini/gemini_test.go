package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// testGemini returns a provider with default config for testing buildBody.
func testGemini(t *testing.T) *Gemini {
	t.Helper()
	g, err := New("gemini-2.5-flash", []string{"test-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

// serve points the package at a local test server for the duration of
// the test.
func serve(t *testing.T, handler http.Handler) {
	t.Helper()
	server := httptest.NewServer(handler)
	origBaseURL := baseURL
	baseURL = server.URL
	t.Cleanup(func() {
		baseURL = origBaseURL
		server.Close()
	})
}

func textResponse(text string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]any{
						{"text": text},
					},
				},
			},
		},
		"usageMetadata": map[string]any{
			"promptTokenCount":     12,
			"candidatesTokenCount": 3,
		},
	}
}

func TestBuildBody_SystemMessages(t *testing.T) {
	g := testGemini(t)
	messages := []gryag.ChatMessage{
		{Role: "system", Content: "You are a snarky group-chat bot."},
		{Role: "system", Content: "Reply in the chat language."},
		{Role: "user", Content: "Hello"},
	}

	body, err := g.buildBody(messages, nil, 0)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	si, ok := body["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("expected systemInstruction in body")
	}
	parts, ok := si["parts"].([]map[string]any)
	if !ok || len(parts) != 1 {
		t.Fatal("expected exactly 1 systemInstruction part")
	}
	text, ok := parts[0]["text"].(string)
	if !ok {
		t.Fatal("expected text field in systemInstruction part")
	}
	if text != "You are a snarky group-chat bot.\n\nReply in the chat language." {
		t.Errorf("unexpected system text: %q", text)
	}

	contents, ok := body["contents"].([]map[string]any)
	if !ok {
		t.Fatal("expected contents array in body")
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content entry (user only), got %d", len(contents))
	}
	if contents[0]["role"] != "user" {
		t.Errorf("expected role 'user', got %q", contents[0]["role"])
	}
}

func TestBuildBody_AssistantMapsToModel(t *testing.T) {
	g := testGemini(t)
	messages := []gryag.ChatMessage{
		{Role: "user", Content: "Hi"},
		{Role: "assistant", Content: "Hello!"},
		{Role: "user", Content: "How are you?"},
	}

	body, err := g.buildBody(messages, nil, 0)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 content entries, got %d", len(contents))
	}
	if contents[1]["role"] != "model" {
		t.Errorf("expected assistant role mapped to 'model', got %q", contents[1]["role"])
	}
}

func TestBuildBody_ToolRoundTrip(t *testing.T) {
	g := testGemini(t)
	messages := []gryag.ChatMessage{
		{Role: "user", Content: "Weather in Kyiv?"},
		{
			Role: "assistant",
			ToolCalls: []gryag.ToolCall{
				{
					ID:       "weather",
					Name:     "weather",
					Args:     json.RawMessage(`{"location":"Kyiv"}`),
					Metadata: json.RawMessage(`{"thoughtSignature":"sig-abc"}`),
				},
			},
		},
		{Role: "tool", ToolCallID: "weather", Content: `{"temp_c":21}`},
	}

	body, err := g.buildBody(messages, nil, 0)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 content entries, got %d", len(contents))
	}

	// The tool-call turn becomes a model functionCall part carrying the
	// thought signature.
	callParts := contents[1]["parts"].([]map[string]any)
	fc, ok := callParts[0]["functionCall"].(map[string]any)
	if !ok {
		t.Fatal("expected functionCall part")
	}
	if fc["name"] != "weather" {
		t.Errorf("functionCall name = %q, want weather", fc["name"])
	}
	if callParts[0]["thoughtSignature"] != "sig-abc" {
		t.Errorf("thoughtSignature not preserved: %v", callParts[0]["thoughtSignature"])
	}

	// The tool result becomes a user functionResponse part.
	if contents[2]["role"] != "user" {
		t.Errorf("tool result role = %q, want user", contents[2]["role"])
	}
	respParts := contents[2]["parts"].([]map[string]any)
	fr, ok := respParts[0]["functionResponse"].(map[string]any)
	if !ok {
		t.Fatal("expected functionResponse part")
	}
	if fr["name"] != "weather" {
		t.Errorf("functionResponse name = %q, want weather", fr["name"])
	}
}

func TestBuildBody_TemperatureOverride(t *testing.T) {
	g := testGemini(t)

	body, _ := g.buildBody([]gryag.ChatMessage{{Role: "user", Content: "hi"}}, nil, 0)
	gc := body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.1 {
		t.Errorf("default temperature = %v, want 0.1", gc["temperature"])
	}

	body, _ = g.buildBody([]gryag.ChatMessage{{Role: "user", Content: "hi"}}, nil, 0.7)
	gc = body["generationConfig"].(map[string]any)
	if gc["temperature"] != 0.7 {
		t.Errorf("override temperature = %v, want 0.7", gc["temperature"])
	}
}

func TestProbeCapabilities(t *testing.T) {
	cases := []struct {
		model string
		want  capabilities
	}{
		{"gemini-2.5-flash", capabilities{Audio: true, Video: true, Tools: true}},
		{"gemini-1.5-pro", capabilities{Audio: true, Video: true, Tools: true}},
		{"gemini-2.0-flash-lite", capabilities{Audio: true, Video: true, Tools: true}},
		{"gemini-1.5-flash-8b", capabilities{Audio: true, Video: true, Tools: true}},
		{"text-embedding-004", capabilities{}},
		{"imagen-3.0-generate-002", capabilities{}},
		{"some-future-model", capabilities{Audio: true, Video: true, Tools: true}},
	}
	for _, tc := range cases {
		if got := probeCapabilities(tc.model); got != tc.want {
			t.Errorf("probeCapabilities(%q) = %+v, want %+v", tc.model, got, tc.want)
		}
	}
}

func TestBuildBody_DropsUnsupportedMedia(t *testing.T) {
	g := testGemini(t)
	g.caps = capabilities{Audio: false, Video: false, Tools: true}

	messages := []gryag.ChatMessage{
		{
			Role:    "user",
			Content: "listen to this",
			Media: []gryag.MediaData{
				{Kind: gryag.MediaAudio, MimeType: "audio/ogg", Base64: "b2dn"},
				{Kind: gryag.MediaImage, MimeType: "image/jpeg", Base64: "anBn"},
				{Kind: gryag.MediaVideo, MimeType: "video/mp4", Base64: "bXA0"},
			},
		},
	}

	body, err := g.buildBody(messages, nil, 0)
	if err != nil {
		t.Fatalf("buildBody returned error: %v", err)
	}

	contents := body["contents"].([]map[string]any)
	parts := contents[0]["parts"].([]map[string]any)
	// text + image only; audio and video dropped.
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts after filtering, got %d", len(parts))
	}
	inline, ok := parts[1]["inlineData"].(map[string]any)
	if !ok {
		t.Fatal("expected inlineData part")
	}
	if inline["mimeType"] != "image/jpeg" {
		t.Errorf("surviving media mime = %q, want image/jpeg", inline["mimeType"])
	}
}

func TestGenerate(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(textResponse("pong"))
	}))

	g := testGemini(t)
	resp, err := g.Generate(context.Background(), gryag.GenerateRequest{
		Messages: []gryag.ChatMessage{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "pong" {
		t.Errorf("content = %q, want pong", resp.Content)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotPath != "/models/gemini-2.5-flash:generateContent" {
		t.Errorf("path = %q", gotPath)
	}
	if _, ok := gotBody["safetySettings"]; !ok {
		t.Error("expected safetySettings in request body")
	}
}

func TestGenerate_FunctionCallResponse(t *testing.T) {
	serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]any{
							{
								"functionCall": map[string]any{
									"name": "search_web",
									"args": map[string]any{"query": "go releases"},
								},
								"thoughtSignature": "sig-1",
							},
						},
					},
				},
			},
		})
	}))

	g := testGemini(t)
	resp, err := g.GenerateWithTools(context.Background(), gryag.GenerateRequest{
		Messages: []gryag.ChatMessage{{Role: "user", Content: "search it"}},
	}, []gryag.ToolDefinition{
		{Name: "search_web", Description: "web search", Parameters: json.RawMessage(`{"type":"object"}`)},
	})
	if err != nil {
		t.Fatalf("GenerateWithTools: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.Name != "search_web" || tc.ID != "search_web" {
		t.Errorf("tool call = %+v", tc)
	}
	var meta map[string]string
	if err := json.Unmarshal(tc.Metadata, &meta); err != nil || meta["thoughtSignature"] != "sig-1" {
		t.Errorf("metadata = %s", tc.Metadata)
	}
}

func TestGenerate_KeyRotationOnFailure(t *testing.T) {
	var keys []string
	var calls int
	serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.URL.Query().Get("key"))
		calls++
		if calls == 1 {
			http.Error(w, `{"error":{"message":"internal"}}`, http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(textResponse("ok"))
	}))

	g, err := New("gemini-2.5-flash", []string{"key-a", "key-b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := gryag.GenerateRequest{Messages: []gryag.ChatMessage{{Role: "user", Content: "hi"}}}

	if _, err := g.Generate(context.Background(), req); err == nil {
		t.Fatal("expected error from first call")
	}
	if _, err := g.Generate(context.Background(), req); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if len(keys) != 2 || keys[0] != "key-a" || keys[1] != "key-b" {
		t.Errorf("keys used = %v, want [key-a key-b]", keys)
	}
}

func TestGenerate_SystemInstructionFallback(t *testing.T) {
	var bodies []map[string]any
	serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)
		if _, ok := body["systemInstruction"]; ok {
			http.Error(w, `{"error":{"message":"Invalid JSON payload received. Unknown name \"system_instruction\""}}`, http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(textResponse("ok"))
	}))

	g := testGemini(t)
	req := gryag.GenerateRequest{
		Messages: []gryag.ChatMessage{
			{Role: "system", Content: "persona text"},
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := g.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected 2 requests (reject + retry), got %d", len(bodies))
	}

	// The retry inlines the instruction as the first user turn.
	retry := bodies[1]
	if _, ok := retry["systemInstruction"]; ok {
		t.Error("retry still carries systemInstruction")
	}
	contents := retry["contents"].([]any)
	first := contents[0].(map[string]any)
	parts := first["parts"].([]any)
	text := parts[0].(map[string]any)["text"].(string)
	if text != "persona text" {
		t.Errorf("first turn text = %q, want persona text", text)
	}

	// The downgrade latches: the next call skips the field outright.
	if _, err := g.Generate(context.Background(), req); err != nil {
		t.Fatalf("latched call: %v", err)
	}
	if len(bodies) != 3 {
		t.Fatalf("expected 3 requests total, got %d", len(bodies))
	}
	if _, ok := bodies[2]["systemInstruction"]; ok {
		t.Error("latched call still carries systemInstruction")
	}
}

func TestGenerate_RetryAfter(t *testing.T) {
	serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		http.Error(w, `{"error":{"message":"quota"}}`, http.StatusTooManyRequests)
	}))

	g := testGemini(t)
	_, err := g.Generate(context.Background(), gryag.GenerateRequest{
		Messages: []gryag.ChatMessage{{Role: "user", Content: "hi"}},
	})

	var herr *gryag.ErrHTTP
	if !errors.As(err, &herr) {
		t.Fatalf("expected ErrHTTP, got %v", err)
	}
	if herr.Status != http.StatusTooManyRequests {
		t.Errorf("status = %d", herr.Status)
	}
	if herr.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", herr.RetryAfter)
	}
}

func TestParseRetryInfo(t *testing.T) {
	body := `{"error":{"details":[
		{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"RATE_LIMIT_EXCEEDED"},
		{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"30s"}
	]}}`
	if d := parseRetryInfo(body); d != 30*time.Second {
		t.Errorf("parseRetryInfo = %v, want 30s", d)
	}
	if d := parseRetryInfo(`{"error":{}}`); d != 0 {
		t.Errorf("parseRetryInfo on empty details = %v, want 0", d)
	}
	if d := parseRetryInfo("not json"); d != 0 {
		t.Errorf("parseRetryInfo on garbage = %v, want 0", d)
	}
}

func TestGenerateWithSearchGrounding(t *testing.T) {
	var gotBody map[string]any
	serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(textResponse("grounded answer"))
	}))

	g := testGemini(t)
	text, err := g.GenerateWithSearchGrounding(context.Background(), "latest go version")
	if err != nil {
		t.Fatalf("GenerateWithSearchGrounding: %v", err)
	}
	if text != "grounded answer" {
		t.Errorf("text = %q", text)
	}

	tools := gotBody["tools"].([]any)
	entry := tools[0].(map[string]any)
	if _, ok := entry["google_search"]; !ok {
		t.Errorf("expected google_search tool entry, got %v", entry)
	}
	if _, ok := entry["functionDeclarations"]; ok {
		t.Error("grounding request must not carry function declarations")
	}
}

func TestGenerateImage(t *testing.T) {
	raw := []byte{0x89, 0x50, 0x4e, 0x47}
	var gotBody map[string]any
	serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{
					"content": map[string]any{
						"role": "model",
						"parts": []map[string]any{
							{"text": "here you go"},
							{"inlineData": map[string]any{
								"mimeType": "image/png",
								"data":     base64.StdEncoding.EncodeToString(raw),
							}},
						},
					},
				},
			},
		})
	}))

	g := testGemini(t)
	data, mime, err := g.GenerateImage(context.Background(), "a crayon drawing of a dog")
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if mime != "image/png" {
		t.Errorf("mime = %q", mime)
	}
	if string(data) != string(raw) {
		t.Errorf("data = %v, want %v", data, raw)
	}

	gc := gotBody["generationConfig"].(map[string]any)
	mods := gc["responseModalities"].([]any)
	if len(mods) != 2 || mods[0] != "TEXT" || mods[1] != "IMAGE" {
		t.Errorf("responseModalities = %v", mods)
	}
}

func TestEmbed(t *testing.T) {
	var gotBodies []map[string]any
	serve(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotBodies = append(gotBodies, body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embedding": map[string]any{"values": []float64{0.1, 0.2, 0.3}},
		})
	}))

	e, err := NewEmbedding("text-embedding-004", []string{"test-key"}, 3)
	if err != nil {
		t.Fatalf("NewEmbedding: %v", err)
	}
	if e.Dimensions() != 3 {
		t.Errorf("Dimensions = %d", e.Dimensions())
	}

	vecs, err := e.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 3 {
		t.Fatalf("vecs shape = %dx%d", len(vecs), len(vecs[0]))
	}
	if vecs[0][1] != float32(0.2) {
		t.Errorf("vecs[0][1] = %v", vecs[0][1])
	}
	if len(gotBodies) != 2 {
		t.Fatalf("expected 2 embed requests, got %d", len(gotBodies))
	}
	if dims, ok := gotBodies[0]["outputDimensionality"].(float64); !ok || int(dims) != 3 {
		t.Errorf("outputDimensionality = %v", gotBodies[0]["outputDimensionality"])
	}
}

func TestNew_RequiresKey(t *testing.T) {
	if _, err := New("gemini-2.5-flash", nil); err == nil {
		t.Error("New with no keys should fail")
	}
	if _, err := NewEmbedding("text-embedding-004", nil, 768); err == nil {
		t.Error("NewEmbedding with no keys should fail")
	}
}
