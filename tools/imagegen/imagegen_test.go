package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"testing"

	gryag "github.com/ThatHunky/gryag-sub007"
)

type fakeGenerator struct {
	data []byte
	mime string
	err  error
}

func (f *fakeGenerator) GenerateImage(_ context.Context, _ string) ([]byte, string, error) {
	return f.data, f.mime, f.err
}

type fakeMediaCache struct {
	gryag.MediaCacheStore
	entries []gryag.MediaCacheEntry
}

func (f *fakeMediaCache) PutMedia(_ context.Context, e gryag.MediaCacheEntry) error {
	f.entries = append(f.entries, e)
	return nil
}

func TestGenerateImage(t *testing.T) {
	gen := &fakeGenerator{data: []byte{0x89, 0x50}, mime: "image/png"}
	cache := &fakeMediaCache{}
	dir := t.TempDir()
	tool := New(gen, cache, dir, nil)

	ctx := gryag.ContextWithTurn(context.Background(), gryag.TurnInfo{ChatID: -100, UserID: 42})
	args, _ := json.Marshal(map[string]string{"prompt": "кіт в окулярах"})
	result, err := tool.Execute(ctx, "generate_image", args)
	if err != nil {
		t.Fatal(err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if len(result.Media) != 1 {
		t.Fatalf("media = %d, want 1", len(result.Media))
	}
	m := result.Media[0]
	if m.Kind != gryag.MediaImage || m.MimeType != "image/png" {
		t.Errorf("media = %+v", m)
	}
	decoded, _ := base64.StdEncoding.DecodeString(m.Base64)
	if string(decoded) != string(gen.data) {
		t.Error("media bytes do not round-trip")
	}

	if len(cache.entries) != 1 {
		t.Fatalf("cache entries = %d, want 1", len(cache.entries))
	}
	e := cache.entries[0]
	if e.ChatID != -100 || e.UserID != 42 || e.MediaType != "image/png" {
		t.Errorf("cache entry = %+v", e)
	}
	if e.ExpiresAt <= e.CreatedAt {
		t.Error("cache entry must expire in the future")
	}
	if _, err := os.Stat(e.FilePath); err != nil {
		t.Errorf("cached file missing: %v", err)
	}
}

func TestGenerateImageProviderError(t *testing.T) {
	tool := New(&fakeGenerator{err: errors.New("image generation unavailable")}, nil, "", nil)
	args, _ := json.Marshal(map[string]string{"prompt": "anything"})
	result, _ := tool.Execute(context.Background(), "generate_image", args)
	if result.Error == "" {
		t.Error("expected provider error")
	}
}

func TestGenerateImageEmptyPrompt(t *testing.T) {
	tool := New(&fakeGenerator{}, nil, "", nil)
	args, _ := json.Marshal(map[string]string{"prompt": " "})
	result, _ := tool.Execute(context.Background(), "generate_image", args)
	if result.Error == "" {
		t.Error("expected error for empty prompt")
	}
}

func TestGenerateImageWithoutCache(t *testing.T) {
	tool := New(&fakeGenerator{data: []byte{1}, mime: "image/webp"}, nil, "", nil)
	args, _ := json.Marshal(map[string]string{"prompt": "ok"})
	result, _ := tool.Execute(context.Background(), "generate_image", args)
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if len(result.Media) != 1 {
		t.Error("media must be returned even without a cache")
	}
}
