// Package imagegen renders images from prompts via an image-capable
// provider. Generated files are kept in a local cache directory with a
// pointer row in the media cache, so follow-up tools can reuse them
// without regenerating.
package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// cacheTTL is how long generated files stay referenced before the
// pruner may drop them.
const cacheTTL = 24 * time.Hour

// Tool generates images from text prompts.
type Tool struct {
	gen   gryag.ImageGenerator
	media gryag.MediaCacheStore
	dir   string
	log   *slog.Logger
}

// New creates the image tool. media and dir may be zero when caching
// is not wanted; generation still works.
func New(gen gryag.ImageGenerator, media gryag.MediaCacheStore, dir string, log *slog.Logger) *Tool {
	if log == nil {
		log = nopLogger
	}
	return &Tool{gen: gen, media: media, dir: dir, log: log}
}

func (t *Tool) Definitions() []gryag.ToolDefinition {
	return []gryag.ToolDefinition{{
		Name:        "generate_image",
		Description: "Generate an image from a text prompt. Use when someone asks to draw, render, or visualize something.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"prompt":{"type":"string","description":"What to draw, as a detailed description"}},"required":["prompt"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (gryag.ToolResult, error) {
	var params struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return gryag.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		return gryag.ToolResult{Error: "prompt is required"}, nil
	}

	data, mime, err := t.gen.GenerateImage(ctx, prompt)
	if err != nil {
		return gryag.ToolResult{Error: err.Error()}, nil
	}

	t.cache(ctx, data, mime)

	return gryag.ToolResult{
		Content: "image generated",
		Media: []gryag.MediaData{{
			Kind:     gryag.MediaImage,
			MimeType: mime,
			Base64:   base64.StdEncoding.EncodeToString(data),
		}},
	}, nil
}

// cache writes the image to the cache directory and records a pointer
// row. Failures only cost reuse, never the reply.
func (t *Tool) cache(ctx context.Context, data []byte, mime string) {
	if t.media == nil || t.dir == "" {
		return
	}
	id := gryag.NewID()
	path := filepath.Join(t.dir, id+extension(mime))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		t.log.Warn("image cache write failed", "path", path, "error", err)
		return
	}

	entry := gryag.MediaCacheEntry{
		MediaID:   id,
		FilePath:  path,
		MediaType: mime,
		ExpiresAt: gryag.NowUnix() + int64(cacheTTL.Seconds()),
		CreatedAt: gryag.NowUnix(),
	}
	if turn, ok := gryag.TurnFromContext(ctx); ok {
		entry.ChatID = turn.ChatID
		entry.UserID = turn.UserID
	}
	if err := t.media.PutMedia(ctx, entry); err != nil {
		t.log.Warn("image cache record failed", "media", id, "error", err)
	}
}

func extension(mime string) string {
	switch mime {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
