package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

func TestSetPromptVersionsAndActivates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p1, err := s.SetPrompt(ctx, gryag.SystemPrompt{
		AdminID: 1, ChatID: 100, Scope: gryag.ScopeChat, Text: "be formal",
	})
	if err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	if p1.Version != 1 || !p1.IsActive || p1.ID == "" {
		t.Fatalf("first version: %+v", p1)
	}

	p2, err := s.SetPrompt(ctx, gryag.SystemPrompt{
		AdminID: 1, ChatID: 100, Scope: gryag.ScopeChat, Text: "be casual",
	})
	if err != nil {
		t.Fatalf("SetPrompt v2: %v", err)
	}
	if p2.Version != 2 {
		t.Errorf("expected version 2, got %d", p2.Version)
	}

	active, err := s.ActivePrompt(ctx, gryag.ScopeChat, 100)
	if err != nil {
		t.Fatalf("ActivePrompt: %v", err)
	}
	if active == nil || active.ID != p2.ID || active.Text != "be casual" {
		t.Fatalf("expected v2 active, got %+v", active)
	}

	all, err := s.ListPrompts(ctx, gryag.ScopeChat, 100)
	if err != nil {
		t.Fatalf("ListPrompts: %v", err)
	}
	if len(all) != 2 || all[0].Version != 2 {
		t.Fatalf("expected 2 versions newest first, got %+v", all)
	}
	if all[1].IsActive {
		t.Error("old version still active")
	}
}

func TestPromptScopesAreIndependent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.SetPrompt(ctx, gryag.SystemPrompt{AdminID: 1, Scope: gryag.ScopeGlobal, Text: "global"}); err != nil {
		t.Fatalf("SetPrompt global: %v", err)
	}
	if _, err := s.SetPrompt(ctx, gryag.SystemPrompt{AdminID: 1, ChatID: 5, Scope: gryag.ScopeChat, Text: "chat five"}); err != nil {
		t.Fatalf("SetPrompt chat: %v", err)
	}
	if _, err := s.SetPrompt(ctx, gryag.SystemPrompt{AdminID: 9, Scope: gryag.ScopePersonal, Text: "admin nine"}); err != nil {
		t.Fatalf("SetPrompt personal: %v", err)
	}

	global, _ := s.ActivePrompt(ctx, gryag.ScopeGlobal, 0)
	if global == nil || global.Text != "global" {
		t.Errorf("global scope: %+v", global)
	}
	chat, _ := s.ActivePrompt(ctx, gryag.ScopeChat, 5)
	if chat == nil || chat.Text != "chat five" {
		t.Errorf("chat scope: %+v", chat)
	}
	otherChat, _ := s.ActivePrompt(ctx, gryag.ScopeChat, 6)
	if otherChat != nil {
		t.Errorf("chat 6 must have no prompt, got %+v", otherChat)
	}
	personal, _ := s.ActivePrompt(ctx, gryag.ScopePersonal, 9)
	if personal == nil || personal.Text != "admin nine" {
		t.Errorf("personal scope: %+v", personal)
	}
}

func TestDeactivatePrompt(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p, err := s.SetPrompt(ctx, gryag.SystemPrompt{AdminID: 1, Scope: gryag.ScopeGlobal, Text: "temporary"})
	if err != nil {
		t.Fatalf("SetPrompt: %v", err)
	}
	if err := s.DeactivatePrompt(ctx, p.ID); err != nil {
		t.Fatalf("DeactivatePrompt: %v", err)
	}
	active, err := s.ActivePrompt(ctx, gryag.ScopeGlobal, 0)
	if err != nil {
		t.Fatalf("ActivePrompt: %v", err)
	}
	if active != nil {
		t.Errorf("expected no active prompt, got %+v", active)
	}
}

func TestMediaCacheTTL(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	dir := t.TempDir()
	entries := []gryag.MediaCacheEntry{
		{MediaID: "live", ChatID: 1, FilePath: filepath.Join(dir, "a.png"), MediaType: "image/png", ExpiresAt: now + 3600},
		{MediaID: "dead", ChatID: 1, FilePath: filepath.Join(dir, "b.png"), MediaType: "image/png", ExpiresAt: now - 10},
	}
	for _, e := range entries {
		if err := s.PutMedia(ctx, e); err != nil {
			t.Fatalf("PutMedia: %v", err)
		}
	}

	got, err := s.GetMedia(ctx, "live")
	if err != nil {
		t.Fatalf("GetMedia: %v", err)
	}
	if got == nil || got.FilePath != entries[0].FilePath {
		t.Fatalf("live entry: %+v", got)
	}

	got, err = s.GetMedia(ctx, "dead")
	if err != nil || got != nil {
		t.Fatalf("expired entry: expected nil, nil; got %+v, %v", got, err)
	}
	got, err = s.GetMedia(ctx, "missing")
	if err != nil || got != nil {
		t.Fatalf("missing entry: expected nil, nil; got %+v, %v", got, err)
	}

	n, err := s.PruneExpiredMedia(ctx, now)
	if err != nil {
		t.Fatalf("PruneExpiredMedia: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
}

func TestPruneExpiredMediaRemovesFiles(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().Unix()

	dir := t.TempDir()
	live := filepath.Join(dir, "live.png")
	dead := filepath.Join(dir, "dead.png")
	for _, p := range []string{live, dead} {
		if err := os.WriteFile(p, []byte("png"), 0o600); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}

	entries := []gryag.MediaCacheEntry{
		{MediaID: "live", ChatID: 1, FilePath: live, MediaType: "image/png", ExpiresAt: now + 3600},
		{MediaID: "dead", ChatID: 1, FilePath: dead, MediaType: "image/png", ExpiresAt: now - 10},
		// A row whose file is already gone must not fail the prune.
		{MediaID: "gone", ChatID: 1, FilePath: filepath.Join(dir, "gone.png"), MediaType: "image/png", ExpiresAt: now - 10},
	}
	for _, e := range entries {
		if err := s.PutMedia(ctx, e); err != nil {
			t.Fatalf("PutMedia: %v", err)
		}
	}

	n, err := s.PruneExpiredMedia(ctx, now)
	if err != nil {
		t.Fatalf("PruneExpiredMedia: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
	if _, err := os.Stat(dead); !os.IsNotExist(err) {
		t.Errorf("expired file still on disk: %v", err)
	}
	if _, err := os.Stat(live); err != nil {
		t.Errorf("live file should survive: %v", err)
	}
}
