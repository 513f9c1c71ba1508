package gryag

import (
	"context"
	"testing"
	"time"
)

func seedMessage(t *testing.T, s *memStore, chatID int64, text string, ts int64, embed bool) int64 {
	t.Helper()
	m := Message{ChatID: chatID, UserID: 10, Role: RoleUser, Text: text, TS: ts}
	if embed {
		m.Embedding = embedVec(text)
	}
	id, err := s.AppendMessage(context.Background(), m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return id
}

func TestHybridSearchKeywordFirst(t *testing.T) {
	store := newMemStore()
	now := time.Now().Unix()
	id1 := seedMessage(t, store, 1, "planning the trip to the mountains", now-300, true)
	seedMessage(t, store, 1, "unrelated chatter", now-200, true)
	id3 := seedMessage(t, store, 1, "trip budget is settled", now-100, true)

	h := NewHybridSearch(store, &stubEmbedding{}, DefaultSearchConfig(), nil)
	got, err := h.Search(context.Background(), 1, "trip", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("got %d snippets, want at least 2", len(got))
	}
	// Keyword hits keep store rank order (newest first) and are never
	// duplicated by the semantic pass.
	if got[0].MessageID != id3 || got[1].MessageID != id1 {
		t.Errorf("top hits = %d, %d; want %d, %d", got[0].MessageID, got[1].MessageID, id3, id1)
	}
	seen := make(map[int64]bool)
	for _, s := range got {
		if seen[s.MessageID] {
			t.Errorf("message %d returned twice", s.MessageID)
		}
		seen[s.MessageID] = true
	}
}

func TestHybridSearchSemanticOnly(t *testing.T) {
	store := newMemStore()
	now := time.Now().Unix()
	want := seedMessage(t, store, 1, "alpha beta gamma", now-100, true)
	seedMessage(t, store, 1, "totally different words", now-50, true)

	cfg := SearchConfig{SemanticWeight: 1.0, KeywordSearch: false, TemporalBoost: false, Overfetch: 3}
	h := NewHybridSearch(store, &stubEmbedding{}, cfg, nil)

	got, err := h.Search(context.Background(), 1, "alpha beta gamma", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d snippets, want 1", len(got))
	}
	if got[0].MessageID != want {
		t.Errorf("top hit = %d, want %d (exact embedding match)", got[0].MessageID, want)
	}
}

func TestHybridSearchFallbackToRecent(t *testing.T) {
	store := newMemStore()
	now := time.Now().Unix()
	seedMessage(t, store, 1, "first", now-200, false)
	id2 := seedMessage(t, store, 1, "second", now-100, false)

	h := NewHybridSearch(store, nil, DefaultSearchConfig(), nil)
	got, err := h.Search(context.Background(), 1, "", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d snippets, want 1 from the recency fallback", len(got))
	}
	if got[0].MessageID != id2 {
		t.Errorf("fallback hit = %d, want newest message %d", got[0].MessageID, id2)
	}
}

func TestHybridSearchDegradesOnEmbeddingError(t *testing.T) {
	store := newMemStore()
	now := time.Now().Unix()
	id := seedMessage(t, store, 1, "the trip continues", now-100, true)

	h := NewHybridSearch(store, &stubEmbedding{err: context.DeadlineExceeded}, DefaultSearchConfig(), nil)
	got, err := h.Search(context.Background(), 1, "trip", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].MessageID != id {
		t.Errorf("keyword pass should survive an embedding failure, got %v", got)
	}
}

func TestHybridSearchZeroK(t *testing.T) {
	h := NewHybridSearch(newMemStore(), nil, DefaultSearchConfig(), nil)
	got, err := h.Search(context.Background(), 1, "q", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("got %v, want nil for k=0", got)
	}
}

func TestRecencyScore(t *testing.T) {
	now := int64(1_700_000_000)
	cases := []struct {
		name string
		ts   int64
		want float64
	}{
		{"now", now, 1.0},
		{"one week old", now - 7*86400, 0.5},
		{"two weeks old", now - 14*86400, 1.0 / 3.0},
		{"future clamps", now + 3600, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := recencyScore(tc.ts, now)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("recencyScore = %v, want %v", got, tc.want)
			}
		})
	}
}
