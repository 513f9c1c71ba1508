package gryag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Snippet is one retrieved prior message, scored for relevance.
type Snippet struct {
	MessageID int64   `json:"message_id"`
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Score     float64 `json:"score"`
	TS        int64   `json:"ts"`
}

// SearchConfig tunes the hybrid engine. Weights need not sum to 1.
type SearchConfig struct {
	SemanticWeight float64 // default 0.5
	KeywordWeight  float64 // default 0.3
	TemporalWeight float64 // default 0.2
	KeywordSearch  bool    // keyword (full-text) candidates
	TemporalBoost  bool    // recency blending
	// Overfetch multiplies k when loading candidate pools. Default 3.
	Overfetch int
}

// DefaultSearchConfig returns the default fusion weights with every
// signal enabled.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{
		SemanticWeight: 0.5,
		KeywordWeight:  0.3,
		TemporalWeight: 0.2,
		KeywordSearch:  true,
		TemporalBoost:  true,
		Overfetch:      3,
	}
}

// HybridSearch fuses keyword (full-text), semantic (cosine over stored
// embeddings) and temporal (recency decay) signals over one chat's
// messages. The engine is stateless; all state lives in the store.
type HybridSearch struct {
	store     MessageStore
	embedding EmbeddingProvider
	cfg       SearchConfig
	log       *slog.Logger
	now       func() time.Time // test hook
}

// NewHybridSearch creates the engine. embedding may be nil, which
// disables the semantic pass.
func NewHybridSearch(store MessageStore, embedding EmbeddingProvider, cfg SearchConfig, log *slog.Logger) *HybridSearch {
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = 3
	}
	if log == nil {
		log = nopLogger
	}
	return &HybridSearch{store: store, embedding: embedding, cfg: cfg, log: log, now: time.Now}
}

// Search returns up to k prior messages relevant to query. Keyword
// matches come first in their original rank order, followed by semantic
// matches not already included. When both passes come back empty it
// falls back to the last k messages verbatim. Individual pass failures
// degrade gracefully; Search fails only when even the fallback cannot
// be read.
func (h *HybridSearch) Search(ctx context.Context, chatID int64, query string, k int) ([]Snippet, error) {
	if k <= 0 {
		return nil, nil
	}
	fetchK := k * h.cfg.Overfetch

	var merged []Snippet
	seen := make(map[int64]bool)

	for _, s := range h.keywordPass(ctx, chatID, query, fetchK) {
		if !seen[s.MessageID] {
			seen[s.MessageID] = true
			merged = append(merged, s)
		}
	}
	for _, s := range h.semanticPass(ctx, chatID, query, fetchK) {
		if !seen[s.MessageID] {
			seen[s.MessageID] = true
			merged = append(merged, s)
		}
	}

	if len(merged) > k {
		merged = merged[:k]
	}
	if len(merged) > 0 {
		return merged, nil
	}

	// Nothing matched: hand back the most recent messages verbatim.
	recent, err := h.store.RecentMessages(ctx, chatID, 0, k)
	if err != nil {
		return nil, fmt.Errorf("fallback recent messages: %w", err)
	}
	fallback := make([]Snippet, 0, len(recent))
	for _, m := range recent {
		if m.Text == "" {
			continue
		}
		fallback = append(fallback, Snippet{MessageID: m.ID, Role: m.Role, Content: m.Text, TS: m.TS})
	}
	return fallback, nil
}

// keywordPass runs the full-text query, keeping the store's rank order.
func (h *HybridSearch) keywordPass(ctx context.Context, chatID int64, query string, fetchK int) []Snippet {
	if !h.cfg.KeywordSearch || query == "" {
		return nil
	}
	rows, err := h.store.SearchMessages(ctx, chatID, query, fetchK)
	if err != nil {
		h.log.Warn("keyword search failed", "chat", chatID, "error", err)
		return nil // degrade gracefully
	}
	now := h.now().Unix()
	out := make([]Snippet, 0, len(rows))
	for _, m := range rows {
		score := h.cfg.KeywordWeight
		if h.cfg.TemporalBoost {
			score += h.cfg.TemporalWeight * recencyScore(m.TS, now)
		}
		out = append(out, Snippet{MessageID: m.ID, Role: m.Role, Content: m.Text, Score: score, TS: m.TS})
	}
	return out
}

// semanticPass embeds the query and ranks the most recent embedded
// messages by blended cosine and recency score.
func (h *HybridSearch) semanticPass(ctx context.Context, chatID int64, query string, fetchK int) []Snippet {
	if h.embedding == nil || h.cfg.SemanticWeight <= 0 || query == "" {
		return nil
	}
	embs, err := h.embedding.Embed(ctx, []string{query})
	if err != nil || len(embs) == 0 {
		h.log.Warn("query embedding failed", "chat", chatID, "error", err)
		return nil // degrade gracefully
	}
	rows, err := h.store.RecentWithEmbeddings(ctx, chatID, fetchK)
	if err != nil {
		h.log.Warn("semantic candidate load failed", "chat", chatID, "error", err)
		return nil
	}
	now := h.now().Unix()
	out := make([]Snippet, 0, len(rows))
	for _, m := range rows {
		sim := CosineSimilarity(embs[0], m.Embedding)
		if sim <= 0 {
			continue
		}
		score := h.cfg.SemanticWeight * sim
		if h.cfg.TemporalBoost {
			score += h.cfg.TemporalWeight * recencyScore(m.TS, now)
		}
		out = append(out, Snippet{MessageID: m.ID, Role: m.Role, Content: m.Text, Score: score, TS: m.TS})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// recencyScore decays with age: 1 / (1 + age_days/7).
func recencyScore(ts, now int64) float64 {
	ageDays := float64(now-ts) / 86400
	if ageDays < 0 {
		ageDays = 0
	}
	return 1 / (1 + ageDays/7)
}
