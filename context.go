package gryag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"
)

// ContextConfig holds the token budget, the relative tier shares and
// the per-tier fetch sizes.
type ContextConfig struct {
	TokenBudget int // default 8000

	ImmediateShare  float64 // default 0.10
	RecentShare     float64 // default 0.25
	RelevantShare   float64 // default 0.35
	BackgroundShare float64 // default 0.15
	EpisodicShare   float64 // default 0.15

	ImmediateCount int     // last N messages, default 5
	RecentCount    int     // last M messages (M > N), default 30
	RelevantCount  int     // hybrid search k, default 10
	FactCount      int     // facts per entity, default 10
	EpisodeCount   int     // episodes pulled, default 3
	EpisodeMinImp  float64 // episodic tier importance bar, default 0.6
}

// DefaultContextConfig returns the standard tier layout.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		TokenBudget:     8000,
		ImmediateShare:  0.10,
		RecentShare:     0.25,
		RelevantShare:   0.35,
		BackgroundShare: 0.15,
		EpisodicShare:   0.15,
		ImmediateCount:  5,
		RecentCount:     30,
		RelevantCount:   10,
		FactCount:       10,
		EpisodeCount:    3,
		EpisodeMinImp:   0.6,
	}
}

// ContextManager assembles the ordered, token-budgeted prompt for one
// turn out of five tiers: immediate, recent, relevant, background and
// episodic. Tier failures degrade to a smaller context; only a turn
// with no retrievable history at all produces the minimal fallback.
type ContextManager struct {
	messages  MessageStore
	facts     FactStore
	summaries SummaryStore
	episodes  EpisodeStore
	search    *HybridSearch
	cfg       ContextConfig
	log       *slog.Logger
}

// NewContextManager wires the tier sources. search may be nil, which
// empties the relevant tier.
func NewContextManager(messages MessageStore, facts FactStore, summaries SummaryStore, episodes EpisodeStore, search *HybridSearch, cfg ContextConfig, log *slog.Logger) *ContextManager {
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = 8000
	}
	if log == nil {
		log = nopLogger
	}
	return &ContextManager{
		messages:  messages,
		facts:     facts,
		summaries: summaries,
		episodes:  episodes,
		search:    search,
		cfg:       cfg,
		log:       log,
	}
}

// Assemble builds the prompt snippets for a turn in emission order:
// background, episodic, relevant, recent, immediate. The newest tiers
// come last so the model reads them closest to the query.
func (c *ContextManager) Assemble(ctx context.Context, chatID, threadID, userID int64, query string) ([]ContextSnippet, error) {
	b := c.cfg.TokenBudget

	immediate, recent := c.messageTiers(ctx, chatID, threadID)
	inWindow := make(map[int64]bool, len(immediate)+len(recent))
	for _, s := range immediate {
		inWindow[s.MessageID] = true
	}
	for _, s := range recent {
		inWindow[s.MessageID] = true
	}

	relevant := c.relevantTier(ctx, chatID, query, inWindow)
	background := c.backgroundTier(ctx, chatID, userID)
	episodic := c.episodicTier(ctx, chatID, inWindow)

	var out []ContextSnippet
	out = append(out, capTier(background, share(b, c.cfg.BackgroundShare))...)
	out = append(out, capTier(episodic, share(b, c.cfg.EpisodicShare))...)
	out = append(out, capTier(relevant, share(b, c.cfg.RelevantShare))...)
	out = append(out, capTier(recent, share(b, c.cfg.RecentShare))...)
	out = append(out, capTierTail(immediate, share(b, c.cfg.ImmediateShare))...)

	if len(out) > 0 {
		return out, nil
	}

	// Minimal fallback: the last message only.
	rows, err := c.messages.RecentMessages(ctx, chatID, threadID, 1)
	if err != nil {
		return nil, fmt.Errorf("assemble fallback: %w", err)
	}
	for _, m := range rows {
		out = append(out, messageSnippet(TierImmediate, m))
	}
	return out, nil
}

// messageTiers loads the last RecentCount messages once and splits them
// into the immediate window (newest N) and the recent window (the rest).
func (c *ContextManager) messageTiers(ctx context.Context, chatID, threadID int64) (immediate, recent []ContextSnippet) {
	rows, err := c.messages.RecentMessages(ctx, chatID, threadID, c.cfg.RecentCount)
	if err != nil {
		c.log.Warn("recent messages unavailable", "chat", chatID, "error", err)
		return nil, nil
	}
	// rows are newest-first; flip to chronological.
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	split := len(rows) - c.cfg.ImmediateCount
	if split < 0 {
		split = 0
	}
	for _, m := range rows[:split] {
		recent = append(recent, messageSnippet(TierRecent, m))
	}
	for _, m := range rows[split:] {
		immediate = append(immediate, messageSnippet(TierImmediate, m))
	}
	return immediate, recent
}

func (c *ContextManager) relevantTier(ctx context.Context, chatID int64, query string, inWindow map[int64]bool) []ContextSnippet {
	if c.search == nil || query == "" {
		return nil
	}
	hits, err := c.search.Search(ctx, chatID, query, c.cfg.RelevantCount)
	if err != nil {
		c.log.Warn("hybrid search unavailable", "chat", chatID, "error", err)
		return nil
	}
	kept := hits[:0]
	for _, s := range hits {
		if !inWindow[s.MessageID] {
			kept = append(kept, s)
		}
	}
	// Matches read best in the order they happened.
	sort.Slice(kept, func(i, j int) bool { return kept[i].TS < kept[j].TS })
	out := make([]ContextSnippet, 0, len(kept))
	for _, s := range kept {
		out = append(out, ContextSnippet{Tier: TierRelevant, Role: s.Role, Content: s.Content, MessageID: s.MessageID})
	}
	return out
}

// backgroundTier compresses the speaker's facts, the chat's facts and
// the latest weekly summary into bulleted system snippets.
func (c *ContextManager) backgroundTier(ctx context.Context, chatID, userID int64) []ContextSnippet {
	var out []ContextSnippet
	if userID != 0 {
		facts, err := c.facts.ActiveFacts(ctx, EntityUser, userID, chatID, c.cfg.FactCount)
		if err != nil {
			c.log.Warn("user facts unavailable", "user", userID, "error", err)
		}
		for _, f := range facts {
			out = append(out, ContextSnippet{
				Tier:    TierBackground,
				Role:    RoleSystem,
				Content: fmt.Sprintf("• user %d %s/%s: %s", f.EntityID, f.Category, f.Key, f.Value),
			})
		}
	}
	chatFacts, err := c.facts.ActiveFacts(ctx, EntityChat, chatID, chatID, c.cfg.FactCount)
	if err != nil {
		c.log.Warn("chat facts unavailable", "chat", chatID, "error", err)
	}
	for _, f := range chatFacts {
		out = append(out, ContextSnippet{
			Tier:    TierBackground,
			Role:    RoleSystem,
			Content: fmt.Sprintf("• chat %s/%s: %s", f.Category, f.Key, f.Value),
		})
	}
	sum, err := c.summaries.LatestSummary(ctx, chatID, SummaryWeekly)
	if err != nil {
		c.log.Warn("summary unavailable", "chat", chatID, "error", err)
	}
	if sum != nil && sum.Text != "" {
		out = append(out, ContextSnippet{
			Tier:    TierBackground,
			Role:    RoleSystem,
			Content: "Last week: " + sum.Text,
		})
	}
	return out
}

// episodicTier pulls high-importance episodes, skipping any that
// overlap messages already present in the immediate or recent windows.
func (c *ContextManager) episodicTier(ctx context.Context, chatID int64, inWindow map[int64]bool) []ContextSnippet {
	eps, err := c.episodes.RecentEpisodes(ctx, chatID, c.cfg.EpisodeMinImp, c.cfg.EpisodeCount)
	if err != nil {
		c.log.Warn("episodes unavailable", "chat", chatID, "error", err)
		return nil
	}
	var out []ContextSnippet
	for _, ep := range eps {
		overlaps := false
		for _, id := range ep.MessageIDs {
			if inWindow[id] {
				overlaps = true
				break
			}
		}
		if overlaps {
			continue
		}
		line := ep.Topic
		if s := firstLine(ep.Summary); s != "" {
			line += ": " + s
		}
		out = append(out, ContextSnippet{Tier: TierEpisodic, Role: RoleSystem, Content: line})
	}
	return out
}

// messageSnippet renders one stored message with its metadata line so
// the model can attribute speakers. The sanitizer strips the line when
// a reply echoes it.
func messageSnippet(tier string, m Message) ContextSnippet {
	content := m.Text
	if m.Role == RoleUser && m.UserID != 0 {
		meta := fmt.Sprintf("%s user=%d", metaSentinel, m.UserID)
		if name := userNameOf(m); name != "" {
			meta += " name=" + name
		}
		content = meta + "\n" + content
	}
	return ContextSnippet{Tier: tier, Role: m.Role, Content: content, MessageID: m.ID}
}

// userNameOf extracts the sender name from message metadata.
func userNameOf(m Message) string {
	if len(m.Metadata) == 0 {
		return ""
	}
	var meta struct {
		UserName string `json:"user_name"`
	}
	if err := json.Unmarshal(m.Metadata, &meta); err != nil {
		return ""
	}
	return meta.UserName
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

// EstimateTokens approximates the token cost of a string as
// ceil(chars/4).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + 3) / 4
}

func share(budget int, frac float64) int {
	return int(float64(budget) * frac)
}

// capTier keeps snippets from the front until the tier budget is
// spent; the tail holds the lowest-priority entries.
func capTier(snips []ContextSnippet, budget int) []ContextSnippet {
	var used int
	for i, s := range snips {
		used += EstimateTokens(s.Content)
		if used > budget {
			return snips[:i]
		}
	}
	return snips
}

// capTierTail keeps the newest snippets of a chronological tier: it
// walks from the back and drops the oldest entries once the budget is
// spent.
func capTierTail(snips []ContextSnippet, budget int) []ContextSnippet {
	var used int
	for i := len(snips) - 1; i >= 0; i-- {
		used += EstimateTokens(snips[i].Content)
		if used > budget {
			return snips[i+1:]
		}
	}
	return snips
}
