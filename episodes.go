package gryag

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EpisodeConfig tunes window lifetimes and promotion criteria.
type EpisodeConfig struct {
	// MinMessages a window needs to be promoted. Default 5.
	MinMessages int
	// MinImportance a window needs to be promoted. Default 0.6.
	MinImportance float64
	// WindowTimeout finalizes a window after this much silence.
	// Default 30 min.
	WindowTimeout time.Duration
	// WindowMaxMessages finalizes a window regardless of silence.
	// Default 50.
	WindowMaxMessages int
	// LLMTimeout bounds the topic/summary call. Default 20 s.
	LLMTimeout time.Duration
}

// DefaultEpisodeConfig returns the standard window parameters.
func DefaultEpisodeConfig() EpisodeConfig {
	return EpisodeConfig{
		MinMessages:       5,
		MinImportance:     0.6,
		WindowTimeout:     30 * time.Minute,
		WindowMaxMessages: 50,
		LLMTimeout:        20 * time.Second,
	}
}

// EpisodeMonitor watches per-(chat, thread) conversation windows and
// promotes the worthwhile ones to durable episodes. TrackMessage is a
// thread-safe append; the periodic Sweep is the single writer that
// finalizes windows, so no lock is held across store or LLM calls.
type EpisodeMonitor struct {
	store     EpisodeStore
	provider  Provider          // nil selects the literal fallbacks
	embedding EmbeddingProvider // nil skips the episode embedding
	cfg       EpisodeConfig
	log       *slog.Logger

	mu      sync.Mutex
	windows map[windowKey]*episodeWindow
	now     func() time.Time // test hook
}

type windowKey struct {
	chatID   int64
	threadID int64
}

type episodeWindow struct {
	messages     []Message
	participants map[int64]bool
	lastActivity time.Time
}

// NewEpisodeMonitor creates a monitor. provider and embedding may be
// nil, degrading to literal fallbacks and no vectors.
func NewEpisodeMonitor(store EpisodeStore, provider Provider, embedding EmbeddingProvider, cfg EpisodeConfig, log *slog.Logger) *EpisodeMonitor {
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 5
	}
	if cfg.MinImportance <= 0 {
		cfg.MinImportance = 0.6
	}
	if cfg.WindowTimeout <= 0 {
		cfg.WindowTimeout = 30 * time.Minute
	}
	if cfg.WindowMaxMessages <= 0 {
		cfg.WindowMaxMessages = 50
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 20 * time.Second
	}
	if log == nil {
		log = nopLogger
	}
	return &EpisodeMonitor{
		store:     store,
		provider:  provider,
		embedding: embedding,
		cfg:       cfg,
		log:       log,
		windows:   make(map[windowKey]*episodeWindow),
		now:       time.Now,
	}
}

// TrackMessage appends one stored message to its window. Messages with
// UserID 0 (the bot's own replies) extend the window without counting
// as participants.
func (m *EpisodeMonitor) TrackMessage(msg Message) {
	key := windowKey{chatID: msg.ChatID, threadID: msg.ThreadID}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[key]
	if !ok {
		w = &episodeWindow{participants: make(map[int64]bool)}
		m.windows[key] = w
	}
	w.messages = append(w.messages, msg)
	if msg.UserID != 0 {
		w.participants[msg.UserID] = true
	}
	w.lastActivity = m.now()
}

// Windows reports the number of open windows. Used by tests and the
// resource sampler.
func (m *EpisodeMonitor) Windows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Sweep finalizes every window that timed out or overflowed. Returns
// the number of episodes created. Called by the scheduler; also safe to
// call directly in tests.
func (m *EpisodeMonitor) Sweep(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	var due []finalizable
	for key, w := range m.windows {
		timedOut := now.Sub(w.lastActivity) > m.cfg.WindowTimeout
		full := len(w.messages) >= m.cfg.WindowMaxMessages
		if !timedOut && !full {
			continue
		}
		due = append(due, finalizable{key: key, window: w})
		delete(m.windows, key)
	}
	m.mu.Unlock()

	created := 0
	for _, f := range due {
		if ctx.Err() != nil {
			return created
		}
		if m.finalize(ctx, f.key, f.window) {
			created++
		}
	}
	return created
}

type finalizable struct {
	key    windowKey
	window *episodeWindow
}

// finalize promotes one closed window to an episode when it clears the
// message-count and importance bars. Failures are logged and swallowed.
func (m *EpisodeMonitor) finalize(ctx context.Context, key windowKey, w *episodeWindow) bool {
	if len(w.messages) < m.cfg.MinMessages {
		return false
	}
	importance := windowImportance(w)
	if importance < m.cfg.MinImportance {
		m.log.Debug("window below importance bar",
			"chat", key.chatID, "thread", key.threadID,
			"messages", len(w.messages), "importance", importance)
		return false
	}

	topic, summary, valence := m.describe(ctx, w)

	ids := make([]int64, 0, len(w.messages))
	for _, msg := range w.messages {
		ids = append(ids, msg.ID)
	}
	participants := make([]int64, 0, len(w.participants))
	for id := range w.participants {
		participants = append(participants, id)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i] < participants[j] })

	now := m.now().Unix()
	ep := Episode{
		ChatID:           key.chatID,
		ThreadID:         key.threadID,
		Topic:            topic,
		Summary:          summary,
		Importance:       importance,
		EmotionalValence: valence,
		MessageIDs:       ids,
		ParticipantIDs:   participants,
		CreatedAt:        now,
		LastAccessed:     now,
	}
	if m.embedding != nil {
		ep.SummaryEmbedding = m.embedText(ctx, topic+"\n"+summary)
	}

	stored, err := m.store.InsertEpisode(ctx, ep)
	if err != nil {
		m.log.Error("episode insert failed", "chat", key.chatID, "error", err)
		return false
	}
	m.log.Debug("episode created",
		"chat", key.chatID, "thread", key.threadID,
		"episode", stored.ID, "messages", len(ids), "importance", importance)
	return true
}

// describe derives topic, summary and valence from the model, with the
// literal fallbacks when the model is unavailable or unparseable.
func (m *EpisodeMonitor) describe(ctx context.Context, w *episodeWindow) (topic, summary, valence string) {
	topic = fallbackTopic(w.messages)
	summary = fallbackSummary(w.messages)
	valence = ValenceNeutral
	if m.provider == nil {
		return topic, summary, valence
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.LLMTimeout)
	defer cancel()

	var log strings.Builder
	for _, msg := range w.messages {
		if msg.Text == "" {
			continue
		}
		fmt.Fprintf(&log, "[%d] %s\n", msg.UserID, msg.Text)
	}
	resp, err := m.provider.Generate(ctx, GenerateRequest{
		Messages: []ChatMessage{
			SystemMessage("Describe this chat fragment. Reply with exactly three lines:\n" +
				"Topic: <one short line>\n" +
				"Summary: <at most 400 characters, same language as the chat>\n" +
				"Valence: positive|negative|neutral|mixed"),
			UserMessage(log.String()),
		},
		Temperature: 0.2,
	})
	if err != nil {
		m.log.Warn("episode description failed", "error", err)
		return topic, summary, valence
	}

	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "Topic:"):
			if v := strings.TrimSpace(strings.TrimPrefix(line, "Topic:")); v != "" {
				topic = truncateRunes(v, 200)
			}
		case strings.HasPrefix(line, "Summary:"):
			if v := strings.TrimSpace(strings.TrimPrefix(line, "Summary:")); v != "" {
				summary = truncateRunes(v, 400)
			}
		case strings.HasPrefix(line, "Valence:"):
			switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "Valence:"))) {
			case ValencePositive:
				valence = ValencePositive
			case ValenceNegative:
				valence = ValenceNegative
			case ValenceMixed:
				valence = ValenceMixed
			}
		}
	}
	return topic, summary, valence
}

func (m *EpisodeMonitor) embedText(ctx context.Context, text string) []float32 {
	vecs, err := m.embedding.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		m.log.Warn("episode embedding failed", "error", err)
		return nil
	}
	return vecs[0]
}

// windowImportance scores a closed window into [0,1] from its size,
// participant spread, questions and recorded reactions.
func windowImportance(w *episodeWindow) float64 {
	msgTerm := float64(len(w.messages)) / 10
	if msgTerm > 1 {
		msgTerm = 1
	}
	partTerm := float64(len(w.participants)) / 3
	if partTerm > 1 {
		partTerm = 1
	}
	var questions, reactions float64
	for _, msg := range w.messages {
		if strings.ContainsRune(msg.Text, '?') {
			questions = 1
		}
		if strings.Contains(string(msg.Metadata), `"reactions"`) {
			reactions = 1
		}
	}
	score := 0.3 + 0.3*msgTerm + 0.2*partTerm + 0.1*questions + 0.1*reactions
	if score > 1 {
		score = 1
	}
	return score
}

// fallbackTopic is the first non-empty user text, truncated.
func fallbackTopic(msgs []Message) string {
	for _, m := range msgs {
		if m.Role == RoleUser && strings.TrimSpace(m.Text) != "" {
			return truncateRunes(firstLine(m.Text), 80)
		}
	}
	return "(без теми)"
}

// fallbackSummary concatenates the first and last messages, capped at
// 400 characters.
func fallbackSummary(msgs []Message) string {
	var first, last string
	for _, m := range msgs {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		if first == "" {
			first = m.Text
		}
		last = m.Text
	}
	if first == "" {
		return ""
	}
	s := first
	if last != first {
		s += " … " + last
	}
	return truncateRunes(s, 400)
}
