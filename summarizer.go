package gryag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// SummarizerConfig tunes the periodic chat rollups.
type SummarizerConfig struct {
	// Hour is the local hour (0..23) at which the daily run fires.
	Hour int
	// TZOffset is the offset from UTC in whole hours used to interpret
	// Hour (e.g. 2 for Kyiv winter time).
	TZOffset int
	// MaxChars bounds the chat log handed to the model. Default 100000.
	MaxChars int
	// MaxChatsPerRun caps the work of one run. Default 50.
	MaxChatsPerRun int
	// LLMTimeout bounds one summary call. Default 60 s.
	LLMTimeout time.Duration
}

// DefaultSummarizerConfig returns the standard rollup parameters.
func DefaultSummarizerConfig() SummarizerConfig {
	return SummarizerConfig{
		Hour:           3,
		MaxChars:       100000,
		MaxChatsPerRun: 50,
		LLMTimeout:     60 * time.Second,
	}
}

// summaryPeriods maps summary type to its trailing window.
var summaryPeriods = map[string]time.Duration{
	SummaryWeekly:  7 * 24 * time.Hour,
	SummaryMonthly: 30 * 24 * time.Hour,
}

// Summarizer writes periodic per-chat rollups. It runs once per day at
// the configured local hour; per-type last-run tracking makes repeated
// ticks within the same day no-ops.
type Summarizer struct {
	messages  MessageStore
	summaries SummaryStore
	provider  Provider
	cfg       SummarizerConfig
	log       *slog.Logger

	mu      sync.Mutex
	lastRun map[string]int64 // type → unix day number
	now     func() time.Time // test hook
}

// NewSummarizer wires the rollup job.
func NewSummarizer(messages MessageStore, summaries SummaryStore, provider Provider, cfg SummarizerConfig, log *slog.Logger) *Summarizer {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 100000
	}
	if cfg.MaxChatsPerRun <= 0 {
		cfg.MaxChatsPerRun = 50
	}
	if cfg.LLMTimeout <= 0 {
		cfg.LLMTimeout = 60 * time.Second
	}
	if log == nil {
		log = nopLogger
	}
	return &Summarizer{
		messages:  messages,
		summaries: summaries,
		provider:  provider,
		cfg:       cfg,
		lastRun:   make(map[string]int64),
		now:       time.Now,
		log:       log,
	}
}

// Tick runs the due summary types. Safe to call on any interval; it
// fires only when the local hour matches and the type has not run
// today.
func (s *Summarizer) Tick(ctx context.Context) {
	nowUnix := s.now().Unix()
	localNow := nowUnix + int64(s.cfg.TZOffset)*3600
	localDay := localNow / 86400
	localHour := (localNow % 86400) / 3600

	if int(localHour) != s.cfg.Hour {
		return
	}
	for _, typ := range []string{SummaryWeekly, SummaryMonthly} {
		if !s.claimRun(typ, localDay) {
			continue
		}
		if err := s.Run(ctx, typ); err != nil {
			s.log.Error("summary run failed", "type", typ, "error", err)
		}
	}
}

// claimRun marks typ as run on day, returning false when already done.
func (s *Summarizer) claimRun(typ string, day int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun[typ] == day {
		return false
	}
	s.lastRun[typ] = day
	return true
}

// Run summarizes every chat with activity in the trailing window of
// typ. Individual chat failures are logged and skipped.
func (s *Summarizer) Run(ctx context.Context, typ string) error {
	period, ok := summaryPeriods[typ]
	if !ok {
		return fmt.Errorf("unknown summary type %q", typ)
	}
	now := s.now()
	since := now.Add(-period).Unix()

	chats, err := s.messages.ActiveChats(ctx, since)
	if err != nil {
		return fmt.Errorf("list active chats: %w", err)
	}
	if len(chats) > s.cfg.MaxChatsPerRun {
		chats = chats[:s.cfg.MaxChatsPerRun]
	}

	written := 0
	for _, chatID := range chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.summarizeChat(ctx, chatID, typ, since, now.Unix()); err != nil {
			s.log.Warn("chat summary failed", "chat", chatID, "type", typ, "error", err)
			continue
		}
		written++
	}
	s.log.Debug("summary run finished", "type", typ, "chats", len(chats), "written", written)
	return nil
}

func (s *Summarizer) summarizeChat(ctx context.Context, chatID int64, typ string, since, until int64) error {
	log, err := s.buildLog(ctx, chatID, since)
	if err != nil {
		return err
	}
	if log == "" {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, s.cfg.LLMTimeout)
	defer cancel()
	resp, err := s.provider.Generate(cctx, GenerateRequest{
		Messages: []ChatMessage{
			SystemMessage("Summarize this chat log concisely. Preserve decisions, plans and running context. Write in the chat's language, one language only."),
			UserMessage(log),
		},
		Temperature: 0.2,
	})
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return nil
	}

	// Aligning the period start to a UTC day makes a re-run within the
	// same day overwrite its own row.
	periodStart := (since / 86400) * 86400
	return s.summaries.UpsertSummary(ctx, ChatSummary{
		ID:          NewID(),
		ChatID:      chatID,
		Type:        typ,
		PeriodStart: periodStart,
		PeriodEnd:   until,
		Text:        text,
		TokenCount:  EstimateTokens(text),
		GeneratedAt: until,
	})
}

// buildLog renders the chat's window newest-first and truncates at
// MaxChars, so the budget always keeps the most recent traffic.
func (s *Summarizer) buildLog(ctx context.Context, chatID, since int64) (string, error) {
	rows, err := s.messages.MessagesSince(ctx, chatID, since, 0)
	if err != nil {
		return "", fmt.Errorf("load window: %w", err)
	}

	var b strings.Builder
	for i := len(rows) - 1; i >= 0; i-- {
		m := rows[i]
		if m.Text == "" {
			continue
		}
		line := fmt.Sprintf("[%s %d] %s\n", m.Role, m.UserID, m.Text)
		if b.Len()+len(line) > s.cfg.MaxChars {
			break
		}
		b.WriteString(line)
	}
	return b.String(), nil
}
