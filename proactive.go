package gryag

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ProactiveConfig tunes the unprompted-reply policy.
type ProactiveConfig struct {
	// Silence is how long a chat must be quiet after traffic before
	// the bot may speak up. Default 10 min.
	Silence time.Duration
	// ActivityWindow is how far back a chat still counts as active.
	// Default 1 h.
	ActivityWindow time.Duration
	// MinMessages of fresh traffic required. Default 5.
	MinMessages int
	// DailyCap bounds unprompted replies per chat per day. Default 2.
	DailyCap int
}

// DefaultProactiveConfig returns the conservative defaults.
func DefaultProactiveConfig() ProactiveConfig {
	return ProactiveConfig{
		Silence:        10 * time.Minute,
		ActivityWindow: time.Hour,
		MinMessages:    5,
		DailyCap:       2,
	}
}

// ProactiveResponder occasionally joins a lively conversation that has
// just gone quiet, by synthesizing a turn through the orchestrator. The
// daily cap runs through the Coordinator so multiple instances share
// one budget.
type ProactiveResponder struct {
	messages MessageStore
	coord    Coordinator
	orch     *Orchestrator
	cfg      ProactiveConfig
	log      *slog.Logger
	now      func() time.Time // test hook
}

// NewProactiveResponder wires the policy to the orchestrator.
func NewProactiveResponder(messages MessageStore, coord Coordinator, orch *Orchestrator, cfg ProactiveConfig, log *slog.Logger) *ProactiveResponder {
	if cfg.Silence <= 0 {
		cfg.Silence = 10 * time.Minute
	}
	if cfg.ActivityWindow <= 0 {
		cfg.ActivityWindow = time.Hour
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 5
	}
	if cfg.DailyCap <= 0 {
		cfg.DailyCap = 2
	}
	if log == nil {
		log = nopLogger
	}
	return &ProactiveResponder{
		messages: messages,
		coord:    coord,
		orch:     orch,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Tick scans active chats and fires at most one proactive turn per
// eligible chat. Designed to run on the scheduler.
func (p *ProactiveResponder) Tick(ctx context.Context) error {
	now := p.now()
	chats, err := p.messages.ActiveChats(ctx, now.Add(-p.cfg.ActivityWindow).Unix())
	if err != nil {
		return fmt.Errorf("list active chats: %w", err)
	}
	for _, chatID := range chats {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.maybeRespond(ctx, chatID, now); err != nil {
			p.log.Warn("proactive pass failed", "chat", chatID, "error", err)
		}
	}
	return nil
}

// maybeRespond checks the eligibility rules for one chat: enough fresh
// traffic, the bot not already the last speaker, the silence window
// hit, and the daily budget available.
func (p *ProactiveResponder) maybeRespond(ctx context.Context, chatID int64, now time.Time) error {
	rows, err := p.messages.RecentMessages(ctx, chatID, 0, p.cfg.MinMessages)
	if err != nil {
		return err
	}
	if len(rows) < p.cfg.MinMessages {
		return nil
	}
	last := rows[0] // newest first
	if last.Role != RoleUser {
		return nil
	}
	silence := now.Sub(time.Unix(last.TS, 0))
	if silence < p.cfg.Silence || silence > p.cfg.ActivityWindow {
		return nil
	}

	key := fmt.Sprintf("proactive:chat:%d", chatID)
	ok, err := p.coord.Allow(ctx, key, p.cfg.DailyCap, 24*time.Hour)
	if err != nil {
		return fmt.Errorf("proactive budget: %w", err)
	}
	if !ok {
		return nil
	}

	p.log.Debug("proactive turn", "chat", chatID, "silence", silence)
	return p.orch.ProactiveTurn(ctx, chatID, last.ThreadID)
}
