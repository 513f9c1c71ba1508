package gryag

import (
	"context"
	"time"
)

// MessageStore persists chat messages and their embeddings.
type MessageStore interface {
	// AppendMessage inserts msg and returns its id, monotonic per chat.
	AppendMessage(ctx context.Context, msg Message) (int64, error)
	// RecentMessages returns up to limit messages newest-first. With a
	// non-zero threadID it scopes to the thread and degrades to the
	// whole chat when the thread holds nothing.
	RecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]Message, error)
	// UpdateEmbedding attaches vec to a stored message. No-op when the
	// row was already pruned.
	UpdateEmbedding(ctx context.Context, id int64, vec []float32) error
	// SearchMessages returns keyword candidates for the hybrid engine,
	// best match first.
	SearchMessages(ctx context.Context, chatID int64, query string, k int) ([]Message, error)
	// RecentWithEmbeddings returns the newest messages carrying an
	// embedding, newest-first.
	RecentWithEmbeddings(ctx context.Context, chatID int64, limit int) ([]Message, error)
	// MessagesSince returns messages with TS >= since, oldest-first.
	// limit <= 0 returns the whole window.
	MessagesSince(ctx context.Context, chatID int64, since int64, limit int) ([]Message, error)
	// ActiveChats lists chat ids with at least one message since ts.
	ActiveChats(ctx context.Context, since int64) ([]int64, error)
	// DeleteMessagesBefore removes messages older than cutoff and
	// returns the number removed.
	DeleteMessagesBefore(ctx context.Context, cutoff int64) (int64, error)
	// ClearChat removes all messages of one chat.
	ClearChat(ctx context.Context, chatID int64) error
}

// FactStore persists typed facts about users and chats.
type FactStore interface {
	// UpsertFact inserts f or reinforces the row matching its unique
	// key, applying the confidence fusion rule. Returns the stored row.
	UpsertFact(ctx context.Context, f Fact) (Fact, error)
	// ActiveFacts returns active facts for an entity, most recently
	// reinforced first. chatContext 0 matches any scope.
	ActiveFacts(ctx context.Context, entityType string, entityID, chatContext int64, limit int) ([]Fact, error)
	// DeactivateFact retires one fact without deleting its history.
	DeactivateFact(ctx context.Context, id int64) error
	// DeleteFactsFor removes all facts of an entity. chatContext 0
	// removes across chats. Returns the number removed.
	DeleteFactsFor(ctx context.Context, entityType string, entityID, chatContext int64) (int64, error)
	// DecayFacts lowers confidence on stale facts and deactivates rows
	// falling under the floor. Returns the number touched.
	DecayFacts(ctx context.Context) (int64, error)
	// FactVersions lists recorded value changes of one fact, newest
	// first.
	FactVersions(ctx context.Context, factID int64) ([]FactVersion, error)
}

// EpisodeStore persists finalized conversation episodes.
type EpisodeStore interface {
	// InsertEpisode stores ep, assigning an id when empty.
	InsertEpisode(ctx context.Context, ep Episode) (Episode, error)
	// RecentEpisodes returns up to k episodes of a chat with importance
	// >= minImportance, most recently accessed first, and bumps their
	// access counters.
	RecentEpisodes(ctx context.Context, chatID int64, minImportance float64, k int) ([]Episode, error)
	// SearchEpisodes returns up to k episodes of a chat whose topic,
	// summary or tags match query, best match first. Does not bump
	// access counters.
	SearchEpisodes(ctx context.Context, chatID int64, query string, k int) ([]Episode, error)
}

// SummaryStore persists periodic chat rollups.
type SummaryStore interface {
	// UpsertSummary writes s, replacing the row with the same
	// (ChatID, Type, PeriodStart).
	UpsertSummary(ctx context.Context, s ChatSummary) error
	// LatestSummary returns the newest summary of the given type for a
	// chat, or nil when none exists.
	LatestSummary(ctx context.Context, chatID int64, typ string) (*ChatSummary, error)
}

// QuotaStore persists feature request history and reputation.
type QuotaStore interface {
	RecordRequest(ctx context.Context, r QuotaRequest) error
	// CountRequests counts admitted requests for user and feature with
	// RequestedAt >= since. Empty feature counts all features.
	CountRequests(ctx context.Context, userID int64, feature string, since int64) (int, error)
	// CountThrottled counts denied requests in the same shape.
	CountThrottled(ctx context.Context, userID int64, feature string, since int64) (int, error)
	// PruneRequestsBefore drops history older than cutoff.
	PruneRequestsBefore(ctx context.Context, cutoff int64) (int64, error)
	// Reputation returns the user's multiplier, 1.0 by default.
	Reputation(ctx context.Context, userID int64) (float64, error)
	// SetReputation stores the multiplier clamped to [0.5, 2.0].
	SetReputation(ctx context.Context, userID int64, mult float64) error
}

// BanStore persists per-chat bans.
type BanStore interface {
	Ban(ctx context.Context, chatID, userID int64) error
	Unban(ctx context.Context, chatID, userID int64) error
	IsBanned(ctx context.Context, chatID, userID int64) (bool, error)
	// BanNoticeDue reports whether a ban notice may be sent now and,
	// when it may, stamps the notice time in the same statement.
	BanNoticeDue(ctx context.Context, chatID, userID int64, cooldown time.Duration) (bool, error)
}

// PromptStore persists versioned system prompts.
type PromptStore interface {
	// ActivePrompt returns the active prompt at a scope, or nil. key is
	// the chat id for chat scope, the user id for personal scope, and
	// ignored for global.
	ActivePrompt(ctx context.Context, scope string, key int64) (*SystemPrompt, error)
	// SetPrompt deactivates the current active row in p's scope and
	// inserts p as the new active version, in one transaction.
	SetPrompt(ctx context.Context, p SystemPrompt) (SystemPrompt, error)
	DeactivatePrompt(ctx context.Context, id string) error
	// ListPrompts returns all versions at a scope, newest first.
	ListPrompts(ctx context.Context, scope string, key int64) ([]SystemPrompt, error)
}

// MediaCacheStore persists pointers to downloaded media files.
type MediaCacheStore interface {
	PutMedia(ctx context.Context, e MediaCacheEntry) error
	// GetMedia returns the entry, or nil when missing or expired.
	GetMedia(ctx context.Context, mediaID string) (*MediaCacheEntry, error)
	// PruneExpiredMedia removes expired entries and their files.
	PruneExpiredMedia(ctx context.Context, now int64) (int64, error)
}

// ChatStats aggregates per-chat row counts for admin commands.
type ChatStats struct {
	Messages       int64 `json:"messages"`
	Facts          int64 `json:"facts"`
	Episodes       int64 `json:"episodes"`
	Summaries      int64 `json:"summaries"`
	FirstMessageTS int64 `json:"first_message_ts,omitempty"`
	LastMessageTS  int64 `json:"last_message_ts,omitempty"`
}

// Store is the full persistence surface backed by a single database.
type Store interface {
	MessageStore
	FactStore
	EpisodeStore
	SummaryStore
	QuotaStore
	BanStore
	PromptStore
	MediaCacheStore

	// Stats aggregates row counts for one chat.
	Stats(ctx context.Context, chatID int64) (ChatStats, error)

	// Init applies idempotent migrations. Fails with
	// ErrSchemaIncompatible when a required column has the wrong type.
	Init(ctx context.Context) error
	Close() error
}
