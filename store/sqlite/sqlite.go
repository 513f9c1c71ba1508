// Package sqlite implements gryag.Store using pure-Go SQLite.
// Embeddings are stored as JSON text and similarity search runs
// in-process over the newest embedded rows. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements gryag.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ gryag.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init applies all migrations. Migrations are additive and idempotent;
// re-running Init against an existing database is safe. A required column
// carrying the wrong type fails with gryag.ErrSchemaIncompatible.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("pragma: %w", err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL DEFAULT 0,
			user_id INTEGER NOT NULL DEFAULT 0,
			role TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			media TEXT,
			embedding TEXT,
			metadata TEXT,
			external_id TEXT,
			reply_to_id TEXT,
			ts INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type TEXT NOT NULL,
			entity_id INTEGER NOT NULL,
			chat_context INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL,
			evidence_count INTEGER NOT NULL DEFAULT 1,
			evidence_text TEXT,
			source_message_id INTEGER,
			first_observed INTEGER NOT NULL,
			last_reinforced INTEGER NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			decay_rate REAL NOT NULL DEFAULT 0,
			embedding TEXT,
			UNIQUE(entity_type, entity_id, chat_context, category, key)
		)`,
		`CREATE TABLE IF NOT EXISTS fact_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			fact_id INTEGER NOT NULL,
			value TEXT NOT NULL,
			change_type TEXT NOT NULL,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			thread_id INTEGER NOT NULL DEFAULT 0,
			topic TEXT NOT NULL,
			summary TEXT NOT NULL,
			summary_embedding TEXT,
			importance REAL NOT NULL,
			emotional_valence TEXT NOT NULL DEFAULT 'neutral',
			message_ids TEXT,
			participant_ids TEXT,
			tags TEXT,
			created_at INTEGER NOT NULL,
			last_accessed INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS chat_summaries (
			id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			period_start INTEGER NOT NULL,
			period_end INTEGER NOT NULL,
			text TEXT NOT NULL,
			token_count INTEGER NOT NULL DEFAULT 0,
			generated_at INTEGER NOT NULL,
			UNIQUE(chat_id, type, period_start)
		)`,
		`CREATE TABLE IF NOT EXISTS quota_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			feature TEXT NOT NULL,
			requested_at INTEGER NOT NULL,
			throttled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS reputation (
			user_id INTEGER PRIMARY KEY,
			multiplier REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bans (
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			last_notice_ts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS system_prompts (
			id TEXT PRIMARY KEY,
			admin_id INTEGER NOT NULL,
			chat_id INTEGER NOT NULL DEFAULT 0,
			scope TEXT NOT NULL,
			text TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			activated_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS media_cache (
			media_id TEXT PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			user_id INTEGER NOT NULL DEFAULT 0,
			file_path TEXT NOT NULL,
			media_type TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migrations (best-effort, silent fail if already applied)
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN thread_id INTEGER NOT NULL DEFAULT 0")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN metadata TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE messages ADD COLUMN reply_to_id TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE facts ADD COLUMN decay_rate REAL NOT NULL DEFAULT 0")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE facts ADD COLUMN embedding TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE episodes ADD COLUMN tags TEXT")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE bans ADD COLUMN last_notice_ts INTEGER NOT NULL DEFAULT 0")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE system_prompts ADD COLUMN activated_at INTEGER NOT NULL DEFAULT 0")

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, ts)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_chat_thread ON messages(chat_id, thread_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_facts_entity ON facts(entity_type, entity_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_fact_versions_fact ON fact_versions(fact_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_episodes_chat ON episodes(chat_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_summaries_chat ON chat_summaries(chat_id, type)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_quota_user_time ON quota_requests(user_id, requested_at)`)

	// FTS5 full-text index for keyword search over message text.
	_, _ = s.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(message_id UNINDEXED, text)`)

	if err := s.checkSchema(ctx); err != nil {
		return err
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// requiredColumns are spot checks against databases created by foreign
// tooling: a wrong storage class here corrupts ordering and arithmetic
// silently, so Init refuses to proceed.
var requiredColumns = []struct {
	table, column, colType string
}{
	{"messages", "chat_id", "INTEGER"},
	{"messages", "ts", "INTEGER"},
	{"facts", "confidence", "REAL"},
	{"episodes", "importance", "REAL"},
}

func (s *Store) checkSchema(ctx context.Context) error {
	for _, rc := range requiredColumns {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", rc.table))
		if err != nil {
			return fmt.Errorf("table_info %s: %w", rc.table, err)
		}
		found := false
		for rows.Next() {
			var cid int
			var name, colType string
			var notNull, pk int
			var dflt sql.NullString
			if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
				rows.Close()
				return fmt.Errorf("scan table_info: %w", err)
			}
			if name != rc.column {
				continue
			}
			found = true
			if !strings.EqualFold(colType, rc.colType) {
				rows.Close()
				return fmt.Errorf("%w: %s.%s is %s, want %s",
					gryag.ErrSchemaIncompatible, rc.table, rc.column, colType, rc.colType)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate table_info: %w", err)
		}
		if !found {
			return fmt.Errorf("%w: %s.%s missing", gryag.ErrSchemaIncompatible, rc.table, rc.column)
		}
	}
	return nil
}

// Stats aggregates row counts for one chat.
func (s *Store) Stats(ctx context.Context, chatID int64) (gryag.ChatStats, error) {
	start := time.Now()
	var st gryag.ChatStats

	var firstTS, lastTS sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(ts), MAX(ts) FROM messages WHERE chat_id = ?`, chatID,
	).Scan(&st.Messages, &firstTS, &lastTS)
	if err != nil {
		return st, fmt.Errorf("stats messages: %w", err)
	}
	st.FirstMessageTS = firstTS.Int64
	st.LastMessageTS = lastTS.Int64

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM facts WHERE chat_context = ? OR (entity_type = ? AND entity_id = ?)`,
		chatID, gryag.EntityChat, chatID,
	).Scan(&st.Facts)
	if err != nil {
		return st, fmt.Errorf("stats facts: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM episodes WHERE chat_id = ?`, chatID,
	).Scan(&st.Episodes)
	if err != nil {
		return st, fmt.Errorf("stats episodes: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_summaries WHERE chat_id = ?`, chatID,
	).Scan(&st.Summaries)
	if err != nil {
		return st, fmt.Errorf("stats summaries: %w", err)
	}

	s.logger.Debug("sqlite: stats ok", "chat_id", chatID, "messages", st.Messages, "duration", time.Since(start))
	return st, nil
}

// DB exposes the underlying connection for advanced callers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}

// serializeEmbedding converts []float32 to a JSON array string.
func serializeEmbedding(embedding []float32) string {
	data, _ := json.Marshal(embedding)
	return string(data)
}

// deserializeEmbedding parses a JSON array string back to []float32.
func deserializeEmbedding(s string) ([]float32, error) {
	var v []float32
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
