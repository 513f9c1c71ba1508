package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

const messageColumns = `id, chat_id, thread_id, user_id, role, text, media, embedding, metadata, external_id, reply_to_id, ts`

// AppendMessage inserts msg and returns its id. AUTOINCREMENT keeps ids
// monotonic across the table and therefore per chat.
func (s *Store) AppendMessage(ctx context.Context, msg gryag.Message) (int64, error) {
	start := time.Now()
	s.logger.Debug("sqlite: append message",
		"chat_id", msg.ChatID, "thread_id", msg.ThreadID, "role", msg.Role,
		"media", len(msg.Media), "has_embedding", len(msg.Embedding) > 0)

	var mediaJSON, embJSON, metaJSON *string
	if len(msg.Media) > 0 {
		data, _ := json.Marshal(msg.Media)
		v := string(data)
		mediaJSON = &v
	}
	if len(msg.Embedding) > 0 {
		v := serializeEmbedding(msg.Embedding)
		embJSON = &v
	}
	if len(msg.Metadata) > 0 {
		v := string(msg.Metadata)
		metaJSON = &v
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, thread_id, user_id, role, text, media, embedding, metadata, external_id, reply_to_id, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ChatID, msg.ThreadID, msg.UserID, msg.Role, msg.Text,
		mediaJSON, embJSON, metaJSON, nullIfEmpty(msg.ExternalID), nullIfEmpty(msg.ReplyToID), msg.TS,
	)
	if err != nil {
		s.logger.Error("sqlite: append message failed", "chat_id", msg.ChatID, "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message id: %w", err)
	}

	if msg.Text != "" {
		// Keyword index is best-effort: a failed FTS insert degrades
		// search, not writes.
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO messages_fts (message_id, text) VALUES (?, ?)`, id, msg.Text); err != nil {
			s.logger.Debug("sqlite: fts index skipped", "id", id, "error", err)
		}
	}

	s.logger.Debug("sqlite: append message ok", "id", id, "duration", time.Since(start))
	return id, nil
}

// RecentMessages returns up to limit messages newest-first. A non-zero
// threadID scopes the query to that thread and degrades to the whole chat
// when the thread holds nothing.
func (s *Store) RecentMessages(ctx context.Context, chatID, threadID int64, limit int) ([]gryag.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: recent messages", "chat_id", chatID, "thread_id", threadID, "limit", limit)

	if threadID != 0 {
		msgs, err := s.queryMessages(ctx,
			`SELECT `+messageColumns+` FROM messages
			 WHERE chat_id = ? AND thread_id = ?
			 ORDER BY id DESC LIMIT ?`,
			chatID, threadID, limit,
		)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			s.logger.Debug("sqlite: recent messages ok", "count", len(msgs), "duration", time.Since(start))
			return msgs, nil
		}
	}

	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = ?
		 ORDER BY id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: recent messages ok", "count", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

// UpdateEmbedding attaches vec to a stored message. Updating a row the
// pruner already removed is a no-op.
func (s *Store) UpdateEmbedding(ctx context.Context, id int64, vec []float32) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET embedding = ? WHERE id = ?`, serializeEmbedding(vec), id)
	if err != nil {
		s.logger.Error("sqlite: update embedding failed", "id", id, "error", err, "duration", time.Since(start))
		return fmt.Errorf("update embedding: %w", err)
	}
	s.logger.Debug("sqlite: update embedding ok", "id", id, "dim", len(vec), "duration", time.Since(start))
	return nil
}

// SearchMessages returns keyword candidates for the hybrid engine,
// best match first. FTS5 is used when available; on FTS errors the query
// degrades to a LIKE scan.
func (s *Store) SearchMessages(ctx context.Context, chatID int64, query string, k int) ([]gryag.Message, error) {
	start := time.Now()
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	msgs, err := s.queryMessages(ctx,
		`SELECT m.id, m.chat_id, m.thread_id, m.user_id, m.role, m.text, m.media, m.embedding, m.metadata, m.external_id, m.reply_to_id, m.ts
		 FROM messages_fts f
		 JOIN messages m ON m.id = f.message_id
		 WHERE messages_fts MATCH ? AND m.chat_id = ?
		 ORDER BY f.rank LIMIT ?`,
		match, chatID, k,
	)
	if err != nil {
		s.logger.Debug("sqlite: fts search failed, falling back to LIKE", "error", err)
		msgs, err = s.searchMessagesLike(ctx, chatID, query, k)
		if err != nil {
			return nil, err
		}
	}

	s.logger.Debug("sqlite: search messages ok", "chat_id", chatID, "count", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

func (s *Store) searchMessagesLike(ctx context.Context, chatID int64, query string, k int) ([]gryag.Message, error) {
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = ? AND lower(text) LIKE ?
		 ORDER BY id DESC LIMIT ?`,
		chatID, pattern, k,
	)
}

// ftsQuery quotes each token so user text cannot inject FTS5 syntax.
// Tokens are OR-joined: recall matters more than precision here, the
// hybrid engine re-scores candidates anyway.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, "")
		if f == "" {
			continue
		}
		quoted = append(quoted, `"`+f+`"`)
	}
	return strings.Join(quoted, " OR ")
}

// RecentWithEmbeddings returns the newest messages carrying an embedding,
// newest-first.
func (s *Store) RecentWithEmbeddings(ctx context.Context, chatID int64, limit int) ([]gryag.Message, error) {
	start := time.Now()
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = ? AND embedding IS NOT NULL
		 ORDER BY id DESC LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: recent with embeddings ok", "chat_id", chatID, "count", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

// MessagesSince returns messages with TS >= since, oldest-first.
// limit <= 0 returns the whole window.
func (s *Store) MessagesSince(ctx context.Context, chatID int64, since int64, limit int) ([]gryag.Message, error) {
	start := time.Now()
	if limit <= 0 {
		// SQLite returns nothing for LIMIT 0; -1 means unbounded.
		limit = -1
	}
	msgs, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE chat_id = ? AND ts >= ?
		 ORDER BY id ASC LIMIT ?`,
		chatID, since, limit,
	)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: messages since ok", "chat_id", chatID, "count", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

// ActiveChats lists chat ids with at least one message since ts.
func (s *Store) ActiveChats(ctx context.Context, since int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT chat_id FROM messages WHERE ts >= ?`, since)
	if err != nil {
		return nil, fmt.Errorf("active chats: %w", err)
	}
	defer rows.Close()

	var chats []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chat id: %w", err)
		}
		chats = append(chats, id)
	}
	return chats, rows.Err()
}

// DeleteMessagesBefore removes messages older than cutoff and returns the
// number removed. FTS rows go first so the subquery still sees them.
func (s *Store) DeleteMessagesBefore(ctx context.Context, cutoff int64) (int64, error) {
	start := time.Now()
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE message_id IN (SELECT id FROM messages WHERE ts < ?)`, cutoff)

	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cutoff)
	if err != nil {
		s.logger.Error("sqlite: delete messages failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("delete messages: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: delete messages ok", "removed", n, "duration", time.Since(start))
	return n, nil
}

// ClearChat removes all messages of one chat.
func (s *Store) ClearChat(ctx context.Context, chatID int64) error {
	start := time.Now()
	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)`, chatID)

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		s.logger.Error("sqlite: clear chat failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("clear chat: %w", err)
	}
	s.logger.Debug("sqlite: clear chat ok", "chat_id", chatID, "duration", time.Since(start))
	return nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]gryag.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []gryag.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func scanMessage(rows *sql.Rows) (gryag.Message, error) {
	var m gryag.Message
	var mediaJSON, embJSON, metaJSON, externalID, replyToID sql.NullString
	if err := rows.Scan(&m.ID, &m.ChatID, &m.ThreadID, &m.UserID, &m.Role, &m.Text,
		&mediaJSON, &embJSON, &metaJSON, &externalID, &replyToID, &m.TS); err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	if mediaJSON.Valid {
		_ = json.Unmarshal([]byte(mediaJSON.String), &m.Media)
	}
	if embJSON.Valid {
		if vec, err := deserializeEmbedding(embJSON.String); err == nil {
			m.Embedding = vec
		}
	}
	if metaJSON.Valid {
		m.Metadata = json.RawMessage(metaJSON.String)
	}
	m.ExternalID = externalID.String
	m.ReplyToID = replyToID.String
	return m, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
