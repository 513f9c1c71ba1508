package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

const episodeColumns = `id, chat_id, thread_id, topic, summary, summary_embedding, importance,
	emotional_valence, message_ids, participant_ids, tags, created_at, last_accessed, access_count`

// InsertEpisode stores ep, assigning an id when empty.
func (s *Store) InsertEpisode(ctx context.Context, ep gryag.Episode) (gryag.Episode, error) {
	start := time.Now()
	if ep.ID == "" {
		ep.ID = gryag.NewID()
	}
	if ep.EmotionalValence == "" {
		ep.EmotionalValence = gryag.ValenceNeutral
	}
	now := time.Now().Unix()
	if ep.CreatedAt == 0 {
		ep.CreatedAt = now
	}
	if ep.LastAccessed == 0 {
		ep.LastAccessed = ep.CreatedAt
	}

	var embJSON *string
	if len(ep.SummaryEmbedding) > 0 {
		v := serializeEmbedding(ep.SummaryEmbedding)
		embJSON = &v
	}
	msgIDs, _ := json.Marshal(ep.MessageIDs)
	partIDs, _ := json.Marshal(ep.ParticipantIDs)
	var tagsJSON *string
	if len(ep.Tags) > 0 {
		data, _ := json.Marshal(ep.Tags)
		v := string(data)
		tagsJSON = &v
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO episodes (id, chat_id, thread_id, topic, summary, summary_embedding, importance,
			emotional_valence, message_ids, participant_ids, tags, created_at, last_accessed, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.ChatID, ep.ThreadID, ep.Topic, ep.Summary, embJSON, ep.Importance,
		ep.EmotionalValence, string(msgIDs), string(partIDs), tagsJSON,
		ep.CreatedAt, ep.LastAccessed, ep.AccessCount,
	)
	if err != nil {
		s.logger.Error("sqlite: insert episode failed", "chat_id", ep.ChatID, "error", err, "duration", time.Since(start))
		return gryag.Episode{}, fmt.Errorf("insert episode: %w", err)
	}
	s.logger.Debug("sqlite: insert episode ok", "id", ep.ID, "topic", ep.Topic, "duration", time.Since(start))
	return ep, nil
}

// RecentEpisodes returns up to k episodes of a chat with importance >=
// minImportance, most recently accessed first, and bumps their access
// counters.
func (s *Store) RecentEpisodes(ctx context.Context, chatID int64, minImportance float64, k int) ([]gryag.Episode, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE chat_id = ? AND importance >= ?
		 ORDER BY last_accessed DESC LIMIT ?`,
		chatID, minImportance, k,
	)
	if err != nil {
		s.logger.Error("sqlite: recent episodes failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("recent episodes: %w", err)
	}
	episodes, err := scanEpisodes(rows)
	if err != nil {
		return nil, err
	}

	if len(episodes) > 0 {
		now := time.Now().Unix()
		placeholders := make([]string, len(episodes))
		args := make([]any, 0, len(episodes)+1)
		args = append(args, now)
		for i := range episodes {
			placeholders[i] = "?"
			args = append(args, episodes[i].ID)
			episodes[i].AccessCount++
			episodes[i].LastAccessed = now
		}
		_, err = s.db.ExecContext(ctx,
			`UPDATE episodes SET access_count = access_count + 1, last_accessed = ?
			 WHERE id IN (`+strings.Join(placeholders, ",")+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("bump episodes: %w", err)
		}
	}

	s.logger.Debug("sqlite: recent episodes ok", "chat_id", chatID, "count", len(episodes), "duration", time.Since(start))
	return episodes, nil
}

// SearchEpisodes returns up to k episodes of a chat whose topic, summary
// or tags match query, best match first. Access counters are untouched.
func (s *Store) SearchEpisodes(ctx context.Context, chatID int64, query string, k int) ([]gryag.Episode, error) {
	start := time.Now()
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE chat_id = ? AND (lower(topic) LIKE ? OR lower(summary) LIKE ? OR lower(COALESCE(tags, '')) LIKE ?)
		 ORDER BY importance DESC LIMIT ?`,
		chatID, pattern, pattern, pattern, k,
	)
	if err != nil {
		s.logger.Error("sqlite: search episodes failed", "chat_id", chatID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("search episodes: %w", err)
	}
	episodes, err := scanEpisodes(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: search episodes ok", "chat_id", chatID, "count", len(episodes), "duration", time.Since(start))
	return episodes, nil
}

func scanEpisodes(rows *sql.Rows) ([]gryag.Episode, error) {
	defer rows.Close()
	var episodes []gryag.Episode
	for rows.Next() {
		var ep gryag.Episode
		var embJSON, msgIDs, partIDs, tagsJSON sql.NullString
		if err := rows.Scan(&ep.ID, &ep.ChatID, &ep.ThreadID, &ep.Topic, &ep.Summary, &embJSON,
			&ep.Importance, &ep.EmotionalValence, &msgIDs, &partIDs, &tagsJSON,
			&ep.CreatedAt, &ep.LastAccessed, &ep.AccessCount); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		if embJSON.Valid {
			if vec, err := deserializeEmbedding(embJSON.String); err == nil {
				ep.SummaryEmbedding = vec
			}
		}
		if msgIDs.Valid {
			_ = json.Unmarshal([]byte(msgIDs.String), &ep.MessageIDs)
		}
		if partIDs.Valid {
			_ = json.Unmarshal([]byte(partIDs.String), &ep.ParticipantIDs)
		}
		if tagsJSON.Valid {
			_ = json.Unmarshal([]byte(tagsJSON.String), &ep.Tags)
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episodes: %w", err)
	}
	return episodes, nil
}

// UpsertSummary writes s, replacing the row with the same
// (ChatID, Type, PeriodStart).
func (s *Store) UpsertSummary(ctx context.Context, sum gryag.ChatSummary) error {
	start := time.Now()
	if sum.ID == "" {
		sum.ID = gryag.NewID()
	}
	if sum.GeneratedAt == 0 {
		sum.GeneratedAt = time.Now().Unix()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_summaries (id, chat_id, type, period_start, period_end, text, token_count, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chat_id, type, period_start) DO UPDATE SET
			period_end = excluded.period_end,
			text = excluded.text,
			token_count = excluded.token_count,
			generated_at = excluded.generated_at`,
		sum.ID, sum.ChatID, sum.Type, sum.PeriodStart, sum.PeriodEnd,
		sum.Text, sum.TokenCount, sum.GeneratedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: upsert summary failed", "chat_id", sum.ChatID, "type", sum.Type, "error", err, "duration", time.Since(start))
		return fmt.Errorf("upsert summary: %w", err)
	}
	s.logger.Debug("sqlite: upsert summary ok", "chat_id", sum.ChatID, "type", sum.Type, "duration", time.Since(start))
	return nil
}

// LatestSummary returns the newest summary of the given type for a chat,
// or nil when none exists.
func (s *Store) LatestSummary(ctx context.Context, chatID int64, typ string) (*gryag.ChatSummary, error) {
	var sum gryag.ChatSummary
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, type, period_start, period_end, text, token_count, generated_at
		 FROM chat_summaries WHERE chat_id = ? AND type = ?
		 ORDER BY period_start DESC LIMIT 1`,
		chatID, typ,
	).Scan(&sum.ID, &sum.ChatID, &sum.Type, &sum.PeriodStart, &sum.PeriodEnd,
		&sum.Text, &sum.TokenCount, &sum.GeneratedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest summary: %w", err)
	}
	return &sum, nil
}
