package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// Decay parameters: facts untouched for factStaleAfter lose decay_rate per
// sweep; rows sinking below factConfidenceFloor are retired.
const (
	factStaleAfter      = 30 * 24 * time.Hour
	factConfidenceFloor = 0.3
)

const factColumns = `id, entity_type, entity_id, chat_context, category, key, value, confidence,
	evidence_count, evidence_text, source_message_id, first_observed, last_reinforced,
	is_active, decay_rate, embedding`

// UpsertFact inserts f or reinforces the row matching its unique key.
// Reinforcement fuses confidence as min(1, old + 0.1*new) and, when the
// normalized values differ, records a version row: "evolution" when the
// new observation is at least as confident (the value flips), otherwise
// "contradiction" (the old value stays). Returns the stored row.
func (s *Store) UpsertFact(ctx context.Context, f gryag.Fact) (gryag.Fact, error) {
	start := time.Now()
	s.logger.Debug("sqlite: upsert fact",
		"entity_type", f.EntityType, "entity_id", f.EntityID,
		"category", f.Category, "key", f.Key, "confidence", f.Confidence)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gryag.Fact{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().Unix()
	var old gryag.Fact
	err = tx.QueryRowContext(ctx,
		`SELECT id, value, confidence, evidence_count, first_observed FROM facts
		 WHERE entity_type = ? AND entity_id = ? AND chat_context = ? AND category = ? AND key = ?`,
		f.EntityType, f.EntityID, f.ChatContext, f.Category, f.Key,
	).Scan(&old.ID, &old.Value, &old.Confidence, &old.EvidenceCount, &old.FirstObserved)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if f.FirstObserved == 0 {
			f.FirstObserved = now
		}
		if f.LastReinforced == 0 {
			f.LastReinforced = now
		}
		if f.EvidenceCount == 0 {
			f.EvidenceCount = 1
		}
		f.IsActive = true

		var embJSON *string
		if len(f.Embedding) > 0 {
			v := serializeEmbedding(f.Embedding)
			embJSON = &v
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO facts (entity_type, entity_id, chat_context, category, key, value, confidence,
				evidence_count, evidence_text, source_message_id, first_observed, last_reinforced,
				is_active, decay_rate, embedding)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			f.EntityType, f.EntityID, f.ChatContext, f.Category, f.Key, f.Value, f.Confidence,
			f.EvidenceCount, nullIfEmpty(f.EvidenceText), f.SourceMessageID,
			f.FirstObserved, f.LastReinforced, f.DecayRate, embJSON,
		)
		if err != nil {
			s.logger.Error("sqlite: insert fact failed", "key", f.Key, "error", err, "duration", time.Since(start))
			return gryag.Fact{}, fmt.Errorf("insert fact: %w", err)
		}
		f.ID, _ = res.LastInsertId()

	case err != nil:
		return gryag.Fact{}, fmt.Errorf("lookup fact: %w", err)

	default:
		fused := old.Confidence + 0.1*f.Confidence
		if fused > 1 {
			fused = 1
		}
		value := old.Value
		if gryag.NormalizeFactValue(old.Value) != gryag.NormalizeFactValue(f.Value) {
			change := "contradiction"
			if f.Confidence >= old.Confidence {
				change = "evolution"
				value = f.Value
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO fact_versions (fact_id, value, change_type, recorded_at) VALUES (?, ?, ?, ?)`,
				old.ID, f.Value, change, now,
			); err != nil {
				return gryag.Fact{}, fmt.Errorf("insert fact version: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE facts SET value = ?, confidence = ?, evidence_count = evidence_count + 1,
				last_reinforced = ?, is_active = 1 WHERE id = ?`,
			value, fused, now, old.ID,
		); err != nil {
			s.logger.Error("sqlite: reinforce fact failed", "id", old.ID, "error", err, "duration", time.Since(start))
			return gryag.Fact{}, fmt.Errorf("reinforce fact: %w", err)
		}
		f.ID = old.ID
		f.Value = value
		f.Confidence = fused
		f.EvidenceCount = old.EvidenceCount + 1
		f.FirstObserved = old.FirstObserved
		f.LastReinforced = now
		f.IsActive = true
	}

	if err := tx.Commit(); err != nil {
		return gryag.Fact{}, fmt.Errorf("commit fact: %w", err)
	}
	s.logger.Debug("sqlite: upsert fact ok", "id", f.ID, "evidence_count", f.EvidenceCount, "duration", time.Since(start))
	return f, nil
}

// ActiveFacts returns active facts for an entity, most recently reinforced
// first. chatContext 0 matches any scope; a non-zero chatContext also
// admits globally scoped rows (chat_context 0).
func (s *Store) ActiveFacts(ctx context.Context, entityType string, entityID, chatContext int64, limit int) ([]gryag.Fact, error) {
	start := time.Now()

	q := `SELECT ` + factColumns + ` FROM facts
		WHERE is_active = 1 AND entity_type = ? AND entity_id = ?`
	args := []any{entityType, entityID}
	if chatContext != 0 {
		q += ` AND (chat_context = 0 OR chat_context = ?)`
		args = append(args, chatContext)
	}
	q += ` ORDER BY last_reinforced DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		s.logger.Error("sqlite: active facts failed", "entity_id", entityID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("active facts: %w", err)
	}
	defer rows.Close()

	facts, err := scanFacts(rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sqlite: active facts ok", "entity_id", entityID, "count", len(facts), "duration", time.Since(start))
	return facts, nil
}

// DeactivateFact retires one fact without deleting its history.
func (s *Store) DeactivateFact(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE facts SET is_active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deactivate fact: %w", err)
	}
	s.logger.Debug("sqlite: deactivate fact ok", "id", id)
	return nil
}

// DeleteFactsFor removes all facts of an entity along with their version
// history. chatContext 0 removes across chats.
func (s *Store) DeleteFactsFor(ctx context.Context, entityType string, entityID, chatContext int64) (int64, error) {
	start := time.Now()

	where := ` WHERE entity_type = ? AND entity_id = ?`
	args := []any{entityType, entityID}
	if chatContext != 0 {
		where += ` AND chat_context = ?`
		args = append(args, chatContext)
	}

	_, _ = s.db.ExecContext(ctx,
		`DELETE FROM fact_versions WHERE fact_id IN (SELECT id FROM facts`+where+`)`, args...)

	res, err := s.db.ExecContext(ctx, `DELETE FROM facts`+where, args...)
	if err != nil {
		s.logger.Error("sqlite: delete facts failed", "entity_id", entityID, "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("delete facts: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: delete facts ok", "entity_id", entityID, "removed", n, "duration", time.Since(start))
	return n, nil
}

// DecayFacts lowers confidence on facts not reinforced within the
// staleness horizon and deactivates rows under the floor. Returns the
// number of rows touched.
func (s *Store) DecayFacts(ctx context.Context) (int64, error) {
	start := time.Now()
	staleBefore := time.Now().Add(-factStaleAfter).Unix()

	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET confidence = confidence - decay_rate
		 WHERE is_active = 1 AND decay_rate > 0 AND last_reinforced < ?`,
		staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("decay facts: %w", err)
	}
	decayed, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx,
		`UPDATE facts SET is_active = 0 WHERE is_active = 1 AND confidence < ?`,
		factConfidenceFloor,
	)
	if err != nil {
		return 0, fmt.Errorf("retire facts: %w", err)
	}
	retired, _ := res.RowsAffected()

	s.logger.Debug("sqlite: decay facts ok", "decayed", decayed, "retired", retired, "duration", time.Since(start))
	return decayed + retired, nil
}

// FactVersions lists recorded value changes of one fact, newest first.
func (s *Store) FactVersions(ctx context.Context, factID int64) ([]gryag.FactVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fact_id, value, change_type, recorded_at FROM fact_versions
		 WHERE fact_id = ? ORDER BY id DESC`, factID)
	if err != nil {
		return nil, fmt.Errorf("fact versions: %w", err)
	}
	defer rows.Close()

	var versions []gryag.FactVersion
	for rows.Next() {
		var v gryag.FactVersion
		if err := rows.Scan(&v.ID, &v.FactID, &v.Value, &v.ChangeType, &v.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan fact version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func scanFacts(rows *sql.Rows) ([]gryag.Fact, error) {
	var facts []gryag.Fact
	for rows.Next() {
		var f gryag.Fact
		var evidence, embJSON sql.NullString
		var sourceID sql.NullInt64
		var active int
		if err := rows.Scan(&f.ID, &f.EntityType, &f.EntityID, &f.ChatContext, &f.Category,
			&f.Key, &f.Value, &f.Confidence, &f.EvidenceCount, &evidence, &sourceID,
			&f.FirstObserved, &f.LastReinforced, &active, &f.DecayRate, &embJSON); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		f.EvidenceText = evidence.String
		f.SourceMessageID = sourceID.Int64
		f.IsActive = active != 0
		if embJSON.Valid {
			if vec, err := deserializeEmbedding(embJSON.String); err == nil {
				f.Embedding = vec
			}
		}
		facts = append(facts, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return facts, nil
}
