package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

const promptColumns = `id, admin_id, chat_id, scope, text, is_active, version, created_at, updated_at, activated_at`

// promptScopeClause narrows a query to one prompt slot: the chat for chat
// scope, the admin for personal scope, nothing extra for global.
func promptScopeClause(scope string, key int64) (string, []any) {
	switch scope {
	case gryag.ScopeChat:
		return ` AND chat_id = ?`, []any{key}
	case gryag.ScopePersonal:
		return ` AND admin_id = ?`, []any{key}
	default:
		return ``, nil
	}
}

// ActivePrompt returns the active prompt at a scope, or nil. key is the
// chat id for chat scope, the user id for personal scope, and ignored for
// global.
func (s *Store) ActivePrompt(ctx context.Context, scope string, key int64) (*gryag.SystemPrompt, error) {
	clause, args := promptScopeClause(scope, key)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+promptColumns+` FROM system_prompts
		 WHERE scope = ? AND is_active = 1`+clause+` ORDER BY version DESC LIMIT 1`,
		append([]any{scope}, args...)...,
	)

	p, err := scanPrompt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active prompt: %w", err)
	}
	return &p, nil
}

// SetPrompt deactivates the current active row in p's scope and inserts p
// as the new active version, in one transaction.
func (s *Store) SetPrompt(ctx context.Context, p gryag.SystemPrompt) (gryag.SystemPrompt, error) {
	start := time.Now()
	key := p.ChatID
	if p.Scope == gryag.ScopePersonal {
		key = p.AdminID
	}
	clause, args := promptScopeClause(p.Scope, key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return gryag.SystemPrompt{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM system_prompts WHERE scope = ?`+clause,
		append([]any{p.Scope}, args...)...,
	).Scan(&maxVersion)
	if err != nil {
		return gryag.SystemPrompt{}, fmt.Errorf("prompt version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE system_prompts SET is_active = 0, updated_at = ? WHERE scope = ? AND is_active = 1`+clause,
		append([]any{time.Now().Unix(), p.Scope}, args...)...,
	); err != nil {
		return gryag.SystemPrompt{}, fmt.Errorf("deactivate prompts: %w", err)
	}

	if p.ID == "" {
		p.ID = gryag.NewID()
	}
	p.Version = int(maxVersion.Int64) + 1
	p.IsActive = true
	now := time.Now().Unix()
	p.CreatedAt, p.UpdatedAt, p.ActivatedAt = now, now, now

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO system_prompts (id, admin_id, chat_id, scope, text, is_active, version, created_at, updated_at, activated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		p.ID, p.AdminID, p.ChatID, p.Scope, p.Text, p.Version, p.CreatedAt, p.UpdatedAt, p.ActivatedAt,
	); err != nil {
		s.logger.Error("sqlite: set prompt failed", "scope", p.Scope, "error", err, "duration", time.Since(start))
		return gryag.SystemPrompt{}, fmt.Errorf("insert prompt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return gryag.SystemPrompt{}, fmt.Errorf("commit prompt: %w", err)
	}
	s.logger.Debug("sqlite: set prompt ok", "id", p.ID, "scope", p.Scope, "version", p.Version, "duration", time.Since(start))
	return p, nil
}

// DeactivatePrompt retires one prompt version by id.
func (s *Store) DeactivatePrompt(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE system_prompts SET is_active = 0, updated_at = ? WHERE id = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("deactivate prompt: %w", err)
	}
	s.logger.Debug("sqlite: deactivate prompt ok", "id", id)
	return nil
}

// ListPrompts returns all versions at a scope, newest first.
func (s *Store) ListPrompts(ctx context.Context, scope string, key int64) ([]gryag.SystemPrompt, error) {
	clause, args := promptScopeClause(scope, key)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+promptColumns+` FROM system_prompts WHERE scope = ?`+clause+` ORDER BY version DESC`,
		append([]any{scope}, args...)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []gryag.SystemPrompt
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row rowScanner) (gryag.SystemPrompt, error) {
	var p gryag.SystemPrompt
	var active int
	err := row.Scan(&p.ID, &p.AdminID, &p.ChatID, &p.Scope, &p.Text, &active,
		&p.Version, &p.CreatedAt, &p.UpdatedAt, &p.ActivatedAt)
	if err != nil {
		return p, err
	}
	p.IsActive = active != 0
	return p, nil
}

// PutMedia stores or refreshes one media cache pointer.
func (s *Store) PutMedia(ctx context.Context, e gryag.MediaCacheEntry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO media_cache (media_id, chat_id, user_id, file_path, media_type, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.MediaID, e.ChatID, e.UserID, e.FilePath, e.MediaType, e.ExpiresAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("put media: %w", err)
	}
	s.logger.Debug("sqlite: put media ok", "media_id", e.MediaID, "type", e.MediaType)
	return nil
}

// GetMedia returns the entry, or nil when missing or expired.
func (s *Store) GetMedia(ctx context.Context, mediaID string) (*gryag.MediaCacheEntry, error) {
	var e gryag.MediaCacheEntry
	err := s.db.QueryRowContext(ctx,
		`SELECT media_id, chat_id, user_id, file_path, media_type, expires_at, created_at
		 FROM media_cache WHERE media_id = ?`, mediaID,
	).Scan(&e.MediaID, &e.ChatID, &e.UserID, &e.FilePath, &e.MediaType, &e.ExpiresAt, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}
	if e.ExpiresAt < time.Now().Unix() {
		return nil, nil
	}
	return &e, nil
}

// PruneExpiredMedia removes the cached files of entries whose TTL
// elapsed before now, then drops their rows.
func (s *Store) PruneExpiredMedia(ctx context.Context, now int64) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT file_path FROM media_cache WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("list expired media: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired media: %w", err)
		}
		if p != "" {
			paths = append(paths, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list expired media: %w", err)
	}

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("sqlite: expired media file not removed", "path", p, "error", err)
		}
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM media_cache WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("prune media: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: prune media ok", "removed", n)
	return n, nil
}
