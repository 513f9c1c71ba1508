package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

// RecordRequest appends one feature request to the durable history.
func (s *Store) RecordRequest(ctx context.Context, r gryag.QuotaRequest) error {
	if r.RequestedAt == 0 {
		r.RequestedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_requests (user_id, feature, requested_at, throttled) VALUES (?, ?, ?, ?)`,
		r.UserID, r.Feature, r.RequestedAt, boolToInt(r.Throttled),
	)
	if err != nil {
		s.logger.Error("sqlite: record request failed", "user_id", r.UserID, "feature", r.Feature, "error", err)
		return fmt.Errorf("record request: %w", err)
	}
	return nil
}

// CountRequests counts admitted requests for user and feature with
// RequestedAt >= since. Empty feature counts all features.
func (s *Store) CountRequests(ctx context.Context, userID int64, feature string, since int64) (int, error) {
	return s.countRequests(ctx, userID, feature, since, false)
}

// CountThrottled counts denied requests in the same shape.
func (s *Store) CountThrottled(ctx context.Context, userID int64, feature string, since int64) (int, error) {
	return s.countRequests(ctx, userID, feature, since, true)
}

func (s *Store) countRequests(ctx context.Context, userID int64, feature string, since int64, throttled bool) (int, error) {
	q := `SELECT COUNT(*) FROM quota_requests WHERE user_id = ? AND requested_at >= ? AND throttled = ?`
	args := []any{userID, since, boolToInt(throttled)}
	if feature != "" {
		q += ` AND feature = ?`
		args = append(args, feature)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count requests: %w", err)
	}
	return n, nil
}

// PruneRequestsBefore drops history older than cutoff.
func (s *Store) PruneRequestsBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM quota_requests WHERE requested_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune requests: %w", err)
	}
	n, _ := res.RowsAffected()
	s.logger.Debug("sqlite: prune requests ok", "removed", n)
	return n, nil
}

// Reputation returns the user's multiplier, 1.0 by default.
func (s *Store) Reputation(ctx context.Context, userID int64) (float64, error) {
	var mult float64
	err := s.db.QueryRowContext(ctx,
		`SELECT multiplier FROM reputation WHERE user_id = ?`, userID).Scan(&mult)
	if errors.Is(err, sql.ErrNoRows) {
		return 1.0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reputation: %w", err)
	}
	return mult, nil
}

// SetReputation stores the multiplier clamped to [0.5, 2.0].
func (s *Store) SetReputation(ctx context.Context, userID int64, mult float64) error {
	if mult < 0.5 {
		mult = 0.5
	}
	if mult > 2.0 {
		mult = 2.0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO reputation (user_id, multiplier) VALUES (?, ?)`, userID, mult)
	if err != nil {
		return fmt.Errorf("set reputation: %w", err)
	}
	s.logger.Debug("sqlite: set reputation ok", "user_id", userID, "multiplier", mult)
	return nil
}

// Ban blocks a user in one chat. Re-banning resets the notice throttle.
func (s *Store) Ban(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bans (chat_id, user_id, ts, last_notice_ts) VALUES (?, ?, ?, 0)`,
		chatID, userID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("ban: %w", err)
	}
	s.logger.Debug("sqlite: ban ok", "chat_id", chatID, "user_id", userID)
	return nil
}

// Unban lifts a ban.
func (s *Store) Unban(ctx context.Context, chatID, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM bans WHERE chat_id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("unban: %w", err)
	}
	s.logger.Debug("sqlite: unban ok", "chat_id", chatID, "user_id", userID)
	return nil
}

// IsBanned reports whether the user is banned in the chat.
func (s *Store) IsBanned(ctx context.Context, chatID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM bans WHERE chat_id = ? AND user_id = ?`, chatID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is banned: %w", err)
	}
	return true, nil
}

// BanNoticeDue reports whether a ban notice may be sent now. The check and
// the stamp are one UPDATE so concurrent turns cannot double-send.
func (s *Store) BanNoticeDue(ctx context.Context, chatID, userID int64, cooldown time.Duration) (bool, error) {
	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE bans SET last_notice_ts = ?
		 WHERE chat_id = ? AND user_id = ? AND (last_notice_ts = 0 OR last_notice_ts <= ?)`,
		now, chatID, userID, now-int64(cooldown.Seconds()),
	)
	if err != nil {
		return false, fmt.Errorf("ban notice: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
