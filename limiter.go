package gryag

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Feature names used for per-feature quotas.
const (
	FeatureChat       = "chat"
	FeatureWebSearch  = "web_search"
	FeatureWeather    = "weather"
	FeatureCurrency   = "currency"
	FeatureCalculator = "calculator"
	FeatureImageGen   = "image_generation"
	FeatureCodeRun    = "code_execution"
)

// FeatureQuota caps one feature inside aligned hour and day windows.
type FeatureQuota struct {
	PerHour int
	PerDay  int
}

// LimiterConfig carries the quota engine settings.
type LimiterConfig struct {
	// PerUserPerHour is the global addressed-turn quota. Default 5.
	PerUserPerHour int
	// AdminIDs bypass every limit.
	AdminIDs []int64
	// Features maps feature name to its quotas. Unknown features are
	// admitted (fail open).
	Features map[string]FeatureQuota
	// FeatureThrottling enables the per-feature layer.
	FeatureThrottling bool
	// AdaptiveThrottling scales feature quotas by user reputation.
	AdaptiveThrottling bool
}

// Limiter is the two-layer rate-limit and quota engine: a global
// per-user hourly window plus per-feature hour and day quotas scaled by
// a reputation multiplier. Admin ids bypass both layers. The in-memory
// window lives behind the Coordinator; feature accounting reads the
// durable request history so restarts cannot reset it.
type Limiter struct {
	coord    Coordinator
	quotas   QuotaStore
	admins   map[int64]bool
	perHour  int
	features map[string]FeatureQuota
	gated    bool
	adaptive bool
	log      *slog.Logger
	now      func() time.Time // test hook
}

var _ FeatureLimiter = (*Limiter)(nil)

// NewLimiter builds the quota engine. coord must not be nil; quotas may
// be nil only when FeatureThrottling is off.
func NewLimiter(coord Coordinator, quotas QuotaStore, cfg LimiterConfig, log *slog.Logger) *Limiter {
	if cfg.PerUserPerHour <= 0 {
		cfg.PerUserPerHour = 5
	}
	if log == nil {
		log = nopLogger
	}
	admins := make(map[int64]bool, len(cfg.AdminIDs))
	for _, id := range cfg.AdminIDs {
		admins[id] = true
	}
	return &Limiter{
		coord:    coord,
		quotas:   quotas,
		admins:   admins,
		perHour:  cfg.PerUserPerHour,
		features: cfg.Features,
		gated:    cfg.FeatureThrottling,
		adaptive: cfg.AdaptiveThrottling,
		log:      log,
		now:      time.Now,
	}
}

// IsAdmin reports whether the user bypasses limits.
func (l *Limiter) IsAdmin(userID int64) bool { return l.admins[userID] }

// Allow admits one addressed turn under the global hourly window.
func (l *Limiter) Allow(ctx context.Context, userID int64) (bool, error) {
	if l.admins[userID] {
		return true, nil
	}
	key := fmt.Sprintf("quota:user:%d", userID)
	ok, err := l.coord.Allow(ctx, key, l.perHour, time.Hour)
	if err != nil {
		// A broken coordinator must not silence the bot.
		l.log.Warn("global limiter unavailable, admitting", "user", userID, "error", err)
		return true, nil
	}
	return ok, nil
}

// AllowFeature admits one feature request under the hour and day
// quotas, scaled by reputation when adaptive throttling is on.
func (l *Limiter) AllowFeature(ctx context.Context, userID int64, feature string) (bool, error) {
	if l.admins[userID] || !l.gated {
		return true, nil
	}
	quota, known := l.features[feature]
	if !known {
		return true, nil // fail open for unknown features
	}

	mult := 1.0
	if l.adaptive {
		m, err := l.quotas.Reputation(ctx, userID)
		if err != nil {
			l.log.Warn("reputation lookup failed", "user", userID, "error", err)
		} else {
			mult = m
		}
	}

	now := l.now().UTC()
	hourStart := now.Truncate(time.Hour)
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	if quota.PerHour > 0 {
		used, err := l.quotas.CountRequests(ctx, userID, feature, hourStart.Unix())
		if err != nil {
			return false, fmt.Errorf("count hourly usage: %w", err)
		}
		if float64(used) >= float64(quota.PerHour)*mult {
			return false, nil
		}
	}
	if quota.PerDay > 0 {
		used, err := l.quotas.CountRequests(ctx, userID, feature, dayStart.Unix())
		if err != nil {
			return false, fmt.Errorf("count daily usage: %w", err)
		}
		if float64(used) >= float64(quota.PerDay)*mult {
			return false, nil
		}
	}
	return true, nil
}

// RecordUsage appends one request to the durable history. Failures are
// logged and swallowed; accounting must never fail a turn.
func (l *Limiter) RecordUsage(ctx context.Context, userID int64, feature string, throttled bool) {
	if l.quotas == nil {
		return
	}
	err := l.quotas.RecordRequest(ctx, QuotaRequest{
		UserID:      userID,
		Feature:     feature,
		RequestedAt: l.now().Unix(),
		Throttled:   throttled,
	})
	if err != nil {
		l.log.Error("record usage failed", "user", userID, "feature", feature, "error", err)
	}
}

// UsageStats reports consumption inside the current aligned windows.
func (l *Limiter) UsageStats(ctx context.Context, userID int64, feature string) (UsageStats, error) {
	now := l.now().UTC()
	hourStart := now.Truncate(time.Hour).Unix()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Unix()

	var stats UsageStats
	var err error
	if stats.UsedThisHour, err = l.quotas.CountRequests(ctx, userID, feature, hourStart); err != nil {
		return UsageStats{}, err
	}
	if stats.UsedToday, err = l.quotas.CountRequests(ctx, userID, feature, dayStart); err != nil {
		return UsageStats{}, err
	}
	if stats.ThrottledThisHour, err = l.quotas.CountThrottled(ctx, userID, feature, hourStart); err != nil {
		return UsageStats{}, err
	}
	return stats, nil
}

// SetReputation stores a user's multiplier. The store clamps it to
// [0.5, 2.0]. Exposed as an explicit admin operation.
func (l *Limiter) SetReputation(ctx context.Context, userID int64, mult float64) error {
	return l.quotas.SetReputation(ctx, userID, mult)
}
