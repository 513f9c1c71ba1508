package gryag

import (
	"context"
	"errors"
	"testing"
	"time"
)

// errCoordinator always fails, for fail-open checks.
type errCoordinator struct{}

func (errCoordinator) TryLock(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("coordinator down")
}
func (errCoordinator) Release(context.Context, string) error { return nil }
func (errCoordinator) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return false, errors.New("coordinator down")
}

// midHour is a fixed instant far from hour and day boundaries so
// aligned-window tests cannot flake.
var midHour = time.Date(2026, 1, 15, 12, 30, 0, 0, time.UTC)

func TestLimiterGlobalWindow(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemCoordinator(), newMemStore(), LimiterConfig{PerUserPerHour: 3}, nil)

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, 42)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("turn %d denied, want admitted", i+1)
		}
	}
	if ok, _ := l.Allow(ctx, 42); ok {
		t.Error("turn 4 admitted, want denied")
	}
	if ok, _ := l.Allow(ctx, 43); !ok {
		t.Error("other user denied, want admitted")
	}
}

func TestLimiterAdminBypass(t *testing.T) {
	ctx := context.Background()
	l := NewLimiter(NewMemCoordinator(), newMemStore(), LimiterConfig{
		PerUserPerHour: 1,
		AdminIDs:       []int64{99},
	}, nil)

	for i := 0; i < 10; i++ {
		if ok, _ := l.Allow(ctx, 99); !ok {
			t.Fatal("admin denied by global window")
		}
	}
	if !l.IsAdmin(99) {
		t.Error("IsAdmin(99) = false, want true")
	}
	if l.IsAdmin(1) {
		t.Error("IsAdmin(1) = true, want false")
	}
}

func TestLimiterFailsOpenOnCoordinatorError(t *testing.T) {
	l := NewLimiter(errCoordinator{}, newMemStore(), LimiterConfig{PerUserPerHour: 1}, nil)

	ok, err := l.Allow(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("broken coordinator must admit, not silence the bot")
	}
}

func TestLimiterFeatureQuota(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLimiter(NewMemCoordinator(), store, LimiterConfig{
		FeatureThrottling: true,
		Features:          map[string]FeatureQuota{FeatureWebSearch: {PerHour: 2, PerDay: 10}},
	}, nil)
	l.now = func() time.Time { return midHour }

	for i := 0; i < 2; i++ {
		ok, err := l.AllowFeature(ctx, 42, FeatureWebSearch)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d denied, want admitted", i+1)
		}
		l.RecordUsage(ctx, 42, FeatureWebSearch, false)
	}
	if ok, _ := l.AllowFeature(ctx, 42, FeatureWebSearch); ok {
		t.Error("request over hourly quota admitted, want denied")
	}
	// Unknown features fail open.
	if ok, _ := l.AllowFeature(ctx, 42, "time_travel"); !ok {
		t.Error("unknown feature denied, want admitted")
	}
}

func TestLimiterDailyQuota(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLimiter(NewMemCoordinator(), store, LimiterConfig{
		FeatureThrottling: true,
		Features:          map[string]FeatureQuota{FeatureImageGen: {PerHour: 0, PerDay: 2}},
	}, nil)
	l.now = func() time.Time { return midHour }

	l.RecordUsage(ctx, 42, FeatureImageGen, false)
	l.RecordUsage(ctx, 42, FeatureImageGen, false)
	if ok, _ := l.AllowFeature(ctx, 42, FeatureImageGen); ok {
		t.Error("request over daily quota admitted, want denied")
	}
}

func TestLimiterAdaptiveReputation(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLimiter(NewMemCoordinator(), store, LimiterConfig{
		FeatureThrottling:  true,
		AdaptiveThrottling: true,
		Features:           map[string]FeatureQuota{FeatureWeather: {PerHour: 2}},
	}, nil)
	l.now = func() time.Time { return midHour }

	// Reputation 2.0 doubles the quota.
	if err := l.SetReputation(ctx, 42, 2.0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 4; i++ {
		ok, _ := l.AllowFeature(ctx, 42, FeatureWeather)
		if !ok {
			t.Fatalf("request %d denied with doubled quota", i+1)
		}
		l.RecordUsage(ctx, 42, FeatureWeather, false)
	}
	if ok, _ := l.AllowFeature(ctx, 42, FeatureWeather); ok {
		t.Error("request 5 admitted, want denied at doubled quota")
	}

	// Reputation 0.5 halves it.
	if err := l.SetReputation(ctx, 77, 0.5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.RecordUsage(ctx, 77, FeatureWeather, false)
	if ok, _ := l.AllowFeature(ctx, 77, FeatureWeather); ok {
		t.Error("request over halved quota admitted, want denied")
	}
}

func TestLimiterReputationClamped(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLimiter(NewMemCoordinator(), store, LimiterConfig{}, nil)

	if err := l.SetReputation(ctx, 1, 9.0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := store.Reputation(ctx, 1); got != 2.0 {
		t.Errorf("reputation = %v, want clamped 2.0", got)
	}
	if err := l.SetReputation(ctx, 1, 0.01); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := store.Reputation(ctx, 1); got != 0.5 {
		t.Errorf("reputation = %v, want clamped 0.5", got)
	}
}

func TestLimiterUsageStats(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	l := NewLimiter(NewMemCoordinator(), store, LimiterConfig{}, nil)
	l.now = func() time.Time { return midHour }

	l.RecordUsage(ctx, 42, FeatureChat, false)
	l.RecordUsage(ctx, 42, FeatureChat, false)
	l.RecordUsage(ctx, 42, FeatureChat, true)

	stats, err := l.UsageStats(ctx, 42, FeatureChat)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.UsedThisHour != 2 {
		t.Errorf("UsedThisHour = %d, want 2", stats.UsedThisHour)
	}
	if stats.UsedToday != 2 {
		t.Errorf("UsedToday = %d, want 2", stats.UsedToday)
	}
	if stats.ThrottledThisHour != 1 {
		t.Errorf("ThrottledThisHour = %d, want 1", stats.ThrottledThisHour)
	}
}
