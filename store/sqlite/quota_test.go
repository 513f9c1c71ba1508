package sqlite

import (
	"context"
	"testing"
	"time"

	gryag "github.com/ThatHunky/gryag-sub007"
)

func TestQuotaCounting(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().Unix()
	records := []gryag.QuotaRequest{
		{UserID: 1, Feature: "weather", RequestedAt: now - 100},
		{UserID: 1, Feature: "weather", RequestedAt: now - 50},
		{UserID: 1, Feature: "weather", RequestedAt: now - 5000},
		{UserID: 1, Feature: "currency", RequestedAt: now - 10},
		{UserID: 1, Feature: "weather", RequestedAt: now - 20, Throttled: true},
		{UserID: 2, Feature: "weather", RequestedAt: now - 30},
	}
	for _, r := range records {
		if err := s.RecordRequest(ctx, r); err != nil {
			t.Fatalf("RecordRequest: %v", err)
		}
	}

	n, err := s.CountRequests(ctx, 1, "weather", now-200)
	if err != nil {
		t.Fatalf("CountRequests: %v", err)
	}
	if n != 2 {
		t.Errorf("weather since -200: want 2, got %d", n)
	}

	// Empty feature counts across features.
	n, err = s.CountRequests(ctx, 1, "", now-200)
	if err != nil {
		t.Fatalf("CountRequests all: %v", err)
	}
	if n != 3 {
		t.Errorf("all features: want 3, got %d", n)
	}

	n, err = s.CountThrottled(ctx, 1, "weather", now-200)
	if err != nil {
		t.Fatalf("CountThrottled: %v", err)
	}
	if n != 1 {
		t.Errorf("throttled: want 1, got %d", n)
	}
}

func TestPruneRequestsBefore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, at := range []int64{100, 200, 300} {
		if err := s.RecordRequest(ctx, gryag.QuotaRequest{UserID: 3, Feature: "chat", RequestedAt: at}); err != nil {
			t.Fatalf("RecordRequest: %v", err)
		}
	}
	n, err := s.PruneRequestsBefore(ctx, 250)
	if err != nil {
		t.Fatalf("PruneRequestsBefore: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned, got %d", n)
	}
	left, _ := s.CountRequests(ctx, 3, "chat", 0)
	if left != 1 {
		t.Errorf("expected 1 left, got %d", left)
	}
}

func TestReputationDefaultsAndClamps(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mult, err := s.Reputation(ctx, 42)
	if err != nil {
		t.Fatalf("Reputation: %v", err)
	}
	if mult != 1.0 {
		t.Errorf("default multiplier: want 1.0, got %f", mult)
	}

	cases := []struct{ in, want float64 }{
		{1.5, 1.5},
		{0.1, 0.5},
		{9.0, 2.0},
	}
	for _, tc := range cases {
		if err := s.SetReputation(ctx, 42, tc.in); err != nil {
			t.Fatalf("SetReputation(%f): %v", tc.in, err)
		}
		got, _ := s.Reputation(ctx, 42)
		if got != tc.want {
			t.Errorf("SetReputation(%f): want %f, got %f", tc.in, tc.want, got)
		}
	}
}

func TestBanLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	banned, err := s.IsBanned(ctx, 10, 20)
	if err != nil || banned {
		t.Fatalf("fresh user banned: %v, %v", banned, err)
	}

	if err := s.Ban(ctx, 10, 20); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	banned, _ = s.IsBanned(ctx, 10, 20)
	if !banned {
		t.Fatal("expected banned")
	}
	// Scoped to the chat.
	banned, _ = s.IsBanned(ctx, 11, 20)
	if banned {
		t.Fatal("ban leaked to another chat")
	}

	if err := s.Unban(ctx, 10, 20); err != nil {
		t.Fatalf("Unban: %v", err)
	}
	banned, _ = s.IsBanned(ctx, 10, 20)
	if banned {
		t.Fatal("expected unbanned")
	}
}

func TestBanNoticeDue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Not banned: never due.
	due, err := s.BanNoticeDue(ctx, 30, 40, time.Hour)
	if err != nil || due {
		t.Fatalf("unbanned notice: %v, %v", due, err)
	}

	if err := s.Ban(ctx, 30, 40); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	due, err = s.BanNoticeDue(ctx, 30, 40, time.Hour)
	if err != nil {
		t.Fatalf("BanNoticeDue: %v", err)
	}
	if !due {
		t.Fatal("first notice must be due")
	}

	// Inside the cooldown the notice is suppressed.
	due, err = s.BanNoticeDue(ctx, 30, 40, time.Hour)
	if err != nil {
		t.Fatalf("BanNoticeDue: %v", err)
	}
	if due {
		t.Fatal("second notice inside cooldown must not be due")
	}

	// Zero cooldown makes it due again immediately.
	due, err = s.BanNoticeDue(ctx, 30, 40, 0)
	if err != nil || !due {
		t.Fatalf("zero cooldown: %v, %v", due, err)
	}
}
