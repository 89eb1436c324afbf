package store

import (
	"context"
	"testing"
	"time"
)

// testStoreContract exercises the behavior every driver must share.
// Only long TTLs are used so it can run against real servers.
func testStoreContract(t *testing.T, s Store) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	t.Run("missing values", func(t *testing.T) {
		if _, ok, err := s.HandshakeToken(ctx, "ghost"); err != nil || ok {
			t.Fatalf("HandshakeToken(ghost)=%v,%v", ok, err)
		}
		if _, ok, err := s.LastActivity(ctx, "ghost"); err != nil || ok {
			t.Fatalf("LastActivity(ghost)=%v,%v", ok, err)
		}
		if _, ok, err := s.Status(ctx, "ghost"); err != nil || ok {
			t.Fatalf("Status(ghost)=%v,%v", ok, err)
		}
	})

	t.Run("token replace and clear", func(t *testing.T) {
		if err := s.SaveHandshakeToken(ctx, "alice", "tok1", time.Minute); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.SaveHandshakeToken(ctx, "alice", "tok2", time.Minute); err != nil {
			t.Fatalf("save: %v", err)
		}
		tok, ok, err := s.HandshakeToken(ctx, "alice")
		if err != nil || !ok || tok != "tok2" {
			t.Fatalf("HandshakeToken=%q,%v,%v", tok, ok, err)
		}
		if err := s.ClearQR(ctx, "alice"); err != nil {
			t.Fatalf("ClearQR: %v", err)
		}
		if _, ok, _ := s.HandshakeToken(ctx, "alice"); ok {
			t.Fatalf("token still present after ClearQR")
		}
	})

	t.Run("activity keeps the max", func(t *testing.T) {
		t2 := time.UnixMilli(1_700_000_200_000).UTC()
		t1 := time.UnixMilli(1_700_000_100_000).UTC()

		if err := s.SaveLastActivity(ctx, "bob", t2, time.Hour); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := s.SaveLastActivity(ctx, "bob", t1, time.Hour); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, ok, err := s.LastActivity(ctx, "bob")
		if err != nil || !ok || !got.Equal(t2) {
			t.Fatalf("LastActivity=%v,%v,%v want %v", got, ok, err, t2)
		}

		t3 := t2.Add(time.Second)
		if err := s.SaveLastActivity(ctx, "bob", t3, time.Hour); err != nil {
			t.Fatalf("save: %v", err)
		}
		if got, _, _ := s.LastActivity(ctx, "bob"); !got.Equal(t3) {
			t.Fatalf("LastActivity=%v want %v", got, t3)
		}
	})

	t.Run("status and clear all", func(t *testing.T) {
		if err := s.SetStatus(ctx, "carol", "ready"); err != nil {
			t.Fatalf("SetStatus: %v", err)
		}
		if err := s.SaveHandshakeToken(ctx, "carol", "tok", time.Minute); err != nil {
			t.Fatalf("save token: %v", err)
		}
		if err := s.SaveLastActivity(ctx, "carol", time.Now(), time.Hour); err != nil {
			t.Fatalf("save activity: %v", err)
		}
		st, ok, err := s.Status(ctx, "carol")
		if err != nil || !ok || st != "ready" {
			t.Fatalf("Status=%q,%v,%v", st, ok, err)
		}

		if err := s.ClearAll(ctx, "carol"); err != nil {
			t.Fatalf("ClearAll: %v", err)
		}
		if _, ok, _ := s.Status(ctx, "carol"); ok {
			t.Fatalf("status survived ClearAll")
		}
		if _, ok, _ := s.HandshakeToken(ctx, "carol"); ok {
			t.Fatalf("token survived ClearAll")
		}
		if _, ok, _ := s.LastActivity(ctx, "carol"); ok {
			t.Fatalf("activity survived ClearAll")
		}
		if err := s.ClearAll(ctx, "carol"); err != nil {
			t.Fatalf("second ClearAll: %v", err)
		}
	})

	t.Run("empty uid rejected", func(t *testing.T) {
		if err := s.SetStatus(ctx, " ", "ready"); err == nil {
			t.Fatalf("expected error for empty uid")
		}
	})
}

// testStoreExpiry checks TTL handling with a controllable clock.
func testStoreExpiry(t *testing.T, s Store, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()

	if err := s.SaveHandshakeToken(ctx, "dave", "tok", 120*time.Second); err != nil {
		t.Fatalf("save token: %v", err)
	}
	if err := s.SaveLastActivity(ctx, "dave", time.UnixMilli(5_000), time.Hour); err != nil {
		t.Fatalf("save activity: %v", err)
	}
	if err := s.SetStatus(ctx, "dave", "qr_pending"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	advance(121 * time.Second)
	if _, ok, _ := s.HandshakeToken(ctx, "dave"); ok {
		t.Fatalf("token should have expired")
	}
	if _, ok, _ := s.LastActivity(ctx, "dave"); !ok {
		t.Fatalf("activity expired too early")
	}

	advance(time.Hour)
	if _, ok, _ := s.LastActivity(ctx, "dave"); ok {
		t.Fatalf("activity should have expired")
	}
	if st, ok, _ := s.Status(ctx, "dave"); !ok || st != "qr_pending" {
		t.Fatalf("status must not expire: %q %v", st, ok)
	}

	// An expired value no longer wins the max comparison.
	if err := s.SaveLastActivity(ctx, "dave", time.UnixMilli(1_000), time.Hour); err != nil {
		t.Fatalf("save activity: %v", err)
	}
	if got, ok, _ := s.LastActivity(ctx, "dave"); !ok || got.UnixMilli() != 1_000 {
		t.Fatalf("LastActivity=%v,%v want 1000ms", got, ok)
	}
}

type testClock struct{ t time.Time }

func (c *testClock) Now() time.Time { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }
