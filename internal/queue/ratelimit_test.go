package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRateLimiterAllow(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewRateLimiter(rdb, 2)
	now := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)

	allowed, used, _, err := rl.Allow(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("allow#1: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected first call allowed with used=1, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("allow#2: %v", err)
	}
	if !allowed || used != 2 {
		t.Fatalf("expected second call allowed with used=2, got allowed=%v used=%d", allowed, used)
	}

	allowed, used, _, err = rl.Allow(context.Background(), 10, now)
	if err != nil {
		t.Fatalf("allow#3: %v", err)
	}
	if allowed || used != 3 {
		t.Fatalf("expected third call denied with used=3, got allowed=%v used=%d", allowed, used)
	}
}

func TestRateLimiterIsolatesUsers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	rl := NewRateLimiter(rdb, 1)
	now := time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC)

	if _, _, _, err := rl.Allow(context.Background(), 10, now); err != nil {
		t.Fatalf("allow user 10: %v", err)
	}
	allowed, used, _, err := rl.Allow(context.Background(), 11, now)
	if err != nil {
		t.Fatalf("allow user 11: %v", err)
	}
	if !allowed || used != 1 {
		t.Fatalf("expected separate window per user, got allowed=%v used=%d", allowed, used)
	}
}

func TestDeduplicatorMarkFirst(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	d := NewDeduplicator(rdb, time.Minute)
	first, err := d.MarkFirst(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("mark first: %v", err)
	}
	if !first {
		t.Fatal("expected first mark to win")
	}
	second, err := d.MarkFirst(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("mark second: %v", err)
	}
	if second {
		t.Fatal("expected duplicate mark to lose")
	}
}
