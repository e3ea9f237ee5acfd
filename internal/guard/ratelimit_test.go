package guard

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestFixedWindowBoundary(t *testing.T) {
	ctx := context.Background()
	limiter := NewFixedWindow(newTestClient(t), 3, time.Hour)
	base := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	limiter.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "send_email")
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if want := 3 - i - 1; d.Remaining != want {
			t.Fatalf("call %d remaining = %d, want %d", i+1, d.Remaining, want)
		}
	}

	d, err := limiter.Allow(ctx, "send_email")
	if err != nil {
		t.Fatalf("allow over limit: %v", err)
	}
	if d.Allowed {
		t.Fatal("4th call in the window should be rejected")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Hour {
		t.Fatalf("retry-after out of range: %s", d.RetryAfter)
	}

	// Other action types have their own budget.
	if d, _ := limiter.Allow(ctx, "create_crm_task"); !d.Allowed {
		t.Fatal("different action type should not share the window")
	}

	// Window rollover restores the budget.
	limiter.now = func() time.Time { return base.Add(time.Hour) }
	d, err = limiter.Allow(ctx, "send_email")
	if err != nil {
		t.Fatalf("allow after rollover: %v", err)
	}
	if !d.Allowed {
		t.Fatal("first call of the next window should be allowed")
	}
}

func TestFixedWindowPermissiveOnRedisFailure(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	limiter := NewFixedWindow(client, 1, time.Hour)

	d, err := limiter.Allow(context.Background(), "send_email")
	if err != nil {
		t.Fatalf("degraded allow: %v", err)
	}
	if !d.Allowed {
		t.Fatal("limiter must be permissive when the counter store is down")
	}
}
