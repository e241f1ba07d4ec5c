package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	conduit "github.com/conduitproxy/conduit/internal"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

func TestCheck_AllowsUnderLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := New(rdb, "", nil)
	ctx := context.Background()

	const limit = 10
	for i := 0; i < limit; i++ {
		res := l.Check(ctx, RPMIdentifier("key-1"), limit, Window, 1)
		if !res.Allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
		if want := int64(limit - i - 1); res.Remaining != want {
			t.Errorf("iteration %d: remaining = %d, want %d", i, res.Remaining, want)
		}
	}
}

func TestCheck_BlocksOverLimit(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := New(rdb, "", nil)
	ctx := context.Background()

	const limit = 3
	for i := 0; i < limit; i++ {
		if res := l.Check(ctx, RPMIdentifier("key-1"), limit, Window, 1); !res.Allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	res := l.Check(ctx, RPMIdentifier("key-1"), limit, Window, 1)
	if res.Allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
	if res.ResetSeconds <= 0 {
		t.Errorf("reset = %v, want > 0", res.ResetSeconds)
	}
}

func TestCheck_BucketsAreIndependent(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := New(rdb, "", nil)
	ctx := context.Background()

	if res := l.Check(ctx, RPMIdentifier("key-1"), 1, Window, 1); !res.Allowed {
		t.Fatal("first key should be allowed")
	}
	if res := l.Check(ctx, RPMIdentifier("key-1"), 1, Window, 1); res.Allowed {
		t.Error("first key should be exhausted")
	}
	// Distinct principal and distinct scope are separate buckets.
	if res := l.Check(ctx, RPMIdentifier("key-2"), 1, Window, 1); !res.Allowed {
		t.Error("second key should have its own bucket")
	}
	if res := l.Check(ctx, TPMIdentifier("key-1"), 10, Window, 5); !res.Allowed {
		t.Error("tpm bucket should be independent of rpm")
	}
}

func TestCheck_TPMIncrementConsumesMultiple(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := New(rdb, "", nil)
	ctx := context.Background()

	id := TPMIdentifier("key-1")
	res := l.Check(ctx, id, 100, Window, 60)
	if !res.Allowed || res.Remaining != 40 {
		t.Fatalf("first check = %+v", res)
	}
	// 60 used; another 60 would exceed 100.
	res = l.Check(ctx, id, 100, Window, 60)
	if res.Allowed {
		t.Error("expected tokens exhausted")
	}
	if res.Remaining != 40 {
		t.Errorf("remaining = %d, want 40 (current count unchanged on reject)", res.Remaining)
	}
}

func TestCheckOrReject(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := New(rdb, "", nil)
	ctx := context.Background()

	if _, err := l.CheckOrReject(ctx, RPMIdentifier("key-1"), 1, Window, 1); err != nil {
		t.Fatalf("first request: %v", err)
	}
	_, err := l.CheckOrReject(ctx, RPMIdentifier("key-1"), 1, Window, 1)
	if !errors.Is(err, conduit.ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	details := conduit.ErrorDetails(err)
	if details == nil {
		t.Fatal("expected retry details")
	}
	if _, ok := details["retry_after"]; !ok {
		t.Error("missing retry_after detail")
	}
}

func TestRecordUsage_NeverRejectsButCounts(t *testing.T) {
	rdb, _ := newTestRedis(t)
	l := New(rdb, "", nil)
	ctx := context.Background()

	id := TPMIdentifier("key-1")
	// First record fits, second overflows; both are fire-and-forget by contract.
	l.RecordUsage(ctx, id, 60, 100)
	l.RecordUsage(ctx, id, 40, 100)

	// Next pre-request check sees the consumed bucket.
	res := l.Check(ctx, id, 100, Window, 1)
	if res.Allowed {
		t.Error("bucket should be exhausted after recorded usage")
	}
}

func TestCheck_WindowSlides(t *testing.T) {
	rdb, mr := newTestRedis(t)
	l := New(rdb, "", nil)
	ctx := context.Background()

	const limit = 2
	for i := 0; i < limit; i++ {
		if res := l.Check(ctx, RPMIdentifier("key-1"), limit, Window, 1); !res.Allowed {
			t.Fatalf("expected allowed at iteration %d", i)
		}
	}
	if res := l.Check(ctx, RPMIdentifier("key-1"), limit, Window, 1); res.Allowed {
		t.Fatal("expected blocked at limit")
	}

	// Scores come from the gateway clock, not Redis TIME, so simulate the
	// window elapsing by expiring the bucket key.
	mr.FastForward(Window + 2*time.Second)

	if res := l.Check(ctx, RPMIdentifier("key-1"), limit, Window, 1); !res.Allowed {
		t.Error("expected allowed after window elapsed")
	}
}

func TestCheck_FailOpenWhenRedisDown(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close() // Redis down before any call

	l := New(rdb, "", nil)
	res := l.Check(context.Background(), RPMIdentifier("key-1"), 5, Window, 1)
	if !res.Allowed {
		t.Error("expected allowed=true when Redis is unavailable (fail-open)")
	}
	if res.Remaining != 5 {
		t.Errorf("fail-open remaining = %d, want full limit", res.Remaining)
	}
}

func TestResult_ApplyHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	res := &Result{Allowed: true, Limit: 60, Remaining: -2, ResetSeconds: 12.34}
	res.ApplyHeaders(h, "requests")

	if got := h.Get("x-ratelimit-limit-requests"); got != "60" {
		t.Errorf("limit header = %q", got)
	}
	// Remaining is clamped at zero.
	if got := h.Get("x-ratelimit-remaining-requests"); got != "0" {
		t.Errorf("remaining header = %q, want 0", got)
	}
	if got := h.Get("x-ratelimit-reset-requests"); got != "12.3" {
		t.Errorf("reset header = %q", got)
	}
}

func TestKeyIdentifiers(t *testing.T) {
	t.Parallel()
	if got := RPMIdentifier("abc"); got != "rpm:key:abc" {
		t.Errorf("rpm id = %q", got)
	}
	if got := TPMIdentifier("abc"); got != "tpm:key:abc" {
		t.Errorf("tpm id = %q", got)
	}
}
