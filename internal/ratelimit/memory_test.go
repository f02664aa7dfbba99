package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst, WithClock(clock.Now))
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allowN(t *testing.T, l Limiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := l.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newLimiter(t, 0.1, 3)
	assert.Equal(t, 3, allowN(t, m, "backfill:a", 5))
	// Other keys have their own bucket.
	assert.Equal(t, 3, allowN(t, m, "backfill:b", 3))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newLimiter(t, 0.1, 2) // one token per 10s
	assert.Equal(t, 2, allowN(t, m, "k", 3))

	clock.Advance(9 * time.Second)
	assert.Zero(t, allowN(t, m, "k", 1))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, allowN(t, m, "k", 2))

	// Long idle periods never refill beyond burst.
	clock.Advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "k", 4))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newLimiter(t, 0.01, 50)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := allowN(t, m, "shared", 10)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, total)
}

func TestMemoryLimiterEvictsIdleKeys(t *testing.T) {
	m, clock := newLimiter(t, 1, 5)
	allowN(t, m, "stale", 1)
	clock.Advance(11 * time.Minute)
	allowN(t, m, "recent", 1)

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestPerMinute(t *testing.T) {
	_, ok := PerMinute(0).(NoopLimiter)
	assert.True(t, ok)
	assert.Equal(t, 1000, allowN(t, NoopLimiter{}, "any", 1000))

	l := PerMinute(6)
	t.Cleanup(func() { _ = l.Close() })
	assert.Equal(t, 6, allowN(t, l, "backfill:t", 10))
}

type erroringLimiter struct{ NoopLimiter }

func (erroringLimiter) Allow(context.Context, string) (bool, error) {
	return false, assert.AnError
}

func TestMiddleware(t *testing.T) {
	m, _ := newLimiter(t, 0.01, 1)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusAccepted) })
	key := func(r *http.Request) string { return r.Header.Get("X-Key") }
	h := Middleware(m, key, func(*http.Request) string { return "req-1" }, nil)(next)

	do := func(k string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/tenants/x/backfill", nil)
		req.Header.Set("X-Key", k)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, do("a").Code)
	denied := do("a")
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.NotEmpty(t, denied.Header().Get("Retry-After"))
	assert.Contains(t, denied.Body.String(), "RATE_LIMITED")
	assert.Contains(t, denied.Body.String(), "req-1")

	// Empty key skips limiting.
	assert.Equal(t, http.StatusAccepted, do("").Code)
	assert.Equal(t, http.StatusAccepted, do("").Code)

	// Limiter failures fail open.
	h = Middleware(erroringLimiter{}, key, nil, nil)(next)
	assert.Equal(t, http.StatusAccepted, do("a").Code)
}
