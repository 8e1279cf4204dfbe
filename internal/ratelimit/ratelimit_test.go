package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slotmarket/slot-engine/internal/metrics"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestRedisLimiterAllows(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLimiter(db, Config{Burst: 5, Refill: 12 * time.Second})
	l.now = func() time.Time { return testNow }

	mock.ExpectEvalSha(tokenBucket.Hash(), []string{"slots:checkout:cus_1"},
		testNow.UnixMilli(), 5, int64(12000), int64(120),
	).SetVal([]interface{}{int64(1), int64(4), int64(0)})

	d, err := l.Allow(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Limit)
	assert.Equal(t, 4, d.Remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLimiterDenies(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLimiter(db, Config{Burst: 5, Refill: 12 * time.Second, Prefix: "test"})
	l.now = func() time.Time { return testNow }

	mock.ExpectEvalSha(tokenBucket.Hash(), []string{"test:cus_1"},
		testNow.UnixMilli(), 5, int64(12000), int64(120),
	).SetVal([]interface{}{int64(0), int64(0), int64(7500)})

	d, err := l.Allow(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 7500*time.Millisecond, d.RetryAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisLimiterError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	l := NewRedisLimiter(db, Config{Burst: 5, Refill: 12 * time.Second})
	l.now = func() time.Time { return testNow }

	mock.ExpectEvalSha(tokenBucket.Hash(), []string{"slots:checkout:cus_1"},
		testNow.UnixMilli(), 5, int64(12000), int64(120),
	).SetErr(errors.New("connection refused"))

	_, err := l.Allow(context.Background(), "cus_1")
	assert.Error(t, err)
}

func TestMemoryLimiterRefills(t *testing.T) {
	now := testNow
	l := NewMemoryLimiter(Config{Burst: 2, Refill: 10 * time.Second})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	d, err := l.Allow(ctx, "cus_1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)

	d, _ = l.Allow(ctx, "cus_1")
	assert.True(t, d.Allowed)

	d, _ = l.Allow(ctx, "cus_1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 10*time.Second, d.RetryAfter)

	d, _ = l.Allow(ctx, "cus_2")
	assert.True(t, d.Allowed, "buckets are per key")

	now = now.Add(10 * time.Second)
	d, _ = l.Allow(ctx, "cus_1")
	assert.True(t, d.Allowed)
}

func TestMemoryLimiterCleanup(t *testing.T) {
	now := testNow
	l := NewMemoryLimiter(Config{})
	l.now = func() time.Time { return now }

	_, _ = l.Allow(context.Background(), "cus_1")
	now = now.Add(16 * time.Minute)
	_, _ = l.Allow(context.Background(), "cus_2")
	l.Cleanup()

	assert.Len(t, l.entries, 1)
	assert.Contains(t, l.entries, "cus_2")
}

type stubLimiter struct {
	d   Decision
	err error
}

func (s stubLimiter) Allow(context.Context, string) (Decision, error) { return s.d, s.err }

func serve(l Limiter, key string) *httptest.ResponseRecorder {
	h := Middleware(l, func(*http.Request) string { return key })(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/checkout/video", nil))
	return rr
}

func TestMiddlewareRejectsWithRetryAfter(t *testing.T) {
	metrics.ResetDefaultForTest()
	rr := serve(stubLimiter{d: Decision{Limit: 5, RetryAfter: 1500 * time.Millisecond}}, "cus_1")

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, rr.Body.String(), `"code":"rate_limited"`)
	assert.Contains(t, metrics.Default().Render(), "slots_checkout_rate_limited_total 1")
}

func TestMiddlewarePassesThrough(t *testing.T) {
	rr := serve(stubLimiter{d: Decision{Allowed: true, Limit: 5, Remaining: 3}}, "cus_1")
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "3", rr.Header().Get("X-RateLimit-Remaining"))

	rr = serve(stubLimiter{err: errors.New("redis down")}, "cus_1")
	assert.Equal(t, http.StatusCreated, rr.Code, "limiter errors fail open")

	rr = serve(stubLimiter{}, "")
	assert.Equal(t, http.StatusCreated, rr.Code, "requests without a key are not limited")
}
