package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

type counterStore struct {
	mu     sync.Mutex
	counts map[string]int64
	err    error
}

func newCounterStore() *counterStore {
	return &counterStore{counts: map[string]int64{}}
}

func (c *counterStore) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.counts[key]++
	return c.counts[key], nil
}

func limited(policy RateLimitPolicy, store rateLimiterStore) http.Handler {
	return RateLimit(policy, store, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, prepare func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	if prepare != nil {
		prepare(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitCountsPerIP(t *testing.T) {
	store := newCounterStore()
	h := limited(NewRateLimitPolicy(" Webhooks ", time.Minute, 2, 0), store)

	assert.Equal(t, http.StatusOK, hit(h, nil).Code)
	assert.Equal(t, int64(1), store.counts["rl:ip:webhooks:1.2.3.4"])
}

func TestRateLimitBlocksForwardedClient(t *testing.T) {
	h := limited(NewRateLimitPolicy("webhooks", 90*time.Second, 1, 0), newCounterStore())
	forwarded := func(r *http.Request) { r.Header.Set("X-Forwarded-For", "5.6.7.8, 10.0.0.1") }

	require.Equal(t, http.StatusOK, hit(h, forwarded).Code)
	blocked := hit(h, forwarded)

	require.Equal(t, http.StatusTooManyRequests, blocked.Code)
	assert.Equal(t, "90", blocked.Header().Get("Retry-After"))
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(blocked.Body.Bytes(), &body))
	assert.Equal(t, string(pkgerrors.CodeRateLimit), body.Error.Code)

	// a different client is counted separately
	assert.Equal(t, http.StatusOK, hit(h, nil).Code)
}

func TestRateLimitPerAgent(t *testing.T) {
	h := limited(NewRateLimitPolicy("money", time.Minute, 0, 2), newCounterStore())
	agentID := uuid.New()
	asAgent := func(r *http.Request) { *r = *r.WithContext(WithAgentID(r.Context(), agentID)) }

	var codes []int
	for i := 0; i < 3; i++ {
		codes = append(codes, hit(h, asAgent).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
	// anonymous requests are not agent-limited
	assert.Equal(t, http.StatusOK, hit(h, nil).Code)
}

func TestRateLimitStoreOutage(t *testing.T) {
	store := newCounterStore()
	store.err = errors.New("redis down")

	assert.Equal(t, http.StatusServiceUnavailable, hit(limited(NewRateLimitPolicy("money", time.Minute, 5, 0), store), nil).Code)
}

func TestRateLimitDisabledPolicyPassesThrough(t *testing.T) {
	store := newCounterStore()
	h := limited(NewRateLimitPolicy("off", 0, 1, 1), store)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(h, nil).Code)
	}
	assert.Empty(t, store.counts)
}
