package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
)

type memoryRecords struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newMemoryRecords() *memoryRecords {
	return &memoryRecords{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memoryRecords) Get(_ context.Context, key string) (string, error) {
	if v, ok := m.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (m *memoryRecords) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key], _ = value.(string)
	m.ttls[key] = ttl
	return true, nil
}

func (m *memoryRecords) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryRecords) IdempotencyKey(scope, id string) string {
	return "test:" + scope + ":" + id
}

// post builds a POST already routed to path, as chi would leave it for a
// middleware registered on the matched route.
func post(path, body, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rctx := chi.NewRouteContext()
	rctx.RoutePatterns = []string{path}
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	return req
}

func TestMatchRule(t *testing.T) {
	cases := []struct {
		method, pattern    string
		ok, critical, reqd bool
	}{
		{http.MethodPost, "/api/v1/wallet/checkout", true, true, false},
		{http.MethodPost, "/api/v1/orders", true, false, true},
		{http.MethodPost, "/api/v1/topups", true, false, true},
		{http.MethodPost, "/api/v1/wallet/topups/stripe/confirm", true, false, false},
		{http.MethodGet, "/api/v1/orders", false, false, false},
		{http.MethodPost, "/api/v1/webhooks/stripe", false, false, false},
		{http.MethodPost, "", false, false, false},
	}
	for _, tc := range cases {
		rule, ok := matchRule(tc.method, tc.pattern)
		require.Equal(t, tc.ok, ok, tc.pattern)
		if ok {
			assert.Equal(t, tc.critical, rule.critical, tc.pattern)
			assert.Equal(t, tc.reqd, rule.required, tc.pattern)
		}
	}
}

func TestPurchaseWithoutKeyIsRejected(t *testing.T) {
	called := false
	h := Idempotency(newMemoryRecords(), time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusCreated)
	}))

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, post("/api/v1/orders", `{"plan_id":"x"}`, ""))

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.False(t, called)
}

func TestCheckoutWithoutKeyPassesThrough(t *testing.T) {
	records := newMemoryRecords()
	calls := 0
	h := Idempotency(records, time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), post("/api/v1/wallet/checkout", `{"reference_id":"r1"}`, ""))
	}
	assert.Equal(t, 2, calls)
	assert.Empty(t, records.data)
}

func TestRepeatedKeyReplaysFirstResponse(t *testing.T) {
	records := newMemoryRecords()
	calls := 0
	h := Idempotency(records, time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))

	agentID := uuid.New()
	send := func() *httptest.ResponseRecorder {
		req := post("/api/v1/wallet/checkout", `{"reference_id":"r1"}`, "abc")
		req = req.WithContext(WithAgentID(req.Context(), agentID))
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		return resp
	}

	require.Equal(t, http.StatusCreated, send().Code)
	replay := send()

	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "application/json", replay.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"ok":true}`, replay.Body.String())
	assert.Equal(t, 1, calls)
	require.Len(t, records.ttls, 1)
	for key, ttl := range records.ttls {
		assert.Contains(t, key, agentID.String())
		assert.Equal(t, 7*time.Hour, ttl)
	}
}

func TestServerErrorsAreNotRecorded(t *testing.T) {
	records := newMemoryRecords()
	calls := 0
	h := Idempotency(records, time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), post("/api/v1/topups", `{}`, "retry-me"))
	}
	assert.Equal(t, 2, calls)
	assert.Empty(t, records.data)
}

func TestReusedKeyWithDifferentBodyConflicts(t *testing.T) {
	h := Idempotency(newMemoryRecords(), time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), post("/api/v1/orders", `{"plan_id":"a"}`, "xyz"))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, post("/api/v1/orders", `{"plan_id":"b"}`, "xyz"))

	require.Equal(t, http.StatusConflict, resp.Code)
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, string(pkgerrors.CodeIdempotency), body.Error.Code)
}
