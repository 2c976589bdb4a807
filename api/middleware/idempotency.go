package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/esimhub-backend/api/responses"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/esimhub-backend/pkg/redis"
)

const (
	idempotencyHeader     = "Idempotency-Key"
	criticalTTLMultiplier = 7
)

// idempotencyRule marks a money-moving route. Routes already keyed by a
// body reference accept requests without the header.
type idempotencyRule struct {
	method   string
	match    func(pattern string) bool
	critical bool
	required bool
}

var idempotencyRules = []idempotencyRule{
	{method: http.MethodPost, match: exactly("/api/v1/orders"), required: true},
	{method: http.MethodPost, match: exactly("/api/v1/topups"), required: true},
	{method: http.MethodPost, match: exactly("/api/v1/wallet/checkout"), critical: true},
	{method: http.MethodPost, match: between("/api/v1/wallet/topups/", "/confirm")},
}

// storedResponse is what a replay writes back. Body is base64 on the wire
// through encoding/json.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
	RequestHash string `json:"request_hash"`
}

type replayer struct {
	store pkgredis.IdempotencyStore
	ttl   time.Duration
	logg  *logger.Logger
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// money-moving routes. Checkout keeps records seven times longer than ttl.
// Server errors are not stored so the client may retry.
func Idempotency(store pkgredis.IdempotencyStore, ttl time.Duration, logg *logger.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	rp := &replayer{store: store, ttl: ttl, logg: logg}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, ok := matchRule(r.Method, pendingRoute(r))
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			rp.serve(rule, next, w, r)
		})
	}
}

func (rp *replayer) serve(rule idempotencyRule, next http.Handler, w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if clientKey == "" {
		if rule.required {
			responses.WriteError(ctx, rp.logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
			return
		}
		next.ServeHTTP(w, r)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		responses.WriteError(ctx, rp.logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	agentID, _ := AgentIDFromContext(ctx)
	key := rp.store.IdempotencyKey(strings.Join([]string{agentID.String(), r.Method, r.URL.Path}, "|"), clientKey)

	prior, err := rp.lookup(r, key)
	if err != nil {
		responses.WriteError(ctx, rp.logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return
	}
	if prior != nil {
		if prior.RequestHash != hash {
			responses.WriteError(ctx, rp.logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
			return
		}
		if prior.ContentType != "" {
			w.Header().Set("Content-Type", prior.ContentType)
		}
		w.WriteHeader(prior.Status)
		_, _ = w.Write(prior.Body)
		return
	}

	var captured bytes.Buffer
	ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
	ww.Tee(&captured)
	next.ServeHTTP(ww, r)

	status := ww.Status()
	if status == 0 {
		status = http.StatusOK
	}
	if status >= http.StatusInternalServerError {
		return
	}
	payload, err := json.Marshal(storedResponse{
		Status:      status,
		ContentType: ww.Header().Get("Content-Type"),
		Body:        captured.Bytes(),
		RequestHash: hash,
	})
	if err != nil {
		rp.logError(r, "marshal idempotency record", err)
		return
	}
	ttl := rp.ttl
	if rule.critical {
		ttl *= criticalTTLMultiplier
	}
	if _, err := rp.store.SetNX(ctx, key, string(payload), ttl); err != nil {
		rp.logError(r, "persist idempotency record", err)
	}
}

// lookup returns nil, nil when nothing is stored under key.
func (rp *replayer) lookup(r *http.Request, key string) (*storedResponse, error) {
	raw, err := rp.store.Get(r.Context(), key)
	if errors.Is(err, redis.Nil) || (err == nil && raw == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var prior storedResponse
	if err := json.Unmarshal([]byte(raw), &prior); err != nil {
		return nil, err
	}
	return &prior, nil
}

func (rp *replayer) logError(r *http.Request, msg string, err error) {
	if rp.logg != nil {
		rp.logg.Error(r.Context(), msg, err)
	}
}

// pendingRoute is the route pattern as seen before the final router
// matches. Inside a mounted sub-router chi still reports "/api/v1/*", so the
// trimmed path stands in.
func pendingRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "/*") {
			return pattern
		}
	}
	return strings.TrimSuffix(r.URL.Path, "/")
}

func matchRule(method, pattern string) (idempotencyRule, bool) {
	if pattern == "" {
		return idempotencyRule{}, false
	}
	for _, rule := range idempotencyRules {
		if rule.method == method && rule.match(pattern) {
			return rule, true
		}
	}
	return idempotencyRule{}, false
}

func exactly(path string) func(string) bool {
	return func(pattern string) bool { return pattern == path }
}

func between(prefix, suffix string) func(string) bool {
	return func(pattern string) bool {
		return strings.HasPrefix(pattern, prefix) && strings.HasSuffix(pattern, suffix)
	}
}
