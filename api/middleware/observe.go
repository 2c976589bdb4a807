package middleware

import (
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/angelmondragon/esimhub-backend/api/responses"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

const requestIDHeader = "X-Request-Id"

// Inbound ids are echoed back and logged, so only short opaque tokens are kept.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

// Observe tags the request with an id, turns panics into a 500 envelope and
// writes one access log line per request. Error details are logged by
// responses.WriteError; the access line only carries the outcome.
func Observe(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(requestIDHeader)
			if !requestIDPattern.MatchString(reqID) {
				reqID = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, reqID)

			ctx := r.Context()
			if logg != nil {
				ctx = logg.WithRequestID(ctx, reqID)
			}
			r = r.WithContext(ctx)

			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					err := pkgerrors.Wrap(pkgerrors.CodeInternal, fmt.Errorf("panic: %v", rec), "internal error")
					if logg != nil {
						logg.Error(logg.WithField(ctx, "panic", fmt.Sprint(rec)), "handler panicked", err)
					}
					responses.WriteError(ctx, nil, ww, err)
				}
				if logg == nil {
					return
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				lineCtx := logg.WithFields(ctx, map[string]any{
					"method":      r.Method,
					"route":       routePattern(r),
					"status":      status,
					"bytes":       ww.BytesWritten(),
					"duration_ms": time.Since(start).Milliseconds(),
				})
				if status >= http.StatusBadRequest {
					logg.Warn(lineCtx, "request served")
					return
				}
				logg.Info(lineCtx, "request served")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// routePattern prefers the chi pattern ("/v1/orders/{id}") over the raw path
// so ids do not leak into log cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
