package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/angelmondragon/esimhub-backend/api/responses"
	pkgAuth "github.com/angelmondragon/esimhub-backend/pkg/auth"
	"github.com/angelmondragon/esimhub-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/esimhub-backend/pkg/errors"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
)

const internalTokenHeader = "X-Internal-Token"

// Auth validates an agent bearer token and seeds the request context with the agent id.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAgentToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithAgentID(r.Context(), claims.AgentID)
			ctx = context.WithValue(ctx, ctxTokenID, claims.ID)
			if logg != nil {
				ctx = logg.WithAgentID(ctx, claims.AgentID.String())
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// InternalToken guards service-to-service routes with a shared secret.
func InternalToken(expected string, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			provided := strings.TrimSpace(r.Header.Get(internalTokenHeader))
			if expected == "" || provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid internal token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
