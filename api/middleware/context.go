package middleware

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	ctxAgentID contextKey = "agent_id"
	ctxTokenID contextKey = "token_id"
)

// AgentIDFromContext returns the authenticated agent, if any.
func AgentIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	if ctx == nil {
		return uuid.Nil, false
	}
	id, ok := ctx.Value(ctxAgentID).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

func TokenIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxTokenID).(string); ok {
		return v
	}
	return ""
}

// WithAgentID seeds the context with an authenticated agent.
func WithAgentID(ctx context.Context, agentID uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxAgentID, agentID)
}
