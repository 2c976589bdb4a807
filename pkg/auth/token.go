package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/esimhub-backend/pkg/config"
)

const clockSkew = 30 * time.Second

var (
	ErrNoSecret     = errors.New("jwt secret is required")
	ErrNoAgent      = errors.New("token missing agent_id")
	ErrAgentSubject = errors.New("token subject does not match agent_id")
)

// AgentTokenPayload is what a caller supplies when minting. JTI defaults to
// a random uuid.
type AgentTokenPayload struct {
	AgentID uuid.UUID
	JTI     string
}

// AgentClaims is the JWT presented by reseller agents. Subject carries the
// same id as AgentID.
type AgentClaims struct {
	AgentID uuid.UUID `json:"agent_id"`
	jwt.RegisteredClaims
}

// MintAgentToken issues an HS256 agent JWT valid for ttl. Production tokens
// come from the identity service; this serves tooling and tests.
func MintAgentToken(cfg config.JWTConfig, now time.Time, ttl time.Duration, payload AgentTokenPayload) (string, error) {
	switch {
	case cfg.Secret == "":
		return "", ErrNoSecret
	case cfg.Issuer == "":
		return "", errors.New("jwt issuer is required")
	case ttl <= 0:
		return "", errors.New("token ttl must be positive")
	case payload.AgentID == uuid.Nil:
		return "", ErrNoAgent
	}

	jti := strings.TrimSpace(payload.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AgentClaims{
		AgentID: payload.AgentID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    cfg.Issuer,
			Subject:   payload.AgentID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign agent token: %w", err)
	}
	return signed, nil
}

// ParseAgentToken verifies signature, issuer and expiry, then checks the
// agent id is present and agrees with the subject when one is set.
func ParseAgentToken(cfg config.JWTConfig, raw string) (*AgentClaims, error) {
	if cfg.Secret == "" {
		return nil, ErrNoSecret
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	claims := &AgentClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}); err != nil {
		return nil, err
	}
	if claims.AgentID == uuid.Nil {
		return nil, ErrNoAgent
	}
	if claims.Subject != "" && claims.Subject != claims.AgentID.String() {
		return nil, ErrAgentSubject
	}
	return claims, nil
}
