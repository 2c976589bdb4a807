package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/esimhub-backend/pkg/config"
)

var testJWT = config.JWTConfig{Secret: "secret", Issuer: "esimhub-identity"}

func signRaw(t *testing.T, secret string, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAgentTokenRoundTrip(t *testing.T) {
	agentID := uuid.New()
	token, err := MintAgentToken(testJWT, time.Now().UTC(), 30*time.Minute, AgentTokenPayload{AgentID: agentID, JTI: "jti-1"})
	require.NoError(t, err)

	claims, err := ParseAgentToken(testJWT, token)
	require.NoError(t, err)
	assert.Equal(t, agentID, claims.AgentID)
	assert.Equal(t, agentID.String(), claims.Subject)
	assert.Equal(t, testJWT.Issuer, claims.Issuer)
	assert.Equal(t, "jti-1", claims.ID)
}

func TestMintRejectsIncompleteInput(t *testing.T) {
	agent := AgentTokenPayload{AgentID: uuid.New()}
	_, err := MintAgentToken(config.JWTConfig{Issuer: "x"}, time.Now(), time.Hour, agent)
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = MintAgentToken(testJWT, time.Now(), time.Hour, AgentTokenPayload{})
	assert.ErrorIs(t, err, ErrNoAgent)
	_, err = MintAgentToken(testJWT, time.Now(), 0, agent)
	assert.Error(t, err)
}

func TestParseRejectsUntrustedTokens(t *testing.T) {
	agent := AgentTokenPayload{AgentID: uuid.New()}
	mint := func(cfg config.JWTConfig, issuedAt time.Time) string {
		token, err := MintAgentToken(cfg, issuedAt, time.Hour, agent)
		require.NoError(t, err)
		return token
	}

	cases := map[string]string{
		"expired":      mint(testJWT, time.Now().Add(-2*time.Hour)),
		"other secret": mint(config.JWTConfig{Secret: "other", Issuer: testJWT.Issuer}, time.Now()),
		"other issuer": mint(config.JWTConfig{Secret: testJWT.Secret, Issuer: "someone-else"}, time.Now()),
		"garbage":      "not.a.jwt",
	}
	for name, token := range cases {
		_, err := ParseAgentToken(testJWT, token)
		assert.Error(t, err, name)
	}
}

func TestParseChecksAgentClaims(t *testing.T) {
	expires := jwt.NewNumericDate(time.Now().Add(time.Hour))

	noAgent := signRaw(t, testJWT.Secret, jwt.RegisteredClaims{Issuer: testJWT.Issuer, ExpiresAt: expires})
	_, err := ParseAgentToken(testJWT, noAgent)
	assert.ErrorIs(t, err, ErrNoAgent)

	mismatched := signRaw(t, testJWT.Secret, AgentClaims{
		AgentID:          uuid.New(),
		RegisteredClaims: jwt.RegisteredClaims{Issuer: testJWT.Issuer, Subject: uuid.NewString(), ExpiresAt: expires},
	})
	_, err = ParseAgentToken(testJWT, mismatched)
	assert.ErrorIs(t, err, ErrAgentSubject)

	_, err = ParseAgentToken(config.JWTConfig{}, noAgent)
	assert.ErrorIs(t, err, ErrNoSecret)
}
