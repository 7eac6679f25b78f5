package service

import (
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuth(secret string) *AuthService {
	return NewAuthService(&config.Config{JWTSecret: secret})
}

func TestAuthService_RoundTrip(t *testing.T) {
	auth := newAuth("s3cret")
	tok, err := auth.IssueToken("cand-7", RoleCandidate, "Rina", time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(tok)
	require.NoError(t, err)
	assert.Equal(t, "cand-7", claims.UserID())
	assert.Equal(t, RoleCandidate, claims.Role)
	assert.Equal(t, "Rina", claims.Name)
}

func TestAuthService_Expired(t *testing.T) {
	auth := newAuth("s3cret")
	tok, err := auth.IssueToken("cand-7", RoleCandidate, "", time.Minute)
	require.NoError(t, err)

	auth.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = auth.ValidateToken(tok)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestAuthService_WrongSecretOrRole(t *testing.T) {
	tok, err := newAuth("one").IssueToken("exr-1", RoleExaminer, "", time.Hour)
	require.NoError(t, err)
	_, err = newAuth("two").ValidateToken(tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	tok, err = newAuth("one").IssueToken("x", Role("admin"), "", time.Hour)
	require.NoError(t, err)
	_, err = newAuth("one").ValidateToken(tok)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}
