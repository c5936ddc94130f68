package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	m := NewManager("test-secret")
	user := types.User{ID: 7, Username: "alice", Role: types.RoleSiteAdmin}

	token, exp, err := m.Issue(user, types.ScopeFull, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), exp, 2*time.Second)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), claims.UserID)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, types.RoleSiteAdmin, claims.Role)
	assert.True(t, claims.IsFull())
}

func TestIssueMFAPendingScopeIsNotFull(t *testing.T) {
	m := NewManager("test-secret")
	user := types.User{ID: 1, Username: "bob", Role: types.RoleSuperAdmin}

	token, exp, err := m.Issue(user, types.ScopeMFAPending, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(MFAPendingTTL), exp, 2*time.Second)

	claims, err := m.Validate(token)
	require.NoError(t, err)
	assert.False(t, claims.IsFull())
	assert.Equal(t, types.ScopeMFAPending, claims.Scope)
}

func TestIssueWithoutSecretFails(t *testing.T) {
	m := NewManager("")
	_, _, err := m.Issue(types.User{ID: 1}, types.ScopeFull, 0)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewManager("test-secret")
	// Issue treats ttl <= 0 as "use the default", so an already-expired
	// token is signed directly with the Manager's secret.
	claims := Claims{
		UserID:   1,
		Username: "alice",
		Scope:    types.ScopeFull,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	_, err = m.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsTokenSignedWithDifferentSecret(t *testing.T) {
	issuer := NewManager("secret-a")
	verifier := NewManager("secret-b")

	token, _, err := issuer.Issue(types.User{ID: 1, Username: "alice"}, types.ScopeFull, 0)
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateWithoutSecretFails(t *testing.T) {
	m := NewManager("")
	_, err := m.Validate("anything")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestValidateRejectsGarbageToken(t *testing.T) {
	m := NewManager("test-secret")
	_, err := m.Validate("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
