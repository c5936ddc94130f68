package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

// DefaultTTL is how long a fully-authenticated token is valid if the
// caller does not specify a TTL.
const DefaultTTL = 12 * time.Hour

// MFAPendingTTL is deliberately short: a token in this scope can only be
// redeemed for an OTP, never used against a protected endpoint.
const MFAPendingTTL = 5 * time.Minute

// Claims is the JWT payload: user id, role, issued-at, expiry, and a
// scope distinguishing a fully-authenticated token from a transitional
// "mfa-pending" one.
type Claims struct {
	UserID   int64            `json:"uid"`
	Username string           `json:"username"`
	Role     types.Role       `json:"role"`
	Scope    types.TokenScope `json:"scope"`
	jwt.RegisteredClaims
}

// IsFull reports whether this token may be used against a protected
// endpoint rather than only the OTP-redemption endpoint.
func (c *Claims) IsFull() bool {
	return c.Scope == types.ScopeFull
}

var (
	// ErrNoSecret is returned by Issue/Validate when the Manager was built
	// with an empty signing secret.
	ErrNoSecret = errors.New("auth: jwt secret not configured")
	// ErrInvalidToken covers every token parse/signature/claims failure.
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// Manager issues and validates HS256 JWTs.
type Manager struct {
	secret []byte
}

// NewManager builds a Manager over a signing secret. An empty secret is
// accepted so a misconfigured deployment fails at first use (ErrNoSecret)
// rather than at startup, matching how the rest of the module surfaces
// configuration errors through ferrors.Config at the call site.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// Issue signs a token for user at the given scope. ttl <= 0 selects
// DefaultTTL for ScopeFull or MFAPendingTTL for ScopeMFAPending.
func (m *Manager) Issue(user types.User, scope types.TokenScope, ttl time.Duration) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, ErrNoSecret
	}
	if ttl <= 0 {
		if scope == types.ScopeMFAPending {
			ttl = MFAPendingTTL
		} else {
			ttl = DefaultTTL
		}
	}
	now := time.Now()
	exp := now.Add(ttl)
	claims := Claims{
		UserID:   user.ID,
		Username: user.Username,
		Role:     user.Role,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   user.Username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, exp, nil
}

// Validate parses and verifies tokenString, rejecting anything not
// signed with HS256 under this Manager's secret.
func (m *Manager) Validate(tokenString string) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, ErrNoSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
