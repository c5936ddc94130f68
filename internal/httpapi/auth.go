package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/kestrelhq/fleetbackup/internal/auth"
	"github.com/kestrelhq/fleetbackup/internal/security"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

type contextKey int

const (
	claimsContextKey contextKey = iota
	nodeContextKey
)

// claimsFromContext returns the bearer claims a prior bearerAuth middleware
// call placed on the request context.
func claimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*auth.Claims)
	return c, ok
}

// nodeFromContext returns the node an apiKeyAuth middleware call
// authenticated the request as.
func nodeFromContext(ctx context.Context) (types.Node, bool) {
	n, ok := ctx.Value(nodeContextKey).(types.Node)
	return n, ok
}

// bearerAuth validates the Authorization: Bearer <token> header against the
// JWT manager and rejects anything not fully scoped: an
// mfa-pending token may only ever reach the OTP-redemption handler, which
// installs its own, separate check.
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		claims, err := s.authManager.Validate(token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !claims.IsFull() {
			http.Error(w, "mfa challenge not completed", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole rejects any principal whose role is not in allowed.
func requireRole(allowed ...types.Role) func(http.Handler) http.Handler {
	allowedSet := make(map[types.Role]bool, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := claimsFromContext(r.Context())
			if !ok || !allowedSet[claims.Role] {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// apiKeyNodeIDPrefix splits a presented node API key into its embedded node
// id and secret. Bcrypt hashes cannot be looked up by value — each call
// uses a random salt — so the key carries its owner's id as a plaintext
// prefix, letting the Master resolve one row by primary key instead of
// bcrypt-comparing against every node on every authenticated request.
func apiKeyNodeIDPrefix(presented string) (int64, bool) {
	idStr, _, ok := strings.Cut(presented, ".")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// apiKeyAuth validates the X-API-KEY header a Node daemon presents on every
// authenticated request, touching last_seen_at on success.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-API-KEY")
		if presented == "" {
			http.Error(w, "missing api key", http.StatusUnauthorized)
			return
		}
		nodeID, ok := apiKeyNodeIDPrefix(presented)
		if !ok {
			http.Error(w, "malformed api key", http.StatusUnauthorized)
			return
		}
		node, err := s.nodes.GetByID(r.Context(), nodeID)
		if err != nil {
			if err == master.ErrNotFound {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			writeError(w, err)
			return
		}
		if node.Status != types.NodeStatusActive || !security.CompareAPIKey(node.HashedAPIKey, presented) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = s.nodes.TouchLastSeen(r.Context(), node.ID)

		ctx := context.WithValue(r.Context(), nodeContextKey, node)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
