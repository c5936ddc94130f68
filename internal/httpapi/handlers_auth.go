package httpapi

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/security"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token     string `json:"token"`
	Scope     string `json:"scope"`
	ExpiresAt string `json:"expires_at"`
}

// handleLogin authenticates a username/password pair and issues a
// scope-limited token: mfa-pending for an account with MFA enabled, full
// otherwise. User/role CRUD is deliberately out of the HTTP surface and
// lives only in the admin CLI.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.users.GetByUsername(r.Context(), req.Username)
	if err != nil {
		if err == master.ErrNotFound {
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}
		writeError(w, err)
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	scope := types.ScopeFull
	if user.MFAEnabled {
		scope = types.ScopeMFAPending
	}
	token, exp, err := s.authManager.Issue(user, scope, 0)
	if err != nil {
		writeError(w, ferrors.Wrap(ferrors.Fatal, err, "issue token"))
		return
	}
	if scope == types.ScopeFull {
		_ = s.users.TouchLastLogin(r.Context(), user.ID)
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, Scope: string(scope), ExpiresAt: exp.Format(httpTimeLayout)})
}

type mfaVerifyRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// handleMFAVerify redeems an mfa-pending token for a full one, given a
// valid TOTP code. The mfa-pending token itself, not a username/password
// pair, is what proves identity here. The route sits outside the
// bearerAuth group (which rejects every non-full token), so this handler
// reads and validates the pending token itself.
func (s *Server) handleMFAVerify(w http.ResponseWriter, r *http.Request) {
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
	if claims.Scope != types.ScopeMFAPending {
		http.Error(w, "token is not pending mfa verification", http.StatusBadRequest)
		return
	}

	var req mfaVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !security.ValidateTOTP(user.MFASecret, req.Code) {
		http.Error(w, "invalid mfa code", http.StatusUnauthorized)
		return
	}

	fullToken, exp, err := s.authManager.Issue(user, types.ScopeFull, 0)
	if err != nil {
		writeError(w, ferrors.Wrap(ferrors.Fatal, err, "issue token"))
		return
	}
	_ = s.users.TouchLastLogin(r.Context(), user.ID)

	writeJSON(w, http.StatusOK, loginResponse{Token: fullToken, Scope: string(types.ScopeFull), ExpiresAt: exp.Format(httpTimeLayout)})
}

const httpTimeLayout = "2006-01-02T15:04:05Z07:00"
