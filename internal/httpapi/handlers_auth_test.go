package httpapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kestrelhq/fleetbackup/internal/activity"
	"github.com/kestrelhq/fleetbackup/internal/auth"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// totpCodeForTest computes a valid RFC 6238 code for secret at the
// current time step, mirroring internal/security's unexported generator
// so this package's tests can produce a fixture without reaching into it.
func totpCodeForTest(t *testing.T, secret string) string {
	t.Helper()
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(secret))
	require.NoError(t, err)

	counter := time.Now().Unix() / 30
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(counter))
	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	truncated := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", truncated%1000000)
}

func usersForTest() types.User {
	return types.User{ID: 1, Username: "alice", Role: types.RoleSuperAdmin}
}

func newAuthTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	users := master.NewUserRepository(db)
	s := NewServer(Deps{
		DB:          db,
		Users:       users,
		AuthManager: auth.NewManager("test-secret"),
		Activities:  activity.NewRecorder(master.NewActivityRepository(db)),
	})
	return s, mock
}

func userCols() []string {
	return []string{"id", "username", "password_hash", "role", "mfa_secret", "mfa_enabled", "created_at", "last_login_at"}
}

func TestHandleLoginSuccessNoMFA(t *testing.T) {
	s, mock := newAuthTestServer(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(userCols()).
		AddRow(1, "alice", string(hash), "super_admin", "", false, nil, nil))
	mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleLogin(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp loginResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, "full", resp.Scope)
}

func TestHandleLoginSuccessMFAPending(t *testing.T) {
	s, mock := newAuthTestServer(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(userCols()).
		AddRow(1, "alice", string(hash), "super_admin", "JBSWY3DPEHPK3PXP", true, nil, nil))

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "hunter2"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleLogin(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp loginResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "mfa-pending", resp.Scope)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleLoginWrongPassword(t *testing.T) {
	s, mock := newAuthTestServer(t)

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(userCols()).
		AddRow(1, "alice", string(hash), "super_admin", "", false, nil, nil))

	body, _ := json.Marshal(loginRequest{Username: "alice", Password: "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleLogin(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleLoginMissingFieldsRejected(t *testing.T) {
	s, _ := newAuthTestServer(t)

	body, _ := json.Marshal(loginRequest{Username: "alice"})
	req := httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.handleLogin(w, req)

	assert.NotEqual(t, http.StatusOK, w.Code)
}

func TestHandleMFAVerifySuccess(t *testing.T) {
	s, mock := newAuthTestServer(t)

	secret := "JBSWY3DPEHPK3PXP"
	code := totpCodeForTest(t, secret)

	user := usersForTest()
	token, _, err := s.authManager.Issue(user, "mfa-pending", 0)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(userCols()).
		AddRow(1, "alice", "hash", "super_admin", secret, true, nil, nil))
	mock.ExpectExec("UPDATE users").WillReturnResult(sqlmock.NewResult(0, 1))

	reqBody, _ := json.Marshal(mfaVerifyRequest{Code: code})
	req := httptest.NewRequest(http.MethodPost, "/auth/mfa/verify", bytes.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.handleMFAVerify(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp loginResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "full", resp.Scope)
}

func TestHandleMFAVerifyRejectsFullScopeToken(t *testing.T) {
	s, _ := newAuthTestServer(t)

	user := usersForTest()
	token, _, err := s.authManager.Issue(user, "full", 0)
	require.NoError(t, err)

	reqBody, _ := json.Marshal(mfaVerifyRequest{Code: "123456"})
	req := httptest.NewRequest(http.MethodPost, "/auth/mfa/verify", bytes.NewReader(reqBody))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	s.handleMFAVerify(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
