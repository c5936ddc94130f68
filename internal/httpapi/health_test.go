package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/fleetbackup/internal/log"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	s := NewServer(Deps{
		DB:               db,
		StorageProviders: master.NewStorageProviderRepository(db),
		LogTail:          nil,
	})
	return s, mock
}

func TestHandleHealthz(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.handleHealthz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestHandleReadyzAllHealthy(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectPing()
	cols := []string{"id", "uuid", "type", "endpoint", "region", "bucket", "sealed_access_key",
		"sealed_secret_key", "key_generation", "storage_limit_bytes", "storage_used_bytes", "is_default", "is_active"}
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(cols).AddRow(
		1, "prov-uuid", "s3", "https://s3.example.com", "us-east-1", "bucket", []byte{}, []byte{}, 0, 0, 0, true, true))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.handleReadyz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["database"])
	assert.Equal(t, "ok", resp.Checks["storage_providers"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHandleReadyzNoActiveProvider(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectPing()
	cols := []string{"id", "uuid", "type", "endpoint", "region", "bucket", "sealed_access_key",
		"sealed_secret_key", "key_generation", "storage_limit_bytes", "storage_used_bytes", "is_default", "is_active"}
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(cols))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.handleReadyz(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadyResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "not ready", resp.Status)
	assert.NotEmpty(t, resp.Message)
}

func TestHandleLogsTail(t *testing.T) {
	s, _ := newTestServer(t)
	s.logTail = log.NewRingBuffer(10)
	s.logTail.Write([]byte("one\n"))
	s.logTail.Write([]byte("two\n"))
	s.logTail.Write([]byte("three\n"))

	req := httptest.NewRequest(http.MethodGet, "/admin/logs/tail?lines=2", nil)
	w := httptest.NewRecorder()
	s.handleLogsTail(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var resp logTailResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, []string{"two", "three"}, resp.Lines)
}
