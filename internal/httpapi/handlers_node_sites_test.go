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

	"github.com/kestrelhq/fleetbackup/internal/security"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

func testKeyRing(t *testing.T) *security.KeyRing {
	t.Helper()
	kr, err := security.NewKeyRing(bytes32(0x42))
	require.NoError(t, err)
	return kr
}

func bytes32(b byte) []byte {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func newNodeSitesTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	s := NewServer(Deps{
		DB:               db,
		Sites:            master.NewSiteRepository(db),
		StorageProviders: master.NewStorageProviderRepository(db),
		KeyRing:          testKeyRing(t),
	})
	return s, mock
}

func TestHandleListSitesForNodeReturnsOwnSites(t *testing.T) {
	s, mock := newNodeSitesTestServer(t)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(siteCols()).
		AddRow(1, "site-uuid", 5, "example.com", "UTC", "/wp/wp-config.php", "/wp/wp-content",
			"localhost", "wp", "root", "secret", 1<<30, 0, nil, "daily", "02:00", "", 7, nil, nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/nodes/sites", nil)
	req = req.WithContext(contextWithNodeForTest(req, types.Node{ID: 5}))
	w := httptest.NewRecorder()
	s.handleListSitesForNode(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []siteWireResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "example.com", resp[0].Name)
	assert.Equal(t, "secret", resp[0].DBPassword)
}

func TestHandleStorageConfigForNodeUnseals(t *testing.T) {
	s, mock := newNodeSitesTestServer(t)

	accessKey, _, err := s.keyring.Seal([]byte("AKIAEXAMPLE"))
	require.NoError(t, err)
	secretKey, _, err := s.keyring.Seal([]byte("super-secret-key"))
	require.NoError(t, err)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(siteCols()).
		AddRow(1, "site-uuid", 5, "example.com", "UTC", "", "", "", "", "", "", 1<<30, 0, nil, "daily", "02:00", "", 7, nil, 2, nil, nil))
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(providerCols()).
		AddRow(2, "prov-uuid", "s3", "https://s3.example.com", "us-east-1", "bucket", accessKey, secretKey, 0, 0, 0, false, true))

	req := httptest.NewRequest(http.MethodGet, "/nodes/storage-config?site_id=1", nil)
	req = req.WithContext(contextWithNodeForTest(req, types.Node{ID: 5}))
	w := httptest.NewRecorder()
	s.handleStorageConfigForNode(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp storageConfigResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "AKIAEXAMPLE", resp.AccessKey)
	assert.Equal(t, "super-secret-key", resp.SecretKey)
}

func TestHandleStorageConfigForNodeForbiddenForOtherNode(t *testing.T) {
	s, mock := newNodeSitesTestServer(t)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(siteCols()).
		AddRow(1, "site-uuid", 5, "example.com", "UTC", "", "", "", "", "", "", 1<<30, 0, nil, "daily", "02:00", "", 7, nil, nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/nodes/storage-config?site_id=1", nil)
	req = req.WithContext(contextWithNodeForTest(req, types.Node{ID: 99}))
	w := httptest.NewRecorder()
	s.handleStorageConfigForNode(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}
