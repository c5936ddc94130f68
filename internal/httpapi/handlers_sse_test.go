package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/fleetbackup/internal/auth"
	"github.com/kestrelhq/fleetbackup/internal/progress"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

func newSSETestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	s := NewServer(Deps{
		DB:            db,
		Sites:         master.NewSiteRepository(db),
		RBAC:          auth.NewRBAC(master.NewAssignmentRepository(db)),
		ProgressStore: progress.NewStore(),
		Broker:        progress.NewBroker(),
	})
	return s, mock
}

func TestHandleBackupStreamSSESendsTerminalRowThenCloses(t *testing.T) {
	s, mock := newSSETestServer(t)

	epoch := s.progressStore.StartEpoch(1, 9)
	s.progressStore.Update(1, epoch, func(p *types.ProgressRow) {
		p.State = types.ProgressCompleted
	})

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(siteCols()).
		AddRow(1, "site-uuid", 5, "example.com", "UTC", "", "", "", "", "", "", 0, 0, nil, "daily", "02:00", "", 7, nil, nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/daemon/backup/stream/1", nil)
	req = withChiParam(req, "siteID", "1")
	claims := &auth.Claims{UserID: 1, Username: "admin", Role: types.RoleSuperAdmin}
	req = req.WithContext(contextWithClaimsForTest(req, claims))
	w := httptest.NewRecorder()
	s.handleBackupStreamSSE(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(strings.NewReader(w.Body.String()))
	var sawEvent bool
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "event: progress") {
			sawEvent = true
		}
	}
	assert.True(t, sawEvent)
}

func TestHandleBackupStreamSSEForbiddenForUnassignedSiteAdmin(t *testing.T) {
	s, mock := newSSETestServer(t)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(siteCols()).
		AddRow(1, "site-uuid", 5, "example.com", "UTC", "", "", "", "", "", "", 0, 0, nil, "daily", "02:00", "", 7, nil, nil, nil, nil))
	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"site_id"}))

	req := httptest.NewRequest(http.MethodGet, "/daemon/backup/stream/1", nil)
	req = withChiParam(req, "siteID", "1")
	claims := &auth.Claims{UserID: 2, Username: "bob", Role: types.RoleSiteAdmin}
	req = req.WithContext(contextWithClaimsForTest(req, claims))
	w := httptest.NewRecorder()
	s.handleBackupStreamSSE(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandleBackupStreamSSEStreamsLiveUpdateThenContextCancel(t *testing.T) {
	s, mock := newSSETestServer(t)

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows(siteCols()).
		AddRow(1, "site-uuid", 5, "example.com", "UTC", "", "", "", "", "", "", 0, 0, nil, "daily", "02:00", "", 7, nil, nil, nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/daemon/backup/stream/1", nil)
	req = withChiParam(req, "siteID", "1")
	claims := &auth.Claims{UserID: 1, Username: "admin", Role: types.RoleSuperAdmin}
	req = req.WithContext(contextWithClaimsForTest(req, claims))
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	go func() {
		time.Sleep(20 * time.Millisecond)
		epoch := s.progressStore.StartEpoch(1, 9)
		s.progressStore.Update(1, epoch, func(p *types.ProgressRow) {
			p.ProgressPercent = 50
		})
		s.broker.Publish(types.ProgressRow{SiteID: 1, Epoch: epoch, State: types.ProgressRunning, ProgressPercent: 50})
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	w := httptest.NewRecorder()
	s.handleBackupStreamSSE(w, req)

	assert.Contains(t, w.Body.String(), "event: progress")
}
