package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/kestrelhq/fleetbackup/internal/activity"
	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/metrics"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

type backupStartResponse struct {
	Epoch    int64 `json:"epoch"`
	BackupID int64 `json:"backup_id"`
}

// handleBackupStart opens a new RUNNING backup row and allocates the
// epoch a daemon's subsequent progress reports must carry. A node
// daemon calls this once it has already confirmed quota via
// /sites/{siteID}/quota/check.
func (s *Server) handleBackupStart(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	siteID, err := pathInt64Param(r, "siteID")
	if err != nil {
		writeError(w, err)
		return
	}
	site, err := s.sites.GetByID(r.Context(), siteID)
	if err != nil {
		writeError(w, err)
		return
	}
	if site.NodeID != node.ID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if row, ok := s.progressStore.Get(siteID); ok && row.State == types.ProgressRunning {
		writeError(w, ferrors.New(ferrors.Conflict, "a backup is already running for this site"))
		return
	}

	backup, err := s.backups.StartRunning(r.Context(), siteID, "full")
	if err != nil {
		writeError(w, err)
		return
	}
	epoch := s.progressStore.StartEpoch(siteID, backup.ID)
	s.broker.Publish(types.ProgressRow{SiteID: siteID, BackupID: backup.ID, Epoch: epoch, State: types.ProgressRunning, StartedAt: time.Now(), UpdatedAt: time.Now()})

	_ = s.activities.Record(r.Context(), fmt.Sprintf("node:%d", node.ID), activity.ActionBackupStarted, site.UUID, nil)

	writeJSON(w, http.StatusOK, backupStartResponse{Epoch: epoch, BackupID: backup.ID})
}

type progressReportRequest struct {
	Epoch           int64   `json:"epoch" validate:"required"`
	State           string  `json:"state" validate:"required,oneof=IDLE RUNNING COMPLETED FAILED STOPPED"`
	Stage           string  `json:"stage"`
	ProgressPercent float64 `json:"progress_percent"`
	Message         string  `json:"message"`
	BytesProcessed  int64   `json:"bytes_processed"`
	BytesTotal      int64   `json:"bytes_total"`
	ErrorKind       string  `json:"error_kind"`
	ErrorMessage    string  `json:"error_message"`
	ObjectPath      string  `json:"object_path"`
	SizeBytes       int64   `json:"size_bytes"`
}

type progressReportResponse struct {
	CancellationRequested bool `json:"cancellation_requested"`
}

// handleProgressReport applies a daemon's progress report to the live
// row, fans it out over SSE, and on a terminal state finalizes the
// corresponding backups row.
func (s *Server) handleProgressReport(w http.ResponseWriter, r *http.Request) {
	node, ok := nodeFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	siteID, err := pathInt64Param(r, "siteID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req progressReportRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	state := types.ProgressState(req.State)
	row, applied := s.progressStore.Update(siteID, req.Epoch, func(p *types.ProgressRow) {
		p.State = state
		p.Stage = req.Stage
		p.ProgressPercent = req.ProgressPercent
		p.Message = req.Message
		p.BytesProcessed = req.BytesProcessed
		p.BytesTotal = req.BytesTotal
		p.ErrorKind = req.ErrorKind
		p.ErrorMessage = req.ErrorMessage
	})
	if !applied {
		writeError(w, ferrors.New(ferrors.Cancelled, "stale epoch, job superseded"))
		return
	}
	s.broker.Publish(row)

	if state.IsTerminal() {
		if err := s.finalizeBackup(r.Context(), node, row, state, req); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, progressReportResponse{CancellationRequested: row.CancellationRequested})
}

func (s *Server) finalizeBackup(ctx context.Context, node types.Node, row types.ProgressRow, state types.ProgressState, req progressReportRequest) error {
	site, err := s.sites.GetByID(ctx, row.SiteID)
	if err != nil {
		return err
	}

	metrics.BackupsTotal.WithLabelValues(string(state)).Inc()

	switch state {
	case types.ProgressCompleted:
		provider, err := s.resolveSiteProvider(ctx, site)
		if err != nil {
			return err
		}
		filename := path.Base(req.ObjectPath)
		if err := s.backups.CompleteSuccess(ctx, row.BackupID, filename, req.ObjectPath, req.SizeBytes, provider.ID); err != nil {
			return err
		}
		_ = s.quotaChecker.SyncQuotaExceededFlag(ctx, site.ID)
		_ = s.activities.Record(ctx, fmt.Sprintf("node:%d", node.ID), activity.ActionBackupCompleted, site.UUID, map[string]any{
			"size_bytes": req.SizeBytes,
		})
	case types.ProgressFailed:
		if err := s.backups.MarkFailed(ctx, row.BackupID, req.ErrorKind, req.ErrorMessage); err != nil {
			return err
		}
		_ = s.activities.Record(ctx, fmt.Sprintf("node:%d", node.ID), activity.ActionBackupFailed, site.UUID, map[string]any{
			"error_kind": req.ErrorKind,
		})
	case types.ProgressStopped:
		if err := s.backups.MarkFailed(ctx, row.BackupID, "cancelled", "stopped by operator"); err != nil {
			return err
		}
		_ = s.activities.Record(ctx, fmt.Sprintf("node:%d", node.ID), activity.ActionBackupStopped, site.UUID, nil)
	}
	return nil
}

type backupStatusResponse struct {
	types.ProgressRow
}

// handleBackupStatus returns a site's current live progress row.
func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	siteID, err := pathInt64Param(r, "siteID")
	if err != nil {
		writeError(w, err)
		return
	}
	site, err := s.sites.GetByID(r.Context(), siteID)
	if err != nil {
		writeError(w, err)
		return
	}
	if ok, err := s.rbac.CanAccessSite(r.Context(), claims, siteID, site.NodeID); err != nil {
		writeError(w, err)
		return
	} else if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	row, ok := s.progressStore.Get(siteID)
	if !ok {
		row = types.ProgressRow{SiteID: siteID, State: types.ProgressIdle}
	}
	writeJSON(w, http.StatusOK, backupStatusResponse{row})
}

// handleBackupStop requests cooperative cancellation of a site's running
// job; the daemon observes it at the next stage boundary.
func (s *Server) handleBackupStop(w http.ResponseWriter, r *http.Request) {
	siteID, err := pathInt64Param(r, "siteID")
	if err != nil {
		writeError(w, err)
		return
	}
	if !s.progressStore.RequestCancellation(siteID) {
		writeError(w, ferrors.New(ferrors.Conflict, "no running job for this site"))
		return
	}

	claims, _ := claimsFromContext(r.Context())
	_ = s.activities.RecordFromRequest(r.Context(), r, claims.Username, activity.ActionBackupStopped, fmt.Sprintf("site:%d", siteID), nil)

	w.WriteHeader(http.StatusNoContent)
}

// handleBackupReset forces a site's row back to IDLE under a fresh epoch,
// recovering one left stuck RUNNING by a Node process that died mid-job.
func (s *Server) handleBackupReset(w http.ResponseWriter, r *http.Request) {
	siteID, err := pathInt64Param(r, "siteID")
	if err != nil {
		writeError(w, err)
		return
	}
	row := s.progressStore.ForceIdle(siteID)
	s.broker.Publish(row)
	writeJSON(w, http.StatusOK, backupStatusResponse{row})
}
