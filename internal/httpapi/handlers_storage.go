package httpapi

import (
	"fmt"
	"net/http"

	"github.com/kestrelhq/fleetbackup/internal/activity"
	"github.com/kestrelhq/fleetbackup/internal/ferrors"
)

type quotaCheckResponse struct {
	WithinQuota        bool  `json:"within_quota"`
	SiteProjectedBytes int64 `json:"site_projected_bytes"`
	SiteQuotaBytes     int64 `json:"site_quota_bytes"`
	NodeProjectedBytes int64 `json:"node_projected_bytes"`
	NodeQuotaBytes     int64 `json:"node_quota_bytes"`
}

// handleQuotaCheck lets a daemon ask whether an about-to-run backup would
// fit before it spends minutes dumping and bundling it.
func (s *Server) handleQuotaCheck(w http.ResponseWriter, r *http.Request) {
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

	estimated := int64QueryParam(r, "estimated_bytes", 0)
	proj, err := s.quotaChecker.CheckPreflight(r.Context(), siteID, estimated)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, quotaCheckResponse{
		WithinQuota:        proj.WithinQuota,
		SiteProjectedBytes: proj.SiteProjectedBytes,
		SiteQuotaBytes:     proj.SiteQuotaBytes,
		NodeProjectedBytes: proj.NodeProjectedBytes,
		NodeQuotaBytes:     proj.NodeQuotaBytes,
	})
}

// handleSetSiteQuota updates a site's storage budget,
// restricted to node_admin/super_admin by the route's RBAC middleware.
func (s *Server) handleSetSiteQuota(w http.ResponseWriter, r *http.Request) {
	siteID, err := pathInt64Param(r, "siteID")
	if err != nil {
		writeError(w, err)
		return
	}
	quotaBytes := int64QueryParam(r, "quota_bytes", -1)
	if quotaBytes < 0 {
		writeError(w, ferrors.New(ferrors.Config, "quota_bytes query parameter is required"))
		return
	}

	if err := s.sites.SetQuota(r.Context(), siteID, quotaBytes); err != nil {
		writeError(w, err)
		return
	}
	_ = s.quotaChecker.SyncQuotaExceededFlag(r.Context(), siteID)

	claims, _ := claimsFromContext(r.Context())
	_ = s.activities.RecordFromRequest(r.Context(), r, claims.Username, activity.ActionSiteQuotaUpdated, fmt.Sprintf("site:%d", siteID), map[string]any{
		"quota_bytes": quotaBytes,
	})

	w.WriteHeader(http.StatusNoContent)
}

type reconcileResponse struct {
	OrphanObjectCount  int   `json:"orphan_object_count"`
	MissingObjectCount int   `json:"missing_object_count"`
	DriftBytes         int64 `json:"drift_bytes"`
}

// handleStorageReconcile runs one drift-reconciliation cycle on demand,
// restricted to super_admin.
func (s *Server) handleStorageReconcile(w http.ResponseWriter, r *http.Request) {
	dryRun := intQueryParam(r, "dry_run", 1) != 0

	result, err := s.reconciler.RunCycle(r.Context(), dryRun)
	if err != nil {
		writeError(w, err)
		return
	}

	claims, _ := claimsFromContext(r.Context())
	_ = s.activities.RecordFromRequest(r.Context(), r, claims.Username, activity.ActionReconciliationRun, "fleet", map[string]any{
		"dry_run":              dryRun,
		"orphan_object_count":  len(result.OrphanObjects),
		"missing_object_count": len(result.MissingObjects),
		"drift_bytes":          result.DriftBytes,
	})

	writeJSON(w, http.StatusOK, reconcileResponse{
		OrphanObjectCount:  len(result.OrphanObjects),
		MissingObjectCount: len(result.MissingObjects),
		DriftBytes:         result.DriftBytes,
	})
}
