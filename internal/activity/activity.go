// Package activity defines the action-kind vocabulary for the fleet's
// audit trail and a thin Recorder that wraps
// internal/store/master.ActivityRepository so callers log an action
// without constructing the row shape themselves.
package activity

import (
	"context"
	"net/http"
	"time"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

// Action is one entry in the fixed vocabulary of auditable actions.
// Keeping this as a closed set (rather than free-form strings) lets the
// activity viewer group and filter without guessing at naming drift.
type Action string

const (
	ActionNodeJoinRequested      Action = "node.join_requested"
	ActionNodeApproved           Action = "node.approved"
	ActionNodeBlocked            Action = "node.blocked"
	ActionSiteCreated            Action = "site.created"
	ActionSiteScheduleUpdated    Action = "site.schedule_updated"
	ActionSiteQuotaUpdated       Action = "site.quota_updated"
	ActionBackupStarted          Action = "backup.started"
	ActionBackupCompleted        Action = "backup.completed"
	ActionBackupFailed           Action = "backup.failed"
	ActionBackupStopped          Action = "backup.stopped"
	ActionBackupDeleted          Action = "backup.deleted"
	ActionStorageProviderCreated Action = "storage_provider.created"
	ActionStorageProviderRotated Action = "storage_provider.rotated"
	ActionReconciliationRun      Action = "reconciliation.run"
	ActionUserPasswordReset      Action = "user.password_reset"
	ActionUserMFADisabled        Action = "user.mfa_disabled"
)

// Repository is the persistence seam Recorder depends on — implemented by
// internal/store/master.ActivityRepository.
type Repository interface {
	Append(ctx context.Context, e types.ActivityEntry) error
}

// Recorder logs activity entries with the request metadata (actor,
// source address, user agent) already extracted from the call site.
type Recorder struct {
	repo Repository
}

// NewRecorder builds a Recorder over a Repository.
func NewRecorder(repo Repository) *Recorder {
	return &Recorder{repo: repo}
}

// Record appends a new activity entry with the current time.
func (r *Recorder) Record(ctx context.Context, actor string, action Action, target string, detail map[string]any) error {
	return r.repo.Append(ctx, types.ActivityEntry{
		Actor:     actor,
		Action:    string(action),
		Target:    target,
		Timestamp: time.Now(),
		Detail:    detail,
	})
}

// RecordFromRequest is Record plus source address and user-agent pulled
// from an inbound HTTP request, for handlers logging an admin action.
func (r *Recorder) RecordFromRequest(ctx context.Context, req *http.Request, actor string, action Action, target string, detail map[string]any) error {
	return r.repo.Append(ctx, types.ActivityEntry{
		Actor:      actor,
		Action:     string(action),
		Target:     target,
		SourceAddr: req.RemoteAddr,
		UserAgent:  req.UserAgent(),
		Timestamp:  time.Now(),
		Detail:     detail,
	})
}
