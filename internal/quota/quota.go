// Package quota enforces per-site and per-node storage budgets: a
// pre-flight projection before a backup starts, atomic
// post-flight accounting once it finishes (internal/store/master already
// commits that update transactionally), and retention scheduling that
// marks old SUCCESS backups for deletion once a site holds more than its
// configured number of copies.
package quota

import (
	"context"
	"time"

	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/metrics"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// SiteStore is the subset of internal/store/master.SiteRepository this
// package depends on.
type SiteStore interface {
	GetByID(ctx context.Context, id int64) (types.Site, error)
	MarkQuotaExceeded(ctx context.Context, id int64, at *time.Time) error
}

// NodeStore is the subset of internal/store/master.NodeRepository this
// package depends on.
type NodeStore interface {
	GetByID(ctx context.Context, id int64) (types.Node, error)
}

// BackupStore is the subset of internal/store/master.BackupRepository
// this package depends on for retention scheduling.
type BackupStore interface {
	SuccessfulBeyondRetention(ctx context.Context, siteID int64, keep int) ([]types.Backup, error)
	ScheduleDeletion(ctx context.Context, backupID int64, at time.Time) error
}

// Checker answers pre-flight quota questions and runs retention sweeps.
type Checker struct {
	sites   SiteStore
	nodes   NodeStore
	backups BackupStore
}

// NewChecker builds a Checker over the three repositories it needs.
func NewChecker(sites SiteStore, nodes NodeStore, backups BackupStore) *Checker {
	return &Checker{sites: sites, nodes: nodes, backups: backups}
}

// Projection is the outcome of a pre-flight quota check.
type Projection struct {
	SiteProjectedBytes int64
	SiteQuotaBytes     int64
	NodeProjectedBytes int64
	NodeQuotaBytes     int64
	WithinQuota        bool
}

// CheckPreflight projects a site's and its node's usage after a backup of
// roughly estimatedBytes completes, and reports whether it fits within
// both budgets. A quota of 0 means unlimited.
func (c *Checker) CheckPreflight(ctx context.Context, siteID int64, estimatedBytes int64) (Projection, error) {
	site, err := c.sites.GetByID(ctx, siteID)
	if err != nil {
		return Projection{}, ferrors.Wrap(ferrors.Transient, err, "load site for quota check")
	}
	node, err := c.nodes.GetByID(ctx, site.NodeID)
	if err != nil {
		return Projection{}, ferrors.Wrap(ferrors.Transient, err, "load node for quota check")
	}

	proj := Projection{
		SiteProjectedBytes: site.StorageUsedBytes + estimatedBytes,
		SiteQuotaBytes:     site.StorageQuotaBytes,
		NodeProjectedBytes: node.StorageUsedBytes + estimatedBytes,
		NodeQuotaBytes:     node.StorageQuotaBytes,
	}
	siteOK := proj.SiteQuotaBytes == 0 || proj.SiteProjectedBytes <= proj.SiteQuotaBytes
	nodeOK := proj.NodeQuotaBytes == 0 || proj.NodeProjectedBytes <= proj.NodeQuotaBytes
	proj.WithinQuota = siteOK && nodeOK

	outcome := "allowed"
	if !proj.WithinQuota {
		outcome = "rejected"
	}
	metrics.QuotaChecksTotal.WithLabelValues(outcome).Inc()

	return proj, nil
}

// RequirePreflight is CheckPreflight plus the ferrors.QuotaExceeded error
// shape the HTTP layer needs to return a 422 with a useful message.
func (c *Checker) RequirePreflight(ctx context.Context, siteID int64, estimatedBytes int64) error {
	proj, err := c.CheckPreflight(ctx, siteID, estimatedBytes)
	if err != nil {
		return err
	}
	if !proj.WithinQuota {
		return ferrors.New(ferrors.QuotaExceeded, "projected usage exceeds site or node storage quota")
	}
	return nil
}

// SyncQuotaExceededFlag reconciles a site's quota_exceeded_at marker
// against its current usage, called after every accounting update.
func (c *Checker) SyncQuotaExceededFlag(ctx context.Context, siteID int64) error {
	site, err := c.sites.GetByID(ctx, siteID)
	if err != nil {
		return ferrors.Wrap(ferrors.Transient, err, "load site for quota flag sync")
	}
	overQuota := site.StorageQuotaBytes != 0 && site.StorageUsedBytes > site.StorageQuotaBytes
	switch {
	case overQuota && site.QuotaExceededAt == nil:
		now := time.Now()
		return c.sites.MarkQuotaExceeded(ctx, siteID, &now)
	case !overQuota && site.QuotaExceededAt != nil:
		return c.sites.MarkQuotaExceeded(ctx, siteID, nil)
	default:
		return nil
	}
}

// ApplyRetention schedules deletion for every SUCCESS backup beyond a
// site's configured retention copy count, at now + graceDays.
func (c *Checker) ApplyRetention(ctx context.Context, site types.Site, graceDays int) (int, error) {
	keep := site.Schedule.RetentionCopies
	if keep <= 0 {
		keep = 7
	}
	stale, err := c.backups.SuccessfulBeyondRetention(ctx, site.ID, keep)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.Transient, err, "list retention candidates")
	}
	deleteAt := time.Now().Add(time.Duration(graceDays) * 24 * time.Hour)
	for _, b := range stale {
		if err := c.backups.ScheduleDeletion(ctx, b.ID, deleteAt); err != nil {
			return 0, ferrors.Wrap(ferrors.Transient, err, "schedule backup deletion")
		}
		metrics.ScheduledDeletionsTotal.Inc()
	}
	return len(stale), nil
}
