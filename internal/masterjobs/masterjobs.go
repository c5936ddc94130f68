// Package masterjobs drives the Master's two background cadences: the
// retention-deletion sweep that actually removes objects once their grace
// period has passed, and the drift-reconciliation cron that runs
// internal/reconcile on the schedule resolved from internal/settings. Both
// are scheduled through github.com/robfig/cron/v3 as cron expressions in
// place of a bare time.Ticker; only the reconciliation expression is
// configurable, the retention expressions are fixed in Start.
package masterjobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kestrelhq/fleetbackup/internal/log"
	"github.com/kestrelhq/fleetbackup/internal/metrics"
	"github.com/kestrelhq/fleetbackup/internal/settings"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// ObjectDeleter removes one object from a storage provider, implemented by
// internal/objectstore.
type ObjectDeleter interface {
	DeleteObject(ctx context.Context, providerID int64, key string) error
}

// SettingsSource resolves the settings scope chain; satisfied by
// internal/store/master.SettingsRepository.
type SettingsSource interface {
	ForScope(ctx context.Context, scope master.Scope, scopeID int64) (map[string]string, error)
}

// BackupStore is the subset of internal/store/master.BackupRepository the
// retention sweep needs.
type BackupStore interface {
	DueForDeletion(ctx context.Context, asOf time.Time) ([]types.Backup, error)
	MarkDeleted(ctx context.Context, backupID int64) error
}

// SiteLister is the subset of internal/store/master.SiteRepository the
// retention scheduler needs.
type SiteLister interface {
	ListByNode(ctx context.Context, nodeID int64) ([]types.Site, error)
}

// NodeLister is the subset of internal/store/master.NodeRepository the
// retention scheduler needs.
type NodeLister interface {
	List(ctx context.Context, ids []int64) ([]types.Node, error)
}

// RetentionApplier schedules deletion for stale backups; satisfied by
// internal/quota.Checker.
type RetentionApplier interface {
	ApplyRetention(ctx context.Context, site types.Site, graceDays int) (int, error)
}

// Runner owns the Master's background cron jobs. Construct once at
// startup and call Start; Stop drains in-flight jobs before returning.
type Runner struct {
	cron *cron.Cron

	backups           BackupStore
	sites             SiteLister
	nodes             NodeLister
	settingsSrc       SettingsSource
	objects           ObjectDeleter
	retention         RetentionApplier
	reconcileFn       func(ctx context.Context) error
	reconcileCronSpec string
}

// New builds a Runner over the Master's repositories and domain services.
// reconcileFn runs one drift-reconciliation cycle (typically
// reconciler.RunCycle wrapped to discard its Result). reconcileCronSpec
// comes from config.Master.Reconciliation.IntervalCron — the cron
// expression itself is a deploy-time knob, not a per-site override.
func New(
	backups BackupStore,
	sites SiteLister,
	nodes NodeLister,
	settingsSrc SettingsSource,
	objects ObjectDeleter,
	retention RetentionApplier,
	reconcileFn func(ctx context.Context) error,
	reconcileCronSpec string,
) *Runner {
	return &Runner{
		cron:              cron.New(),
		backups:           backups,
		sites:             sites,
		nodes:             nodes,
		settingsSrc:       settingsSrc,
		objects:           objects,
		retention:         retention,
		reconcileFn:       reconcileFn,
		reconcileCronSpec: reconcileCronSpec,
	}
}

// Start schedules both jobs and begins the cron loop. The retention sweep
// runs every 15 minutes (schedule cadence is fine-grained regardless of
// the configurable grace period, since the deletion itself is gated on
// ScheduledDeletion <= now); retention scheduling runs every 6 hours, and
// drift reconciliation runs on the configured reconcileCronSpec.
func (r *Runner) Start(ctx context.Context) error {
	if _, err := r.cron.AddFunc("*/15 * * * *", func() { r.runRetentionSweep(ctx) }); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("0 */6 * * *", func() { r.runRetentionScheduling(ctx) }); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc(r.reconcileCronSpec, func() {
		if err := r.reconcileFn(ctx); err != nil {
			log.Logger.Error().Err(err).Msg("scheduled reconciliation cycle failed")
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for any running job to finish.
func (r *Runner) Stop() {
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
}

// runRetentionScheduling walks every site and schedules deletion for
// SUCCESS backups beyond its configured retention copy count.
func (r *Runner) runRetentionScheduling(ctx context.Context) {
	nodes, err := r.nodes.List(ctx, nil)
	if err != nil {
		log.Logger.Error().Err(err).Msg("retention scheduling: failed to list nodes")
		return
	}
	for _, n := range nodes {
		sites, err := r.sites.ListByNode(ctx, n.ID)
		if err != nil {
			log.Logger.Error().Err(err).Int64("node_id", n.ID).Msg("retention scheduling: failed to list sites")
			continue
		}
		for _, site := range sites {
			graceDays := r.graceDaysFor(ctx, site)
			scheduled, err := r.retention.ApplyRetention(ctx, site, graceDays)
			if err != nil {
				log.Logger.Error().Err(err).Int64("site_id", site.ID).Msg("retention scheduling failed")
				continue
			}
			if scheduled > 0 {
				log.Logger.Info().Int64("site_id", site.ID).Int("scheduled", scheduled).Msg("scheduled backups for retention deletion")
			}
		}
	}
}

func (r *Runner) graceDaysFor(ctx context.Context, site types.Site) int {
	globalRaw, _ := r.settingsSrc.ForScope(ctx, master.ScopeGlobal, 0)
	nodeRaw, _ := r.settingsSrc.ForScope(ctx, master.ScopeNode, site.NodeID)
	siteRaw, _ := r.settingsSrc.ForScope(ctx, master.ScopeSite, site.ID)

	resolved := settings.Resolve(
		settings.ParseOverrides(globalRaw),
		settings.ParseOverrides(nodeRaw),
		settings.ParseOverrides(siteRaw),
	)
	return int(resolved.RetentionGraceDays / (24 * time.Hour))
}

// runRetentionSweep deletes every backup whose grace period has elapsed:
// remove the object from its storage provider, then mark the row DELETED
// so the quota accounting in internal/store/master decrements.
func (r *Runner) runRetentionSweep(ctx context.Context) {
	due, err := r.backups.DueForDeletion(ctx, time.Now())
	if err != nil {
		log.Logger.Error().Err(err).Msg("retention sweep: failed to list due backups")
		return
	}
	for _, b := range due {
		if b.ObjectPath != "" {
			if err := r.objects.DeleteObject(ctx, b.StorageProviderID, b.ObjectPath); err != nil {
				log.Logger.Error().Err(err).Int64("backup_id", b.ID).Msg("retention sweep: failed to delete object")
				continue
			}
		}
		if err := r.backups.MarkDeleted(ctx, b.ID); err != nil {
			log.Logger.Error().Err(err).Int64("backup_id", b.ID).Msg("retention sweep: failed to mark backup deleted")
			continue
		}
		metrics.DeletionsCompletedTotal.Inc()
	}
}
