package reconcile

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/kestrelhq/fleetbackup/internal/log"
	"github.com/kestrelhq/fleetbackup/internal/metrics"
	"github.com/kestrelhq/fleetbackup/internal/settings"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
	"github.com/rs/zerolog"
)

// ObjectLister lists every object key under a storage provider's backup
// prefix, along with its size — implemented by internal/objectstore.
type ObjectLister interface {
	ListObjects(ctx context.Context, providerID int64, prefix string) ([]ObjectInfo, error)
}

// ObjectInfo is one object observed in the store during a drift scan.
type ObjectInfo struct {
	Key       string
	SizeBytes int64
}

// BackupStore is the subset of internal/store/master.BackupRepository the
// reconciler needs.
type BackupStore interface {
	ListBySite(ctx context.Context, siteID int64) ([]types.Backup, error)
	MarkFailed(ctx context.Context, backupID int64, kind, message string) error
}

// SiteLister enumerates every site under a storage provider, so the scan
// knows which object prefixes to expect rows for.
type SiteLister interface {
	ListByNode(ctx context.Context, nodeID int64) ([]types.Site, error)
}

// NodeLister enumerates every node, the entry point for a fleet-wide scan.
type NodeLister interface {
	List(ctx context.Context, ids []int64) ([]types.Node, error)
}

// SiteStore writes a site's recomputed used-bytes total back after a drift
// scan, implemented by internal/store/master.SiteRepository.
type SiteStore interface {
	SetUsedBytes(ctx context.Context, id int64, bytes int64) error
}

// NodeStore writes a node's recomputed used-bytes total back after a drift
// scan, implemented by internal/store/master.NodeRepository.
type NodeStore interface {
	SetUsedBytes(ctx context.Context, id int64, bytes int64) error
}

// SettingsSource resolves the global/node/site settings scope chain,
// implemented by internal/store/master.SettingsRepository.
type SettingsSource interface {
	ForScope(ctx context.Context, scope master.Scope, scopeID int64) (map[string]string, error)
}

// Result summarizes one reconciliation cycle.
type Result struct {
	OrphanObjects  []ObjectInfo   // present in the store, no matching SUCCESS row
	MissingObjects []types.Backup // SUCCESS row, no matching object; marked FAILED if not DryRun
	DriftBytes     int64
}

// Reconciler runs the drift scan that compares storage-provider object
// listings against backup rows and, once accounting drift between the
// recomputed and stored used-bytes totals exceeds a configurable
// fraction, corrects it.
type Reconciler struct {
	objects     ObjectLister
	backups     BackupStore
	sites       SiteLister
	nodes       NodeLister
	siteStore   SiteStore
	nodeStore   NodeStore
	settingsSrc SettingsSource
	logger      zerolog.Logger

	mu      sync.Mutex // serializes cycles; a cycle never overlaps the next tick
	stopCh  chan struct{}
	stopped bool
}

// NewReconciler builds a Reconciler over its dependencies.
func NewReconciler(objects ObjectLister, backups BackupStore, sites SiteLister, nodes NodeLister, siteStore SiteStore, nodeStore NodeStore, settingsSrc SettingsSource) *Reconciler {
	return &Reconciler{
		objects:     objects,
		backups:     backups,
		sites:       sites,
		nodes:       nodes,
		siteStore:   siteStore,
		nodeStore:   nodeStore,
		settingsSrc: settingsSrc,
		logger:      log.WithComponent("reconciler"),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic reconciliation loop at the given interval.
func (r *Reconciler) Start(interval time.Duration) {
	go r.run(interval)
}

// Stop halts the loop; safe to call once.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.stopped {
		r.stopped = true
		close(r.stopCh)
	}
}

func (r *Reconciler) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", interval).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunCycle(context.Background(), false); err != nil {
				r.logger.Error().Err(err).Msg("reconciliation cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// RunCycle performs one reconciliation pass across every node and site.
// When dryRun is true, drift is reported but no Backup row is mutated —
// used by the manual POST /storage/reconcile?dry_run=true endpoint.
func (r *Reconciler) RunCycle(ctx context.Context, dryRun bool) (Result, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	var total Result

	nodes, err := r.nodes.List(ctx, nil)
	if err != nil {
		return total, err
	}

	for _, n := range nodes {
		sites, err := r.sites.ListByNode(ctx, n.ID)
		if err != nil {
			r.logger.Error().Err(err).Int64("node_id", n.ID).Msg("failed to list sites for reconciliation")
			continue
		}
		var nodeRecomputed int64
		for _, site := range sites {
			threshold := r.resolveDriftFraction(ctx, n.ID, site.ID)
			res, siteUsed, err := r.reconcileSite(ctx, n.UUID, site, threshold, dryRun)
			if err != nil {
				r.logger.Error().Err(err).Int64("site_id", site.ID).Msg("failed to reconcile site")
				continue
			}
			nodeRecomputed += siteUsed
			total.OrphanObjects = append(total.OrphanObjects, res.OrphanObjects...)
			total.MissingObjects = append(total.MissingObjects, res.MissingObjects...)
			total.DriftBytes += res.DriftBytes
		}
		if !dryRun && r.nodeStore != nil && driftExceeds(n.StorageUsedBytes, nodeRecomputed, r.resolveDriftFraction(ctx, n.ID, 0)) {
			if err := r.nodeStore.SetUsedBytes(ctx, n.ID, nodeRecomputed); err != nil {
				r.logger.Error().Err(err).Int64("node_id", n.ID).Msg("failed to write back recomputed node used bytes")
			} else {
				r.logger.Info().Int64("node_id", n.ID).Int64("was", n.StorageUsedBytes).Int64("now", nodeRecomputed).Msg("corrected node storage drift")
			}
		}
	}

	metrics.ReconciliationDriftBytes.Set(float64(total.DriftBytes))
	metrics.OrphanObjectsTotal.Set(float64(len(total.OrphanObjects)))

	return total, nil
}

// reconcileSite scans one site's objects against its backup rows and
// returns the drift result plus the site's recomputed used-bytes total
// (the sum of its non-deleted SUCCESS backups), writing that total back
// when it has drifted from the stored value by more than threshold.
func (r *Reconciler) reconcileSite(ctx context.Context, nodeUUID string, site types.Site, threshold float64, dryRun bool) (Result, int64, error) {
	var result Result

	backups, err := r.backups.ListBySite(ctx, site.ID)
	if err != nil {
		return result, site.StorageUsedBytes, err
	}

	var recomputed int64
	bySuccessPath := make(map[string]types.Backup, len(backups))
	for _, b := range backups {
		if b.Status == types.BackupStatusSuccess {
			recomputed += b.SizeBytes
			if b.ObjectPath != "" {
				bySuccessPath[b.ObjectPath] = b
			}
		}
	}

	if !dryRun && r.siteStore != nil && driftExceeds(site.StorageUsedBytes, recomputed, threshold) {
		if err := r.siteStore.SetUsedBytes(ctx, site.ID, recomputed); err != nil {
			r.logger.Error().Err(err).Int64("site_id", site.ID).Msg("failed to write back recomputed site used bytes")
		} else {
			r.logger.Info().Int64("site_id", site.ID).Int64("was", site.StorageUsedBytes).Int64("now", recomputed).Msg("corrected site storage drift")
		}
	}

	if site.StorageProviderID == 0 {
		return result, recomputed, nil
	}
	prefix := sitePrefix(nodeUUID, site)
	objects, err := r.objects.ListObjects(ctx, site.StorageProviderID, prefix)
	if err != nil {
		return result, recomputed, err
	}

	seen := make(map[string]bool, len(objects))
	for _, obj := range objects {
		seen[obj.Key] = true
		if _, ok := bySuccessPath[obj.Key]; !ok {
			result.OrphanObjects = append(result.OrphanObjects, obj)
			result.DriftBytes += obj.SizeBytes
		}
	}

	for path, b := range bySuccessPath {
		if !seen[path] {
			result.MissingObjects = append(result.MissingObjects, b)
			result.DriftBytes += b.SizeBytes
			if !dryRun {
				if err := r.backups.MarkFailed(ctx, b.ID, "integrity", "backup object missing from storage provider"); err != nil {
					r.logger.Error().Err(err).Int64("backup_id", b.ID).Msg("failed to mark missing backup as failed")
				}
			}
		}
	}

	return result, recomputed, nil
}

// resolveDriftFraction resolves the global/node/site drift-fraction
// setting chain for a scan; siteID of 0 resolves only the global/node
// levels, for the per-node write-back check.
func (r *Reconciler) resolveDriftFraction(ctx context.Context, nodeID, siteID int64) float64 {
	if r.settingsSrc == nil {
		return settings.DefaultDriftFraction
	}
	globalRaw, _ := r.settingsSrc.ForScope(ctx, master.ScopeGlobal, 0)
	nodeRaw, _ := r.settingsSrc.ForScope(ctx, master.ScopeNode, nodeID)
	var siteOverrides *settings.Overrides
	if siteID != 0 {
		siteRaw, _ := r.settingsSrc.ForScope(ctx, master.ScopeSite, siteID)
		siteOverrides = settings.ParseOverrides(siteRaw)
	}
	resolved := settings.Resolve(
		settings.ParseOverrides(globalRaw),
		settings.ParseOverrides(nodeRaw),
		siteOverrides,
	)
	return resolved.DriftFraction
}

// driftExceeds reports whether recomputed differs from stored by more
// than fraction, relative to the larger of the two totals.
func driftExceeds(stored, recomputed int64, fraction float64) bool {
	if stored == recomputed {
		return false
	}
	denom := math.Max(math.Abs(float64(stored)), math.Abs(float64(recomputed)))
	if denom == 0 {
		return false
	}
	return math.Abs(float64(recomputed-stored))/denom > fraction
}

// sitePrefix mirrors the upload stage's object key layout used by
// internal/pipeline's upload stage: {node_uuid}/{site_uuid}/.
func sitePrefix(nodeUUID string, site types.Site) string {
	return nodeUUID + "/" + site.UUID + "/"
}
