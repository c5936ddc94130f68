package progress

import (
	"sync"
	"time"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

// Store holds the single live types.ProgressRow for every site with a job
// that has run at least once since the Master process started.
type Store struct {
	mu   sync.RWMutex
	rows map[int64]types.ProgressRow
}

// NewStore builds an empty in-memory progress store.
func NewStore() *Store {
	return &Store{rows: make(map[int64]types.ProgressRow)}
}

// StartEpoch begins a new job for a site, allocating the next epoch and
// resetting the row to RUNNING. The returned epoch must be threaded
// through every subsequent Update call for this job — a report carrying
// any other epoch is stale and is rejected. backupID ties the live row
// back to the backups table row a terminal COMPLETED report must finalize.
func (s *Store) StartEpoch(siteID, backupID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.rows[siteID]
	epoch := prev.Epoch + 1
	s.rows[siteID] = types.ProgressRow{
		SiteID:    siteID,
		BackupID:  backupID,
		Epoch:     epoch,
		State:     types.ProgressRunning,
		StartedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return epoch
}

// Update applies a progress report if epoch matches the row's current
// epoch; otherwise the report is from a superseded job and is silently
// dropped. Returns the row after the attempted update and whether the
// write was applied.
func (s *Store) Update(siteID, epoch int64, mutate func(*types.ProgressRow)) (types.ProgressRow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[siteID]
	if !ok || row.Epoch != epoch {
		return row, false
	}
	mutate(&row)
	row.UpdatedAt = time.Now()
	s.rows[siteID] = row
	return row, true
}

// Get returns the current row for a site, and whether one exists.
func (s *Store) Get(siteID int64) (types.ProgressRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[siteID]
	return row, ok
}

// RequestCancellation flags the current epoch's row for cooperative
// cancellation; the pipeline checks this at its stage boundaries.
func (s *Store) RequestCancellation(siteID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[siteID]
	if !ok || row.State.IsTerminal() {
		return false
	}
	row.CancellationRequested = true
	row.UpdatedAt = time.Now()
	s.rows[siteID] = row
	return true
}

// ForceIdle forcibly resets a site's row to IDLE under a fresh epoch,
// invalidating any report still in flight under the old epoch: it backs
// POST /daemon/backup/reset/{id}, recovering a stale RUNNING row left
// behind by a Node process that died mid-job.
func (s *Store) ForceIdle(siteID int64) types.ProgressRow {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.rows[siteID]
	row := types.ProgressRow{
		SiteID:    siteID,
		Epoch:     prev.Epoch + 1,
		State:     types.ProgressIdle,
		UpdatedAt: time.Now(),
	}
	s.rows[siteID] = row
	return row
}

// IsCancellationRequested reports whether the site's current job has a
// pending stop request, for the pipeline's cancellation checks.
func (s *Store) IsCancellationRequested(siteID, epoch int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[siteID]
	return ok && row.Epoch == epoch && row.CancellationRequested
}
