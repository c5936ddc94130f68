package nodesched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrelhq/fleetbackup/internal/log"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

// SiteSource is the subset of internal/daemonclient.Client (or a local
// cache fed by it) this package depends on: the list of sites this Node
// is responsible for backing up.
type SiteSource interface {
	ListSites(ctx context.Context) ([]types.Site, error)
}

// RunFunc executes one backup job for site; the daemon wires this to
// internal/pipeline.Engine.RunJob with the governor, Master client, and
// progress reporter already bound.
type RunFunc func(ctx context.Context, site types.Site)

// Scheduler computes each site's next_run_at on a one-minute tick and
// dispatches due sites to RunFunc, never running two jobs for the same
// site concurrently. The single-writer-per-site guarantee is modeled as
// an in-flight set rather than a literal channel: a site with a job
// still running is simply skipped until the next tick finds it free
// again.
type Scheduler struct {
	sites SiteSource
	run   RunFunc
	tick  time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	nextRun  map[int64]time.Time
	inFlight map[int64]bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewScheduler builds a Scheduler with the spec's default one-minute
// tick granularity.
func NewScheduler(sites SiteSource, run RunFunc) *Scheduler {
	return &Scheduler{
		sites:    sites,
		run:      run,
		tick:     time.Minute,
		logger:   log.WithComponent("nodesched"),
		nextRun:  make(map[int64]time.Time),
		inFlight: make(map[int64]bool),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.doTick(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduling tick failed")
			}
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the tick loop; safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Scheduler) doTick(ctx context.Context) error {
	sites, err := s.sites.ListSites(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, site := range sites {
		if site.Schedule.Frequency == types.ScheduleManual {
			delete(s.nextRun, site.ID)
			continue
		}

		due, known := s.nextRun[site.ID]
		if !known {
			next, err := NextRunAt(site.Schedule, LoadSiteLocation(site.Timezone), now)
			if err != nil {
				s.logger.Warn().Int64("site_id", site.ID).Err(err).Msg("cannot compute next_run_at")
				continue
			}
			s.nextRun[site.ID] = next
			continue
		}

		if due.After(now) {
			continue
		}
		if s.inFlight[site.ID] {
			s.logger.Warn().Int64("site_id", site.ID).Msg("schedule due but previous job still running; skipping this tick")
			continue
		}

		next, err := NextRunAt(site.Schedule, LoadSiteLocation(site.Timezone), now)
		if err != nil {
			s.logger.Warn().Int64("site_id", site.ID).Err(err).Msg("cannot compute next_run_at")
		} else {
			s.nextRun[site.ID] = next
		}

		s.dispatch(ctx, site)
	}
	return nil
}

// TriggerNow dispatches site immediately, bypassing its schedule, for
// an on-demand "run now" request. It returns false without running
// anything if a job for this site is already in flight.
func (s *Scheduler) TriggerNow(ctx context.Context, site types.Site) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[site.ID] {
		return false
	}
	s.dispatch(ctx, site)
	return true
}

// dispatch must be called with s.mu held.
func (s *Scheduler) dispatch(ctx context.Context, site types.Site) {
	s.inFlight[site.ID] = true
	go s.runSite(ctx, site)
}

func (s *Scheduler) runSite(ctx context.Context, site types.Site) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, site.ID)
		s.mu.Unlock()
	}()
	s.run(ctx, site)
}

// IsInFlight reports whether a job is currently running for siteID,
// used by the "reset stuck" and status endpoints to decide whether a
// RUNNING progress row still has a live writer.
func (s *Scheduler) IsInFlight(siteID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[siteID]
}
