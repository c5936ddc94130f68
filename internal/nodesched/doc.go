// Package nodesched computes each site's next_run_at from its schedule
// spec and drains due sites into a single-writer-per-site work queue:
// the pipeline engine never runs two jobs for the same site
// concurrently, but different sites back up in parallel.
//
// A ticker-driven loop guarded by a mutex, shut down via a closed
// stopCh, dispatches one batch of due sites per cycle.
package nodesched
