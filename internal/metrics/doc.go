// Package metrics registers this repo's Prometheus collectors and exposes
// them over Handler(), plus a separate component-health tracker (GetHealth,
// GetReadiness and their HTTP handlers) used by /healthz and /readyz.
//
// Collectors are grouped by the subsystem that updates them: fleet gauges
// (fleetbackup_nodes_total, fleetbackup_sites_total,
// fleetbackup_storage_providers_total), pipeline counters and histograms
// (fleetbackup_backups_total, fleetbackup_stage_duration_seconds,
// fleetbackup_backup_duration_seconds, fleetbackup_backup_size_bytes),
// the resource governor (fleetbackup_governor_permit_wait_seconds), the
// HTTP API (fleetbackup_api_requests_total,
// fleetbackup_api_request_duration_seconds, fleetbackup_sse_subscribers),
// quota checks (fleetbackup_quota_checks_total), the drift reconciler
// (fleetbackup_reconciliation_duration_seconds,
// fleetbackup_reconciliation_cycles_total,
// fleetbackup_reconciliation_drift_bytes, fleetbackup_orphan_objects_total),
// and retention (fleetbackup_scheduled_deletions_total,
// fleetbackup_deletions_completed_total). Timer wraps the
// start-time/ObserveDuration pattern used to feed the histograms.
//
// Component health is a separate, smaller mechanism: RegisterComponent and
// UpdateComponent track named subsystems (e.g. "master_connectivity", fed
// by internal/health's HTTPChecker on cmd/node) as healthy/unhealthy with a
// message, and GetHealth/GetReadiness fold them into the liveness and
// readiness responses.
package metrics
