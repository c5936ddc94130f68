// Package master polls fleet-wide Prometheus gauges for the Master
// control plane: node counts by status, total sites, total storage
// providers. It holds no request-handling or state-transition logic of
// its own — that lives in internal/httpapi, internal/store/master,
// internal/quota, and internal/reconcile; this package only samples
// their results on a timer for /metrics.
package master
