// Package httpapi is the Master's HTTP surface: the bearer/API-key
// authenticated endpoints for backup lifecycle control, node enrollment,
// quota, and storage-drift reconciliation, plus the plain
// liveness/readiness/log-tail endpoints an operator polls.
//
// Routing runs on a github.com/go-chi/chi/v5 router, github.com/go-chi/cors
// for browser access, and github.com/go-playground/validator/v10 for
// request-body validation. The health/ready split and Prometheus /metrics
// passthrough fold a database ping and an active-storage-provider count
// into the liveness and readiness responses.
package httpapi
