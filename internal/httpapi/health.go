package httpapi

import (
	"net/http"
	"time"
)

// HealthResponse is the liveness check body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadyResponse is the readiness check body.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleHealthz is a pure liveness check: it answers as soon as the process
// can serve HTTP at all, with no dependency reachability involved.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Timestamp: time.Now()})
}

// handleReadyz checks the two things an operator's load balancer actually
// needs before routing traffic here: the database is reachable, and at
// least one storage provider is active — without a
// provider, every backup would fail preflight regardless of DB health.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if err := s.db.PingContext(r.Context()); err != nil {
		checks["database"] = "error: " + err.Error()
		ready = false
		message = "database not reachable"
	} else {
		checks["database"] = "ok"
	}

	providers, err := s.storageProviders.List(r.Context())
	if err != nil {
		checks["storage_providers"] = "error: " + err.Error()
		ready = false
		if message == "" {
			message = "storage providers not queryable"
		}
	} else {
		active := 0
		for _, p := range providers {
			if p.IsActive {
				active++
			}
		}
		if active == 0 {
			checks["storage_providers"] = "0 active"
			ready = false
			if message == "" {
				message = "no active storage provider configured"
			}
		} else {
			checks["storage_providers"] = "ok"
		}
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, ReadyResponse{Status: status, Timestamp: time.Now(), Checks: checks, Message: message})
}

// logTailResponse is the wire shape of GET /admin/logs/tail.
type logTailResponse struct {
	Lines []string `json:"lines"`
}

// handleLogsTail serves the most recent lines from the in-memory ring
// buffer every log entry is duplicated into. Restricted
// to super_admin by the route's RBAC middleware.
func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	n := intQueryParam(r, "lines", 200)
	writeJSON(w, http.StatusOK, logTailResponse{Lines: s.logTail.Tail(n)})
}
