package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

// handleBackupStreamSSE streams a site's live progress row to an admin
// console: the current row
// immediately, then every subsequent change pushed by the broker, with a
// periodic keepalive tick so an idle proxy doesn't close the connection.
// The stream ends once a terminal state has been sent.
func (s *Server) handleBackupStreamSSE(w http.ResponseWriter, r *http.Request) {
	claims, _ := claimsFromContext(r.Context())
	siteID, err := pathInt64Param(r, "siteID")
	if err != nil {
		writeError(w, err)
		return
	}
	site, err := s.sites.GetByID(r.Context(), siteID)
	if err != nil {
		writeError(w, err)
		return
	}
	if ok, err := s.rbac.CanAccessSite(r.Context(), claims, siteID, site.NodeID); err != nil {
		writeError(w, err)
		return
	} else if !ok {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := s.broker.Subscribe(siteID)
	defer s.broker.Unsubscribe(siteID, sub)

	if row, ok := s.progressStore.Get(siteID); ok {
		if writeSSERow(w, row) {
			flusher.Flush()
			if row.State.IsTerminal() {
				return
			}
		}
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case row, ok := <-sub:
			if !ok {
				return
			}
			if writeSSERow(w, row) {
				flusher.Flush()
			}
			if row.State.IsTerminal() {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSERow(w http.ResponseWriter, row types.ProgressRow) bool {
	payload, err := json.Marshal(row)
	if err != nil {
		return false
	}
	fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
	return true
}
