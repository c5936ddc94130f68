package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhq/fleetbackup/internal/activity"
	"github.com/kestrelhq/fleetbackup/internal/ferrors"
	"github.com/kestrelhq/fleetbackup/internal/security"
	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

type joinRequestBody struct {
	Hostname string `json:"hostname" validate:"required"`
	Address  string `json:"address"`
}

type joinRequestResponse struct {
	RequestID string `json:"request_id"`
	Code      string `json:"code"`
}

// handleNodeJoinRequest is the public, unauthenticated entry point a Node
// daemon calls on first boot: it creates a PENDING node row
// and returns a short code for an operator to approve out of band.
func (s *Server) handleNodeJoinRequest(w http.ResponseWriter, r *http.Request) {
	var req joinRequestBody
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	code, err := security.GenerateRegistrationCode()
	if err != nil {
		writeError(w, ferrors.Wrap(ferrors.Fatal, err, "generate registration code"))
		return
	}

	node, err := s.nodes.CreatePending(r.Context(), req.Hostname, code)
	if err != nil {
		writeError(w, err)
		return
	}

	_ = s.activities.RecordFromRequest(r.Context(), r, "node:"+req.Hostname, activity.ActionNodeJoinRequested, node.UUID, map[string]any{
		"hostname": req.Hostname,
		"address":  req.Address,
	})

	writeJSON(w, http.StatusOK, joinRequestResponse{RequestID: node.UUID, Code: code})
}

type joinStatusResponse struct {
	Status types.NodeStatus `json:"status"`
	APIKey string           `json:"api_key,omitempty"`
}

// handleNodeJoinStatus is polled by a Node daemon awaiting approval. The
// plaintext API key is only ever present in the first response observing
// ACTIVE — pendingKeys.takeOnce enforces that.
func (s *Server) handleNodeJoinStatus(w http.ResponseWriter, r *http.Request) {
	code := security.NormalizeRegistrationCode(chi.URLParam(r, "code"))
	node, err := s.nodes.GetByRegistrationCode(r.Context(), code)
	if err != nil {
		if err == master.ErrNotFound {
			http.Error(w, "unknown registration code", http.StatusNotFound)
			return
		}
		writeError(w, err)
		return
	}

	resp := joinStatusResponse{Status: node.Status}
	if node.Status == types.NodeStatusActive {
		if key, ok := s.pendingKeys.takeOnce(node.ID); ok {
			resp.APIKey = key
			if err := s.nodes.ClearRegistrationCode(r.Context(), node.ID); err != nil {
				writeError(w, err)
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type approveNodeRequest struct {
	StorageQuotaBytes int64 `json:"storage_quota_bytes" validate:"gte=0"`
}

type approveNodeResponse struct {
	APIKey string `json:"api_key"`
}

// handleApproveNode transitions a PENDING node to ACTIVE, minting its API
// key and sealing it server-side as {node_id}.{secret} so apiKeyAuth can
// resolve the owning row without a bcrypt scan (see apiKeyNodeIDPrefix).
// The plaintext form is handed back here once, to the admin console, and
// cached for exactly one more handoff to the Node itself via
// /nodes/status/code/{code}.
func (s *Server) handleApproveNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathInt64Param(r, "nodeID")
	if err != nil {
		writeError(w, err)
		return
	}
	var req approveNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	secret, err := security.GenerateAPIKey()
	if err != nil {
		writeError(w, ferrors.Wrap(ferrors.Fatal, err, "generate node api key"))
		return
	}
	presented := fmt.Sprintf("%d.%s", nodeID, secret)
	hashed, err := security.HashAPIKey(presented)
	if err != nil {
		writeError(w, ferrors.Wrap(ferrors.Fatal, err, "hash node api key"))
		return
	}

	if err := s.nodes.Approve(r.Context(), nodeID, hashed, req.StorageQuotaBytes); err != nil {
		writeError(w, err)
		return
	}
	s.pendingKeys.put(nodeID, presented)

	claims, _ := claimsFromContext(r.Context())
	_ = s.activities.RecordFromRequest(r.Context(), r, claims.Username, activity.ActionNodeApproved, fmt.Sprintf("node:%d", nodeID), nil)

	writeJSON(w, http.StatusOK, approveNodeResponse{APIKey: presented})
}

// handleBlockNode revokes an active node's access without deleting its
// history — the node's next authenticated request is rejected by
// apiKeyAuth's ACTIVE status check.
func (s *Server) handleBlockNode(w http.ResponseWriter, r *http.Request) {
	nodeID, err := pathInt64Param(r, "nodeID")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.nodes.Block(r.Context(), nodeID); err != nil {
		writeError(w, err)
		return
	}

	claims, _ := claimsFromContext(r.Context())
	_ = s.activities.RecordFromRequest(r.Context(), r, claims.Username, activity.ActionNodeBlocked, fmt.Sprintf("node:%d", nodeID), nil)

	w.WriteHeader(http.StatusNoContent)
}
