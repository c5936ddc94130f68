package auth

import (
	"context"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

// AssignmentSource is the subset of internal/store/master's M:N
// assignment tables this package depends on: which nodes and which
// sites a node_admin or site_admin principal is scoped to. super_admin
// needs no assignment lookup at all.
type AssignmentSource interface {
	AssignedNodeIDs(ctx context.Context, userID int64) ([]int64, error)
	AssignedSiteIDs(ctx context.Context, userID int64) ([]int64, error)
}

// RBAC answers the "may this principal see X" questions list endpoints
// apply server-side.
type RBAC struct {
	assignments AssignmentSource
}

// NewRBAC builds an RBAC checker over assignments.
func NewRBAC(assignments AssignmentSource) *RBAC {
	return &RBAC{assignments: assignments}
}

// CanAccessNode reports whether claims may see nodeID.
func (r *RBAC) CanAccessNode(ctx context.Context, claims *Claims, nodeID int64) (bool, error) {
	switch claims.Role {
	case types.RoleSuperAdmin:
		return true, nil
	case types.RoleNodeAdmin:
		ids, err := r.assignments.AssignedNodeIDs(ctx, claims.UserID)
		if err != nil {
			return false, err
		}
		return containsInt64(ids, nodeID), nil
	default:
		// site_admin has no direct node visibility.
		return false, nil
	}
}

// CanAccessSite reports whether claims may see a site, given the id of
// the node it lives on. A node_admin sees every site on a node in their
// assigned set even without a direct site assignment; a site_admin sees
// only sites directly assigned to them.
func (r *RBAC) CanAccessSite(ctx context.Context, claims *Claims, siteID, siteNodeID int64) (bool, error) {
	switch claims.Role {
	case types.RoleSuperAdmin:
		return true, nil
	case types.RoleNodeAdmin:
		nodeIDs, err := r.assignments.AssignedNodeIDs(ctx, claims.UserID)
		if err != nil {
			return false, err
		}
		return containsInt64(nodeIDs, siteNodeID), nil
	case types.RoleSiteAdmin:
		siteIDs, err := r.assignments.AssignedSiteIDs(ctx, claims.UserID)
		if err != nil {
			return false, err
		}
		return containsInt64(siteIDs, siteID), nil
	default:
		return false, nil
	}
}

// FilterNodeIDs narrows all down to the nodes claims may see, for list
// endpoints.
func (r *RBAC) FilterNodeIDs(ctx context.Context, claims *Claims, all []int64) ([]int64, error) {
	if claims.Role == types.RoleSuperAdmin {
		return all, nil
	}
	if claims.Role != types.RoleNodeAdmin {
		return nil, nil
	}
	assigned, err := r.assignments.AssignedNodeIDs(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	return intersectInt64(all, assigned), nil
}

// FilterSiteIDs narrows siteNodeIDs (site id -> owning node id) down to
// the sites claims may see.
func (r *RBAC) FilterSiteIDs(ctx context.Context, claims *Claims, siteNodeIDs map[int64]int64) ([]int64, error) {
	if claims.Role == types.RoleSuperAdmin {
		out := make([]int64, 0, len(siteNodeIDs))
		for siteID := range siteNodeIDs {
			out = append(out, siteID)
		}
		return out, nil
	}

	switch claims.Role {
	case types.RoleNodeAdmin:
		nodeIDs, err := r.assignments.AssignedNodeIDs(ctx, claims.UserID)
		if err != nil {
			return nil, err
		}
		nodeSet := toSet(nodeIDs)
		out := make([]int64, 0)
		for siteID, nodeID := range siteNodeIDs {
			if nodeSet[nodeID] {
				out = append(out, siteID)
			}
		}
		return out, nil
	case types.RoleSiteAdmin:
		siteIDs, err := r.assignments.AssignedSiteIDs(ctx, claims.UserID)
		if err != nil {
			return nil, err
		}
		siteSet := toSet(siteIDs)
		out := make([]int64, 0)
		for siteID := range siteNodeIDs {
			if siteSet[siteID] {
				out = append(out, siteID)
			}
		}
		return out, nil
	default:
		return nil, nil
	}
}

func containsInt64(haystack []int64, needle int64) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func intersectInt64(all, allowed []int64) []int64 {
	allowedSet := toSet(allowed)
	out := make([]int64, 0, len(all))
	for _, v := range all {
		if allowedSet[v] {
			out = append(out, v)
		}
	}
	return out
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
