package auth

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

type fakeAssignments struct {
	nodesByUser map[int64][]int64
	sitesByUser map[int64][]int64
}

func (f *fakeAssignments) AssignedNodeIDs(ctx context.Context, userID int64) ([]int64, error) {
	return f.nodesByUser[userID], nil
}

func (f *fakeAssignments) AssignedSiteIDs(ctx context.Context, userID int64) ([]int64, error) {
	return f.sitesByUser[userID], nil
}

func TestCanAccessNodeSuperAdminSeesEverything(t *testing.T) {
	r := NewRBAC(&fakeAssignments{})
	ok, err := r.CanAccessNode(context.Background(), &Claims{UserID: 1, Role: types.RoleSuperAdmin}, 999)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCanAccessNodeNodeAdminOnlyAssigned(t *testing.T) {
	r := NewRBAC(&fakeAssignments{nodesByUser: map[int64][]int64{5: {10, 11}}})
	claims := &Claims{UserID: 5, Role: types.RoleNodeAdmin}

	ok, err := r.CanAccessNode(context.Background(), claims, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CanAccessNode(context.Background(), claims, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAccessNodeSiteAdminNeverSeesNodes(t *testing.T) {
	r := NewRBAC(&fakeAssignments{})
	ok, err := r.CanAccessNode(context.Background(), &Claims{UserID: 1, Role: types.RoleSiteAdmin}, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAccessSiteNodeAdminSeesSitesOnAssignedNodeWithoutDirectSiteAssignment(t *testing.T) {
	r := NewRBAC(&fakeAssignments{nodesByUser: map[int64][]int64{5: {10}}})
	claims := &Claims{UserID: 5, Role: types.RoleNodeAdmin}

	ok, err := r.CanAccessSite(context.Background(), claims, 100, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CanAccessSite(context.Background(), claims, 100, 20)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCanAccessSiteSiteAdminRequiresDirectAssignment(t *testing.T) {
	r := NewRBAC(&fakeAssignments{sitesByUser: map[int64][]int64{7: {100}}})
	claims := &Claims{UserID: 7, Role: types.RoleSiteAdmin}

	ok, err := r.CanAccessSite(context.Background(), claims, 100, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.CanAccessSite(context.Background(), claims, 200, 10)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFilterNodeIDsNodeAdminIntersectsAssignment(t *testing.T) {
	r := NewRBAC(&fakeAssignments{nodesByUser: map[int64][]int64{5: {10, 11}}})
	claims := &Claims{UserID: 5, Role: types.RoleNodeAdmin}

	filtered, err := r.FilterNodeIDs(context.Background(), claims, []int64{10, 11, 12})
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 11}, filtered)
}

func TestFilterNodeIDsSiteAdminSeesNone(t *testing.T) {
	r := NewRBAC(&fakeAssignments{})
	claims := &Claims{UserID: 7, Role: types.RoleSiteAdmin}

	filtered, err := r.FilterNodeIDs(context.Background(), claims, []int64{10, 11})
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestFilterSiteIDsNodeAdminSeesSitesOnAssignedNodes(t *testing.T) {
	r := NewRBAC(&fakeAssignments{nodesByUser: map[int64][]int64{5: {10}}})
	claims := &Claims{UserID: 5, Role: types.RoleNodeAdmin}

	filtered, err := r.FilterSiteIDs(context.Background(), claims, map[int64]int64{100: 10, 200: 20})
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, filtered)
}

func TestFilterSiteIDsSuperAdminSeesAll(t *testing.T) {
	r := NewRBAC(&fakeAssignments{})
	claims := &Claims{UserID: 1, Role: types.RoleSuperAdmin}

	filtered, err := r.FilterSiteIDs(context.Background(), claims, map[int64]int64{100: 10, 200: 20})
	require.NoError(t, err)
	sort.Slice(filtered, func(i, j int) bool { return filtered[i] < filtered[j] })
	assert.Equal(t, []int64{100, 200}, filtered)
}
