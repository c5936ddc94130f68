package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/fleetbackup/internal/types"
)

type fakeSites struct {
	site          types.Site
	exceededCalls []*time.Time
}

func (f *fakeSites) GetByID(_ context.Context, id int64) (types.Site, error) { return f.site, nil }
func (f *fakeSites) MarkQuotaExceeded(_ context.Context, id int64, at *time.Time) error {
	f.exceededCalls = append(f.exceededCalls, at)
	f.site.QuotaExceededAt = at
	return nil
}

type fakeNodes struct {
	node types.Node
}

func (f *fakeNodes) GetByID(_ context.Context, id int64) (types.Node, error) { return f.node, nil }

type fakeBackups struct {
	stale      []types.Backup
	scheduled  []int64
}

func (f *fakeBackups) SuccessfulBeyondRetention(_ context.Context, siteID int64, keep int) ([]types.Backup, error) {
	return f.stale, nil
}
func (f *fakeBackups) ScheduleDeletion(_ context.Context, backupID int64, at time.Time) error {
	f.scheduled = append(f.scheduled, backupID)
	return nil
}

func TestCheckPreflightWithinQuota(t *testing.T) {
	sites := &fakeSites{site: types.Site{ID: 1, NodeID: 1, StorageUsedBytes: 1 << 20, StorageQuotaBytes: 1 << 30}}
	nodes := &fakeNodes{node: types.Node{ID: 1, StorageUsedBytes: 1 << 20, StorageQuotaBytes: 1 << 30}}
	c := NewChecker(sites, nodes, &fakeBackups{})

	proj, err := c.CheckPreflight(context.Background(), 1, 1<<20)
	require.NoError(t, err)
	assert.True(t, proj.WithinQuota)
}

func TestCheckPreflightExceedsSiteQuota(t *testing.T) {
	sites := &fakeSites{site: types.Site{ID: 1, NodeID: 1, StorageUsedBytes: 900 << 20, StorageQuotaBytes: 1 << 30}}
	nodes := &fakeNodes{node: types.Node{ID: 1, StorageQuotaBytes: 0}}
	c := NewChecker(sites, nodes, &fakeBackups{})

	proj, err := c.CheckPreflight(context.Background(), 1, 500<<20)
	require.NoError(t, err)
	assert.False(t, proj.WithinQuota)
}

func TestRequirePreflightReturnsQuotaExceededError(t *testing.T) {
	sites := &fakeSites{site: types.Site{ID: 1, NodeID: 1, StorageUsedBytes: 1 << 30, StorageQuotaBytes: 1 << 30}}
	nodes := &fakeNodes{node: types.Node{ID: 1}}
	c := NewChecker(sites, nodes, &fakeBackups{})

	err := c.RequirePreflight(context.Background(), 1, 1)
	require.Error(t, err)
}

func TestUnlimitedQuotaAlwaysPasses(t *testing.T) {
	sites := &fakeSites{site: types.Site{ID: 1, NodeID: 1, StorageUsedBytes: 1 << 40, StorageQuotaBytes: 0}}
	nodes := &fakeNodes{node: types.Node{ID: 1, StorageQuotaBytes: 0}}
	c := NewChecker(sites, nodes, &fakeBackups{})

	proj, err := c.CheckPreflight(context.Background(), 1, 1<<40)
	require.NoError(t, err)
	assert.True(t, proj.WithinQuota)
}

func TestSyncQuotaExceededFlagSetsAndClears(t *testing.T) {
	sites := &fakeSites{site: types.Site{ID: 1, StorageUsedBytes: 2 << 30, StorageQuotaBytes: 1 << 30}}
	c := NewChecker(sites, &fakeNodes{}, &fakeBackups{})

	require.NoError(t, c.SyncQuotaExceededFlag(context.Background(), 1))
	require.Len(t, sites.exceededCalls, 1)
	assert.NotNil(t, sites.exceededCalls[0])

	sites.site.StorageUsedBytes = 1 << 20 // back under quota
	require.NoError(t, c.SyncQuotaExceededFlag(context.Background(), 1))
	require.Len(t, sites.exceededCalls, 2)
	assert.Nil(t, sites.exceededCalls[1])
}

func TestApplyRetentionSchedulesEachStaleBackup(t *testing.T) {
	backups := &fakeBackups{stale: []types.Backup{{ID: 10}, {ID: 11}}}
	c := NewChecker(&fakeSites{}, &fakeNodes{}, backups)

	n, err := c.ApplyRetention(context.Background(), types.Site{ID: 1, Schedule: types.Schedule{RetentionCopies: 7}}, 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []int64{10, 11}, backups.scheduled)
}
