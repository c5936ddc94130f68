package reconcile

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelhq/fleetbackup/internal/store/master"
	"github.com/kestrelhq/fleetbackup/internal/types"
)

type fakeObjects struct {
	bySite map[int64][]ObjectInfo
}

func (f *fakeObjects) ListObjects(_ context.Context, providerID int64, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for _, obj := range f.bySite[providerID] {
		if strings.HasPrefix(obj.Key, prefix) {
			out = append(out, obj)
		}
	}
	return out, nil
}

type fakeBackupStore struct {
	bySite map[int64][]types.Backup
	failed []int64
}

func (f *fakeBackupStore) ListBySite(_ context.Context, siteID int64) ([]types.Backup, error) {
	return f.bySite[siteID], nil
}

func (f *fakeBackupStore) MarkFailed(_ context.Context, backupID int64, kind, message string) error {
	f.failed = append(f.failed, backupID)
	return nil
}

type fakeSiteLister struct {
	byNode map[int64][]types.Site
}

func (f *fakeSiteLister) ListByNode(_ context.Context, nodeID int64) ([]types.Site, error) {
	return f.byNode[nodeID], nil
}

type fakeNodeLister struct {
	nodes []types.Node
}

func (f *fakeNodeLister) List(_ context.Context, ids []int64) ([]types.Node, error) {
	return f.nodes, nil
}

type fakeSiteStore struct {
	written map[int64]int64
}

func (f *fakeSiteStore) SetUsedBytes(_ context.Context, id int64, bytes int64) error {
	if f.written == nil {
		f.written = make(map[int64]int64)
	}
	f.written[id] = bytes
	return nil
}

type fakeNodeStore struct {
	written map[int64]int64
}

func (f *fakeNodeStore) SetUsedBytes(_ context.Context, id int64, bytes int64) error {
	if f.written == nil {
		f.written = make(map[int64]int64)
	}
	f.written[id] = bytes
	return nil
}

type fakeSettingsSource struct{}

func (f *fakeSettingsSource) ForScope(_ context.Context, _ master.Scope, _ int64) (map[string]string, error) {
	return nil, nil
}

const testNodeUUID = "node-uuid-1"

func newTestReconciler(objects ObjectLister, backups BackupStore, sites SiteLister, nodes NodeLister) *Reconciler {
	return NewReconciler(objects, backups, sites, nodes, &fakeSiteStore{}, &fakeNodeStore{}, &fakeSettingsSource{})
}

func TestReconcileSiteFindsOrphanObject(t *testing.T) {
	site := types.Site{ID: 1, UUID: "site-uuid-1", StorageProviderID: 7}
	objects := &fakeObjects{bySite: map[int64][]ObjectInfo{
		7: {{Key: testNodeUUID + "/site-uuid-1/orphan.tar.zst", SizeBytes: 1024}},
	}}
	backups := &fakeBackupStore{bySite: map[int64][]types.Backup{}}

	r := newTestReconciler(objects, backups, &fakeSiteLister{}, &fakeNodeLister{})
	result, _, err := r.reconcileSite(context.Background(), testNodeUUID, site, 0.01, false)
	require.NoError(t, err)
	require.Len(t, result.OrphanObjects, 1)
	assert.Equal(t, testNodeUUID+"/site-uuid-1/orphan.tar.zst", result.OrphanObjects[0].Key)
	assert.Equal(t, int64(1024), result.DriftBytes)
}

func TestReconcileSiteFindsMissingObjectAndMarksFailed(t *testing.T) {
	site := types.Site{ID: 1, UUID: "site-uuid-1", StorageProviderID: 7}
	objects := &fakeObjects{bySite: map[int64][]ObjectInfo{7: {}}}
	backups := &fakeBackupStore{bySite: map[int64][]types.Backup{
		1: {{ID: 99, Status: types.BackupStatusSuccess, ObjectPath: testNodeUUID + "/site-uuid-1/gone.tar.zst", SizeBytes: 2048}},
	}}

	r := newTestReconciler(objects, backups, &fakeSiteLister{}, &fakeNodeLister{})
	result, _, err := r.reconcileSite(context.Background(), testNodeUUID, site, 0.01, false)
	require.NoError(t, err)
	require.Len(t, result.MissingObjects, 1)
	assert.Equal(t, int64(99), result.MissingObjects[0].ID)
	assert.Equal(t, int64(2048), result.DriftBytes)
	assert.Equal(t, []int64{99}, backups.failed)
}

func TestReconcileSiteDryRunDoesNotMarkFailed(t *testing.T) {
	site := types.Site{ID: 1, UUID: "site-uuid-1", StorageProviderID: 7}
	objects := &fakeObjects{bySite: map[int64][]ObjectInfo{7: {}}}
	backups := &fakeBackupStore{bySite: map[int64][]types.Backup{
		1: {{ID: 99, Status: types.BackupStatusSuccess, ObjectPath: testNodeUUID + "/site-uuid-1/gone.tar.zst", SizeBytes: 2048}},
	}}

	r := newTestReconciler(objects, backups, &fakeSiteLister{}, &fakeNodeLister{})
	result, _, err := r.reconcileSite(context.Background(), testNodeUUID, site, 0.01, true)
	require.NoError(t, err)
	require.Len(t, result.MissingObjects, 1)
	assert.Empty(t, backups.failed)
}

func TestReconcileSiteNoDriftWhenObjectsMatchRows(t *testing.T) {
	site := types.Site{ID: 1, UUID: "site-uuid-1", StorageProviderID: 7, StorageUsedBytes: 512}
	objects := &fakeObjects{bySite: map[int64][]ObjectInfo{
		7: {{Key: testNodeUUID + "/site-uuid-1/ok.tar.zst", SizeBytes: 512}},
	}}
	backups := &fakeBackupStore{bySite: map[int64][]types.Backup{
		1: {{ID: 5, Status: types.BackupStatusSuccess, ObjectPath: testNodeUUID + "/site-uuid-1/ok.tar.zst", SizeBytes: 512}},
	}}

	siteStore := &fakeSiteStore{}
	r := NewReconciler(objects, backups, &fakeSiteLister{}, &fakeNodeLister{}, siteStore, &fakeNodeStore{}, &fakeSettingsSource{})
	result, recomputed, err := r.reconcileSite(context.Background(), testNodeUUID, site, 0.01, false)
	require.NoError(t, err)
	assert.Empty(t, result.OrphanObjects)
	assert.Empty(t, result.MissingObjects)
	assert.Zero(t, result.DriftBytes)
	assert.Equal(t, int64(512), recomputed)
	assert.Empty(t, siteStore.written)
}

func TestReconcileSiteSkipsSiteWithoutStorageProvider(t *testing.T) {
	site := types.Site{ID: 1, StorageProviderID: 0}
	r := newTestReconciler(&fakeObjects{}, &fakeBackupStore{}, &fakeSiteLister{}, &fakeNodeLister{})
	result, _, err := r.reconcileSite(context.Background(), testNodeUUID, site, 0.01, false)
	require.NoError(t, err)
	assert.Empty(t, result.OrphanObjects)
	assert.Empty(t, result.MissingObjects)
}

func TestReconcileSiteWritesBackDriftedTotal(t *testing.T) {
	site := types.Site{ID: 1, UUID: "site-uuid-1", StorageProviderID: 7, StorageUsedBytes: 10 << 20}
	objects := &fakeObjects{bySite: map[int64][]ObjectInfo{7: {}}}
	backups := &fakeBackupStore{bySite: map[int64][]types.Backup{
		1: {{ID: 1, Status: types.BackupStatusSuccess, SizeBytes: 6 << 20}},
	}}

	siteStore := &fakeSiteStore{}
	r := NewReconciler(objects, backups, &fakeSiteLister{}, &fakeNodeLister{}, siteStore, &fakeNodeStore{}, &fakeSettingsSource{})
	_, recomputed, err := r.reconcileSite(context.Background(), testNodeUUID, site, 0.01, false)
	require.NoError(t, err)
	assert.Equal(t, int64(6<<20), recomputed)
	assert.Equal(t, int64(6<<20), siteStore.written[1])
}

func TestReconcileSiteDryRunDoesNotWriteBackDrift(t *testing.T) {
	site := types.Site{ID: 1, UUID: "site-uuid-1", StorageProviderID: 7, StorageUsedBytes: 10 << 20}
	objects := &fakeObjects{bySite: map[int64][]ObjectInfo{7: {}}}
	backups := &fakeBackupStore{bySite: map[int64][]types.Backup{
		1: {{ID: 1, Status: types.BackupStatusSuccess, SizeBytes: 6 << 20}},
	}}

	siteStore := &fakeSiteStore{}
	r := NewReconciler(objects, backups, &fakeSiteLister{}, &fakeNodeLister{}, siteStore, &fakeNodeStore{}, &fakeSettingsSource{})
	_, _, err := r.reconcileSite(context.Background(), testNodeUUID, site, 0.01, true)
	require.NoError(t, err)
	assert.Empty(t, siteStore.written)
}

func TestRunCycleWalksEveryNodeAndSite(t *testing.T) {
	nodes := &fakeNodeLister{nodes: []types.Node{{ID: 1, UUID: "node-1"}, {ID: 2, UUID: "node-2"}}}
	sites := &fakeSiteLister{byNode: map[int64][]types.Site{
		1: {{ID: 10, UUID: "site-10", StorageProviderID: 7}},
		2: {{ID: 20, UUID: "site-20", StorageProviderID: 7}},
	}}
	objects := &fakeObjects{bySite: map[int64][]ObjectInfo{
		7: {{Key: "node-1/site-10/orphan.tar.zst", SizeBytes: 100}},
	}}
	backups := &fakeBackupStore{bySite: map[int64][]types.Backup{}}

	r := newTestReconciler(objects, backups, sites, nodes)
	result, err := r.RunCycle(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, result.OrphanObjects, 1)
}

func TestStopIsIdempotent(t *testing.T) {
	r := newTestReconciler(&fakeObjects{}, &fakeBackupStore{}, &fakeSiteLister{}, &fakeNodeLister{})
	r.Stop()
	r.Stop()
}
