package manager

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, store storage.Store) (*Manager, *runtime.NopLimiter) {
	t.Helper()
	cfg := config.Default()
	cfg.RetryBaseDelay = time.Millisecond
	if store == nil {
		store = storage.NewMemoryStore()
	}
	limiter := runtime.NewNopLimiter()
	m, err := NewManager(cfg, Options{Limiter: limiter, Store: store})
	require.NoError(t, err)
	return m, limiter
}

func registerNodes(t *testing.T, m *Manager, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, m.RegisterResource(context.Background(), &types.ResourceInstance{
			ID:       id,
			Capacity: types.Requirements{CPU: 4, Memory: 4096},
		}, map[string]string{"zone": id}))
	}
}

func submit(t *testing.T, m *Manager, id string) *types.Workload {
	t.Helper()
	w, err := m.Submit(context.Background(), types.WorkloadSpec{
		ID:           id,
		Requirements: types.Requirements{CPU: 1, Memory: 512},
		Priority:     types.PriorityNormal,
	})
	require.NoError(t, err)
	return w
}

func TestNewManagerRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.ScaleUpFactor = 0.5
	_, err := NewManager(cfg, Options{Store: storage.NewMemoryStore()})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)

	cfg = config.Default()
	cfg.Strategy = "lottery"
	_, err = NewManager(cfg, Options{Store: storage.NewMemoryStore()})
	assert.ErrorIs(t, err, types.ErrUnknownStrategy)
}

func TestOpenStore(t *testing.T) {
	cfg := config.Default()
	store, err := OpenStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, store)

	cfg.Storage.Driver = config.StorageBolt
	cfg.Storage.DataDir = t.TempDir()
	store, err = OpenStore(cfg)
	require.NoError(t, err)
	assert.IsType(t, &storage.BoltStore{}, store)
	require.NoError(t, store.Close())

	cfg.Storage.Driver = "etcd"
	_, err = OpenStore(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestSubmitAndSchedule(t *testing.T) {
	m, limiter := newTestManager(t, nil)
	registerNodes(t, m, "node-a")

	w := submit(t, m, "w1")
	assert.Equal(t, types.WorkloadPending, w.Status)
	assert.Equal(t, 1, m.QueueDepth())

	res := m.ScheduleOnce(context.Background())
	assert.Equal(t, []string{"w1"}, res.Scheduled)
	assert.Equal(t, 0, m.QueueDepth())

	w, err := m.Workload("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkloadRunning, w.Status)
	assert.Equal(t, "node-a", w.ResourceID)

	rec, ok := m.Allocation("w1")
	require.True(t, ok)
	assert.Equal(t, types.Requirements{CPU: 1, Memory: 512}, rec.Amount)

	limits, ok := limiter.Limits("w1")
	require.True(t, ok)
	assert.Equal(t, rec.Amount, limits)

	// Placement refreshes the snapshot of the instance
	snap, err := m.store.LoadSnapshot(context.Background(), "node-a")
	require.NoError(t, err)
	require.Len(t, snap.Workloads, 1)
	assert.Equal(t, "node-a", snap.Config["zone"])

	assert.Equal(t, 1, m.WorkloadCounts()[types.WorkloadRunning])
}

func TestSubmitDuplicate(t *testing.T) {
	m, _ := newTestManager(t, nil)
	submit(t, m, "w1")
	_, err := m.Submit(context.Background(), types.WorkloadSpec{
		ID:           "w1",
		Requirements: types.Requirements{CPU: 1},
	})
	assert.ErrorIs(t, err, types.ErrDuplicateWorkload)
	assert.Equal(t, 1, m.QueueDepth())
}

func TestStopRunningWorkload(t *testing.T) {
	m, _ := newTestManager(t, nil)
	registerNodes(t, m, "node-a")
	submit(t, m, "w1")
	m.ScheduleOnce(context.Background())

	require.NoError(t, m.StopWorkload(context.Background(), "w1"))

	w, err := m.Workload("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkloadCompleted, w.Status)
	assert.Empty(t, w.ResourceID)
	_, ok := m.Allocation("w1")
	assert.False(t, ok)

	inst, err := m.Resource("node-a")
	require.NoError(t, err)
	assert.True(t, inst.Allocated.IsZero())

	// Stopping a terminal workload is a no-op
	assert.NoError(t, m.StopWorkload(context.Background(), "w1"))
}

func TestStopPendingWorkload(t *testing.T) {
	m, _ := newTestManager(t, nil)
	submit(t, m, "w1")

	require.NoError(t, m.StopWorkload(context.Background(), "w1"))

	w, err := m.Workload("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkloadFailed, w.Status)
	assert.Equal(t, 0, m.QueueDepth())
}

func TestDeleteWorkload(t *testing.T) {
	m, _ := newTestManager(t, nil)
	registerNodes(t, m, "node-a")
	submit(t, m, "w1")
	m.ScheduleOnce(context.Background())

	require.NoError(t, m.DeleteWorkload(context.Background(), "w1"))

	_, err := m.Workload("w1")
	assert.ErrorIs(t, err, types.ErrWorkloadNotFound)
	_, ok := m.Allocation("w1")
	assert.False(t, ok)
	assert.ErrorIs(t, m.DeleteWorkload(context.Background(), "w1"), types.ErrWorkloadNotFound)
}

func TestRegisterResourcePersists(t *testing.T) {
	m, _ := newTestManager(t, nil)
	registerNodes(t, m, "node-a")

	err := m.RegisterResource(context.Background(), &types.ResourceInstance{ID: "node-a"}, nil)
	assert.ErrorIs(t, err, types.ErrDuplicateResource)

	resources, err := m.store.ListResources(context.Background())
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, types.Requirements{CPU: 4, Memory: 4096}, resources[0].Capacity)
}

func TestDeregisterBusyResource(t *testing.T) {
	m, _ := newTestManager(t, nil)
	registerNodes(t, m, "node-a")
	submit(t, m, "w1")
	m.ScheduleOnce(context.Background())

	_, err := m.DeregisterResource(context.Background(), "node-a", false)
	assert.ErrorIs(t, err, types.ErrResourceBusy)
	assert.Len(t, m.Resources(), 1)
}

func TestDeregisterOrphansAreRecovered(t *testing.T) {
	m, _ := newTestManager(t, nil)
	t.Cleanup(func() { m.recovery.Stop() })
	registerNodes(t, m, "node-a")
	submit(t, m, "w1")
	m.ScheduleOnce(context.Background())
	registerNodes(t, m, "node-b")

	orphaned, err := m.DeregisterResource(context.Background(), "node-a", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, orphaned)

	require.Eventually(t, func() bool {
		rec, ok := m.Allocation("w1")
		return ok && rec.ResourceID == "node-b"
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(m.RecoveryResults()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	result := m.RecoveryResults()[0]
	assert.True(t, result.Success)
	assert.Equal(t, "node-a", result.ResourceID)

	w, err := m.Workload("w1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkloadRunning, w.Status)
	assert.Equal(t, "node-b", w.ResourceID)

	_, err = m.store.LoadSnapshot(context.Background(), "node-a")
	assert.ErrorIs(t, err, types.ErrSnapshotNotFound)
}

func TestEventsPublished(t *testing.T) {
	m, _ := newTestManager(t, nil)
	m.Broker().Start()
	t.Cleanup(m.Broker().Stop)
	sub := m.Broker().Subscribe()

	registerNodes(t, m, "node-a")
	submit(t, m, "w1")
	m.ScheduleOnce(context.Background())

	want := []events.EventType{
		events.EventResourceRegistered,
		events.EventWorkloadSubmitted,
		events.EventWorkloadScheduled,
	}
	for _, typ := range want {
		select {
		case e := <-sub:
			assert.Equal(t, typ, e.Type)
			if typ == events.EventWorkloadScheduled {
				assert.Equal(t, "node-a", e.Metadata[events.MetaResourceID])
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func TestStartReloadsResources(t *testing.T) {
	store := storage.NewMemoryStore()
	first, _ := newTestManager(t, store)
	registerNodes(t, first, "node-a", "node-b")

	second, _ := newTestManager(t, store)
	require.NoError(t, second.Start(context.Background()))
	t.Cleanup(func() { second.Stop() })

	resources := second.Resources()
	require.Len(t, resources, 2)
	assert.Equal(t, "node-a", resources[0].ID)
	assert.Equal(t, types.HealthAvailable, resources[0].Health)

	snap, err := second.registry.Snapshot("node-a")
	require.NoError(t, err)
	assert.Equal(t, "node-a", snap.Config["zone"])
}
