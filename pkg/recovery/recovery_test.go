package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/allocation"
	"github.com/cuemby/burrow/pkg/balancer"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLimiter struct{}

func (nopLimiter) ApplyLimits(context.Context, string, types.Limits) (bool, error) { return true, nil }
func (nopLimiter) ReleaseResources(context.Context, string) error                  { return nil }

// stuckLimiter ignores its context and holds every ApplyLimits call until
// unblock is closed
type stuckLimiter struct{ unblock chan struct{} }

func (l stuckLimiter) ApplyLimits(context.Context, string, types.Limits) (bool, error) {
	<-l.unblock
	return true, nil
}

func (stuckLimiter) ReleaseResources(context.Context, string) error { return nil }

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []types.Alert
}

func (f *fakeNotifier) SendAlert(a types.Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
}

func (f *fakeNotifier) count(t types.AlertType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.alerts {
		if a.Type == t {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu    sync.Mutex
	snaps map[string]*types.RecoverySnapshot
}

func (f *fakeStore) SaveSnapshot(_ context.Context, s *types.RecoverySnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[s.ResourceID] = s
	return nil
}

func (f *fakeStore) LoadSnapshot(_ context.Context, id string) (*types.RecoverySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.snaps[id]
	if !ok {
		return nil, types.ErrSnapshotNotFound
	}
	return s, nil
}

type fakeProber struct{ err error }

func (f fakeProber) Probe(context.Context, *types.ResourceInstance) error { return f.err }

type fixture struct {
	registry  *registry.Registry
	lifecycle *workload.Lifecycle
	placer    *scheduler.Placer
	store     *fakeStore
	notifier  *fakeNotifier
}

func newFixture(t *testing.T, strategy string, nodes ...string) *fixture {
	t.Helper()
	f := &fixture{
		registry:  registry.New(),
		lifecycle: workload.NewLifecycle(workload.Config{MaxRetries: 3}),
		store:     &fakeStore{snaps: map[string]*types.RecoverySnapshot{}},
		notifier:  &fakeNotifier{},
	}
	for _, id := range nodes {
		require.NoError(t, f.registry.Register(&types.ResourceInstance{
			ID:       id,
			Capacity: types.Requirements{CPU: 4, Memory: 1024},
		}, map[string]string{"zone": "a"}))
	}
	s, err := allocation.New(allocation.Config{Strategy: strategy})
	require.NoError(t, err)
	f.placer = scheduler.NewPlacer(f.registry, s, balancer.New(balancer.DefaultWeights, 10), nopLimiter{}, f.store)
	return f
}

// running creates a workload bound to resourceID and snapshots the instance
func (f *fixture) running(t *testing.T, id, resourceID string) {
	t.Helper()
	amount := types.Requirements{CPU: 2, Memory: 256}
	_, err := f.lifecycle.Create(types.WorkloadSpec{ID: id, Requirements: amount})
	require.NoError(t, err)
	_, err = f.registry.Allocate(id, resourceID, amount)
	require.NoError(t, err)
	require.NoError(t, f.lifecycle.Bind(id, resourceID, amount))
	require.NoError(t, f.lifecycle.UpdateStatus(id, types.WorkloadRunning))
	f.placer.SaveSnapshot(context.Background(), resourceID)
}

func (f *fixture) fail(t *testing.T, resourceID string) {
	t.Helper()
	_, err := f.registry.SetHealth(resourceID, types.HealthUnavailable)
	require.NoError(t, err)
}

func (f *fixture) manager(cfg Config, prober types.ResourceProber) *Manager {
	return NewManager(cfg, f.registry, f.lifecycle, f.placer, f.store, prober, f.notifier)
}

func fastConfig() Config {
	return Config{MaxRetries: 3, BaseDelay: time.Millisecond, Timeout: time.Second, Workers: 2}
}

func TestRecoverFromSnapshot(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a", "node-b")
	f.running(t, "w1", "node-a")
	f.fail(t, "node-a")

	m := f.manager(fastConfig(), fakeProber{})
	result := m.HandleFailure(context.Background(), "node-a", "w1")

	require.True(t, result.Success)
	assert.Equal(t, "node-a", result.NewResource)
	assert.False(t, result.FailedOver)
	assert.Equal(t, 1, result.Attempts)
	assert.Empty(t, result.Delays)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, PathRestore, result.Actions[0].Kind)

	inst, err := f.registry.Get("node-a")
	require.NoError(t, err)
	assert.Equal(t, types.HealthAvailable, inst.Health)
	assert.Equal(t, []string{"w1"}, inst.Workloads)

	w, _ := f.lifecycle.Get("w1")
	assert.Equal(t, types.WorkloadRunning, w.Status)
	assert.Equal(t, 1, f.notifier.count(types.AlertRecovery))
}

func TestRecoverReallocatesWhenProbeFails(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a", "node-b")
	f.running(t, "w1", "node-a")
	f.fail(t, "node-a")

	m := f.manager(fastConfig(), fakeProber{err: errors.New("connection refused")})
	result := m.HandleFailure(context.Background(), "node-a", "w1")

	require.True(t, result.Success)
	assert.Equal(t, "node-b", result.NewResource)
	require.Len(t, result.Actions, 2)
	assert.Equal(t, PathRestore, result.Actions[0].Kind)
	assert.False(t, result.Actions[0].Success)
	assert.Equal(t, PathReallocate, result.Actions[1].Kind)
	assert.True(t, result.Actions[1].Success)

	rec, ok := f.registry.Record("w1")
	require.True(t, ok)
	assert.Equal(t, "node-b", rec.ResourceID)
	assert.Empty(t, f.registry.Records("node-a"))

	w, _ := f.lifecycle.Get("w1")
	assert.Equal(t, "node-b", w.ResourceID)
}

func TestRecoverWithoutStoreReallocates(t *testing.T) {
	f := newFixture(t, allocation.RoundRobin, "node-a", "node-b")
	f.running(t, "w1", "node-a")
	f.fail(t, "node-a")

	m := NewManager(fastConfig(), f.registry, f.lifecycle, f.placer, nil, nil, f.notifier)
	result := m.HandleFailure(context.Background(), "node-a", "w1")

	require.True(t, result.Success)
	assert.Equal(t, "node-b", result.NewResource)
	require.Len(t, result.Actions, 1)
	assert.Equal(t, PathReallocate, result.Actions[0].Kind)
}

func TestRecoverFailsOverWithFullRequirements(t *testing.T) {
	// Fixed quota cannot size a workload without a size class, so only the
	// failover attempt can place it
	f := newFixture(t, allocation.FixedQuota, "node-a", "node-b")
	f.running(t, "w1", "node-a")
	f.fail(t, "node-a")

	m := NewManager(fastConfig(), f.registry, f.lifecycle, f.placer, nil, nil, f.notifier)
	result := m.HandleFailure(context.Background(), "node-a", "w1")

	require.True(t, result.Success)
	assert.True(t, result.FailedOver)
	assert.Equal(t, "node-b", result.NewResource)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, result.Delays)
	require.Len(t, result.Actions, 4)
	assert.Equal(t, PathFailover, result.Actions[3].Kind)

	rec, ok := f.registry.Record("w1")
	require.True(t, ok)
	assert.Equal(t, types.Requirements{CPU: 2, Memory: 256}, rec.Amount)
}

func TestRecoveryFailure(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a")
	f.running(t, "w1", "node-a")
	f.fail(t, "node-a")

	m := NewManager(fastConfig(), f.registry, f.lifecycle, f.placer, nil, nil, f.notifier)
	result := m.HandleFailure(context.Background(), "node-a", "w1")

	assert.False(t, result.Success)
	assert.Equal(t, types.FailureResourceExhausted, result.FailureType)
	assert.Equal(t, 3, result.Attempts)
	assert.Len(t, result.Actions, 4)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, result.Delays)

	w, _ := f.lifecycle.Get("w1")
	assert.Equal(t, types.WorkloadFailed, w.Status)
	assert.Empty(t, w.ResourceID)
	_, ok := f.registry.Record("w1")
	assert.False(t, ok)

	assert.Equal(t, 1, f.notifier.count(types.AlertRecoveryFailure))
	assert.Len(t, m.Results(), 1)
}

func TestRecoveryAbandonsStuckAttempt(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a", "node-b")
	f.running(t, "w1", "node-a")
	f.fail(t, "node-a")

	limiter := stuckLimiter{unblock: make(chan struct{})}
	defer close(limiter.unblock)
	s, err := allocation.New(allocation.Config{Strategy: allocation.ProportionalShare})
	require.NoError(t, err)
	f.placer = scheduler.NewPlacer(f.registry, s, balancer.New(balancer.DefaultWeights, 10), limiter, nil)

	cfg := Config{MaxRetries: 2, BaseDelay: time.Millisecond, Timeout: 20 * time.Millisecond, Workers: 1}
	m := NewManager(cfg, f.registry, f.lifecycle, f.placer, nil, nil, f.notifier)

	start := time.Now()
	result := m.HandleFailure(context.Background(), "node-a", "w1")
	elapsed := time.Since(start)

	assert.Less(t, elapsed, time.Second)
	assert.False(t, result.Success)
	assert.False(t, result.FailedOver)
	assert.Equal(t, types.FailureSystemOverload, result.FailureType)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, result.Actions, 3)
	for _, a := range result.Actions {
		assert.Equal(t, PathTimeout, a.Kind)
		assert.False(t, a.Success)
	}

	w, _ := f.lifecycle.Get("w1")
	assert.Equal(t, types.WorkloadFailed, w.Status)
	_, ok := f.registry.Record("w1")
	assert.False(t, ok)
	assert.Equal(t, 1, f.notifier.count(types.AlertRecoveryFailure))
}

func TestSettleReleasesLateAllocation(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a", "node-b")
	m := f.manager(fastConfig(), nil)

	rec, err := f.registry.Allocate("w1", "node-b", types.Requirements{CPU: 1, Memory: 64})
	require.NoError(t, err)

	done := make(chan stepResult, 1)
	m.settle("w1", &pending{steps: []<-chan stepResult{done}}, nil)
	done <- stepResult{rec: rec}

	assert.Eventually(t, func() bool {
		_, ok := f.registry.Record("w1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestSettleKeepsFinalAllocation(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a", "node-b")
	m := f.manager(fastConfig(), nil)

	rec, err := f.registry.Allocate("w1", "node-b", types.Requirements{CPU: 1, Memory: 64})
	require.NoError(t, err)

	done := make(chan stepResult, 1)
	m.settle("w1", &pending{steps: []<-chan stepResult{done}}, rec)
	done <- stepResult{rec: rec}

	assert.Never(t, func() bool {
		_, ok := f.registry.Record("w1")
		return !ok
	}, 50*time.Millisecond, 5*time.Millisecond)
}

func TestRecoveryInterruptedDuringBackoff(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a")
	f.running(t, "w1", "node-a")
	f.fail(t, "node-a")

	cfg := fastConfig()
	cfg.BaseDelay = time.Hour
	m := NewManager(cfg, f.registry, f.lifecycle, f.placer, nil, nil, f.notifier)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	result := m.HandleFailure(ctx, "node-a", "w1")

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, types.FailureSystemOverload, result.FailureType)

	w, _ := f.lifecycle.Get("w1")
	assert.Equal(t, types.WorkloadRunning, w.Status)
	assert.Zero(t, f.notifier.count(types.AlertRecoveryFailure))
}

func TestRecoverySkipsFinishedWorkload(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a")
	_, err := f.lifecycle.Create(types.WorkloadSpec{ID: "w1", Requirements: types.Requirements{CPU: 1}})
	require.NoError(t, err)
	require.NoError(t, f.lifecycle.UpdateStatus("w1", types.WorkloadFailed))

	m := f.manager(fastConfig(), nil)
	result := m.HandleFailure(context.Background(), "node-a", "w1")
	assert.False(t, result.Success)
	assert.Zero(t, result.Attempts)
	assert.Zero(t, f.notifier.count(types.AlertRecoveryFailure))
}

func TestSubmitDeduplicates(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a", "node-b")
	f.running(t, "w1", "node-a")
	f.fail(t, "node-a")

	cfg := fastConfig()
	cfg.Workers = 1
	m := NewManager(cfg, f.registry, f.lifecycle, f.placer, nil, nil, f.notifier)
	defer m.Stop()

	// Hold the only worker slot so the first submission waits
	require.NoError(t, m.sem.Acquire(context.Background(), 1))

	assert.True(t, m.Submit("node-a", "w1"))
	assert.False(t, m.Submit("node-a", "w1"))
	assert.True(t, m.InFlight("w1"))

	m.sem.Release(1)
	require.Eventually(t, func() bool { return !m.InFlight("w1") }, time.Second, 5*time.Millisecond)

	results := m.Results()
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "node-b", results[0].NewResource)
}

func TestSubmitAfterStop(t *testing.T) {
	f := newFixture(t, allocation.ProportionalShare, "node-a")
	m := f.manager(fastConfig(), nil)
	m.Stop()
	assert.False(t, m.Submit("node-a", "w1"))
}

func TestWait(t *testing.T) {
	assert.NoError(t, wait(context.Background(), 0))
	assert.NoError(t, wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, wait(ctx, time.Hour), context.Canceled)
}
