package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/burrow/pkg/allocation"
	"github.com/cuemby/burrow/pkg/balancer"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workload"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct {
	mu       sync.Mutex
	reject   map[string]bool
	applied  map[string]types.Limits
	released []string
}

func newFakeLimiter() *fakeLimiter {
	return &fakeLimiter{reject: map[string]bool{}, applied: map[string]types.Limits{}}
}

func (f *fakeLimiter) ApplyLimits(_ context.Context, id string, limits types.Limits) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[id] {
		return false, nil
	}
	f.applied[id] = limits
	return true, nil
}

func (f *fakeLimiter) ReleaseResources(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	delete(f.applied, id)
	return nil
}

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
	err   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: map[string]*types.RecoverySnapshot{}}
}

func (f *fakeStore) SaveSnapshot(_ context.Context, s *types.RecoverySnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
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

var errStoreDown = errors.New("store down")

type fixture struct {
	registry  *registry.Registry
	lifecycle *workload.Lifecycle
	queue     *Queue
	placer    *Placer
	limiter   *fakeLimiter
	notifier  *fakeNotifier
	store     *fakeStore
	scheduler *Scheduler
}

func newFixture(t *testing.T, strategy string, nodes ...*types.ResourceInstance) *fixture {
	t.Helper()

	f := &fixture{
		registry:  registry.New(),
		lifecycle: workload.NewLifecycle(workload.Config{MaxRetries: 2, HistoryMaxLength: 10}),
		queue:     NewQueue(DefaultWeights),
		limiter:   newFakeLimiter(),
		notifier:  &fakeNotifier{},
		store:     newFakeStore(),
	}
	for _, n := range nodes {
		require.NoError(t, f.registry.Register(n, map[string]string{}))
	}

	s, err := allocation.New(allocation.Config{Strategy: strategy})
	require.NoError(t, err)
	f.placer = NewPlacer(f.registry, s, balancer.New(balancer.DefaultWeights, 10), f.limiter, f.store)
	f.scheduler = NewScheduler(f.queue, f.lifecycle, f.placer, f.notifier, 0)
	return f
}

func (f *fixture) submit(t *testing.T, spec types.WorkloadSpec) {
	t.Helper()
	w, err := f.lifecycle.Create(spec)
	require.NoError(t, err)
	require.NoError(t, f.queue.Enqueue(EntryFor(w)))
}

func node(id string, cpu, mem float64) *types.ResourceInstance {
	return &types.ResourceInstance{ID: id, Capacity: types.Requirements{CPU: cpu, Memory: mem}}
}
