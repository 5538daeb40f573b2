package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// entry guards one resource instance. Allocate, Release, Resize and
// SetHealth on the same instance are serialised by mu.
type entry struct {
	mu       sync.Mutex
	instance *types.ResourceInstance
	config   map[string]string
	removed  bool
}

// Registry tracks resource instances, their capacity, allocations and health
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*entry

	recMu   sync.Mutex
	records map[string]*types.AllocationRecord

	logger zerolog.Logger
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		instances: make(map[string]*entry),
		records:   make(map[string]*types.AllocationRecord),
		logger:    log.WithComponent("registry"),
	}
}

// Register adds a resource instance. Health defaults to available.
func (r *Registry) Register(instance *types.ResourceInstance, config map[string]string) error {
	if instance == nil || instance.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	if instance.Capacity.CPU < 0 || instance.Capacity.Memory < 0 {
		return fmt.Errorf("resource %s: capacity must not be negative", instance.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[instance.ID]; exists {
		return fmt.Errorf("%w: %s", types.ErrDuplicateResource, instance.ID)
	}

	inst := instance.Clone()
	inst.Allocated = types.Requirements{}
	inst.Workloads = nil
	if inst.Health == "" {
		inst.Health = types.HealthAvailable
	}
	inst.LastUpdated = time.Now()

	r.instances[inst.ID] = &entry{instance: inst, config: copyConfig(config)}

	r.logger.Info().
		Str("resource_id", inst.ID).
		Float64("cpu", inst.Capacity.CPU).
		Float64("memory", inst.Capacity.Memory).
		Msg("Resource registered")
	return nil
}

// Deregister removes a resource instance. An instance with bound workloads is
// only removed when orphan is true; the bindings are then released and the
// orphaned workload ids returned.
func (r *Registry) Deregister(id string, orphan bool) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrResourceNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	bound := append([]string(nil), e.instance.Workloads...)
	if len(bound) > 0 && !orphan {
		return nil, fmt.Errorf("%w: %s has %d workloads", types.ErrResourceBusy, id, len(bound))
	}

	r.recMu.Lock()
	for _, wid := range bound {
		delete(r.records, wid)
	}
	r.recMu.Unlock()

	e.removed = true
	delete(r.instances, id)

	r.logger.Info().
		Str("resource_id", id).
		Int("orphaned", len(bound)).
		Msg("Resource deregistered")
	return bound, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrResourceNotFound, id)
	}
	return e, nil
}

// Get returns a copy of one resource instance
func (r *Registry) Get(id string) (*types.ResourceInstance, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance.Clone(), nil
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entry, 0, len(r.instances))
	for _, e := range r.instances {
		out = append(out, e)
	}
	return out
}

// List returns copies of every instance ordered by id
func (r *Registry) List() []*types.ResourceInstance {
	out := make([]*types.ResourceInstance, 0)
	for _, e := range r.entries() {
		e.mu.Lock()
		out = append(out, e.instance.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns copies of instances that accept new allocations, ordered
// by id. Degraded instances keep serving but take no new work.
func (r *Registry) Available(exclude ...string) []*types.ResourceInstance {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	var out []*types.ResourceInstance
	for _, inst := range r.List() {
		if inst.Health == types.HealthAvailable && !skip[inst.ID] {
			out = append(out, inst)
		}
	}
	return out
}

// TotalFree sums the free capacity of the available instances
func (r *Registry) TotalFree(exclude ...string) types.Requirements {
	var total types.Requirements
	for _, inst := range r.Available(exclude...) {
		total = total.Add(inst.Free())
	}
	return total
}

// Allocate binds a workload to an instance with the given amount. The
// capacity check and the update happen under the instance lock.
func (r *Registry) Allocate(workloadID, resourceID string, amount types.Requirements) (*types.AllocationRecord, error) {
	if amount.CPU < 0 || amount.Memory < 0 {
		return nil, fmt.Errorf("%w: negative amount for %s", types.ErrInsufficientCapacity, workloadID)
	}

	e, err := r.lookup(resourceID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	inst := e.instance
	if e.removed {
		return nil, fmt.Errorf("%w: %s", types.ErrResourceNotFound, resourceID)
	}
	if inst.Health != types.HealthAvailable {
		return nil, fmt.Errorf("%w: %s is %s", types.ErrResourceUnavailable, resourceID, inst.Health)
	}
	if !amount.Fits(inst.Free()) {
		free := inst.Free()
		return nil, fmt.Errorf("%w: %s needs cpu=%.2f memory=%.2f, %s has cpu=%.2f memory=%.2f free",
			types.ErrInsufficientCapacity, workloadID, amount.CPU, amount.Memory,
			resourceID, free.CPU, free.Memory)
	}

	rec := types.AllocationRecord{
		WorkloadID: workloadID,
		ResourceID: resourceID,
		Amount:     amount,
		CreatedAt:  time.Now(),
	}

	r.recMu.Lock()
	if existing, ok := r.records[workloadID]; ok {
		r.recMu.Unlock()
		return nil, fmt.Errorf("%w: %s on %s", types.ErrAlreadyAllocated, workloadID, existing.ResourceID)
	}
	r.records[workloadID] = &rec
	r.recMu.Unlock()

	inst.Allocated = inst.Allocated.Add(amount)
	inst.Bind(workloadID)
	inst.LastUpdated = rec.CreatedAt

	r.logger.Debug().
		Str("workload_id", workloadID).
		Str("resource_id", resourceID).
		Float64("cpu", amount.CPU).
		Float64("memory", amount.Memory).
		Msg("Allocated")

	out := rec
	return &out, nil
}

// lockRecord locks the instance holding workloadID's allocation. It returns
// with e.mu held when err is nil; the record is re-read under the lock.
func (r *Registry) lockRecord(workloadID string) (*entry, *types.AllocationRecord, error) {
	for {
		r.recMu.Lock()
		rec, ok := r.records[workloadID]
		var resourceID string
		if ok {
			resourceID = rec.ResourceID
		}
		r.recMu.Unlock()
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", types.ErrNoAllocation, workloadID)
		}

		e, err := r.lookup(resourceID)
		if err != nil {
			// Orphaned by a deregister; nothing left to lock
			return nil, nil, nil
		}

		e.mu.Lock()
		r.recMu.Lock()
		rec, ok = r.records[workloadID]
		same := ok && rec.ResourceID == resourceID
		r.recMu.Unlock()
		if same {
			return e, rec, nil
		}
		e.mu.Unlock()
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", types.ErrNoAllocation, workloadID)
		}
	}
}

// Release removes a workload's allocation and returns the released record
func (r *Registry) Release(workloadID string) (*types.AllocationRecord, error) {
	e, _, err := r.lockRecord(workloadID)
	if err != nil {
		return nil, err
	}
	if e != nil {
		defer e.mu.Unlock()
	}

	r.recMu.Lock()
	rec, ok := r.records[workloadID]
	var out types.AllocationRecord
	if ok {
		out = *rec
		delete(r.records, workloadID)
	}
	r.recMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNoAllocation, workloadID)
	}

	if e != nil {
		e.instance.Allocated = clampZero(e.instance.Allocated.Sub(out.Amount))
		e.instance.Unbind(workloadID)
		e.instance.LastUpdated = time.Now()
	}

	r.logger.Debug().
		Str("workload_id", workloadID).
		Str("resource_id", out.ResourceID).
		Msg("Released")

	return &out, nil
}

// Resize changes the amount held by an existing allocation. Growing is checked
// against the instance's free capacity under the instance lock.
func (r *Registry) Resize(workloadID string, amount types.Requirements) (*types.AllocationRecord, error) {
	if amount.CPU < 0 || amount.Memory < 0 {
		return nil, fmt.Errorf("%w: negative amount for %s", types.ErrInsufficientCapacity, workloadID)
	}

	e, rec, err := r.lockRecord(workloadID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: allocation of %s has no instance", types.ErrResourceNotFound, workloadID)
	}
	defer e.mu.Unlock()

	r.recMu.Lock()
	current := rec.Amount
	r.recMu.Unlock()

	inst := e.instance
	others := inst.Allocated.Sub(current)
	if !others.Add(amount).Fits(inst.Capacity) {
		return nil, fmt.Errorf("%w: resizing %s on %s", types.ErrInsufficientCapacity, workloadID, inst.ID)
	}

	inst.Allocated = clampZero(others.Add(amount))
	inst.LastUpdated = time.Now()

	r.recMu.Lock()
	rec.Amount = amount
	out := *rec
	r.recMu.Unlock()

	return &out, nil
}

// SetHealth updates an instance's health and returns the previous value
func (r *Registry) SetHealth(id string, health types.HealthStatus) (types.HealthStatus, error) {
	e, err := r.lookup(id)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.instance.Health
	if prev != health {
		e.instance.Health = health
		e.instance.LastUpdated = time.Now()
		r.logger.Info().
			Str("resource_id", id).
			Str("from", string(prev)).
			Str("to", string(health)).
			Msg("Resource health changed")
	}
	return prev, nil
}

// Record returns the active allocation of a workload
func (r *Registry) Record(workloadID string) (*types.AllocationRecord, bool) {
	r.recMu.Lock()
	defer r.recMu.Unlock()

	rec, ok := r.records[workloadID]
	if !ok {
		return nil, false
	}
	out := *rec
	return &out, true
}

// Records returns the active allocations on one instance ordered by workload id
func (r *Registry) Records(resourceID string) []types.AllocationRecord {
	r.recMu.Lock()
	defer r.recMu.Unlock()

	out := make([]types.AllocationRecord, 0)
	for _, rec := range r.records {
		if rec.ResourceID == resourceID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkloadID < out[j].WorkloadID })
	return out
}

func clampZero(r types.Requirements) types.Requirements {
	if r.CPU < 0 {
		r.CPU = 0
	}
	if r.Memory < 0 {
		r.Memory = 0
	}
	return r
}

func copyConfig(config map[string]string) map[string]string {
	out := make(map[string]string, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}
