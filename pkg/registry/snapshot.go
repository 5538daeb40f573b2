package registry

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Snapshot captures an instance's state, configuration and allocations
func (r *Registry) Snapshot(resourceID string) (*types.RecoverySnapshot, error) {
	e, err := r.lookup(resourceID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return &types.RecoverySnapshot{
		ResourceID: resourceID,
		State:      e.instance.Clone(),
		Config:     copyConfig(e.config),
		Workloads:  r.Records(resourceID),
		Timestamp:  time.Now(),
	}, nil
}

// Restore applies a snapshot to its registered instance: capacity, health and
// configuration are reset from the snapshot, then every recorded allocation
// without an active record elsewhere is re-established. An invalid snapshot
// is rejected before anything changes. Restore returns the ids of the
// workloads bound to the instance afterwards.
func (r *Registry) Restore(snap *types.RecoverySnapshot) ([]string, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	e, err := r.lookup(snap.State.ID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.removed {
		return nil, fmt.Errorf("%w: %s", types.ErrResourceNotFound, snap.State.ID)
	}

	inst := e.instance

	// Check the restored capacity can hold what is bound plus what comes back
	need := inst.Allocated
	var missing []types.AllocationRecord
	r.recMu.Lock()
	for _, rec := range snap.Workloads {
		if _, ok := r.records[rec.WorkloadID]; ok {
			continue
		}
		missing = append(missing, rec)
		need = need.Add(rec.Amount)
	}
	r.recMu.Unlock()

	if !need.Fits(snap.State.Capacity) {
		return nil, fmt.Errorf("%w: snapshot of %s cannot hold its workloads", types.ErrInsufficientCapacity, inst.ID)
	}

	inst.Capacity = snap.State.Capacity
	inst.Health = snap.State.Health
	if inst.Health == "" || inst.Health == types.HealthUnavailable {
		inst.Health = types.HealthAvailable
	}
	e.config = copyConfig(snap.Config)

	now := time.Now()
	r.recMu.Lock()
	for _, rec := range missing {
		if _, ok := r.records[rec.WorkloadID]; ok {
			continue
		}
		restored := types.AllocationRecord{
			WorkloadID: rec.WorkloadID,
			ResourceID: inst.ID,
			Amount:     rec.Amount,
			CreatedAt:  now,
		}
		r.records[rec.WorkloadID] = &restored
		inst.Allocated = inst.Allocated.Add(rec.Amount)
		inst.Bind(rec.WorkloadID)
	}
	r.recMu.Unlock()
	inst.LastUpdated = now

	r.logger.Info().
		Str("resource_id", inst.ID).
		Int("restored", len(missing)).
		Time("snapshot_time", snap.Timestamp).
		Msg("Resource restored from snapshot")

	return append([]string(nil), inst.Workloads...), nil
}

// Config returns a copy of an instance's configuration
func (r *Registry) Config(resourceID string) (map[string]string, error) {
	e, err := r.lookup(resourceID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyConfig(e.config), nil
}
