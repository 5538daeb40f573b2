package storage

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// Store persists recovery snapshots and resource registrations. Only the
// latest snapshot of each instance is kept.
type Store interface {
	types.PersistenceStore

	ListSnapshots(ctx context.Context) ([]*types.RecoverySnapshot, error)
	DeleteSnapshot(ctx context.Context, resourceID string) error

	SaveResource(ctx context.Context, inst *types.ResourceInstance) error
	ListResources(ctx context.Context) ([]*types.ResourceInstance, error)
	DeleteResource(ctx context.Context, resourceID string) error

	Close() error
}

// MemoryStore is a Store held in process memory
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]*types.RecoverySnapshot
	resources map[string]*types.ResourceInstance
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*types.RecoverySnapshot),
		resources: make(map[string]*types.ResourceInstance),
	}
}

func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *types.RecoverySnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotKey(snap)] = cloneSnapshot(snap)
	return nil
}

func (s *MemoryStore) LoadSnapshot(ctx context.Context, resourceID string) (*types.RecoverySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[resourceID]
	if !ok {
		return nil, snapshotNotFound(resourceID)
	}
	return cloneSnapshot(snap), nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context) ([]*types.RecoverySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.RecoverySnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, cloneSnapshot(snap))
	}
	slices.SortFunc(out, func(a, b *types.RecoverySnapshot) int {
		return strings.Compare(snapshotKey(a), snapshotKey(b))
	})
	return out, nil
}

func (s *MemoryStore) DeleteSnapshot(ctx context.Context, resourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, resourceID)
	return nil
}

func (s *MemoryStore) SaveResource(ctx context.Context, inst *types.ResourceInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) ListResources(ctx context.Context) ([]*types.ResourceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.ResourceInstance, 0, len(s.resources))
	for _, inst := range s.resources {
		out = append(out, inst.Clone())
	}
	slices.SortFunc(out, func(a, b *types.ResourceInstance) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *MemoryStore) DeleteResource(ctx context.Context, resourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, resourceID)
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

func snapshotKey(snap *types.RecoverySnapshot) string {
	if snap.ResourceID != "" {
		return snap.ResourceID
	}
	return snap.State.ID
}

func cloneSnapshot(snap *types.RecoverySnapshot) *types.RecoverySnapshot {
	c := *snap
	c.ResourceID = snapshotKey(snap)
	c.State = snap.State.Clone()
	c.Config = make(map[string]string, len(snap.Config))
	for k, v := range snap.Config {
		c.Config[k] = v
	}
	c.Workloads = append(make([]types.AllocationRecord, 0, len(snap.Workloads)), snap.Workloads...)
	return &c
}
