package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
)

// Command operations
const (
	OpSaveSnapshot   = "save_snapshot"
	OpDeleteSnapshot = "delete_snapshot"
	OpSaveResource   = "save_resource"
	OpDeleteResource = "delete_resource"
)

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// NewCommand encodes data into a command
func NewCommand(op string, data any) (Command, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Command{}, fmt.Errorf("failed to marshal %s: %w", op, err)
	}
	return Command{Op: op, Data: raw}, nil
}

// SnapshotFSM implements the Raft finite state machine over a local store of
// recovery snapshots and resource registrations
type SnapshotFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewSnapshotFSM creates a new FSM instance
func NewSnapshotFSM(store storage.Store) *SnapshotFSM {
	return &SnapshotFSM{store: store}
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *SnapshotFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ctx := context.Background()
	switch cmd.Op {
	case OpSaveSnapshot:
		var snap types.RecoverySnapshot
		if err := json.Unmarshal(cmd.Data, &snap); err != nil {
			return err
		}
		return f.store.SaveSnapshot(ctx, &snap)

	case OpDeleteSnapshot:
		var resourceID string
		if err := json.Unmarshal(cmd.Data, &resourceID); err != nil {
			return err
		}
		return f.store.DeleteSnapshot(ctx, resourceID)

	case OpSaveResource:
		var inst types.ResourceInstance
		if err := json.Unmarshal(cmd.Data, &inst); err != nil {
			return err
		}
		return f.store.SaveResource(ctx, &inst)

	case OpDeleteResource:
		var resourceID string
		if err := json.Unmarshal(cmd.Data, &resourceID); err != nil {
			return err
		}
		return f.store.DeleteResource(ctx, resourceID)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot returns a point-in-time copy of the FSM state
func (f *SnapshotFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ctx := context.Background()
	snaps, err := f.store.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	resources, err := f.store.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	return &fsmSnapshot{Snapshots: snaps, Resources: resources}, nil
}

// Restore replaces the FSM state with a snapshot
func (f *SnapshotFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot fsmSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ctx := context.Background()
	if err := f.clear(ctx); err != nil {
		return err
	}

	for _, snap := range snapshot.Snapshots {
		if err := f.store.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("failed to restore snapshot: %w", err)
		}
	}
	for _, inst := range snapshot.Resources {
		if err := f.store.SaveResource(ctx, inst); err != nil {
			return fmt.Errorf("failed to restore resource: %w", err)
		}
	}
	return nil
}

func (f *SnapshotFSM) clear(ctx context.Context) error {
	snaps, err := f.store.ListSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	for _, snap := range snaps {
		if err := f.store.DeleteSnapshot(ctx, snap.ResourceID); err != nil {
			return err
		}
	}
	resources, err := f.store.ListResources(ctx)
	if err != nil {
		return fmt.Errorf("failed to list resources: %w", err)
	}
	for _, inst := range resources {
		if err := f.store.DeleteResource(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

// fsmSnapshot is a point-in-time copy of the replicated state
type fsmSnapshot struct {
	Snapshots []*types.RecoverySnapshot
	Resources []*types.ResourceInstance
}

// Persist writes the snapshot to the given SnapshotSink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *fsmSnapshot) Release() {}
