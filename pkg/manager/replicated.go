package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// ErrNotLeader is returned for writes submitted to a follower
var ErrNotLeader = errors.New("not the raft leader")

const defaultApplyTimeout = 5 * time.Second

// RaftConfig configures a replicated store node
type RaftConfig struct {
	NodeID    string
	BindAddr  string
	DataDir   string
	Bootstrap bool

	ApplyTimeout time.Duration
}

// ReplicatedStore is a storage.Store whose writes are replicated through
// raft. Every node applies committed writes to a local bolt store and serves
// reads from it; writes are only accepted by the leader.
type ReplicatedStore struct {
	raft    *raft.Raft
	fsm     *SnapshotFSM
	local   storage.Store
	timeout time.Duration
	closers []io.Closer
	logger  zerolog.Logger
}

// NewReplicatedStore starts a raft node backed by bolt stores in DataDir
func NewReplicatedStore(cfg RaftConfig) (*ReplicatedStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	local, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	fsm := NewSnapshotFSM(local)

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(cfg.NodeID)

	// Faster failure detection than the WAN oriented defaults
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		transport.Close()
		local.Close()
		return nil, fmt.Errorf("failed to create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		transport.Close()
		local.Close()
		return nil, fmt.Errorf("failed to create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		logStore.Close()
		transport.Close()
		local.Close()
		return nil, fmt.Errorf("failed to create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		stableStore.Close()
		logStore.Close()
		transport.Close()
		local.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	s := newReplicatedStore(r, fsm, local, cfg.ApplyTimeout)
	s.closers = []io.Closer{transport, stableStore, logStore}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		}
		future := r.BootstrapCluster(configuration)
		if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			s.Close()
			return nil, fmt.Errorf("failed to bootstrap cluster: %w", err)
		}
	}

	s.logger.Info().
		Str("node_id", cfg.NodeID).
		Str("bind_addr", cfg.BindAddr).
		Bool("bootstrap", cfg.Bootstrap).
		Msg("Replicated store started")
	return s, nil
}

func newReplicatedStore(r *raft.Raft, fsm *SnapshotFSM, local storage.Store, timeout time.Duration) *ReplicatedStore {
	if timeout <= 0 {
		timeout = defaultApplyTimeout
	}
	return &ReplicatedStore{
		raft:    r,
		fsm:     fsm,
		local:   local,
		timeout: timeout,
		logger:  log.WithComponent("raft"),
	}
}

// IsLeader reports whether this node accepts writes
func (s *ReplicatedStore) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// WaitForLeader blocks until the cluster has elected a leader
func (s *ReplicatedStore) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if addr, _ := s.raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no raft leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// AddVoter adds a node to the cluster. Only the leader can add voters.
func (s *ReplicatedStore) AddVoter(nodeID, address string) error {
	if !s.IsLeader() {
		return ErrNotLeader
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %w", err)
	}
	return nil
}

// apply submits a command to the raft cluster and waits for it to commit
func (s *ReplicatedStore) apply(ctx context.Context, op string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.IsLeader() {
		addr, _ := s.raft.LeaderWithID()
		return fmt.Errorf("%w: leader is %q", ErrNotLeader, addr)
	}

	cmd, err := NewCommand(op, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	future := s.raft.Apply(payload, timeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to apply command: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// SaveSnapshot replicates a snapshot. Invalid snapshots are rejected before
// they reach the log.
func (s *ReplicatedStore) SaveSnapshot(ctx context.Context, snap *types.RecoverySnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	return s.apply(ctx, OpSaveSnapshot, snap)
}

func (s *ReplicatedStore) LoadSnapshot(ctx context.Context, resourceID string) (*types.RecoverySnapshot, error) {
	return s.local.LoadSnapshot(ctx, resourceID)
}

func (s *ReplicatedStore) ListSnapshots(ctx context.Context) ([]*types.RecoverySnapshot, error) {
	return s.local.ListSnapshots(ctx)
}

func (s *ReplicatedStore) DeleteSnapshot(ctx context.Context, resourceID string) error {
	return s.apply(ctx, OpDeleteSnapshot, resourceID)
}

func (s *ReplicatedStore) SaveResource(ctx context.Context, inst *types.ResourceInstance) error {
	return s.apply(ctx, OpSaveResource, inst)
}

func (s *ReplicatedStore) ListResources(ctx context.Context) ([]*types.ResourceInstance, error) {
	return s.local.ListResources(ctx)
}

func (s *ReplicatedStore) DeleteResource(ctx context.Context, resourceID string) error {
	return s.apply(ctx, OpDeleteResource, resourceID)
}

// Close shuts raft down and closes the underlying stores
func (s *ReplicatedStore) Close() error {
	var errs []error
	if err := s.raft.Shutdown().Error(); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown raft: %w", err))
	}
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.local.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}
