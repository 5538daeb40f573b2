package manager

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSingleNodeStore starts a one node cluster on in-memory raft transport
// and stores, and waits until it leads
func newSingleNodeStore(t *testing.T) *ReplicatedStore {
	t.Helper()

	config := raft.DefaultConfig()
	config.LocalID = "node-1"
	config.HeartbeatTimeout = 50 * time.Millisecond
	config.ElectionTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 50 * time.Millisecond
	config.CommitTimeout = 5 * time.Millisecond

	_, transport := raft.NewInmemTransport("")
	logs := raft.NewInmemStore()
	snapshots := raft.NewInmemSnapshotStore()
	local := storage.NewMemoryStore()
	fsm := NewSnapshotFSM(local)

	r, err := raft.NewRaft(config, fsm, logs, logs, snapshots, transport)
	require.NoError(t, err)
	require.NoError(t, r.BootstrapCluster(raft.Configuration{
		Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
	}).Error())

	s := newReplicatedStore(r, fsm, local, time.Second)
	t.Cleanup(func() { s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitForLeader(ctx))
	require.Eventually(t, s.IsLeader, 5*time.Second, 10*time.Millisecond)
	return s
}

func TestReplicatedStoreSnapshots(t *testing.T) {
	s := newSingleNodeStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, testSnapshot("node-a")))

	snap, err := s.LoadSnapshot(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, "node-a", snap.State.ID)
	require.Len(t, snap.Workloads, 1)

	snaps, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	require.NoError(t, s.DeleteSnapshot(ctx, "node-a"))
	_, err = s.LoadSnapshot(ctx, "node-a")
	assert.ErrorIs(t, err, types.ErrSnapshotNotFound)
}

func TestReplicatedStoreResources(t *testing.T) {
	s := newSingleNodeStore(t)
	ctx := context.Background()

	for _, id := range []string{"node-b", "node-a"} {
		require.NoError(t, s.SaveResource(ctx, &types.ResourceInstance{
			ID:       id,
			Capacity: types.Requirements{CPU: 2, Memory: 512},
		}))
	}

	resources, err := s.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 2)
	assert.Equal(t, "node-a", resources[0].ID)

	require.NoError(t, s.DeleteResource(ctx, "node-a"))
	resources, err = s.ListResources(ctx)
	require.NoError(t, err)
	assert.Len(t, resources, 1)
}

func TestReplicatedStoreRejectsInvalidSnapshot(t *testing.T) {
	s := newSingleNodeStore(t)

	invalid := testSnapshot("node-a")
	invalid.Timestamp = time.Time{}
	assert.ErrorIs(t, s.SaveSnapshot(context.Background(), invalid), types.ErrInvalidSnapshot)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.SaveSnapshot(ctx, testSnapshot("node-a")), context.Canceled)
}
