/*
Package manager is the composition root of the engine.

A Manager owns every component and wires them together from a single
config.Config:

	┌──────────────────────────── MANAGER ────────────────────────────┐
	│                                                                  │
	│  Submit ──▶ Lifecycle ──▶ Queue ──▶ Scheduler ──▶ Placer         │
	│                                                    │             │
	│                      Strategy ◀────────────────────┤             │
	│                      Balancer ◀────────────────────┤             │
	│                      Registry ◀────────────────────┤             │
	│                      Limiter  ◀────────────────────┘             │
	│                                                                  │
	│  Reconciler ──▶ MetricsSource, Prober                            │
	│      │                                                           │
	│      ├──▶ AutoScaler ──▶ Registry, Limiter                       │
	│      └──▶ Recovery   ──▶ Store, Placer                           │
	│                                                                  │
	│  Broker ◀── alerts and lifecycle events ──▶ LogSink              │
	└──────────────────────────────────────────────────────────────────┘

# Storage

Recovery snapshots and resource registrations live in a storage.Store
selected by Storage.Driver:

  - memory: process local, lost on restart
  - bolt: a single bbolt file under Storage.DataDir
  - raft: a ReplicatedStore. Writes go through the raft log and are
    applied by SnapshotFSM to a local bolt store on every node, reads are
    served locally. Only the leader accepts writes.

Registrations are reloaded into the registry by Start, so a restarted
engine sees the same resource instances with their configuration.

# Usage

	cfg, err := config.Load("burrow.yaml")
	if err != nil {
		return err
	}
	mgr, err := manager.NewManager(cfg, manager.Options{Source: source})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Stop()

	mgr.RegisterResource(ctx, &types.ResourceInstance{
		ID:       "node-a",
		Capacity: types.Requirements{CPU: 8, Memory: 16384},
	}, nil)
	w, err := mgr.Submit(ctx, types.WorkloadSpec{
		Requirements: types.Requirements{CPU: 2, Memory: 2048},
		Priority:     types.PriorityHigh,
	})
*/
package manager
