package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/allocation"
	"github.com/cuemby/burrow/pkg/autoscaler"
	"github.com/cuemby/burrow/pkg/balancer"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/reconciler"
	"github.com/cuemby/burrow/pkg/recovery"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/runtime"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workload"
	"github.com/rs/zerolog"
)

// Options supply the external collaborators. Every field is optional: a nil
// Source disables sampling, a nil Limiter accepts every limit, a nil Prober
// probes instances over their configured HTTP or TCP address and a nil Store
// is opened from the storage configuration.
type Options struct {
	Source    types.MetricsSource
	Predictor types.Predictor
	Limiter   types.ResourceLimiter
	Prober    *health.Prober
	Store     storage.Store
}

// Manager wires every engine component together and exposes the
// operations of the engine
type Manager struct {
	cfg *config.Config

	registry   *registry.Registry
	lifecycle  *workload.Lifecycle
	queue      *scheduler.Queue
	balancer   *balancer.Balancer
	placer     *scheduler.Placer
	scheduler  *scheduler.Scheduler
	autoscaler *autoscaler.AutoScaler
	recovery   *recovery.Manager
	reconciler *reconciler.Reconciler
	prober     *health.Prober
	store      storage.Store
	broker     *events.Broker
	collector  *metrics.Collector

	logger zerolog.Logger
}

// OpenStore opens the snapshot store selected by the configuration
func OpenStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory, "":
		return storage.NewMemoryStore(), nil
	case config.StorageBolt:
		return storage.NewBoltStore(cfg.Storage.DataDir)
	case config.StorageRaft:
		return NewReplicatedStore(RaftConfig{
			NodeID:    cfg.Storage.Raft.NodeID,
			BindAddr:  cfg.Storage.Raft.BindAddr,
			DataDir:   cfg.Storage.DataDir,
			Bootstrap: cfg.Storage.Raft.Bootstrap,
		})
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", config.ErrInvalidConfig, cfg.Storage.Driver)
	}
}

// NewManager creates a new Manager instance
func NewManager(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	strategy, err := allocation.New(allocation.Config{
		Strategy:      cfg.Strategy,
		BaseStrategy:  cfg.BaseStrategy,
		LoadThreshold: cfg.LoadThreshold,
		BufferRatio:   cfg.BufferRatio,
		Predictor:     opts.Predictor,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create allocation strategy: %w", err)
	}

	store := opts.Store
	if store == nil {
		store, err = OpenStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	}

	limiter := opts.Limiter
	if limiter == nil {
		limiter = runtime.NewNopLimiter()
	}

	prober := opts.Prober
	if prober == nil {
		prober = health.NewProber(health.Config{Timeout: cfg.Probe.Timeout, Retries: cfg.Probe.Retries})
	}

	broker := events.NewBroker()
	notifier := events.NewThrottledNotifier(events.NewBrokerNotifier(broker), cfg.AlertInterval)

	m := &Manager{
		cfg:       cfg,
		registry:  registry.New(),
		lifecycle: workload.NewLifecycle(workload.Config{MaxRetries: cfg.MaxRetries, HistoryMaxLength: cfg.MetricsHistoryMaxLength}),
		queue: scheduler.NewQueue(scheduler.Weights{
			High:         cfg.BasePriority.High,
			Normal:       cfg.BasePriority.Normal,
			Low:          cfg.BasePriority.Low,
			Aging:        cfg.AgingWeight,
			RetryPenalty: cfg.RetryPenalty,
		}),
		balancer: balancer.New(balancer.Weights{
			Load:    cfg.LoadBalancerWeights.Load,
			History: cfg.LoadBalancerWeights.History,
			Match:   cfg.LoadBalancerWeights.Match,
		}, cfg.HistoryWindow),
		prober: prober,
		store:  store,
		broker: broker,
		logger: log.WithComponent("manager"),
	}

	m.placer = scheduler.NewPlacer(m.registry, strategy, m.balancer, limiter, store)
	m.scheduler = scheduler.NewScheduler(m.queue, m.lifecycle, m.placer, notifier, cfg.ScheduleInterval)
	m.scheduler.OnPass(m.publishPass)

	m.autoscaler = autoscaler.New(autoscaler.Config{
		Cooldown:      time.Duration(cfg.ScaleCooldownSeconds) * time.Second,
		UpThreshold:   cfg.ScaleUpThreshold,
		DownThreshold: cfg.ScaleDownThreshold,
		UpFactor:      cfg.ScaleUpFactor,
		DownFactor:    cfg.ScaleDownFactor,
	}, m.registry, m.lifecycle, limiter, notifier)

	m.recovery = recovery.NewManager(recovery.Config{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.RetryBaseDelay,
		Timeout:    cfg.RecoveryTimeout,
		Workers:    cfg.RecoveryWorkers,
	}, m.registry, m.lifecycle, m.placer, store, prober, notifier)

	m.reconciler = reconciler.NewReconciler(reconciler.Config{
		Interval:         cfg.MonitorInterval,
		SampleTimeout:    cfg.SampleTimeout,
		WarningDeadline:  cfg.WarningDeadline,
		WarningThreshold: cfg.ScaleUpThreshold,
		CPUAlert:         cfg.AlertThresholds.CPU,
		MemoryAlert:      cfg.AlertThresholds.Memory,
	}, reconciler.Deps{
		Registry:  m.registry,
		Lifecycle: m.lifecycle,
		Source:    opts.Source,
		Balancer:  m.balancer,
		Scaler:    m.autoscaler,
		Recoverer: m.recovery,
		Prober:    prober,
		Releaser:  m.placer,
		Notifier:  notifier,
	})

	m.collector = metrics.NewCollector(m, 0)
	return m, nil
}

// Start reloads persisted resource registrations and starts the loops
func (m *Manager) Start(ctx context.Context) error {
	if err := m.loadResources(ctx); err != nil {
		return err
	}

	m.broker.Start()
	go events.LogSink(m.broker.Subscribe())

	metrics.RegisterComponent("store", true, "")
	m.scheduler.Start()
	m.reconciler.Start()
	m.collector.Start()

	m.logger.Info().
		Str("strategy", m.placer.Strategy().Name()).
		Str("storage", m.cfg.Storage.Driver).
		Int("resources", len(m.registry.List())).
		Msg("Engine started")
	return nil
}

func (m *Manager) loadResources(ctx context.Context) error {
	resources, err := m.store.ListResources(ctx)
	if err != nil {
		metrics.RegisterComponent("store", false, err.Error())
		return fmt.Errorf("failed to load resources: %w", err)
	}
	for _, inst := range resources {
		settings := map[string]string{}
		if snap, err := m.store.LoadSnapshot(ctx, inst.ID); err == nil {
			settings = snap.Config
		}
		if err := m.registry.Register(inst, settings); err != nil && !errors.Is(err, types.ErrDuplicateResource) {
			m.logger.Warn().Err(err).Str("resource_id", inst.ID).Msg("Failed to reload resource")
		}
	}
	return nil
}

// Stop stops the loops, waits for running recoveries and closes the store
func (m *Manager) Stop() error {
	m.scheduler.Stop()
	m.reconciler.Stop()
	m.collector.Stop()
	m.recovery.Stop()
	m.broker.Stop()

	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	m.logger.Info().Msg("Engine stopped")
	return nil
}

// Submit admits a workload and queues it for scheduling
func (m *Manager) Submit(ctx context.Context, spec types.WorkloadSpec) (*types.Workload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, err := m.lifecycle.Create(spec)
	if err != nil {
		return nil, err
	}
	if err := m.queue.Enqueue(scheduler.EntryFor(w)); err != nil {
		m.lifecycle.Delete(w.ID)
		return nil, fmt.Errorf("failed to enqueue %s: %w", w.ID, err)
	}
	metrics.QueueDepth.Set(float64(m.queue.Len()))

	m.publish(events.EventWorkloadSubmitted, "workload submitted", map[string]string{
		events.MetaWorkloadID: w.ID,
		"priority":            string(w.Priority),
	})
	return w, nil
}

// StopWorkload stops a workload. A running workload releases its allocation
// and completes; a pending one is withdrawn from the queue and fails.
func (m *Manager) StopWorkload(ctx context.Context, id string) error {
	w, err := m.lifecycle.Get(id)
	if err != nil {
		return err
	}

	switch {
	case w.Status == types.WorkloadPending:
		m.queue.Remove(id)
		if err := m.lifecycle.Transition(id, types.WorkloadFailed, "stopped before scheduling"); err != nil {
			return err
		}
	case w.Status.Active():
		if err := m.lifecycle.Transition(id, types.WorkloadStopping, "stop requested"); err != nil {
			return err
		}
		if err := m.placer.Unplace(ctx, id); err != nil && !errors.Is(err, types.ErrNoAllocation) {
			m.logger.Warn().Err(err).Str("workload_id", id).Msg("Failed to release allocation")
		}
		if err := m.lifecycle.Unbind(id); err != nil {
			return err
		}
		if err := m.lifecycle.Transition(id, types.WorkloadCompleted, "stopped"); err != nil {
			return err
		}
	case w.Status.Terminal():
		return nil
	default:
		return fmt.Errorf("%w: cannot stop %s while %s", types.ErrInvalidTransition, id, w.Status)
	}

	m.publish(events.EventWorkloadStopped, "workload stopped", map[string]string{
		events.MetaWorkloadID: id,
		events.MetaResourceID: w.ResourceID,
	})
	return nil
}

// DeleteWorkload stops a workload if needed and forgets it
func (m *Manager) DeleteWorkload(ctx context.Context, id string) error {
	w, err := m.lifecycle.Get(id)
	if err != nil {
		return err
	}
	if !w.Status.Terminal() {
		if err := m.StopWorkload(ctx, id); err != nil {
			return err
		}
	}
	m.queue.Remove(id)
	m.autoscaler.Forget(id)
	m.lifecycle.Delete(id)

	m.publish(events.EventWorkloadDeleted, "workload deleted", map[string]string{
		events.MetaWorkloadID: id,
	})
	return nil
}

// RegisterResource adds a resource instance and persists its registration
func (m *Manager) RegisterResource(ctx context.Context, inst *types.ResourceInstance, settings map[string]string) error {
	if settings == nil {
		settings = map[string]string{}
	}
	if err := m.registry.Register(inst, settings); err != nil {
		return err
	}

	stored := &types.ResourceInstance{
		ID:        inst.ID,
		Capacity:  inst.Capacity,
		ProbeType: inst.ProbeType,
		ProbeAddr: inst.ProbeAddr,
	}
	if err := m.store.SaveResource(ctx, stored); err != nil {
		m.logger.Warn().Err(err).Str("resource_id", inst.ID).Msg("Failed to persist resource")
	}
	m.placer.SaveSnapshot(ctx, inst.ID)

	m.publish(events.EventResourceRegistered, "resource registered", map[string]string{
		events.MetaResourceID: inst.ID,
	})
	return nil
}

// DeregisterResource removes a resource instance. With orphan set, bound
// workloads are released and handed to recovery; their ids are returned.
func (m *Manager) DeregisterResource(ctx context.Context, id string, orphan bool) ([]string, error) {
	orphaned, err := m.registry.Deregister(id, orphan)
	if err != nil {
		return nil, err
	}

	m.balancer.Forget(id)
	m.prober.Forget(id)
	logger := log.WithResourceID(id).With().Str("component", "manager").Logger()
	if err := m.store.DeleteResource(ctx, id); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete persisted resource")
	}
	if err := m.store.DeleteSnapshot(ctx, id); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete snapshot")
	}

	for _, wid := range orphaned {
		m.recovery.Submit(id, wid)
	}

	m.publish(events.EventResourceDeregistered, "resource deregistered", map[string]string{
		events.MetaResourceID: id,
		"orphaned":            fmt.Sprintf("%d", len(orphaned)),
	})
	return orphaned, nil
}

// ScheduleOnce runs one scheduling pass outside the loop
func (m *Manager) ScheduleOnce(ctx context.Context) scheduler.PassResult {
	res := m.scheduler.ScheduleOnce(ctx)
	m.publishPass(res)
	return res
}

// Reconcile runs one monitoring cycle outside the loop
func (m *Manager) Reconcile(ctx context.Context) error {
	return m.reconciler.Reconcile(ctx)
}

// HandleFailure recovers a workload from a resource failure synchronously
func (m *Manager) HandleFailure(ctx context.Context, resourceID, workloadID string) types.RecoveryResult {
	return m.recovery.HandleFailure(ctx, resourceID, workloadID)
}

// SetResourceHealth overrides the health of a resource instance
func (m *Manager) SetResourceHealth(id string, health types.HealthStatus) error {
	_, err := m.registry.SetHealth(id, health)
	return err
}

func (m *Manager) publishPass(res scheduler.PassResult) {
	for _, id := range res.Scheduled {
		meta := map[string]string{events.MetaWorkloadID: id}
		if rec, ok := m.registry.Record(id); ok {
			meta[events.MetaResourceID] = rec.ResourceID
		}
		m.publish(events.EventWorkloadScheduled, "workload scheduled", meta)
	}
	for _, id := range res.Failed {
		m.publish(events.EventWorkloadFailed, "workload failed", map[string]string{
			events.MetaWorkloadID: id,
		})
	}
}

func (m *Manager) publish(t events.EventType, message string, meta map[string]string) {
	m.broker.Publish(&events.Event{Type: t, Message: message, Metadata: meta})
}

// Broker returns the event broker
func (m *Manager) Broker() *events.Broker {
	return m.broker
}

// Config returns the configuration the manager was built with
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Workload returns a workload by id
func (m *Manager) Workload(id string) (*types.Workload, error) {
	return m.lifecycle.Get(id)
}

// Workloads lists workloads, optionally filtered by status
func (m *Manager) Workloads(statuses ...types.WorkloadStatus) []*types.Workload {
	return m.lifecycle.List(statuses...)
}

// Statistics summarises a workload's metrics history
func (m *Manager) Statistics(id string) (workload.Statistics, error) {
	return m.lifecycle.Statistics(id)
}

// Resource returns a resource instance by id
func (m *Manager) Resource(id string) (*types.ResourceInstance, error) {
	return m.registry.Get(id)
}

// Resources lists the registered resource instances
func (m *Manager) Resources() []*types.ResourceInstance {
	return m.registry.List()
}

// Allocation returns the active allocation of a workload
func (m *Manager) Allocation(workloadID string) (*types.AllocationRecord, bool) {
	return m.registry.Record(workloadID)
}

// Queue returns the queued entries, highest score first
func (m *Manager) Queue() []scheduler.ScoredEntry {
	return m.queue.Snapshot()
}

// QueueDepth returns the number of queued workloads
func (m *Manager) QueueDepth() int {
	return m.queue.Len()
}

// WorkloadCounts returns the number of workloads per status
func (m *Manager) WorkloadCounts() map[types.WorkloadStatus]int {
	return m.lifecycle.Counts()
}

// ScalingEvents returns the retained scaling events of a workload
func (m *Manager) ScalingEvents(workloadID string) []types.ScalingEvent {
	return m.autoscaler.Events(workloadID)
}

// RecoveryResults returns the most recent background recovery results
func (m *Manager) RecoveryResults() []types.RecoveryResult {
	return m.recovery.Results()
}

// RecoveryInFlight reports whether a background recovery is running for a
// workload
func (m *Manager) RecoveryInFlight(workloadID string) bool {
	return m.recovery.InFlight(workloadID)
}
