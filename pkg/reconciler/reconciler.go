package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/balancer"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workload"
	"github.com/rs/zerolog"
)

const (
	defaultInterval      = 5 * time.Second
	defaultSampleTimeout = 2 * time.Second
)

// Config tunes the monitoring loop
type Config struct {
	Interval        time.Duration
	SampleTimeout   time.Duration
	WarningDeadline time.Duration

	// WarningThreshold is the utilisation above which a running workload
	// enters warning; usually the autoscaler's up threshold
	WarningThreshold float64

	// CPUAlert and MemoryAlert raise threshold alerts when exceeded
	CPUAlert    float64
	MemoryAlert float64
}

// Scaler evaluates one metrics sample of a workload
type Scaler interface {
	Evaluate(ctx context.Context, workloadID string, sample types.MetricsSample) (*types.ScalingEvent, error)
}

// Recoverer starts recovery of a workload whose instance failed
type Recoverer interface {
	Submit(resourceID, workloadID string) bool
}

// Prober checks an instance and returns the health its failure streak
// implies. Utilization is the load the instance last reported, if any.
type Prober interface {
	Check(ctx context.Context, inst *types.ResourceInstance) (types.HealthStatus, bool)
	Utilization(resourceID string) (float64, bool)
}

// Releaser frees the allocation of a workload that failed in place
type Releaser interface {
	Unplace(ctx context.Context, workloadID string) error
}

// Reconciler is the monitoring loop: it probes instances, samples running
// workloads, handles warnings and threshold alerts, drives the autoscaler and
// hands workloads on unavailable instances to recovery.
type Reconciler struct {
	cfg       Config
	registry  *registry.Registry
	lifecycle *workload.Lifecycle
	source    types.MetricsSource
	balancer  *balancer.Balancer
	scaler    Scaler
	recoverer Recoverer
	prober    Prober
	releaser  Releaser
	notifier  types.Notifier

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
	now      func() time.Time
}

// Deps are the components the reconciler drives. Source, Scaler, Recoverer,
// Prober and Releaser may be nil; the matching step is then skipped.
type Deps struct {
	Registry  *registry.Registry
	Lifecycle *workload.Lifecycle
	Source    types.MetricsSource
	Balancer  *balancer.Balancer
	Scaler    Scaler
	Recoverer Recoverer
	Prober    Prober
	Releaser  Releaser
	Notifier  types.Notifier
}

// NewReconciler creates a new reconciler
func NewReconciler(cfg Config, deps Deps) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.SampleTimeout <= 0 {
		cfg.SampleTimeout = defaultSampleTimeout
	}
	return &Reconciler{
		cfg:       cfg,
		registry:  deps.Registry,
		lifecycle: deps.Lifecycle,
		source:    deps.Source,
		balancer:  deps.Balancer,
		scaler:    deps.Scaler,
		recoverer: deps.Recoverer,
		prober:    deps.Prober,
		releaser:  deps.Releaser,
		notifier:  deps.Notifier,
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("reconciler"),
		now:       time.Now,
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	metrics.RegisterComponent("reconciler", true, "")
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
				metrics.UpdateComponent("reconciler", false, err.Error())
			} else {
				metrics.UpdateComponent("reconciler", true, "")
			}
		case <-r.stopCh:
			metrics.UpdateComponent("reconciler", false, "stopped")
			return
		}
	}
}

// Reconcile performs one reconciliation cycle
func (r *Reconciler) Reconcile(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reconciliation cancelled: %w", err)
	}

	r.reconcileResources(ctx)
	r.reconcileWorkloads(ctx)
	return nil
}

// reconcileResources probes every instance, applies the resulting health and
// feeds instance utilisation to the balancer history. A load reported by the
// probe is preferred over the allocated fraction.
func (r *Reconciler) reconcileResources(ctx context.Context) {
	for _, inst := range r.registry.List() {
		if r.prober != nil {
			r.probe(ctx, inst)
		}
		if r.balancer == nil {
			continue
		}
		utilization := inst.Utilization()
		if r.prober != nil {
			if reported, ok := r.prober.Utilization(inst.ID); ok {
				utilization = reported
			}
		}
		r.balancer.Observe(inst.ID, utilization)
	}
}

func (r *Reconciler) probe(ctx context.Context, inst *types.ResourceInstance) {
	health, ok := r.prober.Check(ctx, inst)
	if !ok || health == inst.Health {
		return
	}
	prev, err := r.registry.SetHealth(inst.ID, health)
	if err != nil || prev == health {
		// Deregistered since List, or already applied
		return
	}

	r.logger.Warn().
		Str("resource_id", inst.ID).
		Str("from", string(prev)).
		Str("to", string(health)).
		Msg("Resource health changed")

	severity := types.SeverityWarning
	switch health {
	case types.HealthAvailable:
		severity = types.SeverityInfo
	case types.HealthUnavailable:
		severity = types.SeverityCritical
	}
	r.alert(types.Alert{
		Type:       types.AlertResourceHealth,
		Severity:   severity,
		ResourceID: inst.ID,
		Message:    fmt.Sprintf("resource %s is %s", inst.ID, health),
		Data:       map[string]string{"previous": string(prev)},
	})
}

// reconcileWorkloads samples every active workload and acts on the sample
func (r *Reconciler) reconcileWorkloads(ctx context.Context) {
	for _, w := range r.lifecycle.List(types.WorkloadRunning, types.WorkloadWarning) {
		if ctx.Err() != nil {
			return
		}
		if r.needsRecovery(w) {
			continue
		}
		if r.source == nil {
			continue
		}

		sample, err := r.sample(ctx, w.ID)
		if err != nil {
			r.logger.Debug().Err(err).Str("workload_id", w.ID).Msg("Failed to sample workload")
			continue
		}
		if err := r.lifecycle.RecordMetrics(w.ID, sample); err != nil {
			continue
		}

		r.checkThresholds(w, sample)
		if r.handleWarning(ctx, w, sample) {
			continue
		}
		r.autoscale(ctx, w, sample)
	}
}

// needsRecovery submits a workload whose instance is unavailable or gone
func (r *Reconciler) needsRecovery(w *types.Workload) bool {
	if w.ResourceID == "" {
		return false
	}
	inst, err := r.registry.Get(w.ResourceID)
	if err == nil && inst.Health != types.HealthUnavailable {
		return false
	}
	if r.recoverer != nil && r.recoverer.Submit(w.ResourceID, w.ID) {
		r.logger.Info().
			Str("workload_id", w.ID).
			Str("resource_id", w.ResourceID).
			Msg("Workload submitted for recovery")
	}
	return true
}

func (r *Reconciler) sample(ctx context.Context, workloadID string) (types.MetricsSample, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.SampleTimeout)
	defer cancel()

	sample, err := r.source.Sample(ctx, workloadID)
	if err != nil {
		return types.MetricsSample{}, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = r.now()
	}
	return sample, nil
}

func (r *Reconciler) checkThresholds(w *types.Workload, sample types.MetricsSample) {
	if r.cfg.CPUAlert > 0 && sample.CPUUsage > r.cfg.CPUAlert {
		r.alert(types.Alert{
			Type:       types.AlertThreshold,
			Severity:   types.SeverityWarning,
			WorkloadID: w.ID,
			ResourceID: w.ResourceID,
			Message:    fmt.Sprintf("cpu usage %.1f%% above %.1f%%", sample.CPUUsage, r.cfg.CPUAlert),
			Data:       map[string]string{"metric": "cpu"},
		})
	}
	if r.cfg.MemoryAlert > 0 && sample.MemoryUsage > r.cfg.MemoryAlert {
		r.alert(types.Alert{
			Type:       types.AlertThreshold,
			Severity:   types.SeverityWarning,
			WorkloadID: w.ID,
			ResourceID: w.ResourceID,
			Message:    fmt.Sprintf("memory usage %.1f%% above %.1f%%", sample.MemoryUsage, r.cfg.MemoryAlert),
			Data:       map[string]string{"metric": "memory"},
		})
	}
}

// handleWarning moves a workload in and out of warning. It returns true when
// the workload failed and needs no further handling this cycle.
func (r *Reconciler) handleWarning(ctx context.Context, w *types.Workload, sample types.MetricsSample) bool {
	if r.cfg.WarningThreshold <= 0 {
		return false
	}
	breach := sample.CPUUsage > r.cfg.WarningThreshold || sample.MemoryUsage > r.cfg.WarningThreshold

	switch {
	case w.Status == types.WorkloadRunning && breach:
		reason := fmt.Sprintf("utilisation above %.0f%%", r.cfg.WarningThreshold)
		if err := r.lifecycle.Transition(w.ID, types.WorkloadWarning, reason); err != nil {
			r.logger.Debug().Err(err).Str("workload_id", w.ID).Msg("Failed to enter warning")
		}
	case w.Status == types.WorkloadWarning && !breach:
		if err := r.lifecycle.Transition(w.ID, types.WorkloadRunning, "utilisation back to normal"); err != nil {
			r.logger.Debug().Err(err).Str("workload_id", w.ID).Msg("Failed to leave warning")
		}
	case w.Status == types.WorkloadWarning && r.cfg.WarningDeadline > 0 &&
		!w.WarningSince.IsZero() && r.now().Sub(w.WarningSince) >= r.cfg.WarningDeadline:
		r.failWorkload(ctx, w)
		return true
	}
	return false
}

func (r *Reconciler) failWorkload(ctx context.Context, w *types.Workload) {
	reason := fmt.Sprintf("in warning for more than %s", r.cfg.WarningDeadline)
	if err := r.lifecycle.Transition(w.ID, types.WorkloadFailed, reason); err != nil {
		r.logger.Warn().Err(err).Str("workload_id", w.ID).Msg("Failed to fail workload")
		return
	}
	if r.releaser != nil {
		if err := r.releaser.Unplace(ctx, w.ID); err != nil && !errors.Is(err, types.ErrNoAllocation) {
			r.logger.Warn().Err(err).Str("workload_id", w.ID).Msg("Failed to release allocation")
		}
	}
	if err := r.lifecycle.Unbind(w.ID); err != nil {
		r.logger.Debug().Err(err).Str("workload_id", w.ID).Msg("Failed to clear binding")
	}
	metrics.WorkloadsFailed.Inc()

	r.logger.Error().Str("workload_id", w.ID).Str("reason", reason).Msg("Workload failed")
	r.alert(types.Alert{
		Type:       types.AlertWorkloadFailed,
		Severity:   types.SeverityCritical,
		WorkloadID: w.ID,
		ResourceID: w.ResourceID,
		Message:    reason,
	})
}

func (r *Reconciler) autoscale(ctx context.Context, w *types.Workload, sample types.MetricsSample) {
	if r.scaler == nil {
		return
	}
	event, err := r.scaler.Evaluate(ctx, w.ID, sample)
	switch {
	case errors.Is(err, types.ErrScalingRejected):
		r.logger.Warn().Err(err).Str("workload_id", w.ID).Msg("Scaling rejected")
	case err != nil:
		r.logger.Debug().Err(err).Str("workload_id", w.ID).Msg("Scaling skipped")
	case event != nil:
		r.logger.Debug().
			Str("workload_id", w.ID).
			Str("direction", string(event.Direction)).
			Msg("Workload scaled")
	}
}

func (r *Reconciler) alert(a types.Alert) {
	if r.notifier == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now()
	}
	r.notifier.SendAlert(a)
}
