package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workload"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds the scaling thresholds and factors
type Config struct {
	Cooldown      time.Duration
	UpThreshold   float64
	DownThreshold float64
	UpFactor      float64
	DownFactor    float64
	// MaxEvents bounds the retained scaling events per workload
	MaxEvents int
}

// DefaultConfig scales up by 1.5x above 80% and down by 0.75x below 20%
func DefaultConfig() Config {
	return Config{
		Cooldown:      300 * time.Second,
		UpThreshold:   80,
		DownThreshold: 20,
		UpFactor:      1.5,
		DownFactor:    0.75,
		MaxEvents:     100,
	}
}

// AutoScaler adjusts the limits of running workloads from their utilisation
type AutoScaler struct {
	cfg       Config
	registry  *registry.Registry
	lifecycle *workload.Lifecycle
	limiter   types.ResourceLimiter
	notifier  types.Notifier

	mu        sync.Mutex
	lastScale map[string]time.Time
	events    map[string][]types.ScalingEvent

	logger zerolog.Logger
	now    func() time.Time
}

// New creates an autoscaler
func New(cfg Config, reg *registry.Registry, lifecycle *workload.Lifecycle, limiter types.ResourceLimiter, notifier types.Notifier) *AutoScaler {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 100
	}
	return &AutoScaler{
		cfg:       cfg,
		registry:  reg,
		lifecycle: lifecycle,
		limiter:   limiter,
		notifier:  notifier,
		lastScale: make(map[string]time.Time),
		events:    make(map[string][]types.ScalingEvent),
		logger:    log.WithComponent("autoscaler"),
		now:       time.Now,
	}
}

// Decide returns the scaling direction and factor for a sample. Scaling up
// needs either dimension above the up threshold; scaling down needs both
// below the down threshold.
func (a *AutoScaler) Decide(sample types.MetricsSample) (types.ScaleDirection, float64, bool) {
	switch {
	case sample.CPUUsage > a.cfg.UpThreshold || sample.MemoryUsage > a.cfg.UpThreshold:
		return types.ScaleUp, a.cfg.UpFactor, true
	case sample.CPUUsage < a.cfg.DownThreshold && sample.MemoryUsage < a.cfg.DownThreshold:
		return types.ScaleDown, a.cfg.DownFactor, true
	}
	return "", 0, false
}

// InCooldown reports whether a workload was scaled within the cooldown
func (a *AutoScaler) InCooldown(workloadID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inCooldownLocked(workloadID, a.now())
}

func (a *AutoScaler) inCooldownLocked(workloadID string, now time.Time) bool {
	last, ok := a.lastScale[workloadID]
	return ok && now.Sub(last) < a.cfg.Cooldown
}

// Evaluate decides and applies a scaling action for one sample. It returns
// nil without error when no action is due or the workload is cooling down.
// A rejected action is recorded and returned together with an error wrapping
// types.ErrScalingRejected; the allocation is left as it was.
func (a *AutoScaler) Evaluate(ctx context.Context, workloadID string, sample types.MetricsSample) (*types.ScalingEvent, error) {
	w, err := a.lifecycle.Get(workloadID)
	if err != nil {
		return nil, err
	}
	if !w.Status.Active() || w.ResourceID == "" {
		return nil, nil
	}

	direction, factor, ok := a.Decide(sample)
	if !ok {
		return nil, nil
	}

	now := a.now()
	a.mu.Lock()
	if a.inCooldownLocked(workloadID, now) {
		a.mu.Unlock()
		return nil, nil
	}
	// The cooldown starts at every attempt, successful or not
	a.lastScale[workloadID] = now
	a.mu.Unlock()

	old := w.Limits
	if old.IsZero() {
		old = w.Allocated
	}
	if old.IsZero() {
		old = w.Requirements
	}

	event := types.ScalingEvent{
		ID:         uuid.New().String(),
		WorkloadID: workloadID,
		Timestamp:  now,
		Direction:  direction,
		OldLimits:  old,
		NewLimits:  old.Scale(factor),
	}

	applyErr := a.apply(ctx, workloadID, event.OldLimits, event.NewLimits)
	if applyErr != nil {
		event.Reason = applyErr.Error()
	} else {
		event.Success = true
		event.Reason = fmt.Sprintf("cpu=%.1f%% memory=%.1f%%", sample.CPUUsage, sample.MemoryUsage)
	}
	a.record(event)

	if applyErr != nil {
		return &event, fmt.Errorf("%w: %s: %v", types.ErrScalingRejected, workloadID, applyErr)
	}
	return &event, nil
}

// apply resizes the reservation, then enacts the limits. A runtime rejection
// rolls the reservation back.
func (a *AutoScaler) apply(ctx context.Context, workloadID string, old, next types.Limits) error {
	if _, err := a.registry.Resize(workloadID, next); err != nil {
		return err
	}

	ok, err := a.limiter.ApplyLimits(ctx, workloadID, next)
	if err == nil && !ok {
		err = fmt.Errorf("runtime rejected limits cpu=%.2f memory=%.2f", next.CPU, next.Memory)
	}
	if err != nil {
		if _, rbErr := a.registry.Resize(workloadID, old); rbErr != nil {
			a.logger.Error().Err(rbErr).Str("workload_id", workloadID).Msg("Failed to roll back reservation")
		}
		return err
	}

	return a.lifecycle.SetLimits(workloadID, next)
}

func (a *AutoScaler) record(event types.ScalingEvent) {
	a.mu.Lock()
	evs := append(a.events[event.WorkloadID], event)
	if len(evs) > a.cfg.MaxEvents {
		evs = evs[len(evs)-a.cfg.MaxEvents:]
	}
	a.events[event.WorkloadID] = evs
	a.mu.Unlock()

	outcome := "success"
	severity := types.SeverityInfo
	if !event.Success {
		outcome = "rejected"
		severity = types.SeverityWarning
	}
	metrics.ScalingEventsTotal.WithLabelValues(string(event.Direction), outcome).Inc()

	a.logger.Info().
		Str("workload_id", event.WorkloadID).
		Str("direction", string(event.Direction)).
		Bool("success", event.Success).
		Float64("cpu", event.NewLimits.CPU).
		Float64("memory", event.NewLimits.Memory).
		Str("reason", event.Reason).
		Msg("Scaling event")

	if a.notifier != nil {
		a.notifier.SendAlert(types.Alert{
			Type:       types.AlertScaling,
			Severity:   severity,
			WorkloadID: event.WorkloadID,
			Message:    fmt.Sprintf("scale %s %s", event.Direction, outcome),
			Timestamp:  event.Timestamp,
			Data: map[string]string{
				"event_id":   event.ID,
				"new_cpu":    fmt.Sprintf("%.3f", event.NewLimits.CPU),
				"new_memory": fmt.Sprintf("%.3f", event.NewLimits.Memory),
			},
		})
	}
}

// Events returns the retained scaling events of a workload, oldest first
func (a *AutoScaler) Events(workloadID string) []types.ScalingEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.ScalingEvent(nil), a.events[workloadID]...)
}

// Forget drops the cooldown and events of a deleted workload
func (a *AutoScaler) Forget(workloadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.lastScale, workloadID)
	delete(a.events, workloadID)
}
