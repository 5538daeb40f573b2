package workload

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Config bounds retries and retained metrics history
type Config struct {
	MaxRetries       int
	HistoryMaxLength int
}

// transitions lists the statuses reachable from each status
var transitions = map[types.WorkloadStatus][]types.WorkloadStatus{
	types.WorkloadPending:  {types.WorkloadRunning, types.WorkloadFailed},
	types.WorkloadRunning:  {types.WorkloadStopping, types.WorkloadFailed, types.WorkloadWarning},
	types.WorkloadWarning:  {types.WorkloadRunning, types.WorkloadFailed, types.WorkloadStopping},
	types.WorkloadStopping: {types.WorkloadCompleted, types.WorkloadFailed},
}

// CanTransition reports whether a workload may move from one status to another
func CanTransition(from, to types.WorkloadStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type record struct {
	workload types.Workload
	history  *ring
}

// Lifecycle owns workloads: their status, metrics history, retry count and
// current binding. All accessors are safe for concurrent use.
type Lifecycle struct {
	cfg Config

	mu        sync.RWMutex
	workloads map[string]*record

	logger zerolog.Logger
	now    func() time.Time
}

// NewLifecycle creates an empty lifecycle store
func NewLifecycle(cfg Config) *Lifecycle {
	if cfg.HistoryMaxLength <= 0 {
		cfg.HistoryMaxLength = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Lifecycle{
		cfg:       cfg,
		workloads: make(map[string]*record),
		logger:    log.WithComponent("workload"),
		now:       time.Now,
	}
}

// Create admits a new workload in the pending state
func (l *Lifecycle) Create(spec types.WorkloadSpec) (*types.Workload, error) {
	if err := validateSpec(&spec); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.workloads[spec.ID]; exists {
		return nil, fmt.Errorf("%w: %s", types.ErrDuplicateWorkload, spec.ID)
	}

	now := l.now()
	rec := &record{
		workload: types.Workload{
			ID:           spec.ID,
			Requirements: spec.Requirements,
			Priority:     spec.Priority,
			Status:       types.WorkloadPending,
			Weight:       spec.Weight,
			SizeClass:    spec.SizeClass,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		history: newRing(l.cfg.HistoryMaxLength),
	}
	l.workloads[spec.ID] = rec

	l.logger.Info().
		Str("workload_id", spec.ID).
		Str("priority", string(spec.Priority)).
		Float64("cpu", spec.Requirements.CPU).
		Float64("memory", spec.Requirements.Memory).
		Msg("Workload created")

	return l.copyOf(rec), nil
}

func validateSpec(spec *types.WorkloadSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("%w: id is required", types.ErrInvalidWorkload)
	}
	if spec.Priority == "" {
		spec.Priority = types.PriorityNormal
	}
	if !spec.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", types.ErrInvalidWorkload, spec.Priority)
	}
	if spec.Requirements.CPU < 0 || spec.Requirements.Memory < 0 {
		return fmt.Errorf("%w: requirements must not be negative", types.ErrInvalidWorkload)
	}
	if spec.Weight < 0 {
		return fmt.Errorf("%w: weight must not be negative", types.ErrInvalidWorkload)
	}
	return nil
}

func (l *Lifecycle) copyOf(rec *record) *types.Workload {
	w := rec.workload
	w.History = rec.history.samples()
	return &w
}

func (l *Lifecycle) get(id string) (*record, error) {
	rec, ok := l.workloads[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrWorkloadNotFound, id)
	}
	return rec, nil
}

// Get returns a copy of a workload including its history
func (l *Lifecycle) Get(id string) (*types.Workload, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, err := l.get(id)
	if err != nil {
		return nil, err
	}
	return l.copyOf(rec), nil
}

// List returns copies of the workloads in any of the given statuses, or of
// every workload when none is given, ordered by id.
func (l *Lifecycle) List(statuses ...types.WorkloadStatus) []*types.Workload {
	l.mu.RLock()
	defer l.mu.RUnlock()

	want := make(map[types.WorkloadStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	out := make([]*types.Workload, 0, len(l.workloads))
	for _, rec := range l.workloads {
		if len(want) > 0 && !want[rec.workload.Status] {
			continue
		}
		out = append(out, l.copyOf(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of workloads per status
func (l *Lifecycle) Counts() map[types.WorkloadStatus]int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[types.WorkloadStatus]int)
	for _, rec := range l.workloads {
		out[rec.workload.Status]++
	}
	return out
}

// UpdateStatus moves a workload to a new status. Setting the current status
// again is a no-op; any transition not in the state machine is rejected.
func (l *Lifecycle) UpdateStatus(id string, status types.WorkloadStatus) error {
	return l.Transition(id, status, "")
}

// Transition is UpdateStatus with a reason kept on the workload
func (l *Lifecycle) Transition(id string, status types.WorkloadStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}

	w := &rec.workload
	if w.Status == status {
		return nil
	}
	if !CanTransition(w.Status, status) {
		return fmt.Errorf("%w: %s from %s to %s", types.ErrInvalidTransition, id, w.Status, status)
	}

	from := w.Status
	now := l.now()
	w.Status = status
	w.UpdatedAt = now
	if reason != "" {
		w.Message = reason
	}
	switch {
	case status == types.WorkloadWarning:
		w.WarningSince = now
	case from == types.WorkloadWarning:
		w.WarningSince = time.Time{}
	}

	l.logger.Info().
		Str("workload_id", id).
		Str("from", string(from)).
		Str("to", string(status)).
		Str("reason", reason).
		Msg("Workload status changed")
	return nil
}

// RecordMetrics appends a sample to the workload's bounded history
func (l *Lifecycle) RecordMetrics(id string, sample types.MetricsSample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = l.now()
	}
	rec.history.push(sample)
	return nil
}

// History returns the retained samples, oldest first
func (l *Lifecycle) History(id string) ([]types.MetricsSample, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, err := l.get(id)
	if err != nil {
		return nil, err
	}
	return rec.history.samples(), nil
}

// Retry increments the retry count and returns it. Once the count passes
// MaxRetries it returns ErrRetryLimitExceeded and the caller must fail the
// workload.
func (l *Lifecycle) Retry(id string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return 0, err
	}

	rec.workload.RetryCount++
	rec.workload.UpdatedAt = l.now()
	if rec.workload.RetryCount > l.cfg.MaxRetries {
		return rec.workload.RetryCount, fmt.Errorf("%w: %s after %d retries", types.ErrRetryLimitExceeded, id, l.cfg.MaxRetries)
	}
	return rec.workload.RetryCount, nil
}

// Delete removes every trace of a workload. Deleting an unknown id is a no-op.
func (l *Lifecycle) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.workloads[id]; !ok {
		return
	}
	delete(l.workloads, id)
	l.logger.Info().Str("workload_id", id).Msg("Workload deleted")
}

// Bind records the allocation a workload holds
func (l *Lifecycle) Bind(id, resourceID string, amount types.Requirements) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}
	rec.workload.ResourceID = resourceID
	rec.workload.Allocated = amount
	rec.workload.Limits = amount
	rec.workload.UpdatedAt = l.now()
	return nil
}

// Unbind clears a workload's allocation
func (l *Lifecycle) Unbind(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}
	rec.workload.ResourceID = ""
	rec.workload.Allocated = types.Requirements{}
	rec.workload.Limits = types.Limits{}
	rec.workload.UpdatedAt = l.now()
	return nil
}

// SetLimits records limits enacted by the runtime, e.g. after autoscaling
func (l *Lifecycle) SetLimits(id string, limits types.Limits) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.get(id)
	if err != nil {
		return err
	}
	rec.workload.Limits = limits
	rec.workload.Allocated = limits
	rec.workload.UpdatedAt = l.now()
	return nil
}
