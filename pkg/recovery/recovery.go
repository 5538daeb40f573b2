package recovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workload"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Recovery paths, used as action kinds and metric labels
const (
	PathRestore    = "restore"
	PathReallocate = "reallocate"
	PathFailover   = "failover"
	PathTimeout    = "timeout"
)

const maxResults = 100

// Config bounds recovery work
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
	Workers    int
}

// DefaultConfig returns three attempts of at most 30s each on four workers
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Timeout:    30 * time.Second,
		Workers:    4,
	}
}

// Manager recovers workloads whose resource instance failed. Each recovery
// makes up to MaxRetries local attempts with exponential backoff between
// them, restoring from a snapshot when one is available and reallocating
// otherwise, followed by a single failover attempt on another instance.
type Manager struct {
	cfg       Config
	registry  *registry.Registry
	lifecycle *workload.Lifecycle
	placer    *scheduler.Placer
	store     types.PersistenceStore
	prober    types.ResourceProber
	notifier  types.Notifier

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]struct{}
	results  []types.RecoveryResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a recovery manager. store and prober may be nil.
func NewManager(cfg Config, reg *registry.Registry, lifecycle *workload.Lifecycle, placer *scheduler.Placer,
	store types.PersistenceStore, prober types.ResourceProber, notifier types.Notifier) *Manager {
	def := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		registry:  reg,
		lifecycle: lifecycle,
		placer:    placer,
		store:     store,
		prober:    prober,
		notifier:  notifier,
		sem:       semaphore.NewWeighted(int64(cfg.Workers)),
		inflight:  make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.WithComponent("recovery"),
		now:       time.Now,
	}
}

// Submit starts recovering a workload in the background. It returns false
// when a recovery for the workload is already in flight or the manager has
// been stopped.
func (m *Manager) Submit(resourceID, workloadID string) bool {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return false
	}
	if _, busy := m.inflight[workloadID]; busy {
		m.mu.Unlock()
		return false
	}
	m.inflight[workloadID] = struct{}{}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.inflight, workloadID)
			m.mu.Unlock()
		}()
		m.HandleFailure(m.ctx, resourceID, workloadID)
	}()
	return true
}

// InFlight reports whether a background recovery is running for a workload
func (m *Manager) InFlight(workloadID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[workloadID]
	return ok
}

// Stop cancels running recoveries and waits for them to return
func (m *Manager) Stop() {
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.wg.Wait()
}

// Results returns the most recent recovery results, oldest first
func (m *Manager) Results() []types.RecoveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.results)
}

// HandleFailure recovers one workload from the failure of resourceID and
// blocks until recovery succeeds or is exhausted. At most Workers recoveries
// run at once; callers beyond that wait for a slot.
func (m *Manager) HandleFailure(ctx context.Context, resourceID, workloadID string) types.RecoveryResult {
	start := m.now()
	result := types.RecoveryResult{
		ID:         uuid.New().String(),
		ResourceID: resourceID,
		WorkloadID: workloadID,
	}

	logger := log.WithWorkloadID(workloadID).With().
		Str("component", "recovery").
		Str("resource_id", resourceID).
		Logger()

	if err := m.sem.Acquire(ctx, 1); err != nil {
		result.FailureType = types.ClassifyFailure(err)
		result.Duration = m.now().Sub(start)
		logger.Warn().Err(err).Msg("Recovery not started")
		return result
	}
	defer m.sem.Release(1)

	w, err := m.lifecycle.Get(workloadID)
	if err != nil {
		result.FailureType = types.ClassifyFailure(err)
		result.Duration = m.now().Sub(start)
		logger.Warn().Err(err).Msg("Recovery skipped")
		return result
	}
	if w.Status.Terminal() {
		result.FailureType = types.FailureGeneric
		result.Duration = m.now().Sub(start)
		logger.Debug().Str("status", string(w.Status)).Msg("Recovery skipped for finished workload")
		return result
	}

	logger.Info().Msg("Recovering workload")

	var late pending
	rec, lastErr := m.recoverLocally(ctx, w, &result, &late)
	if rec == nil && ctx.Err() == nil {
		rec, lastErr = m.failover(ctx, w, &result, &late)
	}
	m.settle(w.ID, &late, rec)

	if rec != nil {
		m.succeed(w, rec, &result)
	} else {
		result.FailureType = types.ClassifyFailure(lastErr)
		if ctx.Err() != nil {
			logger.Warn().Err(ctx.Err()).Msg("Recovery interrupted")
		} else {
			m.fail(ctx, w, lastErr, &result)
		}
	}

	result.Duration = m.now().Sub(start)
	m.finish(result)
	return result
}

// recoverLocally runs the local attempts, waiting base*2^i between attempt i
// and i+1
func (m *Manager) recoverLocally(ctx context.Context, w *types.Workload, result *types.RecoveryResult, late *pending) (*types.AllocationRecord, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = time.Duration(1<<62 - 1)
	b.Reset()

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := b.NextBackOff()
			result.Delays = append(result.Delays, delay)
			if err := wait(ctx, delay); err != nil {
				return nil, err
			}
		}

		result.Attempts++
		rec, err := m.attempt(ctx, attempt, w, result, late)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		m.logger.Debug().Err(err).
			Str("workload_id", w.ID).
			Int("attempt", attempt+1).
			Msg("Recovery attempt failed")
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no local attempts", types.ErrRecoveryFailed)
	}
	return nil, lastErr
}

// attempt is one time-bounded local attempt: restore from a snapshot when a
// valid one exists for a registered instance, else reallocate
func (m *Manager) attempt(ctx context.Context, attempt int, w *types.Workload, result *types.RecoveryResult, late *pending) (*types.AllocationRecord, error) {
	return m.within(ctx, attempt, result, late, func(actx context.Context, scratch *types.RecoveryResult) (*types.AllocationRecord, error) {
		if snap := m.loadSnapshot(actx, scratch.ResourceID); snap != nil {
			rec, err := m.restore(actx, w, snap)
			m.action(scratch, attempt, PathRestore, err)
			if err == nil {
				return rec, nil
			}
			if actx.Err() != nil {
				return nil, err
			}
		}

		rec, err := m.reallocate(actx, w)
		m.action(scratch, attempt, PathReallocate, err)
		return rec, err
	})
}

// step is one recovery path run under a deadline. It records its actions
// into scratch rather than the shared result.
type step func(ctx context.Context, scratch *types.RecoveryResult) (*types.AllocationRecord, error)

type stepResult struct {
	rec     *types.AllocationRecord
	err     error
	actions []types.RecoveryAction
}

// pending holds steps abandoned at their deadline that have not returned yet
type pending struct {
	steps []<-chan stepResult
}

// within runs fn with a Timeout deadline and returns when the deadline
// passes even if fn does not. The actions of an abandoned step are dropped
// and a timeout action is recorded in their place.
func (m *Manager) within(ctx context.Context, attempt int, result *types.RecoveryResult, late *pending, fn step) (*types.AllocationRecord, error) {
	actx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	done := make(chan stepResult, 1)
	go func() {
		scratch := &types.RecoveryResult{ResourceID: result.ResourceID}
		rec, err := fn(actx, scratch)
		done <- stepResult{rec: rec, err: err, actions: scratch.Actions}
	}()

	select {
	case out := <-done:
		result.Actions = append(result.Actions, out.actions...)
		if out.err != nil {
			return nil, bounded(actx, out.err)
		}
		return out.rec, nil
	case <-actx.Done():
		err := actx.Err()
		m.action(result, attempt, PathTimeout, err)
		late.steps = append(late.steps, done)
		return nil, err
	}
}

// settle waits for abandoned steps in the background and releases any
// allocation one of them made after recovery moved on, unless it is the
// allocation recovery settled on.
func (m *Manager) settle(workloadID string, late *pending, final *types.AllocationRecord) {
	for _, done := range late.steps {
		go func() {
			out := <-done
			if out.err != nil || out.rec == nil || sameRecord(out.rec, final) {
				return
			}
			cur, ok := m.registry.Record(workloadID)
			if !ok || !sameRecord(cur, out.rec) {
				return
			}
			m.logger.Debug().
				Str("workload_id", workloadID).
				Str("resource_id", out.rec.ResourceID).
				Msg("Releasing allocation of abandoned recovery step")
			m.release(context.Background(), workloadID)
		}()
	}
}

func sameRecord(a, b *types.AllocationRecord) bool {
	if a == nil || b == nil {
		return false
	}
	return a.ResourceID == b.ResourceID && a.CreatedAt.Equal(b.CreatedAt)
}

func (m *Manager) loadSnapshot(ctx context.Context, resourceID string) *types.RecoverySnapshot {
	if m.store == nil {
		return nil
	}
	if _, err := m.registry.Get(resourceID); err != nil {
		return nil
	}
	snap, err := m.store.LoadSnapshot(ctx, resourceID)
	if err != nil {
		if !errors.Is(err, types.ErrSnapshotNotFound) {
			m.logger.Warn().Err(err).Str("resource_id", resourceID).Msg("Failed to load snapshot")
		}
		return nil
	}
	if err := snap.Validate(); err != nil {
		m.logger.Warn().Err(err).Str("resource_id", resourceID).Msg("Ignoring snapshot")
		return nil
	}
	return snap
}

func (m *Manager) restore(ctx context.Context, w *types.Workload, snap *types.RecoverySnapshot) (*types.AllocationRecord, error) {
	if m.prober != nil {
		inst, err := m.registry.Get(snap.State.ID)
		if err != nil {
			return nil, err
		}
		if err := m.prober.Probe(ctx, inst); err != nil {
			return nil, fmt.Errorf("failed to probe %s: %w", inst.ID, err)
		}
	}

	bound, err := m.registry.Restore(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", snap.State.ID, err)
	}
	if !slices.Contains(bound, w.ID) {
		return nil, fmt.Errorf("%w: snapshot of %s does not hold %s", types.ErrNoAllocation, snap.State.ID, w.ID)
	}

	rec, ok := m.registry.Record(w.ID)
	if !ok || rec.ResourceID != snap.State.ID {
		return nil, fmt.Errorf("%w: %s", types.ErrNoAllocation, w.ID)
	}
	if err := m.placer.ApplyLimits(ctx, w.ID, rec.Amount); err != nil {
		return nil, err
	}
	return rec, nil
}

// reallocate releases whatever the workload still holds and places it again
// through the allocation strategy
func (m *Manager) reallocate(ctx context.Context, w *types.Workload) (*types.AllocationRecord, error) {
	m.release(ctx, w.ID)
	return m.placer.PlaceOne(ctx, w)
}

// failover places the workload with its full requirements on any instance
// other than the failed one, without backoff
func (m *Manager) failover(ctx context.Context, w *types.Workload, result *types.RecoveryResult, late *pending) (*types.AllocationRecord, error) {
	attempt := result.Attempts
	rec, err := m.within(ctx, attempt, result, late, func(actx context.Context, scratch *types.RecoveryResult) (*types.AllocationRecord, error) {
		m.release(actx, w.ID)
		rec, err := m.placer.Place(actx, w, m.placer.Request(actx, w).CPU, scratch.ResourceID)
		m.action(scratch, attempt, PathFailover, err)
		return rec, err
	})
	if err != nil {
		return nil, err
	}
	result.FailedOver = true
	return rec, nil
}

func (m *Manager) release(ctx context.Context, workloadID string) {
	if _, ok := m.registry.Record(workloadID); !ok {
		return
	}
	if err := m.placer.Unplace(ctx, workloadID); err != nil && !errors.Is(err, types.ErrNoAllocation) {
		m.logger.Warn().Err(err).Str("workload_id", workloadID).Msg("Failed to release allocation")
	}
}

func (m *Manager) action(result *types.RecoveryResult, attempt int, kind string, err error) {
	a := types.RecoveryAction{
		Attempt:   attempt,
		Kind:      kind,
		Success:   err == nil,
		Timestamp: m.now(),
	}
	outcome := "success"
	if err != nil {
		a.Detail = err.Error()
		outcome = "failure"
	}
	result.Actions = append(result.Actions, a)
	metrics.RecoveryAttemptsTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Manager) succeed(w *types.Workload, rec *types.AllocationRecord, result *types.RecoveryResult) {
	result.Success = true
	result.NewResource = rec.ResourceID

	if err := m.lifecycle.Bind(w.ID, rec.ResourceID, rec.Amount); err != nil {
		m.logger.Warn().Err(err).Str("workload_id", w.ID).Msg("Failed to record recovered binding")
	}
	if err := m.lifecycle.Transition(w.ID, types.WorkloadRunning, "recovered on "+rec.ResourceID); err != nil {
		m.logger.Debug().Err(err).Str("workload_id", w.ID).Msg("Recovered workload kept its status")
	}

	m.logger.Info().
		Str("workload_id", w.ID).
		Str("resource_id", result.ResourceID).
		Str("new_resource", rec.ResourceID).
		Bool("failed_over", result.FailedOver).
		Int("attempts", result.Attempts).
		Msg("Workload recovered")

	if m.notifier != nil {
		m.notifier.SendAlert(types.Alert{
			Type:       types.AlertRecovery,
			Severity:   types.SeverityInfo,
			WorkloadID: w.ID,
			ResourceID: rec.ResourceID,
			Message:    fmt.Sprintf("workload recovered from %s", result.ResourceID),
			Timestamp:  m.now(),
			Data:       map[string]string{"recovery_id": result.ID},
		})
	}
}

func (m *Manager) fail(ctx context.Context, w *types.Workload, cause error, result *types.RecoveryResult) {
	m.release(ctx, w.ID)
	if err := m.lifecycle.Unbind(w.ID); err != nil {
		m.logger.Debug().Err(err).Str("workload_id", w.ID).Msg("Failed to clear binding")
	}

	reason := fmt.Sprintf("recovery failed: %v", cause)
	if err := m.lifecycle.Transition(w.ID, types.WorkloadFailed, reason); err != nil {
		m.logger.Warn().Err(err).Str("workload_id", w.ID).Msg("Failed to mark workload failed")
	} else {
		metrics.WorkloadsFailed.Inc()
	}

	m.logger.Error().
		Err(cause).
		Str("workload_id", w.ID).
		Str("resource_id", result.ResourceID).
		Str("failure_type", string(result.FailureType)).
		Msg("Workload recovery failed")

	if m.notifier != nil {
		m.notifier.SendAlert(types.Alert{
			Type:       types.AlertRecoveryFailure,
			Severity:   types.SeverityCritical,
			WorkloadID: w.ID,
			ResourceID: result.ResourceID,
			Message:    reason,
			Timestamp:  m.now(),
			Data: map[string]string{
				"recovery_id":  result.ID,
				"failure_type": string(result.FailureType),
			},
		})
	}
}

func (m *Manager) finish(result types.RecoveryResult) {
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	metrics.RecoveriesTotal.WithLabelValues(outcome).Inc()
	metrics.RecoveryDuration.Observe(result.Duration.Seconds())

	m.mu.Lock()
	m.results = append(m.results, result)
	if len(m.results) > maxResults {
		m.results = m.results[len(m.results)-maxResults:]
	}
	m.mu.Unlock()
}

// bounded marks an error as a timeout when the attempt ran out of time
func bounded(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
