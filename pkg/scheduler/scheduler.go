package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/workload"
	"github.com/rs/zerolog"
)

const defaultInterval = 500 * time.Millisecond

// PassResult lists what one scheduling pass did with each dequeued workload
type PassResult struct {
	Scheduled []string
	Requeued  []string
	Failed    []string
}

// Scheduler drains the queue on a fixed cadence and binds workloads to
// resource instances
type Scheduler struct {
	queue     *Queue
	lifecycle *workload.Lifecycle
	placer    *Placer
	notifier  types.Notifier
	interval  time.Duration

	// onPass is called after every pass of the loop
	onPass func(PassResult)

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(queue *Queue, lifecycle *workload.Lifecycle, placer *Placer, notifier types.Notifier, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		queue:     queue,
		lifecycle: lifecycle,
		placer:    placer,
		notifier:  notifier,
		interval:  interval,
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("scheduler"),
	}
}

// OnPass sets a hook called with the result of every pass the loop runs.
// It must be set before Start.
func (s *Scheduler) OnPass(fn func(PassResult)) {
	s.onPass = fn
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	metrics.RegisterComponent("scheduler", true, "")
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// run is the main scheduler loop
func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			res := s.ScheduleOnce(ctx)
			if s.onPass != nil {
				s.onPass(res)
			}
			if n := len(res.Scheduled) + len(res.Requeued) + len(res.Failed); n > 0 {
				s.logger.Debug().
					Int("scheduled", len(res.Scheduled)).
					Int("requeued", len(res.Requeued)).
					Int("failed", len(res.Failed)).
					Msg("Scheduling pass complete")
			}
		case <-s.stopCh:
			metrics.UpdateComponent("scheduler", false, "stopped")
			return
		}
	}
}

// ScheduleOnce performs one scheduling pass over the entries queued when the
// pass starts. Workloads that fail to place are re-enqueued after the pass,
// so a pass never spins on the same workload.
func (s *Scheduler) ScheduleOnce(ctx context.Context) PassResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	var res PassResult
	batch := s.dequeueBatch()
	if len(batch) == 0 {
		metrics.QueueDepth.Set(float64(s.queue.Len()))
		return res
	}

	shares := s.batchShares(ctx, batch)

	var requeue []*types.Workload
	for _, w := range batch {
		if ctx.Err() != nil {
			requeue = append(requeue, w)
			continue
		}

		err := s.bind(ctx, w, shares)
		switch {
		case err == nil:
			res.Scheduled = append(res.Scheduled, w.ID)
		case errors.Is(err, types.ErrWorkloadNotFound):
			// Deleted while queued
		default:
			if s.handleFailure(w, err) {
				requeue = append(requeue, w)
			} else {
				res.Failed = append(res.Failed, w.ID)
			}
		}
	}

	for _, w := range requeue {
		latest, err := s.lifecycle.Get(w.ID)
		if err != nil || latest.Status != types.WorkloadPending {
			continue
		}
		if err := s.queue.Enqueue(EntryFor(latest)); err == nil {
			res.Requeued = append(res.Requeued, w.ID)
		}
	}

	metrics.QueueDepth.Set(float64(s.queue.Len()))
	return res
}

// dequeueBatch drains the entries queued at the start of the pass, highest
// score first, resolving each to its current workload record.
func (s *Scheduler) dequeueBatch() []*types.Workload {
	n := s.queue.Len()
	batch := make([]*types.Workload, 0, n)
	for i := 0; i < n; i++ {
		entry, err := s.queue.Dequeue()
		if err != nil {
			break
		}
		w, err := s.lifecycle.Get(entry.ID)
		if err != nil || w.Status != types.WorkloadPending {
			continue
		}
		batch = append(batch, w)
	}
	return batch
}

// batchShares computes shares for the whole batch so competing workloads are
// weighed against each other. If the strategy rejects the batch, each
// workload is weighed alone and the offending ones fail individually.
func (s *Scheduler) batchShares(ctx context.Context, batch []*types.Workload) map[string]float64 {
	shares, err := s.placer.Shares(ctx, batch)
	if err == nil {
		return shares
	}
	s.logger.Debug().Err(err).Msg("Batch allocation rejected, weighing workloads individually")
	return nil
}

func (s *Scheduler) bind(ctx context.Context, w *types.Workload, shares map[string]float64) error {
	var (
		rec *types.AllocationRecord
		err error
	)
	if share, ok := shares[w.ID]; ok {
		rec, err = s.placer.Place(ctx, w, share)
	} else {
		rec, err = s.placer.PlaceOne(ctx, w)
	}
	if err != nil {
		return err
	}

	if err := s.lifecycle.Bind(w.ID, rec.ResourceID, rec.Amount); err == nil {
		err = s.lifecycle.Transition(w.ID, types.WorkloadRunning, "scheduled on "+rec.ResourceID)
	}
	if err != nil {
		_ = s.placer.Unplace(ctx, w.ID)
		_ = s.lifecycle.Unbind(w.ID)
		return err
	}

	metrics.WorkloadsScheduled.Inc()
	s.logger.Info().
		Str("workload_id", w.ID).
		Str("resource_id", rec.ResourceID).
		Float64("cpu", rec.Amount.CPU).
		Float64("memory", rec.Amount.Memory).
		Msg("Workload scheduled")
	return nil
}

// handleFailure counts a failed placement against the workload's retries. It
// reports whether the workload should go back on the queue.
func (s *Scheduler) handleFailure(w *types.Workload, cause error) bool {
	metrics.AllocationFailures.WithLabelValues(failureReason(cause)).Inc()

	retries, err := s.lifecycle.Retry(w.ID)
	if err == nil {
		s.logger.Debug().
			Err(cause).
			Str("workload_id", w.ID).
			Int("retry", retries).
			Msg("Placement failed, requeueing")
		return true
	}
	if !errors.Is(err, types.ErrRetryLimitExceeded) {
		return false
	}

	if terr := s.lifecycle.Transition(w.ID, types.WorkloadFailed, cause.Error()); terr != nil {
		s.logger.Warn().Err(terr).Str("workload_id", w.ID).Msg("Failed to mark workload failed")
		return false
	}
	metrics.WorkloadsFailed.Inc()
	s.logger.Warn().
		Err(cause).
		Str("workload_id", w.ID).
		Int("retries", retries).
		Msg("Workload failed, retry limit exceeded")

	if s.notifier != nil {
		s.notifier.SendAlert(types.Alert{
			Type:       types.AlertWorkloadFailed,
			Severity:   types.SeverityCritical,
			WorkloadID: w.ID,
			Message:    "workload could not be placed: " + cause.Error(),
			Timestamp:  time.Now(),
		})
	}
	return false
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrLimitsRejected):
		return "limits_rejected"
	case errors.Is(err, types.ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, types.ErrNoCandidateResource):
		return "no_candidate"
	case errors.Is(err, types.ErrUnknownSizeClass):
		return "unknown_size_class"
	case errors.Is(err, types.ErrDegenerateWeight):
		return "degenerate_weight"
	case errors.Is(err, types.ErrResourceUnavailable):
		return "resource_unavailable"
	default:
		return "other"
	}
}
