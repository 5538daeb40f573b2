package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/allocation"
	"github.com/cuemby/burrow/pkg/balancer"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/registry"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// ErrLimitsRejected is returned when the runtime refuses a placement's limits
var ErrLimitsRejected = fmt.Errorf("%w: runtime rejected limits", types.ErrInsufficientCapacity)

// Placer turns a workload into an allocation: the strategy proposes a share,
// the balancer ranks instances, the registry reserves capacity and the
// limiter enacts it. The scheduling loop and recovery both place through it.
type Placer struct {
	registry *registry.Registry
	strategy allocation.Strategy
	balancer *balancer.Balancer
	limiter  types.ResourceLimiter
	store    types.PersistenceStore
	logger   zerolog.Logger
}

// NewPlacer creates a placer. store may be nil, in which case no snapshots
// are saved after placement.
func NewPlacer(reg *registry.Registry, strategy allocation.Strategy, bal *balancer.Balancer,
	limiter types.ResourceLimiter, store types.PersistenceStore) *Placer {
	return &Placer{
		registry: reg,
		strategy: strategy,
		balancer: bal,
		limiter:  limiter,
		store:    store,
		logger:   log.WithComponent("placer"),
	}
}

// Strategy returns the configured allocation strategy
func (p *Placer) Strategy() allocation.Strategy {
	return p.strategy
}

// Shares runs the strategy over a set of workloads against the free cpu of
// the available instances. A degenerate weighting falls back to the equal
// split the strategy returns with its error.
func (p *Placer) Shares(ctx context.Context, workloads []*types.Workload, exclude ...string) (map[string]float64, error) {
	total := p.registry.TotalFree(exclude...).CPU
	shares, err := p.strategy.Allocate(ctx, workloads, total)
	if err != nil {
		if errors.Is(err, types.ErrDegenerateWeight) && shares != nil {
			p.logger.Warn().Err(err).Msg("Degenerate weights, using equal split")
			return shares, nil
		}
		return nil, fmt.Errorf("failed to compute shares with %s: %w", p.strategy.Name(), err)
	}
	return shares, nil
}

// Request returns the requirements a workload is granted from. Strategies
// implementing allocation.Requester may adjust the workload's own request.
func (p *Placer) Request(ctx context.Context, w *types.Workload) types.Requirements {
	if r, ok := p.strategy.(allocation.Requester); ok {
		return r.Request(ctx, w)
	}
	return w.Requirements
}

// PlaceOne computes a share for a single workload and places it
func (p *Placer) PlaceOne(ctx context.Context, w *types.Workload, exclude ...string) (*types.AllocationRecord, error) {
	if _, err := p.candidates(w, exclude); err != nil {
		return nil, err
	}
	shares, err := p.Shares(ctx, []*types.Workload{w}, exclude...)
	if err != nil {
		return nil, err
	}
	return p.Place(ctx, w, shares[w.ID], exclude...)
}

// Place reserves a grant derived from share on the best ranked instance and
// applies the limits. Instances are tried in rank order so a candidate that
// filled up concurrently is skipped.
func (p *Placer) Place(ctx context.Context, w *types.Workload, share float64, exclude ...string) (*types.AllocationRecord, error) {
	candidates, err := p.candidates(w, exclude)
	if err != nil {
		return nil, err
	}
	grant, err := allocation.Grant(p.Request(ctx, w), share)
	if err != nil {
		return nil, fmt.Errorf("workload %s: %w", w.ID, err)
	}

	ranked := p.balancer.Rank(candidates, grant)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("workload %s: %w: none of %d instances fits cpu=%.2f memory=%.2f",
			w.ID, types.ErrNoCandidateResource, len(candidates), grant.CPU, grant.Memory)
	}

	var rec *types.AllocationRecord
	for _, cand := range ranked {
		rec, err = p.registry.Allocate(w.ID, cand.Instance.ID, grant)
		if err == nil {
			break
		}
		if !types.IsAllocationError(err) {
			return nil, err
		}
	}
	if rec == nil {
		return nil, fmt.Errorf("workload %s: %w", w.ID, err)
	}

	if err := p.apply(ctx, w.ID, grant); err != nil {
		if _, relErr := p.registry.Release(w.ID); relErr != nil {
			p.logger.Warn().Err(relErr).Str("workload_id", w.ID).Msg("Failed to release rejected placement")
		}
		return nil, err
	}

	p.SaveSnapshot(ctx, rec.ResourceID)
	return rec, nil
}

func (p *Placer) candidates(w *types.Workload, exclude []string) ([]*types.ResourceInstance, error) {
	candidates := p.registry.Available(exclude...)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("workload %s: %w: no available instances", w.ID, types.ErrNoCandidateResource)
	}
	return candidates, nil
}

// ApplyLimits enacts limits for an existing allocation, e.g. one restored
// from a snapshot
func (p *Placer) ApplyLimits(ctx context.Context, workloadID string, limits types.Limits) error {
	return p.apply(ctx, workloadID, limits)
}

func (p *Placer) apply(ctx context.Context, workloadID string, limits types.Limits) error {
	if p.limiter == nil {
		return nil
	}
	ok, err := p.limiter.ApplyLimits(ctx, workloadID, limits)
	if err != nil {
		return fmt.Errorf("failed to apply limits for %s: %w", workloadID, err)
	}
	if !ok {
		return fmt.Errorf("workload %s: %w", workloadID, ErrLimitsRejected)
	}
	return nil
}

// Unplace releases a workload's allocation and its runtime resources
func (p *Placer) Unplace(ctx context.Context, workloadID string) error {
	rec, err := p.registry.Release(workloadID)
	if err != nil {
		return err
	}
	if p.limiter != nil {
		if err := p.limiter.ReleaseResources(ctx, workloadID); err != nil {
			p.logger.Warn().Err(err).Str("workload_id", workloadID).Msg("Failed to release runtime resources")
		}
	}
	p.SaveSnapshot(ctx, rec.ResourceID)
	return nil
}

// SaveSnapshot persists the current state of an instance. Failures are
// logged; a missing snapshot only narrows the recovery options.
func (p *Placer) SaveSnapshot(ctx context.Context, resourceID string) {
	if p.store == nil {
		return
	}
	snap, err := p.registry.Snapshot(resourceID)
	if err != nil {
		p.logger.Debug().Err(err).Str("resource_id", resourceID).Msg("Skipping snapshot")
		return
	}
	if err := p.store.SaveSnapshot(ctx, snap); err != nil {
		p.logger.Warn().Err(err).Str("resource_id", resourceID).Msg("Failed to save snapshot")
	}
}
