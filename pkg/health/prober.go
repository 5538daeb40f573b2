package health

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// ErrProbeFailed is wrapped by every unhealthy probe result
var ErrProbeFailed = errors.New("probe failed")

// CheckerFor builds the checker described by an instance's probe settings.
// It returns nil when the instance has no probe configured.
func CheckerFor(inst *types.ResourceInstance, config Config) (Checker, error) {
	switch CheckType(inst.ProbeType) {
	case "":
		return nil, nil
	case CheckTypeHTTP:
		return NewHTTPChecker(inst.ProbeAddr).WithTimeout(config.Timeout), nil
	case CheckTypeTCP:
		return NewTCPChecker(inst.ProbeAddr).WithTimeout(config.Timeout), nil
	default:
		return nil, fmt.Errorf("resource %s: unknown probe type %q", inst.ID, inst.ProbeType)
	}
}

// Prober probes resource instances and tracks each one's failure streak
type Prober struct {
	config Config

	mu       sync.Mutex
	statuses map[string]*Status

	logger zerolog.Logger
}

// NewProber creates a prober
func NewProber(config Config) *Prober {
	def := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Retries <= 0 {
		config.Retries = def.Retries
	}
	return &Prober{
		config:   config,
		statuses: make(map[string]*Status),
		logger:   log.WithComponent("prober"),
	}
}

func (p *Prober) run(ctx context.Context, inst *types.ResourceInstance) (Result, bool, error) {
	checker, err := CheckerFor(inst, p.config)
	if err != nil || checker == nil {
		return Result{}, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()
	return checker.Check(ctx), true, nil
}

// Probe checks an instance once without touching its tracked status.
// Instances without a probe are assumed reachable.
func (p *Prober) Probe(ctx context.Context, inst *types.ResourceInstance) error {
	result, probed, err := p.run(ctx, inst)
	if err != nil {
		return err
	}
	if !probed || result.Healthy {
		return nil
	}
	if result.Err != nil {
		return fmt.Errorf("%w: %s: %w", ErrProbeFailed, inst.ID, result.Err)
	}
	return fmt.Errorf("%w: %s: %s", ErrProbeFailed, inst.ID, result.Message)
}

// Check probes an instance, updates its failure streak and returns the
// health the streak implies. ok is false when the instance has no probe.
func (p *Prober) Check(ctx context.Context, inst *types.ResourceInstance) (types.HealthStatus, bool) {
	result, probed, err := p.run(ctx, inst)
	if err != nil {
		p.logger.Warn().Err(err).Str("resource_id", inst.ID).Msg("Invalid probe")
		return "", false
	}
	if !probed {
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.statuses[inst.ID]
	if !ok {
		s = &Status{}
		p.statuses[inst.ID] = s
	}
	s.Update(result)

	if !result.Healthy {
		p.logger.Debug().
			Str("resource_id", inst.ID).
			Int("failures", s.ConsecutiveFailures).
			Str("message", result.Message).
			Msg("Probe failed")
	}
	return s.Health(p.config), true
}

// Status returns a copy of the tracked status of an instance
func (p *Prober) Status(resourceID string) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.statuses[resourceID]
	if !ok {
		return Status{}, false
	}
	return *s, true
}

// Utilization returns the peak load an instance reported with its last
// probe. ok is false when the last probe failed or carried no report.
func (p *Prober) Utilization(resourceID string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.statuses[resourceID]
	if !ok || !s.LastResult.Healthy || s.LastResult.Load == nil {
		return 0, false
	}
	return s.LastResult.Load.Peak(), true
}

// Forget drops the tracked status of a deregistered instance
func (p *Prober) Forget(resourceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.statuses, resourceID)
}
