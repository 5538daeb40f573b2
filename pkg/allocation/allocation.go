package allocation

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// Strategy computes a proposed share of the total capacity for every workload
// in a set. Implementations guarantee that the shares sum to at most total
// and return an empty map for an empty set.
type Strategy interface {
	Name() string
	Allocate(ctx context.Context, workloads []*types.Workload, total float64) (map[string]float64, error)
}

// Requester is implemented by strategies that adjust what a workload asks
// for. Grants are computed from the adjusted request.
type Requester interface {
	Request(ctx context.Context, w *types.Workload) types.Requirements
}

// Strategy names accepted by New
const (
	RoundRobin        = "round_robin"
	StaticPriority    = "static_priority"
	FixedQuota        = "fixed_quota"
	ProportionalShare = "proportional"
	ThresholdBased    = "threshold"
	LoadBased         = "load_based"
)

// Names lists every strategy New accepts
var Names = []string{RoundRobin, StaticPriority, FixedQuota, ProportionalShare, ThresholdBased, LoadBased}

// Config selects and parameterises a strategy
type Config struct {
	Strategy string

	// LoadBased only
	BaseStrategy  string
	LoadThreshold float64
	BufferRatio   float64
	Predictor     types.Predictor
}

// New is a factory that creates a Strategy from its configured name
func New(cfg Config) (Strategy, error) {
	switch cfg.Strategy {
	case RoundRobin:
		return NewRoundRobin(), nil
	case StaticPriority:
		return NewStaticPriority(), nil
	case FixedQuota:
		return NewFixedQuota(), nil
	case ProportionalShare:
		return NewProportionalShare(), nil
	case ThresholdBased:
		return NewThresholdBased(), nil
	case LoadBased:
		baseName := cfg.BaseStrategy
		if baseName == "" {
			baseName = ProportionalShare
		}
		if baseName == LoadBased {
			return nil, fmt.Errorf("%w: load_based cannot delegate to itself", types.ErrUnknownStrategy)
		}
		base, err := New(Config{Strategy: baseName})
		if err != nil {
			return nil, err
		}
		return NewLoadBased(base, cfg.Predictor, cfg.LoadThreshold, cfg.BufferRatio), nil
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownStrategy, cfg.Strategy)
	}
}

// Grant turns a cpu share into the amount actually reserved for a workload:
// cpu is capped by both the share and the request, memory is granted as
// requested.
func Grant(req types.Requirements, share float64) (types.Requirements, error) {
	if req.CPU > 0 && share <= 0 {
		return types.Requirements{}, fmt.Errorf("%w: zero share", types.ErrInsufficientCapacity)
	}
	cpu := req.CPU
	if share < cpu {
		cpu = share
	}
	return types.Requirements{CPU: cpu, Memory: req.Memory}, nil
}

func equalSplit(workloads []*types.Workload, total float64) map[string]float64 {
	out := make(map[string]float64, len(workloads))
	if len(workloads) == 0 {
		return out
	}
	share := total / float64(len(workloads))
	for _, w := range workloads {
		out[w.ID] = share
	}
	return out
}

func sum(shares map[string]float64) float64 {
	var s float64
	for _, v := range shares {
		s += v
	}
	return s
}

// clampTotal scales shares down proportionally when they overcommit total
func clampTotal(shares map[string]float64, total float64) {
	s := sum(shares)
	if s <= total+overcommitTolerance || s == 0 {
		return
	}
	f := total / s
	for id := range shares {
		shares[id] *= f
	}
}

// overcommitTolerance absorbs float rounding in share sums
const overcommitTolerance = 1e-9
