package allocation

import (
	"context"
	"math"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

// Load inflates the requests of workloads whose predicted load exceeds a
// threshold before delegating to a base strategy.
type Load struct {
	base      Strategy
	predictor types.Predictor
	threshold float64
	buffer    float64
}

// NewLoadBased wraps base. threshold is a fraction of full utilisation and
// buffer the ratio added to inflated requests.
func NewLoadBased(base Strategy, predictor types.Predictor, threshold, buffer float64) *Load {
	if threshold <= 0 {
		threshold = 0.8
	}
	if buffer < 0 {
		buffer = 0
	}
	return &Load{base: base, predictor: predictor, threshold: threshold, buffer: buffer}
}

func (l *Load) Name() string { return LoadBased }

func (l *Load) Allocate(ctx context.Context, workloads []*types.Workload, total float64) (map[string]float64, error) {
	return l.base.Allocate(ctx, l.inflate(ctx, workloads), total)
}

// Request returns the requirements the workload is granted from: its own
// request, scaled by 1+buffer when its predicted load is above threshold.
func (l *Load) Request(ctx context.Context, w *types.Workload) types.Requirements {
	if l.hot(ctx, w) {
		return w.Requirements.Scale(1 + l.buffer)
	}
	return w.Requirements
}

func (l *Load) hot(ctx context.Context, w *types.Workload) bool {
	if l.predictor == nil {
		return false
	}
	demand, err := l.predictor.PredictDemand(ctx, w.History)
	if err != nil {
		logger := log.WithWorkloadID(w.ID)
		logger.Warn().Err(err).Msg("Demand prediction failed, using request as is")
		return false
	}
	return math.Max(demand.CPU, demand.Memory)/100 > l.threshold
}

func (l *Load) inflate(ctx context.Context, workloads []*types.Workload) []*types.Workload {
	out := make([]*types.Workload, len(workloads))
	factor := 1 + l.buffer

	for i, w := range workloads {
		out[i] = w
		if !l.hot(ctx, w) {
			continue
		}
		inflated := *w
		inflated.Requirements = w.Requirements.Scale(factor)
		if w.Weight > 0 {
			inflated.Weight = w.Weight * factor
		}
		out[i] = &inflated
	}
	return out
}

var _ Requester = (*Load)(nil)
