package allocation

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

type proportionalShare struct{}

// NewProportionalShare splits capacity by weight. A workload without an
// explicit weight is weighted by its cpu request.
func NewProportionalShare() Strategy { return proportionalShare{} }

func (proportionalShare) Name() string { return ProportionalShare }

// Allocate returns the equal-split fallback together with ErrDegenerateWeight
// when every weight is zero.
func (proportionalShare) Allocate(_ context.Context, workloads []*types.Workload, total float64) (map[string]float64, error) {
	out := make(map[string]float64, len(workloads))
	if len(workloads) == 0 {
		return out, nil
	}

	var weightSum float64
	for _, w := range workloads {
		weightSum += weightOf(w)
	}
	if weightSum <= 0 {
		return equalSplit(workloads, total), fmt.Errorf("%w: %d workloads", types.ErrDegenerateWeight, len(workloads))
	}

	for _, w := range workloads {
		out[w.ID] = weightOf(w) / weightSum * total
	}
	return out, nil
}

func weightOf(w *types.Workload) float64 {
	if w.Weight > 0 {
		return w.Weight
	}
	if w.Requirements.CPU > 0 {
		return w.Requirements.CPU
	}
	return 0
}
