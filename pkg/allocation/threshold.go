package allocation

import (
	"context"

	"github.com/cuemby/burrow/pkg/types"
)

// Threshold adjusts an equal base share by the workload's last observed
// utilisation: busy workloads get more, idle ones less.
type Threshold struct {
	High       float64
	Low        float64
	BoostRatio float64
	TrimRatio  float64
}

// NewThresholdBased boosts by 50% above 80% utilisation and trims by 20% below 30%
func NewThresholdBased() *Threshold {
	return &Threshold{High: 80, Low: 30, BoostRatio: 1.5, TrimRatio: 0.8}
}

func (t *Threshold) Name() string { return ThresholdBased }

func (t *Threshold) Allocate(_ context.Context, workloads []*types.Workload, total float64) (map[string]float64, error) {
	out := equalSplit(workloads, total)
	for _, w := range workloads {
		last, ok := w.LastSample()
		if !ok {
			continue
		}
		switch util := last.Peak(); {
		case util > t.High:
			out[w.ID] *= t.BoostRatio
		case util < t.Low:
			out[w.ID] *= t.TrimRatio
		}
	}
	clampTotal(out, total)
	return out, nil
}
