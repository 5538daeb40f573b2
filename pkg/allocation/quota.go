package allocation

import (
	"context"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// quotaStrategy assigns each workload a fixed fraction of the total keyed by
// a class of the workload. When several workloads share a class and the
// fractions overcommit, the class fraction is divided among them.
type quotaStrategy struct {
	name      string
	fractions map[string]float64
	classify  func(*types.Workload) (string, error)
}

// NewStaticPriority gives high 50%, normal 30% and low 20% of the total
func NewStaticPriority() Strategy {
	return &quotaStrategy{
		name: StaticPriority,
		fractions: map[string]float64{
			string(types.PriorityHigh):   0.5,
			string(types.PriorityNormal): 0.3,
			string(types.PriorityLow):    0.2,
		},
		classify: func(w *types.Workload) (string, error) {
			if !w.Priority.Valid() {
				return "", fmt.Errorf("%w: priority %q of %s", types.ErrInvalidWorkload, w.Priority, w.ID)
			}
			return string(w.Priority), nil
		},
	}
}

// NewFixedQuota gives small 20%, medium 30% and large 50% of the total
func NewFixedQuota() Strategy {
	return &quotaStrategy{
		name: FixedQuota,
		fractions: map[string]float64{
			string(types.SizeSmall):  0.2,
			string(types.SizeMedium): 0.3,
			string(types.SizeLarge):  0.5,
		},
		classify: func(w *types.Workload) (string, error) {
			switch w.SizeClass {
			case types.SizeSmall, types.SizeMedium, types.SizeLarge:
				return string(w.SizeClass), nil
			}
			return "", fmt.Errorf("%w: %q of %s", types.ErrUnknownSizeClass, w.SizeClass, w.ID)
		},
	}
}

func (q *quotaStrategy) Name() string { return q.name }

func (q *quotaStrategy) Allocate(_ context.Context, workloads []*types.Workload, total float64) (map[string]float64, error) {
	out := make(map[string]float64, len(workloads))
	if len(workloads) == 0 {
		return out, nil
	}

	classes := make(map[string]string, len(workloads))
	counts := make(map[string]int)
	for _, w := range workloads {
		class, err := q.classify(w)
		if err != nil {
			return nil, err
		}
		classes[w.ID] = class
		counts[class]++
	}

	for _, w := range workloads {
		out[w.ID] = total * q.fractions[classes[w.ID]]
	}

	if sum(out) > total+overcommitTolerance {
		for _, w := range workloads {
			class := classes[w.ID]
			out[w.ID] = total * q.fractions[class] / float64(counts[class])
		}
	}
	return out, nil
}
