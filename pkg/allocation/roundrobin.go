package allocation

import (
	"context"

	"github.com/cuemby/burrow/pkg/types"
)

type roundRobin struct{}

// NewRoundRobin splits capacity equally between all workloads
func NewRoundRobin() Strategy { return roundRobin{} }

func (roundRobin) Name() string { return RoundRobin }

func (roundRobin) Allocate(_ context.Context, workloads []*types.Workload, total float64) (map[string]float64, error) {
	return equalSplit(workloads, total), nil
}
