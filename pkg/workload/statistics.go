package workload

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes one utilisation dimension over the retained history
type Summary struct {
	Avg float64 `json:"avg"`
	Max float64 `json:"max"`
	Min float64 `json:"min"`
	P95 float64 `json:"p95"`
}

// Statistics summarises a workload's retained metrics history
type Statistics struct {
	Samples int     `json:"samples"`
	CPU     Summary `json:"cpu"`
	Memory  Summary `json:"memory"`
}

// Statistics computes avg, max, min and p95 of cpu and memory usage. A
// workload without samples yields zero values.
func (l *Lifecycle) Statistics(id string) (Statistics, error) {
	history, err := l.History(id)
	if err != nil {
		return Statistics{}, err
	}
	if len(history) == 0 {
		return Statistics{}, nil
	}

	cpu := make([]float64, len(history))
	mem := make([]float64, len(history))
	for i, s := range history {
		cpu[i] = s.CPUUsage
		mem[i] = s.MemoryUsage
	}

	return Statistics{
		Samples: len(history),
		CPU:     summarize(cpu),
		Memory:  summarize(mem),
	}, nil
}

func summarize(x []float64) Summary {
	sort.Float64s(x)
	return Summary{
		Avg: stat.Mean(x, nil),
		Max: floats.Max(x),
		Min: floats.Min(x),
		P95: stat.Quantile(0.95, stat.Empirical, x, nil),
	}
}
