package balancer

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
	"gonum.org/v1/gonum/stat"
)

// neutralHistoryScore is used for instances without utilisation history
const neutralHistoryScore = 0.5

// Weights weight the three per-instance scores
type Weights struct {
	Load    float64
	History float64
	Match   float64
}

// DefaultWeights favour current load slightly over history and fit
var DefaultWeights = Weights{Load: 0.4, History: 0.3, Match: 0.3}

// ScoredInstance is a candidate with its combined and component scores
type ScoredInstance struct {
	Instance *types.ResourceInstance
	Score    float64
	Load     float64
	History  float64
	Match    float64
}

// Balancer picks the resource instance that should host a workload
type Balancer struct {
	weights Weights
	window  int

	mu      sync.RWMutex
	history map[string][]float64
}

// New creates a balancer keeping at most window utilisation samples per instance
func New(weights Weights, window int) *Balancer {
	if weights.Load+weights.History+weights.Match <= 0 {
		weights = DefaultWeights
	}
	if window <= 0 {
		window = 300
	}
	return &Balancer{
		weights: weights,
		window:  window,
		history: make(map[string][]float64),
	}
}

// Observe records a utilisation fraction in [0, 1] for an instance
func (b *Balancer) Observe(resourceID string, utilization float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h := append(b.history[resourceID], clamp01(utilization))
	if len(h) > b.window {
		h = h[len(h)-b.window:]
	}
	b.history[resourceID] = h
}

// Forget drops the history of an instance
func (b *Balancer) Forget(resourceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.history, resourceID)
}

// HistoryScore blends the mean and the stability of an instance's recorded
// utilisation: 0.6*(1-mean) + 0.4*(1-stddev).
func (b *Balancer) HistoryScore(resourceID string) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := b.history[resourceID]
	if len(h) == 0 {
		return neutralHistoryScore
	}
	mean, std := stat.PopMeanStdDev(h, nil)
	return 0.6*(1-mean) + 0.4*(1-std)
}

// MatchScore is min(capacity/demand, 1) over every demanded dimension. Rank
// only scores instances whose free capacity holds demand, so for ranked
// candidates it is always 1.
func MatchScore(capacity, demand types.Requirements) float64 {
	score := 1.0
	if demand.CPU > 0 {
		score = math.Min(score, capacity.CPU/demand.CPU)
	}
	if demand.Memory > 0 {
		score = math.Min(score, capacity.Memory/demand.Memory)
	}
	return math.Max(score, 0)
}

// Score computes the combined score of one candidate for demand
func (b *Balancer) Score(inst *types.ResourceInstance, demand types.Requirements) ScoredInstance {
	s := ScoredInstance{
		Instance: inst,
		Load:     1 - clamp01(inst.Utilization()),
		History:  b.HistoryScore(inst.ID),
		Match:    MatchScore(inst.Capacity, demand),
	}
	s.Score = b.weights.Load*s.Load + b.weights.History*s.History + b.weights.Match*s.Match
	return s
}

// Rank scores every eligible candidate, best first. Equal scores are ordered
// by instance id. Candidates that are not available or cannot hold demand are
// left out.
func (b *Balancer) Rank(candidates []*types.ResourceInstance, demand types.Requirements) []ScoredInstance {
	scored := make([]ScoredInstance, 0, len(candidates))
	for _, inst := range candidates {
		if inst == nil || inst.Health != types.HealthAvailable {
			continue
		}
		if !demand.Fits(inst.Free()) {
			continue
		}
		scored = append(scored, b.Score(inst, demand))
	}

	slices.SortStableFunc(scored, func(x, y ScoredInstance) int { // highest score first
		if x.Score > y.Score {
			return -1
		}
		if x.Score < y.Score {
			return 1
		}
		return strings.Compare(x.Instance.ID, y.Instance.ID)
	})
	return scored
}

// Select returns the best candidate for demand
func (b *Balancer) Select(candidates []*types.ResourceInstance, demand types.Requirements) (*types.ResourceInstance, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", types.ErrNoCandidateResource)
	}
	ranked := b.Rank(candidates, demand)
	if len(ranked) == 0 {
		return nil, fmt.Errorf("%w: none of %d candidates can hold cpu=%.2f memory=%.2f",
			types.ErrNoCandidateResource, len(candidates), demand.CPU, demand.Memory)
	}
	return ranked[0].Instance, nil
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
