package balancer

import (
	"testing"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instance(id string, capCPU, allocCPU float64) *types.ResourceInstance {
	return &types.ResourceInstance{
		ID:        id,
		Capacity:  types.Requirements{CPU: capCPU, Memory: 1024},
		Allocated: types.Requirements{CPU: allocCPU},
		Health:    types.HealthAvailable,
	}
}

func TestSelectPrefersLeastLoaded(t *testing.T) {
	b := New(DefaultWeights, 0)

	got, err := b.Select([]*types.ResourceInstance{
		instance("node-a", 10, 8),
		instance("node-b", 10, 2),
		instance("node-c", 10, 5),
	}, types.Requirements{CPU: 1})
	require.NoError(t, err)
	assert.Equal(t, "node-b", got.ID)
}

func TestSelectTieBreaksOnID(t *testing.T) {
	b := New(DefaultWeights, 0)

	got, err := b.Select([]*types.ResourceInstance{
		instance("node-c", 10, 0),
		instance("node-a", 10, 0),
		instance("node-b", 10, 0),
	}, types.Requirements{CPU: 1})
	require.NoError(t, err)
	assert.Equal(t, "node-a", got.ID)
}

func TestSelectErrors(t *testing.T) {
	b := New(DefaultWeights, 0)

	_, err := b.Select(nil, types.Requirements{CPU: 1})
	assert.ErrorIs(t, err, types.ErrNoCandidateResource)

	down := instance("node-d", 100, 0)
	down.Health = types.HealthUnavailable
	_, err = b.Select([]*types.ResourceInstance{instance("node-a", 4, 3), down}, types.Requirements{CPU: 2})
	assert.ErrorIs(t, err, types.ErrNoCandidateResource)
	assert.True(t, types.IsAllocationError(err))
}

func TestHistoryScore(t *testing.T) {
	b := New(DefaultWeights, 3)
	assert.Equal(t, neutralHistoryScore, b.HistoryScore("node-a"))

	b.Observe("node-a", 0.5)
	b.Observe("node-a", 0.5)
	// mean 0.5, stddev 0
	assert.InDelta(t, 0.6*0.5+0.4, b.HistoryScore("node-a"), 1e-9)

	// Window of 3 evicts the oldest samples
	b.Observe("node-a", 0.2)
	b.Observe("node-a", 0.2)
	b.Observe("node-a", 0.2)
	assert.InDelta(t, 0.6*0.8+0.4, b.HistoryScore("node-a"), 1e-9)

	b.Observe("node-b", 0)
	b.Observe("node-b", 1)
	// mean 0.5, population stddev 0.5
	assert.InDelta(t, 0.6*0.5+0.4*0.5, b.HistoryScore("node-b"), 1e-9)

	b.Forget("node-b")
	assert.Equal(t, neutralHistoryScore, b.HistoryScore("node-b"))
}

func TestHistoryInfluencesSelection(t *testing.T) {
	b := New(DefaultWeights, 0)
	for i := 0; i < 10; i++ {
		b.Observe("node-a", 0.9)
		b.Observe("node-b", 0.1)
	}

	got, err := b.Select([]*types.ResourceInstance{
		instance("node-a", 10, 0),
		instance("node-b", 10, 0),
	}, types.Requirements{CPU: 1})
	require.NoError(t, err)
	assert.Equal(t, "node-b", got.ID)
}

func TestMatchScore(t *testing.T) {
	tests := []struct {
		name     string
		capacity types.Requirements
		demand   types.Requirements
		want     float64
	}{
		{"plenty", types.Requirements{CPU: 8, Memory: 1024}, types.Requirements{CPU: 2, Memory: 256}, 1},
		{"cpu short", types.Requirements{CPU: 1, Memory: 1024}, types.Requirements{CPU: 2, Memory: 256}, 0.5},
		{"memory short", types.Requirements{CPU: 8, Memory: 64}, types.Requirements{CPU: 2, Memory: 256}, 0.25},
		{"no demand", types.Requirements{}, types.Requirements{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, MatchScore(tt.capacity, tt.demand), 1e-9)
		})
	}
}

func TestScoreWeights(t *testing.T) {
	b := New(Weights{Load: 1}, 0)
	s := b.Score(instance("node-a", 10, 4), types.Requirements{CPU: 1})
	assert.InDelta(t, 0.6, s.Score, 1e-9)
	assert.InDelta(t, 0.5, s.History, 1e-9)
	assert.InDelta(t, 1, s.Match, 1e-9)

	// Match compares demand with capacity, not with what is left free
	s = b.Score(instance("node-b", 4, 3), types.Requirements{CPU: 2})
	assert.InDelta(t, 1, s.Match, 1e-9)
	s = b.Score(instance("node-c", 1, 0), types.Requirements{CPU: 2})
	assert.InDelta(t, 0.5, s.Match, 1e-9)

	// All zero weights fall back to the defaults
	assert.Equal(t, DefaultWeights, New(Weights{}, 0).weights)
}

func TestRankOrder(t *testing.T) {
	b := New(DefaultWeights, 0)
	ranked := b.Rank([]*types.ResourceInstance{
		instance("node-a", 10, 9),
		instance("node-b", 10, 1),
		instance("node-c", 10, 1),
	}, types.Requirements{CPU: 1})

	require.Len(t, ranked, 3)
	assert.Equal(t, "node-b", ranked[0].Instance.ID)
	assert.Equal(t, "node-c", ranked[1].Instance.ID)
	assert.Equal(t, "node-a", ranked[2].Instance.ID)
}
