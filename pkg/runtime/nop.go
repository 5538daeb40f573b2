package runtime

import (
	"context"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
)

// NopLimiter accepts every limit without enacting it. It remembers the last
// limits per workload so callers can inspect them.
type NopLimiter struct {
	mu     sync.Mutex
	limits map[string]types.Limits
}

// NewNopLimiter creates a limiter that accepts everything
func NewNopLimiter() *NopLimiter {
	return &NopLimiter{limits: make(map[string]types.Limits)}
}

func (n *NopLimiter) ApplyLimits(_ context.Context, workloadID string, limits types.Limits) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.limits[workloadID] = limits
	return true, nil
}

func (n *NopLimiter) ReleaseResources(_ context.Context, workloadID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.limits, workloadID)
	return nil
}

// Limits returns the last limits applied to a workload
func (n *NopLimiter) Limits(workloadID string) (types.Limits, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limits[workloadID]
	return l, ok
}
