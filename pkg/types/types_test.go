package types

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResourceInstanceBindKeepsSortedSet(t *testing.T) {
	r := &ResourceInstance{ID: "node-1"}
	r.Bind("c")
	r.Bind("a")
	r.Bind("b")
	r.Bind("a")
	assert.Equal(t, []string{"a", "b", "c"}, r.Workloads)

	r.Unbind("b")
	r.Unbind("missing")
	assert.Equal(t, []string{"a", "c"}, r.Workloads)
}

func TestResourceInstanceUtilization(t *testing.T) {
	tests := []struct {
		name     string
		resource ResourceInstance
		expected float64
	}{
		{
			name:     "cpu bound",
			resource: ResourceInstance{Capacity: Requirements{CPU: 10, Memory: 100}, Allocated: Requirements{CPU: 5, Memory: 10}},
			expected: 0.5,
		},
		{
			name:     "memory bound",
			resource: ResourceInstance{Capacity: Requirements{CPU: 10, Memory: 100}, Allocated: Requirements{CPU: 1, Memory: 75}},
			expected: 0.75,
		},
		{
			name:     "zero capacity",
			resource: ResourceInstance{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, tt.resource.Utilization(), 1e-9)
		})
	}
}

func TestRequirementsFits(t *testing.T) {
	capacity := Requirements{CPU: 4, Memory: 1024}
	assert.True(t, Requirements{CPU: 4, Memory: 1024}.Fits(capacity))
	assert.False(t, Requirements{CPU: 4.5, Memory: 10}.Fits(capacity))
	assert.False(t, Requirements{CPU: 1, Memory: 2048}.Fits(capacity))
}

func TestRecoverySnapshotValidate(t *testing.T) {
	valid := func() *RecoverySnapshot {
		return &RecoverySnapshot{
			ResourceID: "node-1",
			State:      &ResourceInstance{ID: "node-1"},
			Config:     map[string]string{"capacity_cpu": "8"},
			Workloads:  []AllocationRecord{},
			Timestamp:  time.Now(),
		}
	}

	tests := []struct {
		name   string
		mutate func(s *RecoverySnapshot)
		valid  bool
	}{
		{name: "complete", mutate: func(s *RecoverySnapshot) {}, valid: true},
		{name: "missing state", mutate: func(s *RecoverySnapshot) { s.State = nil }},
		{name: "missing config", mutate: func(s *RecoverySnapshot) { s.Config = nil }},
		{name: "missing workloads", mutate: func(s *RecoverySnapshot) { s.Workloads = nil }},
		{name: "missing timestamp", mutate: func(s *RecoverySnapshot) { s.Timestamp = time.Time{} }},
		{name: "state of another resource", mutate: func(s *RecoverySnapshot) { s.State.ID = "node-2" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := s.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidSnapshot)
			}
		})
	}
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected FailureType
	}{
		{name: "nil", err: nil, expected: FailureNone},
		{name: "capacity", err: fmt.Errorf("place: %w", ErrInsufficientCapacity), expected: FailureResourceExhausted},
		{name: "no candidate", err: ErrNoCandidateResource, expected: FailureResourceExhausted},
		{name: "timeout", err: fmt.Errorf("attempt: %w", context.DeadlineExceeded), expected: FailureSystemOverload},
		{name: "network", err: &net.OpError{Op: "dial", Err: fmt.Errorf("refused")}, expected: FailureNetworkError},
		{name: "other", err: fmt.Errorf("boom"), expected: FailureGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyFailure(tt.err))
		})
	}
}

func TestErrorClassHelpers(t *testing.T) {
	assert.True(t, IsAdmissionError(fmt.Errorf("create: %w", ErrDuplicateWorkload)))
	assert.False(t, IsAdmissionError(ErrInsufficientCapacity))
	assert.True(t, IsAllocationError(fmt.Errorf("alloc: %w", ErrUnknownSizeClass)))
	assert.False(t, IsAllocationError(ErrDuplicateWorkload))
}
