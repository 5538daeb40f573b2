package types

import (
	"context"
	"errors"
	"net"
)

// Admission errors
var (
	ErrDuplicateWorkload = errors.New("workload already exists")
	ErrInvalidWorkload   = errors.New("invalid workload")
)

// Lifecycle errors
var (
	ErrWorkloadNotFound   = errors.New("workload not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
)

// Allocation errors
var (
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrDegenerateWeight     = errors.New("sum of weights is zero")
	ErrUnknownSizeClass     = errors.New("unknown size class")
	ErrNoCandidateResource  = errors.New("no candidate resource")
	ErrUnknownStrategy      = errors.New("unknown allocation strategy")
)

// Registry errors
var (
	ErrResourceNotFound    = errors.New("resource not found")
	ErrDuplicateResource   = errors.New("resource already registered")
	ErrResourceBusy        = errors.New("resource has bound workloads")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrAlreadyAllocated    = errors.New("workload already holds an allocation")
	ErrNoAllocation        = errors.New("workload holds no allocation")
)

// Scheduling, scaling and recovery errors
var (
	ErrQueueEmpty       = errors.New("queue empty")
	ErrScalingRejected  = errors.New("scaling rejected")
	ErrInvalidSnapshot  = errors.New("invalid recovery snapshot")
	ErrSnapshotNotFound = errors.New("snapshot not found")
	ErrRecoveryFailed   = errors.New("recovery failed")
)

// IsAdmissionError reports whether err rejects a submission outright
func IsAdmissionError(err error) bool {
	return errors.Is(err, ErrDuplicateWorkload) || errors.Is(err, ErrInvalidWorkload)
}

// IsAllocationError reports whether err is a retryable allocation failure
func IsAllocationError(err error) bool {
	return errors.Is(err, ErrInsufficientCapacity) ||
		errors.Is(err, ErrDegenerateWeight) ||
		errors.Is(err, ErrUnknownSizeClass) ||
		errors.Is(err, ErrNoCandidateResource) ||
		errors.Is(err, ErrResourceUnavailable)
}

// FailureType classifies why a recovery could not complete
type FailureType string

const (
	FailureNone              FailureType = ""
	FailureResourceExhausted FailureType = "resourceExhausted"
	FailureSystemOverload    FailureType = "systemOverload"
	FailureNetworkError      FailureType = "networkError"
	FailureGeneric           FailureType = "generic"
)

// ClassifyFailure maps an error onto the recovery failure taxonomy
func ClassifyFailure(err error) FailureType {
	if err == nil {
		return FailureNone
	}
	var netErr net.Error
	switch {
	case errors.Is(err, ErrInsufficientCapacity),
		errors.Is(err, ErrNoCandidateResource),
		errors.Is(err, ErrResourceUnavailable):
		return FailureResourceExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return FailureSystemOverload
	case errors.As(err, &netErr):
		return FailureNetworkError
	default:
		return FailureGeneric
	}
}
