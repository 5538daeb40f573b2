package types

import (
	"fmt"
	"time"
)

// RecoverySnapshot captures a resource instance's state, configuration and bound
// workloads at a point in time. Every field is required.
type RecoverySnapshot struct {
	ResourceID string             `json:"resource_id"`
	State      *ResourceInstance  `json:"state"`
	Config     map[string]string  `json:"config"`
	Workloads  []AllocationRecord `json:"workloads"`
	Timestamp  time.Time          `json:"timestamp"`
}

// Validate rejects a snapshot that is missing any required field
func (s *RecoverySnapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}
	if s.State == nil {
		return fmt.Errorf("%w: missing state", ErrInvalidSnapshot)
	}
	if s.Config == nil {
		return fmt.Errorf("%w: missing config", ErrInvalidSnapshot)
	}
	if s.Workloads == nil {
		return fmt.Errorf("%w: missing workloads", ErrInvalidSnapshot)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSnapshot)
	}
	if s.ResourceID != "" && s.State.ID != s.ResourceID {
		return fmt.Errorf("%w: state belongs to %s, not %s", ErrInvalidSnapshot, s.State.ID, s.ResourceID)
	}
	return nil
}
