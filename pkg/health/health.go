package health

import (
	"context"
	"math"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of a health check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration

	// Err is the transport error behind an unhealthy result, if any
	Err error

	// Load is the utilisation the instance reported with the probe, if any
	Load *Load
}

// Load is a utilisation report published by a resource agent. Values are
// fractions of capacity in [0, 1].
type Load struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
}

// Peak returns the more constrained dimension
func (l Load) Peak() float64 {
	return math.Max(l.CPU, l.Memory)
}

// Checker is the interface that all health checkers must implement
type Checker interface {
	// Check performs the health check and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains common configuration for resource probes
type Config struct {
	// Timeout is the maximum time to wait for a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before an instance is
	// considered unavailable. A single failure marks it degraded.
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		Retries: 3,
	}
}

// Status tracks the probe history of one resource instance
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
}

// Update updates the status based on a new health check result
func (s *Status) Update(result Result) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
	}
}

// Health maps the failure streak onto a resource health: available after a
// success, degraded after one failure, unavailable after retries failures.
func (s *Status) Health(config Config) types.HealthStatus {
	retries := config.Retries
	if retries < 1 {
		retries = 1
	}
	switch {
	case s.ConsecutiveFailures >= retries:
		return types.HealthUnavailable
	case s.ConsecutiveFailures > 0:
		return types.HealthDegraded
	default:
		return types.HealthAvailable
	}
}
