package main

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cuemby/burrow/pkg/types"
	"gopkg.in/yaml.v3"
)

// Manifest describes resource instances, workloads and an optional script
// of metrics samples and instance failures for a simulation
type Manifest struct {
	Resources []ResourceSpec       `yaml:"resources"`
	Workloads []types.WorkloadSpec `yaml:"workloads"`
	Cycles    int                  `yaml:"cycles"`
	Metrics   []ScriptedSample     `yaml:"metrics,omitempty"`
	Failures  []ScriptedFailure    `yaml:"failures,omitempty"`
}

// ResourceSpec is a resource instance entry
type ResourceSpec struct {
	ID        string             `yaml:"id"`
	Capacity  types.Requirements `yaml:"capacity"`
	ProbeType string             `yaml:"probeType,omitempty"`
	ProbeAddr string             `yaml:"probeAddr,omitempty"`
	Config    map[string]string  `yaml:"config,omitempty"`
}

// Instance converts the entry into a resource instance
func (r ResourceSpec) Instance() *types.ResourceInstance {
	return &types.ResourceInstance{
		ID:        r.ID,
		Capacity:  r.Capacity,
		ProbeType: r.ProbeType,
		ProbeAddr: r.ProbeAddr,
	}
}

// ScriptedSample is the utilisation a workload reports from a cycle on
type ScriptedSample struct {
	Cycle    int     `yaml:"cycle"`
	Workload string  `yaml:"workload"`
	CPU      float64 `yaml:"cpu"`
	Memory   float64 `yaml:"memory"`
}

// ScriptedFailure marks an instance unavailable at a cycle
type ScriptedFailure struct {
	Cycle    int    `yaml:"cycle"`
	Resource string `yaml:"resource"`
}

// LoadManifest reads and validates a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a manifest
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Resources))
	for i, r := range m.Resources {
		if r.ID == "" {
			return nil, fmt.Errorf("resource %d: id is required", i)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("resource %s: duplicate id", r.ID)
		}
		seen[r.ID] = true
	}
	for i := range m.Workloads {
		if m.Workloads[i].Priority == "" {
			m.Workloads[i].Priority = types.PriorityNormal
		}
	}
	for _, f := range m.Failures {
		if !seen[f.Resource] {
			return nil, fmt.Errorf("failure at cycle %d: unknown resource %q", f.Cycle, f.Resource)
		}
	}
	if m.Cycles < 0 {
		return nil, fmt.Errorf("cycles must not be negative")
	}
	return &m, nil
}

// scriptedSource replays the manifest's samples. A workload keeps reporting
// its latest scripted sample until a later cycle replaces it.
type scriptedSource struct {
	mu      sync.Mutex
	script  []ScriptedSample
	current map[string]types.MetricsSample
}

var _ types.MetricsSource = (*scriptedSource)(nil)

func newScriptedSource(script []ScriptedSample) *scriptedSource {
	return &scriptedSource{script: script, current: make(map[string]types.MetricsSample)}
}

// advance applies the samples scheduled for cycle
func (s *scriptedSource) advance(cycle int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sample := range s.script {
		if sample.Cycle == cycle {
			s.current[sample.Workload] = types.MetricsSample{CPUUsage: sample.CPU, MemoryUsage: sample.Memory}
		}
	}
}

func (s *scriptedSource) Sample(_ context.Context, workloadID string) (types.MetricsSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample, ok := s.current[workloadID]
	if !ok {
		return types.MetricsSample{}, fmt.Errorf("no metrics for %s", workloadID)
	}
	return sample, nil
}
