package metrics

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

const defaultCollectInterval = 15 * time.Second

// StateSource exposes the engine state the collector turns into gauges
type StateSource interface {
	WorkloadCounts() map[types.WorkloadStatus]int
	Resources() []*types.ResourceInstance
	QueueDepth() int
}

var (
	workloadStatuses = []types.WorkloadStatus{
		types.WorkloadPending,
		types.WorkloadRunning,
		types.WorkloadStopping,
		types.WorkloadCompleted,
		types.WorkloadFailed,
		types.WorkloadWarning,
	}
	healthStatuses = []types.HealthStatus{
		types.HealthAvailable,
		types.HealthDegraded,
		types.HealthUnavailable,
	}
)

// Collector periodically copies engine state into Prometheus gauges
type Collector struct {
	source   StateSource
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source StateSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = defaultCollectInterval
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect performs one collection pass
func (c *Collector) Collect() {
	c.collectWorkloadMetrics()
	c.collectResourceMetrics()
	QueueDepth.Set(float64(c.source.QueueDepth()))
}

func (c *Collector) collectWorkloadMetrics() {
	counts := c.source.WorkloadCounts()
	// Every status is written so that drained states drop back to zero
	for _, status := range workloadStatuses {
		WorkloadsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectResourceMetrics() {
	counts := make(map[types.HealthStatus]int)
	for _, res := range c.source.Resources() {
		counts[res.Health]++
		ResourceUtilization.WithLabelValues(res.ID).Set(res.Utilization())
	}
	for _, health := range healthStatuses {
		ResourcesTotal.WithLabelValues(string(health)).Set(float64(counts[health]))
	}
}
