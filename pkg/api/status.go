package api

import (
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// StatusResponse summarises the engine
type StatusResponse struct {
	Status    string                       `json:"status"`
	Timestamp time.Time                    `json:"timestamp"`
	Strategy  string                       `json:"strategy"`
	Storage   string                       `json:"storage"`
	Queue     int                          `json:"queue_depth"`
	Workloads map[types.WorkloadStatus]int `json:"workloads"`
	Resources map[types.HealthStatus]int   `json:"resources"`
	Capacity  types.Requirements           `json:"capacity"`
	Allocated types.Requirements           `json:"allocated"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	cfg := s.manager.Config()
	resp := StatusResponse{
		Status:    metrics.GetHealth().Status,
		Timestamp: time.Now(),
		Strategy:  cfg.Strategy,
		Storage:   cfg.Storage.Driver,
		Queue:     s.manager.QueueDepth(),
		Workloads: s.manager.WorkloadCounts(),
		Resources: make(map[types.HealthStatus]int),
	}
	for _, inst := range s.manager.Resources() {
		resp.Resources[inst.Health]++
		resp.Capacity = resp.Capacity.Add(inst.Capacity)
		resp.Allocated = resp.Allocated.Add(inst.Allocated)
	}
	writeJSON(w, http.StatusOK, resp)
}
