package events

import (
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

type recordingNotifier struct{ alerts []types.Alert }

func (r *recordingNotifier) SendAlert(a types.Alert) { r.alerts = append(r.alerts, a) }

func thresholdAlert(workloadID, metric string) types.Alert {
	return types.Alert{
		Type:       types.AlertThreshold,
		Severity:   types.SeverityWarning,
		WorkloadID: workloadID,
		Data:       map[string]string{"metric": metric},
	}
}

func TestThrottledNotifier(t *testing.T) {
	next := &recordingNotifier{}
	n := NewThrottledNotifier(next, time.Minute)
	now := time.Unix(1000, 0)
	n.now = func() time.Time { return now }

	before := testutil.ToFloat64(metrics.AlertsThrottled.WithLabelValues(string(types.AlertThreshold)))

	n.SendAlert(thresholdAlert("w1", "cpu"))
	n.SendAlert(thresholdAlert("w1", "cpu"))
	// Different metric and different workload are separate keys
	n.SendAlert(thresholdAlert("w1", "memory"))
	n.SendAlert(thresholdAlert("w2", "cpu"))
	assert.Len(t, next.alerts, 3)

	now = now.Add(59 * time.Second)
	n.SendAlert(thresholdAlert("w1", "cpu"))
	assert.Len(t, next.alerts, 3)

	now = now.Add(2 * time.Second)
	n.SendAlert(thresholdAlert("w1", "cpu"))
	assert.Len(t, next.alerts, 4)

	after := testutil.ToFloat64(metrics.AlertsThrottled.WithLabelValues(string(types.AlertThreshold)))
	assert.Equal(t, before+2, after)
}

func TestThrottledNotifierPassesCritical(t *testing.T) {
	next := &recordingNotifier{}
	n := NewThrottledNotifier(next, time.Hour)

	alert := types.Alert{Type: types.AlertRecoveryFailure, Severity: types.SeverityCritical, WorkloadID: "w1"}
	n.SendAlert(alert)
	n.SendAlert(alert)
	assert.Len(t, next.alerts, 2)
}

func TestThrottledNotifierDisabled(t *testing.T) {
	next := &recordingNotifier{}
	n := NewThrottledNotifier(next, 0)

	for i := 0; i < 3; i++ {
		n.SendAlert(thresholdAlert("w1", "cpu"))
	}
	assert.Len(t, next.alerts, 3)
}

func TestThrottledNotifierPrunesQuietKeys(t *testing.T) {
	next := &recordingNotifier{}
	n := NewThrottledNotifier(next, time.Second)
	now := time.Unix(1000, 0)
	n.now = func() time.Time { return now }

	n.SendAlert(thresholdAlert("w1", "cpu"))
	now = now.Add(2 * time.Second)
	n.prune(now)
	assert.Empty(t, n.limiters)
}
