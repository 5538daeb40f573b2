package events

import (
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
)

// Metadata keys set on alert events
const (
	MetaAlertType  = "alert_type"
	MetaSeverity   = "severity"
	MetaWorkloadID = "workload_id"
	MetaResourceID = "resource_id"
)

// BrokerNotifier delivers alerts as events on a Broker. SendAlert never
// blocks; alerts that do not fit in the broker buffer are dropped and counted.
type BrokerNotifier struct {
	broker *Broker
}

// NewBrokerNotifier returns a Notifier publishing to broker
func NewBrokerNotifier(broker *Broker) *BrokerNotifier {
	return &BrokerNotifier{broker: broker}
}

// SendAlert implements types.Notifier
func (n *BrokerNotifier) SendAlert(alert types.Alert) {
	metrics.AlertsTotal.WithLabelValues(string(alert.Type)).Inc()
	if !n.broker.Publish(AlertEvent(alert)) {
		metrics.AlertsDropped.Inc()
	}
}

// AlertEvent converts an alert into a broker event
func AlertEvent(alert types.Alert) *Event {
	meta := make(map[string]string, len(alert.Data)+4)
	for k, v := range alert.Data {
		meta[k] = v
	}
	meta[MetaAlertType] = string(alert.Type)
	meta[MetaSeverity] = string(alert.Severity)
	if alert.WorkloadID != "" {
		meta[MetaWorkloadID] = alert.WorkloadID
	}
	if alert.ResourceID != "" {
		meta[MetaResourceID] = alert.ResourceID
	}

	ts := alert.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Event{
		Type:      EventAlert,
		Timestamp: ts,
		Message:   alert.Message,
		Metadata:  meta,
	}
}

// LogSink writes every event received on sub to the structured log until
// the subscription is closed.
func LogSink(sub Subscriber) {
	logger := log.WithComponent("events")
	for event := range sub {
		entry := logger.Info()
		if event.Metadata[MetaSeverity] == string(types.SeverityCritical) {
			entry = logger.Error()
		} else if event.Metadata[MetaSeverity] == string(types.SeverityWarning) {
			entry = logger.Warn()
		}
		for k, v := range event.Metadata {
			entry = entry.Str(k, v)
		}
		entry.Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg(event.Message)
	}
}
