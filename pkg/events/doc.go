/*
Package events provides an in-process publish/subscribe broker for engine
events and the Notifier used to deliver alerts.

The Broker buffers published events and fans them out to every subscriber
from a single goroutine. Neither side blocks: Publish drops the event when
the broker buffer is full, and a subscriber whose channel is full misses the
event. Dropped publishes are counted and reported through OnDrop.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	go events.LogSink(broker.Subscribe())

	notifier := events.NewBrokerNotifier(broker)
	notifier.SendAlert(types.Alert{Type: types.AlertScaling, Message: "scaled up"})

Components that raise alerts receive a ThrottledNotifier wrapping the
BrokerNotifier, so a breach that persists across monitoring cycles alerts
once per interval instead of on every cycle. Critical alerts always pass.
*/
package events
