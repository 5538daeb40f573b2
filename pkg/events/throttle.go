package events

import (
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"golang.org/x/time/rate"
)

// maxThrottleKeys bounds the limiter map. When it is exceeded the idle
// limiters are dropped.
const maxThrottleKeys = 4096

// ThrottledNotifier suppresses repeats of the same alert. Alerts are keyed
// by type, workload, resource and the "metric" data field; each key may fire
// once per interval. Critical alerts are never suppressed.
type ThrottledNotifier struct {
	next     types.Notifier
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewThrottledNotifier wraps next. An interval of zero disables throttling.
func NewThrottledNotifier(next types.Notifier, interval time.Duration) *ThrottledNotifier {
	return &ThrottledNotifier{
		next:     next,
		interval: interval,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func throttleKey(alert types.Alert) string {
	return strings.Join([]string{
		string(alert.Type), alert.WorkloadID, alert.ResourceID, alert.Data["metric"],
	}, "/")
}

// SendAlert implements types.Notifier
func (n *ThrottledNotifier) SendAlert(alert types.Alert) {
	if n.interval <= 0 || alert.Severity == types.SeverityCritical || n.allow(alert) {
		n.next.SendAlert(alert)
		return
	}
	metrics.AlertsThrottled.WithLabelValues(string(alert.Type)).Inc()
}

func (n *ThrottledNotifier) allow(alert types.Alert) bool {
	key := throttleKey(alert)
	now := n.now()

	n.mu.Lock()
	defer n.mu.Unlock()

	limiter, ok := n.limiters[key]
	if !ok {
		if len(n.limiters) >= maxThrottleKeys {
			n.prune(now)
		}
		limiter = rate.NewLimiter(rate.Every(n.interval), 1)
		n.limiters[key] = limiter
	}
	return limiter.AllowN(now, 1)
}

// prune drops limiters whose bucket has refilled, i.e. keys that have been
// quiet for at least one interval
func (n *ThrottledNotifier) prune(now time.Time) {
	for key, limiter := range n.limiters {
		if limiter.TokensAt(now) >= 1 {
			delete(n.limiters, key)
		}
	}
}
