package api

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike AlertType = "login_failure_spike"
	AlertRateLimitSpike    AlertType = "rate_limit_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// slidingWindow counts events within a trailing window.
type slidingWindow struct {
	events    []time.Time
	window    time.Duration
	threshold int
}

// add records an event at now and reports the count if the threshold was
// reached, resetting the window so one spike raises one alert.
func (sw *slidingWindow) add(now time.Time) (int, bool) {
	sw.events = append(sw.events, now)
	sw.events = trimWindow(sw.events, now, sw.window)
	if len(sw.events) < sw.threshold {
		return 0, false
	}
	n := len(sw.events)
	sw.events = sw.events[:0]
	return n, true
}

// metricsCollector turns audit events into anomaly alerts.
type metricsCollector struct {
	mu          sync.Mutex
	failures    slidingWindow
	rateLimited slidingWindow
	alertFn     AlertFunc
	now         func() time.Time
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultRateLimitedWindow     = 5 * time.Minute
	defaultRateLimitedThreshold  = 20
)

func newMetricsCollector(alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		failures:    slidingWindow{window: defaultLoginFailureWindow, threshold: defaultLoginFailureThreshold},
		rateLimited: slidingWindow{window: defaultRateLimitedWindow, threshold: defaultRateLimitedThreshold},
		alertFn:     alertFn,
		now:         time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *metricsCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	var (
		sw      *slidingWindow
		typ     AlertType
		message string
	)
	switch event {
	case AuditLoginFailure:
		sw, typ, message = &m.failures, AlertLoginFailureSpike, "login failure rate exceeds threshold"
	case AuditLoginRateLimited:
		sw, typ, message = &m.rateLimited, AlertRateLimitSpike, "rate-limited login attempts exceed threshold"
	default:
		return
	}

	m.mu.Lock()
	now := m.now()
	count, fire := sw.add(now)
	threshold := sw.threshold
	m.mu.Unlock()

	if fire {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   message,
			Count:     count,
			Threshold: threshold,
			Timestamp: now,
		})
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

// promMetrics exports audit event counts and the client registry size.
type promMetrics struct {
	events *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer, clients func() int) (*promMetrics, error) {
	pm := &promMetrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Name:      "auth_events_total",
			Help:      "Security-relevant auth events by type.",
		}, []string{"event"}),
	}
	active := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "clients",
		Help:      "Clients currently holding a session state.",
	}, func() float64 { return float64(clients()) })

	for _, c := range []prometheus.Collector{pm.events, active} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

func (pm *promMetrics) observe(event AuditEvent) {
	if pm == nil {
		return
	}
	pm.events.WithLabelValues(string(event)).Inc()
}
