// internal/session/metrics.go
package session

import "github.com/prometheus/client_golang/prometheus"

var OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "appflowy",
	Subsystem: "session",
	Name:      "open",
})

var Revisions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "appflowy",
	Subsystem: "session",
	Name:      "revisions",
}, []string{"kind"})

var IntegrityFailures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "appflowy",
	Subsystem: "session",
	Name:      "integrity_failures",
})

var SendRetries = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "appflowy",
	Subsystem: "session",
	Name:      "send_retries",
})

var PendingRevisions = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "appflowy",
	Subsystem: "session",
	Name:      "pending_revisions",
	Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
})

// Collectors lists the session metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{OpenSessions, Revisions, IntegrityFailures, SendRetries, PendingRevisions}
}
