// internal/editor/metrics.go
package editor

import "github.com/prometheus/client_golang/prometheus"

var ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "appflowy",
	Subsystem: "editor",
	Name:      "active_connections",
})

var DocumentsActive = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "appflowy",
	Subsystem: "editor",
	Name:      "documents_active",
})

var MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "appflowy",
	Subsystem: "editor",
	Name:      "messages_received",
}, []string{"type"})

var MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "appflowy",
	Subsystem: "editor",
	Name:      "messages_sent",
})

var CommittedRevisions = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "appflowy",
	Subsystem: "editor",
	Name:      "committed_revisions",
})

var RebasedRevisions = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "appflowy",
	Subsystem: "editor",
	Name:      "rebased_revisions",
})

// Collectors lists the server metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		ActiveConnections, DocumentsActive, MessagesReceived, MessagesSent,
		CommittedRevisions, RebasedRevisions,
	}
}
