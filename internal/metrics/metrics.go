// Package metrics owns the Prometheus registry and the collectors shared
// across subsystems.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set is the collector bundle. One Set lives for the process; subsystems
// receive it at construction and update their own collectors.
type Set struct {
	registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	WSConnections   prometheus.Gauge
	WSPushes        prometheus.Counter
	AuditBacklog    prometheus.Gauge
	AuditCommitted  prometheus.Counter
	AuditFailures   prometheus.Counter
	TasksCreated    prometheus.Counter
	PluginStates    *prometheus.GaugeVec
	HeartbeatsSeen  prometheus.Counter
	NodesReclaimed  prometheus.Counter
	NetworkModeInfo *prometheus.GaugeVec
}

func NewSet() *Set {
	r := prometheus.NewRegistry()
	s := &Set{
		registry: r,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meristem_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meristem_ws_connections",
			Help: "Live WebSocket connections.",
		}),
		WSPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meristem_ws_pushes_total",
			Help: "Frames pushed to WebSocket subscribers.",
		}),
		AuditBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meristem_audit_backlog",
			Help: "Pending audit intents awaiting commit.",
		}),
		AuditCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meristem_audit_committed_total",
			Help: "Audit events committed to the chain.",
		}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meristem_audit_failures_total",
			Help: "Audit intents marked failed_terminal.",
		}),
		TasksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meristem_tasks_created_total",
			Help: "Tasks accepted by the scheduler.",
		}),
		PluginStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meristem_plugin_state",
			Help: "Plugins per lifecycle state.",
		}, []string{"state"}),
		HeartbeatsSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meristem_heartbeats_total",
			Help: "Node heartbeats ingested.",
		}),
		NodesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meristem_nodes_reclaimed_total",
			Help: "Offline nodes whose leases were reclaimed.",
		}),
		NetworkModeInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meristem_network_mode",
			Help: "Current network mode (1 for the active mode).",
		}, []string{"mode"}),
	}

	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.HTTPRequests,
		s.WSConnections,
		s.WSPushes,
		s.AuditBacklog,
		s.AuditCommitted,
		s.AuditFailures,
		s.TasksCreated,
		s.PluginStates,
		s.HeartbeatsSeen,
		s.NodesReclaimed,
		s.NetworkModeInfo,
	)
	return s
}

// Handler serves the registry in Prometheus text format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// SetNetworkMode flips the mode gauge so exactly one label reads 1.
func (s *Set) SetNetworkMode(mode string) {
	for _, m := range []string{"DIRECT", "M-NET"} {
		v := 0.0
		if m == mode {
			v = 1
		}
		s.NetworkModeInfo.WithLabelValues(m).Set(v)
	}
}
