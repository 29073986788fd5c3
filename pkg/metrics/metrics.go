// Package metrics exposes prometheus collectors for a node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PeerLeaf   = "leaf"
	PeerHub    = "hub"
	PeerParent = "parent"

	DirectionIn  = "in"
	DirectionOut = "out"

	FindFound    = "found"
	FindNotFound = "not_found"
	FindInvalid  = "invalid"
)

// Metrics tracks node-wide metrics
type Metrics struct {
	// Connection metrics
	LeavesConnected        prometheus.Gauge
	ChildHubsConnected     prometheus.Gauge
	DescendantNodes        prometheus.Gauge
	FilesIndexed           prometheus.Gauge
	RegistrationsAccepted  *prometheus.CounterVec
	RegistrationRejections *prometheus.CounterVec

	// Uplink metrics
	UplinkRegistered prometheus.Gauge
	UplinkAttempts   prometheus.Counter
	UplinkFailures   prometheus.Counter

	// Tunnel metrics
	TunnelBytes    *prometheus.CounterVec
	TunnelRequests *prometheus.CounterVec

	// Locator metrics
	FindRequests      *prometheus.CounterVec
	FindLatency       prometheus.Histogram
	ChildFindFailures prometheus.Counter
	RouteMisses       prometheus.Counter

	// Health metrics
	LastCollection prometheus.Gauge
}

// New creates and registers the collectors. A nil registry uses the
// default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		LeavesConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kbnet_leaves_connected",
			Help: "Number of leaf nodes connected to this hub",
		}),
		ChildHubsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kbnet_child_hubs_connected",
			Help: "Number of child hubs connected to this hub",
		}),
		DescendantNodes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kbnet_descendant_nodes",
			Help: "Number of nodes in this hub's subtree",
		}),
		FilesIndexed: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kbnet_files_indexed",
			Help: "Number of files announced by connected leaves",
		}),
		RegistrationsAccepted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kbnet_registrations_accepted_total",
			Help: "Total number of accepted child registrations",
		}, []string{"node_type"}),
		RegistrationRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kbnet_registration_rejections_total",
			Help: "Total number of rejected child registrations",
		}, []string{"reason"}),

		UplinkRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kbnet_uplink_registered",
			Help: "1 when this node is registered with its parent hub",
		}),
		UplinkAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "kbnet_uplink_attempts_total",
			Help: "Total number of attempts to register with the parent hub",
		}),
		UplinkFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kbnet_uplink_failures_total",
			Help: "Total number of failed registrations with the parent hub",
		}),

		TunnelBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kbnet_tunnel_bytes_total",
			Help: "Body bytes carried over tunneled HTTP exchanges",
		}, []string{"peer_type", "direction"}),
		TunnelRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kbnet_tunnel_requests_total",
			Help: "Total number of HTTP requests forwarded through a tunnel",
		}, []string{"peer_type"}),

		FindRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kbnet_find_requests_total",
			Help: "Total number of find-by-checksum requests",
		}, []string{"result"}),
		FindLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kbnet_find_latency_seconds",
			Help:    "Find-by-checksum latency including child hub fan-out",
			Buckets: prometheus.DefBuckets,
		}),
		ChildFindFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kbnet_child_find_failures_total",
			Help: "Total number of child hub find calls that failed",
		}),
		RouteMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "kbnet_route_misses_total",
			Help: "Total number of requests for node ids not in this subtree",
		}),

		LastCollection: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kbnet_last_collection_timestamp",
			Help: "Timestamp of the last registry statistics collection",
		}),
	}
}

// ByteCounter returns a tunnel OnBytes hook that accounts bytes for
// peerType.
func (m *Metrics) ByteCounter(peerType string) func(in, out int) {
	in := m.TunnelBytes.WithLabelValues(peerType, DirectionIn)
	out := m.TunnelBytes.WithLabelValues(peerType, DirectionOut)
	return func(i, o int) {
		if i > 0 {
			in.Add(float64(i))
		}
		if o > 0 {
			out.Add(float64(o))
		}
	}
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
