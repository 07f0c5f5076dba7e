// Package metrics defines the Prometheus collectors exported by a
// running node, grounded on the pack's own use of
// github.com/prometheus/client_golang for per-subsystem gauges and
// counters (e.g. shurlinet-shurli, KhryptorGraphics-OllamaMax). Every
// component in this module accepts a *Set and is nil-safe when one
// isn't provided, so tests and the in-memory transport can skip
// registration entirely.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every collector a node exposes. Construct one with New
// and register it with a prometheus.Registerer, or leave it nil to
// disable metrics entirely.
type Set struct {
	NeighborsTotal    *prometheus.GaugeVec
	NeighborsAllTotal prometheus.Gauge
	RoutesTotal       prometheus.Gauge
	RebuildsTotal     prometheus.Counter
	QueueDepth        prometheus.Gauge
	MessagesSent      prometheus.Counter
	MessagesFailed    prometheus.Counter
	MessagesRelayed   prometheus.Counter
	JournalMessages   *prometheus.GaugeVec
	FloodDropped      prometheus.Counter
}

const namespace = "meshcore"

// New builds a fresh Set. Register it on reg to expose it; reg may be
// nil if the caller only wants the collectors wired into components
// without exporting them (e.g. in unit tests).
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		NeighborsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbors_total",
			Help:      "Current number of neighbors per connection module.",
		}, []string{"module"}),
		NeighborsAllTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "neighbors_all_total",
			Help:      "Current number of distinct neighbor peers across all modules.",
		}),
		RoutesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Current number of destinations in the routing table.",
		}),
		RebuildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_rebuilds_total",
			Help:      "Total number of routing table rebuilds performed.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "send_queue_depth",
			Help:      "Current depth of the messaging send queue.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of frames emitted by the messaging engine.",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_failed_total",
			Help:      "Total number of messages moved to the failed-message store.",
		}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Total number of frames re-enqueued for store-and-forward relay.",
		}),
		JournalMessages: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "journal_messages_total",
			Help:      "Number of messages journaled per account since the process started.",
		}, []string{"account"}),
		FloodDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flood_deduped_total",
			Help:      "Total number of flood payloads dropped as duplicates.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			s.NeighborsTotal,
			s.NeighborsAllTotal,
			s.RoutesTotal,
			s.RebuildsTotal,
			s.QueueDepth,
			s.MessagesSent,
			s.MessagesFailed,
			s.MessagesRelayed,
			s.JournalMessages,
			s.FloodDropped,
		)
	}

	return s
}
