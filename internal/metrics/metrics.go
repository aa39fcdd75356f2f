// Package metrics exposes the Prometheus collectors shared by the
// websocket and fan-out layers. Served on /metrics by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedClients is the number of open websocket connections.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "connected_clients",
		Help:      "Number of open websocket connections.",
	})

	// Characters is the number of live characters in the registry.
	Characters = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "presence",
		Name:      "characters",
		Help:      "Number of live characters in the registry.",
	})

	// EventsAccepted counts events admitted by the registry, by name.
	EventsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "events_accepted_total",
		Help:      "Events accepted by the registry.",
	}, []string{"event"})

	// EventsRejected counts refused events, by name and reason.
	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "events_rejected_total",
		Help:      "Events rejected by validation or lookup.",
	}, []string{"event", "reason"})

	// FanoutPublished counts frames published to the cross-worker channel.
	FanoutPublished = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "fanout_published_total",
		Help:      "Frames published to the cross-worker channel.",
	})

	// FanoutApplied counts frames from other workers applied locally.
	FanoutApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "fanout_applied_total",
		Help:      "Frames from other workers applied to the local registry.",
	})

	// FanoutDropped counts frames discarded as own-origin or malformed.
	FanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "presence",
		Name:      "fanout_dropped_total",
		Help:      "Frames discarded as own-origin or malformed.",
	})
)
