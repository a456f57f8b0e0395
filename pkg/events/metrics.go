package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diaflow",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published to the bus, by event type.",
	}, []string{"type"})

	routerDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "diaflow",
		Subsystem: "router",
		Name:      "deliveries_total",
		Help:      "Events successfully delivered to transport connections.",
	})

	routerDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "diaflow",
		Subsystem: "router",
		Name:      "drops_total",
		Help:      "Events dropped on the way to a connection, by cause.",
	}, []string{"cause"})

	routerQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "diaflow",
		Subsystem: "router",
		Name:      "queue_depth",
		Help:      "Current outbound queue depth per connection.",
	}, []string{"connection_id"})
)

// Drop causes recorded in router metrics.
const (
	dropCauseQueueFull     = "queue_full"
	dropCauseSendFailed    = "send_failed"
	dropCauseNoConnection  = "no_connection"
)
