package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opalsync_stream_events_published_total",
		Help: "Stream events published to the bus.",
	})
	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opalsync_stream_events_delivered_total",
		Help: "Envelopes delivered to subscribers.",
	})
	purgedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opalsync_stream_events_purged_total",
		Help: "Events evicted from the window after TTL expiry.",
	})
	subscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opalsync_stream_subscriptions",
		Help: "Active subscriptions.",
	})
	windowGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opalsync_stream_window_size",
		Help: "Events currently held in the in-memory window.",
	})
	processedPerMinute = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opalsync_stream_processed_per_minute",
		Help: "Publish rate computed by the metrics sweep.",
	})
)
