// Package metrics provides observability for the grid server.
// Collectors live on an explicit registry so several engines can run in one process.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodegrid"

// Collector gathers performance metrics.
type Collector struct {
	registry *prometheus.Registry

	Ticks           prometheus.Counter
	TickLatency     prometheus.Histogram
	ReplanRounds    prometheus.Histogram
	ReplanCapHits   prometheus.Counter
	LockedShortfall prometheus.Gauge

	EventsWritten    prometheus.Counter
	EventWriteErrors prometheus.Counter
	EventWriteLat    prometheus.Histogram

	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec
	WSErrors      prometheus.Counter
}

// New creates a collector registered on its own registry, together with the
// Go runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		Ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_total",
			Help: "Total tick cycles.",
		}),
		TickLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "tick_duration_seconds",
			Help:    "Wall time of one full tick cycle.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		ReplanRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "replan_rounds",
			Help:    "Replanning passes needed per tick.",
			Buckets: prometheus.LinearBuckets(0, 1, 10),
		}),
		ReplanCapHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "replan_cap_reached_total",
			Help: "Ticks that stopped replanning at the round cap.",
		}),
		LockedShortfall: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "locked_shortfall",
			Help: "Total unmet demand locked in during the last tick.",
		}),
		EventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_written_total",
			Help: "Events persisted to storage.",
		}),
		EventWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "event_write_errors_total",
			Help: "Event persistence failures.",
		}),
		EventWriteLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "event_write_duration_seconds",
			Help:    "Latency of event persistence.",
			Buckets: prometheus.DefBuckets,
		}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections",
			Help: "Active WebSocket connections.",
		}),
		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_messages_total",
			Help: "WebSocket messages by direction.",
		}, []string{"direction"}),
		WSErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ws_errors_total",
			Help: "WebSocket write or read errors.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.Ticks, c.TickLatency, c.ReplanRounds, c.ReplanCapHits, c.LockedShortfall,
		c.EventsWritten, c.EventWriteErrors, c.EventWriteLat,
		c.WSConnections, c.WSMessages, c.WSErrors,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordTick records a tick cycle completion.
func (c *Collector) RecordTick(latency time.Duration, replanRounds int, capReached bool, lockedShortfall float64) {
	c.Ticks.Inc()
	c.TickLatency.Observe(latency.Seconds())
	c.ReplanRounds.Observe(float64(replanRounds))
	if capReached {
		c.ReplanCapHits.Inc()
	}
	c.LockedShortfall.Set(lockedShortfall)
}

// RecordEventWrite records an event write to the database.
func (c *Collector) RecordEventWrite(latency time.Duration, err error) {
	c.EventWriteLat.Observe(latency.Seconds())
	if err != nil {
		c.EventWriteErrors.Inc()
		return
	}
	c.EventsWritten.Inc()
}

// RecordWSConnection records WebSocket connection changes.
func (c *Collector) RecordWSConnection(delta int) {
	c.WSConnections.Add(float64(delta))
}

// RecordWSMessage records WebSocket messages.
func (c *Collector) RecordWSMessage(incoming bool) {
	if incoming {
		c.WSMessages.WithLabelValues("in").Inc()
	} else {
		c.WSMessages.WithLabelValues("out").Inc()
	}
}

// RecordWSError records a WebSocket error.
func (c *Collector) RecordWSError() {
	c.WSErrors.Inc()
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
