// Package metrics holds the Prometheus collectors of the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "atlas"

type Metrics struct {
	Registry *prometheus.Registry

	ReadingsPublished *prometheus.CounterVec
	BusErrors         *prometheus.CounterVec
	ParseErrors       *prometheus.CounterVec
	BacklogDrops      *prometheus.CounterVec
	CycleDuration     prometheus.Histogram
	StaleTimeRefs     prometheus.Counter
	TimeRefsObserved  prometheus.Counter
	LastCycle         prometheus.Gauge
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ReadingsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_published_total",
			Help:      "Readings handed to the message bus, by sensor kind.",
		}, []string{"kind"}),
		BusErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "Failed bus reads, by sensor kind.",
		}, []string{"kind"}),
		ParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Sensor responses that could not be parsed, by sensor kind.",
		}, []string{"kind"}),
		BacklogDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backlog_dropped_total",
			Help:      "Unsent messages evicted from a full publish backlog, by topic.",
		}, []string{"topic"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time spent reading and publishing all sensors once.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		StaleTimeRefs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "time_reference_stale_total",
			Help:      "Readings stamped with a reused time reference because no fresh one arrived in time.",
		}),
		TimeRefsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "time_reference_messages_total",
			Help:      "Time reference messages accepted.",
		}),
		LastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_timestamp_seconds",
			Help:      "Unix time at which the last sampling cycle completed.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ReadingsPublished,
		m.BusErrors,
		m.ParseErrors,
		m.BacklogDrops,
		m.CycleDuration,
		m.StaleTimeRefs,
		m.TimeRefsObserved,
		m.LastCycle,
	)
	return m
}
