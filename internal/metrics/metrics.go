// Package metrics builds core/service.ObservationHooks backed by Prometheus
// collectors, grounded on the teacher's internal/app/metrics package.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	service "github.com/openmercato/queryindex/internal/core/service"
)

// Registry holds the query-index subsystem's Prometheus collectors.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

var observationCollectors sync.Map

// ObservationHooks builds core.ObservationHooks backed by a gauge (in-flight
// count, labeled by entityType) and a histogram (duration, labeled by
// entityType and status) registered under namespace/subsystem/name.
func ObservationHooks(namespace, subsystem, name string) service.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return service.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"entity_type"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"entity_type", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if v, ok := meta["entityType"]; ok && v != "" {
		return v
	}
	return "unknown"
}

// ReindexHooks captures reindex-pass in-flight/duration metrics.
func ReindexHooks() service.ObservationHooks {
	return ObservationHooks("queryindex", "reindex", "pass")
}
