package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes pool health to Prometheus.
type Metrics struct {
	Workers       *prometheus.GaugeVec
	Spawns        prometheus.Counter
	Recycles      prometheus.Counter
	Executions    *prometheus.CounterVec
	Duration      prometheus.Histogram
	RouteWait     prometheus.Histogram
	RouteOverflow prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Workers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bifrost_pool_workers",
			Help: "Current worker count by state.",
		}, []string{"state"}),
		Spawns: factory.NewCounter(prometheus.CounterOpts{
			Name: "bifrost_pool_spawns_total",
			Help: "Worker processes spawned since start.",
		}),
		Recycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "bifrost_pool_recycles_total",
			Help: "Worker processes recycled since start.",
		}),
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bifrost_pool_executions_total",
			Help: "Execution results by outcome.",
		}, []string{"outcome"}),
		Duration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bifrost_pool_execution_duration_seconds",
			Help:    "Wall time of completed executions.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		RouteWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "bifrost_pool_route_wait_seconds",
			Help:    "Time spent waiting for an idle worker during routing.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		RouteOverflow: factory.NewCounter(prometheus.CounterOpts{
			Name: "bifrost_pool_route_overflow_total",
			Help: "Routes that failed because no worker became available.",
		}),
	}
}
