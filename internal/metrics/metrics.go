package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Skip reasons used as label values on PositionsSkipped
const (
	ReasonBadTime    = "bad_time"
	ReasonOutOfRange = "out_of_range"
	ReasonWriteError = "write_error"
)

// Collector bundles the Prometheus instruments of the monitoring service
type Collector struct {
	reg *prometheus.Registry

	MonitoringActive prometheus.Gauge

	TicksTotal       prometheus.Counter
	VehiclesObserved prometheus.Counter
	PositionsLogged  prometheus.Counter
	PositionsSkipped *prometheus.CounterVec

	TickDuration prometheus.Histogram
}

// NewCollector creates and registers all instruments on a fresh registry
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		MonitoringActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tranzy_monitoring_active",
			Help: "1 while a monitoring session is running, 0 otherwise.",
		}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tranzy_ticks_total",
			Help: "Total polling ticks executed.",
		}),
		VehiclesObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tranzy_vehicles_observed_total",
			Help: "Total vehicle reports processed by the pipeline.",
		}),
		PositionsLogged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tranzy_positions_logged_total",
			Help: "Total accepted positions written to the store.",
		}),
		PositionsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tranzy_positions_skipped_total",
			Help: "Total rejected vehicle reports.",
		}, []string{"reason"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tranzy_tick_duration_seconds",
			Help:    "Duration of one poll-match-persist tick.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}

	reg.MustRegister(
		c.MonitoringActive,
		c.TicksTotal, c.VehiclesObserved,
		c.PositionsLogged, c.PositionsSkipped,
		c.TickDuration,
	)

	return c
}

// Handler returns the /metrics HTTP handler for this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}
