package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors, registered once at package load. The monitor's
// tick is the only writer.
var (
	promHealthScore = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glucolink_health_score",
		Help: "Overall connection health score (0-100)",
	})

	promSourceUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "glucolink_source_up",
		Help: "Per-source connectivity (1 connected, 0 not)",
	}, []string{"source"})

	promActiveSource = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "glucolink_active_source",
		Help: "Which source is active (1 for the active one)",
	}, []string{"source"})

	promSourceSwitches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glucolink_source_switches_total",
		Help: "Cumulative source switches observed",
	})

	promReconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glucolink_reconnect_attempts_total",
		Help: "Corrective refreshes triggered by the health monitor",
	})

	promDataGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glucolink_data_gaps_total",
		Help: "Health ticks that found the active source without fresh data",
	})

	promStable = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glucolink_stable",
		Help: "Stability verdict of the last health tick (1 stable)",
	})
)
