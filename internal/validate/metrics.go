package validate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors, registered once at package load. Validate is the
// only writer.
var (
	promValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glucolink_readings_validated_total",
		Help: "Validated readings by result (accepted or rejected)",
	}, []string{"result"})

	promConsistency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glucolink_source_consistency",
		Help: "Cross-source consistency score (0-100)",
	})
)
