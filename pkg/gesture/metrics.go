package gesture

import "github.com/prometheus/client_golang/prometheus"

// GesturesTotal counts finished connection drags by outcome: connected,
// spawned, cancelled or failed.
var GesturesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flowboard_gestures_total",
		Help: "Total number of connection drags by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(GesturesTotal)
}
