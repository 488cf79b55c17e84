package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	wsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "messaging_ws_active_connections",
		Help: "Number of open push connections.",
	})
	wsEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "messaging_ws_events_total",
		Help: "Push events by kind and outcome (sent, dropped).",
	}, []string{"event", "result"})
)

func init() {
	prometheus.MustRegister(wsActive, wsEvents)
}
