package flightserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var flightCallsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mallard_flight_calls_total",
	Help: "Number of Flight calls handled, by kind and outcome",
}, []string{"kind", "outcome"})

var flightRowsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "mallard_flight_rows_total",
	Help: "Number of rows streamed, by direction",
}, []string{"direction"})

var authSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "mallard_auth_sessions_active",
	Help: "Number of bearer tokens issued and still valid",
})

func observeCall(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	flightCallsCounter.WithLabelValues(kind, outcome).Inc()
}

func observeRows(direction string, count int64) {
	if count <= 0 {
		return
	}
	flightRowsCounter.WithLabelValues(direction).Add(float64(count))
}
