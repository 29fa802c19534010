package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var prometheusStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dicomclient_state_transitions_total",
	Help: "Total number of association state transitions",
}, []string{"from", "to"})

var prometheusAssociationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dicomclient_associations_total",
	Help: "Total number of association requests by outcome",
}, []string{"result"})

var prometheusRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dicomclient_requests_total",
	Help: "Total number of DIMSE requests by outcome",
}, []string{"command", "outcome"})

var prometheusRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dicomclient_requests_in_flight",
	Help: "Number of DIMSE requests awaiting their final response",
})

var prometheusRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "dicomclient_run_duration_seconds",
	Help:    "Duration of runs from connect to completion",
	Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
})
