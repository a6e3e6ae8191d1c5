package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricSessionsInspected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hindsight_vulture",
	Name:      "sessions_inspected",
	Help:      "The total number of sessions read back and checked.",
})

var metricSessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "hindsight_vulture",
	Name:      "session_errors_total",
	Help:      "The total number of errors while reading sessions back from hindsight",
}, []string{"error"})

var metricErrorTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "hindsight_vulture",
	Name:      "errors_total",
	Help:      "The total number of errors.",
})
