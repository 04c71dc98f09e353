package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_session_generate_failures_total",
		Help: "Total submissions that failed at the inference step.",
	})
	generateCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_session_generate_completed_total",
		Help: "Total submissions completed with a stored response.",
	})
)
