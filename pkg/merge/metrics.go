package merge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var mergesCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "nimbus_merge_completed_total",
	Help: "Total guest namespaces merged into a user namespace.",
})
