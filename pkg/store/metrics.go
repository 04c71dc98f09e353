package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	threadsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_store_threads_created_total",
		Help: "Total threads created.",
	})
	exchangesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_store_exchanges_appended_total",
		Help: "Total exchanges appended to thread history.",
	})
	revConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nimbus_store_revision_conflicts_total",
		Help: "Total thread writes rejected for carrying a stale revision.",
	})
)
