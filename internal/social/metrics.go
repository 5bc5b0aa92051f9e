package social

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activitiesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doclib_social_activities_total",
		Help: "Activities processed by the counter workers, by outcome.",
	}, []string{"outcome"})

	activitiesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doclib_social_activities_dropped_total",
		Help: "Activities dropped because the queue was full or stopped.",
	})

	counterLockWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doclib_social_counter_lock_waits_total",
		Help: "Retries while another writer created the same counter.",
	})

	counterLockForcedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doclib_social_counter_lock_forced_total",
		Help: "Stale counter creation locks removed after the lock timeout.",
	})

	finderCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doclib_social_finder_cache_hits_total",
		Help: "Period counter queries answered from the cache.",
	})

	finderCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doclib_social_finder_cache_misses_total",
		Help: "Period counter queries that went to the database.",
	})
)
