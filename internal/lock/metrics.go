package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	locksAcquiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doclib_locks_acquired_total",
		Help: "Locks created, by class name.",
	}, []string{"class"})

	lockConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doclib_lock_conflicts_total",
		Help: "Lock acquisitions rejected because another user holds the lock.",
	}, []string{"class"})

	reaperRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doclib_lock_reaper_runs_total",
		Help: "Expired lock sweeps.",
	})

	reaperDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "doclib_lock_reaper_deleted_total",
		Help: "Expired locks removed by the reaper.",
	})
)
