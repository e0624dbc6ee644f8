// internal/lock/metrics.go
package lock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	lockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minimall_lock_acquisitions_total",
		Help: "Number of successful distributed lock acquisitions.",
	}, []string{"key"})

	lockTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minimall_lock_timeouts_total",
		Help: "Number of lock acquisition attempts that timed out.",
	}, []string{"key"})

	lockHoldSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "minimall_lock_hold_seconds",
		Help:    "Duration a lock was held around its critical section.",
		Buckets: prometheus.DefBuckets,
	}, []string{"key"})
)
