// internal/service/promotion/application/metrics.go
package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	couponsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minimall_coupon_issued_total",
		Help: "Number of user coupons issued by the drain worker.",
	}, []string{"coupon"})

	queueEntriesPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "minimall_coupon_queue_purged_total",
		Help: "Number of admission queue entries purged without issuance.",
	}, []string{"coupon", "reason"})
)
