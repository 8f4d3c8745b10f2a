package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ClaimsGranted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_claims_granted_total", Help: "Leases granted to workers"})
	ClaimsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "engine_claims_rejected_total", Help: "Claim attempts rejected"}, []string{"reason"})
	Submissions    = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_submissions_total", Help: "Proof submissions accepted"})
	LeasesExpired  = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_leases_expired_total", Help: "Leases expired by the reaper"})
	Payouts        = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_payouts_total", Help: "Approved leases paid out"})
	Rejections     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_rejections_total", Help: "Submissions rejected by review"})
	OrdersCreated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_orders_created_total", Help: "Orders purchased"})
	OrdersDone     = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_orders_completed_total", Help: "Orders fully completed"})
	ProofsArchived = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_proofs_archived_total", Help: "Proof screenshots archived"})
	RateLimited    = prometheus.NewCounter(prometheus.CounterOpts{Name: "engine_rate_limit_rejects_total", Help: "Claim requests rejected by rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ClaimsGranted,
			ClaimsRejected,
			Submissions,
			LeasesExpired,
			Payouts,
			Rejections,
			OrdersCreated,
			OrdersDone,
			ProofsArchived,
			RateLimited,
		)
	})
	return promhttp.Handler()
}
