package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repaircoin_sessions_created_total",
		Help: "Redemption sessions created.",
	})
	SessionsApproved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repaircoin_sessions_approved_total",
		Help: "Redemption sessions approved by customers.",
	})
	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repaircoin_sessions_rejected_total",
		Help: "Redemption sessions rejected by customers.",
	})
	SessionsUsed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repaircoin_sessions_used_total",
		Help: "Redemption sessions consumed.",
	})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "repaircoin_sessions_expired_total",
		Help: "Redemption sessions expired by the sweep or lazy checks.",
	})
	BurnsAttempted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repaircoin_burns_total",
		Help: "On-chain burn attempts by outcome.",
	}, []string{"outcome"})
	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "repaircoin_reconcile_purchases_total",
		Help: "Reconciled purchase outcomes.",
	}, []string{"outcome"})
)
