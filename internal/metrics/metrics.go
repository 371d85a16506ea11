package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Selections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "messmeal", Name: "selections_total", Help: "Committed selection calls by outcome."},
		[]string{"outcome"},
	)
	SelectionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "messmeal", Name: "selection_failures_total", Help: "Rejected selection calls by error kind."},
		[]string{"kind"},
	)
	StoreConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "messmeal", Name: "store_conflicts_total", Help: "Optimistic transaction attempts lost to a concurrent writer."},
		[]string{"backend"},
	)
	RateLimitRejected = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: "messmeal", Name: "rate_limit_rejected_total", Help: "Requests rejected by the rate limiter."},
	)
	AuditWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "messmeal", Name: "audit_events_total", Help: "Selection events processed by the audit worker."},
		[]string{"status"},
	)
)

func RegisterCollectors(reg prometheus.Registerer) {
	reg.MustRegister(Selections)
	reg.MustRegister(SelectionFailures)
	reg.MustRegister(StoreConflicts)
	reg.MustRegister(RateLimitRejected)
	reg.MustRegister(AuditWritten)
}
