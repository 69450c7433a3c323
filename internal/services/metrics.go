package services

import "github.com/prometheus/client_golang/prometheus"

const (
	outcomeSent        = "sent"
	outcomeAlreadySent = "already_sent"
	outcomeFailed      = "failed"
	outcomeBlocked     = "blocked"
	outcomeNoChat      = "no_chat"
	outcomeRescheduled = "rescheduled"
)

// dispatchOutcomes counts per-recipient dispatch outcomes.
var dispatchOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifications_dispatched_total",
		Help: "Per-recipient notification dispatch outcomes.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(dispatchOutcomes)
}

func countOutcome(outcome string) {
	dispatchOutcomes.WithLabelValues(outcome).Inc()
}
