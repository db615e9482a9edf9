package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type EscrowMetrics struct {
	stateTransitions *prometheus.CounterVec
	disbursements    prometheus.Counter
	votesAdmitted    *prometheus.CounterVec
	proposalsFinal   *prometheus.CounterVec
	webhookFailures  *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	versionConflicts prometheus.Counter
	worksyncFailures prometheus.Counter
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_state_transitions_total",
				Help: "Count of workflow state transitions by destination state.",
			}, []string{"state"}),
			disbursements: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_disbursements_total",
				Help: "Count of recorded partial disbursements.",
			}),
			votesAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "governance_votes_admitted_total",
				Help: "Count of admitted ballots by choice.",
			}, []string{"choice"}),
			proposalsFinal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "governance_proposals_finalized_total",
				Help: "Count of finalized proposals by terminal status.",
			}, []string{"status"}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination.",
			}, []string{"destination"}),
			requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "escrow_http_request_duration_seconds",
				Help:    "Duration of gateway HTTP requests.",
				Buckets: prometheus.DefBuckets,
			}, []string{"route", "method", "status"}),
			versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_version_conflicts_total",
				Help: "Count of optimistic lock conflicts observed by the store.",
			}),
			worksyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_worksync_failures_total",
				Help: "Count of failed linked-work completion notifications.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.stateTransitions,
			escrowRegistry.disbursements,
			escrowRegistry.votesAdmitted,
			escrowRegistry.proposalsFinal,
			escrowRegistry.webhookFailures,
			escrowRegistry.requestDurations,
			escrowRegistry.versionConflicts,
			escrowRegistry.worksyncFailures,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveStateTransition(state string) {
	if m == nil {
		return
	}
	if state == "" {
		state = "unknown"
	}
	m.stateTransitions.WithLabelValues(state).Inc()
}

func (m *EscrowMetrics) IncDisbursement() {
	if m == nil {
		return
	}
	m.disbursements.Inc()
}

func (m *EscrowMetrics) ObserveVote(choice string) {
	if m == nil {
		return
	}
	if choice == "" {
		choice = "unknown"
	}
	m.votesAdmitted.WithLabelValues(choice).Inc()
}

func (m *EscrowMetrics) ObserveProposalFinalized(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.proposalsFinal.WithLabelValues(status).Inc()
}

func (m *EscrowMetrics) IncWebhookFailure(destination string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.webhookFailures.WithLabelValues(destination).Inc()
}

func (m *EscrowMetrics) ObserveRequest(route, method, status string, seconds float64) {
	if m == nil {
		return
	}
	m.requestDurations.WithLabelValues(route, method, status).Observe(seconds)
}

func (m *EscrowMetrics) IncVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *EscrowMetrics) IncWorkSyncFailure() {
	if m == nil {
		return
	}
	m.worksyncFailures.Inc()
}
