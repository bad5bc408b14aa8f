package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PaymentsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_processor_payments_admitted_total",
		Help: "Payments accepted by the admission endpoint.",
	})

	BatchesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_processor_batches_created_total",
		Help: "Payment batches created by the batch creator.",
	})

	BatchTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_processor_batch_transitions_total",
		Help: "Batch status transitions committed to the store.",
	}, []string{"status"})

	ConsolidationLoopbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_processor_consolidation_loopbacks_total",
		Help: "Split cycles that looped a batch back to PENDING_BATCHING.",
	})

	WorkerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_processor_worker_ticks_total",
		Help: "Polling ticks per worker.",
	}, []string{"worker"})

	WorkerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_processor_worker_errors_total",
		Help: "Row processing errors per worker.",
	}, []string{"worker"})

	StuckClaimsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_processor_stuck_claims_recovered_total",
		Help: "Batches reverted from an in-progress status after a claim timeout.",
	}, []string{"worker"})
)
