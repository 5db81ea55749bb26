package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request ledger metrics
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familynet_requests_created_total",
		Help: "Total number of family requests created",
	})

	RequestsTransitioned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familynet_requests_transitioned_total",
		Help: "Total number of family requests moved out of pending",
	}, []string{"status"})

	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familynet_requests_rejected_total",
		Help: "Total number of ledger operations rejected, by error type",
	}, []string{"operation", "reason"})

	// Reconciliation metrics
	ReconcileEdgesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familynet_reconcile_edges_created_total",
		Help: "Total number of membership entries created by reconciliation",
	})

	ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familynet_reconcile_failures_total",
		Help: "Total number of reconciliations that left at least one side unwritten",
	})

	// Auditor metrics
	RepairEdgesRepaired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familynet_repair_edges_repaired_total",
		Help: "Total number of missing reverse entries written by the repair pass",
	})

	RepairUnresolvable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familynet_repair_unresolvable_peers_total",
		Help: "Total number of entries skipped because the peer account could not be resolved",
	})

	RepairDivergent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familynet_repair_divergent_pairs_total",
		Help: "Total number of member pairs whose labels are not inverses of each other",
	})

	RepairRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familynet_repair_runs_total",
		Help: "Total number of repair passes, by outcome",
	}, []string{"outcome"})

	DedupRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "familynet_dedup_removed_entries_total",
		Help: "Total number of duplicate membership entries removed",
	})

	// Audit log metrics
	AuditWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familynet_audit_writes_total",
		Help: "Total number of audit log appends, by outcome",
	}, []string{"outcome"})

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "familynet_notifications_total",
		Help: "Total number of notifications dispatched, by kind and outcome",
	}, []string{"kind", "outcome"})
)
