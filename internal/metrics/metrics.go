/*
 * Sandbox VM Manager - Service Metrics
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts lifecycle transition attempts by action and
	// recorded outcome.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Name:      "lifecycle_transitions_total",
		Help:      "Lifecycle transition attempts by action and outcome.",
	}, []string{"action", "outcome"})

	// SweepActionsTotal counts actions initiated by the idle-suspension and
	// retention sweep.
	SweepActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Name:      "sweep_actions_total",
		Help:      "Policy sweep actions by kind.",
	}, []string{"kind"})

	// ReconcileResolutionsTotal counts stale transient records resolved by
	// the reconciler, by how they were resolved.
	ReconcileResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Name:      "reconcile_resolutions_total",
		Help:      "Reconciler resolutions of in-flight operations by result.",
	}, []string{"result"})

	// VMsByState reports the current number of VM records per logical state.
	VMsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sandboxd",
		Name:      "vms_by_state",
		Help:      "Current VM records per lifecycle state.",
	}, []string{"state"})

	// ProviderErrorsTotal counts failed provider calls by error type.
	ProviderErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sandboxd",
		Name:      "provider_errors_total",
		Help:      "Provider call failures by error type.",
	}, []string{"type"})
)
