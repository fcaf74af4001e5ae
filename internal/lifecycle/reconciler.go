/*
 * Sandbox VM Manager - Reconciliation Sweep
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package lifecycle

import (
	"context"
	"time"

	"github.com/quartzcloud/sandboxd/internal/config"
	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/metrics"
	"github.com/quartzcloud/sandboxd/internal/models"
	"github.com/quartzcloud/sandboxd/internal/store"
)

// Reconciler periodically scans for records stuck in a transient state and
// hands them to the controller to resolve against the provider's view. It is
// the only component besides the original requester allowed to clear an
// operation marker.
type Reconciler struct {
	ctrl   *Controller
	store  store.Store
	cfg    *config.Config
	logger *logger.Logger

	now func() time.Time
}

func NewReconciler(ctrl *Controller, st store.Store, cfg *config.Config, log *logger.Logger) *Reconciler {
	return &Reconciler{
		ctrl:   ctrl,
		store:  st,
		cfg:    cfg,
		logger: log,
		now:    time.Now,
	}
}

// Run sweeps on the configured poll interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	r.logger.WithComponent("reconciler").Info("Reconciliation sweep started")
	for {
		select {
		case <-ctx.Done():
			r.logger.WithComponent("reconciler").Info("Reconciliation sweep stopped")
			return
		case <-ticker.C:
			if err := r.SweepOnce(ctx); err != nil {
				r.logger.WithComponent("reconciler").WithField("error", err).Error("Reconciliation sweep failed")
			}
		}
	}
}

// SweepOnce runs a single reconciliation pass. Records newer than the grace
// period are skipped so the sweep never races an operation that is still
// being driven by its requester.
func (r *Reconciler) SweepOnce(ctx context.Context) error {
	recs, err := r.store.ListVMs(ctx)
	if err != nil {
		return err
	}

	r.refreshStateGauge(recs)

	cutoff := r.now().Add(-r.cfg.ReconcileGrace())
	for _, rec := range recs {
		if rec.PendingOp == "" || !rec.State.IsTransient() {
			continue
		}
		if rec.LastStateChangeAt.After(cutoff) {
			continue
		}
		if err := r.ctrl.Reconcile(ctx, rec.ID); err != nil {
			r.logger.WithVM(rec.ID).WithField("error", err).Warn("Could not reconcile VM")
		}
	}
	return nil
}

func (r *Reconciler) refreshStateGauge(recs []*models.VMRecord) {
	counts := make(map[models.VMState]int)
	for _, rec := range recs {
		counts[rec.State]++
	}
	for _, state := range []models.VMState{
		models.StateProvisioning, models.StateActive, models.StateStopping,
		models.StateStopped, models.StateShelving, models.StateShelved,
		models.StateUnshelving, models.StateDeleting, models.StateDeleted,
		models.StateError,
	} {
		metrics.VMsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
