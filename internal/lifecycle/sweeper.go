/*
 * Sandbox VM Manager - Idle and Retention Policy Sweep
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/quartzcloud/sandboxd/internal/config"
	svcerrors "github.com/quartzcloud/sandboxd/internal/errors"
	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/metrics"
	"github.com/quartzcloud/sandboxd/internal/models"
	"github.com/quartzcloud/sandboxd/internal/notify"
	"github.com/quartzcloud/sandboxd/internal/store"
)

// Sweeper enforces the idle-suspension and retention policy: ACTIVE VMs idle
// past the idle threshold are shelved, VMs left shelved past the retention
// threshold are deleted, and owners get a warning one notify-window before
// deletion. All policy actions go through the controller, which re-validates
// state and exclusivity; the sweep itself never writes lifecycle state.
type Sweeper struct {
	ctrl     *Controller
	store    store.Store
	notifier notify.Dispatcher
	cfg      *config.Config
	logger   *logger.Logger

	now func() time.Time
}

func NewSweeper(ctrl *Controller, st store.Store, notifier notify.Dispatcher, cfg *config.Config, log *logger.Logger) *Sweeper {
	return &Sweeper{
		ctrl:     ctrl,
		store:    st,
		notifier: notifier,
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
	}
}

// Run applies the policy on the configured poll interval until the context
// is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	s.logger.WithComponent("sweeper").Info("Policy sweep started")
	for {
		select {
		case <-ctx.Done():
			s.logger.WithComponent("sweeper").Info("Policy sweep stopped")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.WithComponent("sweeper").WithField("error", err).Error("Policy sweep failed")
			}
		}
	}
}

// SweepOnce runs a single policy pass over all records.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	recs, err := s.store.ListVMs(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	for _, rec := range recs {
		// Records with an operation in flight are left alone; the policy
		// re-evaluates them next pass.
		if rec.PendingOp != "" {
			continue
		}

		switch rec.State {
		case models.StateActive:
			s.applyIdlePolicy(ctx, rec, now)
		case models.StateShelved:
			s.applyRetentionPolicy(ctx, rec, now)
		case models.StateDeleted:
			s.purgeTombstone(ctx, rec, now)
		}
	}
	return nil
}

// applyIdlePolicy shelves a VM whose owner has not used it for the idle
// threshold.
func (s *Sweeper) applyIdlePolicy(ctx context.Context, rec *models.VMRecord, now time.Time) {
	if now.Sub(rec.LastActivityAt) < s.cfg.IdleThreshold() {
		return
	}

	s.logger.WithVM(rec.ID).WithFields(logger.Fields{
		"idle_since": rec.LastActivityAt,
	}).Info("Shelving idle VM")

	if _, err := s.ctrl.Transition(ctx, rec.ID, models.ActionShelve, models.ActorPolicy); err != nil {
		// Conflicts just mean somebody got there first.
		if !svcerrors.IsType(err, svcerrors.ErrTypeConflict) {
			s.logger.WithVM(rec.ID).WithField("error", err).Warn("Could not shelve idle VM")
		}
		return
	}
	metrics.SweepActionsTotal.WithLabelValues("shelve").Inc()
}

// applyRetentionPolicy warns the owner ahead of deletion and deletes shelved
// VMs once the retention threshold has passed. The clock starts at the
// suspension itself, not at the last activity that preceded it: a VM that sat
// idle for weeks before being shelved still gets the full retention window.
// Deletion never happens before a warning has been out for at least the
// notify window.
func (s *Sweeper) applyRetentionPolicy(ctx context.Context, rec *models.VMRecord, now time.Time) {
	deleteAt := rec.LastStateChangeAt.Add(s.cfg.RetentionThreshold())
	warnAt := deleteAt.Add(-s.cfg.NotifyWindow())

	if now.Before(warnAt) {
		return
	}

	if rec.DeletionWarnedAt == nil {
		s.warnDeletion(ctx, rec, deleteAt)
		return
	}

	if now.Before(deleteAt) || now.Sub(*rec.DeletionWarnedAt) < s.cfg.NotifyWindow() {
		return
	}

	s.logger.WithVM(rec.ID).WithFields(logger.Fields{
		"suspended_since": rec.LastStateChangeAt,
	}).Info("Deleting VM past retention threshold")

	if _, err := s.ctrl.Transition(ctx, rec.ID, models.ActionDelete, models.ActorPolicy); err != nil {
		if !svcerrors.IsType(err, svcerrors.ErrTypeConflict) {
			s.logger.WithVM(rec.ID).WithField("error", err).Warn("Could not delete expired VM")
		}
		return
	}
	metrics.SweepActionsTotal.WithLabelValues("delete").Inc()
}

func (s *Sweeper) warnDeletion(ctx context.Context, rec *models.VMRecord, deleteAt time.Time) {
	detail := fmt.Sprintf("VM will be deleted around %s unless used", deleteAt.UTC().Format(time.RFC3339))
	if err := s.notifier.PublishWarning(ctx, rec.ID, notify.WarningDeletionPending, detail); err != nil {
		// The warning gates deletion, so an undelivered warning also delays
		// the delete. Do not mark the record warned.
		s.logger.WithVM(rec.ID).WithField("error", err).Warn("Could not publish deletion warning")
		return
	}

	now := s.now()
	_, err := s.store.UpdateVM(ctx, rec.ID, func(r *models.VMRecord) error {
		if r.DeletionWarnedAt == nil {
			r.DeletionWarnedAt = &now
		}
		return nil
	})
	if err != nil {
		s.logger.WithVM(rec.ID).WithField("error", err).Warn("Could not record deletion warning")
		return
	}
	metrics.SweepActionsTotal.WithLabelValues("warn").Inc()
}

// purgeTombstone removes DELETED records once they have outlived the
// retention threshold. Their event trail is kept for audit.
func (s *Sweeper) purgeTombstone(ctx context.Context, rec *models.VMRecord, now time.Time) {
	if now.Sub(rec.LastStateChangeAt) < s.cfg.RetentionThreshold() {
		return
	}
	if err := s.store.DeleteVM(ctx, rec.ID); err != nil {
		s.logger.WithVM(rec.ID).WithField("error", err).Warn("Could not purge deleted VM record")
		return
	}
	metrics.SweepActionsTotal.WithLabelValues("purge").Inc()
}
