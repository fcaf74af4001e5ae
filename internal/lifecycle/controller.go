/*
 * Sandbox VM Manager - Lifecycle Controller
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quartzcloud/sandboxd/internal/config"
	svcerrors "github.com/quartzcloud/sandboxd/internal/errors"
	"github.com/quartzcloud/sandboxd/internal/gateway"
	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/metrics"
	"github.com/quartzcloud/sandboxd/internal/models"
	"github.com/quartzcloud/sandboxd/internal/notify"
	"github.com/quartzcloud/sandboxd/internal/provider"
	"github.com/quartzcloud/sandboxd/internal/store"
)

// errAlreadyResolved aborts a completion write when the operation marker no
// longer matches, meaning the reconciler (or the original requester) already
// resolved this operation.
var errAlreadyResolved = errors.New("operation already resolved")

// Controller owns every lifecycle transition. All state writes follow the
// same discipline: the transient state and the exclusivity marker are written
// in one store transaction before the provider is called, and the terminal
// state is only committed once the provider confirms completion.
type Controller struct {
	store    store.Store
	provider provider.Provider
	gateway  gateway.AccessGateway
	notifier notify.Dispatcher
	cfg      *config.Config
	logger   *logger.Logger

	// now is the injected clock. Tests swap it for a fake.
	now func() time.Time
}

// NewController wires the controller. The gateway may be nil when no
// remote-access broker is configured.
func NewController(st store.Store, prov provider.Provider, gw gateway.AccessGateway, notifier notify.Dispatcher, cfg *config.Config, log *logger.Logger) *Controller {
	return &Controller{
		store:    st,
		provider: prov,
		gateway:  gw,
		notifier: notifier,
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
	}
}

// Create provisions a new sandbox VM. The record is persisted in
// PROVISIONING with its operation marker set before the provider is asked
// for anything, so a crash mid-create leaves a record the reconciler can
// resolve.
func (c *Controller) Create(ctx context.Context, projectID string, desc models.Descriptor) (*models.VMRecord, error) {
	if projectID == "" {
		return nil, svcerrors.NewValidationError("create", "project_id is required")
	}
	if desc.Name == "" || desc.FlavorRef == "" || desc.ImageRef == "" {
		return nil, svcerrors.NewValidationError("create", "name, flavor_ref and image_ref are required")
	}

	now := c.now()
	rec := models.NewVMRecord(projectID, desc, now)
	opID := uuid.NewString()
	rec.PendingOp = opID
	rec.PendingAction = models.ActionCreate

	if err := c.store.CreateVM(ctx, rec); err != nil {
		return nil, svcerrors.WrapStoreError(err, "create", "cannot persist VM record")
	}
	c.recordEvent(ctx, rec.ID, models.ActionCreate, "", models.StateProvisioning, models.OutcomeStarted, models.ActorUser, "")
	metrics.TransitionsTotal.WithLabelValues(string(models.ActionCreate), "started").Inc()

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout())
	defer cancel()

	instanceID, err := c.provider.Provision(opCtx, desc)
	if err != nil {
		metrics.ProviderErrorsTotal.WithLabelValues(string(svcerrors.GetType(err))).Inc()
		c.logger.WithVM(rec.ID).WithField("error", err).Error("Provisioning request failed")
		if rec, ferr := c.resolvePending(ctx, rec.ID, opID, models.StateError, models.OutcomeFailed, models.ActorUser, err.Error()); ferr == nil && rec != nil {
			return rec, err
		}
		return nil, err
	}

	rec, err = c.store.UpdateVM(ctx, rec.ID, func(r *models.VMRecord) error {
		r.InstanceID = instanceID
		return nil
	})
	if err != nil {
		return nil, svcerrors.WrapStoreError(err, "create", "cannot record provider instance id")
	}

	return c.awaitCompletion(ctx, opCtx, rec, opID, models.ActionCreate, models.ActorUser)
}

// Transition runs one lifecycle action against a VM. Exactly one of three
// things happens: the request is rejected without side effects, the
// operation completes and the terminal state is committed, or the operation
// is left in its transient state for the reconciler to resolve.
func (c *Controller) Transition(ctx context.Context, vmID string, action models.Action, actor models.Actor) (*models.VMRecord, error) {
	rule, ok := ruleFor(action)
	if !ok || action == models.ActionCreate {
		return nil, svcerrors.NewValidationError("transition", "unknown lifecycle action").
			WithContext("action", string(action))
	}

	opID := uuid.NewString()
	var prev models.VMState
	var deletedNoop bool

	rec, err := c.store.UpdateVM(ctx, vmID, func(r *models.VMRecord) error {
		// Deleting an already-deleted VM is an idempotent no-op.
		if action == models.ActionDelete && r.State == models.StateDeleted {
			deletedNoop = true
			return nil
		}
		if r.PendingOp != "" {
			return svcerrors.NewConflictError(string(action), vmID).
				WithContext("pending_action", string(r.PendingAction))
		}
		if !rule.allows(r.State) {
			return svcerrors.NewInvalidStateError(string(action), vmID, string(r.State))
		}
		prev = r.State
		r.PrevState = r.State
		r.PendingOp = opID
		r.PendingAction = action
		r.SetState(rule.transient, c.now())
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, svcerrors.WrapNotFoundError(err, string(action), "VM not found").
				WithContext("vm_id", vmID)
		}
		metrics.TransitionsTotal.WithLabelValues(string(action), "rejected").Inc()
		return nil, err
	}
	if deletedNoop {
		return rec, nil
	}

	c.recordEvent(ctx, vmID, action, prev, rule.transient, models.OutcomeStarted, actor, "")
	metrics.TransitionsTotal.WithLabelValues(string(action), "started").Inc()

	// Remote access must be revoked before the compute behind it is
	// released.
	if rule.transient == models.StateDeleting || rule.transient == models.StateShelving {
		c.revokeAccess(ctx, vmID)
	}

	opCtx, cancel := context.WithTimeout(ctx, c.cfg.OperationTimeout())
	defer cancel()

	// A record that never got a provider instance has nothing to operate
	// on. Delete succeeds trivially; anything else lands in ERROR.
	if rec.InstanceID == "" {
		if action == models.ActionDelete {
			return c.resolvePending(ctx, vmID, opID, models.StateDeleted, models.OutcomeSucceeded, actor, "no provider instance to remove")
		}
		rec, _ := c.resolvePending(ctx, vmID, opID, models.StateError, models.OutcomeFailed, actor, "record has no provider instance")
		err := svcerrors.NewProviderError(string(action), "record has no provider instance").WithContext("vm_id", vmID)
		if rec != nil {
			return rec, err
		}
		return nil, err
	}

	if err := c.provider.Apply(opCtx, rec.InstanceID, operationFor(action, prev)); err != nil {
		return c.handleApplyError(ctx, rec, opID, action, rule, prev, actor, err)
	}

	return c.awaitCompletion(ctx, opCtx, rec, opID, action, actor)
}

// handleApplyError resolves a rejected provider request according to the
// error taxonomy: unavailable leaves the transient state for the reconciler,
// not-found means the instance vanished, anything else rolls back.
func (c *Controller) handleApplyError(ctx context.Context, rec *models.VMRecord, opID string, action models.Action, rule transitionRule, prev models.VMState, actor models.Actor, applyErr error) (*models.VMRecord, error) {
	metrics.ProviderErrorsTotal.WithLabelValues(string(svcerrors.GetType(applyErr))).Inc()

	switch {
	case svcerrors.IsType(applyErr, svcerrors.ErrTypeProviderUnavailable):
		// Whether the provider acted on the request is unknown. Leave the
		// transient state in place; the reconciler resolves it from the
		// provider's own report.
		c.logger.WithVM(rec.ID).WithField("error", applyErr).Warn("Provider unavailable, operation left for reconciliation")
		return rec, nil

	case svcerrors.IsType(applyErr, svcerrors.ErrTypeNotFound):
		if action == models.ActionDelete {
			// Deleting something already gone is success.
			return c.resolvePending(ctx, rec.ID, opID, models.StateDeleted, models.OutcomeSucceeded, actor, "instance already gone at provider")
		}
		res, _ := c.resolvePending(ctx, rec.ID, opID, models.StateError, models.OutcomeFailed, actor, applyErr.Error())
		if res != nil {
			return res, applyErr
		}
		return nil, applyErr

	default:
		target := rule.rollbackTarget(prev)
		outcome := models.OutcomeFailed
		if target == prev && prev != "" {
			outcome = models.OutcomeRolledBack
		}
		res, _ := c.resolvePending(ctx, rec.ID, opID, target, outcome, actor, applyErr.Error())
		if res != nil {
			return res, applyErr
		}
		return nil, applyErr
	}
}

// awaitCompletion polls the provider until the operation's expected status
// shows up or the operation deadline passes. A deadline is not a failure:
// the record stays in its transient state and the reconciler takes over.
func (c *Controller) awaitCompletion(ctx context.Context, opCtx context.Context, rec *models.VMRecord, opID string, action models.Action, actor models.Actor) (*models.VMRecord, error) {
	rule, _ := ruleFor(action)

	ticker := time.NewTicker(c.cfg.StatusPoll())
	defer ticker.Stop()

	for {
		select {
		case <-opCtx.Done():
			c.logger.WithVM(rec.ID).WithField("action", action).Warn("Operation deadline reached, deferring to reconciler")
			current, err := c.store.GetVM(ctx, rec.ID)
			if err != nil {
				return rec, nil
			}
			return current, nil
		case <-ticker.C:
		}

		status, err := c.provider.PollStatus(opCtx, rec.InstanceID)
		if err != nil {
			metrics.ProviderErrorsTotal.WithLabelValues(string(svcerrors.GetType(err))).Inc()
			c.logger.WithVM(rec.ID).WithField("error", err).Debug("Status poll failed, retrying")
			continue
		}

		switch {
		case status == rule.expect:
			return c.completeSuccess(ctx, rec.ID, opID, action, actor)
		case status == provider.StatusGone:
			if action == models.ActionDelete {
				return c.completeSuccess(ctx, rec.ID, opID, action, actor)
			}
			res, _ := c.resolvePending(ctx, rec.ID, opID, models.StateError, models.OutcomeFailed, actor, "instance vanished at provider")
			return res, svcerrors.NewNotFoundError(string(action), "instance vanished at provider").WithContext("vm_id", rec.ID)
		case status == provider.StatusError:
			res, _ := c.resolvePending(ctx, rec.ID, opID, models.StateError, models.OutcomeFailed, actor, "provider reported instance error")
			return res, svcerrors.NewProviderError(string(action), "provider reported instance error").WithContext("vm_id", rec.ID)
		default:
			// Still in flight.
		}
	}
}

// completeSuccess commits the operation's terminal state and runs the
// post-transition hooks (public address capture, gateway connection).
func (c *Controller) completeSuccess(ctx context.Context, vmID, opID string, action models.Action, actor models.Actor) (*models.VMRecord, error) {
	rule, _ := ruleFor(action)
	rec, err := c.resolvePending(ctx, vmID, opID, rule.success, models.OutcomeSucceeded, actor, "")
	if err != nil {
		return nil, err
	}

	if rule.success == models.StateActive {
		rec = c.activateAccess(ctx, rec)
	}
	return rec, nil
}

// resolvePending clears the operation marker and writes the final state, all
// in one transaction guarded by the marker itself: if another path resolved
// the operation first, the write aborts and the stored record wins.
func (c *Controller) resolvePending(ctx context.Context, vmID, opID string, target models.VMState, outcome models.EventOutcome, actor models.Actor, detail string) (*models.VMRecord, error) {
	var from models.VMState
	var action models.Action

	rec, err := c.store.UpdateVM(ctx, vmID, func(r *models.VMRecord) error {
		if r.PendingOp != opID {
			return errAlreadyResolved
		}
		from = r.State
		action = r.PendingAction
		r.PendingOp = ""
		r.PendingAction = ""
		r.PrevState = ""
		if target == models.StateDeleted {
			r.PublicIP = ""
		}
		if target == models.StateActive {
			// A running VM is no longer facing retention deletion.
			r.DeletionWarnedAt = nil
		}
		r.SetState(target, c.now())
		return nil
	})
	if err != nil {
		if errors.Is(err, errAlreadyResolved) {
			return c.store.GetVM(ctx, vmID)
		}
		return nil, svcerrors.WrapStoreError(err, "resolve_operation", "cannot commit operation outcome")
	}

	c.recordEvent(ctx, vmID, action, from, target, outcome, actor, detail)
	metrics.TransitionsTotal.WithLabelValues(string(action), string(outcome)).Inc()

	if err := c.notifier.PublishTransition(ctx, vmID, from, target, rec.LastStateChangeAt); err != nil {
		c.logger.WithVM(vmID).WithField("error", err).Warn("Could not publish transition notification")
	}
	return rec, nil
}

// activateAccess captures the instance's public address and registers a
// gateway connection once the VM is ACTIVE. Both are best-effort: a broken
// gateway must not fail a successful lifecycle operation.
func (c *Controller) activateAccess(ctx context.Context, rec *models.VMRecord) *models.VMRecord {
	if addresser, ok := c.provider.(provider.PublicAddresser); ok {
		if addr, err := addresser.PublicAddress(ctx, rec.InstanceID); err != nil {
			c.logger.WithVM(rec.ID).WithField("error", err).Warn("Could not resolve public address")
		} else if addr != "" && addr != rec.PublicIP {
			updated, err := c.store.UpdateVM(ctx, rec.ID, func(r *models.VMRecord) error {
				r.PublicIP = addr
				return nil
			})
			if err != nil {
				c.logger.WithVM(rec.ID).WithField("error", err).Warn("Could not record public address")
			} else {
				rec = updated
			}
		}
	}

	if c.gateway != nil && rec.PublicIP != "" {
		if _, err := c.gateway.CreateConnection(ctx, rec); err != nil {
			c.logger.WithVM(rec.ID).WithField("error", err).Warn("Could not register gateway connection")
		}
	}
	return rec
}

func (c *Controller) revokeAccess(ctx context.Context, vmID string) {
	if c.gateway == nil {
		return
	}
	if err := c.gateway.RevokeConnections(ctx, vmID); err != nil {
		c.logger.WithVM(vmID).WithField("error", err).Warn("Could not revoke gateway connections")
	}
}

func (c *Controller) recordEvent(ctx context.Context, vmID string, action models.Action, from, to models.VMState, outcome models.EventOutcome, actor models.Actor, detail string) {
	event := models.NewLifecycleEvent(vmID, action, from, to, outcome, actor, c.now())
	event.Detail = detail
	if err := c.store.AppendEvent(ctx, event); err != nil {
		c.logger.WithVM(vmID).WithField("error", err).Error("Could not append lifecycle event")
	}
}

// Get returns one VM record.
func (c *Controller) Get(ctx context.Context, vmID string) (*models.VMRecord, error) {
	rec, err := c.store.GetVM(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, svcerrors.WrapNotFoundError(err, "get", "VM not found").WithContext("vm_id", vmID)
		}
		return nil, svcerrors.WrapStoreError(err, "get", "cannot read VM record")
	}
	return rec, nil
}

// List returns every VM record.
func (c *Controller) List(ctx context.Context) ([]*models.VMRecord, error) {
	recs, err := c.store.ListVMs(ctx)
	if err != nil {
		return nil, svcerrors.WrapStoreError(err, "list", "cannot list VM records")
	}
	return recs, nil
}

// ListSuspended returns the VMs currently shelved by the idle policy or by
// request.
func (c *Controller) ListSuspended(ctx context.Context) ([]*models.VMRecord, error) {
	recs, err := c.store.ListVMsByState(ctx, models.StateShelved)
	if err != nil {
		return nil, svcerrors.WrapStoreError(err, "list_suspended", "cannot list VM records")
	}
	return recs, nil
}

// Events returns the VM's lifecycle audit trail.
func (c *Controller) Events(ctx context.Context, vmID string) ([]*models.LifecycleEvent, error) {
	if _, err := c.Get(ctx, vmID); err != nil {
		return nil, err
	}
	events, err := c.store.ListEvents(ctx, vmID)
	if err != nil {
		return nil, svcerrors.WrapStoreError(err, "events", "cannot list lifecycle events")
	}
	return events, nil
}

// RecordActivity marks the VM as used now, resetting the idle clock and any
// pending deletion warning.
func (c *Controller) RecordActivity(ctx context.Context, vmID string) error {
	now := c.now()
	_, err := c.store.UpdateVM(ctx, vmID, func(r *models.VMRecord) error {
		r.Touch(now)
		r.DeletionWarnedAt = nil
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return svcerrors.WrapNotFoundError(err, "record_activity", "VM not found").WithContext("vm_id", vmID)
		}
		return svcerrors.WrapStoreError(err, "record_activity", "cannot record activity")
	}
	return nil
}

// Connection returns the VM's remote-access descriptor.
func (c *Controller) Connection(ctx context.Context, vmID string) (*models.ConnectionDescriptor, error) {
	rec, err := c.Get(ctx, vmID)
	if err != nil {
		return nil, err
	}
	if rec.State != models.StateActive {
		return nil, svcerrors.NewInvalidStateError("connection", vmID, string(rec.State))
	}
	if c.gateway == nil {
		return nil, svcerrors.NewNotFoundError("connection", "no remote-access gateway configured")
	}
	return c.gateway.GetConnection(ctx, vmID)
}

// Reconcile resolves one VM whose operation marker is stale. The caller is
// responsible for the grace period; by the time this runs the in-flight
// requester is assumed dead and the provider's report is authoritative.
func (c *Controller) Reconcile(ctx context.Context, vmID string) error {
	rec, err := c.store.GetVM(ctx, vmID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return svcerrors.WrapStoreError(err, "reconcile", "cannot read VM record")
	}
	if rec.PendingOp == "" || !rec.State.IsTransient() {
		return nil
	}

	opID := rec.PendingOp
	action := rec.PendingAction
	rule, ok := ruleFor(action)
	if !ok {
		_, err := c.resolvePending(ctx, vmID, opID, models.StateError, models.OutcomeFailed, models.ActorReconciler, "unknown pending action")
		metrics.ReconcileResolutionsTotal.WithLabelValues("error").Inc()
		return err
	}

	// A create that died before the provider answered has no instance to
	// ask about.
	if rec.InstanceID == "" {
		target, outcome := models.StateError, models.OutcomeFailed
		if action == models.ActionDelete {
			target, outcome = models.StateDeleted, models.OutcomeSucceeded
		}
		_, err := c.resolvePending(ctx, vmID, opID, target, outcome, models.ActorReconciler, "no provider instance recorded")
		metrics.ReconcileResolutionsTotal.WithLabelValues("no_instance").Inc()
		return err
	}

	status, err := c.provider.PollStatus(ctx, rec.InstanceID)
	if err != nil {
		if svcerrors.IsType(err, svcerrors.ErrTypeProviderUnavailable) {
			// Try again next sweep.
			return nil
		}
		metrics.ProviderErrorsTotal.WithLabelValues(string(svcerrors.GetType(err))).Inc()
		return err
	}

	switch {
	case status == rule.expect:
		_, err := c.completeSuccess(ctx, vmID, opID, action, models.ActorReconciler)
		metrics.ReconcileResolutionsTotal.WithLabelValues("completed").Inc()
		return err

	case status == provider.StatusGone:
		target, outcome := models.StateError, models.OutcomeFailed
		detail := "instance vanished at provider"
		if action == models.ActionDelete {
			target, outcome, detail = models.StateDeleted, models.OutcomeSucceeded, ""
		}
		_, err := c.resolvePending(ctx, vmID, opID, target, outcome, models.ActorReconciler, detail)
		metrics.ReconcileResolutionsTotal.WithLabelValues("gone").Inc()
		return err

	case status == provider.StatusError:
		_, err := c.resolvePending(ctx, vmID, opID, models.StateError, models.OutcomeFailed, models.ActorReconciler, "provider reported instance error")
		metrics.ReconcileResolutionsTotal.WithLabelValues("error").Inc()
		return err

	case rec.PrevState != "" && status == statusForStable(rec.PrevState):
		// The provider still reports the pre-operation status: the request
		// never took effect. Roll the record back to where it was.
		_, err := c.resolvePending(ctx, vmID, opID, rec.PrevState, models.OutcomeRolledBack, models.ActorReconciler, "operation never started at provider")
		metrics.ReconcileResolutionsTotal.WithLabelValues("rolled_back").Inc()
		return err

	default:
		// Still running at the provider. Leave it for the next sweep.
		return nil
	}
}
