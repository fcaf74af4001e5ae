/*
 * Sandbox VM Manager - VM Models
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package models

import (
	"time"

	"github.com/google/uuid"
)

// VMState is the logical lifecycle state of a sandbox VM.
type VMState string

// Lifecycle states. PROVISIONING, STOPPING, SHELVING, UNSHELVING and DELETING
// are transient: a record left in one of them has an operation in flight or
// stale, and the reconciliation sweep is responsible for resolving it.
const (
	StateProvisioning VMState = "PROVISIONING"
	StateActive       VMState = "ACTIVE"
	StateStopping     VMState = "STOPPING"
	StateStopped      VMState = "STOPPED"
	StateShelving     VMState = "SHELVING"
	StateShelved      VMState = "SHELVED"
	StateUnshelving   VMState = "UNSHELVING"
	StateDeleting     VMState = "DELETING"
	StateDeleted      VMState = "DELETED"
	StateError        VMState = "ERROR"
)

// IsTransient reports whether the state marks an operation in flight.
func (s VMState) IsTransient() bool {
	switch s {
	case StateProvisioning, StateStopping, StateShelving, StateUnshelving, StateDeleting:
		return true
	}
	return false
}

// IsTerminal reports whether no further lifecycle operations apply.
func (s VMState) IsTerminal() bool {
	return s == StateDeleted
}

// Action is a lifecycle request accepted by the controller.
type Action string

const (
	ActionCreate   Action = "create"
	ActionStart    Action = "start"
	ActionStop     Action = "stop"
	ActionReset    Action = "reset"
	ActionShelve   Action = "shelve"
	ActionUnshelve Action = "unshelve"
	ActionDelete   Action = "delete"
)

// ParseAction validates an action name coming in from the API.
func ParseAction(s string) (Action, bool) {
	switch Action(s) {
	case ActionStart, ActionStop, ActionReset, ActionShelve, ActionUnshelve, ActionDelete:
		return Action(s), true
	}
	return "", false
}

// Actor identifies who requested a transition.
type Actor string

const (
	ActorUser       Actor = "user"
	ActorPolicy     Actor = "policy"
	ActorReconciler Actor = "reconciler"
)

// Descriptor is the immutable resource shape of a VM, fixed at creation.
type Descriptor struct {
	Name      string `json:"name"`
	FlavorRef string `json:"flavor_ref"`
	ImageRef  string `json:"image_ref"`
}

// VMRecord is the durable record of a sandbox VM.
//
// PendingOp is the per-VM exclusivity marker: while non-empty, exactly one
// lifecycle operation is in flight and any further lifecycle request must be
// rejected with a conflict. The marker is only ever set and cleared inside a
// store transaction together with the state write.
type VMRecord struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id,omitempty"`
	ProjectID  string     `json:"project_id"`
	State      VMState    `json:"state"`
	PrevState  VMState    `json:"prev_state,omitempty"`
	Descriptor Descriptor `json:"descriptor"`
	PublicIP   string     `json:"public_ip,omitempty"`

	PendingOp     string `json:"pending_op,omitempty"`
	PendingAction Action `json:"pending_action,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	LastActivityAt    time.Time  `json:"last_activity_at"`
	LastStateChangeAt time.Time  `json:"last_state_change_at"`
	DeletionWarnedAt  *time.Time `json:"deletion_warned_at,omitempty"`

	Version int64 `json:"version"`
}

// NewVMRecord creates a record in PROVISIONING for a fresh create request.
func NewVMRecord(projectID string, desc Descriptor, now time.Time) *VMRecord {
	return &VMRecord{
		ID:                uuid.NewString(),
		ProjectID:         projectID,
		State:             StateProvisioning,
		Descriptor:        desc,
		CreatedAt:         now,
		LastActivityAt:    now,
		LastStateChangeAt: now,
		Version:           1,
	}
}

// SetState applies a state change and bumps the bookkeeping fields.
func (r *VMRecord) SetState(state VMState, now time.Time) {
	r.State = state
	r.LastStateChangeAt = now
	r.Version++
}

// Touch moves the activity timestamp forward. Backward moves are ignored so
// the last-activity invariant holds regardless of caller clock skew.
func (r *VMRecord) Touch(t time.Time) {
	if t.After(r.LastActivityAt) {
		r.LastActivityAt = t
	}
}

// EventOutcome is the recorded outcome of a transition attempt.
type EventOutcome string

const (
	OutcomeStarted    EventOutcome = "STARTED"
	OutcomeSucceeded  EventOutcome = "SUCCEEDED"
	OutcomeFailed     EventOutcome = "FAILED"
	OutcomeRolledBack EventOutcome = "ROLLED_BACK"
)

// LifecycleEvent is an append-only audit entry. Events are never mutated.
type LifecycleEvent struct {
	ID        string       `json:"id"`
	VMID      string       `json:"vm_id"`
	Action    Action       `json:"action"`
	From      VMState      `json:"from"`
	To        VMState      `json:"to"`
	Outcome   EventOutcome `json:"outcome"`
	Actor     Actor        `json:"actor"`
	Timestamp time.Time    `json:"timestamp"`
	Detail    string       `json:"detail,omitempty"`
}

// NewLifecycleEvent builds an audit entry for a transition attempt.
func NewLifecycleEvent(vmID string, action Action, from, to VMState, outcome EventOutcome, actor Actor, now time.Time) *LifecycleEvent {
	return &LifecycleEvent{
		ID:        uuid.NewString(),
		VMID:      vmID,
		Action:    action,
		From:      from,
		To:        to,
		Outcome:   outcome,
		Actor:     actor,
		Timestamp: now,
	}
}
