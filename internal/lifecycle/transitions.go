/*
 * Sandbox VM Manager - Lifecycle Transition Table
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package lifecycle

import (
	"github.com/quartzcloud/sandboxd/internal/models"
	"github.com/quartzcloud/sandboxd/internal/provider"
)

// transitionRule describes one row of the lifecycle state machine: the
// stable states a request is legal from, the transient state written before
// the provider call, the terminal state committed once the provider confirms
// completion, and where the record lands when the operation fails.
type transitionRule struct {
	allowedFrom []models.VMState
	transient   models.VMState
	success     models.VMState

	// rollbackToPrev sends a failed operation back to the stable state it
	// started from; otherwise the record lands in failure (ERROR).
	rollbackToPrev bool
	failure        models.VMState

	// expect is the provider status that confirms completion.
	expect provider.InstanceStatus
}

var transitionTable = map[models.Action]transitionRule{
	models.ActionCreate: {
		allowedFrom: nil, // create starts from no record at all
		transient:   models.StateProvisioning,
		success:     models.StateActive,
		failure:     models.StateError,
		expect:      provider.StatusActive,
	},
	models.ActionStop: {
		allowedFrom:    []models.VMState{models.StateActive},
		transient:      models.StateStopping,
		success:        models.StateStopped,
		rollbackToPrev: true,
		expect:         provider.StatusShutoff,
	},
	models.ActionStart: {
		allowedFrom: []models.VMState{models.StateStopped, models.StateActive},
		transient:   models.StateProvisioning,
		success:     models.StateActive,
		failure:     models.StateError,
		expect:      provider.StatusActive,
	},
	models.ActionReset: {
		// ERROR admits only reset and delete.
		allowedFrom: []models.VMState{models.StateStopped, models.StateActive, models.StateError},
		transient:   models.StateProvisioning,
		success:     models.StateActive,
		failure:     models.StateError,
		expect:      provider.StatusActive,
	},
	models.ActionShelve: {
		allowedFrom:    []models.VMState{models.StateActive, models.StateStopped},
		transient:      models.StateShelving,
		success:        models.StateShelved,
		rollbackToPrev: true,
		expect:         provider.StatusShelved,
	},
	models.ActionUnshelve: {
		allowedFrom:    []models.VMState{models.StateShelved},
		transient:      models.StateUnshelving,
		success:        models.StateActive,
		rollbackToPrev: true,
		expect:         provider.StatusActive,
	},
	models.ActionDelete: {
		// Delete is legal from every state except the two delete states;
		// DELETED itself is answered as an idempotent no-op upstream.
		allowedFrom: []models.VMState{
			models.StateProvisioning, models.StateActive, models.StateStopping,
			models.StateStopped, models.StateShelving, models.StateShelved,
			models.StateUnshelving, models.StateError,
		},
		transient: models.StateDeleting,
		success:   models.StateDeleted,
		failure:   models.StateError,
		expect:    provider.StatusGone,
	},
}

func ruleFor(action models.Action) (transitionRule, bool) {
	rule, ok := transitionTable[action]
	return rule, ok
}

func (r transitionRule) allows(state models.VMState) bool {
	for _, s := range r.allowedFrom {
		if s == state {
			return true
		}
	}
	return false
}

// rollbackTarget resolves the failure column of the table for a concrete
// starting state.
func (r transitionRule) rollbackTarget(prev models.VMState) models.VMState {
	if r.rollbackToPrev && prev != "" {
		return prev
	}
	return r.failure
}

// operationFor maps an accepted action onto the provider operation to issue.
// Start against an already-running VM is a reboot, not a power-on.
func operationFor(action models.Action, from models.VMState) provider.Operation {
	switch action {
	case models.ActionStart:
		if from == models.StateActive {
			return provider.OpReboot
		}
		return provider.OpStart
	case models.ActionStop:
		return provider.OpStop
	case models.ActionReset:
		return provider.OpReboot
	case models.ActionShelve:
		return provider.OpShelve
	case models.ActionUnshelve:
		return provider.OpUnshelve
	case models.ActionDelete:
		return provider.OpDelete
	}
	return ""
}

// statusForStable maps a stable logical state onto the provider status that
// represents it. The reconciler uses this to tell "operation never started"
// (provider still reports the pre-operation status) from "still running".
func statusForStable(state models.VMState) provider.InstanceStatus {
	switch state {
	case models.StateActive:
		return provider.StatusActive
	case models.StateStopped:
		return provider.StatusShutoff
	case models.StateShelved:
		return provider.StatusShelved
	case models.StateDeleted:
		return provider.StatusGone
	default:
		return provider.StatusUnknown
	}
}
