/*
 * Sandbox VM Manager - Provider Adapter Contract
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package provider

import (
	"context"

	"github.com/quartzcloud/sandboxd/internal/models"
)

// Operation is a lifecycle operation issued to the cloud provider.
type Operation string

const (
	OpStart    Operation = "start"
	OpStop     Operation = "stop"
	OpShelve   Operation = "shelve"
	OpUnshelve Operation = "unshelve"
	OpReboot   Operation = "reboot"
	OpDelete   Operation = "delete"
)

// InstanceStatus is the provider's authoritative view of an instance.
type InstanceStatus string

const (
	StatusBuild   InstanceStatus = "BUILD"
	StatusActive  InstanceStatus = "ACTIVE"
	StatusShutoff InstanceStatus = "SHUTOFF"
	StatusShelved InstanceStatus = "SHELVED"
	StatusGone    InstanceStatus = "GONE"
	StatusError   InstanceStatus = "ERROR"
	StatusUnknown InstanceStatus = "UNKNOWN"
)

// Provider is the single abstraction boundary for cloud operations. All
// operations are asynchronous on the provider side: a nil error from Apply
// means accepted, not complete. Completion is only known via PollStatus.
//
// Implementations must surface a not-found condition (ErrTypeNotFound)
// distinctly from transient unavailability (ErrTypeProviderUnavailable):
// the controller forces ERROR on the former and retries on the latter.
type Provider interface {
	// Provision creates a new instance and returns its provider-assigned ID.
	Provision(ctx context.Context, desc models.Descriptor) (string, error)

	// Apply requests a lifecycle operation on an existing instance.
	Apply(ctx context.Context, instanceID string, op Operation) error

	// PollStatus returns the live status of an instance. A vanished
	// instance is reported as StatusGone with a nil error so callers can
	// tell "gone" apart from "could not ask".
	PollStatus(ctx context.Context, instanceID string) (InstanceStatus, error)
}

// PublicAddresser is implemented by providers that can report an instance's
// reachable address once it is active.
type PublicAddresser interface {
	PublicAddress(ctx context.Context, instanceID string) (string, error)
}
