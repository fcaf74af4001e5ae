/*
 * Sandbox VM Manager - Remote Access Gateway Contract
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package gateway

import (
	"context"

	"github.com/quartzcloud/sandboxd/internal/models"
)

// AccessGateway manages remote-access connections for sandbox VMs. A
// connection is created when a VM reaches ACTIVE and revoked before the VM
// is shelved or deleted, so stale entries never point at released compute.
type AccessGateway interface {
	// CreateConnection registers a remote-access connection for the VM and
	// returns a descriptor the user can connect through.
	CreateConnection(ctx context.Context, vm *models.VMRecord) (*models.ConnectionDescriptor, error)

	// GetConnection returns the VM's existing connection, or a not-found
	// error when none is registered.
	GetConnection(ctx context.Context, vmID string) (*models.ConnectionDescriptor, error)

	// RevokeConnections removes every connection registered for the VM.
	// Revoking a VM with no connections is a no-op.
	RevokeConnections(ctx context.Context, vmID string) error
}
