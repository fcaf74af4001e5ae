/*
 * Sandbox VM Manager - State Store Contract
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/quartzcloud/sandboxd/internal/models"
)

var (
	// ErrNotFound is returned when a VM record does not exist.
	ErrNotFound = errors.New("vm record not found")
	// ErrExists is returned when creating a record whose ID is already taken.
	ErrExists = errors.New("vm record already exists")
	// ErrInstanceIDImmutable is returned by UpdateVM when a mutation tries to
	// change a provider instance ID that was already set.
	ErrInstanceIDImmutable = errors.New("provider instance id is write-once")
)

// Store is the durable record of every VM's logical state, owner and
// lifecycle timestamps. All lifecycle mutations go through UpdateVM, whose
// read-modify-write runs in a single transaction: the exclusivity-marker
// check and the state write commit atomically or not at all.
type Store interface {
	CreateVM(ctx context.Context, record *models.VMRecord) error
	GetVM(ctx context.Context, id string) (*models.VMRecord, error)
	ListVMs(ctx context.Context) ([]*models.VMRecord, error)
	ListVMsByState(ctx context.Context, states ...models.VMState) ([]*models.VMRecord, error)

	// UpdateVM applies mutate to the current record inside one transaction.
	// Returning an error from mutate aborts the update and surfaces that
	// error unchanged, which is how the controller rejects conflicting or
	// illegal transitions without a separate read.
	UpdateVM(ctx context.Context, id string, mutate func(*models.VMRecord) error) (*models.VMRecord, error)

	// TouchActivity moves the record's last-activity timestamp forward.
	// Backward moves are ignored.
	TouchActivity(ctx context.Context, id string, t time.Time) error

	// DeleteVM removes a record. Only the retention garbage collector calls
	// this, and only for records already in DELETED.
	DeleteVM(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, event *models.LifecycleEvent) error
	ListEvents(ctx context.Context, vmID string) ([]*models.LifecycleEvent, error)

	Close() error
}
