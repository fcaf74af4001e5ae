/*
 * Sandbox VM Manager - Policy Sweep Tests
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/models"
	"github.com/quartzcloud/sandboxd/internal/store"
)

// captureDispatcher records published warnings for assertions.
type captureDispatcher struct {
	mu       sync.Mutex
	warnings []string
}

func (d *captureDispatcher) PublishTransition(ctx context.Context, vmID string, from, to models.VMState, ts time.Time) error {
	return nil
}

func (d *captureDispatcher) PublishWarning(ctx context.Context, vmID, kind, detail string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.warnings = append(d.warnings, kind)
	return nil
}

func (d *captureDispatcher) Close() {}

func (d *captureDispatcher) warningCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.warnings)
}

func newTestSweeper(t *testing.T) (*Sweeper, *Controller, store.Store, *fakeProvider, *captureDispatcher) {
	t.Helper()
	st, err := store.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := newFakeProvider()
	dispatcher := &captureDispatcher{}
	log := logger.GetDefault()
	cfg := testConfig()
	ctrl := NewController(st, fake, nil, dispatcher, cfg, log)
	sweeper := NewSweeper(ctrl, st, dispatcher, cfg, log)
	return sweeper, ctrl, st, fake, dispatcher
}

// backdate rewrites a record's clocks without tripping the forward-only
// activity clamp, by recreating the record. Activity and state-change times
// are set independently so the two policy clocks can be pulled apart.
func backdate(t *testing.T, st store.Store, rec *models.VMRecord, lastActivity, lastChange time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := st.DeleteVM(ctx, rec.ID); err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}
	rec.LastActivityAt = lastActivity
	rec.LastStateChangeAt = lastChange
	if err := st.CreateVM(ctx, rec); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
}

func TestSweepShelvesIdleVM(t *testing.T) {
	sweeper, _, st, fake, _ := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	rec := seedVM(t, st, fake, models.StateActive)
	backdate(t, st, rec, now.Add(-26*24*time.Hour), now.Add(-26*24*time.Hour))
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	got, err := st.GetVM(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != models.StateShelved {
		t.Errorf("state = %s, want SHELVED", got.State)
	}
}

func TestSweepLeavesRecentlyUsedVM(t *testing.T) {
	sweeper, _, st, fake, _ := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	rec := seedVM(t, st, fake, models.StateActive)
	backdate(t, st, rec, now.Add(-24*time.Hour), now.Add(-24*time.Hour))
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if fake.applyCount() != 0 {
		t.Errorf("provider called for a VM inside the idle threshold")
	}
}

func TestSweepSkipsVMWithOperationInFlight(t *testing.T) {
	sweeper, _, st, fake, _ := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	rec := seedVM(t, st, fake, models.StateActive)
	backdate(t, st, rec, now.Add(-26*24*time.Hour), now.Add(-26*24*time.Hour))
	if _, err := st.UpdateVM(ctx, rec.ID, func(r *models.VMRecord) error {
		r.PendingOp = "in-flight"
		r.PendingAction = models.ActionStop
		return nil
	}); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if fake.applyCount() != 0 {
		t.Errorf("sweep raced an in-flight operation")
	}
}

func TestSweepWarnsBeforeRetentionDelete(t *testing.T) {
	sweeper, _, st, fake, dispatcher := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	rec := seedVM(t, st, fake, models.StateShelved)
	backdate(t, st, rec, now.Add(-31*24*time.Hour), now.Add(-31*24*time.Hour))
	sweeper.now = func() time.Time { return now }

	// First pass warns and must not delete.
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if dispatcher.warningCount() != 1 {
		t.Fatalf("warnings = %d, want 1", dispatcher.warningCount())
	}
	got, _ := st.GetVM(ctx, rec.ID)
	if got.State != models.StateShelved {
		t.Fatalf("VM deleted without a warning window, state = %s", got.State)
	}
	if got.DeletionWarnedAt == nil {
		t.Fatal("warning not recorded")
	}

	// Second pass, one notify window later, deletes.
	sweeper.now = func() time.Time { return now.Add(25 * time.Hour) }
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	got, _ = st.GetVM(ctx, rec.ID)
	if got.State != models.StateDeleted {
		t.Errorf("state = %s, want DELETED after warning window", got.State)
	}
}

func TestSweepDoesNotWarnBeforeWindow(t *testing.T) {
	sweeper, _, st, fake, dispatcher := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	rec := seedVM(t, st, fake, models.StateShelved)
	backdate(t, st, rec, now.Add(-28*24*time.Hour), now.Add(-28*24*time.Hour))
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if dispatcher.warningCount() != 0 {
		t.Errorf("warned %d times before the notify window", dispatcher.warningCount())
	}
	got, _ := st.GetVM(ctx, rec.ID)
	if got.DeletionWarnedAt != nil {
		t.Errorf("warning recorded before the notify window")
	}
}

func TestRetentionClockStartsAtSuspension(t *testing.T) {
	sweeper, _, st, fake, dispatcher := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	// Long idle before suspension, but only just shelved: the retention
	// window starts now, so neither a warning nor a delete is due.
	rec := seedVM(t, st, fake, models.StateShelved)
	backdate(t, st, rec, now.Add(-31*24*time.Hour), now.Add(-time.Minute))
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if dispatcher.warningCount() != 0 {
		t.Errorf("warned %d times for a freshly suspended VM", dispatcher.warningCount())
	}

	sweeper.now = func() time.Time { return now.Add(25 * time.Hour) }
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	got, err := st.GetVM(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != models.StateShelved {
		t.Errorf("state = %s, want SHELVED for the full retention window", got.State)
	}
}

func TestSweepLeavesStoppedVM(t *testing.T) {
	sweeper, _, st, fake, _ := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	// Only ACTIVE VMs are subject to idle suspension. A user-stopped VM
	// keeps its state no matter how long it sits.
	rec := seedVM(t, st, fake, models.StateStopped)
	backdate(t, st, rec, now.Add(-26*24*time.Hour), now.Add(-26*24*time.Hour))
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if fake.applyCount() != 0 {
		t.Errorf("provider called for a stopped VM")
	}
	got, _ := st.GetVM(ctx, rec.ID)
	if got.State != models.StateStopped {
		t.Errorf("state = %s, want STOPPED untouched", got.State)
	}
}

func TestSweepPurgesOldTombstones(t *testing.T) {
	sweeper, _, st, fake, _ := newTestSweeper(t)
	ctx := context.Background()
	now := time.Now()

	rec := seedVM(t, st, fake, models.StateDeleted)
	backdate(t, st, rec, now.Add(-31*24*time.Hour), now.Add(-31*24*time.Hour))
	sweeper.now = func() time.Time { return now }

	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if _, err := st.GetVM(ctx, rec.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("tombstone still present: %v", err)
	}
}
