/*
 * Sandbox VM Manager - Reconciliation Sweep Tests
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/quartzcloud/sandboxd/internal/logger"
	"github.com/quartzcloud/sandboxd/internal/models"
	"github.com/quartzcloud/sandboxd/internal/notify"
	"github.com/quartzcloud/sandboxd/internal/provider"
	"github.com/quartzcloud/sandboxd/internal/store"
)

func newTestReconciler(t *testing.T) (*Reconciler, store.Store, *fakeProvider) {
	t.Helper()
	st, err := store.NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fake := newFakeProvider()
	log := logger.GetDefault()
	cfg := testConfig()
	ctrl := NewController(st, fake, nil, notify.NewLogDispatcher(log), cfg, log)
	return NewReconciler(ctrl, st, cfg, log), st, fake
}

// seedStaleOperation leaves a record mid-stop with its marker set, as if the
// requester died after the provider accepted the operation.
func seedStaleOperation(t *testing.T, st store.Store, fake *fakeProvider, changedAt time.Time) *models.VMRecord {
	t.Helper()
	rec := seedVM(t, st, fake, models.StateActive)
	updated, err := st.UpdateVM(context.Background(), rec.ID, func(r *models.VMRecord) error {
		r.PrevState = models.StateActive
		r.PendingOp = "stale-op"
		r.PendingAction = models.ActionStop
		r.State = models.StateStopping
		r.LastStateChangeAt = changedAt
		return nil
	})
	if err != nil {
		t.Fatalf("seed stale operation: %v", err)
	}
	return updated
}

func TestSweepHonorsGracePeriod(t *testing.T) {
	reconciler, st, fake := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now()

	rec := seedStaleOperation(t, st, fake, now)
	fake.setStatus(rec.InstanceID, provider.StatusShutoff)

	// Inside the grace period nothing is touched.
	reconciler.now = func() time.Time { return now }
	if err := reconciler.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	got, _ := st.GetVM(ctx, rec.ID)
	if got.State != models.StateStopping {
		t.Fatalf("sweep resolved an operation inside the grace period")
	}

	// Past the grace period the provider's report decides.
	reconciler.now = func() time.Time { return now.Add(time.Minute) }
	if err := reconciler.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	got, _ = st.GetVM(ctx, rec.ID)
	if got.State != models.StateStopped {
		t.Errorf("state = %s, want STOPPED", got.State)
	}
	if got.PendingOp != "" {
		t.Errorf("marker not cleared")
	}
}

func TestSweepIgnoresStableRecords(t *testing.T) {
	reconciler, st, fake := newTestReconciler(t)
	ctx := context.Background()

	seedVM(t, st, fake, models.StateActive)
	seedVM(t, st, fake, models.StateShelved)

	reconciler.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := reconciler.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if fake.applyCount() != 0 {
		t.Errorf("sweep issued provider operations for stable records")
	}
}

func TestSweepLeavesOperationStillRunning(t *testing.T) {
	reconciler, st, fake := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now()

	rec := seedStaleOperation(t, st, fake, now.Add(-time.Minute))
	// Neither the old status nor the target: the stop is still in progress.
	fake.setStatus(rec.InstanceID, provider.StatusBuild)

	reconciler.now = func() time.Time { return now }
	if err := reconciler.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	got, _ := st.GetVM(ctx, rec.ID)
	if got.State != models.StateStopping || got.PendingOp == "" {
		t.Errorf("sweep resolved an operation the provider still reports as running")
	}
}

func TestSweepResolvesCreateWithoutInstance(t *testing.T) {
	reconciler, st, _ := newTestReconciler(t)
	ctx := context.Background()
	now := time.Now()

	rec := models.NewVMRecord("project-1", models.Descriptor{
		Name: "dev-box", FlavorRef: "m1.small", ImageRef: "ubuntu-24.04",
	}, now.Add(-time.Hour))
	rec.PendingOp = "create-op"
	rec.PendingAction = models.ActionCreate
	rec.LastStateChangeAt = now.Add(-time.Hour)
	if err := st.CreateVM(ctx, rec); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	reconciler.now = func() time.Time { return now }
	if err := reconciler.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	got, _ := st.GetVM(ctx, rec.ID)
	if got.State != models.StateError {
		t.Errorf("state = %s, want ERROR for a create that never reached the provider", got.State)
	}
	if got.PendingOp != "" {
		t.Errorf("marker not cleared")
	}
}
