/*
 * Sandbox VM Manager - Badger Store Tests
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quartzcloud/sandboxd/internal/models"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	st, err := NewBadgerStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBadgerStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testRecord(now time.Time) *models.VMRecord {
	return models.NewVMRecord("project-1", models.Descriptor{
		Name:      "dev-box",
		FlavorRef: "m1.small",
		ImageRef:  "ubuntu-24.04",
	}, now)
}

func TestCreateAndGetVM(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := testRecord(time.Now())

	if err := st.CreateVM(ctx, rec); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if err := st.CreateVM(ctx, rec); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate CreateVM: got %v, want ErrExists", err)
	}

	got, err := st.GetVM(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != models.StateProvisioning {
		t.Errorf("state = %s, want %s", got.State, models.StateProvisioning)
	}
	if got.ProjectID != "project-1" {
		t.Errorf("project = %s, want project-1", got.ProjectID)
	}

	if _, err := st.GetVM(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetVM missing: got %v, want ErrNotFound", err)
	}
}

func TestUpdateVMMutateErrorAborts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := testRecord(time.Now())
	if err := st.CreateVM(ctx, rec); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	boom := errors.New("boom")
	_, err := st.UpdateVM(ctx, rec.ID, func(r *models.VMRecord) error {
		r.State = models.StateError
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("UpdateVM: got %v, want mutate error surfaced", err)
	}

	got, err := st.GetVM(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.State != models.StateProvisioning {
		t.Errorf("state changed despite aborted mutation: %s", got.State)
	}
}

func TestInstanceIDIsWriteOnce(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := testRecord(time.Now())
	if err := st.CreateVM(ctx, rec); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if _, err := st.UpdateVM(ctx, rec.ID, func(r *models.VMRecord) error {
		r.InstanceID = "instance-a"
		return nil
	}); err != nil {
		t.Fatalf("first instance id write: %v", err)
	}

	_, err := st.UpdateVM(ctx, rec.ID, func(r *models.VMRecord) error {
		r.InstanceID = "instance-b"
		return nil
	})
	if !errors.Is(err, ErrInstanceIDImmutable) {
		t.Fatalf("second instance id write: got %v, want ErrInstanceIDImmutable", err)
	}
}

func TestActivityNeverMovesBackward(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	rec := testRecord(now)
	if err := st.CreateVM(ctx, rec); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	later := now.Add(time.Hour)
	if err := st.TouchActivity(ctx, rec.ID, later); err != nil {
		t.Fatalf("TouchActivity forward: %v", err)
	}
	if err := st.TouchActivity(ctx, rec.ID, now.Add(-time.Hour)); err != nil {
		t.Fatalf("TouchActivity backward: %v", err)
	}

	got, err := st.GetVM(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if !got.LastActivityAt.Equal(later) {
		t.Errorf("LastActivityAt = %v, want %v", got.LastActivityAt, later)
	}
}

func TestListVMsByState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	states := []models.VMState{models.StateActive, models.StateActive, models.StateShelved, models.StateStopped}
	for _, state := range states {
		rec := testRecord(now)
		rec.State = state
		if err := st.CreateVM(ctx, rec); err != nil {
			t.Fatalf("CreateVM: %v", err)
		}
	}

	active, err := st.ListVMsByState(ctx, models.StateActive)
	if err != nil {
		t.Fatalf("ListVMsByState: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("active count = %d, want 2", len(active))
	}

	all, err := st.ListVMs(ctx)
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("total count = %d, want 4", len(all))
	}
}

func TestEventsOrderedByTime(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, outcome := range []models.EventOutcome{models.OutcomeStarted, models.OutcomeSucceeded} {
		ev := models.NewLifecycleEvent("vm-1", models.ActionStop, models.StateActive, models.StateStopped,
			outcome, models.ActorUser, base.Add(time.Duration(i)*time.Second))
		if err := st.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	// An event for another VM must not leak into the listing.
	other := models.NewLifecycleEvent("vm-2", models.ActionStart, models.StateStopped, models.StateActive,
		models.OutcomeStarted, models.ActorUser, base)
	if err := st.AppendEvent(ctx, other); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := st.ListEvents(ctx, "vm-1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("event count = %d, want 2", len(events))
	}
	if events[0].Outcome != models.OutcomeStarted || events[1].Outcome != models.OutcomeSucceeded {
		t.Errorf("events out of order: %s then %s", events[0].Outcome, events[1].Outcome)
	}
}

func TestConcurrentUpdatesAllApply(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rec := testRecord(time.Now())
	if err := st.CreateVM(ctx, rec); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.UpdateVM(ctx, rec.ID, func(r *models.VMRecord) error {
				r.Version++
				return nil
			})
			if err != nil {
				t.Errorf("UpdateVM: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := st.GetVM(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if got.Version != rec.Version+workers {
		t.Errorf("version = %d, want %d", got.Version, rec.Version+workers)
	}
}
