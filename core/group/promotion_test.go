package group_test

import (
	"context"
	"sync"
	"testing"

	"github.com/mwalimu/grouptool/core/group"
)

func TestServicePromoteNext(t *testing.T) {
	ctx := context.Background()

	t.Run("no-op on empty queue", func(t *testing.T) {
		f := setup(t)
		act := f.createActivity(t)
		ag := f.addActiveGroup(t, act.ID, 10)

		reg, err := f.svc.PromoteNext(ctx, ag.ID)
		if err != nil {
			t.Fatalf("PromoteNext() failed: %v", err)
		}
		if reg != nil {
			t.Errorf("PromoteNext() = %+v, want nil", reg)
		}
	})

	t.Run("no-op on full group", func(t *testing.T) {
		f := setup(t)
		act := f.createActivity(t) // capacity 2
		ag := f.addActiveGroup(t, act.ID, 10)
		f.register(t, act.ID, 10, 1)
		f.register(t, act.ID, 10, 2)
		f.register(t, act.ID, 10, 3) // queued

		reg, err := f.svc.PromoteNext(ctx, ag.ID)
		if err != nil {
			t.Fatalf("PromoteNext() failed: %v", err)
		}
		if reg != nil {
			t.Errorf("PromoteNext() promoted into a full group: %+v", reg)
		}
		if count, _ := f.repo.CountQueue(ctx, ag.ID); count != 1 {
			t.Errorf("queue length = %d, want 1", count)
		}
	})

	t.Run("FIFO within a tier", func(t *testing.T) {
		f := setup(t)
		act := f.createActivity(t, func(na *group.NewActivity) { na.DefaultCapacity = 1 })
		ag := f.addActiveGroup(t, act.ID, 10)
		f.register(t, act.ID, 10, 1) // fills the group
		f.register(t, act.ID, 10, 2) // queued first
		f.register(t, act.ID, 10, 3) // queued second

		if err := f.svc.Unregister(ctx, act.ID, 10, 1); err != nil {
			t.Fatalf("Unregister() failed: %v", err)
		}
		if _, err := f.repo.GetRegistration(ctx, ag.ID, 2); err != nil {
			t.Errorf("user 2 (queue head) was not promoted: %v", err)
		}
		if _, err := f.repo.GetRegistration(ctx, ag.ID, 3); errCause(err) != group.ErrNotFound {
			t.Errorf("user 3 promoted out of order")
		}
	})

	t.Run("both under limit falls back to FIFO", func(t *testing.T) {
		f := setup(t)
		act := f.createActivity(t, func(na *group.NewActivity) {
			na.DefaultCapacity = 1
			na.AllowMultiple = true
			na.ChooseMax = 2
		})
		agA := f.addActiveGroup(t, act.ID, 10)
		f.addActiveGroup(t, act.ID, 11)

		f.register(t, act.ID, 11, 1)  // user 1 holds one seat, limit is 2
		f.register(t, act.ID, 10, 99) // fills group A
		f.register(t, act.ID, 10, 1)  // 1 queued first
		f.register(t, act.ID, 10, 2)  // 2 queued second, holds nothing

		if err := f.svc.Unregister(ctx, act.ID, 10, 99); err != nil {
			t.Fatalf("Unregister() failed: %v", err)
		}
		if _, err := f.repo.GetRegistration(ctx, agA.ID, 1); err != nil {
			t.Errorf("user 1 (under limit, queue head) was not promoted: %v", err)
		}
	})

	t.Run("user at limit is passed over", func(t *testing.T) {
		f := setup(t)
		act := f.createActivity(t, func(na *group.NewActivity) { na.DefaultCapacity = 1 })
		// limit is 1 registration per user
		agA := f.addActiveGroup(t, act.ID, 10)
		agB := f.addActiveGroup(t, act.ID, 11)
		_ = agB

		f.register(t, act.ID, 10, 9) // fills group A
		f.register(t, act.ID, 10, 1) // 1 queued first on A
		f.register(t, act.ID, 10, 2) // 2 queued second on A
		f.register(t, act.ID, 11, 1) // 1 takes a seat in B: now at limit

		if err := f.svc.Unregister(ctx, act.ID, 10, 9); err != nil {
			t.Fatalf("Unregister() failed: %v", err)
		}
		// user 1 is at their activity limit; user 2 gets the seat
		if _, err := f.repo.GetRegistration(ctx, agA.ID, 2); err != nil {
			t.Errorf("user 2 was not promoted over at-limit user 1: %v", err)
		}
	})

	t.Run("promoted user's other queue entries purged at limit", func(t *testing.T) {
		f := setup(t)
		act := f.createActivity(t, func(na *group.NewActivity) { na.DefaultCapacity = 1 })
		f.addActiveGroup(t, act.ID, 10)
		agB := f.addActiveGroup(t, act.ID, 11)

		f.register(t, act.ID, 10, 9) // fills group A
		f.register(t, act.ID, 10, 1) // 1 queued on A
		f.register(t, act.ID, 11, 8) // fills group B
		f.register(t, act.ID, 11, 1) // 1 queued on B

		if err := f.svc.Unregister(ctx, act.ID, 10, 9); err != nil {
			t.Fatalf("Unregister() failed: %v", err)
		}
		// user 1 got A's seat and is at their limit; their B entry is gone
		if count, _ := f.repo.CountQueue(ctx, agB.ID); count != 0 {
			t.Errorf("queue length on B = %d, want 0", count)
		}
	})

	t.Run("concurrent promotions fill one vacancy once", func(t *testing.T) {
		f := setup(t)
		act := f.createActivity(t, func(na *group.NewActivity) { na.DefaultCapacity = 1 })
		ag := f.addActiveGroup(t, act.ID, 10)
		f.register(t, act.ID, 10, 9) // fills the group
		f.register(t, act.ID, 10, 1) // queued
		f.register(t, act.ID, 10, 2) // queued

		// open the single vacancy without triggering a promotion
		reg, err := f.repo.GetRegistration(ctx, ag.ID, 9)
		if err != nil {
			t.Fatalf("GetRegistration() failed: %v", err)
		}
		if err = f.repo.DeleteRegistration(ctx, reg.ID); err != nil {
			t.Fatalf("DeleteRegistration() failed: %v", err)
		}

		promoted := make(chan *group.Registration, 2)
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				got, err := f.svc.PromoteNext(ctx, ag.ID)
				if err != nil {
					t.Errorf("PromoteNext() failed: %v", err)
				}
				promoted <- got
			}()
		}
		wg.Wait()
		close(promoted)

		var n int
		for got := range promoted {
			if got != nil {
				n++
			}
		}
		if n != 1 {
			t.Errorf("concurrent PromoteNext() promoted %d candidates, want 1", n)
		}
		if count, _ := f.repo.CountRegistrations(ctx, ag.ID); count != 1 {
			t.Errorf("registrations = %d, want 1", count)
		}
		if count, _ := f.repo.CountQueue(ctx, ag.ID); count != 1 {
			t.Errorf("queue length = %d, want 1", count)
		}
	})

	t.Run("promotion notifies and syncs", func(t *testing.T) {
		f := setup(t)
		act := f.createActivity(t, func(na *group.NewActivity) {
			na.DefaultCapacity = 1
			na.ImmediateSync = true
		})
		f.addActiveGroup(t, act.ID, 10)
		f.register(t, act.ID, 10, 1)
		f.register(t, act.ID, 10, 2) // queued

		if err := f.svc.Unregister(ctx, act.ID, 10, 1); err != nil {
			t.Fatalf("Unregister() failed: %v", err)
		}
		if !f.roster.hasMember(10, 2) {
			t.Error("promoted user 2 not pushed to roster")
		}

		addrs := f.mail.sentTo()
		if len(addrs) != 1 || addrs[0] != "user2@test.cd" {
			t.Errorf("notification recipients = %v, want [user2@test.cd]", addrs)
		}
		if tmpl := f.mail.sent[0].TemplateName; tmpl != "promoted" {
			t.Errorf("TemplateName = %q, want %q", tmpl, "promoted")
		}
	})
}

func TestServiceFillVacancies(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	act := f.createActivity(t, func(na *group.NewActivity) { na.DefaultCapacity = 1 })
	ag := f.addActiveGroup(t, act.ID, 10)
	f.register(t, act.ID, 10, 1)
	f.register(t, act.ID, 10, 2) // queued
	f.register(t, act.ID, 10, 3) // queued

	// growing the group promotes everybody waiting
	if _, err := f.svc.Resize(ctx, ag.ID, intPtr(5)); err != nil {
		t.Fatalf("Resize() failed: %v", err)
	}
	if count, _ := f.repo.CountRegistrations(ctx, ag.ID); count != 3 {
		t.Errorf("registrations = %d, want 3", count)
	}
	if count, _ := f.repo.CountQueue(ctx, ag.ID); count != 0 {
		t.Errorf("queue length = %d, want 0", count)
	}
}

func intPtr(v int) *int { return &v }
