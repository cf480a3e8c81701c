package group_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
)

func newEvent(kind group.EventKind, mutate ...func(*group.RosterEvent)) group.RosterEvent {
	ev := group.RosterEvent{
		ID:         uuid.New(),
		Kind:       kind,
		CourseID:   1,
		OccurredAt: time.Now().UTC(),
	}
	for _, m := range mutate {
		m(&ev)
	}
	return ev
}

func TestReconcilerUnknownKind(t *testing.T) {
	f := setup(t)
	rec := group.NewReconciler(f.svc)

	err := rec.Apply(context.Background(), newEvent("memberSneezed"))
	if _, ok := errCause(err).(*core.ValidationError); !ok {
		t.Errorf("Apply() error = %v, want validation error", err)
	}
}

func TestReconcilerGroupCreated(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	rec := group.NewReconciler(f.svc)

	act1 := f.createActivity(t)
	act2 := f.createActivity(t)

	ev := newEvent(group.EventGroupCreated, func(ev *group.RosterEvent) { ev.GroupID = 10 })
	if err := rec.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	for _, act := range []group.Activity{act1, act2} {
		ag, err := f.repo.FindActiveGroup(ctx, 10, act.ID)
		if err != nil {
			t.Errorf("group 10 not added to activity %d: %v", act.ID, err)
			continue
		}
		if ag.Active {
			t.Errorf("activity %d: new group is active, want inactive", act.ID)
		}
	}

	// redelivery is a no-op
	if err := rec.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply() redelivery failed: %v", err)
	}
	groups, _ := f.repo.ListActiveGroups(ctx, act1.ID)
	if len(groups) != 1 {
		t.Errorf("activity %d has %d groups after redelivery, want 1", act1.ID, len(groups))
	}
}

func TestReconcilerGroupDeleted(t *testing.T) {
	ctx := context.Background()

	t.Run("delete policy drops the reference", func(t *testing.T) {
		f := setup(t)
		rec := group.NewReconciler(f.svc)
		act := f.createActivity(t) // DeletionPolicyDelete
		ag := f.addActiveGroup(t, act.ID, 10)
		f.register(t, act.ID, 10, 1)

		ev := newEvent(group.EventGroupDeleted, func(ev *group.RosterEvent) {
			ev.GroupID = 10
			ev.Group = group.RosterGroup{Name: "Group 10"}
		})
		if err := rec.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}

		if _, err := f.repo.GetActiveGroup(ctx, ag.ID); errCause(err) != group.ErrNotFound {
			t.Errorf("active group survived delete policy: %v", err)
		}
	})

	t.Run("recreate policy recreates once across activities", func(t *testing.T) {
		f := setup(t)
		rec := group.NewReconciler(f.svc)
		recreate := func(na *group.NewActivity) { na.DeletionPolicy = string(group.DeletionPolicyRecreate) }
		act1 := f.createActivity(t, recreate)
		act2 := f.createActivity(t, recreate)
		ag1 := f.addActiveGroup(t, act1.ID, 10)
		ag2 := f.addActiveGroup(t, act2.ID, 10)

		ev := newEvent(group.EventGroupDeleted, func(ev *group.RosterEvent) {
			ev.GroupID = 10
			ev.Group = group.RosterGroup{Name: "Group 10", Description: "the regulars"}
		})
		if err := rec.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}

		re1, err := f.repo.GetActiveGroup(ctx, ag1.ID)
		if err != nil {
			t.Fatalf("GetActiveGroup() failed: %v", err)
		}
		re2, err := f.repo.GetActiveGroup(ctx, ag2.ID)
		if err != nil {
			t.Fatalf("GetActiveGroup() failed: %v", err)
		}
		if re1.GroupID == 10 || re2.GroupID == 10 {
			t.Error("references still point at the deleted group")
		}
		if re1.GroupID != re2.GroupID {
			t.Errorf("recreated twice: %d vs %d, want one shared group", re1.GroupID, re2.GroupID)
		}
		if rg, err := f.roster.GetGroup(ctx, re1.GroupID); err != nil || rg.Name != "Group 10" {
			t.Errorf("recreated group = %+v (%v), want name carried over", rg, err)
		}

		// redelivered event must not recreate again
		if err := rec.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply() redelivery failed: %v", err)
		}
		again, _ := f.repo.GetActiveGroup(ctx, ag1.ID)
		if again.GroupID != re1.GroupID {
			t.Errorf("redelivery re-pointed the reference: %d, want %d", again.GroupID, re1.GroupID)
		}
	})
}

func TestReconcilerMemberAdded(t *testing.T) {
	ctx := context.Background()

	t.Run("mirrored into following activities", func(t *testing.T) {
		f := setup(t)
		rec := group.NewReconciler(f.svc)
		act := f.createActivity(t, func(na *group.NewActivity) { na.FollowChanges = true })
		ag := f.addActiveGroup(t, act.ID, 10)

		ev := newEvent(group.EventMemberAdded, func(ev *group.RosterEvent) {
			ev.GroupID = 10
			ev.UserID = 7
		})
		if err := rec.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}

		reg, err := f.repo.GetRegistration(ctx, ag.ID, 7)
		if err != nil {
			t.Fatalf("member not mirrored: %v", err)
		}
		if !reg.Synced() {
			t.Errorf("RegisteredBy = %d, want sync sentinel", reg.RegisteredBy)
		}
	})

	t.Run("not following means no mirror", func(t *testing.T) {
		f := setup(t)
		rec := group.NewReconciler(f.svc)
		act := f.createActivity(t)
		ag := f.addActiveGroup(t, act.ID, 10)

		ev := newEvent(group.EventMemberAdded, func(ev *group.RosterEvent) {
			ev.GroupID = 10
			ev.UserID = 7
		})
		if err := rec.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
		if _, err := f.repo.GetRegistration(ctx, ag.ID, 7); errCause(err) != group.ErrNotFound {
			t.Error("member mirrored despite FollowChanges off")
		}
	})

	t.Run("full group skips the mirror", func(t *testing.T) {
		f := setup(t)
		rec := group.NewReconciler(f.svc)
		act := f.createActivity(t, func(na *group.NewActivity) {
			na.FollowChanges = true
			na.DefaultCapacity = 1
		})
		ag := f.addActiveGroup(t, act.ID, 10)
		f.register(t, act.ID, 10, 1)

		ev := newEvent(group.EventMemberAdded, func(ev *group.RosterEvent) {
			ev.GroupID = 10
			ev.UserID = 7
		})
		if err := rec.Apply(ctx, ev); err != nil {
			t.Fatalf("Apply() failed: %v", err)
		}
		if count, _ := f.repo.CountRegistrations(ctx, ag.ID); count != 1 {
			t.Errorf("registrations = %d, want capacity-bound 1", count)
		}
	})
}

func TestReconcilerMemberRemoved(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	rec := group.NewReconciler(f.svc)
	act := f.createActivity(t, func(na *group.NewActivity) {
		na.FollowChanges = true
		na.DefaultCapacity = 1
	})
	ag := f.addActiveGroup(t, act.ID, 10)
	f.register(t, act.ID, 10, 1)
	f.register(t, act.ID, 10, 2) // queued

	ev := newEvent(group.EventMemberRemoved, func(ev *group.RosterEvent) {
		ev.GroupID = 10
		ev.UserID = 1
	})
	if err := rec.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	if _, err := f.repo.GetRegistration(ctx, ag.ID, 1); errCause(err) != group.ErrNotFound {
		t.Error("removed member still registered")
	}
	if _, err := f.repo.GetRegistration(ctx, ag.ID, 2); err != nil {
		t.Errorf("queued user 2 was not promoted: %v", err)
	}
}

func TestReconcilerAllMembersRemoved(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	rec := group.NewReconciler(f.svc)
	act := f.createActivity(t, func(na *group.NewActivity) {
		na.FollowChanges = true
		na.DefaultCapacity = 1
	})
	agA := f.addActiveGroup(t, act.ID, 10)
	agB := f.addActiveGroup(t, act.ID, 11)
	f.register(t, act.ID, 10, 1)
	f.register(t, act.ID, 10, 2) // queued on A
	f.register(t, act.ID, 11, 3)

	ev := newEvent(group.EventAllMembersRemoved)
	if err := rec.Apply(ctx, ev); err != nil {
		t.Fatalf("Apply() failed: %v", err)
	}

	// registrations wiped, then queues refilled the vacancies
	if _, err := f.repo.GetRegistration(ctx, agA.ID, 2); err != nil {
		t.Errorf("queued user 2 did not get the freed seat: %v", err)
	}
	if count, _ := f.repo.CountRegistrations(ctx, agB.ID); count != 0 {
		t.Errorf("group B registrations = %d, want 0", count)
	}
	if count, _ := f.repo.CountQueue(ctx, agA.ID); count != 0 {
		t.Errorf("group A queue = %d, want 0", count)
	}
}
