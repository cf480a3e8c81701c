package group_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
)

func TestServiceActivityCRUD(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	act, err := f.svc.CreateActivity(ctx, group.NewActivity{
		CourseID: 7,
		Name:     "Project work",
	})
	if err != nil {
		t.Fatalf("CreateActivity() failed: %v", err)
	}
	if act.DeletionPolicy != group.DeletionPolicyDelete {
		t.Errorf("DeletionPolicy = %q, want default %q", act.DeletionPolicy, group.DeletionPolicyDelete)
	}

	choose := 3
	multi := true
	act, err = f.svc.UpdateActivity(ctx, act.ID, group.UpdateActivity{
		Name:          "Project work v2",
		ChooseMax:     &choose,
		AllowMultiple: &multi,
	})
	if err != nil {
		t.Fatalf("UpdateActivity() failed: %v", err)
	}
	if act.Name != "Project work v2" || act.MaxRegistrations() != 3 {
		t.Errorf("UpdateActivity() = %+v, want renamed activity with limit 3", act)
	}

	activities, err := f.svc.ListActivities(ctx, 7)
	if err != nil {
		t.Fatalf("ListActivities() failed: %v", err)
	}
	if len(activities) != 1 {
		t.Errorf("ListActivities() returned %d, want 1", len(activities))
	}

	if err = f.svc.DeleteActivity(ctx, act.ID); err != nil {
		t.Fatalf("DeleteActivity() failed: %v", err)
	}
	if _, err = f.svc.GetActivity(ctx, act.ID); errCause(err) != group.ErrNotFound {
		t.Errorf("GetActivity() error = %v, want %v", err, group.ErrNotFound)
	}
}

func TestServiceAddGroup(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	act := f.createActivity(t)

	ag1, err := f.svc.AddGroup(ctx, act.ID, 10)
	if err != nil {
		t.Fatalf("AddGroup() failed: %v", err)
	}
	if ag1.Active {
		t.Error("AddGroup() created an active group, want inactive")
	}
	if ag1.SortOrder != 1 {
		t.Errorf("SortOrder = %d, want 1", ag1.SortOrder)
	}

	ag2, err := f.svc.AddGroup(ctx, act.ID, 11)
	if err != nil {
		t.Fatalf("AddGroup() failed: %v", err)
	}
	if ag2.SortOrder != 2 {
		t.Errorf("SortOrder = %d, want 2", ag2.SortOrder)
	}

	// idempotent
	again, err := f.svc.AddGroup(ctx, act.ID, 10)
	if err != nil {
		t.Fatalf("AddGroup() failed: %v", err)
	}
	if again.ID != ag1.ID {
		t.Errorf("AddGroup() = %+v, want existing record %d", again, ag1.ID)
	}
}

func TestServiceReorder(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	act := f.createActivity(t)
	ag1 := f.addActiveGroup(t, act.ID, 10)
	ag2 := f.addActiveGroup(t, act.ID, 11)
	ag3 := f.addActiveGroup(t, act.ID, 12)

	if err := f.svc.Reorder(ctx, act.ID, []int{ag3.ID, ag1.ID, ag2.ID}); err != nil {
		t.Fatalf("Reorder() failed: %v", err)
	}
	groups, err := f.repo.ListActiveGroups(ctx, act.ID)
	if err != nil {
		t.Fatalf("ListActiveGroups() failed: %v", err)
	}
	wantIDs := []int{ag3.ID, ag1.ID, ag2.ID}
	for i, ag := range groups {
		if ag.ID != wantIDs[i] {
			t.Errorf("position %d: got group %d, want %d", i, ag.ID, wantIDs[i])
		}
		if ag.SortOrder != i+1 {
			t.Errorf("group %d: SortOrder = %d, want %d", ag.ID, ag.SortOrder, i+1)
		}
	}

	// invalid permutations
	for _, ids := range [][]int{
		{ag1.ID, ag2.ID},                // missing one
		{ag1.ID, ag2.ID, ag2.ID},        // duplicate
		{ag1.ID, ag2.ID, ag3.ID, ag3.ID}, // extra
		{ag1.ID, ag2.ID, 9999},          // unknown
	} {
		err = f.svc.Reorder(ctx, act.ID, ids)
		if _, ok := errCause(err).(*core.ValidationError); !ok {
			t.Errorf("Reorder(%v) error = %v, want validation error", ids, err)
		}
	}
}

func TestServiceSwapOrder(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	act := f.createActivity(t)
	ag1 := f.addActiveGroup(t, act.ID, 10)
	ag2 := f.addActiveGroup(t, act.ID, 11)

	if err := f.svc.SwapOrder(ctx, act.ID, ag1.ID, ag2.ID); err != nil {
		t.Fatalf("SwapOrder() failed: %v", err)
	}
	a, _ := f.repo.GetActiveGroup(ctx, ag1.ID)
	b, _ := f.repo.GetActiveGroup(ctx, ag2.ID)
	if a.SortOrder != 2 || b.SortOrder != 1 {
		t.Errorf("SwapOrder() orders = %d,%d want 2,1", a.SortOrder, b.SortOrder)
	}

	other := f.createActivity(t)
	foreign := f.addActiveGroup(t, other.ID, 20)
	err := f.svc.SwapOrder(ctx, act.ID, ag1.ID, foreign.ID)
	if _, ok := errCause(err).(*core.ValidationError); !ok {
		t.Errorf("SwapOrder() error = %v, want validation error", err)
	}
}

func TestServiceResize(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	act := f.createActivity(t) // capacity 2
	ag := f.addActiveGroup(t, act.ID, 10)
	f.register(t, act.ID, 10, 1)
	f.register(t, act.ID, 10, 2)

	// shrinking below the registration count is rejected
	if _, err := f.svc.Resize(ctx, ag.ID, intPtr(1)); errCause(err) != group.ErrTooManyRegistrations {
		t.Errorf("Resize() error = %v, want %v", err, group.ErrTooManyRegistrations)
	}

	got, err := f.svc.Resize(ctx, ag.ID, intPtr(3))
	if err != nil {
		t.Fatalf("Resize() failed: %v", err)
	}
	if got.Capacity == nil || *got.Capacity != 3 {
		t.Errorf("Resize() capacity = %v, want 3", got.Capacity)
	}

	// clearing the override falls back to the default (2 < registered... still 2 registered, ok)
	if _, err = f.svc.Resize(ctx, ag.ID, nil); err != nil {
		t.Fatalf("Resize(nil) failed: %v", err)
	}
	refreshed, _ := f.repo.GetActiveGroup(ctx, ag.ID)
	if refreshed.Capacity != nil {
		t.Errorf("capacity override = %v, want cleared", refreshed.Capacity)
	}
}

func TestServiceResizeZeroClearsOverride(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	act := f.createActivity(t) // capacity 2
	ag := f.addActiveGroup(t, act.ID, 10)
	if _, err := f.svc.Resize(ctx, ag.ID, intPtr(5)); err != nil {
		t.Fatalf("Resize() failed: %v", err)
	}
	for _, userID := range []int{1, 2, 3, 4} {
		f.register(t, act.ID, 10, userID)
	}

	// zero means "no override", not unlimited: four registrations against a
	// default of two reject the resize and leave the override untouched
	if _, err := f.svc.Resize(ctx, ag.ID, intPtr(0)); errCause(err) != group.ErrTooManyRegistrations {
		t.Errorf("Resize(0) error = %v, want %v", err, group.ErrTooManyRegistrations)
	}
	refreshed, _ := f.repo.GetActiveGroup(ctx, ag.ID)
	if refreshed.Capacity == nil || *refreshed.Capacity != 5 {
		t.Errorf("capacity after rejected Resize(0) = %v, want untouched 5", refreshed.Capacity)
	}

	// back under the default, zero clears the override like nil does
	for _, userID := range []int{3, 4} {
		if err := f.svc.Unregister(ctx, act.ID, 10, userID); err != nil {
			t.Fatalf("Unregister() failed: %v", err)
		}
	}
	if _, err := f.svc.Resize(ctx, ag.ID, intPtr(0)); err != nil {
		t.Fatalf("Resize(0) failed: %v", err)
	}
	refreshed, _ = f.repo.GetActiveGroup(ctx, ag.ID)
	if refreshed.Capacity != nil {
		t.Errorf("capacity override = %v, want cleared", refreshed.Capacity)
	}
}

func TestServiceOverview(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	act := f.createActivity(t) // capacity 2
	f.addActiveGroup(t, act.ID, 10)
	f.addActiveGroup(t, act.ID, 11)
	f.register(t, act.ID, 10, 1)
	f.register(t, act.ID, 10, 2)
	f.register(t, act.ID, 10, 3) // queued

	summaries, err := f.svc.Overview(ctx, act.ID)
	if err != nil {
		t.Fatalf("Overview() failed: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("Overview() returned %d groups, want 2", len(summaries))
	}
	if summaries[0].Registered != 2 || summaries[0].Queued != 1 {
		t.Errorf("group 10 occupancy = %d/%d, want 2 registered 1 queued",
			summaries[0].Registered, summaries[0].Queued)
	}
	if summaries[1].Registered != 0 || summaries[1].Queued != 0 {
		t.Errorf("group 11 occupancy = %d/%d, want empty", summaries[1].Registered, summaries[1].Queued)
	}
}

func TestServiceExportRoster(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	act := f.createActivity(t) // capacity 2
	f.addActiveGroup(t, act.ID, 10)
	f.register(t, act.ID, 10, 1)
	f.register(t, act.ID, 10, 2)
	f.register(t, act.ID, 10, 3) // queued

	var buf bytes.Buffer
	if err := f.svc.ExportRoster(ctx, &buf, act.ID); err != nil {
		t.Fatalf("ExportRoster() failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 { // header + 2 registrations + 1 queued
		t.Fatalf("ExportRoster() wrote %d lines, want 4:\n%s", len(lines), buf.String())
	}
	if lines[0] != "group_id,group_name,user_id,status,registered_by" {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[3], "queued #1") {
		t.Errorf("queue row = %q, want queued #1 marker", lines[3])
	}
	if !strings.Contains(lines[1], "Group 10") {
		t.Errorf("row = %q, want resolved group name", lines[1])
	}
}
