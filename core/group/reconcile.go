package group

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/mwalimu/grouptool/core"
)

// EventKind names an external roster change.
type EventKind string

const (
	EventGroupCreated      EventKind = "groupCreated"
	EventGroupDeleted      EventKind = "groupDeleted"
	EventMemberAdded       EventKind = "memberAdded"
	EventMemberRemoved     EventKind = "memberRemoved"
	EventAllMembersRemoved EventKind = "allMembersRemoved"
)

// RosterEvent is a roster-change notification received from the host.
type RosterEvent struct {
	ID         uuid.UUID   `json:"id"`
	Kind       EventKind   `json:"kind"`
	CourseID   int         `json:"course_id"`
	GroupID    int         `json:"group_id,omitempty"`
	UserID     int         `json:"user_id,omitempty"`
	Group      RosterGroup `json:"group,omitempty"` // descriptive data, set on groupDeleted
	OccurredAt time.Time   `json:"occurred_at"`
}

// Reconciler keeps ActiveGroup records consistent with external roster
// changes. Destructive events are deduplicated by event id so a redelivered
// groupDeleted recreates its group at most once.
type Reconciler struct {
	svc *Service

	mu   sync.Mutex
	seen map[uuid.UUID]struct{}
}

func NewReconciler(svc *Service) *Reconciler {
	return &Reconciler{
		svc:  svc,
		seen: make(map[uuid.UUID]struct{}),
	}
}

func (rec *Reconciler) Apply(ctx context.Context, ev RosterEvent) error {
	switch ev.Kind {
	case EventGroupCreated:
		return rec.groupCreated(ctx, ev)
	case EventGroupDeleted:
		return rec.groupDeleted(ctx, ev)
	case EventMemberAdded:
		return rec.memberAdded(ctx, ev)
	case EventMemberRemoved:
		return rec.memberRemoved(ctx, ev)
	case EventAllMembersRemoved:
		return rec.allMembersRemoved(ctx, ev)
	}
	return core.NewValidationError(errors.Errorf("unknown event kind %q", ev.Kind))
}

// groupCreated registers the new group with every activity of the course,
// inactive and appended at the end of the sort order. Re-observing a known
// group is a no-op.
func (rec *Reconciler) groupCreated(ctx context.Context, ev RosterEvent) error {
	activities, err := rec.svc.repo.ListActivities(ctx, ev.CourseID)
	if err != nil {
		return errors.Wrap(err, "listing course activities")
	}
	for _, act := range activities {
		if _, err = rec.svc.AddGroup(ctx, act.ID, ev.GroupID); err != nil {
			return errors.Wrapf(err, "adding group to activity %d", act.ID)
		}
	}
	return nil
}

// groupDeleted applies each referencing activity's deletion policy: recreate
// makes a fresh external group (once per deletion event, shared by all
// recreating activities) and re-points references at it; delete drops the
// reference with its registrations and queue.
func (rec *Reconciler) groupDeleted(ctx context.Context, ev RosterEvent) error {
	if !rec.markSeen(ev.ID) {
		return nil
	}

	refs, err := rec.svc.repo.ListGroupRefs(ctx, ev.GroupID)
	if err != nil {
		return errors.Wrap(err, "listing group references")
	}

	var recreated *RosterGroup
	for _, ref := range refs {
		act, err := rec.svc.repo.GetActivity(ctx, ref.ActivityID)
		if err != nil {
			return errors.Wrap(err, "getting activity")
		}

		switch act.DeletionPolicy {
		case DeletionPolicyRecreate:
			if recreated == nil {
				g, err := rec.svc.roster.CreateGroup(ctx, RosterGroup{
					CourseID:    ev.CourseID,
					Name:        ev.Group.Name,
					Description: ev.Group.Description,
				})
				if err != nil {
					return errors.Wrap(err, "recreating external group")
				}
				recreated = &g
			}
			ref.GroupID = recreated.ID
			ref.UpdatedAt = time.Now().UTC()
			if _, err = rec.svc.repo.UpdateActiveGroup(ctx, ref); err != nil {
				return errors.Wrap(err, "re-pointing active group")
			}
			if act.ImmediateSync {
				regs, err := rec.svc.repo.ListRegistrations(ctx, ref.ID)
				if err != nil {
					return errors.Wrap(err, "listing registrations")
				}
				for _, reg := range regs {
					rec.svc.pushMember(ctx, recreated.ID, reg.UserID)
				}
			}
		default: // DeletionPolicyDelete
			if err = rec.svc.repo.DeleteActiveGroup(ctx, ref.ID); err != nil {
				return errors.Wrap(err, "deleting active group")
			}
		}
	}
	return nil
}

// memberAdded mirrors an external membership into activities that follow
// roster changes and have the group active. The registration carries the sync
// sentinel: no accountable moderator.
func (rec *Reconciler) memberAdded(ctx context.Context, ev RosterEvent) error {
	refs, err := rec.svc.repo.ListGroupRefs(ctx, ev.GroupID)
	if err != nil {
		return errors.Wrap(err, "listing group references")
	}

	for _, ref := range refs {
		act, err := rec.svc.repo.GetActivity(ctx, ref.ActivityID)
		if err != nil {
			return errors.Wrap(err, "getting activity")
		}
		if !act.FollowChanges || !ref.Active {
			continue
		}

		ref := ref
		err = core.Atomic(ctx, rec.svc.db, func(tx core.DBTransactor) error {
			if _, err := rec.svc.repo.GetRegistration(ctx, ref.ID, ev.UserID, tx); err == nil {
				return nil
			} else if errors.Cause(err) != ErrNotFound {
				return errors.Wrap(err, "checking existing registration")
			}

			ag, err := rec.svc.repo.LockActiveGroup(ctx, ref.ID, tx)
			if err != nil {
				return errors.Wrap(err, "locking active group")
			}
			count, err := rec.svc.repo.CountRegistrations(ctx, ag.ID, tx)
			if err != nil {
				return errors.Wrap(err, "counting registrations")
			}
			if !CanRegister(act, ag, count) {
				// the roster outgrew the activity's limit; keep the capacity
				// invariant and leave the member unmirrored.
				rec.svc.logger.Warn("skipping roster member, group is full",
					map[string]interface{}{"activeGroup": ag.ID, "user": ev.UserID})
				return nil
			}
			_, err = rec.svc.repo.CreateRegistration(ctx, Registration{
				ActiveGroupID: ag.ID,
				UserID:        ev.UserID,
				RegisteredBy:  RegisteredBySync,
				CreatedAt:     time.Now().UTC(),
			}, tx)
			return errors.Wrap(err, "creating registration")
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// memberRemoved drops the user's registration in following activities; each
// removal is precisely one vacancy, so each triggers one promotion.
func (rec *Reconciler) memberRemoved(ctx context.Context, ev RosterEvent) error {
	refs, err := rec.svc.repo.ListGroupRefs(ctx, ev.GroupID)
	if err != nil {
		return errors.Wrap(err, "listing group references")
	}

	for _, ref := range refs {
		act, err := rec.svc.repo.GetActivity(ctx, ref.ActivityID)
		if err != nil {
			return errors.Wrap(err, "getting activity")
		}
		if !act.FollowChanges {
			continue
		}

		reg, err := rec.svc.repo.GetRegistration(ctx, ref.ID, ev.UserID)
		if err != nil {
			if errors.Cause(err) == ErrNotFound {
				continue
			}
			return errors.Wrap(err, "getting registration")
		}
		if err = rec.svc.repo.DeleteRegistration(ctx, reg.ID); err != nil {
			return errors.Wrap(err, "deleting registration")
		}
		if _, err = rec.svc.PromoteNext(ctx, ref.ID); err != nil {
			return errors.Wrap(err, "promoting after vacancy")
		}
	}
	return nil
}

// allMembersRemoved clears registrations course-wide in one batched pass per
// activity, then refills each group from its queue once, instead of running a
// promotion search per removed member.
func (rec *Reconciler) allMembersRemoved(ctx context.Context, ev RosterEvent) error {
	activities, err := rec.svc.repo.ListActivities(ctx, ev.CourseID)
	if err != nil {
		return errors.Wrap(err, "listing course activities")
	}

	for _, act := range activities {
		if !act.FollowChanges {
			continue
		}
		groups, err := rec.svc.repo.ListActiveGroups(ctx, act.ID)
		if err != nil {
			return errors.Wrap(err, "listing active groups")
		}
		for _, ag := range groups {
			if _, err = rec.svc.repo.DeleteGroupRegistrations(ctx, ag.ID); err != nil {
				return errors.Wrap(err, "deleting registrations")
			}
		}
		for _, ag := range groups {
			if _, err = rec.svc.FillVacancies(ctx, ag.ID); err != nil {
				return errors.Wrap(err, "refilling group")
			}
		}
	}
	return nil
}

// markSeen reports whether the event id was seen for the first time.
func (rec *Reconciler) markSeen(id uuid.UUID) bool {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if _, ok := rec.seen[id]; ok {
		return false
	}
	rec.seen[id] = struct{}{}
	return true
}
