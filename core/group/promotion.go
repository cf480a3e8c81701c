package group

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mwalimu/grouptool/core"
)

// PromoteNext fills at most one vacancy in the group from its waiting queue.
//
// Selection is two-tiered: users holding fewer registrations across the
// activity than its limit get first claim on the vacancy; within a tier the
// earliest entry wins (CreatedAt, then ID). The candidate's entry is consumed
// and a Registration recorded in its place, atomically. An empty queue or a
// full group is a no-op, not an error. Returns the promoted registration, or
// nil when nothing was promoted.
func (svc *Service) PromoteNext(ctx context.Context, activeGroupID int) (*Registration, error) {
	var promoted *Registration
	var act Activity
	var ag ActiveGroup
	err := core.Atomic(ctx, svc.db, func(tx core.DBTransactor) error {
		promoted = nil

		var err error
		// the row lock serializes concurrent promotions for the same vacancy:
		// the loser re-reads a full group and no-ops.
		if ag, err = svc.repo.LockActiveGroup(ctx, activeGroupID, tx); err != nil {
			return errors.Wrap(err, "locking active group")
		}
		if act, err = svc.repo.GetActivity(ctx, ag.ActivityID, tx); err != nil {
			return errors.Wrap(err, "getting activity")
		}
		count, err := svc.repo.CountRegistrations(ctx, ag.ID, tx)
		if err != nil {
			return errors.Wrap(err, "counting registrations")
		}
		if !CanRegister(act, ag, count) {
			return nil // no vacancy
		}

		queue, err := svc.repo.ListQueue(ctx, ag.ID, tx)
		if err != nil {
			return errors.Wrap(err, "listing queue")
		}

		for len(queue) > 0 {
			idx, err := svc.pickCandidate(ctx, tx, act, queue)
			if err != nil {
				return err
			}
			cand := queue[idx]

			// structurally impossible given the uniqueness invariants; drop the
			// stale entry and move on if it ever happens.
			if _, err = svc.repo.GetRegistration(ctx, ag.ID, cand.UserID, tx); err == nil {
				if err = svc.repo.DeleteQueueEntry(ctx, cand.ID, tx); err != nil {
					return errors.Wrap(err, "deleting stale queue entry")
				}
				queue = append(queue[:idx], queue[idx+1:]...)
				continue
			} else if errors.Cause(err) != ErrNotFound {
				return errors.Wrap(err, "checking existing registration")
			}

			// the registration is persisted before the entry is consumed so a
			// failed insert leaves the entry in place for retry.
			reg, err := svc.repo.CreateRegistration(ctx, Registration{
				ActiveGroupID: ag.ID,
				UserID:        cand.UserID,
				RegisteredBy:  cand.UserID, // self-originated: the user opted in by queuing
				CreatedAt:     time.Now().UTC(),
			}, tx)
			if err != nil {
				return errors.Wrap(err, "creating registration")
			}
			if err = svc.repo.DeleteQueueEntry(ctx, cand.ID, tx); err != nil {
				return errors.Wrap(err, "deleting queue entry")
			}

			// a candidate at their limit may no longer wait elsewhere
			held, err := svc.repo.CountUserRegistrations(ctx, act.ID, cand.UserID, tx)
			if err != nil {
				return errors.Wrap(err, "counting user registrations")
			}
			if !act.AllowMultiple || held >= act.MaxRegistrations() {
				if _, err = svc.repo.DeleteUserQueueEntries(ctx, act.ID, cand.UserID, tx); err != nil {
					return errors.Wrap(err, "deleting user queue entries")
				}
			}

			promoted = &reg
			return nil
		}
		return nil // queue exhausted
	})
	if err != nil {
		return nil, err
	}
	if promoted == nil {
		return nil, nil
	}

	if act.ImmediateSync {
		svc.pushMember(ctx, ag.GroupID, promoted.UserID)
	}
	svc.notifyPromoted(ctx, act, ag, promoted.UserID)
	return promoted, nil
}

// pickCandidate returns the index of the next queue entry to promote. queue
// is already in FIFO order; the first under-allocated user wins, else the
// head of the queue.
func (svc *Service) pickCandidate(ctx context.Context, tx core.DBTransactor, act Activity, queue []QueueEntry) (int, error) {
	for i, entry := range queue {
		held, err := svc.repo.CountUserRegistrations(ctx, act.ID, entry.UserID, tx)
		if err != nil {
			return 0, errors.Wrap(err, "counting user registrations")
		}
		if held < act.MaxRegistrations() {
			return i, nil
		}
	}
	return 0, nil
}

// FillVacancies promotes repeatedly until the group is full or its queue is
// exhausted, eg. after a capacity increase. Returns the number promoted.
func (svc *Service) FillVacancies(ctx context.Context, activeGroupID int) (int, error) {
	var n int
	for {
		promoted, err := svc.PromoteNext(ctx, activeGroupID)
		if err != nil {
			return n, err
		}
		if promoted == nil {
			return n, nil
		}
		n++
	}
}
