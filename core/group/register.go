package group

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mwalimu/grouptool/core"
)

// Register attempts to register userID into the activity's group. actorID is
// the acting user (the member themselves on self-service, a moderator
// otherwise; 0 means self). When the group is full and the activity queues,
// the user is appended to the group's waiting queue instead.
func (svc *Service) Register(ctx context.Context, activityID, groupID, userID, actorID int) (RegisterResult, error) {
	if actorID == 0 {
		actorID = userID
	}

	var res RegisterResult
	var syncGroupID int
	err := core.Atomic(ctx, svc.db, func(tx core.DBTransactor) error {
		res = RegisterResult{}
		syncGroupID = 0

		act, err := svc.repo.GetActivity(ctx, activityID, tx)
		if err != nil {
			return errors.Wrap(err, "getting activity")
		}
		ag, err := svc.repo.FindActiveGroup(ctx, groupID, activityID, tx)
		if err != nil {
			return errors.Wrap(err, "finding active group")
		}
		if !ag.Active {
			return ErrGroupInactive
		}

		if _, err = svc.repo.GetRegistration(ctx, ag.ID, userID, tx); err == nil {
			return ErrDuplicateRegistration
		} else if errors.Cause(err) != ErrNotFound {
			return errors.Wrap(err, "checking existing registration")
		}

		held, err := svc.repo.CountUserRegistrations(ctx, activityID, userID, tx)
		if err != nil {
			return errors.Wrap(err, "counting user registrations")
		}
		if held >= act.MaxRegistrations() {
			return ErrRegistrationLimit
		}

		// serialize competing registrations for this group
		if ag, err = svc.repo.LockActiveGroup(ctx, ag.ID, tx); err != nil {
			return errors.Wrap(err, "locking active group")
		}
		count, err := svc.repo.CountRegistrations(ctx, ag.ID, tx)
		if err != nil {
			return errors.Wrap(err, "counting registrations")
		}

		if CanRegister(act, ag, count) {
			reg, err := svc.repo.CreateRegistration(ctx, Registration{
				ActiveGroupID: ag.ID,
				UserID:        userID,
				RegisteredBy:  actorID,
				CreatedAt:     time.Now().UTC(),
			}, tx)
			if err != nil {
				return errors.Wrap(err, "creating registration")
			}
			res.Registration = &reg
			if act.ImmediateSync {
				syncGroupID = ag.GroupID
			}
			return nil
		}

		if !act.QueueEnabled {
			return ErrCapacityExceeded
		}
		if _, err = svc.repo.GetQueueEntry(ctx, ag.ID, userID, tx); err == nil {
			return ErrAlreadyQueued
		} else if errors.Cause(err) != ErrNotFound {
			return errors.Wrap(err, "checking existing queue entry")
		}
		entry, err := svc.repo.CreateQueueEntry(ctx, QueueEntry{
			ActiveGroupID: ag.ID,
			UserID:        userID,
			CreatedAt:     time.Now().UTC(),
		}, tx)
		if err != nil {
			return errors.Wrap(err, "creating queue entry")
		}
		res.QueueEntry = &entry
		return nil
	})
	if err != nil {
		return RegisterResult{}, err
	}

	if syncGroupID != 0 {
		svc.pushMember(ctx, syncGroupID, userID)
	}
	return res, nil
}

// Assign registers users administratively, capacity-gated like self-service
// but without the per-user activity limit. Users already registered are
// skipped. When the activity does not sync immediately, the registrations are
// recorded as provisional until a roster push.
func (svc *Service) Assign(ctx context.Context, activityID, groupID int, userIDs []int, moderatorID int) ([]Registration, error) {
	var created []Registration
	var syncGroupID int
	err := core.Atomic(ctx, svc.db, func(tx core.DBTransactor) error {
		created = nil
		syncGroupID = 0

		act, err := svc.repo.GetActivity(ctx, activityID, tx)
		if err != nil {
			return errors.Wrap(err, "getting activity")
		}
		ag, err := svc.repo.FindActiveGroup(ctx, groupID, activityID, tx)
		if err != nil {
			return errors.Wrap(err, "finding active group")
		}
		if ag, err = svc.repo.LockActiveGroup(ctx, ag.ID, tx); err != nil {
			return errors.Wrap(err, "locking active group")
		}
		count, err := svc.repo.CountRegistrations(ctx, ag.ID, tx)
		if err != nil {
			return errors.Wrap(err, "counting registrations")
		}

		registeredBy := moderatorID
		if !act.ImmediateSync {
			registeredBy = RegisteredByProvisional
		} else {
			syncGroupID = ag.GroupID
		}

		for _, userID := range userIDs {
			if _, err = svc.repo.GetRegistration(ctx, ag.ID, userID, tx); err == nil {
				continue
			} else if errors.Cause(err) != ErrNotFound {
				return errors.Wrap(err, "checking existing registration")
			}
			if !CanRegister(act, ag, count) {
				return ErrCapacityExceeded
			}
			reg, err := svc.repo.CreateRegistration(ctx, Registration{
				ActiveGroupID: ag.ID,
				UserID:        userID,
				RegisteredBy:  registeredBy,
				CreatedAt:     time.Now().UTC(),
			}, tx)
			if err != nil {
				return errors.Wrap(err, "creating registration")
			}
			created = append(created, reg)
			count++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if syncGroupID != 0 {
		for _, reg := range created {
			svc.pushMember(ctx, syncGroupID, reg.UserID)
		}
	}
	return created, nil
}

// Unregister removes the user's registration from the activity's group. The
// vacancy triggers one promotion from the group's waiting queue.
func (svc *Service) Unregister(ctx context.Context, activityID, groupID, userID int) error {
	var ag ActiveGroup
	var act Activity
	err := core.Atomic(ctx, svc.db, func(tx core.DBTransactor) error {
		var err error
		act, err = svc.repo.GetActivity(ctx, activityID, tx)
		if err != nil {
			return errors.Wrap(err, "getting activity")
		}
		ag, err = svc.repo.FindActiveGroup(ctx, groupID, activityID, tx)
		if err != nil {
			return errors.Wrap(err, "finding active group")
		}
		reg, err := svc.repo.GetRegistration(ctx, ag.ID, userID, tx)
		if err != nil {
			return errors.Wrap(err, "getting registration")
		}
		return errors.Wrap(svc.repo.DeleteRegistration(ctx, reg.ID, tx), "deleting registration")
	})
	if err != nil {
		return err
	}

	if act.ImmediateSync {
		if err := svc.roster.RemoveMember(ctx, ag.GroupID, userID); err != nil {
			svc.logger.Error("removing member from external roster", err)
		}
	}

	if _, err = svc.PromoteNext(ctx, ag.ID); err != nil {
		return errors.Wrap(err, "promoting after vacancy")
	}
	return nil
}

// LeaveQueue withdraws the user's waiting-queue entry for the group.
func (svc *Service) LeaveQueue(ctx context.Context, activityID, groupID, userID int) error {
	return core.Atomic(ctx, svc.db, func(tx core.DBTransactor) error {
		ag, err := svc.repo.FindActiveGroup(ctx, groupID, activityID, tx)
		if err != nil {
			return errors.Wrap(err, "finding active group")
		}
		entry, err := svc.repo.GetQueueEntry(ctx, ag.ID, userID, tx)
		if err != nil {
			return errors.Wrap(err, "getting queue entry")
		}
		return errors.Wrap(svc.repo.DeleteQueueEntry(ctx, entry.ID, tx), "deleting queue entry")
	})
}

// PushRoster pushes every registration of the activity to the external roster
// and clears provisional markers. It returns the number of pushed members.
func (svc *Service) PushRoster(ctx context.Context, activityID int) (int, error) {
	groups, err := svc.repo.ListActiveGroups(ctx, activityID)
	if err != nil {
		return 0, err
	}

	var pushed int
	for _, ag := range groups {
		regs, err := svc.repo.ListRegistrations(ctx, ag.ID)
		if err != nil {
			return pushed, errors.Wrap(err, "listing registrations")
		}
		for _, reg := range regs {
			if err = svc.roster.AddMember(ctx, ag.GroupID, reg.UserID); err != nil {
				return pushed, errors.Wrap(err, "adding member to external roster")
			}
			pushed++
			if reg.Provisional() {
				reg.RegisteredBy = RegisteredBySync
				if _, err = svc.repo.UpdateRegistration(ctx, reg); err != nil {
					return pushed, errors.Wrap(err, "clearing provisional marker")
				}
			}
		}
	}
	return pushed, nil
}

// pushMember mirrors a confirmed registration into the external roster;
// failures are logged, never unwound into the committed registration.
func (svc *Service) pushMember(ctx context.Context, groupID, userID int) {
	if err := svc.roster.AddMember(ctx, groupID, userID); err != nil {
		svc.logger.Error("adding member to external roster", err)
	}
}
