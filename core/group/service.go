package group

import (
	"context"
	"errors"
	"net/mail"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/mwalimu/grouptool/core"
)

var (
	// errors
	ErrNotFound              = errors.New("record not found")
	ErrCapacityExceeded      = errors.New("the group is full")
	ErrTooManyRegistrations  = errors.New("capacity cannot drop below the current registration count")
	ErrDuplicateRegistration = errors.New("user is already registered in this group")
	ErrAlreadyQueued         = errors.New("user is already waiting in this group's queue")
	ErrRegistrationLimit     = errors.New("registration limit for this activity reached")
	ErrGroupInactive         = errors.New("group is not open for registration")
)

type (
	// Repository is the registration store. It owns Activity, ActiveGroup,
	// Registration and QueueEntry records; no call manages transactions
	// implicitly, multi-step sequences are wrapped by the caller and passed
	// down through exec.
	Repository interface {
		CreateActivity(ctx context.Context, act Activity, exec ...core.DBExecutor) (Activity, error)
		GetActivity(ctx context.Context, id int, exec ...core.DBExecutor) (Activity, error)
		ListActivities(ctx context.Context, courseID int, exec ...core.DBExecutor) ([]Activity, error)
		UpdateActivity(ctx context.Context, act Activity, exec ...core.DBExecutor) (Activity, error)
		DeleteActivity(ctx context.Context, id int, exec ...core.DBExecutor) error

		CreateActiveGroup(ctx context.Context, ag ActiveGroup, exec ...core.DBExecutor) (ActiveGroup, error)
		GetActiveGroup(ctx context.Context, id int, exec ...core.DBExecutor) (ActiveGroup, error)
		// LockActiveGroup reads the group while holding a row-level lock on it
		// for the remainder of the transaction.
		LockActiveGroup(ctx context.Context, id int, exec ...core.DBExecutor) (ActiveGroup, error)
		FindActiveGroup(ctx context.Context, groupID, activityID int, exec ...core.DBExecutor) (ActiveGroup, error)
		// ListActiveGroups returns the activity's groups ordered by SortOrder.
		ListActiveGroups(ctx context.Context, activityID int, exec ...core.DBExecutor) ([]ActiveGroup, error)
		// ListGroupRefs returns every ActiveGroup referencing the external group,
		// across activities.
		ListGroupRefs(ctx context.Context, groupID int, exec ...core.DBExecutor) ([]ActiveGroup, error)
		UpdateActiveGroup(ctx context.Context, ag ActiveGroup, exec ...core.DBExecutor) (ActiveGroup, error)
		SetCapacity(ctx context.Context, id int, capacity *int, exec ...core.DBExecutor) error
		SetSortOrder(ctx context.Context, id, sortOrder int, exec ...core.DBExecutor) error
		MaxSortOrder(ctx context.Context, activityID int, exec ...core.DBExecutor) (int, error)
		// DeleteActiveGroup cascade-deletes the group's registrations and queue.
		DeleteActiveGroup(ctx context.Context, id int, exec ...core.DBExecutor) error

		CreateRegistration(ctx context.Context, reg Registration, exec ...core.DBExecutor) (Registration, error)
		GetRegistration(ctx context.Context, activeGroupID, userID int, exec ...core.DBExecutor) (Registration, error)
		ListRegistrations(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) ([]Registration, error)
		CountRegistrations(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) (int, error)
		// CountUserRegistrations counts the user's registrations across all of
		// the activity's groups.
		CountUserRegistrations(ctx context.Context, activityID, userID int, exec ...core.DBExecutor) (int, error)
		UpdateRegistration(ctx context.Context, reg Registration, exec ...core.DBExecutor) (Registration, error)
		DeleteRegistration(ctx context.Context, id int, exec ...core.DBExecutor) error
		DeleteGroupRegistrations(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) (int, error)

		CreateQueueEntry(ctx context.Context, entry QueueEntry, exec ...core.DBExecutor) (QueueEntry, error)
		GetQueueEntry(ctx context.Context, activeGroupID, userID int, exec ...core.DBExecutor) (QueueEntry, error)
		// ListQueue returns the group's queue in FIFO order: CreatedAt, then ID.
		ListQueue(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) ([]QueueEntry, error)
		CountQueue(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) (int, error)
		DeleteQueueEntry(ctx context.Context, id int, exec ...core.DBExecutor) error
		DeleteUserQueueEntries(ctx context.Context, activityID, userID int, exec ...core.DBExecutor) (int, error)
	}

	// RosterService is the external group roster shared with the rest of the
	// course. Group membership pushed here is what members actually see.
	RosterService interface {
		GetGroup(ctx context.Context, groupID int) (RosterGroup, error)
		CreateGroup(ctx context.Context, g RosterGroup) (RosterGroup, error)
		AddMember(ctx context.Context, groupID, userID int) error
		RemoveMember(ctx context.Context, groupID, userID int) error
	}

	// Directory resolves user ids to notification addresses.
	Directory interface {
		UserAddress(ctx context.Context, userID int) (mail.Address, error)
	}

	Service struct {
		db      core.DB
		repo    Repository
		mailSvc core.EmailService
		roster  RosterService
		dir     Directory
		logger  core.Logger
	}
)

func NewService(db core.DB, repo Repository, mailSvc core.EmailService, roster RosterService, dir Directory, logger core.Logger) *Service {
	return &Service{
		db:      db,
		repo:    repo,
		mailSvc: mailSvc,
		roster:  roster,
		dir:     dir,
		logger:  logger,
	}
}

// Activities

func (svc *Service) CreateActivity(ctx context.Context, na NewActivity) (Activity, error) {
	now := time.Now().UTC()
	act := Activity{
		CourseID:        na.CourseID,
		Name:            na.Name,
		ChooseMax:       na.ChooseMax,
		AllowMultiple:   na.AllowMultiple,
		DefaultCapacity: na.DefaultCapacity,
		QueueEnabled:    na.QueueEnabled,
		ImmediateSync:   na.ImmediateSync,
		FollowChanges:   na.FollowChanges,
		DeletionPolicy:  DeletionPolicy(na.DeletionPolicy),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if act.DeletionPolicy == "" {
		act.DeletionPolicy = DeletionPolicyDelete
	}
	return svc.repo.CreateActivity(ctx, act)
}

func (svc *Service) GetActivity(ctx context.Context, id int) (Activity, error) {
	return svc.repo.GetActivity(ctx, id)
}

func (svc *Service) ListActivities(ctx context.Context, courseID int) ([]Activity, error) {
	return svc.repo.ListActivities(ctx, courseID)
}

func (svc *Service) UpdateActivity(ctx context.Context, id int, ua UpdateActivity) (Activity, error) {
	act, err := svc.repo.GetActivity(ctx, id)
	if err != nil {
		return Activity{}, err
	}
	if ua.Name != "" {
		act.Name = ua.Name
	}
	if ua.ChooseMax != nil {
		act.ChooseMax = *ua.ChooseMax
	}
	if ua.AllowMultiple != nil {
		act.AllowMultiple = *ua.AllowMultiple
	}
	if ua.DefaultCapacity != nil {
		act.DefaultCapacity = *ua.DefaultCapacity
	}
	if ua.QueueEnabled != nil {
		act.QueueEnabled = *ua.QueueEnabled
	}
	if ua.ImmediateSync != nil {
		act.ImmediateSync = *ua.ImmediateSync
	}
	if ua.FollowChanges != nil {
		act.FollowChanges = *ua.FollowChanges
	}
	if ua.DeletionPolicy != nil {
		act.DeletionPolicy = DeletionPolicy(*ua.DeletionPolicy)
	}
	act.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateActivity(ctx, act)
}

func (svc *Service) DeleteActivity(ctx context.Context, id int) error {
	return svc.repo.DeleteActivity(ctx, id)
}

// Active groups

// AddGroup scopes an external group into the activity, appended at the end of
// the sort order and inactive until an administrator enables it. Adding an
// already-known group is a no-op returning the existing record.
func (svc *Service) AddGroup(ctx context.Context, activityID, groupID int) (ActiveGroup, error) {
	var ag ActiveGroup
	err := core.Atomic(ctx, svc.db, func(tx core.DBTransactor) error {
		var err error
		if ag, err = svc.repo.FindActiveGroup(ctx, groupID, activityID, tx); err == nil {
			return nil
		} else if pkgerrors.Cause(err) != ErrNotFound {
			return pkgerrors.Wrap(err, "finding active group")
		}

		max, err := svc.repo.MaxSortOrder(ctx, activityID, tx)
		if err != nil {
			return pkgerrors.Wrap(err, "getting max sort order")
		}
		now := time.Now().UTC()
		ag, err = svc.repo.CreateActiveGroup(ctx, ActiveGroup{
			GroupID:    groupID,
			ActivityID: activityID,
			Active:     false,
			SortOrder:  max + 1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, tx)
		return pkgerrors.Wrap(err, "creating active group")
	})
	return ag, err
}

func (svc *Service) RemoveGroup(ctx context.Context, activeGroupID int) error {
	return svc.repo.DeleteActiveGroup(ctx, activeGroupID)
}

func (svc *Service) SetActive(ctx context.Context, activeGroupID int, active bool) (ActiveGroup, error) {
	ag, err := svc.repo.GetActiveGroup(ctx, activeGroupID)
	if err != nil {
		return ActiveGroup{}, err
	}
	ag.Active = active
	ag.UpdatedAt = time.Now().UTC()
	return svc.repo.UpdateActiveGroup(ctx, ag)
}

// Resize changes the group's capacity override; nil and zero both clear it so
// the activity default applies again. Shrinking below the current
// registration count is rejected. A resize that opens vacancies promotes from
// the queue.
func (svc *Service) Resize(ctx context.Context, activeGroupID int, capacity *int) (ActiveGroup, error) {
	if capacity != nil && *capacity == 0 {
		capacity = nil
	}

	var ag ActiveGroup
	err := core.Atomic(ctx, svc.db, func(tx core.DBTransactor) error {
		var err error
		if ag, err = svc.repo.LockActiveGroup(ctx, activeGroupID, tx); err != nil {
			return pkgerrors.Wrap(err, "locking active group")
		}
		act, err := svc.repo.GetActivity(ctx, ag.ActivityID, tx)
		if err != nil {
			return pkgerrors.Wrap(err, "getting activity")
		}
		count, err := svc.repo.CountRegistrations(ctx, ag.ID, tx)
		if err != nil {
			return pkgerrors.Wrap(err, "counting registrations")
		}
		if err = CanResize(act, capacity, count); err != nil {
			return err
		}
		if err = svc.repo.SetCapacity(ctx, ag.ID, capacity, tx); err != nil {
			return pkgerrors.Wrap(err, "setting capacity")
		}
		ag.Capacity = capacity
		return nil
	})
	if err != nil {
		return ActiveGroup{}, err
	}

	if _, err = svc.FillVacancies(ctx, activeGroupID); err != nil {
		return ag, pkgerrors.Wrap(err, "promoting after resize")
	}
	return ag, nil
}

// Reorder assigns the activity's sort order from the given id sequence, which
// must be a permutation of the activity's ActiveGroup ids. Orders stay dense
// and unique.
func (svc *Service) Reorder(ctx context.Context, activityID int, orderedIDs []int) error {
	return core.Atomic(ctx, svc.db, func(tx core.DBTransactor) error {
		groups, err := svc.repo.ListActiveGroups(ctx, activityID, tx)
		if err != nil {
			return pkgerrors.Wrap(err, "listing active groups")
		}
		if len(groups) != len(orderedIDs) {
			return core.NewValidationError(errors.New("order must list every group exactly once"))
		}
		known := make(map[int]bool, len(groups))
		for _, g := range groups {
			known[g.ID] = true
		}
		seen := make(map[int]bool, len(orderedIDs))
		for _, id := range orderedIDs {
			if !known[id] || seen[id] {
				return core.NewValidationError(errors.New("order must list every group exactly once"))
			}
			seen[id] = true
		}
		for i, id := range orderedIDs {
			if err = svc.repo.SetSortOrder(ctx, id, i+1, tx); err != nil {
				return pkgerrors.Wrap(err, "setting sort order")
			}
		}
		return nil
	})
}

// SwapOrder exchanges the sort positions of two of the activity's groups.
func (svc *Service) SwapOrder(ctx context.Context, activityID, aID, bID int) error {
	return core.Atomic(ctx, svc.db, func(tx core.DBTransactor) error {
		a, err := svc.repo.GetActiveGroup(ctx, aID, tx)
		if err != nil {
			return pkgerrors.Wrap(err, "getting active group")
		}
		b, err := svc.repo.GetActiveGroup(ctx, bID, tx)
		if err != nil {
			return pkgerrors.Wrap(err, "getting active group")
		}
		if a.ActivityID != activityID || b.ActivityID != activityID {
			return core.NewValidationError(errors.New("groups belong to another activity"))
		}
		if err = svc.repo.SetSortOrder(ctx, a.ID, b.SortOrder, tx); err != nil {
			return pkgerrors.Wrap(err, "setting sort order")
		}
		return pkgerrors.Wrap(svc.repo.SetSortOrder(ctx, b.ID, a.SortOrder, tx), "setting sort order")
	})
}

// Overview returns the activity's groups in sort order with their occupancy.
func (svc *Service) Overview(ctx context.Context, activityID int) ([]GroupSummary, error) {
	groups, err := svc.repo.ListActiveGroups(ctx, activityID)
	if err != nil {
		return nil, err
	}
	summaries := make([]GroupSummary, 0, len(groups))
	for _, ag := range groups {
		registered, err := svc.repo.CountRegistrations(ctx, ag.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "counting registrations")
		}
		queued, err := svc.repo.CountQueue(ctx, ag.ID)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "counting queue")
		}
		summaries = append(summaries, GroupSummary{ActiveGroup: ag, Registered: registered, Queued: queued})
	}
	return summaries, nil
}
