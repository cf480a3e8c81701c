package group

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mwalimu/grouptool/core"
)

// RegisteredBy sentinels. Positive values are the acting user's id
// (the member themselves on self-registration, a moderator otherwise).
const (
	// RegisteredBySync marks a registration mirrored from the external
	// roster, with no accountable moderator.
	RegisteredBySync = -1
	// RegisteredByProvisional marks a registration not yet pushed to the
	// external roster.
	RegisteredByProvisional = -2
)

// DeletionPolicy says what happens to an activity's references when the
// underlying external group is deleted.
type DeletionPolicy string

const (
	// DeletionPolicyRecreate recreates the external group and re-points
	// references at it.
	DeletionPolicyRecreate DeletionPolicy = "recreate"
	// DeletionPolicyDelete drops the reference and everything hanging off it.
	DeletionPolicyDelete DeletionPolicy = "delete"
)

// Activity is one course activity instance groups are registered against.
type Activity struct {
	ID              int            `json:"id"`
	CourseID        int            `json:"course_id"`
	Name            string         `json:"name"`
	ChooseMax       int            `json:"choose_max"`        // max simultaneous registrations per user; 0 ⇒ 1
	AllowMultiple   bool           `json:"allow_multiple"`    // may a user hold more than one registration
	DefaultCapacity int            `json:"default_capacity"`  // 0 ⇒ unlimited
	QueueEnabled    bool           `json:"queue_enabled"`     // queue instead of rejecting when full
	ImmediateSync   bool           `json:"immediate_sync"`    // push registrations to the external roster right away
	FollowChanges   bool           `json:"follow_changes"`    // mirror external member add/remove events
	DeletionPolicy  DeletionPolicy `json:"deletion_policy"`
	CreatedAt       time.Time      `json:"created_at"` // UTC
	UpdatedAt       time.Time      `json:"updated_at"` // UTC
}

// MaxRegistrations is the number of simultaneous registrations a single
// user may hold across this activity's groups.
func (a Activity) MaxRegistrations() int {
	if !a.AllowMultiple || a.ChooseMax < 1 {
		return 1
	}
	return a.ChooseMax
}

// ActiveGroup scopes an external group into one activity.
type ActiveGroup struct {
	ID         int       `json:"id"`
	GroupID    int       `json:"group_id"` // external group reference
	ActivityID int       `json:"activity_id"`
	Active     bool      `json:"active"`
	SortOrder  int       `json:"sort_order"` // dense, unique per activity
	Capacity   *int      `json:"capacity"`   // nil ⇒ inherit Activity.DefaultCapacity
	CreatedAt  time.Time `json:"created_at"` // UTC
	UpdatedAt  time.Time `json:"updated_at"` // UTC
}

// EffectiveCapacity resolves the group's size limit; 0 means unlimited.
func (g ActiveGroup) EffectiveCapacity(act Activity) int {
	if g.Capacity != nil {
		return *g.Capacity
	}
	return act.DefaultCapacity
}

// Registration is a confirmed membership of a user in an ActiveGroup.
type Registration struct {
	ID            int       `json:"id"`
	ActiveGroupID int       `json:"active_group_id"`
	UserID        int       `json:"user_id"`
	RegisteredBy  int       `json:"registered_by"`
	CreatedAt     time.Time `json:"created_at"` // UTC
}

func (r Registration) SelfService() bool { return r.RegisteredBy == r.UserID }
func (r Registration) Synced() bool      { return r.RegisteredBy == RegisteredBySync }
func (r Registration) Provisional() bool { return r.RegisteredBy == RegisteredByProvisional }

// QueueEntry is a user waiting for a vacancy in an ActiveGroup.
// Queue order is CreatedAt, then ID.
type QueueEntry struct {
	ID            int       `json:"id"`
	ActiveGroupID int       `json:"active_group_id"`
	UserID        int       `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"` // UTC
}

// RegisterResult reports how a registration attempt ended: a confirmed
// Registration, or a QueueEntry when the group was full and queuing is on.
type RegisterResult struct {
	Registration *Registration `json:"registration,omitempty"`
	QueueEntry   *QueueEntry   `json:"queue_entry,omitempty"`
}

func (r RegisterResult) Queued() bool { return r.QueueEntry != nil }

// GroupSummary is an ActiveGroup with its current occupancy.
type GroupSummary struct {
	ActiveGroup
	Registered int `json:"registered"`
	Queued     int `json:"queued"`
}

// NewActivity contains information needed to create a new Activity.
type NewActivity struct {
	CourseID        int    `json:"course_id" validate:"required,min=1"`
	Name            string `json:"name" validate:"required"`
	ChooseMax       int    `json:"choose_max" validate:"min=0"`
	AllowMultiple   bool   `json:"allow_multiple"`
	DefaultCapacity int    `json:"default_capacity" validate:"min=0"`
	QueueEnabled    bool   `json:"queue_enabled"`
	ImmediateSync   bool   `json:"immediate_sync"`
	FollowChanges   bool   `json:"follow_changes"`
	DeletionPolicy  string `json:"deletion_policy" validate:"omitempty,oneof=recreate delete"`
}

func (na *NewActivity) Validate(validate *validator.Validate) error {
	na.Name = core.CleanString(na.Name)
	if na.DeletionPolicy == "" {
		na.DeletionPolicy = string(DeletionPolicyDelete)
	}
	return validate.Struct(na)
}

// UpdateActivity defines what may be modified on an existing Activity.
type UpdateActivity struct {
	Name            string  `json:"name"`
	ChooseMax       *int    `json:"choose_max" validate:"omitempty,min=0"`
	AllowMultiple   *bool   `json:"allow_multiple"`
	DefaultCapacity *int    `json:"default_capacity" validate:"omitempty,min=0"`
	QueueEnabled    *bool   `json:"queue_enabled"`
	ImmediateSync   *bool   `json:"immediate_sync"`
	FollowChanges   *bool   `json:"follow_changes"`
	DeletionPolicy  *string `json:"deletion_policy" validate:"omitempty,oneof=recreate delete"`
}

func (ua *UpdateActivity) Validate(validate *validator.Validate) error {
	ua.Name = core.CleanString(ua.Name)
	return validate.Struct(ua)
}

// RosterGroup is the external roster's view of a group; descriptive data
// only, carried over on recreation.
type RosterGroup struct {
	ID          int    `json:"id"`
	CourseID    int    `json:"course_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}
