package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
)

type groupRepository struct {
	db *sqlx.DB
}

var _ group.Repository = (*groupRepository)(nil) // interface compliance check

func NewGroupRepository(db *sqlx.DB) *groupRepository {
	return &groupRepository{db: db}
}

// getExec prefers the caller's transaction over the standalone handle.
func (repo groupRepository) getExec(svcExec []core.DBExecutor) sqlx.ExtContext {
	if len(svcExec) > 0 {
		if ext, ok := svcExec[0].(sqlx.ExtContext); ok {
			return ext
		}
	}
	return repo.db
}

// trapNoRowsErr maps psql "no rows" err to group.ErrNotFound
func (repo groupRepository) trapNoRowsErr(err error, msg string) error {
	if err == sql.ErrNoRows {
		return group.ErrNotFound
	}
	return repo.trapTransientErr(err, msg)
}

// trapTransientErr marks serialization conflicts and deadlocks as retryable.
func (repo groupRepository) trapTransientErr(err error, msg string) error {
	if pqErr, ok := errors.Cause(err).(*pq.Error); ok {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return core.NewTransientError(err)
		}
	}
	return errors.Wrap(err, msg)
}

func isUniqueViolation(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// trapActiveGroupConflict marks unique violations on active_group retryable:
// a concurrent AddGroup either took the same sort order slot or inserted the
// same group, and a retry recomputes the order or finds the existing row.
func (repo groupRepository) trapActiveGroupConflict(err error, msg string) error {
	if isUniqueViolation(err) {
		return core.NewTransientError(err)
	}
	return repo.trapTransientErr(err, msg)
}

// rows

type activityRow struct {
	ID              int       `db:"id"`
	CourseID        int       `db:"course_id"`
	Name            string    `db:"name"`
	ChooseMax       int       `db:"choose_max"`
	AllowMultiple   bool      `db:"allow_multiple"`
	DefaultCapacity int       `db:"default_capacity"`
	QueueEnabled    bool      `db:"queue_enabled"`
	ImmediateSync   bool      `db:"immediate_sync"`
	FollowChanges   bool      `db:"follow_changes"`
	DeletionPolicy  string    `db:"deletion_policy"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r activityRow) activity() group.Activity {
	return group.Activity{
		ID:              r.ID,
		CourseID:        r.CourseID,
		Name:            r.Name,
		ChooseMax:       r.ChooseMax,
		AllowMultiple:   r.AllowMultiple,
		DefaultCapacity: r.DefaultCapacity,
		QueueEnabled:    r.QueueEnabled,
		ImmediateSync:   r.ImmediateSync,
		FollowChanges:   r.FollowChanges,
		DeletionPolicy:  group.DeletionPolicy(r.DeletionPolicy),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type activeGroupRow struct {
	ID         int       `db:"id"`
	GroupID    int       `db:"group_id"`
	ActivityID int       `db:"activity_id"`
	Active     bool      `db:"active"`
	SortOrder  int       `db:"sort_order"`
	Capacity   null.Int  `db:"capacity"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r activeGroupRow) activeGroup() group.ActiveGroup {
	ag := group.ActiveGroup{
		ID:         r.ID,
		GroupID:    r.GroupID,
		ActivityID: r.ActivityID,
		Active:     r.Active,
		SortOrder:  r.SortOrder,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.Capacity.Valid {
		capacity := r.Capacity.Int
		ag.Capacity = &capacity
	}
	return ag
}

func capacityValue(capacity *int) null.Int {
	if capacity == nil {
		return null.Int{}
	}
	return null.IntFrom(*capacity)
}

type registrationRow struct {
	ID            int       `db:"id"`
	ActiveGroupID int       `db:"active_group_id"`
	UserID        int       `db:"user_id"`
	RegisteredBy  int       `db:"registered_by"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r registrationRow) registration() group.Registration {
	return group.Registration(r)
}

type queueEntryRow struct {
	ID            int       `db:"id"`
	ActiveGroupID int       `db:"active_group_id"`
	UserID        int       `db:"user_id"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r queueEntryRow) queueEntry() group.QueueEntry {
	return group.QueueEntry(r)
}

// activities

func (repo groupRepository) CreateActivity(ctx context.Context, act group.Activity, exec ...core.DBExecutor) (group.Activity, error) {
	err := sqlx.GetContext(ctx, repo.getExec(exec), &act.ID, `
		INSERT INTO activity (course_id, name, choose_max, allow_multiple, default_capacity,
		                      queue_enabled, immediate_sync, follow_changes, deletion_policy,
		                      created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		act.CourseID, act.Name, act.ChooseMax, act.AllowMultiple, act.DefaultCapacity,
		act.QueueEnabled, act.ImmediateSync, act.FollowChanges, string(act.DeletionPolicy),
		act.CreatedAt.UTC(), act.UpdatedAt.UTC())
	if err != nil {
		return group.Activity{}, repo.trapTransientErr(err, "inserting activity")
	}
	return act, nil
}

func (repo groupRepository) GetActivity(ctx context.Context, id int, exec ...core.DBExecutor) (group.Activity, error) {
	var row activityRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row, `SELECT * FROM activity WHERE id = $1`, id)
	if err != nil {
		return group.Activity{}, repo.trapNoRowsErr(err, "finding activity")
	}
	return row.activity(), nil
}

func (repo groupRepository) ListActivities(ctx context.Context, courseID int, exec ...core.DBExecutor) ([]group.Activity, error) {
	var rows []activityRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT * FROM activity WHERE course_id = $1 ORDER BY id`, courseID)
	if err != nil {
		return nil, repo.trapTransientErr(err, "listing activities")
	}
	activities := make([]group.Activity, 0, len(rows))
	for _, row := range rows {
		activities = append(activities, row.activity())
	}
	return activities, nil
}

func (repo groupRepository) UpdateActivity(ctx context.Context, act group.Activity, exec ...core.DBExecutor) (group.Activity, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `
		UPDATE activity
		SET name = $2, choose_max = $3, allow_multiple = $4, default_capacity = $5,
		    queue_enabled = $6, immediate_sync = $7, follow_changes = $8,
		    deletion_policy = $9, updated_at = $10
		WHERE id = $1`,
		act.ID, act.Name, act.ChooseMax, act.AllowMultiple, act.DefaultCapacity,
		act.QueueEnabled, act.ImmediateSync, act.FollowChanges, string(act.DeletionPolicy),
		act.UpdatedAt.UTC())
	if err != nil {
		return group.Activity{}, repo.trapTransientErr(err, "updating activity")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return group.Activity{}, group.ErrNotFound
	}
	return act, nil
}

func (repo groupRepository) DeleteActivity(ctx context.Context, id int, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM activity WHERE id = $1`, id)
	if err != nil {
		return repo.trapTransientErr(err, "deleting activity")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return group.ErrNotFound
	}
	return nil
}

// active groups

func (repo groupRepository) CreateActiveGroup(ctx context.Context, ag group.ActiveGroup, exec ...core.DBExecutor) (group.ActiveGroup, error) {
	err := sqlx.GetContext(ctx, repo.getExec(exec), &ag.ID, `
		INSERT INTO active_group (group_id, activity_id, active, sort_order, capacity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		ag.GroupID, ag.ActivityID, ag.Active, ag.SortOrder, capacityValue(ag.Capacity),
		ag.CreatedAt.UTC(), ag.UpdatedAt.UTC())
	if err != nil {
		return group.ActiveGroup{}, repo.trapActiveGroupConflict(err, "inserting active group")
	}
	return ag, nil
}

func (repo groupRepository) GetActiveGroup(ctx context.Context, id int, exec ...core.DBExecutor) (group.ActiveGroup, error) {
	var row activeGroupRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row, `SELECT * FROM active_group WHERE id = $1`, id)
	if err != nil {
		return group.ActiveGroup{}, repo.trapNoRowsErr(err, "finding active group")
	}
	return row.activeGroup(), nil
}

func (repo groupRepository) LockActiveGroup(ctx context.Context, id int, exec ...core.DBExecutor) (group.ActiveGroup, error) {
	var row activeGroupRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT * FROM active_group WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return group.ActiveGroup{}, repo.trapNoRowsErr(err, "locking active group")
	}
	return row.activeGroup(), nil
}

func (repo groupRepository) FindActiveGroup(ctx context.Context, groupID, activityID int, exec ...core.DBExecutor) (group.ActiveGroup, error) {
	var row activeGroupRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT * FROM active_group WHERE group_id = $1 AND activity_id = $2`, groupID, activityID)
	if err != nil {
		return group.ActiveGroup{}, repo.trapNoRowsErr(err, "finding active group")
	}
	return row.activeGroup(), nil
}

func (repo groupRepository) ListActiveGroups(ctx context.Context, activityID int, exec ...core.DBExecutor) ([]group.ActiveGroup, error) {
	var rows []activeGroupRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT * FROM active_group WHERE activity_id = $1 ORDER BY sort_order`, activityID)
	if err != nil {
		return nil, repo.trapTransientErr(err, "listing active groups")
	}
	return activeGroups(rows), nil
}

func (repo groupRepository) ListGroupRefs(ctx context.Context, groupID int, exec ...core.DBExecutor) ([]group.ActiveGroup, error) {
	var rows []activeGroupRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT * FROM active_group WHERE group_id = $1 ORDER BY activity_id`, groupID)
	if err != nil {
		return nil, repo.trapTransientErr(err, "listing group references")
	}
	return activeGroups(rows), nil
}

func activeGroups(rows []activeGroupRow) []group.ActiveGroup {
	groups := make([]group.ActiveGroup, 0, len(rows))
	for _, row := range rows {
		groups = append(groups, row.activeGroup())
	}
	return groups
}

func (repo groupRepository) UpdateActiveGroup(ctx context.Context, ag group.ActiveGroup, exec ...core.DBExecutor) (group.ActiveGroup, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `
		UPDATE active_group
		SET group_id = $2, active = $3, sort_order = $4, capacity = $5, updated_at = $6
		WHERE id = $1`,
		ag.ID, ag.GroupID, ag.Active, ag.SortOrder, capacityValue(ag.Capacity), ag.UpdatedAt.UTC())
	if err != nil {
		return group.ActiveGroup{}, repo.trapTransientErr(err, "updating active group")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return group.ActiveGroup{}, group.ErrNotFound
	}
	return ag, nil
}

func (repo groupRepository) SetCapacity(ctx context.Context, id int, capacity *int, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx,
		`UPDATE active_group SET capacity = $2, updated_at = $3 WHERE id = $1`,
		id, capacityValue(capacity), time.Now().UTC())
	if err != nil {
		return repo.trapTransientErr(err, "setting capacity")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return group.ErrNotFound
	}
	return nil
}

func (repo groupRepository) SetSortOrder(ctx context.Context, id, sortOrder int, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx,
		`UPDATE active_group SET sort_order = $2, updated_at = $3 WHERE id = $1`,
		id, sortOrder, time.Now().UTC())
	if err != nil {
		return repo.trapTransientErr(err, "setting sort order")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return group.ErrNotFound
	}
	return nil
}

func (repo groupRepository) MaxSortOrder(ctx context.Context, activityID int, exec ...core.DBExecutor) (int, error) {
	var max int
	err := sqlx.GetContext(ctx, repo.getExec(exec), &max,
		`SELECT COALESCE(MAX(sort_order), 0) FROM active_group WHERE activity_id = $1`, activityID)
	if err != nil {
		return 0, repo.trapTransientErr(err, "getting max sort order")
	}
	return max, nil
}

func (repo groupRepository) DeleteActiveGroup(ctx context.Context, id int, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM active_group WHERE id = $1`, id)
	if err != nil {
		return repo.trapTransientErr(err, "deleting active group")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return group.ErrNotFound
	}
	return nil
}

// registrations

func (repo groupRepository) CreateRegistration(ctx context.Context, reg group.Registration, exec ...core.DBExecutor) (group.Registration, error) {
	err := sqlx.GetContext(ctx, repo.getExec(exec), &reg.ID, `
		INSERT INTO registration (active_group_id, user_id, registered_by, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		reg.ActiveGroupID, reg.UserID, reg.RegisteredBy, reg.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return group.Registration{}, group.ErrDuplicateRegistration
		}
		return group.Registration{}, repo.trapTransientErr(err, "inserting registration")
	}
	return reg, nil
}

func (repo groupRepository) GetRegistration(ctx context.Context, activeGroupID, userID int, exec ...core.DBExecutor) (group.Registration, error) {
	var row registrationRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT * FROM registration WHERE active_group_id = $1 AND user_id = $2`, activeGroupID, userID)
	if err != nil {
		return group.Registration{}, repo.trapNoRowsErr(err, "finding registration")
	}
	return row.registration(), nil
}

func (repo groupRepository) ListRegistrations(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) ([]group.Registration, error) {
	var rows []registrationRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT * FROM registration WHERE active_group_id = $1 ORDER BY created_at, id`, activeGroupID)
	if err != nil {
		return nil, repo.trapTransientErr(err, "listing registrations")
	}
	regs := make([]group.Registration, 0, len(rows))
	for _, row := range rows {
		regs = append(regs, row.registration())
	}
	return regs, nil
}

func (repo groupRepository) CountRegistrations(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, repo.getExec(exec), &count,
		`SELECT COUNT(*) FROM registration WHERE active_group_id = $1`, activeGroupID)
	if err != nil {
		return 0, repo.trapTransientErr(err, "counting registrations")
	}
	return count, nil
}

func (repo groupRepository) CountUserRegistrations(ctx context.Context, activityID, userID int, exec ...core.DBExecutor) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, repo.getExec(exec), &count, `
		SELECT COUNT(*)
		FROM registration r
		JOIN active_group g ON g.id = r.active_group_id
		WHERE g.activity_id = $1 AND r.user_id = $2`, activityID, userID)
	if err != nil {
		return 0, repo.trapTransientErr(err, "counting user registrations")
	}
	return count, nil
}

func (repo groupRepository) UpdateRegistration(ctx context.Context, reg group.Registration, exec ...core.DBExecutor) (group.Registration, error) {
	res, err := repo.getExec(exec).ExecContext(ctx,
		`UPDATE registration SET registered_by = $2 WHERE id = $1`, reg.ID, reg.RegisteredBy)
	if err != nil {
		return group.Registration{}, repo.trapTransientErr(err, "updating registration")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return group.Registration{}, group.ErrNotFound
	}
	return reg, nil
}

func (repo groupRepository) DeleteRegistration(ctx context.Context, id int, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM registration WHERE id = $1`, id)
	if err != nil {
		return repo.trapTransientErr(err, "deleting registration")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return group.ErrNotFound
	}
	return nil
}

func (repo groupRepository) DeleteGroupRegistrations(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) (int, error) {
	res, err := repo.getExec(exec).ExecContext(ctx,
		`DELETE FROM registration WHERE active_group_id = $1`, activeGroupID)
	if err != nil {
		return 0, repo.trapTransientErr(err, "deleting registrations")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// queue entries

func (repo groupRepository) CreateQueueEntry(ctx context.Context, entry group.QueueEntry, exec ...core.DBExecutor) (group.QueueEntry, error) {
	err := sqlx.GetContext(ctx, repo.getExec(exec), &entry.ID, `
		INSERT INTO queue_entry (active_group_id, user_id, created_at)
		VALUES ($1, $2, $3)
		RETURNING id`,
		entry.ActiveGroupID, entry.UserID, entry.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return group.QueueEntry{}, group.ErrAlreadyQueued
		}
		return group.QueueEntry{}, repo.trapTransientErr(err, "inserting queue entry")
	}
	return entry, nil
}

func (repo groupRepository) GetQueueEntry(ctx context.Context, activeGroupID, userID int, exec ...core.DBExecutor) (group.QueueEntry, error) {
	var row queueEntryRow
	err := sqlx.GetContext(ctx, repo.getExec(exec), &row,
		`SELECT * FROM queue_entry WHERE active_group_id = $1 AND user_id = $2`, activeGroupID, userID)
	if err != nil {
		return group.QueueEntry{}, repo.trapNoRowsErr(err, "finding queue entry")
	}
	return row.queueEntry(), nil
}

func (repo groupRepository) ListQueue(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) ([]group.QueueEntry, error) {
	var rows []queueEntryRow
	err := sqlx.SelectContext(ctx, repo.getExec(exec), &rows,
		`SELECT * FROM queue_entry WHERE active_group_id = $1 ORDER BY created_at, id`, activeGroupID)
	if err != nil {
		return nil, repo.trapTransientErr(err, "listing queue")
	}
	entries := make([]group.QueueEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.queueEntry())
	}
	return entries, nil
}

func (repo groupRepository) CountQueue(ctx context.Context, activeGroupID int, exec ...core.DBExecutor) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, repo.getExec(exec), &count,
		`SELECT COUNT(*) FROM queue_entry WHERE active_group_id = $1`, activeGroupID)
	if err != nil {
		return 0, repo.trapTransientErr(err, "counting queue")
	}
	return count, nil
}

func (repo groupRepository) DeleteQueueEntry(ctx context.Context, id int, exec ...core.DBExecutor) error {
	res, err := repo.getExec(exec).ExecContext(ctx, `DELETE FROM queue_entry WHERE id = $1`, id)
	if err != nil {
		return repo.trapTransientErr(err, "deleting queue entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return group.ErrNotFound
	}
	return nil
}

func (repo groupRepository) DeleteUserQueueEntries(ctx context.Context, activityID, userID int, exec ...core.DBExecutor) (int, error) {
	res, err := repo.getExec(exec).ExecContext(ctx, `
		DELETE FROM queue_entry q
		USING active_group g
		WHERE q.active_group_id = g.id AND g.activity_id = $1 AND q.user_id = $2`,
		activityID, userID)
	if err != nil {
		return 0, repo.trapTransientErr(err, "deleting user queue entries")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
