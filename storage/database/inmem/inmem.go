// Package inmem provides map-backed implementations of the store contracts
// for tests; no isolation or rollback, but transactions run one at a time.
package inmem

import (
	"context"
	"database/sql"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
)

var errNotSupported = errors.New("inmem: raw SQL not supported")

type noopExecutor struct{}

func (noopExecutor) Exec(string, ...interface{}) (sql.Result, error) { return nil, errNotSupported }
func (noopExecutor) ExecContext(context.Context, string, ...interface{}) (sql.Result, error) {
	return nil, errNotSupported
}
func (noopExecutor) Query(string, ...interface{}) (*sql.Rows, error) { return nil, errNotSupported }
func (noopExecutor) QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error) {
	return nil, errNotSupported
}
func (noopExecutor) QueryRow(string, ...interface{}) *sql.Row                     { return nil }
func (noopExecutor) QueryRowContext(context.Context, string, ...interface{}) *sql.Row { return nil }

// DB satisfies core.DB. Transactions apply mutations immediately and do not
// roll back, but they do serialize: BeginTx blocks until the previous
// transaction finishes, standing in for the row locks the SQL store takes.
type DB struct {
	noopExecutor

	txMu sync.Mutex
}

func NewDB() *DB { return &DB{} }

func (db *DB) BeginTx(context.Context, *sql.TxOptions) (core.DBTransactor, error) {
	db.txMu.Lock()
	return &tx{db: db}, nil
}

type tx struct {
	noopExecutor

	db   *DB
	done bool
}

func (t *tx) finish() error {
	if t.done {
		return sql.ErrTxDone
	}
	t.done = true
	t.db.txMu.Unlock()
	return nil
}

func (t *tx) Commit() error   { return t.finish() }
func (t *tx) Rollback() error { return t.finish() }

// GroupRepository is a map-backed group.Repository.
type GroupRepository struct {
	mu sync.Mutex

	nextID        int
	activities    map[int]group.Activity
	activeGroups  map[int]group.ActiveGroup
	registrations map[int]group.Registration
	queueEntries  map[int]group.QueueEntry
}

var _ group.Repository = (*GroupRepository)(nil)

func NewGroupRepository() *GroupRepository {
	return &GroupRepository{
		activities:    make(map[int]group.Activity),
		activeGroups:  make(map[int]group.ActiveGroup),
		registrations: make(map[int]group.Registration),
		queueEntries:  make(map[int]group.QueueEntry),
	}
}

func (repo *GroupRepository) genID() int {
	repo.nextID++
	return repo.nextID
}

// activities

func (repo *GroupRepository) CreateActivity(_ context.Context, act group.Activity, _ ...core.DBExecutor) (group.Activity, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	act.ID = repo.genID()
	repo.activities[act.ID] = act
	return act, nil
}

func (repo *GroupRepository) GetActivity(_ context.Context, id int, _ ...core.DBExecutor) (group.Activity, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	act, ok := repo.activities[id]
	if !ok {
		return group.Activity{}, group.ErrNotFound
	}
	return act, nil
}

func (repo *GroupRepository) ListActivities(_ context.Context, courseID int, _ ...core.DBExecutor) ([]group.Activity, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var activities []group.Activity
	for _, act := range repo.activities {
		if act.CourseID == courseID {
			activities = append(activities, act)
		}
	}
	sort.Slice(activities, func(i, j int) bool { return activities[i].ID < activities[j].ID })
	return activities, nil
}

func (repo *GroupRepository) UpdateActivity(_ context.Context, act group.Activity, _ ...core.DBExecutor) (group.Activity, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, ok := repo.activities[act.ID]; !ok {
		return group.Activity{}, group.ErrNotFound
	}
	repo.activities[act.ID] = act
	return act, nil
}

func (repo *GroupRepository) DeleteActivity(_ context.Context, id int, _ ...core.DBExecutor) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, ok := repo.activities[id]; !ok {
		return group.ErrNotFound
	}
	delete(repo.activities, id)
	for agID, ag := range repo.activeGroups {
		if ag.ActivityID == id {
			repo.deleteActiveGroupLocked(agID)
		}
	}
	return nil
}

// active groups

func (repo *GroupRepository) CreateActiveGroup(_ context.Context, ag group.ActiveGroup, _ ...core.DBExecutor) (group.ActiveGroup, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	ag.ID = repo.genID()
	repo.activeGroups[ag.ID] = ag
	return ag, nil
}

func (repo *GroupRepository) GetActiveGroup(_ context.Context, id int, _ ...core.DBExecutor) (group.ActiveGroup, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	ag, ok := repo.activeGroups[id]
	if !ok {
		return group.ActiveGroup{}, group.ErrNotFound
	}
	return ag, nil
}

func (repo *GroupRepository) LockActiveGroup(ctx context.Context, id int, exec ...core.DBExecutor) (group.ActiveGroup, error) {
	return repo.GetActiveGroup(ctx, id, exec...)
}

func (repo *GroupRepository) FindActiveGroup(_ context.Context, groupID, activityID int, _ ...core.DBExecutor) (group.ActiveGroup, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, ag := range repo.activeGroups {
		if ag.GroupID == groupID && ag.ActivityID == activityID {
			return ag, nil
		}
	}
	return group.ActiveGroup{}, group.ErrNotFound
}

func (repo *GroupRepository) ListActiveGroups(_ context.Context, activityID int, _ ...core.DBExecutor) ([]group.ActiveGroup, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var groups []group.ActiveGroup
	for _, ag := range repo.activeGroups {
		if ag.ActivityID == activityID {
			groups = append(groups, ag)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].SortOrder < groups[j].SortOrder })
	return groups, nil
}

func (repo *GroupRepository) ListGroupRefs(_ context.Context, groupID int, _ ...core.DBExecutor) ([]group.ActiveGroup, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var refs []group.ActiveGroup
	for _, ag := range repo.activeGroups {
		if ag.GroupID == groupID {
			refs = append(refs, ag)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ActivityID < refs[j].ActivityID })
	return refs, nil
}

func (repo *GroupRepository) UpdateActiveGroup(_ context.Context, ag group.ActiveGroup, _ ...core.DBExecutor) (group.ActiveGroup, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, ok := repo.activeGroups[ag.ID]; !ok {
		return group.ActiveGroup{}, group.ErrNotFound
	}
	repo.activeGroups[ag.ID] = ag
	return ag, nil
}

func (repo *GroupRepository) SetCapacity(_ context.Context, id int, capacity *int, _ ...core.DBExecutor) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	ag, ok := repo.activeGroups[id]
	if !ok {
		return group.ErrNotFound
	}
	ag.Capacity = capacity
	repo.activeGroups[id] = ag
	return nil
}

func (repo *GroupRepository) SetSortOrder(_ context.Context, id, sortOrder int, _ ...core.DBExecutor) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	ag, ok := repo.activeGroups[id]
	if !ok {
		return group.ErrNotFound
	}
	ag.SortOrder = sortOrder
	repo.activeGroups[id] = ag
	return nil
}

func (repo *GroupRepository) MaxSortOrder(_ context.Context, activityID int, _ ...core.DBExecutor) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var max int
	for _, ag := range repo.activeGroups {
		if ag.ActivityID == activityID && ag.SortOrder > max {
			max = ag.SortOrder
		}
	}
	return max, nil
}

func (repo *GroupRepository) DeleteActiveGroup(_ context.Context, id int, _ ...core.DBExecutor) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, ok := repo.activeGroups[id]; !ok {
		return group.ErrNotFound
	}
	repo.deleteActiveGroupLocked(id)
	return nil
}

func (repo *GroupRepository) deleteActiveGroupLocked(id int) {
	delete(repo.activeGroups, id)
	for regID, reg := range repo.registrations {
		if reg.ActiveGroupID == id {
			delete(repo.registrations, regID)
		}
	}
	for entryID, entry := range repo.queueEntries {
		if entry.ActiveGroupID == id {
			delete(repo.queueEntries, entryID)
		}
	}
}

// registrations

func (repo *GroupRepository) CreateRegistration(_ context.Context, reg group.Registration, _ ...core.DBExecutor) (group.Registration, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, existing := range repo.registrations {
		if existing.ActiveGroupID == reg.ActiveGroupID && existing.UserID == reg.UserID {
			return group.Registration{}, group.ErrDuplicateRegistration
		}
	}
	reg.ID = repo.genID()
	repo.registrations[reg.ID] = reg
	return reg, nil
}

func (repo *GroupRepository) GetRegistration(_ context.Context, activeGroupID, userID int, _ ...core.DBExecutor) (group.Registration, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, reg := range repo.registrations {
		if reg.ActiveGroupID == activeGroupID && reg.UserID == userID {
			return reg, nil
		}
	}
	return group.Registration{}, group.ErrNotFound
}

func (repo *GroupRepository) ListRegistrations(_ context.Context, activeGroupID int, _ ...core.DBExecutor) ([]group.Registration, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var regs []group.Registration
	for _, reg := range repo.registrations {
		if reg.ActiveGroupID == activeGroupID {
			regs = append(regs, reg)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		if !regs[i].CreatedAt.Equal(regs[j].CreatedAt) {
			return regs[i].CreatedAt.Before(regs[j].CreatedAt)
		}
		return regs[i].ID < regs[j].ID
	})
	return regs, nil
}

func (repo *GroupRepository) CountRegistrations(_ context.Context, activeGroupID int, _ ...core.DBExecutor) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var count int
	for _, reg := range repo.registrations {
		if reg.ActiveGroupID == activeGroupID {
			count++
		}
	}
	return count, nil
}

func (repo *GroupRepository) CountUserRegistrations(_ context.Context, activityID, userID int, _ ...core.DBExecutor) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var count int
	for _, reg := range repo.registrations {
		if reg.UserID != userID {
			continue
		}
		if ag, ok := repo.activeGroups[reg.ActiveGroupID]; ok && ag.ActivityID == activityID {
			count++
		}
	}
	return count, nil
}

func (repo *GroupRepository) UpdateRegistration(_ context.Context, reg group.Registration, _ ...core.DBExecutor) (group.Registration, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, ok := repo.registrations[reg.ID]; !ok {
		return group.Registration{}, group.ErrNotFound
	}
	repo.registrations[reg.ID] = reg
	return reg, nil
}

func (repo *GroupRepository) DeleteRegistration(_ context.Context, id int, _ ...core.DBExecutor) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, ok := repo.registrations[id]; !ok {
		return group.ErrNotFound
	}
	delete(repo.registrations, id)
	return nil
}

func (repo *GroupRepository) DeleteGroupRegistrations(_ context.Context, activeGroupID int, _ ...core.DBExecutor) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var n int
	for id, reg := range repo.registrations {
		if reg.ActiveGroupID == activeGroupID {
			delete(repo.registrations, id)
			n++
		}
	}
	return n, nil
}

// queue entries

func (repo *GroupRepository) CreateQueueEntry(_ context.Context, entry group.QueueEntry, _ ...core.DBExecutor) (group.QueueEntry, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, existing := range repo.queueEntries {
		if existing.ActiveGroupID == entry.ActiveGroupID && existing.UserID == entry.UserID {
			return group.QueueEntry{}, group.ErrAlreadyQueued
		}
	}
	entry.ID = repo.genID()
	repo.queueEntries[entry.ID] = entry
	return entry, nil
}

func (repo *GroupRepository) GetQueueEntry(_ context.Context, activeGroupID, userID int, _ ...core.DBExecutor) (group.QueueEntry, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	for _, entry := range repo.queueEntries {
		if entry.ActiveGroupID == activeGroupID && entry.UserID == userID {
			return entry, nil
		}
	}
	return group.QueueEntry{}, group.ErrNotFound
}

func (repo *GroupRepository) ListQueue(_ context.Context, activeGroupID int, _ ...core.DBExecutor) ([]group.QueueEntry, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var entries []group.QueueEntry
	for _, entry := range repo.queueEntries {
		if entry.ActiveGroupID == activeGroupID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (repo *GroupRepository) CountQueue(_ context.Context, activeGroupID int, _ ...core.DBExecutor) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var count int
	for _, entry := range repo.queueEntries {
		if entry.ActiveGroupID == activeGroupID {
			count++
		}
	}
	return count, nil
}

func (repo *GroupRepository) DeleteQueueEntry(_ context.Context, id int, _ ...core.DBExecutor) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if _, ok := repo.queueEntries[id]; !ok {
		return group.ErrNotFound
	}
	delete(repo.queueEntries, id)
	return nil
}

func (repo *GroupRepository) DeleteUserQueueEntries(_ context.Context, activityID, userID int, _ ...core.DBExecutor) (int, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	var n int
	for id, entry := range repo.queueEntries {
		if entry.UserID != userID {
			continue
		}
		if ag, ok := repo.activeGroups[entry.ActiveGroupID]; ok && ag.ActivityID == activityID {
			delete(repo.queueEntries, id)
			n++
		}
	}
	return n, nil
}
