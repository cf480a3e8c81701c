package group_test

import (
	"context"
	"fmt"
	"net/mail"
	"sync"
	"testing"

	"github.com/pkg/errors"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
	"github.com/mwalimu/grouptool/storage/database/inmem"
)

func errCause(err error) error { return errors.Cause(err) }

type rosterMock struct {
	mu      sync.Mutex
	nextID  int
	groups  map[int]group.RosterGroup
	members map[int]map[int]bool // groupID -> userIDs

	failAddMember bool
}

func newRosterMock() *rosterMock {
	return &rosterMock{
		nextID:  1000,
		groups:  make(map[int]group.RosterGroup),
		members: make(map[int]map[int]bool),
	}
}

func (m *rosterMock) addGroup(id int, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[id] = group.RosterGroup{ID: id, Name: name}
}

func (m *rosterMock) hasMember(groupID, userID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[groupID][userID]
}

func (m *rosterMock) GetGroup(_ context.Context, groupID int) (group.RosterGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return group.RosterGroup{}, group.ErrNotFound
	}
	return g, nil
}

func (m *rosterMock) CreateGroup(_ context.Context, g group.RosterGroup) (group.RosterGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	g.ID = m.nextID
	m.groups[g.ID] = g
	return g, nil
}

func (m *rosterMock) AddMember(_ context.Context, groupID, userID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAddMember {
		return fmt.Errorf("roster unavailable")
	}
	if m.members[groupID] == nil {
		m.members[groupID] = make(map[int]bool)
	}
	m.members[groupID][userID] = true
	return nil
}

func (m *rosterMock) RemoveMember(_ context.Context, groupID, userID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members[groupID], userID)
	return nil
}

type directoryMock struct{}

func (directoryMock) UserAddress(_ context.Context, userID int) (mail.Address, error) {
	return mail.Address{
		Name:    fmt.Sprintf("User %d", userID),
		Address: fmt.Sprintf("user%d@test.cd", userID),
	}, nil
}

type mailRecorder struct {
	mu   sync.Mutex
	sent []core.EmailMessage
}

func (m *mailRecorder) SendMessages(messages ...*core.EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range messages {
		m.sent = append(m.sent, *msg)
	}
}

func (m *mailRecorder) sentTo() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var addrs []string
	for _, msg := range m.sent {
		for _, to := range msg.To {
			addrs = append(addrs, to.Address)
		}
	}
	return addrs
}

type nopLogger struct{}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

type fixture struct {
	svc    *group.Service
	repo   *inmem.GroupRepository
	roster *rosterMock
	mail   *mailRecorder
}

func setup(t *testing.T) *fixture {
	t.Helper()
	repo := inmem.NewGroupRepository()
	roster := newRosterMock()
	mail := &mailRecorder{}
	svc := group.NewService(inmem.NewDB(), repo, mail, roster, directoryMock{}, nopLogger{})
	return &fixture{svc: svc, repo: repo, roster: roster, mail: mail}
}

// createActivity persists an activity with sane defaults overridable per test.
func (f *fixture) createActivity(t *testing.T, mutate ...func(*group.NewActivity)) group.Activity {
	t.Helper()
	na := group.NewActivity{
		CourseID:        1,
		Name:            "Lab session",
		DefaultCapacity: 2,
		QueueEnabled:    true,
		DeletionPolicy:  string(group.DeletionPolicyDelete),
	}
	for _, m := range mutate {
		m(&na)
	}
	act, err := f.svc.CreateActivity(context.Background(), na)
	if err != nil {
		t.Fatalf("createActivity() failed: %v", err)
	}
	return act
}

// addActiveGroup scopes groupID into the activity and activates it.
func (f *fixture) addActiveGroup(t *testing.T, activityID, groupID int) group.ActiveGroup {
	t.Helper()
	ctx := context.Background()
	ag, err := f.svc.AddGroup(ctx, activityID, groupID)
	if err != nil {
		t.Fatalf("addActiveGroup() failed: %v", err)
	}
	f.roster.addGroup(groupID, fmt.Sprintf("Group %d", groupID))
	ag, err = f.svc.SetActive(ctx, ag.ID, true)
	if err != nil {
		t.Fatalf("addActiveGroup() failed: %v", err)
	}
	return ag
}

func (f *fixture) register(t *testing.T, activityID, groupID, userID int) group.RegisterResult {
	t.Helper()
	res, err := f.svc.Register(context.Background(), activityID, groupID, userID, 0)
	if err != nil {
		t.Fatalf("register() failed: %v", err)
	}
	return res
}
