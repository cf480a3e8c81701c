package main

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/mail"
	"strings"
	"testing"

	"github.com/mwalimu/grouptool/core"
	"github.com/mwalimu/grouptool/core/group"
	"github.com/mwalimu/grouptool/storage/database/inmem"
)

type (
	fakeRoster struct{}
	nopLogger  struct{}
	nopMail    struct{}
)

func (fakeRoster) GetGroup(_ context.Context, groupID int) (group.RosterGroup, error) {
	return group.RosterGroup{ID: groupID, Name: fmt.Sprintf("Group %d", groupID)}, nil
}
func (fakeRoster) CreateGroup(_ context.Context, g group.RosterGroup) (group.RosterGroup, error) {
	return g, nil
}
func (fakeRoster) AddMember(context.Context, int, int) error    { return nil }
func (fakeRoster) RemoveMember(context.Context, int, int) error { return nil }
func (fakeRoster) UserAddress(_ context.Context, userID int) (mail.Address, error) {
	return mail.Address{Address: fmt.Sprintf("user%d@test.cd", userID)}, nil
}

func (nopLogger) Enable(bool)                  {}
func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func (nopMail) SendMessages(...*core.EmailMessage) {}

func setup(t *testing.T) (*commandLine, *group.Service, *bytes.Buffer) {
	t.Helper()
	roster := fakeRoster{}
	svc := group.NewService(inmem.NewDB(), inmem.NewGroupRepository(), nopMail{}, roster, roster, nopLogger{})
	out := new(bytes.Buffer)
	return &commandLine{svc: svc, out: out}, svc, out
}

type cliTest struct {
	name    string
	args    []string // without program name
	wantErr error
}

func Test_commandLine_run(t *testing.T) {
	cli, _, _ := setup(t)

	var migrated, created bool
	migrateFunc = func(*sql.DB) error { migrated = true; return nil }
	createDBFunc = func(*core.Config) error { created = true; return nil }

	tests := []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "migrate", args: []string{"migrate"}},
		{name: "createdb", args: []string{"createdb"}},
		{name: "exportroster: no activity", args: []string{"exportroster"}, wantErr: errHelp},
	}
	for _, tt := range tests {
		args := append([]string{"admin"}, tt.args...)

		t.Run(tt.name, func(t *testing.T) {
			if err := cli.run(args); err != tt.wantErr {
				t.Errorf("cli.run() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if !migrated {
		t.Error("migrate command did not run migrations")
	}
	if !created {
		t.Error("createdb command did not create the database")
	}
}

func Test_commandLine_exportRoster(t *testing.T) {
	cli, svc, out := setup(t)
	ctx := context.Background()

	act, err := svc.CreateActivity(ctx, group.NewActivity{CourseID: 1, Name: "Lab", DefaultCapacity: 2})
	if err != nil {
		t.Fatalf("CreateActivity() failed: %v", err)
	}
	ag, err := svc.AddGroup(ctx, act.ID, 10)
	if err != nil {
		t.Fatalf("AddGroup() failed: %v", err)
	}
	if _, err = svc.SetActive(ctx, ag.ID, true); err != nil {
		t.Fatalf("SetActive() failed: %v", err)
	}
	if _, err = svc.Register(ctx, act.ID, 10, 7, 0); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	args := []string{"admin", "exportroster", "-activity", fmt.Sprint(act.ID)}
	if err := cli.run(args); err != nil {
		t.Fatalf("cli.run() failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("export wrote %d lines, want 2:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[1], "Group 10") || !strings.Contains(lines[1], "7") {
		t.Errorf("export row = %q, want group name and user id", lines[1])
	}
}
