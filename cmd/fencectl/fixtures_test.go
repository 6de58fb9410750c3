package main

import (
	"testing"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/model"
)

func Test_parseCommand(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV4())
	src := `
kind: PERMISSION
arg: REJECTED
client_arg: ADDED
error: PERMISSIONS
eid: 7
originator: u1
local_id: ` + id.String() + `
fences:
  - fid: 12
    cname: "12:Crew"
    title: Crew
    permissions:
      calling: {allow: true, users: [u2]}
`
	cmd, local, err := parseCommand([]byte(src))
	if err != nil {
		t.Fatalf("parseCommand: %v", err)
	}
	if local != id {
		t.Fatalf("local id: got %s want %s", local, id)
	}
	h := cmd.Header
	if h.Kind != command.KindPermission || h.Arg != command.ArgRejected || h.ClientArg != command.ArgAdded {
		t.Fatalf("header mismatch: %+v", h)
	}
	if h.Error != command.ErrorPermissions || h.EventID != 7 || h.Originator != "u1" {
		t.Fatalf("header mismatch: %+v", h)
	}
	f := cmd.Fence()
	if f == nil || f.FenceID != 12 || f.Cname() != "12:Crew" || f.Fname() != "Crew" {
		t.Fatalf("fence mismatch: %+v", f)
	}
	b, ok := f.Permissions[model.CapCalling]
	if !ok || b.Semantics != model.AllowList || len(b.Users) != 1 || b.Users[0] != "u2" {
		t.Fatalf("permission mismatch: %+v", f.Permissions)
	}
}

func Test_parseCommand_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"bad yaml":       "kind: [",
		"unknown kind":   "kind: JUMP",
		"unknown arg":    "kind: JOIN\narg: MAYBE",
		"unknown error":  "kind: JOIN\narg: REJECTED\nerror: OOPS",
		"bad local id":   "kind: JOIN\nlocal_id: nope",
		"bad capability": "kind: PERMISSION\nfences:\n  - fid: 1\n    permissions:\n      flying: {users: [a]}",
	}
	for name, src := range cases {
		if _, _, err := parseCommand([]byte(src)); err == nil {
			t.Fatalf("%s: want error", name)
		}
	}
}

func Test_parseFenceList(t *testing.T) {
	t.Parallel()

	members, invited, err := parseFenceList([]byte(`
members:
  - {fid: 1, title: A, cname: "1:A", eid: 4}
  - {fid: 2}
invited:
  - {fid: 55, title: Team, invited: true}
`))
	if err != nil {
		t.Fatalf("parseFenceList: %v", err)
	}
	if len(members) != 2 || members[0].EventID != 4 || members[1].Title != nil {
		t.Fatalf("members mismatch: %+v", members)
	}
	if len(invited) != 1 || !invited[0].Invited || invited[0].Fname() != "Team" {
		t.Fatalf("invited mismatch: %+v", invited)
	}
}
