package main

import (
	"fmt"

	"github.com/gofrs/uuid/v5"
	"gopkg.in/yaml.v3"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/model"
)

// ------- yaml shapes -------

type permYAML struct {
	Allow bool     `yaml:"allow"`
	Users []string `yaml:"users"`
}

type fenceYAML struct {
	FID           int64               `yaml:"fid"`
	Cname         *string             `yaml:"cname"`
	Title         *string             `yaml:"title"`
	Owner         *string             `yaml:"owner"`
	MaxMembers    *int32              `yaml:"max_members"`
	ExpireTimerMs *int64              `yaml:"expire_timer_ms"`
	Avatar        *string             `yaml:"avatar"`
	Members       []string            `yaml:"members"`
	Invitees      []string            `yaml:"invited_members"`
	Permissions   map[string]permYAML `yaml:"permissions"`
	EID           int64               `yaml:"eid"`
	Invited       bool                `yaml:"invited"`
}

type commandYAML struct {
	Kind       string      `yaml:"kind"`
	Arg        string      `yaml:"arg"`
	ClientArg  string      `yaml:"client_arg"`
	Error      string      `yaml:"error"`
	EID        int64       `yaml:"eid"`
	WhenClient int64       `yaml:"when_client"`
	When       int64       `yaml:"when"`
	Originator string      `yaml:"originator"`
	LocalID    string      `yaml:"local_id"`
	Fences     []fenceYAML `yaml:"fences"`
}

type fenceListYAML struct {
	Members []fenceYAML `yaml:"members"`
	Invited []fenceYAML `yaml:"invited"`
}

// ------- conversion -------

// parseCommand reads a YAML command description. The returned id is the
// optional local_id the command is pinned to.
func parseCommand(b []byte) (*command.Command, uuid.UUID, error) {
	var in commandYAML
	if err := yaml.Unmarshal(b, &in); err != nil {
		return nil, uuid.Nil, fmt.Errorf("parse command: %w", err)
	}

	kind, ok := command.ParseKind(in.Kind)
	if !ok {
		return nil, uuid.Nil, fmt.Errorf("unknown kind %q", in.Kind)
	}
	h := command.Header{
		Kind:       kind,
		EventID:    in.EID,
		WhenClient: in.WhenClient,
		When:       in.When,
		Originator: in.Originator,
	}
	for _, f := range []struct {
		name string
		dst  *command.Arg
	}{{in.Arg, &h.Arg}, {in.ClientArg, &h.ClientArg}} {
		if f.name == "" {
			continue
		}
		a, ok := command.ParseArg(f.name)
		if !ok {
			return nil, uuid.Nil, fmt.Errorf("unknown arg %q", f.name)
		}
		*f.dst = a
	}
	if in.Error != "" {
		e, ok := command.ParseErrorCode(in.Error)
		if !ok {
			return nil, uuid.Nil, fmt.Errorf("unknown error code %q", in.Error)
		}
		h.Error = e
	}

	local := uuid.Nil
	if in.LocalID != "" {
		id, err := uuid.FromString(in.LocalID)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("bad local_id: %w", err)
		}
		local = id
	}

	cmd := &command.Command{Header: h}
	for i := range in.Fences {
		f, err := in.Fences[i].snapshot()
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("fence[%d]: %w", i, err)
		}
		cmd.Fences = append(cmd.Fences, f)
	}
	return cmd, local, nil
}

// parseFenceList reads the server fence lists a bulk sync runs against.
func parseFenceList(b []byte) (members, invited []command.FenceSnapshot, err error) {
	var in fenceListYAML
	if err := yaml.Unmarshal(b, &in); err != nil {
		return nil, nil, fmt.Errorf("parse fence list: %w", err)
	}
	conv := func(src []fenceYAML) ([]command.FenceSnapshot, error) {
		out := make([]command.FenceSnapshot, 0, len(src))
		for i := range src {
			f, err := src[i].snapshot()
			if err != nil {
				return nil, fmt.Errorf("fence[%d]: %w", i, err)
			}
			out = append(out, f)
		}
		return out, nil
	}
	if members, err = conv(in.Members); err != nil {
		return nil, nil, fmt.Errorf("members: %w", err)
	}
	if invited, err = conv(in.Invited); err != nil {
		return nil, nil, fmt.Errorf("invited: %w", err)
	}
	return members, invited, nil
}

func (y *fenceYAML) snapshot() (command.FenceSnapshot, error) {
	f := command.FenceSnapshot{
		FenceID:           y.FID,
		CanonicalName:     y.Cname,
		Title:             y.Title,
		OwnerUserID:       y.Owner,
		MaxMembers:        y.MaxMembers,
		ExpireTimerMillis: y.ExpireTimerMs,
		AvatarRef:         y.Avatar,
		Members:           y.Members,
		InvitedMembers:    y.Invitees,
		EventID:           y.EID,
		Invited:           y.Invited,
	}
	for name, p := range y.Permissions {
		c, ok := capabilityByName(name)
		if !ok {
			return f, fmt.Errorf("unknown capability %q", name)
		}
		if f.Permissions == nil {
			f.Permissions = make(map[model.Capability]command.PermissionBlock)
		}
		b := command.PermissionBlock{Users: p.Users}
		if p.Allow {
			b.Semantics = model.AllowList
		}
		f.Permissions[c] = b
	}
	return f, nil
}

func capabilityByName(name string) (model.Capability, bool) {
	for _, c := range model.Capabilities {
		if c.String() == name {
			return c, true
		}
	}
	return model.CapNone, false
}
