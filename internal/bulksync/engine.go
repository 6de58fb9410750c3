// Package bulksync reconciles the server's list of fences this account
// belongs to, or is invited to, against the locally known groups.
package bulksync

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/convert"
	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
	"github.com/and161185/fence-sync/internal/repository"
)

// Requester sends the outbound requests a pass may issue. The returned
// thread id is informational.
type Requester interface {
	StateSync(ctx context.Context, fid int64) (int64, error)
	JoinSync(ctx context.Context, f *command.FenceSnapshot) (int64, error)
	JoinSyncExisting(ctx context.Context, g *model.GroupRecord) (int64, error)
	InviteSync(ctx context.Context, g *model.GroupRecord) (int64, error)
	Leave(ctx context.Context, fid int64, cleanup bool) (int64, error)
}

// Report counts what one or more passes did.
type Report struct {
	Processed int // server entries matched to a local thread
	Missing   int // server entries with no local thread
	Created   int // groups created locally
	Resynced  int // state or join sync requests sent
	Left      int // leave requests sent
	Deleted   int // local conversations removed
}

func (r *Report) add(o Report) {
	r.Processed += o.Processed
	r.Missing += o.Missing
	r.Created += o.Created
	r.Resynced += o.Resynced
	r.Left += o.Left
	r.Deleted += o.Deleted
}

// Engine runs bulk sync passes.
type Engine struct {
	groups  repository.GroupRepository
	threads repository.ThreadRepository
	req     Requester
	self    string
	log     *zap.Logger
}

// New constructs an Engine. self is this account's user id.
func New(groups repository.GroupRepository, threads repository.ThreadRepository, req Requester, self string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{groups: groups, threads: threads, req: req, self: self, log: log}
}

// local is one thread of the cursor together with its group, read before
// the pass mutates anything.
type local struct {
	thread model.ThreadRecord
	group  *model.GroupRecord
	seen   bool
}

type pass struct {
	invited bool
	log     *zap.Logger
	rep     Report
}

// Run syncs memberships, then invitations, and returns the combined report.
func (e *Engine) Run(ctx context.Context, members, invited []command.FenceSnapshot) (Report, error) {
	var total Report
	rep, err := e.SyncFences(ctx, members)
	total.add(rep)
	if err != nil {
		return total, err
	}
	rep, err = e.SyncInvitedFences(ctx, invited)
	total.add(rep)
	return total, err
}

// SyncFences reconciles the fences the server says this account is a member of.
func (e *Engine) SyncFences(ctx context.Context, server []command.FenceSnapshot) (Report, error) {
	p := &pass{log: e.log.With(zap.String("pass", "members"))}
	err := e.run(ctx, p, server)
	return p.rep, err
}

// SyncInvitedFences reconciles the fences this account is invited to. The
// local cursor is restricted to invitation groups.
func (e *Engine) SyncInvitedFences(ctx context.Context, server []command.FenceSnapshot) (Report, error) {
	p := &pass{invited: true, log: e.log.With(zap.String("pass", "invited"))}
	err := e.run(ctx, p, server)
	return p.rep, err
}

func (e *Engine) run(ctx context.Context, p *pass, server []command.FenceSnapshot) error {
	cursor, err := e.snapshot(ctx, p.invited)
	if err != nil {
		return err
	}

	var missing []command.FenceSnapshot
	for i := range server {
		s := server[i]
		if p.invited {
			s.Invited = true
		}
		if s.FenceID <= 0 {
			p.log.Warn("server entry without fence id skipped", zap.Error(errs.ErrDataIntegrity))
			continue
		}
		l := match(cursor, s.FenceID)
		if l == nil {
			missing = append(missing, s)
			continue
		}
		l.seen = true
		p.rep.Processed++
		if err := e.processed(ctx, p, l, &s); err != nil {
			return err
		}
	}

	for i := range missing {
		p.rep.Missing++
		if err := e.missing(ctx, p, &missing[i]); err != nil {
			return err
		}
	}

	for i := range cursor {
		if cursor[i].seen {
			continue
		}
		if err := e.unreferenced(ctx, p, &cursor[i]); err != nil {
			return err
		}
	}

	p.log.Info("bulk sync pass done",
		zap.Int("processed", p.rep.Processed), zap.Int("missing", p.rep.Missing),
		zap.Int("created", p.rep.Created), zap.Int("resynced", p.rep.Resynced),
		zap.Int("left", p.rep.Left), zap.Int("deleted", p.rep.Deleted))
	return nil
}

// snapshot materializes the thread cursor and each thread's group.
func (e *Engine) snapshot(ctx context.Context, invited bool) ([]local, error) {
	threads, err := e.threads.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	out := make([]local, 0, len(threads))
	for _, th := range threads {
		g, err := e.groups.GetByLocalID(ctx, th.LocalID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			g = nil
		case err != nil:
			return nil, fmt.Errorf("group lookup: %w", err)
		}
		if invited && (g == nil || !g.Mode.IsInvitation()) {
			continue
		}
		out = append(out, local{thread: th, group: g})
	}
	return out, nil
}

func match(cursor []local, fid int64) *local {
	for i := range cursor {
		if cursor[i].thread.FenceID == fid && cursor[i].group != nil {
			return &cursor[i]
		}
	}
	return nil
}

func (e *Engine) processed(ctx context.Context, p *pass, l *local, s *command.FenceSnapshot) error {
	g := l.group
	log := p.log.With(zap.Int64("fid", s.FenceID))

	if g.Mode.IsInvitation() && !s.Invited {
		log.Info("invitation accepted elsewhere", zap.Stringer("mode", g.Mode))
		if err := e.groups.SetMode(ctx, g.LocalID, model.ModeInvitationJoinAccepted); err != nil {
			return fmt.Errorf("set mode: %w", err)
		}
		g.Mode = model.ModeInvitationJoinAccepted
	}

	if s.EventID > l.thread.LastEventID {
		if !g.Active {
			if err := e.groups.SetActive(ctx, g.LocalID, true); err != nil {
				return fmt.Errorf("reactivate: %w", err)
			}
		}
		if e.request(log, "STATE/SYNCED", func() error {
			_, err := e.req.StateSync(ctx, s.FenceID)
			return err
		}) {
			p.rep.Resynced++
		}
	}

	if !g.Mode.Known() {
		log.Warn("group mode repaired", zap.Stringer("mode", g.Mode), zap.Error(errs.ErrDataIntegrity))
		if err := e.groups.SetMode(ctx, g.LocalID, model.ModeJoinAccepted); err != nil {
			return fmt.Errorf("set mode: %w", err)
		}
	}
	return nil
}

func (e *Engine) missing(ctx context.Context, p *pass, s *command.FenceSnapshot) error {
	log := p.log.With(zap.Int64("fid", s.FenceID), zap.String("cname", s.Cname()))

	g, err := e.groups.GetByFenceID(ctx, s.FenceID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		g = nil
	case err != nil:
		return fmt.Errorf("group lookup: %w", err)
	}

	if s.Invited {
		// An existing group, whatever its mode, is re-synced as an invitation.
		if g == nil {
			g = convert.GroupFromSnapshot(s, model.ModeInvitation, e.self)
			if err := e.groups.Create(ctx, g); err != nil {
				e.rejectInvitation(ctx, p, log, s, err)
				return nil
			}
			p.rep.Created++
			log.Info("invitation recorded")
		}
		if e.request(log, "INVITE/SYNCED", func() error {
			_, err := e.req.InviteSync(ctx, g)
			return err
		}) {
			p.rep.Resynced++
		}
		return nil
	}

	switch {
	case g != nil && !g.Active:
		if e.request(log, "LEAVE", func() error {
			_, err := e.req.Leave(ctx, s.FenceID, false)
			return err
		}) {
			p.rep.Left++
		}
	case g != nil:
		if e.request(log, "JOIN/SYNCED", func() error {
			_, err := e.req.JoinSyncExisting(ctx, g)
			return err
		}) {
			p.rep.Resynced++
		}
	default:
		if err := e.dropStaleByName(ctx, p, s); err != nil {
			return err
		}
		if s.Cname() == "" && s.Fname() == "" {
			log.Info("unknown fence without usable name, leaving")
			if e.request(log, "LEAVE", func() error {
				_, err := e.req.Leave(ctx, s.FenceID, false)
				return err
			}) {
				p.rep.Left++
			}
			return nil
		}
		if e.request(log, "JOIN/SYNCED", func() error {
			_, err := e.req.JoinSync(ctx, s)
			return err
		}) {
			p.rep.Created++
			p.rep.Resynced++
		}
	}
	return nil
}

// rejectInvitation handles an invitation that cannot be stored locally. A
// conflicting record makes the fence unusable here, so it is left.
func (e *Engine) rejectInvitation(ctx context.Context, p *pass, log *zap.Logger, s *command.FenceSnapshot, err error) {
	if !errors.Is(err, errs.ErrAlreadyExists) {
		log.Warn("invitation not recorded", zap.Error(err))
		return
	}
	log.Warn("invitation conflicts with a local group, leaving", zap.Error(err))
	if e.request(log, "LEAVE", func() error {
		_, err := e.req.Leave(ctx, s.FenceID, false)
		return err
	}) {
		p.rep.Left++
	}
}

// dropStaleByName removes a local group that carries the server entry's
// canonical name under another fence id.
func (e *Engine) dropStaleByName(ctx context.Context, p *pass, s *command.FenceSnapshot) error {
	if s.Cname() == "" {
		return nil
	}
	g, err := e.groups.GetByCanonicalName(ctx, s.Cname())
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("group lookup: %w", err)
	}
	if g.FenceID == s.FenceID {
		return nil
	}
	p.log.Warn("stale group with same canonical name removed",
		zap.Int64("stale_fid", g.FenceID), zap.String("cname", s.Cname()), zap.Error(errs.ErrDataIntegrity))
	if err := e.deleteGroup(ctx, g); err != nil {
		return err
	}
	p.rep.Deleted++
	return nil
}

func (e *Engine) unreferenced(ctx context.Context, p *pass, l *local) error {
	log := p.log.With(zap.Int64("fid", l.thread.FenceID), zap.Int64("thread", l.thread.ThreadID))
	g := l.group

	switch {
	case g == nil:
		log.Warn("thread without group removed", zap.Error(errs.ErrDataIntegrity))
		if err := e.threads.Delete(ctx, l.thread.ThreadID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
		p.rep.Deleted++
	case p.invited:
		log.Info("invitation withdrawn, removing")
		if err := e.deleteConversation(ctx, l); err != nil {
			return err
		}
		p.rep.Deleted++
	case !g.Active:
		log.Info("inactive conversation unknown to server, removing")
		if err := e.deleteConversation(ctx, l); err != nil {
			return err
		}
		p.rep.Deleted++
	case g.Mode.IsInvitation():
		// pending invitations belong to the invited pass
	default:
		if e.request(log, "JOIN/SYNCED", func() error {
			_, err := e.req.JoinSyncExisting(ctx, g)
			return err
		}) {
			p.rep.Resynced++
		}
	}
	return nil
}

func (e *Engine) deleteConversation(ctx context.Context, l *local) error {
	if err := e.threads.Delete(ctx, l.thread.ThreadID); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	if err := e.groups.Delete(ctx, l.group.LocalID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

func (e *Engine) deleteGroup(ctx context.Context, g *model.GroupRecord) error {
	th, err := e.threads.GetByLocalID(ctx, g.LocalID)
	switch {
	case err == nil:
		if err := e.threads.Delete(ctx, th.ThreadID); err != nil {
			return fmt.Errorf("delete thread: %w", err)
		}
	case !errors.Is(err, errs.ErrNotFound):
		return fmt.Errorf("thread lookup: %w", err)
	}
	if err := e.groups.Delete(ctx, g.LocalID); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

// request runs one outbound call and reports whether it was sent. Send
// failures never abort a pass.
func (e *Engine) request(log *zap.Logger, label string, fn func() error) bool {
	err := fn()
	switch {
	case err == nil:
		return true
	case errors.Is(err, errs.ErrRateLimited):
		log.Debug("request throttled", zap.String("cmd", label))
	default:
		log.Warn("request failed", zap.String("cmd", label), zap.Error(err))
	}
	return false
}
