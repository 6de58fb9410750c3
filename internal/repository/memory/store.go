// Package memory is an in-process implementation of the fence stores, used
// by tests and by dry runs of the CLI.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fence-sync/internal/errs"
	"github.com/and161185/fence-sync/internal/model"
)

// Store holds groups, threads and messages behind one lock.
type Store struct {
	mu       sync.RWMutex
	groups   map[uuid.UUID]*model.GroupRecord
	threads  map[int64]*model.ThreadRecord
	messages map[int64][]model.MessageRecord
	nextTID  int64
	nextMID  int64
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		groups:   make(map[uuid.UUID]*model.GroupRecord),
		threads:  make(map[int64]*model.ThreadRecord),
		messages: make(map[int64][]model.MessageRecord),
		now:      time.Now,
	}
}

// Groups returns the group repository view.
func (s *Store) Groups() *GroupRepo { return &GroupRepo{s: s} }

// Threads returns the thread repository view.
func (s *Store) Threads() *ThreadRepo { return &ThreadRepo{s: s} }

// Messages returns the message repository view.
func (s *Store) Messages() *MessageRepo { return &MessageRepo{s: s} }

// GroupRepo implements repository.GroupRepository.
type GroupRepo struct{ s *Store }

func (r *GroupRepo) Create(_ context.Context, g *model.GroupRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.LocalID]; ok {
		return fmt.Errorf("group %s: %w", g.LocalID, errs.ErrAlreadyExists)
	}
	if g.FenceID > 0 && s.byFID(g.FenceID) != nil {
		return fmt.Errorf("group fid=%d: %w", g.FenceID, errs.ErrAlreadyExists)
	}
	c := g.Clone()
	c.UpdatedAt = s.now()
	s.groups[c.LocalID] = c
	return nil
}

func (r *GroupRepo) GetByFenceID(_ context.Context, fid int64) (*model.GroupRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if fid <= 0 {
		return nil, errs.ErrNotFound
	}
	if g := r.s.byFID(fid); g != nil {
		return g.Clone(), nil
	}
	return nil, errs.ErrNotFound
}

func (r *GroupRepo) GetByCanonicalName(_ context.Context, cname string) (*model.GroupRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var best *model.GroupRecord
	for _, g := range r.s.groups {
		if g.CanonicalName != cname {
			continue
		}
		if best == nil || g.UpdatedAt.After(best.UpdatedAt) {
			best = g
		}
	}
	if best == nil {
		return nil, errs.ErrNotFound
	}
	return best.Clone(), nil
}

func (r *GroupRepo) GetByLocalID(_ context.Context, id uuid.UUID) (*model.GroupRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if g, ok := r.s.groups[id]; ok {
		return g.Clone(), nil
	}
	return nil, errs.ErrNotFound
}

func (r *GroupRepo) Update(_ context.Context, g *model.GroupRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[g.LocalID]; !ok {
		return errs.ErrNotFound
	}
	if g.FenceID > 0 {
		if other := s.byFID(g.FenceID); other != nil && other.LocalID != g.LocalID {
			return fmt.Errorf("group fid=%d: %w", g.FenceID, errs.ErrAlreadyExists)
		}
	}
	c := g.Clone()
	c.UpdatedAt = s.now()
	s.groups[c.LocalID] = c
	return nil
}

func (r *GroupRepo) SetMode(_ context.Context, id uuid.UUID, mode model.Mode) error {
	return r.s.mutateGroup(id, func(g *model.GroupRecord) { g.Mode = mode })
}

func (r *GroupRepo) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	return r.s.mutateGroup(id, func(g *model.GroupRecord) { g.Active = active })
}

func (r *GroupRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.groups, id)
	return nil
}

func (r *GroupRepo) List(_ context.Context) ([]model.GroupRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]model.GroupRecord, 0, len(r.s.groups))
	for _, g := range r.s.groups {
		out = append(out, *g.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FenceID != out[j].FenceID {
			return out[i].FenceID < out[j].FenceID
		}
		return out[i].LocalID.String() < out[j].LocalID.String()
	})
	return out, nil
}

// ThreadRepo implements repository.ThreadRepository.
type ThreadRepo struct{ s *Store }

func (r *ThreadRepo) Create(_ context.Context, t *model.ThreadRecord) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, th := range s.threads {
		if th.LocalID == t.LocalID {
			return 0, fmt.Errorf("thread for group %s: %w", t.LocalID, errs.ErrAlreadyExists)
		}
	}
	s.nextTID++
	c := *t
	c.ThreadID = s.nextTID
	c.UpdatedAt = s.now()
	s.threads[c.ThreadID] = &c
	return c.ThreadID, nil
}

func (r *ThreadRepo) Get(_ context.Context, threadID int64) (*model.ThreadRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if th, ok := r.s.threads[threadID]; ok {
		c := *th
		return &c, nil
	}
	return nil, errs.ErrNotFound
}

func (r *ThreadRepo) GetByLocalID(_ context.Context, id uuid.UUID) (*model.ThreadRecord, error) {
	return r.find(func(th *model.ThreadRecord) bool { return th.LocalID == id })
}

func (r *ThreadRepo) GetByFenceID(_ context.Context, fid int64) (*model.ThreadRecord, error) {
	if fid <= 0 {
		return nil, errs.ErrNotFound
	}
	return r.find(func(th *model.ThreadRecord) bool { return th.FenceID == fid })
}

func (r *ThreadRepo) SetFenceID(_ context.Context, threadID, fid int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	th, ok := r.s.threads[threadID]
	if !ok {
		return errs.ErrNotFound
	}
	th.FenceID = fid
	th.UpdatedAt = r.s.now()
	return nil
}

func (r *ThreadRepo) RaiseEventID(_ context.Context, fid, eid int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	th := r.s.threadByFID(fid)
	if th == nil {
		return errs.ErrNotFound
	}
	if eid > th.LastEventID {
		th.LastEventID = eid
		th.UpdatedAt = r.s.now()
	}
	return nil
}

func (r *ThreadRepo) Delete(_ context.Context, threadID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.threads, threadID)
	delete(r.s.messages, threadID)
	return nil
}

func (r *ThreadRepo) List(_ context.Context) ([]model.ThreadRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	out := make([]model.ThreadRecord, 0, len(r.s.threads))
	for _, th := range r.s.threads {
		out = append(out, *th)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

func (r *ThreadRepo) find(match func(*model.ThreadRecord) bool) (*model.ThreadRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var best *model.ThreadRecord
	for _, th := range r.s.threads {
		if match(th) && (best == nil || th.ThreadID < best.ThreadID) {
			best = th
		}
	}
	if best == nil {
		return nil, errs.ErrNotFound
	}
	c := *best
	return &c, nil
}

// MessageRepo implements repository.MessageRepository.
type MessageRepo struct{ s *Store }

func (r *MessageRepo) Insert(_ context.Context, m *model.MessageRecord) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.nextMID++
	c := *m
	c.ID = r.s.nextMID
	r.s.messages[c.ThreadID] = append(r.s.messages[c.ThreadID], c)
	return c.ID, nil
}

func (r *MessageRepo) DeletePending(_ context.Context, threadID, sentAt int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	msgs := r.s.messages[threadID]
	for i, m := range msgs {
		if m.Kind == model.MessagePendingRequest && m.SentAt == sentAt {
			r.s.messages[threadID] = append(msgs[:i:i], msgs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (r *MessageRepo) List(_ context.Context, threadID int64) ([]model.MessageRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append([]model.MessageRecord(nil), r.s.messages[threadID]...), nil
}

func (s *Store) byFID(fid int64) *model.GroupRecord {
	for _, g := range s.groups {
		if g.FenceID == fid {
			return g
		}
	}
	return nil
}

func (s *Store) threadByFID(fid int64) *model.ThreadRecord {
	var best *model.ThreadRecord
	for _, th := range s.threads {
		if th.FenceID == fid && (best == nil || th.ThreadID < best.ThreadID) {
			best = th
		}
	}
	return best
}

func (s *Store) mutateGroup(id uuid.UUID, fn func(*model.GroupRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[id]
	if !ok {
		return errs.ErrNotFound
	}
	fn(g)
	g.UpdatedAt = s.now()
	return nil
}
