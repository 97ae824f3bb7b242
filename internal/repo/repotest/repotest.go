// Package repotest is an in-memory repo.Store for tests. Transactions
// are serialized by one mutex; rollback is not modelled, which matches
// how the engine uses transactions (checks first, writes after).
package repotest

import (
	"context"
	"sort"
	"sync"
	"time"

	"eventbot/internal/model"
	"eventbot/internal/repo"
)

type Store struct {
	mu          sync.Mutex
	events      map[int64]*model.Event
	regs        map[int64]*model.Registration
	nextEventID int64
	nextRegID   int64
	base        time.Time
}

var _ repo.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		events: make(map[int64]*model.Event),
		regs:   make(map[int64]*model.Registration),
		base:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

// tick is the store clock: strictly increasing per inserted row, so
// created_at ordering is deterministic in tests.
func (s *Store) tick() time.Time {
	return s.base.Add(time.Duration(s.nextRegID) * time.Second)
}

// SeedEvent inserts an event directly, bypassing lifecycle rules.
func (s *Store) SeedEvent(e model.Event) *model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		s.nextEventID++
		e.ID = s.nextEventID
	} else if e.ID > s.nextEventID {
		s.nextEventID = e.ID
	}
	s.events[e.ID] = &e
	cp := e
	return &cp
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repo.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &tx{s: s})
}

func (s *Store) CreateEvent(_ context.Context, e *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	e.ID = s.nextEventID
	cp := *e
	s.events[e.ID] = &cp
	return e.ID, nil
}

func (s *Store) GetEvent(_ context.Context, id int64) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventCopy(id)
}

func (s *Store) ListEvents(_ context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) EventStats(ctx context.Context, eventID int64) (*model.EventStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, err := s.eventCopy(eventID)
	if err != nil {
		return nil, err
	}
	stats := &model.EventStats{Event: *ev}
	for _, r := range s.regs {
		if r.EventID != eventID {
			continue
		}
		speaker := r.Role == model.RoleSpeaker
		switch r.Status {
		case model.RegConfirmed:
			if speaker {
				stats.ConfirmedSpeakers++
			} else {
				stats.ConfirmedAttendees++
			}
		case model.RegPendingPayment:
			if speaker {
				stats.ReservedSpeakers++
			} else {
				stats.ReservedAttendees++
			}
		case model.RegWaitlisted:
			if speaker {
				stats.WaitlistedSpeakers++
			} else {
				stats.WaitlistedAttendees++
			}
		}
	}
	return stats, nil
}

func (s *Store) GetRegistration(_ context.Context, id int64) (*model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regCopy(id)
}

func (s *Store) ListUserRegistrations(_ context.Context, userID int64) ([]model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Registration
	for _, r := range s.regs {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListWaitlist(_ context.Context, eventID int64, role model.Role) ([]model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitlist(eventID, role), nil
}

func (s *Store) ListConfirmed(_ context.Context, eventID int64, role model.Role) ([]model.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Registration
	for _, r := range s.regs {
		if r.EventID == eventID && r.Role == role && r.Status == model.RegConfirmed {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CountConfirmed(_ context.Context, eventID int64, role model.Role) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.regs {
		if r.EventID == eventID && r.Role == role && r.Status == model.RegConfirmed {
			n++
		}
	}
	return n, nil
}

func (s *Store) MigrateUp(string) error   { return nil }
func (s *Store) MigrateDown(string) error { return nil }

func (s *Store) eventCopy(id int64) (*model.Event, error) {
	e, ok := s.events[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) regCopy(id int64) (*model.Registration, error) {
	r, ok := s.regs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *r
	if r.PaymentDeadline != nil {
		d := *r.PaymentDeadline
		cp.PaymentDeadline = &d
	}
	return &cp, nil
}

func (s *Store) waitlist(eventID int64, role model.Role) []model.Registration {
	var out []model.Registration
	for _, r := range s.regs {
		if r.EventID == eventID && r.Role == role && r.Status == model.RegWaitlisted {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuePosition < out[j].QueuePosition })
	return out
}

// tx operates on the store maps directly; the caller already holds the
// store mutex for the whole transaction.
type tx struct {
	s *Store
}

var _ repo.Tx = (*tx)(nil)

func (t *tx) LockEvent(_ context.Context, id int64) (*model.Event, error) {
	return t.s.eventCopy(id)
}

func (t *tx) UpdateEventStatus(_ context.Context, id int64, status model.EventStatus) error {
	e, ok := t.s.events[id]
	if !ok {
		return repo.ErrNotFound
	}
	e.Status = status
	return nil
}

func (t *tx) UpdateEventLimits(_ context.Context, id int64, speakerLimit, participantLimit int) error {
	e, ok := t.s.events[id]
	if !ok {
		return repo.ErrNotFound
	}
	e.SpeakerLimit = speakerLimit
	e.ParticipantLimit = participantLimit
	return nil
}

func (t *tx) CountActive(_ context.Context, eventID int64, role model.Role) (int, error) {
	n := 0
	for _, r := range t.s.regs {
		if r.EventID == eventID && r.Role == role && r.HoldsSlot() {
			n++
		}
	}
	return n, nil
}

func (t *tx) FindActiveRegistration(_ context.Context, eventID, userID int64, role model.Role) (*model.Registration, error) {
	for _, r := range t.s.regs {
		if r.EventID == eventID && r.UserID == userID && r.Role == role && r.Status != model.RegCancelled {
			return t.s.regCopy(r.ID)
		}
	}
	return nil, repo.ErrNotFound
}

func (t *tx) LockRegistration(_ context.Context, id int64) (*model.Registration, error) {
	return t.s.regCopy(id)
}

func (t *tx) InsertRegistration(_ context.Context, reg *model.Registration) error {
	t.s.nextRegID++
	reg.ID = t.s.nextRegID
	reg.CreatedAt = t.s.tick()
	reg.UpdatedAt = reg.CreatedAt
	cp := *reg
	if reg.PaymentDeadline != nil {
		d := *reg.PaymentDeadline
		cp.PaymentDeadline = &d
	}
	t.s.regs[reg.ID] = &cp
	return nil
}

func (t *tx) UpdateRegistrationState(_ context.Context, reg *model.Registration) error {
	if _, ok := t.s.regs[reg.ID]; !ok {
		return repo.ErrNotFound
	}
	cp := *reg
	if reg.PaymentDeadline != nil {
		d := *reg.PaymentDeadline
		cp.PaymentDeadline = &d
	}
	t.s.regs[reg.ID] = &cp
	return nil
}

func (t *tx) WaitlistHead(_ context.Context, eventID int64, role model.Role) (*model.Registration, error) {
	queue := t.s.waitlist(eventID, role)
	if len(queue) == 0 {
		return nil, repo.ErrNotFound
	}
	return t.s.regCopy(queue[0].ID)
}

func (t *tx) NextQueuePosition(_ context.Context, eventID int64, role model.Role) (int, error) {
	max := 0
	for _, r := range t.s.regs {
		if r.EventID == eventID && r.Role == role && r.Status == model.RegWaitlisted && r.QueuePosition > max {
			max = r.QueuePosition
		}
	}
	return max + 1, nil
}

func (t *tx) ShiftQueueAfter(_ context.Context, eventID int64, role model.Role, pos int) error {
	for _, r := range t.s.regs {
		if r.EventID == eventID && r.Role == role && r.Status == model.RegWaitlisted && r.QueuePosition > pos {
			r.QueuePosition--
		}
	}
	return nil
}

func (t *tx) ListWaitlist(_ context.Context, eventID int64, role model.Role) ([]model.Registration, error) {
	return t.s.waitlist(eventID, role), nil
}
