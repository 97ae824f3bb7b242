// Package engine is the registration/waitlist state machine. It is the
// sole mutator of registration status and queue positions: every
// mutation runs under a per-(event,role) lock and a single store
// transaction, so concurrent requests cannot both take the last slot.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eventbot/internal/model"
	"eventbot/internal/repo"
)

type queueKey struct {
	eventID int64
	role    model.Role
}

type Engine struct {
	store     repo.Store
	notifier  Notifier
	scheduler ExpiryScheduler
	log       *zerolog.Logger

	mu    sync.Mutex
	locks map[queueKey]*sync.Mutex

	now func() time.Time
}

func New(store repo.Store, notifier Notifier, scheduler ExpiryScheduler, log *zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		notifier:  notifier,
		scheduler: scheduler,
		log:       log,
		locks:     make(map[queueKey]*sync.Mutex),
		now:       time.Now,
	}
}

// queueLock returns the mutex serialising mutations of one event+role
// queue. Unrelated queues never contend.
func (e *Engine) queueLock(eventID int64, role model.Role) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := queueKey{eventID: eventID, role: role}
	m, ok := e.locks[key]
	if !ok {
		m = &sync.Mutex{}
		e.locks[key] = m
	}
	return m
}

// inTxRetry runs fn in one transaction, retrying once when the store
// reports a serialization conflict (a lost race between the capacity
// check and the commit).
func (e *Engine) inTxRetry(ctx context.Context, fn func(ctx context.Context, tx repo.Tx) error) error {
	err := e.store.InTx(ctx, fn)
	if err != nil && isCapacityRace(err) {
		e.log.Warn().Err(err).Msg("capacity race detected, retrying transaction")
		err = e.store.InTx(ctx, fn)
	}
	return err
}

func isCapacityRace(err error) bool {
	s := err.Error()
	return strings.Contains(s, "40001") ||
		strings.Contains(s, "could not serialize") ||
		strings.Contains(s, "deadlock detected")
}

// RequestAdmission decides whether a fully collected draft becomes
// confirmed, reserved pending payment, or waitlisted. Exactly one
// registration row is created per call.
func (e *Engine) RequestAdmission(ctx context.Context, draft model.Draft, paymentConfirmed bool) (*Outcome, error) {
	if !draft.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidDraft, draft.Role)
	}

	lock := e.queueLock(draft.EventID, draft.Role)
	lock.Lock()
	defer lock.Unlock()

	var (
		out   *Outcome
		event *model.Event
	)
	err := e.inTxRetry(ctx, func(ctx context.Context, tx repo.Tx) error {
		out, event = nil, nil

		ev, err := tx.LockEvent(ctx, draft.EventID)
		if err != nil {
			return err
		}
		if !ev.IsOpen() {
			return ErrEventNotOpen
		}

		if _, err := tx.FindActiveRegistration(ctx, draft.EventID, draft.UserID, draft.Role); err == nil {
			return repo.ErrAlreadyRegistered
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		reg := &model.Registration{
			EventID:         draft.EventID,
			UserID:          draft.UserID,
			Username:        draft.Username,
			FirstName:       draft.FirstName,
			LastName:        draft.LastName,
			Role:            draft.Role,
			Topic:           draft.Topic,
			TalkDescription: draft.TalkDescription,
			HasPresentation: draft.HasPresentation,
			Comments:        draft.Comments,
		}

		limit := ev.LimitFor(draft.Role)
		active, err := tx.CountActive(ctx, draft.EventID, draft.Role)
		if err != nil {
			return err
		}

		kind := OutcomeWaitlisted
		if limit == model.Unlimited || active < limit {
			if ev.RequirePayment && !paymentConfirmed {
				deadline := e.now().Add(ev.PaymentWindow())
				reg.Status = model.RegPendingPayment
				reg.PaymentDeadline = &deadline
				kind = OutcomeReserved
			} else {
				reg.Status = model.RegConfirmed
				kind = OutcomeConfirmed
			}
		} else {
			pos, err := tx.NextQueuePosition(ctx, draft.EventID, draft.Role)
			if err != nil {
				return err
			}
			reg.Status = model.RegWaitlisted
			reg.QueuePosition = pos
		}

		if err := tx.InsertRegistration(ctx, reg); err != nil {
			return err
		}

		out = &Outcome{Kind: kind, Registration: reg}
		event = ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.scheduleExpiries(ctx, out)
	e.notify(ctx, event, out)
	return out, nil
}

// ConfirmPayment moves a reservation to confirmed when the payment
// signal arrives inside the window. A late signal releases the slot
// instead (the freed slot promotes the waitlist head) and the caller
// gets an expired outcome.
//
// Unlike Cancel this runs on closed events too: the reservation was
// accepted while the event was open, and settling it (either way) is
// owed to the holder regardless of what the lifecycle did since. The
// same applies to the head promoted into the freed slot.
func (e *Engine) ConfirmPayment(ctx context.Context, registrationID int64) (*Outcome, error) {
	snap, err := e.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	switch snap.Status {
	case model.RegCancelled:
		return nil, ErrAlreadyCancelled
	case model.RegPendingPayment:
	default:
		return nil, ErrNotAwaitingPayment
	}

	lock := e.queueLock(snap.EventID, snap.Role)
	lock.Lock()
	defer lock.Unlock()

	var (
		out   *Outcome
		event *model.Event
	)
	err = e.inTxRetry(ctx, func(ctx context.Context, tx repo.Tx) error {
		out, event = nil, nil

		ev, err := tx.LockEvent(ctx, snap.EventID)
		if err != nil {
			return err
		}
		reg, err := tx.LockRegistration(ctx, registrationID)
		if err != nil {
			return err
		}
		switch reg.Status {
		case model.RegCancelled:
			return ErrAlreadyCancelled
		case model.RegPendingPayment:
		default:
			return ErrNotAwaitingPayment
		}

		if reg.PaymentDeadline != nil && e.now().After(*reg.PaymentDeadline) {
			promoted, err := e.releaseSlot(ctx, tx, ev, reg)
			if err != nil {
				return err
			}
			out = &Outcome{Kind: OutcomeExpired, Registration: reg, Promoted: promoted}
			event = ev
			return nil
		}

		reg.Status = model.RegConfirmed
		reg.PaymentDeadline = nil
		if err := tx.UpdateRegistrationState(ctx, reg); err != nil {
			return err
		}
		out = &Outcome{Kind: OutcomeConfirmed, Registration: reg}
		event = ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.scheduleExpiries(ctx, out)
	e.notify(ctx, event, out)
	return out, nil
}

// Cancel marks a registration cancelled. A freed slot promotes the
// waitlist head; a cancelled queue entry only compacts the positions
// behind it. Cancelling twice reports ErrAlreadyCancelled and emits
// nothing.
func (e *Engine) Cancel(ctx context.Context, registrationID int64) (*Outcome, error) {
	snap, err := e.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if snap.Status == model.RegCancelled {
		return nil, ErrAlreadyCancelled
	}

	lock := e.queueLock(snap.EventID, snap.Role)
	lock.Lock()
	defer lock.Unlock()

	var (
		out   *Outcome
		event *model.Event
	)
	err = e.inTxRetry(ctx, func(ctx context.Context, tx repo.Tx) error {
		out, event = nil, nil

		ev, err := tx.LockEvent(ctx, snap.EventID)
		if err != nil {
			return err
		}
		if !ev.IsOpen() {
			return ErrEventNotOpen
		}
		reg, err := tx.LockRegistration(ctx, registrationID)
		if err != nil {
			return err
		}
		if reg.Status == model.RegCancelled {
			return ErrAlreadyCancelled
		}

		heldSlot := reg.HoldsSlot()
		pos := reg.QueuePosition

		reg.Status = model.RegCancelled
		reg.QueuePosition = 0
		reg.PaymentDeadline = nil
		if err := tx.UpdateRegistrationState(ctx, reg); err != nil {
			return err
		}

		var promoted []*model.Registration
		if heldSlot {
			promoted, err = e.promoteHead(ctx, tx, ev, reg.Role)
			if err != nil {
				return err
			}
		} else if err := tx.ShiftQueueAfter(ctx, ev.ID, reg.Role, pos); err != nil {
			return err
		}

		out = &Outcome{Kind: OutcomeCancelled, Registration: reg, Promoted: promoted}
		event = ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.scheduleExpiries(ctx, out)
	e.notify(ctx, event, out)
	return out, nil
}

// ExpireReservation is the background-sweep entry point. It takes the
// same event+role lock as ConfirmPayment, so the two cannot race. It is
// a no-op when the registration was confirmed or cancelled in the
// meantime, or when the deadline has not actually passed.
//
// Like ConfirmPayment, and unlike Cancel, it does not require the event
// to still be open: the sweep message fires whenever the broker delivers
// it, and an accepted queue is honored past closing.
func (e *Engine) ExpireReservation(ctx context.Context, registrationID int64) (*Outcome, error) {
	snap, err := e.store.GetRegistration(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if snap.Status != model.RegPendingPayment {
		return nil, nil
	}

	lock := e.queueLock(snap.EventID, snap.Role)
	lock.Lock()
	defer lock.Unlock()

	var (
		out   *Outcome
		event *model.Event
	)
	err = e.inTxRetry(ctx, func(ctx context.Context, tx repo.Tx) error {
		out, event = nil, nil

		ev, err := tx.LockEvent(ctx, snap.EventID)
		if err != nil {
			return err
		}
		reg, err := tx.LockRegistration(ctx, registrationID)
		if err != nil {
			return err
		}
		if reg.Status != model.RegPendingPayment {
			return nil
		}
		if reg.PaymentDeadline != nil && e.now().Before(*reg.PaymentDeadline) {
			return nil
		}

		promoted, err := e.releaseSlot(ctx, tx, ev, reg)
		if err != nil {
			return err
		}
		out = &Outcome{Kind: OutcomeExpired, Registration: reg, Promoted: promoted}
		event = ev
		return nil
	})
	if err != nil || out == nil {
		return nil, err
	}

	e.scheduleExpiries(ctx, out)
	e.notify(ctx, event, out)
	return out, nil
}

// AdjustLimit changes one role's slot limit. Raising it promotes queue
// heads in position order until the new limit is met or the queue is
// empty; lowering it never demotes confirmed registrations.
func (e *Engine) AdjustLimit(ctx context.Context, eventID int64, role model.Role, newLimit int) (*Outcome, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidDraft, role)
	}
	if newLimit < 0 && newLimit != model.Unlimited {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, newLimit)
	}

	lock := e.queueLock(eventID, role)
	lock.Lock()
	defer lock.Unlock()

	var (
		out   *Outcome
		event *model.Event
	)
	err := e.inTxRetry(ctx, func(ctx context.Context, tx repo.Tx) error {
		out, event = nil, nil

		ev, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if !ev.IsOpen() {
			return ErrEventNotOpen
		}

		speakerLimit, participantLimit := ev.SpeakerLimit, ev.ParticipantLimit
		if role == model.RoleSpeaker {
			speakerLimit = newLimit
		} else {
			participantLimit = newLimit
		}
		if err := tx.UpdateEventLimits(ctx, eventID, speakerLimit, participantLimit); err != nil {
			return err
		}
		ev.SpeakerLimit, ev.ParticipantLimit = speakerLimit, participantLimit

		var promoted []*model.Registration
		for {
			if newLimit != model.Unlimited {
				active, err := tx.CountActive(ctx, eventID, role)
				if err != nil {
					return err
				}
				if active >= newLimit {
					break
				}
			}
			head, err := e.promoteOne(ctx, tx, ev, role)
			if err != nil {
				return err
			}
			if head == nil {
				break
			}
			promoted = append(promoted, head)
		}

		out = &Outcome{Kind: OutcomeLimitsApplied, Promoted: promoted}
		event = ev
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.scheduleExpiries(ctx, out)
	e.notify(ctx, event, out)
	return out, nil
}

// TransitionEvent moves an event along its lifecycle. Only forward
// transitions are allowed; archived is terminal.
func (e *Engine) TransitionEvent(ctx context.Context, eventID int64, to model.EventStatus) error {
	allowed := map[model.EventStatus]model.EventStatus{
		model.EventDraft:  model.EventOpen,
		model.EventOpen:   model.EventClosed,
		model.EventClosed: model.EventArchived,
	}
	return e.store.InTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		ev, err := tx.LockEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if allowed[ev.Status] != to {
			return fmt.Errorf("cannot transition event from %q to %q", ev.Status, to)
		}
		return tx.UpdateEventStatus(ctx, eventID, to)
	})
}

// releaseSlot cancels a slot-holding registration and promotes the
// waitlist head into the freed slot.
func (e *Engine) releaseSlot(ctx context.Context, tx repo.Tx, ev *model.Event, reg *model.Registration) ([]*model.Registration, error) {
	reg.Status = model.RegCancelled
	reg.QueuePosition = 0
	reg.PaymentDeadline = nil
	if err := tx.UpdateRegistrationState(ctx, reg); err != nil {
		return nil, err
	}
	return e.promoteHead(ctx, tx, ev, reg.Role)
}

func (e *Engine) promoteHead(ctx context.Context, tx repo.Tx, ev *model.Event, role model.Role) ([]*model.Registration, error) {
	head, err := e.promoteOne(ctx, tx, ev, role)
	if err != nil || head == nil {
		return nil, err
	}
	return []*model.Registration{head}, nil
}

// promoteOne admits the smallest-position queue entry and compacts the
// positions behind it. Whether the promoted entry must still pay is an
// explicit per-event flag, not an implicit bypass.
func (e *Engine) promoteOne(ctx context.Context, tx repo.Tx, ev *model.Event, role model.Role) (*model.Registration, error) {
	head, err := tx.WaitlistHead(ctx, ev.ID, role)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	pos := head.QueuePosition
	head.QueuePosition = 0
	if ev.RequirePayment && !ev.WaitlistPaymentExempt {
		deadline := e.now().Add(ev.PaymentWindow())
		head.Status = model.RegPendingPayment
		head.PaymentDeadline = &deadline
	} else {
		head.Status = model.RegConfirmed
		head.PaymentDeadline = nil
	}
	if err := tx.UpdateRegistrationState(ctx, head); err != nil {
		return nil, err
	}
	if err := tx.ShiftQueueAfter(ctx, ev.ID, role, pos); err != nil {
		return nil, err
	}
	return head, nil
}

// scheduleExpiries arranges sweeps for every reservation the outcome
// created. A scheduling failure is logged, never fatal: the reservation
// is already committed.
func (e *Engine) scheduleExpiries(ctx context.Context, out *Outcome) {
	if e.scheduler == nil || out == nil {
		return
	}
	pending := make([]*model.Registration, 0, 1+len(out.Promoted))
	if out.Registration != nil && out.Registration.Status == model.RegPendingPayment {
		pending = append(pending, out.Registration)
	}
	for _, p := range out.Promoted {
		if p.Status == model.RegPendingPayment {
			pending = append(pending, p)
		}
	}
	for _, reg := range pending {
		if err := e.scheduler.ScheduleExpiry(ctx, reg); err != nil {
			e.log.Error().Err(err).
				Int64("registration_id", reg.ID).
				Msg("failed to schedule reservation expiry")
		}
	}
}

func (e *Engine) notify(ctx context.Context, event *model.Event, out *Outcome) {
	if e.notifier == nil || out == nil || event == nil {
		return
	}
	e.notifier.Notify(ctx, event, out)
}
