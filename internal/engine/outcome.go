package engine

import (
	"context"
	"errors"

	"eventbot/internal/model"
)

var (
	ErrEventNotOpen       = errors.New("event is not open")
	ErrAlreadyCancelled   = errors.New("registration is already cancelled")
	ErrReservationExpired = errors.New("payment reservation expired")
	ErrNotAwaitingPayment = errors.New("registration is not awaiting payment")
	ErrInvalidDraft       = errors.New("invalid registration draft")
	ErrInvalidLimit       = errors.New("invalid slot limit")
)

type OutcomeKind string

const (
	// OutcomeConfirmed: the registration holds a confirmed slot.
	OutcomeConfirmed OutcomeKind = "confirmed"
	// OutcomeReserved: a slot is provisionally held until the payment
	// deadline.
	OutcomeReserved OutcomeKind = "reserved"
	// OutcomeWaitlisted: no free slot, appended to the queue tail.
	OutcomeWaitlisted OutcomeKind = "waitlisted"
	// OutcomeCancelled: the registration was cancelled; Promoted carries
	// the queue entry that took over the freed slot, if any.
	OutcomeCancelled OutcomeKind = "cancelled"
	// OutcomeExpired: a reservation ran out its payment window and was
	// released.
	OutcomeExpired OutcomeKind = "expired"
	// OutcomeLimitsApplied: a limit change was applied; Promoted lists
	// the entries admitted by a raise, in queue order.
	OutcomeLimitsApplied OutcomeKind = "limits_applied"
)

// Outcome describes one committed engine mutation.
type Outcome struct {
	Kind         OutcomeKind
	Registration *model.Registration
	Promoted     []*model.Registration
}

// Position is the waitlist position assigned on a waitlisted outcome.
func (o *Outcome) Position() int {
	if o.Registration == nil {
		return 0
	}
	return o.Registration.QueuePosition
}

// Notifier receives every committed status change. Delivery is
// best-effort and never rolls back the transition.
type Notifier interface {
	Notify(ctx context.Context, event *model.Event, out *Outcome)
}

// ExpiryScheduler arranges for ExpireReservation to be invoked once the
// payment deadline of a reservation passes.
type ExpiryScheduler interface {
	ScheduleExpiry(ctx context.Context, reg *model.Registration) error
}
