// Package notify translates committed engine outcomes into notification
// intents and fans them out to delivery sinks. Translation is pure;
// delivery is best-effort and never affects the committed transition.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventbot/internal/engine"
	"eventbot/internal/model"
)

type IntentKind string

const (
	KindRegistrationConfirmed IntentKind = "registration_confirmed"
	KindSlotReserved          IntentKind = "slot_reserved"
	KindWaitlisted            IntentKind = "waitlisted"
	KindPromoted              IntentKind = "promoted_from_waitlist"
	KindCancelled             IntentKind = "registration_cancelled"
	KindPaymentExpired        IntentKind = "payment_expired"
	KindLimitsChanged         IntentKind = "limits_changed"
)

// Recipient is either one user or the admin channel.
type Recipient struct {
	UserID int64 `json:"user_id,omitempty"`
	Admin  bool  `json:"admin,omitempty"`
}

// Intent is one notification to one interested party. The transport
// consuming intents decides how to render and deliver them.
type Intent struct {
	ID              uuid.UUID  `json:"id"`
	Kind            IntentKind `json:"kind"`
	Recipient       Recipient  `json:"recipient"`
	EventID         int64      `json:"event_id"`
	EventTitle      string     `json:"event_title"`
	RegistrationID  int64      `json:"registration_id,omitempty"`
	UserID          int64      `json:"subject_user_id,omitempty"`
	Role            model.Role `json:"role,omitempty"`
	Position        int        `json:"position,omitempty"`
	PaymentDeadline *time.Time `json:"payment_deadline,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Sink delivers a single intent. Implementations may skip intents they
// cannot address.
type Sink interface {
	Deliver(ctx context.Context, intent Intent) error
}

type Emitter struct {
	sinks []Sink
	log   *zerolog.Logger
	now   func() time.Time
}

func NewEmitter(log *zerolog.Logger, sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, log: log, now: time.Now}
}

// Notify implements engine.Notifier.
func (em *Emitter) Notify(ctx context.Context, event *model.Event, out *engine.Outcome) {
	for _, intent := range em.Translate(event, out) {
		for _, sink := range em.sinks {
			if err := sink.Deliver(ctx, intent); err != nil {
				em.log.Warn().Err(err).
					Str("kind", string(intent.Kind)).
					Int64("event_id", intent.EventID).
					Msg("failed to deliver notification intent")
			}
		}
	}
}

// Translate produces exactly one intent per interested party per status
// change: the affected user and the admin channel.
func (em *Emitter) Translate(event *model.Event, out *engine.Outcome) []Intent {
	if event == nil || out == nil {
		return nil
	}

	var intents []Intent
	add := func(kind IntentKind, reg *model.Registration) {
		base := Intent{
			Kind:       kind,
			EventID:    event.ID,
			EventTitle: event.Title,
			CreatedAt:  em.now(),
		}
		if reg != nil {
			base.RegistrationID = reg.ID
			base.UserID = reg.UserID
			base.Role = reg.Role
			base.Position = reg.QueuePosition
			base.PaymentDeadline = reg.PaymentDeadline

			user := base
			user.ID = uuid.New()
			user.Recipient = Recipient{UserID: reg.UserID}
			intents = append(intents, user)
		}
		admin := base
		admin.ID = uuid.New()
		admin.Recipient = Recipient{Admin: true}
		intents = append(intents, admin)
	}

	switch out.Kind {
	case engine.OutcomeConfirmed:
		add(KindRegistrationConfirmed, out.Registration)
	case engine.OutcomeReserved:
		add(KindSlotReserved, out.Registration)
	case engine.OutcomeWaitlisted:
		add(KindWaitlisted, out.Registration)
	case engine.OutcomeCancelled:
		add(KindCancelled, out.Registration)
	case engine.OutcomeExpired:
		add(KindPaymentExpired, out.Registration)
	case engine.OutcomeLimitsApplied:
		add(KindLimitsChanged, nil)
	}

	for _, promoted := range out.Promoted {
		add(KindPromoted, promoted)
	}
	return intents
}
