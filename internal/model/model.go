package model

import "time"

// Unlimited marks a role limit with no upper bound.
const Unlimited = -1

type Role string

const (
	RoleSpeaker     Role = "speaker"
	RoleParticipant Role = "participant"
)

func (r Role) Valid() bool {
	return r == RoleSpeaker || r == RoleParticipant
}

type EventStatus string

const (
	EventDraft    EventStatus = "draft"
	EventOpen     EventStatus = "open"
	EventClosed   EventStatus = "closed"
	EventArchived EventStatus = "archived"
)

type RegStatus string

const (
	RegPendingPayment RegStatus = "pending_payment"
	RegConfirmed      RegStatus = "confirmed"
	RegWaitlisted     RegStatus = "waitlisted"
	RegCancelled      RegStatus = "cancelled"
)

type Event struct {
	ID                    int64       `db:"id" json:"id"`
	Title                 string      `db:"title" json:"title"`
	Description           string      `db:"description,omitempty" json:"description,omitempty"`
	StartsAt              time.Time   `db:"starts_at" json:"starts_at"`
	SpeakerLimit          int         `db:"speaker_limit" json:"speaker_limit"`
	ParticipantLimit      int         `db:"participant_limit" json:"participant_limit"`
	Status                EventStatus `db:"status" json:"status"`
	RequirePayment        bool        `db:"require_payment" json:"require_payment"`
	WaitlistPaymentExempt bool        `db:"waitlist_payment_exempt" json:"waitlist_payment_exempt"`
	PaymentTimeoutMinutes int         `db:"payment_timeout_minutes" json:"payment_timeout_minutes"`
	CreatedAt             time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time   `db:"updated_at" json:"updated_at"`
}

// LimitFor returns the slot limit for the given role.
func (e *Event) LimitFor(role Role) int {
	if role == RoleSpeaker {
		return e.SpeakerLimit
	}
	return e.ParticipantLimit
}

func (e *Event) IsOpen() bool {
	return e.Status == EventOpen
}

// PaymentWindow is how long a reserved slot waits for payment
// confirmation before it is released.
func (e *Event) PaymentWindow() time.Duration {
	return time.Duration(e.PaymentTimeoutMinutes) * time.Minute
}

// Registration is the ledger row for one user/event/role. QueuePosition
// is positive only while the registration is waitlisted; PaymentDeadline
// is set only while a reserved slot awaits payment confirmation.
type Registration struct {
	ID              int64      `db:"id" json:"id"`
	EventID         int64      `db:"event_id" json:"event_id"`
	UserID          int64      `db:"user_id" json:"user_id"`
	Username        string     `db:"username,omitempty" json:"username,omitempty"`
	FirstName       string     `db:"first_name" json:"first_name"`
	LastName        string     `db:"last_name" json:"last_name"`
	Role            Role       `db:"role" json:"role"`
	Status          RegStatus  `db:"status" json:"status"`
	QueuePosition   int        `db:"queue_position" json:"queue_position,omitempty"`
	Topic           string     `db:"topic,omitempty" json:"topic,omitempty"`
	TalkDescription string     `db:"talk_description,omitempty" json:"talk_description,omitempty"`
	HasPresentation bool       `db:"has_presentation" json:"has_presentation,omitempty"`
	Comments        string     `db:"comments,omitempty" json:"comments,omitempty"`
	PaymentDeadline *time.Time `db:"payment_deadline" json:"payment_deadline,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// HoldsSlot reports whether the registration occupies a confirmed or
// provisionally reserved slot.
func (r *Registration) HoldsSlot() bool {
	return r.Status == RegConfirmed || r.Status == RegPendingPayment
}

// Draft is a fully collected registration request, handed to the engine
// exactly once per flow.
type Draft struct {
	EventID         int64  `json:"event_id" validate:"required"`
	UserID          int64  `json:"user_id" validate:"required"`
	Username        string `json:"username"`
	FirstName       string `json:"first_name" validate:"required,min=1,max=255"`
	LastName        string `json:"last_name" validate:"required,min=1,max=255"`
	Role            Role   `json:"role" validate:"required"`
	Topic           string `json:"topic"`
	TalkDescription string `json:"talk_description"`
	HasPresentation bool   `json:"has_presentation"`
	Comments        string `json:"comments"`
}

// EventStats is the admin view of one event's occupancy.
type EventStats struct {
	Event               Event `json:"event"`
	ConfirmedSpeakers   int   `json:"confirmed_speakers"`
	ConfirmedAttendees  int   `json:"confirmed_participants"`
	ReservedSpeakers    int   `json:"reserved_speakers"`
	ReservedAttendees   int   `json:"reserved_participants"`
	WaitlistedSpeakers  int   `json:"waitlisted_speakers"`
	WaitlistedAttendees int   `json:"waitlisted_participants"`
}
