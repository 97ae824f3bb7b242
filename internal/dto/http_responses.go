package dto

import (
	"time"

	"github.com/wb-go/wbf/ginext"

	"eventbot/internal/model"
)

const (
	FieldIncorrect     = "FIELD_INCORRECT"
	ServiceUnavailable = "SERVICE_UNAVAILABLE"
	InternalError      = "Service is currently unavailable. Please try again later."

	EventNotFound         = "EVENT_NOT_FOUND"
	EventNotOpen          = "EVENT_NOT_OPEN"
	RegistrationNotFound  = "REGISTRATION_NOT_FOUND"
	RegistrationDuplicate = "REGISTRATION_DUPLICATE"
	AlreadyCancelled      = "ALREADY_CANCELLED"
	ReservationExpired    = "RESERVATION_EXPIRED"
	NotAwaitingPayment    = "NOT_AWAITING_PAYMENT"
	NoActiveFlow          = "NO_ACTIVE_FLOW"
	FlowExpired           = "FLOW_EXPIRED"
	PermissionDenied      = "PERMISSION_DENIED"
)

type CreateEventRequest struct {
	Title                 string    `json:"title" validate:"required,max=255"`
	Description           string    `json:"description"`
	StartsAt              time.Time `json:"starts_at" validate:"required,future"`
	SpeakerLimit          int       `json:"speaker_limit" validate:"gte=-1"`
	ParticipantLimit      int       `json:"participant_limit" validate:"gte=-1"`
	RequirePayment        bool      `json:"require_payment"`
	WaitlistPaymentExempt bool      `json:"waitlist_payment_exempt"`
	PaymentTimeoutMinutes int       `json:"payment_timeout_minutes" validate:"gte=1"`
}

type TransitionEventRequest struct {
	Status string `json:"status" validate:"required"`
}

type AdjustLimitRequest struct {
	Role  string `json:"role" validate:"required,role"`
	Limit int    `json:"limit" validate:"gte=-1"`
}

type StartFlowRequest struct {
	UserID   int64  `json:"user_id" validate:"required"`
	Username string `json:"username"`
	EventID  int64  `json:"event_id" validate:"required"`
}

type AdvanceFlowRequest struct {
	UserID int64  `json:"user_id" validate:"required"`
	Input  string `json:"input"`
}

type RegistrationResponse struct {
	ID              int64      `json:"id"`
	EventID         int64      `json:"event_id"`
	UserID          int64      `json:"user_id"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	Role            model.Role `json:"role"`
	Status          string     `json:"status"`
	QueuePosition   int        `json:"queue_position,omitempty"`
	PaymentDeadline *time.Time `json:"payment_deadline,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// OutcomeResponse is the wire form of one engine outcome.
type OutcomeResponse struct {
	Kind         string                 `json:"kind"`
	Registration *RegistrationResponse  `json:"registration,omitempty"`
	Promoted     []RegistrationResponse `json:"promoted,omitempty"`
}

// FlowReplyResponse is one step of the registration conversation.
type FlowReplyResponse struct {
	Prompt  string           `json:"prompt,omitempty"`
	Invalid bool             `json:"invalid,omitempty"`
	Ended   bool             `json:"ended,omitempty"`
	Outcome *OutcomeResponse `json:"outcome,omitempty"`
}

func NewRegistrationResponse(reg *model.Registration) RegistrationResponse {
	return RegistrationResponse{
		ID:              reg.ID,
		EventID:         reg.EventID,
		UserID:          reg.UserID,
		FirstName:       reg.FirstName,
		LastName:        reg.LastName,
		Role:            reg.Role,
		Status:          string(reg.Status),
		QueuePosition:   reg.QueuePosition,
		PaymentDeadline: reg.PaymentDeadline,
		CreatedAt:       reg.CreatedAt,
		UpdatedAt:       reg.UpdatedAt,
	}
}

type Response struct {
	Status string `json:"status"`
	Error  *Error `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type Error struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
}

func BadResponseError(c *ginext.Context, code, desc string) {
	c.JSON(400, Response{
		Status: "error",
		Error:  &Error{Code: code, Desc: desc},
	})
}

func NotFoundError(c *ginext.Context, code, desc string) {
	c.JSON(404, Response{
		Status: "error",
		Error:  &Error{Code: code, Desc: desc},
	})
}

func ConflictError(c *ginext.Context, code, desc string) {
	c.JSON(409, Response{
		Status: "error",
		Error:  &Error{Code: code, Desc: desc},
	})
}

func ForbiddenError(c *ginext.Context) {
	c.JSON(403, Response{
		Status: "error",
		Error:  &Error{Code: PermissionDenied, Desc: "Admin access required"},
	})
}

func InternalServerError(c *ginext.Context) {
	c.JSON(500, Response{
		Status: "error",
		Error:  &Error{Code: ServiceUnavailable, Desc: InternalError},
	})
}

func SuccessResponse(c *ginext.Context, data any) {
	c.JSON(200, Response{Status: "ok", Data: data})
}

func SuccessCreatedResponse(c *ginext.Context, data any) {
	c.JSON(201, Response{Status: "ok", Data: data})
}
