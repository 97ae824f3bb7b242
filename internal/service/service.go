package service

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/ginext"

	"eventbot/internal/dto"
	"eventbot/internal/engine"
	"eventbot/internal/flow"
	"eventbot/internal/model"
	"eventbot/internal/repo"
	"eventbot/pkg/validator"
)

type Service interface {
	CreateEvent(ctx *ginext.Context)
	TransitionEvent(ctx *ginext.Context)
	AdjustLimit(ctx *ginext.Context)
	GetInfo(ctx *ginext.Context)
	GetAllEvents(ctx *ginext.Context)

	StartFlow(ctx *ginext.Context)
	AdvanceFlow(ctx *ginext.Context)
	CancelFlow(ctx *ginext.Context)

	ConfirmPayment(ctx *ginext.Context)
	CancelRegistration(ctx *ginext.Context)
	UserRegistrations(ctx *ginext.Context)
}

type service struct {
	store  repo.Store
	engine *engine.Engine
	flows  *flow.Controller
	log    *zerolog.Logger
}

func NewService(store repo.Store, eng *engine.Engine, flows *flow.Controller, logger *zerolog.Logger) Service {
	return &service{
		store:  store,
		engine: eng,
		flows:  flows,
		log:    logger,
	}
}

// isAdmin trusts the gateway in front of this service to have verified
// the caller; here the flag is only propagated.
func isAdmin(ctx *ginext.Context) bool {
	return ctx.Query("admin") == "true"
}

func (s *service) CreateEvent(ctx *ginext.Context) {
	if !isAdmin(ctx) {
		dto.ForbiddenError(ctx)
		return
	}

	var req dto.CreateEventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.log.Error().Err(err).Msg("failed to parse create event request")
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		s.log.Error().Msgf("validation failed: %v", verr)
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event := &model.Event{
		Title:                 req.Title,
		Description:           req.Description,
		StartsAt:              req.StartsAt,
		SpeakerLimit:          req.SpeakerLimit,
		ParticipantLimit:      req.ParticipantLimit,
		Status:                model.EventDraft,
		RequirePayment:        req.RequirePayment,
		WaitlistPaymentExempt: req.WaitlistPaymentExempt,
		PaymentTimeoutMinutes: req.PaymentTimeoutMinutes,
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
	}

	id, err := s.store.CreateEvent(ctx, event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create event in DB")
		dto.InternalServerError(ctx)
		return
	}
	event.ID = id

	s.log.Info().Int64("event_id", id).Msg("event created successfully")
	dto.SuccessCreatedResponse(ctx, event)
}

func (s *service) TransitionEvent(ctx *ginext.Context) {
	if !isAdmin(ctx) {
		dto.ForbiddenError(ctx)
		return
	}

	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	var req dto.TransitionEventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	to := model.EventStatus(req.Status)
	switch to {
	case model.EventOpen, model.EventClosed, model.EventArchived:
	default:
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Unknown event status")
		return
	}

	if err := s.engine.TransitionEvent(ctx.Request.Context(), eventID, to); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			dto.NotFoundError(ctx, dto.EventNotFound, "Event not found")
			return
		}
		s.log.Error().Err(err).Int64("event_id", eventID).Msg("failed to transition event")
		dto.ConflictError(ctx, dto.EventNotOpen, err.Error())
		return
	}

	s.log.Info().Int64("event_id", eventID).Str("status", req.Status).Msg("event transitioned")
	dto.SuccessResponse(ctx, map[string]any{"event_id": eventID, "status": req.Status})
}

func (s *service) AdjustLimit(ctx *ginext.Context) {
	if !isAdmin(ctx) {
		dto.ForbiddenError(ctx)
		return
	}

	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	var req dto.AdjustLimitRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	out, err := s.engine.AdjustLimit(ctx.Request.Context(), eventID, model.Role(req.Role), req.Limit)
	if err != nil {
		s.respondEngineError(ctx, err)
		return
	}

	s.log.Info().
		Int64("event_id", eventID).
		Str("role", req.Role).
		Int("limit", req.Limit).
		Int("promoted", len(out.Promoted)).
		Msg("slot limit adjusted")
	dto.SuccessResponse(ctx, newOutcomeResponse(out))
}

func (s *service) GetInfo(ctx *ginext.Context) {
	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	stats, err := s.store.EventStats(ctx, eventID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			dto.NotFoundError(ctx, dto.EventNotFound, "Event not found")
			return
		}
		s.log.Error().Err(err).Msg("failed to load event stats")
		dto.InternalServerError(ctx)
		return
	}

	if !isAdmin(ctx) {
		dto.SuccessResponse(ctx, stats)
		return
	}

	// Admins additionally get the confirmed roster and the queue per
	// role, so individual registrations can be looked up and removed.
	resp := map[string]any{"stats": stats}
	for _, role := range []model.Role{model.RoleSpeaker, model.RoleParticipant} {
		roster, err := s.store.ListConfirmed(ctx, eventID, role)
		if err != nil {
			s.log.Error().Err(err).Str("role", string(role)).Msg("failed to load roster for admin view")
			dto.InternalServerError(ctx)
			return
		}
		resp[string(role)+"_roster"] = toRegistrationResponses(roster)

		queue, err := s.store.ListWaitlist(ctx, eventID, role)
		if err != nil {
			s.log.Error().Err(err).Str("role", string(role)).Msg("failed to load waitlist for admin view")
			dto.InternalServerError(ctx)
			return
		}
		resp[string(role)+"_waitlist"] = toRegistrationResponses(queue)
	}
	dto.SuccessResponse(ctx, resp)
}

func (s *service) GetAllEvents(ctx *ginext.Context) {
	events, err := s.store.ListEvents(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list events")
		dto.InternalServerError(ctx)
		return
	}

	if !isAdmin(ctx) {
		visible := make([]model.Event, 0, len(events))
		for _, e := range events {
			if e.Status != model.EventDraft {
				visible = append(visible, e)
			}
		}
		events = visible
	}
	dto.SuccessResponse(ctx, events)
}

func (s *service) StartFlow(ctx *ginext.Context) {
	var req dto.StartFlowRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	reply, err := s.flows.Start(ctx.Request.Context(), req.UserID, req.Username, req.EventID)
	if err != nil {
		s.respondEngineError(ctx, err)
		return
	}

	s.log.Info().Int64("user_id", req.UserID).Int64("event_id", req.EventID).Msg("registration flow started")
	dto.SuccessCreatedResponse(ctx, newFlowReplyResponse(reply))
}

func (s *service) AdvanceFlow(ctx *ginext.Context) {
	var req dto.AdvanceFlowRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	reply, err := s.flows.Advance(ctx.Request.Context(), req.UserID, req.Input)
	if err != nil {
		s.respondEngineError(ctx, err)
		return
	}
	dto.SuccessResponse(ctx, newFlowReplyResponse(reply))
}

func (s *service) CancelFlow(ctx *ginext.Context) {
	userID, err := strconv.ParseInt(ctx.Param("user_id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid user ID")
		return
	}

	if err := s.flows.Cancel(ctx.Request.Context(), userID); err != nil {
		s.respondEngineError(ctx, err)
		return
	}

	s.log.Info().Int64("user_id", userID).Msg("registration flow cancelled")
	dto.SuccessResponse(ctx, map[string]any{"user_id": userID, "ended": true})
}

func (s *service) ConfirmPayment(ctx *ginext.Context) {
	registrationID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid registration ID")
		return
	}

	out, err := s.engine.ConfirmPayment(ctx.Request.Context(), registrationID)
	if err != nil {
		s.respondEngineError(ctx, err)
		return
	}

	if out.Kind == engine.OutcomeExpired {
		s.log.Info().Int64("registration_id", registrationID).Msg("payment arrived after the deadline, slot released")
		dto.ConflictError(ctx, dto.ReservationExpired, engine.ErrReservationExpired.Error())
		return
	}

	s.log.Info().Int64("registration_id", registrationID).Msg("payment confirmed")
	dto.SuccessResponse(ctx, newOutcomeResponse(out))
}

func (s *service) CancelRegistration(ctx *ginext.Context) {
	registrationID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid registration ID")
		return
	}

	out, err := s.engine.Cancel(ctx.Request.Context(), registrationID)
	if err != nil {
		s.respondEngineError(ctx, err)
		return
	}

	s.log.Info().
		Int64("registration_id", registrationID).
		Int("promoted", len(out.Promoted)).
		Msg("registration cancelled")
	dto.SuccessResponse(ctx, newOutcomeResponse(out))
}

func (s *service) UserRegistrations(ctx *ginext.Context) {
	userID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid user ID")
		return
	}

	regs, err := s.store.ListUserRegistrations(ctx, userID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list user registrations")
		dto.InternalServerError(ctx)
		return
	}

	dto.SuccessResponse(ctx, toRegistrationResponses(regs))
}

// respondEngineError maps domain errors onto the response envelope. The
// default branch is the only path that hides detail from the caller.
func (s *service) respondEngineError(ctx *ginext.Context, err error) {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		dto.NotFoundError(ctx, dto.RegistrationNotFound, "Not found")
	case errors.Is(err, repo.ErrAlreadyRegistered):
		dto.ConflictError(ctx, dto.RegistrationDuplicate, "User already registered for this event and role")
	case errors.Is(err, engine.ErrEventNotOpen):
		dto.ConflictError(ctx, dto.EventNotOpen, "Event is not open for registration")
	case errors.Is(err, engine.ErrAlreadyCancelled):
		dto.ConflictError(ctx, dto.AlreadyCancelled, "Registration is already cancelled")
	case errors.Is(err, engine.ErrNotAwaitingPayment):
		dto.ConflictError(ctx, dto.NotAwaitingPayment, "Registration is not awaiting payment")
	case errors.Is(err, engine.ErrInvalidDraft), errors.Is(err, engine.ErrInvalidLimit):
		dto.BadResponseError(ctx, dto.FieldIncorrect, err.Error())
	case errors.Is(err, flow.ErrNoActiveFlow):
		dto.NotFoundError(ctx, dto.NoActiveFlow, "No active registration flow")
	case errors.Is(err, flow.ErrFlowExpired):
		dto.ConflictError(ctx, dto.FlowExpired, "Registration flow timed out")
	default:
		s.log.Error().Err(err).Msg("unhandled service error")
		dto.InternalServerError(ctx)
	}
}

func toRegistrationResponses(regs []model.Registration) []dto.RegistrationResponse {
	out := make([]dto.RegistrationResponse, 0, len(regs))
	for i := range regs {
		out = append(out, dto.NewRegistrationResponse(&regs[i]))
	}
	return out
}

func newOutcomeResponse(out *engine.Outcome) dto.OutcomeResponse {
	resp := dto.OutcomeResponse{Kind: string(out.Kind)}
	if out.Registration != nil {
		reg := dto.NewRegistrationResponse(out.Registration)
		resp.Registration = &reg
	}
	for _, p := range out.Promoted {
		resp.Promoted = append(resp.Promoted, dto.NewRegistrationResponse(p))
	}
	return resp
}

func newFlowReplyResponse(reply flow.Reply) dto.FlowReplyResponse {
	resp := dto.FlowReplyResponse{
		Prompt:  string(reply.Prompt),
		Invalid: reply.Invalid,
		Ended:   reply.Ended,
	}
	if reply.Outcome != nil {
		out := newOutcomeResponse(reply.Outcome)
		resp.Outcome = &out
	}
	return resp
}
