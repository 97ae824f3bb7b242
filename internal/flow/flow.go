// Package flow is the per-user registration conversation. Each flow is
// an explicit state value advanced step by step, so it survives without
// any live goroutine and is testable without a transport. The
// controller hands the engine a complete draft exactly once, at the end
// of the conversation; abandoning a flow earlier touches no engine
// state.
package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"eventbot/internal/engine"
	"eventbot/internal/model"
	"eventbot/internal/repo"
	"eventbot/pkg/validator"
)

var (
	ErrNoActiveFlow = errors.New("no active registration flow")
	ErrFlowExpired  = errors.New("registration flow timed out")
)

type Step string

const (
	StepChoosingRole    Step = "choosing_role"
	StepFirstName       Step = "first_name"
	StepLastName        Step = "last_name"
	StepTopic           Step = "topic"
	StepTalkDescription Step = "talk_description"
	StepPresentation    Step = "presentation"
	StepComments        Step = "comments"
	StepAwaitingPayment Step = "awaiting_payment"
)

// Prompt tells the transport what to ask next; rendering is the
// transport's problem.
type Prompt string

const (
	PromptNone            Prompt = ""
	PromptChooseRole      Prompt = "choose_role"
	PromptFirstName       Prompt = "enter_first_name"
	PromptLastName        Prompt = "enter_last_name"
	PromptTopic           Prompt = "enter_topic"
	PromptTalkDescription Prompt = "enter_talk_description"
	PromptPresentation    Prompt = "has_presentation"
	PromptComments        Prompt = "enter_comments"
	PromptPayment         Prompt = "confirm_payment"
)

// Input tokens the transport sends for non-free-form steps.
const (
	InputCancel = "cancel"
	InputYes    = "yes"
	InputNo     = "no"
	InputPaid   = "paid"
)

// Reply is the result of one Advance call: the next prompt, or the
// engine outcome that ended the flow. Invalid marks a rejected input;
// the same prompt is re-issued.
type Reply struct {
	Prompt  Prompt
	Invalid bool
	Ended   bool
	Outcome *engine.Outcome
}

type state struct {
	mu            sync.Mutex
	userID        int64
	step          Step
	draft         model.Draft
	reservationID int64
	touchedAt     time.Time
	ended         bool
}

type Config struct {
	// IdleTimeout abandons a flow that received no input for this long.
	IdleTimeout time.Duration
}

type Controller struct {
	engine *engine.Engine
	store  repo.Store
	cfg    Config
	log    *zerolog.Logger

	mu    sync.Mutex
	flows map[int64]*state

	now func() time.Time
}

func NewController(eng *engine.Engine, store repo.Store, cfg Config, log *zerolog.Logger) *Controller {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	return &Controller{
		engine: eng,
		store:  store,
		cfg:    cfg,
		log:    log,
		flows:  make(map[int64]*state),
		now:    time.Now,
	}
}

// Start opens a flow for the user against one event. An active flow for
// the same user is explicitly discarded first (its reservation, if any,
// is released) — two concurrent flows per user never exist.
func (c *Controller) Start(ctx context.Context, userID int64, username string, eventID int64) (Reply, error) {
	event, err := c.store.GetEvent(ctx, eventID)
	if err != nil {
		return Reply{}, err
	}
	if !event.IsOpen() {
		return Reply{}, engine.ErrEventNotOpen
	}

	c.mu.Lock()
	prior := c.flows[userID]
	delete(c.flows, userID)
	c.mu.Unlock()
	if prior != nil {
		c.discard(ctx, prior)
	}

	st := &state{
		userID: userID,
		step:   StepChoosingRole,
		draft: model.Draft{
			EventID:  eventID,
			UserID:   userID,
			Username: username,
		},
		touchedAt: c.now(),
	}
	c.mu.Lock()
	c.flows[userID] = st
	c.mu.Unlock()

	return Reply{Prompt: PromptChooseRole}, nil
}

// Advance feeds one piece of user input into the flow.
func (c *Controller) Advance(ctx context.Context, userID int64, input string) (Reply, error) {
	c.mu.Lock()
	st := c.flows[userID]
	c.mu.Unlock()
	if st == nil {
		return Reply{}, ErrNoActiveFlow
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended {
		return Reply{}, ErrNoActiveFlow
	}

	if c.now().Sub(st.touchedAt) > c.cfg.IdleTimeout {
		c.endLocked(ctx, st)
		return Reply{}, ErrFlowExpired
	}
	st.touchedAt = c.now()

	input = strings.TrimSpace(input)
	if strings.EqualFold(input, InputCancel) {
		c.endLocked(ctx, st)
		return Reply{Ended: true}, nil
	}

	switch st.step {
	case StepChoosingRole:
		role := model.Role(strings.ToLower(input))
		if !role.Valid() {
			return Reply{Prompt: PromptChooseRole, Invalid: true}, nil
		}
		st.draft.Role = role
		st.step = StepFirstName
		return Reply{Prompt: PromptFirstName}, nil

	case StepFirstName:
		if input == "" {
			return Reply{Prompt: PromptFirstName, Invalid: true}, nil
		}
		st.draft.FirstName = input
		st.step = StepLastName
		return Reply{Prompt: PromptLastName}, nil

	case StepLastName:
		if input == "" {
			return Reply{Prompt: PromptLastName, Invalid: true}, nil
		}
		st.draft.LastName = input
		if st.draft.Role == model.RoleSpeaker {
			st.step = StepTopic
			return Reply{Prompt: PromptTopic}, nil
		}
		st.step = StepComments
		return Reply{Prompt: PromptComments}, nil

	case StepTopic:
		if input == "" {
			return Reply{Prompt: PromptTopic, Invalid: true}, nil
		}
		st.draft.Topic = input
		st.step = StepTalkDescription
		return Reply{Prompt: PromptTalkDescription}, nil

	case StepTalkDescription:
		if input == "" {
			return Reply{Prompt: PromptTalkDescription, Invalid: true}, nil
		}
		st.draft.TalkDescription = input
		st.step = StepPresentation
		return Reply{Prompt: PromptPresentation}, nil

	case StepPresentation:
		switch strings.ToLower(input) {
		case InputYes:
			st.draft.HasPresentation = true
		case InputNo:
			st.draft.HasPresentation = false
		default:
			return Reply{Prompt: PromptPresentation, Invalid: true}, nil
		}
		st.step = StepComments
		return Reply{Prompt: PromptComments}, nil

	case StepComments:
		st.draft.Comments = input
		if err := validator.Validate(ctx, st.draft); err != nil {
			// Per-step checks should have caught this; treat the draft
			// as unrecoverable and end the flow.
			c.endLocked(ctx, st)
			return Reply{}, err
		}
		return c.submitLocked(ctx, st)

	case StepAwaitingPayment:
		if !strings.EqualFold(input, InputPaid) {
			return Reply{Prompt: PromptPayment, Invalid: true}, nil
		}
		out, err := c.engine.ConfirmPayment(ctx, st.reservationID)
		if err != nil {
			c.endLocked(ctx, st)
			return Reply{}, err
		}
		c.removeLocked(st)
		return Reply{Ended: true, Outcome: out}, nil
	}

	return Reply{}, ErrNoActiveFlow
}

// submitLocked hands the completed draft to the engine — the single
// admission call of the whole flow.
func (c *Controller) submitLocked(ctx context.Context, st *state) (Reply, error) {
	out, err := c.engine.RequestAdmission(ctx, st.draft, false)
	if err != nil {
		c.endLocked(ctx, st)
		return Reply{}, err
	}

	if out.Kind == engine.OutcomeReserved {
		st.reservationID = out.Registration.ID
		st.step = StepAwaitingPayment
		return Reply{Prompt: PromptPayment, Outcome: out}, nil
	}

	c.removeLocked(st)
	return Reply{Ended: true, Outcome: out}, nil
}

// Cancel abandons the user's flow, releasing a held reservation
// immediately.
func (c *Controller) Cancel(ctx context.Context, userID int64) error {
	c.mu.Lock()
	st := c.flows[userID]
	c.mu.Unlock()
	if st == nil {
		return ErrNoActiveFlow
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ended {
		return ErrNoActiveFlow
	}
	c.endLocked(ctx, st)
	return nil
}

// ReapIdle abandons every flow idle past the timeout. Meant to run on a
// ticker so reservations held by walked-away users are not stuck until
// their next input.
func (c *Controller) ReapIdle(ctx context.Context) int {
	c.mu.Lock()
	stale := make([]*state, 0)
	for _, st := range c.flows {
		stale = append(stale, st)
	}
	c.mu.Unlock()

	reaped := 0
	cutoff := c.now().Add(-c.cfg.IdleTimeout)
	for _, st := range stale {
		st.mu.Lock()
		if !st.ended && st.touchedAt.Before(cutoff) {
			c.endLocked(ctx, st)
			reaped++
		}
		st.mu.Unlock()
	}
	return reaped
}

func (c *Controller) discard(ctx context.Context, st *state) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.ended {
		c.endLocked(ctx, st)
	}
}

// endLocked terminates the flow and releases a held reservation. Caller
// holds st.mu.
func (c *Controller) endLocked(ctx context.Context, st *state) {
	if st.reservationID != 0 {
		if _, err := c.engine.Cancel(ctx, st.reservationID); err != nil && !errors.Is(err, engine.ErrAlreadyCancelled) {
			c.log.Error().Err(err).
				Int64("registration_id", st.reservationID).
				Msg("failed to release reservation on flow end")
		}
		st.reservationID = 0
	}
	c.removeLocked(st)
}

func (c *Controller) removeLocked(st *state) {
	st.ended = true
	c.mu.Lock()
	if c.flows[st.userID] == st {
		delete(c.flows, st.userID)
	}
	c.mu.Unlock()
}
