package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbot/internal/model"
	"eventbot/internal/repo"
	"eventbot/internal/repo/repotest"
)

type captureNotifier struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

func (c *captureNotifier) Notify(_ context.Context, _ *model.Event, out *Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, out)
}

func (c *captureNotifier) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outcomes)
}

type captureScheduler struct {
	mu   sync.Mutex
	regs []*model.Registration
}

func (c *captureScheduler) ScheduleExpiry(_ context.Context, reg *model.Registration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs = append(c.regs, reg)
	return nil
}

type fixture struct {
	eng       *Engine
	store     *repotest.Store
	notifier  *captureNotifier
	scheduler *captureScheduler
	clock     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zerolog.Nop()
	store := repotest.New()
	notifier := &captureNotifier{}
	scheduler := &captureScheduler{}
	eng := New(store, notifier, scheduler, &log)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return now }

	return &fixture{
		eng:       eng,
		store:     store,
		notifier:  notifier,
		scheduler: scheduler,
		clock:     &now,
	}
}

func (f *fixture) advance(d time.Duration) {
	*f.clock = f.clock.Add(d)
}

func (f *fixture) openEvent(participantLimit int) *model.Event {
	return f.store.SeedEvent(model.Event{
		Title:                 "Roof Talks #12",
		Status:                model.EventOpen,
		SpeakerLimit:          3,
		ParticipantLimit:      participantLimit,
		PaymentTimeoutMinutes: 30,
	})
}

func draftFor(eventID, userID int64) model.Draft {
	return model.Draft{
		EventID:   eventID,
		UserID:    userID,
		FirstName: "Alex",
		LastName:  "Janssen",
		Role:      model.RoleParticipant,
	}
}

func TestRequestAdmissionCapacityBound(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(2)
	ctx := context.Background()

	first, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, first.Kind)

	second, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 2), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, second.Kind)

	third, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 3), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaitlisted, third.Kind)
	assert.Equal(t, 1, third.Position())

	fourth, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 4), false)
	require.NoError(t, err)
	assert.Equal(t, 2, fourth.Position())

	// Arrival order is recorded: it is the promotion tie-break.
	assert.True(t, fourth.Registration.CreatedAt.After(third.Registration.CreatedAt))
}

func TestRequestAdmissionUnlimited(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(model.Unlimited)
	ctx := context.Background()

	for userID := int64(1); userID <= 10; userID++ {
		out, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, userID), false)
		require.NoError(t, err)
		assert.Equal(t, OutcomeConfirmed, out.Kind)
	}
}

func TestRequestAdmissionDuplicate(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(5)
	ctx := context.Background()

	_, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)

	_, err = f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	assert.ErrorIs(t, err, repo.ErrAlreadyRegistered)

	// Same user, other role: allowed.
	speaker := draftFor(ev.ID, 1)
	speaker.Role = model.RoleSpeaker
	speaker.Topic = "Observability on a budget"
	_, err = f.eng.RequestAdmission(ctx, speaker, false)
	assert.NoError(t, err)
}

func TestRequestAdmissionEventNotOpen(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{Title: "Unpublished", Status: model.EventDraft, ParticipantLimit: 5})

	_, err := f.eng.RequestAdmission(context.Background(), draftFor(ev.ID, 1), false)
	assert.ErrorIs(t, err, ErrEventNotOpen)
}

func TestRequestAdmissionReservesWhenPaymentRequired(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{
		Title:                 "Paid meetup",
		Status:                model.EventOpen,
		ParticipantLimit:      2,
		RequirePayment:        true,
		PaymentTimeoutMinutes: 30,
	})
	ctx := context.Background()

	out, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeReserved, out.Kind)
	require.NotNil(t, out.Registration.PaymentDeadline)
	assert.Equal(t, f.clock.Add(30*time.Minute), *out.Registration.PaymentDeadline)
	require.Len(t, f.scheduler.regs, 1)
	assert.Equal(t, out.Registration.ID, f.scheduler.regs[0].ID)

	// A pre-confirmed payment skips the reservation.
	confirmed, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 2), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, confirmed.Kind)
}

func TestReservedSlotCountsAgainstCapacity(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{
		Title:                 "Paid meetup",
		Status:                model.EventOpen,
		ParticipantLimit:      1,
		RequirePayment:        true,
		PaymentTimeoutMinutes: 30,
	})
	ctx := context.Background()

	_, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)

	out, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 2), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaitlisted, out.Kind)
}

func TestConfirmPaymentWithinWindow(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{
		Title:                 "Paid meetup",
		Status:                model.EventOpen,
		ParticipantLimit:      1,
		RequirePayment:        true,
		PaymentTimeoutMinutes: 30,
	})
	ctx := context.Background()

	reserved, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)

	f.advance(10 * time.Minute)
	out, err := f.eng.ConfirmPayment(ctx, reserved.Registration.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, out.Kind)
	assert.Nil(t, out.Registration.PaymentDeadline)
}

func TestConfirmPaymentAfterDeadlineReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{
		Title:                 "Paid meetup",
		Status:                model.EventOpen,
		ParticipantLimit:      1,
		RequirePayment:        true,
		WaitlistPaymentExempt: true,
		PaymentTimeoutMinutes: 30,
	})
	ctx := context.Background()

	reserved, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	queued, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 2), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeWaitlisted, queued.Kind)

	f.advance(31 * time.Minute)
	out, err := f.eng.ConfirmPayment(ctx, reserved.Registration.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, out.Kind)
	assert.Equal(t, model.RegCancelled, out.Registration.Status)

	require.Len(t, out.Promoted, 1)
	assert.Equal(t, queued.Registration.ID, out.Promoted[0].ID)
	assert.Equal(t, model.RegConfirmed, out.Promoted[0].Status)
}

func TestLateConfirmWithEmptyWaitlistFreesSlot(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{
		Title:                 "Paid meetup",
		Status:                model.EventOpen,
		ParticipantLimit:      1,
		RequirePayment:        true,
		PaymentTimeoutMinutes: 30,
	})
	ctx := context.Background()

	reserved, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeReserved, reserved.Kind)

	f.advance(31 * time.Minute)
	out, err := f.eng.ConfirmPayment(ctx, reserved.Registration.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, out.Kind)
	assert.Empty(t, out.Promoted)

	// Nobody was queued, so the freed slot goes to the next walk-in.
	next, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 2), true)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, next.Kind)
}

func TestExpireReservationOnClosedEvent(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{
		Title:                 "Paid meetup",
		Status:                model.EventOpen,
		ParticipantLimit:      1,
		RequirePayment:        true,
		WaitlistPaymentExempt: true,
		PaymentTimeoutMinutes: 30,
	})
	ctx := context.Background()

	reserved, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	queued, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 2), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeWaitlisted, queued.Kind)

	// The sweep still settles reservations accepted before closing.
	require.NoError(t, f.eng.TransitionEvent(ctx, ev.ID, model.EventClosed))
	f.advance(31 * time.Minute)

	out, err := f.eng.ExpireReservation(ctx, reserved.Registration.ID)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, OutcomeExpired, out.Kind)
	require.Len(t, out.Promoted, 1)
	assert.Equal(t, queued.Registration.ID, out.Promoted[0].ID)
	assert.Equal(t, model.RegConfirmed, out.Promoted[0].Status)
}

func TestConfirmPaymentWrongState(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(5)
	ctx := context.Background()

	out, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, out.Kind)

	_, err = f.eng.ConfirmPayment(ctx, out.Registration.ID)
	assert.ErrorIs(t, err, ErrNotAwaitingPayment)

	_, err = f.eng.Cancel(ctx, out.Registration.ID)
	require.NoError(t, err)
	_, err = f.eng.ConfirmPayment(ctx, out.Registration.ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
}

func TestCancelConfirmedPromotesHead(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(1)
	ctx := context.Background()

	a, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	b, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 2), false)
	require.NoError(t, err)
	c, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 3), false)
	require.NoError(t, err)
	require.Equal(t, 1, b.Position())
	require.Equal(t, 2, c.Position())

	out, err := f.eng.Cancel(ctx, a.Registration.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	require.Len(t, out.Promoted, 1)
	assert.Equal(t, b.Registration.ID, out.Promoted[0].ID)
	assert.Equal(t, model.RegConfirmed, out.Promoted[0].Status)
	assert.Equal(t, 0, out.Promoted[0].QueuePosition)

	queue, err := f.store.ListWaitlist(ctx, ev.ID, model.RoleParticipant)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, c.Registration.ID, queue[0].ID)
	assert.Equal(t, 1, queue[0].QueuePosition)
}

func TestCancelWaitlistedCompactsQueue(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(1)
	ctx := context.Background()

	_, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	var queued []*Outcome
	for userID := int64(2); userID <= 5; userID++ {
		out, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, userID), false)
		require.NoError(t, err)
		queued = append(queued, out)
	}

	// Drop the second entry; nobody is promoted, the tail moves up.
	out, err := f.eng.Cancel(ctx, queued[1].Registration.ID)
	require.NoError(t, err)
	assert.Empty(t, out.Promoted)

	queue, err := f.store.ListWaitlist(ctx, ev.ID, model.RoleParticipant)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	for i, entry := range queue {
		assert.Equal(t, i+1, entry.QueuePosition)
	}
	assert.Equal(t, queued[0].Registration.ID, queue[0].ID)
	assert.Equal(t, queued[2].Registration.ID, queue[1].ID)
	assert.Equal(t, queued[3].Registration.ID, queue[2].ID)
}

func TestCancelTwice(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(5)
	ctx := context.Background()

	out, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	_, err = f.eng.Cancel(ctx, out.Registration.ID)
	require.NoError(t, err)

	before := f.notifier.count()
	_, err = f.eng.Cancel(ctx, out.Registration.ID)
	assert.ErrorIs(t, err, ErrAlreadyCancelled)
	assert.Equal(t, before, f.notifier.count())
}

func TestExpireReservationNoop(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{
		Title:                 "Paid meetup",
		Status:                model.EventOpen,
		ParticipantLimit:      2,
		RequirePayment:        true,
		PaymentTimeoutMinutes: 30,
	})
	ctx := context.Background()

	reserved, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)

	// Deadline not reached yet.
	out, err := f.eng.ExpireReservation(ctx, reserved.Registration.ID)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = f.eng.ConfirmPayment(ctx, reserved.Registration.ID)
	require.NoError(t, err)

	// Already confirmed.
	f.advance(time.Hour)
	out, err = f.eng.ExpireReservation(ctx, reserved.Registration.ID)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestExpireReservationReleasesAndPromotes(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{
		Title:                 "Paid meetup",
		Status:                model.EventOpen,
		ParticipantLimit:      1,
		RequirePayment:        true,
		PaymentTimeoutMinutes: 30,
	})
	ctx := context.Background()

	reserved, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	queued, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 2), false)
	require.NoError(t, err)

	f.advance(31 * time.Minute)
	out, err := f.eng.ExpireReservation(ctx, reserved.Registration.ID)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, OutcomeExpired, out.Kind)

	// The promoted entry must pay in turn; a fresh sweep is scheduled.
	require.Len(t, out.Promoted, 1)
	assert.Equal(t, queued.Registration.ID, out.Promoted[0].ID)
	assert.Equal(t, model.RegPendingPayment, out.Promoted[0].Status)
	require.NotNil(t, out.Promoted[0].PaymentDeadline)
	assert.Equal(t, f.clock.Add(30*time.Minute), *out.Promoted[0].PaymentDeadline)

	// The freed slot is immediately bookable by the next walk-in.
	next, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 3), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaitlisted, next.Kind)
	assert.Equal(t, 1, next.Position())
}

func TestAdjustLimitRaisePromotesInOrder(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(1)
	ctx := context.Background()

	_, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	var queued []*Outcome
	for userID := int64(2); userID <= 4; userID++ {
		out, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, userID), false)
		require.NoError(t, err)
		queued = append(queued, out)
	}

	out, err := f.eng.AdjustLimit(ctx, ev.ID, model.RoleParticipant, 3)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLimitsApplied, out.Kind)
	require.Len(t, out.Promoted, 2)
	assert.Equal(t, queued[0].Registration.ID, out.Promoted[0].ID)
	assert.Equal(t, queued[1].Registration.ID, out.Promoted[1].ID)

	queue, err := f.store.ListWaitlist(ctx, ev.ID, model.RoleParticipant)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, 1, queue[0].QueuePosition)

	// Unlimited drains the rest of the queue.
	out, err = f.eng.AdjustLimit(ctx, ev.ID, model.RoleParticipant, model.Unlimited)
	require.NoError(t, err)
	require.Len(t, out.Promoted, 1)
	assert.Equal(t, queued[2].Registration.ID, out.Promoted[0].ID)
}

func TestAdjustLimitLowerNeverDemotes(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(2)
	ctx := context.Background()

	_, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 1), false)
	require.NoError(t, err)
	_, err = f.eng.RequestAdmission(ctx, draftFor(ev.ID, 2), false)
	require.NoError(t, err)

	out, err := f.eng.AdjustLimit(ctx, ev.ID, model.RoleParticipant, 1)
	require.NoError(t, err)
	assert.Empty(t, out.Promoted)

	stats, err := f.store.EventStats(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ConfirmedAttendees)

	// New arrivals queue behind the overflow.
	next, err := f.eng.RequestAdmission(ctx, draftFor(ev.ID, 3), false)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWaitlisted, next.Kind)
}

func TestAdjustLimitValidation(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(2)
	ctx := context.Background()

	_, err := f.eng.AdjustLimit(ctx, ev.ID, model.RoleParticipant, -2)
	assert.ErrorIs(t, err, ErrInvalidLimit)

	_, err = f.eng.AdjustLimit(ctx, ev.ID, "organizer", 5)
	assert.ErrorIs(t, err, ErrInvalidDraft)

	closed := f.store.SeedEvent(model.Event{Title: "Done", Status: model.EventClosed, ParticipantLimit: 2})
	_, err = f.eng.AdjustLimit(ctx, closed.ID, model.RoleParticipant, 5)
	assert.ErrorIs(t, err, ErrEventNotOpen)
}

func TestTransitionEventLifecycle(t *testing.T) {
	f := newFixture(t)
	ev := f.store.SeedEvent(model.Event{Title: "Lifecycle", Status: model.EventDraft, ParticipantLimit: 2})
	ctx := context.Background()

	require.NoError(t, f.eng.TransitionEvent(ctx, ev.ID, model.EventOpen))
	assert.Error(t, f.eng.TransitionEvent(ctx, ev.ID, model.EventArchived))
	require.NoError(t, f.eng.TransitionEvent(ctx, ev.ID, model.EventClosed))
	require.NoError(t, f.eng.TransitionEvent(ctx, ev.ID, model.EventArchived))

	// Archived is terminal.
	assert.Error(t, f.eng.TransitionEvent(ctx, ev.ID, model.EventOpen))
}

func TestConcurrentAdmissionsLastSlot(t *testing.T) {
	f := newFixture(t)
	ev := f.openEvent(1)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]*Outcome, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.eng.RequestAdmission(ctx, draftFor(ev.ID, int64(i+1)), false)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	kinds := map[OutcomeKind]int{}
	for _, out := range results {
		kinds[out.Kind]++
	}
	assert.Equal(t, 1, kinds[OutcomeConfirmed])
	assert.Equal(t, 1, kinds[OutcomeWaitlisted])
	for _, out := range results {
		if out.Kind == OutcomeWaitlisted {
			assert.Equal(t, 1, out.Position())
		}
	}
}

func TestPromotionPaymentGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Exempt: promotion confirms outright.
	exempt := f.store.SeedEvent(model.Event{
		Title:                 "Exempt",
		Status:                model.EventOpen,
		ParticipantLimit:      1,
		RequirePayment:        true,
		WaitlistPaymentExempt: true,
		PaymentTimeoutMinutes: 30,
	})
	first, err := f.eng.RequestAdmission(ctx, draftFor(exempt.ID, 1), true)
	require.NoError(t, err)
	_, err = f.eng.RequestAdmission(ctx, draftFor(exempt.ID, 2), false)
	require.NoError(t, err)

	out, err := f.eng.Cancel(ctx, first.Registration.ID)
	require.NoError(t, err)
	require.Len(t, out.Promoted, 1)
	assert.Equal(t, model.RegConfirmed, out.Promoted[0].Status)

	// Not exempt: the promoted head gets its own payment window.
	gated := f.store.SeedEvent(model.Event{
		Title:                 "Gated",
		Status:                model.EventOpen,
		ParticipantLimit:      1,
		RequirePayment:        true,
		PaymentTimeoutMinutes: 30,
	})
	first, err = f.eng.RequestAdmission(ctx, draftFor(gated.ID, 1), true)
	require.NoError(t, err)
	_, err = f.eng.RequestAdmission(ctx, draftFor(gated.ID, 2), false)
	require.NoError(t, err)

	schedBefore := len(f.scheduler.regs)
	out, err = f.eng.Cancel(ctx, first.Registration.ID)
	require.NoError(t, err)
	require.Len(t, out.Promoted, 1)
	assert.Equal(t, model.RegPendingPayment, out.Promoted[0].Status)
	require.NotNil(t, out.Promoted[0].PaymentDeadline)
	assert.Len(t, f.scheduler.regs, schedBefore+1)
}
