package notify

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventbot/internal/engine"
	"eventbot/internal/model"
)

func testEmitter() *Emitter {
	log := zerolog.Nop()
	em := NewEmitter(&log)
	em.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return em
}

func testEvent() *model.Event {
	return &model.Event{ID: 42, Title: "Roof Talks #12"}
}

func reg(id, userID int64) *model.Registration {
	return &model.Registration{ID: id, EventID: 42, UserID: userID, Role: model.RoleParticipant}
}

func TestTranslateOneIntentPerParty(t *testing.T) {
	em := testEmitter()
	r := reg(1, 7)

	cases := []struct {
		kind engine.OutcomeKind
		want IntentKind
	}{
		{engine.OutcomeConfirmed, KindRegistrationConfirmed},
		{engine.OutcomeReserved, KindSlotReserved},
		{engine.OutcomeWaitlisted, KindWaitlisted},
		{engine.OutcomeCancelled, KindCancelled},
		{engine.OutcomeExpired, KindPaymentExpired},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			intents := em.Translate(testEvent(), &engine.Outcome{Kind: tc.kind, Registration: r})
			require.Len(t, intents, 2)

			user, admin := intents[0], intents[1]
			assert.Equal(t, tc.want, user.Kind)
			assert.Equal(t, int64(7), user.Recipient.UserID)
			assert.False(t, user.Recipient.Admin)

			assert.Equal(t, tc.want, admin.Kind)
			assert.True(t, admin.Recipient.Admin)

			assert.NotEqual(t, user.ID, admin.ID)
		})
	}
}

func TestTranslatePromotions(t *testing.T) {
	em := testEmitter()

	out := &engine.Outcome{
		Kind:         engine.OutcomeCancelled,
		Registration: reg(1, 7),
		Promoted:     []*model.Registration{reg(2, 8)},
	}
	intents := em.Translate(testEvent(), out)
	require.Len(t, intents, 4)

	assert.Equal(t, KindCancelled, intents[0].Kind)
	assert.Equal(t, KindCancelled, intents[1].Kind)
	assert.Equal(t, KindPromoted, intents[2].Kind)
	assert.Equal(t, int64(8), intents[2].Recipient.UserID)
	assert.Equal(t, KindPromoted, intents[3].Kind)
	assert.True(t, intents[3].Recipient.Admin)
}

func TestTranslateLimitsChangeIsAdminOnly(t *testing.T) {
	em := testEmitter()

	out := &engine.Outcome{Kind: engine.OutcomeLimitsApplied}
	intents := em.Translate(testEvent(), out)
	require.Len(t, intents, 1)
	assert.Equal(t, KindLimitsChanged, intents[0].Kind)
	assert.True(t, intents[0].Recipient.Admin)
}

func TestTranslateCarriesContext(t *testing.T) {
	em := testEmitter()
	deadline := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	r := reg(1, 7)
	r.QueuePosition = 3
	r.PaymentDeadline = &deadline

	intents := em.Translate(testEvent(), &engine.Outcome{Kind: engine.OutcomeWaitlisted, Registration: r})
	require.Len(t, intents, 2)
	for _, intent := range intents {
		assert.Equal(t, int64(42), intent.EventID)
		assert.Equal(t, "Roof Talks #12", intent.EventTitle)
		assert.Equal(t, int64(1), intent.RegistrationID)
		assert.Equal(t, 3, intent.Position)
		require.NotNil(t, intent.PaymentDeadline)
		assert.Equal(t, deadline, *intent.PaymentDeadline)
	}
}

func TestTranslateNilInputs(t *testing.T) {
	em := testEmitter()
	assert.Nil(t, em.Translate(nil, &engine.Outcome{Kind: engine.OutcomeConfirmed}))
	assert.Nil(t, em.Translate(testEvent(), nil))
}
