// Package expiry enforces payment-reservation deadlines. When the
// engine reserves a slot, the Scheduler publishes a delayed message;
// the Worker consumes it once the window has passed and hands the
// registration back to the engine, which re-checks everything under the
// event+role lock. A sweep therefore cannot race a concurrent payment
// confirmation.
package expiry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wb-go/wbf/zlog"

	"eventbot/internal/engine"
	"eventbot/internal/model"
	"eventbot/internal/rabbit"
)

// message is the wire format of one scheduled sweep.
type message struct {
	RegistrationID int64     `json:"registration_id"`
	EventID        int64     `json:"event_id"`
	ExpireAt       time.Time `json:"expire_at"`
}

// Scheduler implements engine.ExpiryScheduler over the delayed exchange.
type Scheduler struct {
	rmq *rabbit.Client
	now func() time.Time
}

func NewScheduler(rmq *rabbit.Client) *Scheduler {
	return &Scheduler{rmq: rmq, now: time.Now}
}

func (s *Scheduler) ScheduleExpiry(_ context.Context, reg *model.Registration) error {
	if reg.PaymentDeadline == nil {
		return fmt.Errorf("registration %d has no payment deadline", reg.ID)
	}

	payload, err := json.Marshal(message{
		RegistrationID: reg.ID,
		EventID:        reg.EventID,
		ExpireAt:       *reg.PaymentDeadline,
	})
	if err != nil {
		return fmt.Errorf("marshal expiry message: %w", err)
	}

	delay := reg.PaymentDeadline.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	return s.rmq.Publish(payload, delay)
}

// Worker consumes due sweep messages and drives the engine's expiry
// path.
type Worker struct {
	rmq    *rabbit.Client
	engine *engine.Engine
	done   chan struct{}
	cancel context.CancelFunc
}

func NewWorker(rmq *rabbit.Client, eng *engine.Engine) *Worker {
	return &Worker{
		rmq:    rmq,
		engine: eng,
		done:   make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	zlog.Logger.Info().Msg("reservation expiry worker started")

	go func() {
		defer close(w.done)

		handler := func(body []byte) error {
			var msg message
			if err := json.Unmarshal(body, &msg); err != nil {
				zlog.Logger.Error().Err(err).Msgf("failed to unmarshal expiry message: %s", string(body))
				// A malformed message can never succeed; drop it.
				return nil
			}

			out, err := w.engine.ExpireReservation(cctx, msg.RegistrationID)
			if err != nil {
				zlog.Logger.Error().Err(err).
					Int64("registration_id", msg.RegistrationID).
					Msg("failed to expire reservation")
				return err
			}
			if out == nil {
				zlog.Logger.Info().
					Int64("registration_id", msg.RegistrationID).
					Msg("reservation already settled, nothing to expire")
				return nil
			}

			zlog.Logger.Info().
				Int64("registration_id", msg.RegistrationID).
				Int("promoted", len(out.Promoted)).
				Msg("reservation expired and slot released")
			return nil
		}

		if err := w.rmq.Consume(handler); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to start consuming expiry messages")
			return
		}

		<-cctx.Done()
		zlog.Logger.Info().Msg("reservation expiry worker stopped")
	}()
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}
