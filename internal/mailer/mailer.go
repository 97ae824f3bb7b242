// Package mailer delivers admin-channel notification intents over SMTP.
// User-facing intents are skipped here; the chat transport handles them.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/rs/zerolog"

	"eventbot/internal/notify"
)

type Config struct {
	Host       string
	Port       int
	From       string
	Password   string
	AdminEmail string
}

type Sink struct {
	cfg Config
	log *zerolog.Logger
}

func NewSink(cfg Config, log *zerolog.Logger) *Sink {
	return &Sink{cfg: cfg, log: log}
}

func (s *Sink) Deliver(_ context.Context, intent notify.Intent) error {
	if !intent.Recipient.Admin || s.cfg.AdminEmail == "" {
		return nil
	}

	subject, body := render(intent)
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		s.cfg.From, s.cfg.AdminEmail, subject, body,
	)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	auth := smtp.PlainAuth("", s.cfg.From, s.cfg.Password, s.cfg.Host)
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{s.cfg.AdminEmail}, []byte(msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	s.log.Info().
		Str("kind", string(intent.Kind)).
		Int64("event_id", intent.EventID).
		Msg("admin notification mailed")
	return nil
}

func render(intent notify.Intent) (subject, body string) {
	who := fmt.Sprintf("user %d (%s)", intent.UserID, intent.Role)
	where := fmt.Sprintf("event #%d %q", intent.EventID, intent.EventTitle)

	switch intent.Kind {
	case notify.KindRegistrationConfirmed:
		return "New registration", fmt.Sprintf("%s confirmed a slot for %s.", who, where)
	case notify.KindSlotReserved:
		return "Slot reserved", fmt.Sprintf("%s reserved a slot for %s, awaiting payment until %v.", who, where, intent.PaymentDeadline)
	case notify.KindWaitlisted:
		return "Waitlist joined", fmt.Sprintf("%s joined the waitlist for %s at position %d.", who, where, intent.Position)
	case notify.KindPromoted:
		return "Waitlist promotion", fmt.Sprintf("%s was promoted from the waitlist for %s.", who, where)
	case notify.KindCancelled:
		return "Registration cancelled", fmt.Sprintf("%s cancelled their registration for %s.", who, where)
	case notify.KindPaymentExpired:
		return "Payment window expired", fmt.Sprintf("the reservation of %s for %s expired unpaid.", who, where)
	case notify.KindLimitsChanged:
		return "Limits changed", fmt.Sprintf("slot limits changed for %s.", where)
	default:
		return "Event update", fmt.Sprintf("update for %s.", where)
	}
}
