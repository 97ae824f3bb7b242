package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eventbot/internal/model"
)

// querier is satisfied by both *dbpg.DB and *sql.Tx so row scans are
// shared between snapshot reads and transactional reads.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const eventColumns = `id, title, description, starts_at, speaker_limit, participant_limit,
       status, require_payment, waitlist_payment_exempt, payment_timeout_minutes,
       created_at, updated_at`

const registrationColumns = `id, event_id, user_id, username, first_name, last_name, role,
       status, queue_position, topic, talk_description, has_presentation, comments,
       payment_deadline, created_at, updated_at`

func scanEvent(row *sql.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(
		&e.ID, &e.Title, &e.Description, &e.StartsAt, &e.SpeakerLimit, &e.ParticipantLimit,
		&e.Status, &e.RequirePayment, &e.WaitlistPaymentExempt, &e.PaymentTimeoutMinutes,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan event: %v", ErrUnavailable, err)
	}
	return &e, nil
}

type regScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row regScanner) (*model.Registration, error) {
	var (
		reg      model.Registration
		queuePos sql.NullInt64
		deadline sql.NullTime
	)
	err := row.Scan(
		&reg.ID, &reg.EventID, &reg.UserID, &reg.Username, &reg.FirstName, &reg.LastName, &reg.Role,
		&reg.Status, &queuePos, &reg.Topic, &reg.TalkDescription, &reg.HasPresentation, &reg.Comments,
		&deadline, &reg.CreatedAt, &reg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: scan registration: %v", ErrUnavailable, err)
	}
	if queuePos.Valid {
		reg.QueuePosition = int(queuePos.Int64)
	}
	if deadline.Valid {
		t := deadline.Time
		reg.PaymentDeadline = &t
	}
	return &reg, nil
}

func listRegistrations(ctx context.Context, q querier, query string, args ...any) ([]model.Registration, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list registrations: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var regs []model.Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, *reg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list registrations: %v", ErrUnavailable, err)
	}
	return regs, nil
}

func (r *repository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %v", ErrUnavailable, err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit transaction: %v", ErrUnavailable, err)
	}
	return nil
}

func (r *repository) CreateEvent(ctx context.Context, e *model.Event) (int64, error) {
	query := `
		INSERT INTO events (title, description, starts_at, speaker_limit, participant_limit,
		                    status, require_payment, waitlist_payment_exempt, payment_timeout_minutes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	var id int64
	err := r.db.QueryRowContext(ctx, query,
		e.Title, e.Description, e.StartsAt, e.SpeakerLimit, e.ParticipantLimit,
		e.Status, e.RequirePayment, e.WaitlistPaymentExempt, e.PaymentTimeoutMinutes,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: insert event: %v", ErrUnavailable, err)
	}
	return id, nil
}

func (r *repository) GetEvent(ctx context.Context, id int64) (*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1`
	return scanEvent(r.db.QueryRowContext(ctx, query, id))
}

func (r *repository) ListEvents(ctx context.Context) ([]model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events ORDER BY starts_at`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(
			&e.ID, &e.Title, &e.Description, &e.StartsAt, &e.SpeakerLimit, &e.ParticipantLimit,
			&e.Status, &e.RequirePayment, &e.WaitlistPaymentExempt, &e.PaymentTimeoutMinutes,
			&e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrUnavailable, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list events: %v", ErrUnavailable, err)
	}
	return events, nil
}

func (r *repository) EventStats(ctx context.Context, eventID int64) (*model.EventStats, error) {
	event, err := r.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	stats := model.EventStats{Event: *event}
	query := `
		SELECT role, status, COUNT(*)
		FROM registrations
		WHERE event_id = $1 AND status <> 'cancelled'
		GROUP BY role, status
	`
	rows, err := r.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("%w: event stats: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			role   model.Role
			status model.RegStatus
			count  int
		)
		if err := rows.Scan(&role, &status, &count); err != nil {
			return nil, fmt.Errorf("%w: scan stats: %v", ErrUnavailable, err)
		}
		speaker := role == model.RoleSpeaker
		switch status {
		case model.RegConfirmed:
			if speaker {
				stats.ConfirmedSpeakers = count
			} else {
				stats.ConfirmedAttendees = count
			}
		case model.RegPendingPayment:
			if speaker {
				stats.ReservedSpeakers = count
			} else {
				stats.ReservedAttendees = count
			}
		case model.RegWaitlisted:
			if speaker {
				stats.WaitlistedSpeakers = count
			} else {
				stats.WaitlistedAttendees = count
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: event stats: %v", ErrUnavailable, err)
	}
	return &stats, nil
}

func (r *repository) GetRegistration(ctx context.Context, id int64) (*model.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE id = $1`
	return scanRegistration(r.db.QueryRowContext(ctx, query, id))
}

func (r *repository) ListUserRegistrations(ctx context.Context, userID int64) ([]model.Registration, error) {
	query := `
		SELECT ` + registrationColumns + `
		FROM registrations
		WHERE user_id = $1 AND status <> 'cancelled'
		ORDER BY created_at
	`
	return listRegistrations(ctx, r.db, query, userID)
}

func (r *repository) ListWaitlist(ctx context.Context, eventID int64, role model.Role) ([]model.Registration, error) {
	return listWaitlist(ctx, r.db, eventID, role)
}

func (r *repository) ListConfirmed(ctx context.Context, eventID int64, role model.Role) ([]model.Registration, error) {
	query := `
		SELECT ` + registrationColumns + `
		FROM registrations
		WHERE event_id = $1 AND role = $2 AND status = 'confirmed'
		ORDER BY created_at
	`
	return listRegistrations(ctx, r.db, query, eventID, role)
}

func (r *repository) CountConfirmed(ctx context.Context, eventID int64, role model.Role) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM registrations
		WHERE event_id = $1 AND role = $2 AND status = 'confirmed'
	`
	var count int
	if err := r.db.QueryRowContext(ctx, query, eventID, role).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count confirmed: %v", ErrUnavailable, err)
	}
	return count, nil
}

func listWaitlist(ctx context.Context, q querier, eventID int64, role model.Role) ([]model.Registration, error) {
	query := `
		SELECT ` + registrationColumns + `
		FROM registrations
		WHERE event_id = $1 AND role = $2 AND status = 'waitlisted'
		ORDER BY queue_position
	`
	return listRegistrations(ctx, q, query, eventID, role)
}

// pgTx implements Tx over one *sql.Tx.
type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) LockEvent(ctx context.Context, id int64) (*model.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE id = $1 FOR UPDATE`
	return scanEvent(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) UpdateEventStatus(ctx context.Context, id int64, status model.EventStatus) error {
	query := `UPDATE events SET status = $1, updated_at = NOW() WHERE id = $2`
	if _, err := t.tx.ExecContext(ctx, query, status, id); err != nil {
		return fmt.Errorf("%w: update event status: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *pgTx) UpdateEventLimits(ctx context.Context, id int64, speakerLimit, participantLimit int) error {
	query := `UPDATE events SET speaker_limit = $1, participant_limit = $2, updated_at = NOW() WHERE id = $3`
	if _, err := t.tx.ExecContext(ctx, query, speakerLimit, participantLimit, id); err != nil {
		return fmt.Errorf("%w: update event limits: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *pgTx) CountActive(ctx context.Context, eventID int64, role model.Role) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM registrations
		WHERE event_id = $1 AND role = $2 AND status IN ('confirmed', 'pending_payment')
	`
	var count int
	if err := t.tx.QueryRowContext(ctx, query, eventID, role).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: count active: %v", ErrUnavailable, err)
	}
	return count, nil
}

func (t *pgTx) FindActiveRegistration(ctx context.Context, eventID, userID int64, role model.Role) (*model.Registration, error) {
	query := `
		SELECT ` + registrationColumns + `
		FROM registrations
		WHERE event_id = $1 AND user_id = $2 AND role = $3 AND status <> 'cancelled'
	`
	return scanRegistration(t.tx.QueryRowContext(ctx, query, eventID, userID, role))
}

func (t *pgTx) LockRegistration(ctx context.Context, id int64) (*model.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE id = $1 FOR UPDATE`
	return scanRegistration(t.tx.QueryRowContext(ctx, query, id))
}

func (t *pgTx) InsertRegistration(ctx context.Context, reg *model.Registration) error {
	query := `
		INSERT INTO registrations (event_id, user_id, username, first_name, last_name, role,
		                           status, queue_position, topic, talk_description,
		                           has_presentation, comments, payment_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at
	`
	err := t.tx.QueryRowContext(ctx, query,
		reg.EventID, reg.UserID, reg.Username, reg.FirstName, reg.LastName, reg.Role,
		reg.Status, nullPos(reg.QueuePosition), reg.Topic, reg.TalkDescription,
		reg.HasPresentation, reg.Comments, nullTime(reg.PaymentDeadline),
	).Scan(&reg.ID, &reg.CreatedAt, &reg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: insert registration: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *pgTx) UpdateRegistrationState(ctx context.Context, reg *model.Registration) error {
	query := `
		UPDATE registrations
		SET status = $1, queue_position = $2, payment_deadline = $3, updated_at = NOW()
		WHERE id = $4
	`
	if _, err := t.tx.ExecContext(ctx, query,
		reg.Status, nullPos(reg.QueuePosition), nullTime(reg.PaymentDeadline), reg.ID,
	); err != nil {
		return fmt.Errorf("%w: update registration state: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *pgTx) WaitlistHead(ctx context.Context, eventID int64, role model.Role) (*model.Registration, error) {
	query := `
		SELECT ` + registrationColumns + `
		FROM registrations
		WHERE event_id = $1 AND role = $2 AND status = 'waitlisted'
		ORDER BY queue_position
		LIMIT 1
		FOR UPDATE
	`
	return scanRegistration(t.tx.QueryRowContext(ctx, query, eventID, role))
}

func (t *pgTx) NextQueuePosition(ctx context.Context, eventID int64, role model.Role) (int, error) {
	query := `
		SELECT COALESCE(MAX(queue_position), 0) + 1
		FROM registrations
		WHERE event_id = $1 AND role = $2 AND status = 'waitlisted'
	`
	var pos int
	if err := t.tx.QueryRowContext(ctx, query, eventID, role).Scan(&pos); err != nil {
		return 0, fmt.Errorf("%w: next queue position: %v", ErrUnavailable, err)
	}
	return pos, nil
}

func (t *pgTx) ShiftQueueAfter(ctx context.Context, eventID int64, role model.Role, pos int) error {
	query := `
		UPDATE registrations
		SET queue_position = queue_position - 1, updated_at = NOW()
		WHERE event_id = $1 AND role = $2 AND status = 'waitlisted' AND queue_position > $3
	`
	if _, err := t.tx.ExecContext(ctx, query, eventID, role, pos); err != nil {
		return fmt.Errorf("%w: shift queue: %v", ErrUnavailable, err)
	}
	return nil
}

func (t *pgTx) ListWaitlist(ctx context.Context, eventID int64, role model.Role) ([]model.Registration, error) {
	return listWaitlist(ctx, t.tx, eventID, role)
}

func nullPos(pos int) sql.NullInt64 {
	if pos <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(pos), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
