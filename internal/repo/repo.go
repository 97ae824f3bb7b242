package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/dbpg"

	"eventbot/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRegistered = errors.New("user already registered for this event and role")
	// ErrUnavailable wraps storage failures so callers never mistake them
	// for a completed transition.
	ErrUnavailable = errors.New("store unavailable")
)

// Store is the repository contract consumed by the waitlist engine and
// the read paths. Reads outside InTx run against a consistent snapshot
// and take no locks.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateEvent(ctx context.Context, e *model.Event) (int64, error)
	GetEvent(ctx context.Context, id int64) (*model.Event, error)
	ListEvents(ctx context.Context) ([]model.Event, error)
	EventStats(ctx context.Context, eventID int64) (*model.EventStats, error)

	GetRegistration(ctx context.Context, id int64) (*model.Registration, error)
	ListUserRegistrations(ctx context.Context, userID int64) ([]model.Registration, error)
	ListWaitlist(ctx context.Context, eventID int64, role model.Role) ([]model.Registration, error)
	ListConfirmed(ctx context.Context, eventID int64, role model.Role) ([]model.Registration, error)
	CountConfirmed(ctx context.Context, eventID int64, role model.Role) (int, error)

	MigrateUp(migrationsDir string) error
	MigrateDown(migrationsDir string) error
}

// Tx exposes the row operations available inside a single transactional
// boundary. Every engine mutation uses exactly one Tx.
type Tx interface {
	// LockEvent reads the event row FOR UPDATE, serialising capacity
	// checks against concurrent bookings on the same event.
	LockEvent(ctx context.Context, id int64) (*model.Event, error)
	UpdateEventStatus(ctx context.Context, id int64, status model.EventStatus) error
	UpdateEventLimits(ctx context.Context, id int64, speakerLimit, participantLimit int) error

	// CountActive counts registrations holding a slot: confirmed plus
	// pending_payment reservations.
	CountActive(ctx context.Context, eventID int64, role model.Role) (int, error)
	FindActiveRegistration(ctx context.Context, eventID, userID int64, role model.Role) (*model.Registration, error)
	LockRegistration(ctx context.Context, id int64) (*model.Registration, error)
	InsertRegistration(ctx context.Context, reg *model.Registration) error
	UpdateRegistrationState(ctx context.Context, reg *model.Registration) error

	WaitlistHead(ctx context.Context, eventID int64, role model.Role) (*model.Registration, error)
	NextQueuePosition(ctx context.Context, eventID int64, role model.Role) (int, error)
	// ShiftQueueAfter closes the gap left at pos: every waitlisted entry
	// behind it moves one position forward.
	ShiftQueueAfter(ctx context.Context, eventID int64, role model.Role, pos int) error
	ListWaitlist(ctx context.Context, eventID int64, role model.Role) ([]model.Registration, error)
}

type repository struct {
	db  *dbpg.DB
	log *zerolog.Logger
}

func NewRepository(db *dbpg.DB, log *zerolog.Logger) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.Master.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}
	return &repository{db: db, log: log}, nil
}

func (r *repository) MigrateUp(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations applied successfully from %s", migrationsDir)
	return nil
}

func (r *repository) MigrateDown(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		return fmt.Errorf("failed to read rollback files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read rollback file %s: %w", file, err)
		}
		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations rolled back successfully from %s", migrationsDir)
	return nil
}
