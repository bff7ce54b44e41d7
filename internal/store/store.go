// Package store provides storage backends for CareFlow.
//
// It defines the storage boundary consumed by the automation engine and
// ships three implementations: in-memory (tests and dev), SQLite
// (single-node), and PostgreSQL (deployments). All backends enforce the
// core correctness guard: at most one active enrollment per
// (sequence_id, entity_id) pair.
package store

import (
	"errors"
	"strings"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

// ErrDuplicateActiveEnrollment is returned by InsertEnrollment when an
// active enrollment already exists for the same (sequence, entity) pair.
// Callers racing to enroll must treat this as "already enrolled", not as a
// failure.
var ErrDuplicateActiveEnrollment = errors.New("active enrollment already exists for sequence and entity")

// ErrNotPending is returned when a log entry status transition is attempted
// on an entry that is not in pending state. The execution log is append-only
// except for the pending -> executed/failed/skipped flip.
var ErrNotPending = errors.New("log entry is not pending")

// EnrollmentPatch carries the mutable enrollment fields for UpdateEnrollment.
// Nil fields are left unchanged.
type EnrollmentPatch struct {
	Status             *models.EnrollmentStatus
	CurrentStep        *int
	LastStepExecutedAt *time.Time
	CompletedAt        *time.Time
}

// Store is the storage boundary contract consumed by the automation engine.
// Every method is individually fallible; the engine treats read failures as
// best-effort abandonment, never as caller-visible errors.
type Store interface {
	// Rules (authored externally; read-only to the engine).
	GetEnabledRules(trigger models.TriggerType, entityType models.EntityType) ([]models.AutomationRule, error)
	InsertRule(rule *models.AutomationRule) error

	// Sequences.
	GetSequence(id string) (*models.Sequence, error)
	GetEnabledSequences(triggerPhase string, entityType models.EntityType) ([]models.Sequence, error)
	InsertSequence(seq *models.Sequence) error

	// Enrollments.
	GetEnrollment(id string) (*models.SequenceEnrollment, error)
	GetActiveEnrollments(sequenceID, entityID string) ([]models.SequenceEnrollment, error)
	InsertEnrollment(enr *models.SequenceEnrollment) error
	UpdateEnrollment(id string, patch EnrollmentPatch) error

	// Execution log (append-only; pending rows may flip once).
	InsertLogEntry(entry *models.ExecutionLogEntry) error
	ListDueLogEntries(now time.Time, limit int) ([]models.ExecutionLogEntry, error)
	ListLogEntries(entityID string, limit int) ([]models.ExecutionLogEntry, error)
	MarkLogEntryExecuted(id string, at time.Time) error
	MarkLogEntryFailed(id string, at time.Time, errDetail string) error
	MarkLogEntrySkipped(id string, at time.Time) error

	// Entities (owned by the portal's record layer; the engine reads
	// snapshots and requests targeted mutations).
	GetEntity(id string) (*models.Entity, error)
	ListEntities() ([]*models.Entity, error)
	InsertEntity(entity *models.Entity) error
	AppendEntityNote(entityID string, note models.Note) error
	UpdateEntityPhase(entityID, phase string, at time.Time) error
	CompleteEntityTask(entityID, taskID, actor string, at time.Time) error
	UpdateEntityField(entityID, field, value string) error

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite" for file paths.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}
