// Package store provides storage backends for CareFlow.
//
// This file implements the PostgreSQL-backed store for deployments.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/caregrid/careflow/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) GetEnabledRules(trigger models.TriggerType, entityType models.EntityType) ([]models.AutomationRule, error) {
	rows, err := s.db.Query(
		`SELECT id, name, entity_type, trigger_type, conditions_json, action_type, action_config_json, message_template, enabled, created_at, updated_at
		 FROM automation_rules WHERE enabled = TRUE AND trigger_type = $1 AND entity_type = $2 ORDER BY created_at ASC, id ASC`,
		trigger, entityType,
	)
	if err != nil {
		slog.Error("PostgresStore GetEnabledRules query failed", "error", err, "trigger", trigger)
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []models.AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rule rows: %w", err)
	}
	return rules, nil
}

func (s *PostgresStore) InsertRule(rule *models.AutomationRule) error {
	conditions, err := marshalJSON(rule.Conditions)
	if err != nil {
		return err
	}
	config, err := marshalJSON(rule.ActionConfig)
	if err != nil {
		return err
	}
	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	_, err = s.db.Exec(
		`INSERT INTO automation_rules (id, name, entity_type, trigger_type, conditions_json, action_type, action_config_json, message_template, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rule.ID, rule.Name, rule.EntityType, rule.TriggerType, conditions,
		rule.ActionType, config, rule.MessageTemplate, rule.Enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetSequence(id string) (*models.Sequence, error) {
	row := s.db.QueryRow(
		`SELECT id, name, entity_type, trigger_phase, enabled, steps_json, created_at FROM sequences WHERE id = $1`, id,
	)
	seq, err := scanSequence(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence %s: %w", id, err)
	}
	return &seq, nil
}

func (s *PostgresStore) GetEnabledSequences(triggerPhase string, entityType models.EntityType) ([]models.Sequence, error) {
	rows, err := s.db.Query(
		`SELECT id, name, entity_type, trigger_phase, enabled, steps_json, created_at
		 FROM sequences WHERE enabled = TRUE AND trigger_phase = $1 AND entity_type = $2 ORDER BY created_at ASC, id ASC`,
		triggerPhase, entityType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query sequences: %w", err)
	}
	defer rows.Close()

	var sequences []models.Sequence
	for rows.Next() {
		seq, err := scanSequence(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sequence row: %w", err)
		}
		sequences = append(sequences, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sequence rows: %w", err)
	}
	return sequences, nil
}

func (s *PostgresStore) InsertSequence(seq *models.Sequence) error {
	steps, err := marshalJSON(seq.Steps)
	if err != nil {
		return err
	}
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(
		`INSERT INTO sequences (id, name, entity_type, trigger_phase, enabled, steps_json, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		seq.ID, seq.Name, seq.EntityType, nilIfNilPtr(seq.TriggerPhase), seq.Enabled, steps, seq.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sequence %s: %w", seq.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetEnrollment(id string) (*models.SequenceEnrollment, error) {
	row := s.db.QueryRow(
		`SELECT id, sequence_id, entity_id, status, current_step, started_by, start_from_step, last_step_executed_at, completed_at, created_at
		 FROM sequence_enrollments WHERE id = $1`, id,
	)
	enr, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrollment %s: %w", id, err)
	}
	return &enr, nil
}

func (s *PostgresStore) GetActiveEnrollments(sequenceID, entityID string) ([]models.SequenceEnrollment, error) {
	rows, err := s.db.Query(
		`SELECT id, sequence_id, entity_id, status, current_step, started_by, start_from_step, last_step_executed_at, completed_at, created_at
		 FROM sequence_enrollments WHERE sequence_id = $1 AND entity_id = $2 AND status = 'active'`,
		sequenceID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []models.SequenceEnrollment
	for rows.Next() {
		enr, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrollment row: %w", err)
		}
		enrollments = append(enrollments, enr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate enrollment rows: %w", err)
	}
	return enrollments, nil
}

func (s *PostgresStore) InsertEnrollment(enr *models.SequenceEnrollment) error {
	_, err := s.db.Exec(
		`INSERT INTO sequence_enrollments (id, sequence_id, entity_id, status, current_step, started_by, start_from_step, last_step_executed_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		enr.ID, enr.SequenceID, enr.EntityID, enr.Status, enr.CurrentStep,
		enr.StartedBy, enr.StartFromStep, nullableTime(enr.LastStepExecutedAt), nullableTime(enr.CompletedAt), enr.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return ErrDuplicateActiveEnrollment
		}
		return fmt.Errorf("failed to insert enrollment %s: %w", enr.ID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateEnrollment(id string, patch EnrollmentPatch) error {
	var sets []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if patch.Status != nil {
		sets = append(sets, "status = "+arg(*patch.Status))
	}
	if patch.CurrentStep != nil {
		sets = append(sets, "current_step = "+arg(*patch.CurrentStep))
	}
	if patch.LastStepExecutedAt != nil {
		sets = append(sets, "last_step_executed_at = "+arg(*patch.LastStepExecutedAt))
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*patch.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	query := `UPDATE sequence_enrollments SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + arg(id)
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update enrollment %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) InsertLogEntry(entry *models.ExecutionLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO execution_log (id, rule_id, sequence_id, enrollment_id, step_index, entity_id, action_type, status, scheduled_at, executed_at, error_detail)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.ID, entry.RuleID, entry.SequenceID, entry.EnrollmentID, stepIndexValue(entry.StepIndex),
		entry.EntityID, entry.ActionType, entry.Status, entry.ScheduledAt, nullableTime(entry.ExecutedAt), entry.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry %s: %w", entry.ID, err)
	}
	return nil
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as
// LIMIT ALL.
func limitArg(limit int) interface{} {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *PostgresStore) ListDueLogEntries(now time.Time, limit int) ([]models.ExecutionLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, rule_id, sequence_id, enrollment_id, step_index, entity_id, action_type, status, scheduled_at, executed_at, error_detail
		 FROM execution_log WHERE status = 'pending' AND scheduled_at <= $1 ORDER BY scheduled_at ASC LIMIT $2`,
		now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due log entries: %w", err)
	}
	defer rows.Close()
	return collectLogEntries(rows)
}

func (s *PostgresStore) ListLogEntries(entityID string, limit int) ([]models.ExecutionLogEntry, error) {
	var rows *sql.Rows
	var err error
	if entityID != "" {
		rows, err = s.db.Query(
			`SELECT id, rule_id, sequence_id, enrollment_id, step_index, entity_id, action_type, status, scheduled_at, executed_at, error_detail
			 FROM execution_log WHERE entity_id = $1 ORDER BY scheduled_at DESC LIMIT $2`,
			entityID, limitArg(limit),
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, rule_id, sequence_id, enrollment_id, step_index, entity_id, action_type, status, scheduled_at, executed_at, error_detail
			 FROM execution_log ORDER BY scheduled_at DESC LIMIT $1`,
			limitArg(limit),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()
	return collectLogEntries(rows)
}

func (s *PostgresStore) markLogEntry(id string, status models.ExecutionStatus, at time.Time, errDetail string) error {
	result, err := s.db.Exec(
		`UPDATE execution_log SET status = $1, executed_at = $2, error_detail = $3 WHERE id = $4 AND status = 'pending'`,
		status, at, errDetail, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark log entry %s: %w", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotPending
	}
	return nil
}

func (s *PostgresStore) MarkLogEntryExecuted(id string, at time.Time) error {
	return s.markLogEntry(id, models.ExecutionExecuted, at, "")
}

func (s *PostgresStore) MarkLogEntryFailed(id string, at time.Time, errDetail string) error {
	return s.markLogEntry(id, models.ExecutionFailed, at, errDetail)
}

func (s *PostgresStore) MarkLogEntrySkipped(id string, at time.Time) error {
	return s.markLogEntry(id, models.ExecutionSkipped, at, "")
}

func (s *PostgresStore) GetEntity(id string) (*models.Entity, error) {
	row := s.db.QueryRow(
		`SELECT id, type, first_name, last_name, phone, email, phase, tasks_json, notes_json, phase_timestamps_json, last_activity_at, created_at
		 FROM entities WHERE id = $1`, id,
	)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s: %w", id, err)
	}
	return e, nil
}

func (s *PostgresStore) ListEntities() ([]*models.Entity, error) {
	rows, err := s.db.Query(
		`SELECT id, type, first_name, last_name, phone, email, phase, tasks_json, notes_json, phase_timestamps_json, last_activity_at, created_at
		 FROM entities ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity row: %w", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entity rows: %w", err)
	}
	return entities, nil
}

func (s *PostgresStore) InsertEntity(entity *models.Entity) error {
	tasks, err := marshalJSON(entity.Tasks)
	if err != nil {
		return err
	}
	notes, err := marshalJSON(entity.Notes)
	if err != nil {
		return err
	}
	phases, err := marshalJSON(entity.PhaseTimestamps)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO entities (id, type, first_name, last_name, phone, email, phase, tasks_json, notes_json, phase_timestamps_json, last_activity_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type, first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name,
			phone = EXCLUDED.phone, email = EXCLUDED.email, phase = EXCLUDED.phase,
			tasks_json = EXCLUDED.tasks_json, notes_json = EXCLUDED.notes_json,
			phase_timestamps_json = EXCLUDED.phase_timestamps_json, last_activity_at = EXCLUDED.last_activity_at`,
		entity.ID, entity.Type, entity.FirstName, entity.LastName, entity.Phone, entity.Email, entity.Phase,
		tasks, notes, phases, zeroableTime(entity.LastActivityAt), entity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entity %s: %w", entity.ID, err)
	}
	return nil
}

func (s *PostgresStore) AppendEntityNote(entityID string, note models.Note) error {
	return s.mutateEntity(entityID, func(e *models.Entity) {
		e.Notes = append(e.Notes, note)
		if note.CreatedAt.After(e.LastActivityAt) {
			e.LastActivityAt = note.CreatedAt
		}
	})
}

func (s *PostgresStore) UpdateEntityPhase(entityID, phase string, at time.Time) error {
	return s.mutateEntity(entityID, func(e *models.Entity) {
		e.Phase = phase
		if e.PhaseTimestamps == nil {
			e.PhaseTimestamps = make(map[string]time.Time)
		}
		if _, seen := e.PhaseTimestamps[phase]; !seen {
			e.PhaseTimestamps[phase] = at
		}
		e.LastActivityAt = at
	})
}

func (s *PostgresStore) CompleteEntityTask(entityID, taskID, actor string, at time.Time) error {
	return s.mutateEntity(entityID, func(e *models.Entity) {
		if e.Tasks == nil {
			e.Tasks = make(map[string]models.TaskCompletion)
		}
		e.Tasks[taskID] = models.TaskCompletion{Done: true, CompletedAt: at, CompletedBy: actor}
		e.LastActivityAt = at
	})
}

func (s *PostgresStore) UpdateEntityField(entityID, field, value string) error {
	switch field {
	case "first_name", "last_name", "phone", "email":
	default:
		return fmt.Errorf("unknown entity field %q", field)
	}
	result, err := s.db.Exec(`UPDATE entities SET `+field+` = $1 WHERE id = $2`, value, entityID)
	if err != nil {
		return fmt.Errorf("failed to update entity field %s: %w", field, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("entity %s not found", entityID)
	}
	return nil
}

func (s *PostgresStore) mutateEntity(entityID string, mutate func(*models.Entity)) error {
	e, err := s.GetEntity(entityID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("entity %s not found", entityID)
	}
	mutate(e)
	return s.InsertEntity(e)
}
