// Package store provides storage backends for CareFlow.
//
// This file implements the SQLite-backed store for single-node deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/caregrid/careflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetEnabledRules(trigger models.TriggerType, entityType models.EntityType) ([]models.AutomationRule, error) {
	rows, err := s.db.Query(
		`SELECT id, name, entity_type, trigger_type, conditions_json, action_type, action_config_json, message_template, enabled, created_at, updated_at
		 FROM automation_rules WHERE enabled = 1 AND trigger_type = ? AND entity_type = ? ORDER BY created_at ASC, id ASC`,
		trigger, entityType,
	)
	if err != nil {
		slog.Error("SQLiteStore GetEnabledRules query failed", "error", err, "trigger", trigger)
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

func (s *SQLiteStore) InsertRule(rule *models.AutomationRule) error {
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
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.EntityType, rule.TriggerType, conditions,
		rule.ActionType, config, rule.MessageTemplate, rule.Enabled, rule.CreatedAt, rule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert rule %s: %w", rule.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSequence(id string) (*models.Sequence, error) {
	row := s.db.QueryRow(
		`SELECT id, name, entity_type, trigger_phase, enabled, steps_json, created_at FROM sequences WHERE id = ?`, id,
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

func (s *SQLiteStore) GetEnabledSequences(triggerPhase string, entityType models.EntityType) ([]models.Sequence, error) {
	rows, err := s.db.Query(
		`SELECT id, name, entity_type, trigger_phase, enabled, steps_json, created_at
		 FROM sequences WHERE enabled = 1 AND trigger_phase = ? AND entity_type = ? ORDER BY created_at ASC, id ASC`,
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

func (s *SQLiteStore) InsertSequence(seq *models.Sequence) error {
	steps, err := marshalJSON(seq.Steps)
	if err != nil {
		return err
	}
	if seq.CreatedAt.IsZero() {
		seq.CreatedAt = time.Now()
	}
	_, err = s.db.Exec(
		`INSERT INTO sequences (id, name, entity_type, trigger_phase, enabled, steps_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		seq.ID, seq.Name, seq.EntityType, nilIfNilPtr(seq.TriggerPhase), seq.Enabled, steps, seq.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sequence %s: %w", seq.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetEnrollment(id string) (*models.SequenceEnrollment, error) {
	row := s.db.QueryRow(
		`SELECT id, sequence_id, entity_id, status, current_step, started_by, start_from_step, last_step_executed_at, completed_at, created_at
		 FROM sequence_enrollments WHERE id = ?`, id,
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

func (s *SQLiteStore) GetActiveEnrollments(sequenceID, entityID string) ([]models.SequenceEnrollment, error) {
	rows, err := s.db.Query(
		`SELECT id, sequence_id, entity_id, status, current_step, started_by, start_from_step, last_step_executed_at, completed_at, created_at
		 FROM sequence_enrollments WHERE sequence_id = ? AND entity_id = ? AND status = 'active'`,
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

func (s *SQLiteStore) InsertEnrollment(enr *models.SequenceEnrollment) error {
	_, err := s.db.Exec(
		`INSERT INTO sequence_enrollments (id, sequence_id, entity_id, status, current_step, started_by, start_from_step, last_step_executed_at, completed_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		enr.ID, enr.SequenceID, enr.EntityID, enr.Status, enr.CurrentStep,
		enr.StartedBy, enr.StartFromStep, nullableTime(enr.LastStepExecutedAt), nullableTime(enr.CompletedAt), enr.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateActiveEnrollment
		}
		return fmt.Errorf("failed to insert enrollment %s: %w", enr.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateEnrollment(id string, patch EnrollmentPatch) error {
	var sets []string
	var args []interface{}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *patch.CurrentStep)
	}
	if patch.LastStepExecutedAt != nil {
		sets = append(sets, "last_step_executed_at = ?")
		args = append(args, *patch.LastStepExecutedAt)
	}
	if patch.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := s.db.Exec(`UPDATE sequence_enrollments SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update enrollment %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) InsertLogEntry(entry *models.ExecutionLogEntry) error {
	_, err := s.db.Exec(
		`INSERT INTO execution_log (id, rule_id, sequence_id, enrollment_id, step_index, entity_id, action_type, status, scheduled_at, executed_at, error_detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RuleID, entry.SequenceID, entry.EnrollmentID, stepIndexValue(entry.StepIndex),
		entry.EntityID, entry.ActionType, entry.Status, entry.ScheduledAt, nullableTime(entry.ExecutedAt), entry.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("failed to insert log entry %s: %w", entry.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListDueLogEntries(now time.Time, limit int) ([]models.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite treats a negative LIMIT as unbounded
	}
	rows, err := s.db.Query(
		`SELECT id, rule_id, sequence_id, enrollment_id, step_index, entity_id, action_type, status, scheduled_at, executed_at, error_detail
		 FROM execution_log WHERE status = 'pending' AND scheduled_at <= ? ORDER BY scheduled_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due log entries: %w", err)
	}
	defer rows.Close()
	return collectLogEntries(rows)
}

func (s *SQLiteStore) ListLogEntries(entityID string, limit int) ([]models.ExecutionLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows *sql.Rows
	var err error
	if entityID != "" {
		rows, err = s.db.Query(
			`SELECT id, rule_id, sequence_id, enrollment_id, step_index, entity_id, action_type, status, scheduled_at, executed_at, error_detail
			 FROM execution_log WHERE entity_id = ? ORDER BY scheduled_at DESC LIMIT ?`,
			entityID, limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, rule_id, sequence_id, enrollment_id, step_index, entity_id, action_type, status, scheduled_at, executed_at, error_detail
			 FROM execution_log ORDER BY scheduled_at DESC LIMIT ?`,
			limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query log entries: %w", err)
	}
	defer rows.Close()
	return collectLogEntries(rows)
}

func (s *SQLiteStore) markLogEntry(id string, status models.ExecutionStatus, at time.Time, errDetail string) error {
	result, err := s.db.Exec(
		`UPDATE execution_log SET status = ?, executed_at = ?, error_detail = ? WHERE id = ? AND status = 'pending'`,
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

func (s *SQLiteStore) MarkLogEntryExecuted(id string, at time.Time) error {
	return s.markLogEntry(id, models.ExecutionExecuted, at, "")
}

func (s *SQLiteStore) MarkLogEntryFailed(id string, at time.Time, errDetail string) error {
	return s.markLogEntry(id, models.ExecutionFailed, at, errDetail)
}

func (s *SQLiteStore) MarkLogEntrySkipped(id string, at time.Time) error {
	return s.markLogEntry(id, models.ExecutionSkipped, at, "")
}

func (s *SQLiteStore) GetEntity(id string) (*models.Entity, error) {
	row := s.db.QueryRow(
		`SELECT id, type, first_name, last_name, phone, email, phase, tasks_json, notes_json, phase_timestamps_json, last_activity_at, created_at
		 FROM entities WHERE id = ?`, id,
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

func (s *SQLiteStore) ListEntities() ([]*models.Entity, error) {
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

func (s *SQLiteStore) InsertEntity(entity *models.Entity) error {
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
		`INSERT OR REPLACE INTO entities (id, type, first_name, last_name, phone, email, phase, tasks_json, notes_json, phase_timestamps_json, last_activity_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entity.ID, entity.Type, entity.FirstName, entity.LastName, entity.Phone, entity.Email, entity.Phase,
		tasks, notes, phases, zeroableTime(entity.LastActivityAt), entity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entity %s: %w", entity.ID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendEntityNote(entityID string, note models.Note) error {
	return s.mutateEntity(entityID, func(e *models.Entity) {
		e.Notes = append(e.Notes, note)
		if note.CreatedAt.After(e.LastActivityAt) {
			e.LastActivityAt = note.CreatedAt
		}
	})
}

func (s *SQLiteStore) UpdateEntityPhase(entityID, phase string, at time.Time) error {
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

func (s *SQLiteStore) CompleteEntityTask(entityID, taskID, actor string, at time.Time) error {
	return s.mutateEntity(entityID, func(e *models.Entity) {
		if e.Tasks == nil {
			e.Tasks = make(map[string]models.TaskCompletion)
		}
		e.Tasks[taskID] = models.TaskCompletion{Done: true, CompletedAt: at, CompletedBy: actor}
		e.LastActivityAt = at
	})
}

func (s *SQLiteStore) UpdateEntityField(entityID, field, value string) error {
	switch field {
	case "first_name", "last_name", "phone", "email":
	default:
		return fmt.Errorf("unknown entity field %q", field)
	}
	result, err := s.db.Exec(`UPDATE entities SET `+field+` = ? WHERE id = ?`, value, entityID)
	if err != nil {
		return fmt.Errorf("failed to update entity field %s: %w", field, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("entity %s not found", entityID)
	}
	return nil
}

// mutateEntity reads, mutates, and rewrites an entity row. Entity rows are
// owned by the portal's record layer; this path only serves the engine's
// targeted mutations.
func (s *SQLiteStore) mutateEntity(entityID string, mutate func(*models.Entity)) error {
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

func collectLogEntries(rows *sql.Rows) ([]models.ExecutionLogEntry, error) {
	var entries []models.ExecutionLogEntry
	for rows.Next() {
		l, err := scanLogEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log entry row: %w", err)
		}
		entries = append(entries, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate log entry rows: %w", err)
	}
	return entries, nil
}

// nullableTime converts an optional time for a nullable column.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// zeroableTime converts a zero time to NULL.
func zeroableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
