package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/caregrid/careflow/internal/models"
)

// nilIfNilPtr returns nil for a nil string pointer, otherwise the value.
func nilIfNilPtr(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

// marshalJSON serializes v for a JSON text column; empty collections
// become NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	s := string(b)
	if s == "null" || s == "{}" || s == "[]" {
		return nil, nil
	}
	return s, nil
}

// unmarshalJSON deserializes a nullable JSON text column into dst.
// An empty column leaves dst untouched.
func unmarshalJSON(col sql.NullString, dst interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col.String), dst); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

// rowScanner abstracts sql.Row and sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(rs rowScanner) (*models.Entity, error) {
	var e models.Entity
	var tasksJSON, notesJSON, phasesJSON sql.NullString
	var lastActivity sql.NullTime
	err := rs.Scan(
		&e.ID, &e.Type, &e.FirstName, &e.LastName, &e.Phone, &e.Email, &e.Phase,
		&tasksJSON, &notesJSON, &phasesJSON, &lastActivity, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(tasksJSON, &e.Tasks); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(notesJSON, &e.Notes); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(phasesJSON, &e.PhaseTimestamps); err != nil {
		return nil, err
	}
	if lastActivity.Valid {
		e.LastActivityAt = lastActivity.Time
	}
	return &e, nil
}

func scanRule(rs rowScanner) (models.AutomationRule, error) {
	var r models.AutomationRule
	var conditionsJSON, configJSON sql.NullString
	err := rs.Scan(
		&r.ID, &r.Name, &r.EntityType, &r.TriggerType, &conditionsJSON,
		&r.ActionType, &configJSON, &r.MessageTemplate, &r.Enabled,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	if err := unmarshalJSON(conditionsJSON, &r.Conditions); err != nil {
		return r, err
	}
	if err := unmarshalJSON(configJSON, &r.ActionConfig); err != nil {
		return r, err
	}
	return r, nil
}

func scanSequence(rs rowScanner) (models.Sequence, error) {
	var s models.Sequence
	var triggerPhase sql.NullString
	var stepsJSON string
	err := rs.Scan(&s.ID, &s.Name, &s.EntityType, &triggerPhase, &s.Enabled, &stepsJSON, &s.CreatedAt)
	if err != nil {
		return s, err
	}
	if triggerPhase.Valid {
		tp := triggerPhase.String
		s.TriggerPhase = &tp
	}
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &s.Steps); err != nil {
			return s, fmt.Errorf("unmarshal sequence steps: %w", err)
		}
	}
	return s, nil
}

func scanEnrollment(rs rowScanner) (models.SequenceEnrollment, error) {
	var e models.SequenceEnrollment
	var lastStep, completed sql.NullTime
	err := rs.Scan(
		&e.ID, &e.SequenceID, &e.EntityID, &e.Status, &e.CurrentStep,
		&e.StartedBy, &e.StartFromStep, &lastStep, &completed, &e.CreatedAt,
	)
	if err != nil {
		return e, err
	}
	if lastStep.Valid {
		e.LastStepExecutedAt = &lastStep.Time
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	return e, nil
}

func scanLogEntry(rs rowScanner) (models.ExecutionLogEntry, error) {
	var l models.ExecutionLogEntry
	var stepIndex sql.NullInt64
	var executedAt sql.NullTime
	err := rs.Scan(
		&l.ID, &l.RuleID, &l.SequenceID, &l.EnrollmentID, &stepIndex,
		&l.EntityID, &l.ActionType, &l.Status, &l.ScheduledAt, &executedAt, &l.ErrorDetail,
	)
	if err != nil {
		return l, err
	}
	if stepIndex.Valid {
		n := int(stepIndex.Int64)
		l.StepIndex = &n
	}
	if executedAt.Valid {
		l.ExecutedAt = &executedAt.Time
	}
	return l, nil
}

// stepIndexValue converts an optional step index for a nullable column.
func stepIndexValue(idx *int) interface{} {
	if idx == nil {
		return nil
	}
	return *idx
}
