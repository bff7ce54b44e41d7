// Package models defines the core data structures for CareFlow.
//
// This file contains drip sequences, enrollments, and the execution log.
package models

import (
	"errors"
	"time"
)

// Error variables for sequence validation.
var (
	ErrEmptySequenceName = errors.New("sequence name cannot be empty")
	ErrNoSequenceSteps   = errors.New("sequence must have at least one step")
	ErrNegativeDelay     = errors.New("step delay cannot be negative")
	ErrMisorderedSteps   = errors.New("step indexes must be contiguous from zero")
	ErrEmptyStepTemplate = errors.New("step template cannot be empty")
	ErrInvalidStartStep  = errors.New("start step is out of range")
)

// SequenceStep is one step of a drip sequence. A DelayHours of zero means
// the step fires immediately at enrollment time.
type SequenceStep struct {
	StepIndex  int        `json:"step_index"`
	DelayHours float64    `json:"delay_hours"`
	ActionType ActionType `json:"action_type"`
	Template   string     `json:"template"`
	Subject    string     `json:"subject,omitempty"`
}

// Sequence is an ordered multi-step drip campaign. A nil TriggerPhase means
// the sequence is manual-only.
type Sequence struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	EntityType   EntityType     `json:"entity_type"`
	TriggerPhase *string        `json:"trigger_phase,omitempty"`
	Enabled      bool           `json:"enabled"`
	Steps        []SequenceStep `json:"steps"`
	CreatedAt    time.Time      `json:"created_at,omitempty"`
}

// Validate performs validation on a Sequence.
func (s *Sequence) Validate() error {
	if s.Name == "" {
		return ErrEmptySequenceName
	}
	if len(s.Steps) == 0 {
		return ErrNoSequenceSteps
	}
	for i, step := range s.Steps {
		if step.StepIndex != i {
			return ErrMisorderedSteps
		}
		if step.DelayHours < 0 {
			return ErrNegativeDelay
		}
		if step.Template == "" && step.ActionType != ActionCompleteTask && step.ActionType != ActionUpdatePhase {
			return ErrEmptyStepTemplate
		}
		if !IsValidActionType(step.ActionType) {
			return ErrInvalidActionType
		}
	}
	return nil
}

// EnrollmentStatus is the lifecycle state of a sequence enrollment.
type EnrollmentStatus string

const (
	// EnrollmentActive means later steps may still execute.
	EnrollmentActive EnrollmentStatus = "active"
	// EnrollmentCompleted means the final step has executed.
	EnrollmentCompleted EnrollmentStatus = "completed"
	// EnrollmentCancelled means no further steps will execute.
	EnrollmentCancelled EnrollmentStatus = "cancelled"
)

// SequenceEnrollment tracks one entity's progress through one sequence
// instance. At most one enrollment per (SequenceID, EntityID) pair may be
// active at a time; the store enforces this with a uniqueness guard.
type SequenceEnrollment struct {
	ID                 string           `json:"id"`
	SequenceID         string           `json:"sequence_id"`
	EntityID           string           `json:"entity_id"`
	Status             EnrollmentStatus `json:"status"`
	CurrentStep        int              `json:"current_step"`
	StartedBy          string           `json:"started_by,omitempty"`
	StartFromStep      int              `json:"start_from_step"`
	LastStepExecutedAt *time.Time       `json:"last_step_executed_at,omitempty"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// ExecutionStatus is the outcome state of an execution log entry.
type ExecutionStatus string

const (
	// ExecutionPending means the attempt is scheduled for later pickup.
	ExecutionPending ExecutionStatus = "pending"
	// ExecutionExecuted means a sequence step ran inline or via the runner.
	ExecutionExecuted ExecutionStatus = "executed"
	// ExecutionSuccess means a rule-fired action completed.
	ExecutionSuccess ExecutionStatus = "success"
	// ExecutionFailed means the attempt failed; ErrorDetail has the cause.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionSkipped means the attempt was intentionally not performed.
	ExecutionSkipped ExecutionStatus = "skipped"
)

// ExecutionLogEntry is an append-only record of one attempted automated
// action, covering both rule firings and sequence steps. The only permitted
// update is the pending -> executed/failed/skipped transition performed by
// the step runner.
type ExecutionLogEntry struct {
	ID           string          `json:"id"`
	RuleID       string          `json:"rule_id,omitempty"`
	SequenceID   string          `json:"sequence_id,omitempty"`
	EnrollmentID string          `json:"enrollment_id,omitempty"`
	StepIndex    *int            `json:"step_index,omitempty"`
	EntityID     string          `json:"entity_id"`
	ActionType   ActionType      `json:"action_type"`
	Status       ExecutionStatus `json:"status"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	ExecutedAt   *time.Time      `json:"executed_at,omitempty"`
	ErrorDetail  string          `json:"error_detail,omitempty"`
}
