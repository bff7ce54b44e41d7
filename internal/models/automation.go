// Package models defines the core data structures for CareFlow.
//
// This file contains the automation rule vocabulary: triggers, actions,
// and declarative conditions.
package models

import (
	"errors"
	"time"
)

// TriggerType names a business event that activates rule and sequence
// evaluation. The vocabulary is a closed set per entity type.
type TriggerType string

const (
	// TriggerNewRecord fires when an entity is created.
	TriggerNewRecord TriggerType = "new_record"
	// TriggerDaysInactive fires from the periodic inactivity sweep.
	TriggerDaysInactive TriggerType = "days_inactive"
	// TriggerPhaseChange fires when an entity moves between phases.
	TriggerPhaseChange TriggerType = "phase_change"
	// TriggerTaskCompleted fires when a pipeline task is marked done.
	TriggerTaskCompleted TriggerType = "task_completed"
	// TriggerDocumentUploaded fires when a document is uploaded for an entity.
	TriggerDocumentUploaded TriggerType = "document_uploaded"
	// TriggerDocumentSigned fires when a document is signed.
	TriggerDocumentSigned TriggerType = "document_signed"
	// TriggerInboundMessage fires when an entity sends an inbound message.
	TriggerInboundMessage TriggerType = "inbound_message"
)

// IsValidTriggerType checks if the given trigger type is supported.
func IsValidTriggerType(tt TriggerType) bool {
	switch tt {
	case TriggerNewRecord, TriggerDaysInactive, TriggerPhaseChange,
		TriggerTaskCompleted, TriggerDocumentUploaded, TriggerDocumentSigned,
		TriggerInboundMessage:
		return true
	default:
		return false
	}
}

// ActionType names an automated side effect. The vocabulary is a closed set;
// adding an action type is a compile-time-checked change in the executor.
type ActionType string

const (
	// ActionSendSMS sends a rendered SMS to the entity.
	ActionSendSMS ActionType = "send_sms"
	// ActionSendEmail sends a rendered email to the entity.
	ActionSendEmail ActionType = "send_email"
	// ActionUpdatePhase moves the entity to a new phase.
	ActionUpdatePhase ActionType = "update_phase"
	// ActionCompleteTask marks a task done on the entity.
	ActionCompleteTask ActionType = "complete_task"
	// ActionAddNote appends a note to the entity.
	ActionAddNote ActionType = "add_note"
	// ActionUpdateField patches a single entity field.
	ActionUpdateField ActionType = "update_field"
	// ActionSendDocumentPacket sends a document packet link to the entity.
	ActionSendDocumentPacket ActionType = "send_document_packet"
	// ActionCreateTask creates a follow-up task; valid in sequences only.
	ActionCreateTask ActionType = "create_task"
)

// IsValidActionType checks if the given action type is supported.
func IsValidActionType(at ActionType) bool {
	switch at {
	case ActionSendSMS, ActionSendEmail, ActionUpdatePhase, ActionCompleteTask,
		ActionAddNote, ActionUpdateField, ActionSendDocumentPacket, ActionCreateTask:
		return true
	default:
		return false
	}
}

// Validation constants for automation rules.
const (
	// MaxTemplateLength defines the maximum allowed length for message templates.
	MaxTemplateLength = 4096
)

// Error variables for rule validation.
var (
	ErrInvalidEntityType  = errors.New("invalid entity type")
	ErrInvalidTriggerType = errors.New("invalid trigger type")
	ErrInvalidActionType  = errors.New("invalid action type")
	ErrTemplateTooLong    = errors.New("message template exceeds maximum length")
	ErrSequenceOnlyAction = errors.New("create_task is only valid inside sequences")
	ErrNegativeMinDays    = errors.New("minimum days cannot be negative")
)

// RuleConditions is the declarative filter set on an automation rule.
// Every set filter must agree for the rule to match; an unset filter never
// excludes. A rule with no filters set matches every event of its trigger
// type (the "wildcard rule").
type RuleConditions struct {
	// Phase requires the entity's current phase to match.
	Phase string `json:"phase,omitempty"`
	// ToPhase requires the destination phase on phase_change triggers.
	ToPhase string `json:"to_phase,omitempty"`
	// TaskID requires the completed task on task_completed triggers.
	TaskID string `json:"task_id,omitempty"`
	// Keyword requires a case-insensitive substring on inbound_message triggers.
	Keyword string `json:"keyword,omitempty"`
	// MinDays requires at least this many days of inactivity on days_inactive triggers.
	MinDays int `json:"min_days,omitempty"`
}

// TriggerContext carries event-specific data alongside the entity snapshot.
type TriggerContext struct {
	FromPhase   string `json:"from_phase,omitempty"`
	ToPhase     string `json:"to_phase,omitempty"`
	TaskID      string `json:"task_id,omitempty"`
	MessageText string `json:"message_text,omitempty"`
	DocumentID  string `json:"document_id,omitempty"`
	// DaysInactive is the computed inactivity span on days_inactive triggers.
	DaysInactive int `json:"days_inactive,omitempty"`
}

// AutomationRule is an administrator-authored rule mapping a trigger to an
// action. Rules are read-only to the engine.
type AutomationRule struct {
	ID              string            `json:"id"`
	Name            string            `json:"name,omitempty"`
	EntityType      EntityType        `json:"entity_type"`
	TriggerType     TriggerType       `json:"trigger_type"`
	Conditions      RuleConditions    `json:"conditions"`
	ActionType      ActionType        `json:"action_type"`
	ActionConfig    map[string]string `json:"action_config,omitempty"`
	MessageTemplate string            `json:"message_template,omitempty"`
	Enabled         bool              `json:"enabled"`
	CreatedAt       time.Time         `json:"created_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at,omitempty"`
}

// Validate performs validation on an AutomationRule.
func (r *AutomationRule) Validate() error {
	if !IsValidEntityType(r.EntityType) {
		return ErrInvalidEntityType
	}
	if !IsValidTriggerType(r.TriggerType) {
		return ErrInvalidTriggerType
	}
	if !IsValidActionType(r.ActionType) {
		return ErrInvalidActionType
	}
	if r.ActionType == ActionCreateTask {
		return ErrSequenceOnlyAction
	}
	if len(r.MessageTemplate) > MaxTemplateLength {
		return ErrTemplateTooLong
	}
	if r.Conditions.MinDays < 0 {
		return ErrNegativeMinDays
	}
	return nil
}
