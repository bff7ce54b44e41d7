// Package models defines the core data structures for CareFlow.
//
// It includes the pipeline entity types, automation rules, drip sequences,
// and the execution log records shared across modules.
package models

import (
	"time"
)

// EntityType identifies which pipeline an entity belongs to.
type EntityType string

const (
	// EntityTypeCaregiver is a caregiver in the recruiting pipeline.
	EntityTypeCaregiver EntityType = "caregiver"
	// EntityTypeClient is a client in the sales pipeline.
	EntityTypeClient EntityType = "client"
)

// IsValidEntityType checks if the given entity type is supported.
func IsValidEntityType(et EntityType) bool {
	switch et {
	case EntityTypeCaregiver, EntityTypeClient:
		return true
	default:
		return false
	}
}

// TaskCompletion records completion of a pipeline task on an entity.
type TaskCompletion struct {
	Done        bool      `json:"done"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	CompletedBy string    `json:"completed_by,omitempty"`
}

// Note is a timestamped annotation on an entity.
type Note struct {
	Text      string    `json:"text"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Entity is a read snapshot of a caregiver or client record. Entities are
// owned and mutated by the storage layer; the automation engine only reads
// snapshots and requests mutations through the action executor.
type Entity struct {
	ID              string                    `json:"id"`
	Type            EntityType                `json:"type"`
	FirstName       string                    `json:"first_name"`
	LastName        string                    `json:"last_name"`
	Phone           string                    `json:"phone,omitempty"`
	Email           string                    `json:"email,omitempty"`
	Phase           string                    `json:"phase"`
	Tasks           map[string]TaskCompletion `json:"tasks,omitempty"`
	Notes           []Note                    `json:"notes,omitempty"`
	PhaseTimestamps map[string]time.Time      `json:"phase_timestamps,omitempty"`
	LastActivityAt  time.Time                 `json:"last_activity_at,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
}

// FullName returns the entity's display name.
func (e *Entity) FullName() string {
	if e.FirstName == "" {
		return e.LastName
	}
	if e.LastName == "" {
		return e.FirstName
	}
	return e.FirstName + " " + e.LastName
}

// TaskDone reports whether the given task is completed on the entity.
func (e *Entity) TaskDone(taskID string) bool {
	tc, ok := e.Tasks[taskID]
	return ok && tc.Done
}

// PhaseEnteredAt returns the first-entry instant for the entity's current
// phase, falling back to CreatedAt when no timestamp was recorded.
func (e *Entity) PhaseEnteredAt() time.Time {
	if ts, ok := e.PhaseTimestamps[e.Phase]; ok {
		return ts
	}
	return e.CreatedAt
}

// LastActivity returns the most recent activity instant for the entity,
// considering the explicit activity timestamp and any note timestamps.
func (e *Entity) LastActivity() time.Time {
	last := e.LastActivityAt
	for _, n := range e.Notes {
		if n.CreatedAt.After(last) {
			last = n.CreatedAt
		}
	}
	if last.IsZero() {
		return e.CreatedAt
	}
	return last
}

// Severity ranks action items for the follow-up dashboard.
type Severity string

const (
	// SeverityCritical requires immediate attention.
	SeverityCritical Severity = "critical"
	// SeverityWarning should be handled soon.
	SeverityWarning Severity = "warning"
	// SeverityInfo is a low-priority nudge.
	SeverityInfo Severity = "info"
)

// Rank orders critical before warning before info.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityWarning:
		return 1
	case SeverityInfo:
		return 2
	default:
		return 3
	}
}

// ActionItem is an urgency-ranked, human-readable follow-up item derived
// from entity state by the action-item scorer.
type ActionItem struct {
	EntityID   string     `json:"entity_id"`
	EntityName string     `json:"entity_name"`
	EntityType EntityType `json:"entity_type"`
	Type       string     `json:"type"`
	Message    string     `json:"message"`
	Severity   Severity   `json:"severity"`
	Phase      string     `json:"phase"`
}

// InboundMessage is an incoming message from an entity (SMS reply, etc.)
// that feeds the inbound_message trigger.
type InboundMessage struct {
	From string    `json:"from"`
	Body string    `json:"body"`
	Time time.Time `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a fire-and-forget request was accepted.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Accepted creates an accepted API response for fire-and-forget requests.
func Accepted(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusAccepted).WithMessage(message).Build()
}
