// Package actions implements the action executor boundary for CareFlow.
//
// It maps the closed action vocabulary onto the messaging providers and
// the store's targeted entity mutations, and records every rule-fired
// attempt in the execution log. Sequence steps are logged by the
// enrollment manager, which owns their pending/executed rows.
package actions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caregrid/careflow/internal/engine"
	"github.com/caregrid/careflow/internal/messaging"
	"github.com/caregrid/careflow/internal/models"
	"github.com/caregrid/careflow/internal/store"
	"github.com/caregrid/careflow/internal/util"
)

// Compile-time check that DefaultExecutor implements engine.Executor.
var _ engine.Executor = (*DefaultExecutor)(nil)

// DefaultExecutor performs automation side effects against the messaging
// layer and the store.
type DefaultExecutor struct {
	store store.Store
	msg   messaging.Service
	now   func() time.Time
}

// NewDefaultExecutor creates the production action executor.
func NewDefaultExecutor(st store.Store, msg messaging.Service) *DefaultExecutor {
	return &DefaultExecutor{store: st, msg: msg, now: time.Now}
}

// SetClock overrides the executor's clock (tests only).
func (x *DefaultExecutor) SetClock(now func() time.Time) {
	x.now = now
}

// Execute performs the invocation's side effect and records the outcome.
// It never panics outward; the returned error is for the caller's log
// only and mirrors what is written to the execution log.
func (x *DefaultExecutor) Execute(ctx context.Context, inv engine.ActionInvocation) error {
	status, execErr := x.perform(ctx, inv)

	// Sequence steps are logged by the enrollment manager; only rule
	// firings get a log row here.
	if inv.EnrollmentID == "" {
		x.logAttempt(inv, status, execErr)
	}
	return execErr
}

func (x *DefaultExecutor) perform(ctx context.Context, inv engine.ActionInvocation) (models.ExecutionStatus, error) {
	entity, err := x.store.GetEntity(inv.EntityID)
	if err != nil {
		return models.ExecutionFailed, fmt.Errorf("entity lookup failed: %w", err)
	}
	if entity == nil {
		return models.ExecutionSkipped, nil
	}

	switch inv.ActionType {
	case models.ActionSendSMS:
		if entity.Phone == "" {
			slog.Debug("DefaultExecutor: entity has no phone, skipping SMS", "entityID", entity.ID)
			return models.ExecutionSkipped, nil
		}
		to, err := x.msg.ValidateAndCanonicalizeRecipient(entity.Phone)
		if err != nil {
			return models.ExecutionFailed, fmt.Errorf("invalid SMS recipient: %w", err)
		}
		if err := x.msg.SendSMS(ctx, to, inv.RenderedMessage); err != nil {
			return models.ExecutionFailed, err
		}
		return models.ExecutionSuccess, nil

	case models.ActionSendEmail:
		if entity.Email == "" {
			slog.Debug("DefaultExecutor: entity has no email, skipping email", "entityID", entity.ID)
			return models.ExecutionSkipped, nil
		}
		subject := inv.Subject
		if subject == "" {
			subject = "Update from your care team"
		}
		if err := x.msg.SendEmail(ctx, entity.Email, subject, inv.RenderedMessage); err != nil {
			return models.ExecutionFailed, err
		}
		return models.ExecutionSuccess, nil

	case models.ActionUpdatePhase:
		phase := inv.ActionConfig["phase"]
		if phase == "" {
			return models.ExecutionFailed, fmt.Errorf("update_phase requires a phase in action config")
		}
		if err := x.store.UpdateEntityPhase(entity.ID, phase, x.now()); err != nil {
			return models.ExecutionFailed, err
		}
		return models.ExecutionSuccess, nil

	case models.ActionCompleteTask:
		taskID := inv.ActionConfig["task_id"]
		if taskID == "" {
			return models.ExecutionFailed, fmt.Errorf("complete_task requires a task_id in action config")
		}
		if err := x.store.CompleteEntityTask(entity.ID, taskID, "automation", x.now()); err != nil {
			return models.ExecutionFailed, err
		}
		return models.ExecutionSuccess, nil

	case models.ActionAddNote:
		note := models.Note{Text: inv.RenderedMessage, Author: "automation", CreatedAt: x.now()}
		if err := x.store.AppendEntityNote(entity.ID, note); err != nil {
			return models.ExecutionFailed, err
		}
		return models.ExecutionSuccess, nil

	case models.ActionUpdateField:
		field := inv.ActionConfig["field"]
		value := inv.ActionConfig["value"]
		if field == "" {
			return models.ExecutionFailed, fmt.Errorf("update_field requires a field in action config")
		}
		if err := x.store.UpdateEntityField(entity.ID, field, value); err != nil {
			return models.ExecutionFailed, err
		}
		return models.ExecutionSuccess, nil

	case models.ActionSendDocumentPacket:
		if entity.Phone == "" {
			return models.ExecutionSkipped, nil
		}
		to, err := x.msg.ValidateAndCanonicalizeRecipient(entity.Phone)
		if err != nil {
			return models.ExecutionFailed, fmt.Errorf("invalid packet recipient: %w", err)
		}
		body := inv.RenderedMessage
		if link := inv.ActionConfig["packet_url"]; link != "" {
			body = body + "\n" + link
		}
		if err := x.msg.SendSMS(ctx, to, body); err != nil {
			return models.ExecutionFailed, err
		}
		return models.ExecutionSuccess, nil

	case models.ActionCreateTask:
		// Sequence-only action; the enrollment manager appends the
		// follow-up note itself and never routes it here.
		return models.ExecutionSkipped, nil

	default:
		return models.ExecutionFailed, fmt.Errorf("unknown action type %q", inv.ActionType)
	}
}

// logAttempt records one rule-fired attempt in the execution log.
func (x *DefaultExecutor) logAttempt(inv engine.ActionInvocation, status models.ExecutionStatus, execErr error) {
	now := x.now()
	entry := &models.ExecutionLogEntry{
		ID:          util.GenerateLogEntryID(),
		RuleID:      inv.RuleID,
		SequenceID:  inv.SequenceID,
		EntityID:    inv.EntityID,
		ActionType:  inv.ActionType,
		Status:      status,
		ScheduledAt: now,
		ExecutedAt:  &now,
	}
	if execErr != nil {
		entry.ErrorDetail = execErr.Error()
	}
	if err := x.store.InsertLogEntry(entry); err != nil {
		slog.Error("DefaultExecutor: log entry insert failed", "ruleID", inv.RuleID, "entityID", inv.EntityID, "error", err)
	}
}
