// Package sequence implements multi-step drip campaigns for CareFlow.
//
// This file contains the enrollment manager: the state machine that decides
// whether an entity may enter a sequence, executes delay-zero steps inline,
// and schedules delayed steps as pending execution-log rows for the step
// runner to pick up.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caregrid/careflow/internal/engine"
	"github.com/caregrid/careflow/internal/models"
	"github.com/caregrid/careflow/internal/store"
	"github.com/caregrid/careflow/internal/util"
)

// ShouldAutoEnroll reports whether a new enrollment may be created given the
// entity's existing enrollments for the sequence: true iff none is active.
// Completed and cancelled enrollments do not block re-enrollment.
func ShouldAutoEnroll(enrollments []models.SequenceEnrollment) bool {
	for _, e := range enrollments {
		if e.Status == models.EnrollmentActive {
			return false
		}
	}
	return true
}

// Manager governs sequence enrollments.
type Manager struct {
	store store.Store
	exec  engine.Executor
	now   func() time.Time
}

// NewManager creates a sequence enrollment manager.
func NewManager(st store.Store, exec engine.Executor) *Manager {
	return &Manager{store: st, exec: exec, now: time.Now}
}

// SetClock overrides the manager's clock (tests only).
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Enroll enters an entity into a sequence. If the entity already holds an
// active enrollment for the sequence, no new enrollment is created: an
// informational note is recorded on the entity and (nil, nil) is returned.
// The losing side of a concurrent enroll race is folded into the same path
// via the store's uniqueness guard.
//
// Delay-zero steps at the head of the sequence execute synchronously;
// every later step is written as a pending execution-log row for the step
// runner.
func (m *Manager) Enroll(ctx context.Context, seq *models.Sequence, entity *models.Entity, startedBy string, startFromStep int) (*models.SequenceEnrollment, error) {
	if seq == nil || entity == nil {
		return nil, nil
	}
	if !seq.Enabled {
		slog.Debug("Manager.Enroll: sequence disabled, skipping", "sequenceID", seq.ID, "entityID", entity.ID)
		return nil, nil
	}
	if startFromStep < 0 || startFromStep >= len(seq.Steps) {
		return nil, models.ErrInvalidStartStep
	}

	existing, err := m.store.GetActiveEnrollments(seq.ID, entity.ID)
	if err != nil {
		return nil, fmt.Errorf("enrollment lookup failed: %w", err)
	}
	if !ShouldAutoEnroll(existing) {
		m.recordAlreadyEnrolled(seq, entity)
		return nil, nil
	}

	now := m.now()
	enr := &models.SequenceEnrollment{
		ID:            util.GenerateEnrollmentID(),
		SequenceID:    seq.ID,
		EntityID:      entity.ID,
		Status:        models.EnrollmentActive,
		CurrentStep:   startFromStep,
		StartedBy:     startedBy,
		StartFromStep: startFromStep,
		CreatedAt:     now,
	}
	if err := m.store.InsertEnrollment(enr); err != nil {
		if err == store.ErrDuplicateActiveEnrollment {
			// Lost a concurrent enroll race: expected control flow.
			m.recordAlreadyEnrolled(seq, entity)
			return nil, nil
		}
		return nil, fmt.Errorf("enrollment insert failed: %w", err)
	}
	slog.Info("Manager.Enroll: enrolled", "enrollmentID", enr.ID, "sequenceID", seq.ID, "entityID", entity.ID, "startFromStep", startFromStep)

	immediate, delayed := DueSteps(seq, startFromStep)

	var lastExecuted *time.Time
	for _, step := range immediate {
		execErr := m.runStep(ctx, seq, enr, entity, step)
		entry := &models.ExecutionLogEntry{
			ID:           util.GenerateLogEntryID(),
			SequenceID:   seq.ID,
			EnrollmentID: enr.ID,
			StepIndex:    intPtr(step.StepIndex),
			EntityID:     entity.ID,
			ActionType:   step.ActionType,
			Status:       models.ExecutionExecuted,
			ScheduledAt:  now,
			ExecutedAt:   timePtr(now),
		}
		if execErr != nil {
			entry.Status = models.ExecutionFailed
			entry.ErrorDetail = execErr.Error()
			slog.Warn("Manager.Enroll: immediate step failed", "enrollmentID", enr.ID, "stepIndex", step.StepIndex, "error", execErr)
		}
		if err := m.store.InsertLogEntry(entry); err != nil {
			slog.Error("Manager.Enroll: log entry insert failed", "enrollmentID", enr.ID, "stepIndex", step.StepIndex, "error", err)
		}
		enr.CurrentStep = step.StepIndex + 1
		t := now
		lastExecuted = &t
	}

	for _, step := range delayed {
		entry := &models.ExecutionLogEntry{
			ID:           util.GenerateLogEntryID(),
			SequenceID:   seq.ID,
			EnrollmentID: enr.ID,
			StepIndex:    intPtr(step.StepIndex),
			EntityID:     entity.ID,
			ActionType:   step.ActionType,
			Status:       models.ExecutionPending,
			ScheduledAt:  Deadline(now, step.DelayHours),
		}
		if err := m.store.InsertLogEntry(entry); err != nil {
			slog.Error("Manager.Enroll: pending entry insert failed", "enrollmentID", enr.ID, "stepIndex", step.StepIndex, "error", err)
		}
	}

	patch := store.EnrollmentPatch{CurrentStep: intPtr(enr.CurrentStep)}
	if lastExecuted != nil {
		patch.LastStepExecutedAt = lastExecuted
		enr.LastStepExecutedAt = lastExecuted
	}
	if enr.CurrentStep >= len(seq.Steps) {
		completed := models.EnrollmentCompleted
		patch.Status = &completed
		patch.CompletedAt = timePtr(now)
		enr.Status = completed
		enr.CompletedAt = timePtr(now)
	}
	if err := m.store.UpdateEnrollment(enr.ID, patch); err != nil {
		slog.Error("Manager.Enroll: enrollment update failed", "enrollmentID", enr.ID, "error", err)
	}
	return enr, nil
}

// EnrollAsync runs Enroll in a background goroutine, logging but never
// surfacing failures. Used by the entity-mutation path.
func (m *Manager) EnrollAsync(ctx context.Context, seq *models.Sequence, entity *models.Entity, startedBy string, startFromStep int) {
	go func() {
		if _, err := m.Enroll(ctx, seq, entity, startedBy, startFromStep); err != nil {
			slog.Warn("Manager.EnrollAsync: enrollment abandoned", "sequenceID", seq.ID, "entityID", entity.ID, "error", err)
		}
	}()
}

// EnrollForPhase enrolls the entity in every enabled sequence whose trigger
// phase matches the phase just entered. Called from the phase-change
// trigger path.
func (m *Manager) EnrollForPhase(ctx context.Context, entity *models.Entity, phase string) error {
	if entity == nil {
		return nil
	}
	sequences, err := m.store.GetEnabledSequences(phase, entity.Type)
	if err != nil {
		slog.Error("Manager.EnrollForPhase: sequence fetch failed, abandoning", "phase", phase, "entityID", entity.ID, "error", err)
		return err
	}
	for i := range sequences {
		if _, err := m.Enroll(ctx, &sequences[i], entity, "automation", 0); err != nil {
			slog.Warn("Manager.EnrollForPhase: enroll failed", "sequenceID", sequences[i].ID, "entityID", entity.ID, "error", err)
		}
	}
	return nil
}

// ExecuteDueStep is the scheduler pickup path: it executes one due pending
// execution-log row, mirrors the inline-execution logic, and advances the
// enrollment. The owning enrollment's status is re-checked first; steps of
// cancelled or completed enrollments are marked skipped, never executed.
func (m *Manager) ExecuteDueStep(ctx context.Context, entry models.ExecutionLogEntry) error {
	if entry.EnrollmentID == "" || entry.StepIndex == nil {
		return m.store.MarkLogEntrySkipped(entry.ID, m.now())
	}
	enr, err := m.store.GetEnrollment(entry.EnrollmentID)
	if err != nil {
		return fmt.Errorf("enrollment lookup failed: %w", err)
	}
	if enr == nil || enr.Status != models.EnrollmentActive {
		slog.Debug("Manager.ExecuteDueStep: enrollment not active, skipping", "logID", entry.ID, "enrollmentID", entry.EnrollmentID)
		return m.store.MarkLogEntrySkipped(entry.ID, m.now())
	}

	idx := *entry.StepIndex
	if idx < enr.CurrentStep {
		// Already executed through another path.
		return m.store.MarkLogEntrySkipped(entry.ID, m.now())
	}
	if idx > enr.CurrentStep {
		// Not this step's turn yet; leave it pending for a later poll.
		return nil
	}

	seq, err := m.store.GetSequence(enr.SequenceID)
	if err != nil {
		return fmt.Errorf("sequence lookup failed: %w", err)
	}
	entity, err := m.store.GetEntity(enr.EntityID)
	if err != nil {
		return fmt.Errorf("entity lookup failed: %w", err)
	}
	if seq == nil || idx >= len(seq.Steps) || entity == nil {
		return m.store.MarkLogEntryFailed(entry.ID, m.now(), "sequence or entity no longer available")
	}

	now := m.now()
	execErr := m.runStep(ctx, seq, enr, entity, seq.Steps[idx])
	if execErr != nil {
		slog.Warn("Manager.ExecuteDueStep: step failed", "enrollmentID", enr.ID, "stepIndex", idx, "error", execErr)
		if err := m.store.MarkLogEntryFailed(entry.ID, now, execErr.Error()); err != nil {
			slog.Error("Manager.ExecuteDueStep: mark failed errored", "logID", entry.ID, "error", err)
		}
	} else {
		if err := m.store.MarkLogEntryExecuted(entry.ID, now); err != nil {
			slog.Error("Manager.ExecuteDueStep: mark executed errored", "logID", entry.ID, "error", err)
		}
	}

	next := idx + 1
	patch := store.EnrollmentPatch{CurrentStep: &next, LastStepExecutedAt: timePtr(now)}
	if next >= len(seq.Steps) {
		completed := models.EnrollmentCompleted
		patch.Status = &completed
		patch.CompletedAt = timePtr(now)
	}
	if err := m.store.UpdateEnrollment(enr.ID, patch); err != nil {
		return fmt.Errorf("enrollment advance failed: %w", err)
	}
	return nil
}

// Cancel transitions an active enrollment to cancelled. Pending steps are
// left in place; the step runner skips them once due.
func (m *Manager) Cancel(enrollmentID, reason string) error {
	enr, err := m.store.GetEnrollment(enrollmentID)
	if err != nil {
		return fmt.Errorf("enrollment lookup failed: %w", err)
	}
	if enr == nil {
		return fmt.Errorf("enrollment %s not found", enrollmentID)
	}
	if enr.Status != models.EnrollmentActive {
		return nil
	}
	cancelled := models.EnrollmentCancelled
	if err := m.store.UpdateEnrollment(enrollmentID, store.EnrollmentPatch{Status: &cancelled}); err != nil {
		return fmt.Errorf("enrollment cancel failed: %w", err)
	}
	slog.Info("Manager.Cancel: enrollment cancelled", "enrollmentID", enrollmentID, "reason", reason)
	return nil
}

// runStep performs one step's side effect. A create_task step appends a
// follow-up note directly rather than calling the executor.
func (m *Manager) runStep(ctx context.Context, seq *models.Sequence, enr *models.SequenceEnrollment, entity *models.Entity, step models.SequenceStep) error {
	rendered := engine.ResolveMergeFields(step.Template, entity, m.now())
	if step.ActionType == models.ActionCreateTask {
		note := models.Note{
			Text:      "Follow-up task: " + rendered,
			Author:    "automation",
			CreatedAt: m.now(),
		}
		return m.store.AppendEntityNote(entity.ID, note)
	}
	inv := engine.ActionInvocation{
		SequenceID:      seq.ID,
		EnrollmentID:    enr.ID,
		StepIndex:       intPtr(step.StepIndex),
		EntityID:        entity.ID,
		EntityType:      entity.Type,
		ActionType:      step.ActionType,
		RenderedMessage: rendered,
		Subject:         step.Subject,
	}
	return m.exec.Execute(ctx, inv)
}

// recordAlreadyEnrolled notes the duplicate-enrollment attempt on the
// entity. This is informational, not an error: it prevents duplicate drip
// campaigns when an entity cycles back through a trigger phase.
func (m *Manager) recordAlreadyEnrolled(seq *models.Sequence, entity *models.Entity) {
	note := models.Note{
		Text:      fmt.Sprintf("Skipped enrollment in %q: already actively enrolled", seq.Name),
		Author:    "automation",
		CreatedAt: m.now(),
	}
	if err := m.store.AppendEntityNote(entity.ID, note); err != nil {
		slog.Warn("Manager: already-enrolled note failed", "sequenceID", seq.ID, "entityID", entity.ID, "error", err)
	}
	slog.Debug("Manager: entity already enrolled, skipping", "sequenceID", seq.ID, "entityID", entity.ID)
}

func intPtr(n int) *int {
	return &n
}

func timePtr(t time.Time) *time.Time {
	return &t
}
