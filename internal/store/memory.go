// Package store provides storage backends for CareFlow.
//
// This file implements an in-memory store used by tests and local
// development. The enrollment uniqueness guard is enforced under the
// store mutex so racing enrollers observe the same check-then-act
// semantics as the SQL backends.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore keeps everything in process memory.
type InMemoryStore struct {
	mu          sync.RWMutex
	rules       []models.AutomationRule
	sequences   map[string]*models.Sequence
	seqOrder    []string
	enrollments map[string]*models.SequenceEnrollment
	enrOrder    []string
	logEntries  []models.ExecutionLogEntry
	entities    map[string]*models.Entity
	entOrder    []string
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sequences:   make(map[string]*models.Sequence),
		enrollments: make(map[string]*models.SequenceEnrollment),
		entities:    make(map[string]*models.Entity),
	}
}

func (s *InMemoryStore) GetEnabledRules(trigger models.TriggerType, entityType models.EntityType) ([]models.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AutomationRule
	for _, r := range s.rules {
		if r.Enabled && r.TriggerType == trigger && r.EntityType == entityType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *InMemoryStore) InsertRule(rule *models.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = append(s.rules, *rule)
	return nil
}

func (s *InMemoryStore) GetSequence(id string) (*models.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.sequences[id]
	if !ok {
		return nil, nil
	}
	cp := *seq
	return &cp, nil
}

func (s *InMemoryStore) GetEnabledSequences(triggerPhase string, entityType models.EntityType) ([]models.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Sequence
	for _, id := range s.seqOrder {
		seq := s.sequences[id]
		if !seq.Enabled || seq.EntityType != entityType {
			continue
		}
		if seq.TriggerPhase == nil || *seq.TriggerPhase != triggerPhase {
			continue
		}
		out = append(out, *seq)
	}
	return out, nil
}

func (s *InMemoryStore) InsertSequence(seq *models.Sequence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *seq
	s.sequences[seq.ID] = &cp
	s.seqOrder = append(s.seqOrder, seq.ID)
	return nil
}

func (s *InMemoryStore) GetEnrollment(id string) (*models.SequenceEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	enr, ok := s.enrollments[id]
	if !ok {
		return nil, nil
	}
	cp := *enr
	return &cp, nil
}

func (s *InMemoryStore) GetActiveEnrollments(sequenceID, entityID string) ([]models.SequenceEnrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SequenceEnrollment
	for _, id := range s.enrOrder {
		enr := s.enrollments[id]
		if enr.SequenceID == sequenceID && enr.EntityID == entityID && enr.Status == models.EnrollmentActive {
			out = append(out, *enr)
		}
	}
	return out, nil
}

// InsertEnrollment inserts a new enrollment. The check for an existing
// active enrollment and the insert happen under one lock, mirroring the
// partial unique index in the SQL backends.
func (s *InMemoryStore) InsertEnrollment(enr *models.SequenceEnrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enr.Status == models.EnrollmentActive {
		for _, id := range s.enrOrder {
			existing := s.enrollments[id]
			if existing.SequenceID == enr.SequenceID && existing.EntityID == enr.EntityID && existing.Status == models.EnrollmentActive {
				return ErrDuplicateActiveEnrollment
			}
		}
	}
	cp := *enr
	s.enrollments[enr.ID] = &cp
	s.enrOrder = append(s.enrOrder, enr.ID)
	return nil
}

func (s *InMemoryStore) UpdateEnrollment(id string, patch EnrollmentPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enr, ok := s.enrollments[id]
	if !ok {
		return fmt.Errorf("enrollment %s not found", id)
	}
	if patch.Status != nil {
		enr.Status = *patch.Status
	}
	if patch.CurrentStep != nil {
		enr.CurrentStep = *patch.CurrentStep
	}
	if patch.LastStepExecutedAt != nil {
		t := *patch.LastStepExecutedAt
		enr.LastStepExecutedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		enr.CompletedAt = &t
	}
	return nil
}

func (s *InMemoryStore) InsertLogEntry(entry *models.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logEntries = append(s.logEntries, *entry)
	return nil
}

func (s *InMemoryStore) ListDueLogEntries(now time.Time, limit int) ([]models.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ExecutionLogEntry
	for _, e := range s.logEntries {
		if e.Status == models.ExecutionPending && !e.ScheduledAt.After(now) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListLogEntries(entityID string, limit int) ([]models.ExecutionLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ExecutionLogEntry
	for i := len(s.logEntries) - 1; i >= 0; i-- {
		e := s.logEntries[i]
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) markLogEntry(id string, status models.ExecutionStatus, at time.Time, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.logEntries {
		if s.logEntries[i].ID != id {
			continue
		}
		if s.logEntries[i].Status != models.ExecutionPending {
			return ErrNotPending
		}
		s.logEntries[i].Status = status
		t := at
		s.logEntries[i].ExecutedAt = &t
		s.logEntries[i].ErrorDetail = errDetail
		return nil
	}
	return fmt.Errorf("log entry %s not found", id)
}

func (s *InMemoryStore) MarkLogEntryExecuted(id string, at time.Time) error {
	return s.markLogEntry(id, models.ExecutionExecuted, at, "")
}

func (s *InMemoryStore) MarkLogEntryFailed(id string, at time.Time, errDetail string) error {
	return s.markLogEntry(id, models.ExecutionFailed, at, errDetail)
}

func (s *InMemoryStore) MarkLogEntrySkipped(id string, at time.Time) error {
	return s.markLogEntry(id, models.ExecutionSkipped, at, "")
}

func (s *InMemoryStore) GetEntity(id string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	cp := copyEntity(e)
	return cp, nil
}

func (s *InMemoryStore) ListEntities() ([]*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Entity, 0, len(s.entOrder))
	for _, id := range s.entOrder {
		out = append(out, copyEntity(s.entities[id]))
	}
	return out, nil
}

func (s *InMemoryStore) InsertEntity(entity *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[entity.ID]; !exists {
		s.entOrder = append(s.entOrder, entity.ID)
	}
	s.entities[entity.ID] = copyEntity(entity)
	return nil
}

func (s *InMemoryStore) AppendEntityNote(entityID string, note models.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %s not found", entityID)
	}
	e.Notes = append(e.Notes, note)
	if note.CreatedAt.After(e.LastActivityAt) {
		e.LastActivityAt = note.CreatedAt
	}
	return nil
}

func (s *InMemoryStore) UpdateEntityPhase(entityID, phase string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %s not found", entityID)
	}
	e.Phase = phase
	if e.PhaseTimestamps == nil {
		e.PhaseTimestamps = make(map[string]time.Time)
	}
	// Record first entry only; cycling back keeps the original instant.
	if _, seen := e.PhaseTimestamps[phase]; !seen {
		e.PhaseTimestamps[phase] = at
	}
	e.LastActivityAt = at
	return nil
}

func (s *InMemoryStore) CompleteEntityTask(entityID, taskID, actor string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %s not found", entityID)
	}
	if e.Tasks == nil {
		e.Tasks = make(map[string]models.TaskCompletion)
	}
	e.Tasks[taskID] = models.TaskCompletion{Done: true, CompletedAt: at, CompletedBy: actor}
	e.LastActivityAt = at
	return nil
}

func (s *InMemoryStore) UpdateEntityField(entityID, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[entityID]
	if !ok {
		return fmt.Errorf("entity %s not found", entityID)
	}
	switch field {
	case "first_name":
		e.FirstName = value
	case "last_name":
		e.LastName = value
	case "phone":
		e.Phone = value
	case "email":
		e.Email = value
	default:
		return fmt.Errorf("unknown entity field %q", field)
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func copyEntity(e *models.Entity) *models.Entity {
	cp := *e
	if e.Tasks != nil {
		cp.Tasks = make(map[string]models.TaskCompletion, len(e.Tasks))
		for k, v := range e.Tasks {
			cp.Tasks[k] = v
		}
	}
	if e.PhaseTimestamps != nil {
		cp.PhaseTimestamps = make(map[string]time.Time, len(e.PhaseTimestamps))
		for k, v := range e.PhaseTimestamps {
			cp.PhaseTimestamps[k] = v
		}
	}
	if e.Notes != nil {
		cp.Notes = append([]models.Note(nil), e.Notes...)
	}
	return &cp
}
