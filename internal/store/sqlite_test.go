package store

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteEntityRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)

	created := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	e := &models.Entity{
		ID:        "ent_1",
		Type:      models.EntityTypeCaregiver,
		FirstName: "Maria",
		LastName:  "Lopez",
		Phone:     "+15550001111",
		Email:     "maria@example.com",
		Phase:     "new_lead",
		Tasks:     map[string]models.TaskCompletion{"first_contact_attempt": {Done: true, CompletedAt: created, CompletedBy: "coordinator"}},
		Notes:     []models.Note{{Text: "intake call", Author: "coordinator", CreatedAt: created}},
		CreatedAt: created,
	}
	if err := s.InsertEntity(e); err != nil {
		t.Fatalf("InsertEntity failed: %v", err)
	}

	got, err := s.GetEntity("ent_1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got == nil {
		t.Fatal("entity not found after insert")
	}
	if got.FullName() != "Maria Lopez" || got.Phase != "new_lead" {
		t.Errorf("unexpected entity: %+v", got)
	}
	if !got.TaskDone("first_contact_attempt") {
		t.Error("task completion lost in round trip")
	}
	if len(got.Notes) != 1 || got.Notes[0].Text != "intake call" {
		t.Errorf("notes lost in round trip: %+v", got.Notes)
	}

	missing, err := s.GetEntity("ent_missing")
	if err != nil {
		t.Fatalf("GetEntity for missing id failed: %v", err)
	}
	if missing != nil {
		t.Error("missing entity should be nil, not an error")
	}
}

func TestSQLiteEntityMutations(t *testing.T) {
	s := newTestSQLiteStore(t)

	created := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	if err := s.InsertEntity(&models.Entity{ID: "ent_1", Type: models.EntityTypeClient, Phase: "new_lead", CreatedAt: created}); err != nil {
		t.Fatalf("InsertEntity failed: %v", err)
	}

	moved := created.Add(24 * time.Hour)
	if err := s.UpdateEntityPhase("ent_1", "assessment", moved); err != nil {
		t.Fatalf("UpdateEntityPhase failed: %v", err)
	}
	if err := s.AppendEntityNote("ent_1", models.Note{Text: "left voicemail", Author: "automation", CreatedAt: moved.Add(time.Hour)}); err != nil {
		t.Fatalf("AppendEntityNote failed: %v", err)
	}
	if err := s.CompleteEntityTask("ent_1", "home_assessment", "automation", moved.Add(2*time.Hour)); err != nil {
		t.Fatalf("CompleteEntityTask failed: %v", err)
	}
	if err := s.UpdateEntityField("ent_1", "email", "client@example.com"); err != nil {
		t.Fatalf("UpdateEntityField failed: %v", err)
	}

	got, err := s.GetEntity("ent_1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Phase != "assessment" {
		t.Errorf("phase = %s", got.Phase)
	}
	if entered := got.PhaseEnteredAt(); !entered.Equal(moved) {
		t.Errorf("phase entry timestamp = %v, want %v", entered, moved)
	}
	if len(got.Notes) != 1 || !got.TaskDone("home_assessment") || got.Email != "client@example.com" {
		t.Errorf("mutations lost in round trip: %+v", got)
	}

	if err := s.UpdateEntityField("ent_1", "phase", "hacked"); err == nil {
		t.Error("expected an error for a non-whitelisted field")
	}
	if err := s.UpdateEntityField("ent_missing", "email", "x@example.com"); err == nil {
		t.Error("expected an error for a missing entity")
	}
}

func TestSQLiteRuleFiltering(t *testing.T) {
	s := newTestSQLiteStore(t)

	insert := func(id string, trigger models.TriggerType, entityType models.EntityType, enabled bool) {
		t.Helper()
		err := s.InsertRule(&models.AutomationRule{
			ID:              id,
			Name:            "rule " + id,
			EntityType:      entityType,
			TriggerType:     trigger,
			ActionType:      models.ActionSendSMS,
			MessageTemplate: "Hi {{first_name}}",
			Enabled:         enabled,
			Conditions:      models.RuleConditions{Phase: "new_lead"},
		})
		if err != nil {
			t.Fatalf("InsertRule %s failed: %v", id, err)
		}
	}
	insert("rule_1", models.TriggerNewRecord, models.EntityTypeCaregiver, true)
	insert("rule_2", models.TriggerNewRecord, models.EntityTypeClient, true)
	insert("rule_3", models.TriggerPhaseChange, models.EntityTypeCaregiver, true)
	insert("rule_4", models.TriggerNewRecord, models.EntityTypeCaregiver, false)

	rules, err := s.GetEnabledRules(models.TriggerNewRecord, models.EntityTypeCaregiver)
	if err != nil {
		t.Fatalf("GetEnabledRules failed: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "rule_1" {
		t.Fatalf("unexpected rules: %+v", rules)
	}
	if rules[0].Conditions.Phase != "new_lead" {
		t.Errorf("conditions lost in round trip: %+v", rules[0].Conditions)
	}
}

func TestSQLiteEnrollmentUniqueness(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	enr := func(id string) *models.SequenceEnrollment {
		return &models.SequenceEnrollment{
			ID:         id,
			SequenceID: "seq_1",
			EntityID:   "ent_1",
			Status:     models.EnrollmentActive,
			StartedBy:  "manual",
			CreatedAt:  now,
		}
	}

	if err := s.InsertEnrollment(enr("enr_1")); err != nil {
		t.Fatalf("first InsertEnrollment failed: %v", err)
	}
	if err := s.InsertEnrollment(enr("enr_2")); err != ErrDuplicateActiveEnrollment {
		t.Fatalf("expected ErrDuplicateActiveEnrollment, got %v", err)
	}

	// Cancelling the first enrollment frees the slot.
	cancelled := models.EnrollmentCancelled
	if err := s.UpdateEnrollment("enr_1", EnrollmentPatch{Status: &cancelled}); err != nil {
		t.Fatalf("UpdateEnrollment failed: %v", err)
	}
	if err := s.InsertEnrollment(enr("enr_3")); err != nil {
		t.Fatalf("re-enroll after cancel failed: %v", err)
	}

	active, err := s.GetActiveEnrollments("seq_1", "ent_1")
	if err != nil {
		t.Fatalf("GetActiveEnrollments failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "enr_3" {
		t.Errorf("unexpected active enrollments: %+v", active)
	}
}

func TestSQLiteLogEntryTransitions(t *testing.T) {
	s := newTestSQLiteStore(t)

	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	step := 1
	entry := &models.ExecutionLogEntry{
		ID:           "log_1",
		SequenceID:   "seq_1",
		EnrollmentID: "enr_1",
		StepIndex:    &step,
		EntityID:     "ent_1",
		ActionType:   models.ActionSendSMS,
		Status:       models.ExecutionPending,
		ScheduledAt:  now.Add(-time.Minute),
	}
	if err := s.InsertLogEntry(entry); err != nil {
		t.Fatalf("InsertLogEntry failed: %v", err)
	}

	due, err := s.ListDueLogEntries(now, 10)
	if err != nil {
		t.Fatalf("ListDueLogEntries failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != "log_1" {
		t.Fatalf("unexpected due entries: %+v", due)
	}
	if due[0].StepIndex == nil || *due[0].StepIndex != 1 {
		t.Errorf("step index lost in round trip: %+v", due[0].StepIndex)
	}

	if err := s.MarkLogEntryExecuted("log_1", now); err != nil {
		t.Fatalf("MarkLogEntryExecuted failed: %v", err)
	}
	// The row is no longer pending; any further flip must be rejected.
	if err := s.MarkLogEntryFailed("log_1", now, "late failure"); err != ErrNotPending {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
	if err := s.MarkLogEntrySkipped("log_missing", now); err != ErrNotPending {
		t.Errorf("expected ErrNotPending for unknown id, got %v", err)
	}

	entries, err := s.ListLogEntries("ent_1", 0)
	if err != nil {
		t.Fatalf("ListLogEntries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != models.ExecutionExecuted {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].ExecutedAt == nil || !entries[0].ExecutedAt.Equal(now) {
		t.Errorf("executed_at not recorded: %+v", entries[0].ExecutedAt)
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 1) failed: %v", err)
	}
	trigger := "new_lead"
	seq := &models.Sequence{
		ID:           "seq_1",
		Name:         "Welcome drip",
		EntityType:   models.EntityTypeCaregiver,
		TriggerPhase: &trigger,
		Enabled:      true,
		Steps: []models.SequenceStep{
			{StepIndex: 0, DelayHours: 0, ActionType: models.ActionSendSMS, Template: "Hi {{first_name}}"},
			{StepIndex: 1, DelayHours: 24, ActionType: models.ActionSendSMS, Template: "Checking in"},
		},
		CreatedAt: time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC),
	}
	if err := s1.InsertSequence(seq); err != nil {
		t.Fatalf("InsertSequence failed: %v", err)
	}
	s1.Close()

	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("NewSQLiteStore (phase 2) failed: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetSequence("seq_1")
	if err != nil {
		t.Fatalf("GetSequence after reopen failed: %v", err)
	}
	if got == nil {
		t.Fatal("sequence lost across reopen")
	}
	if len(got.Steps) != 2 || got.Steps[1].DelayHours != 24 {
		t.Errorf("steps lost in round trip: %+v", got.Steps)
	}
	if got.TriggerPhase == nil || *got.TriggerPhase != "new_lead" {
		t.Errorf("trigger phase lost in round trip: %v", got.TriggerPhase)
	}

	matched, err := s2.GetEnabledSequences("new_lead", models.EntityTypeCaregiver)
	if err != nil {
		t.Fatalf("GetEnabledSequences failed: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "seq_1" {
		t.Errorf("unexpected sequences: %+v", matched)
	}
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for the connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
	if err != nil {
		t.Skipf("Postgres not available: %v", err)
	}
	defer pgStore.Close()
	pgStore.db.Exec("DELETE FROM entities WHERE id = 'ent_pg_test'")

	e := &models.Entity{
		ID:        "ent_pg_test",
		Type:      models.EntityTypeCaregiver,
		FirstName: "Maria",
		Phase:     "new_lead",
		CreatedAt: time.Now().UTC(),
	}
	if err := pgStore.InsertEntity(e); err != nil {
		t.Fatalf("InsertEntity failed: %v", err)
	}
	got, err := pgStore.GetEntity("ent_pg_test")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got == nil || got.FirstName != "Maria" {
		t.Errorf("entity not stored or retrieved correctly in Postgres: %+v", got)
	}
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
