package engine

import (
	"testing"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

func TestSpeedToContactCritical(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := &models.Entity{
		ID:        "ent_1",
		Type:      models.EntityTypeCaregiver,
		FirstName: "Maria",
		Phase:     "new_lead",
		CreatedAt: now.Add(-31 * time.Minute),
	}

	items := ScoreActionItems(DefaultScorerConfig(), []*models.Entity{e}, now)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Type != ItemTypeSpeedToContact {
		t.Errorf("expected %s item, got %s", ItemTypeSpeedToContact, items[0].Type)
	}
	if items[0].Severity != models.SeverityCritical {
		t.Errorf("expected critical severity, got %s", items[0].Severity)
	}
	if items[0].Message != "No first contact attempt 31 minutes after creation" {
		t.Errorf("unexpected message %q", items[0].Message)
	}
}

func TestSpeedToContactUnderThreshold(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := &models.Entity{
		ID:        "ent_1",
		Phase:     "new_lead",
		CreatedAt: now.Add(-10 * time.Minute),
	}

	items := ScoreActionItems(DefaultScorerConfig(), []*models.Entity{e}, now)
	if len(items) != 0 {
		t.Fatalf("expected no items for a 10-minute-old lead, got %d", len(items))
	}
}

func TestSpeedToContactTaskDoneSuppresses(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := &models.Entity{
		ID:        "ent_1",
		Phase:     "new_lead",
		CreatedAt: now.Add(-2 * time.Hour),
		Tasks: map[string]models.TaskCompletion{
			"first_contact_attempt": {Done: true},
		},
	}

	items := ScoreActionItems(DefaultScorerConfig(), []*models.Entity{e}, now)
	if len(items) != 0 {
		t.Fatalf("expected no items once first contact is done, got %d", len(items))
	}
}

func TestStalledInPhaseWarning(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := &models.Entity{
		ID:    "ent_1",
		Phase: "interview_scheduled",
		PhaseTimestamps: map[string]time.Time{
			"interview_scheduled": now.Add(-4 * 24 * time.Hour),
		},
		CreatedAt: now.Add(-5 * 24 * time.Hour),
	}

	items := ScoreActionItems(DefaultScorerConfig(), []*models.Entity{e}, now)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Type != ItemTypeStalledInPhase {
		t.Errorf("expected %s item, got %s", ItemTypeStalledInPhase, items[0].Type)
	}
	if items[0].Severity != models.SeverityWarning {
		t.Errorf("expected warning severity, got %s", items[0].Severity)
	}
}

func TestGenericStalenessSuppressedBySpecificItem(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	// Stalled in interview_scheduled for 20 days: both the phase rule and
	// the generic 14-day rule apply, but only the specific item surfaces.
	e := &models.Entity{
		ID:    "ent_1",
		Phase: "interview_scheduled",
		PhaseTimestamps: map[string]time.Time{
			"interview_scheduled": now.Add(-20 * 24 * time.Hour),
		},
		CreatedAt: now.Add(-30 * 24 * time.Hour),
	}

	items := ScoreActionItems(DefaultScorerConfig(), []*models.Entity{e}, now)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Type != ItemTypeStalledInPhase {
		t.Errorf("expected the specific item to win, got %s", items[0].Type)
	}
}

func TestGenericStalenessFiresAlone(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	// A phase with no specific rule, stale past the global threshold.
	e := &models.Entity{
		ID:    "ent_1",
		Phase: "background_check",
		PhaseTimestamps: map[string]time.Time{
			"background_check": now.Add(-15 * 24 * time.Hour),
		},
		CreatedAt: now.Add(-40 * 24 * time.Hour),
	}

	items := ScoreActionItems(DefaultScorerConfig(), []*models.Entity{e}, now)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Type != ItemTypeGenericStaleness {
		t.Errorf("expected %s item, got %s", ItemTypeGenericStaleness, items[0].Type)
	}
}

func TestTerminalPhaseExcludedFromStaleness(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := &models.Entity{
		ID:    "ent_1",
		Phase: "hired",
		PhaseTimestamps: map[string]time.Time{
			"hired": now.Add(-100 * 24 * time.Hour),
		},
		CreatedAt: now.Add(-200 * 24 * time.Hour),
	}

	items := ScoreActionItems(DefaultScorerConfig(), []*models.Entity{e}, now)
	if len(items) != 0 {
		t.Fatalf("terminal phases must produce no items, got %d", len(items))
	}
}

func TestDormantInfo(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := &models.Entity{
		ID:             "ent_1",
		Phase:          "talent_pool",
		LastActivityAt: now.Add(-45 * 24 * time.Hour),
		PhaseTimestamps: map[string]time.Time{
			"talent_pool": now.Add(-10 * 24 * time.Hour),
		},
		CreatedAt: now.Add(-60 * 24 * time.Hour),
	}

	items := ScoreActionItems(DefaultScorerConfig(), []*models.Entity{e}, now)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Type != ItemTypeDormant {
		t.Errorf("expected %s item, got %s", ItemTypeDormant, items[0].Type)
	}
	if items[0].Severity != models.SeverityInfo {
		t.Errorf("expected info severity, got %s", items[0].Severity)
	}
}

func TestScoreActionItemsSortedBySeverity(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	entities := []*models.Entity{
		{
			// warning: stalled in interview_scheduled
			ID:    "ent_warn_1",
			Phase: "interview_scheduled",
			PhaseTimestamps: map[string]time.Time{
				"interview_scheduled": now.Add(-5 * 24 * time.Hour),
			},
			CreatedAt: now.Add(-6 * 24 * time.Hour),
		},
		{
			// critical: fresh lead past the contact window
			ID:        "ent_crit_1",
			Phase:     "new_lead",
			CreatedAt: now.Add(-2 * time.Hour),
		},
		{
			// info: dormant in a holding phase
			ID:             "ent_info_1",
			Phase:          "nurture",
			LastActivityAt: now.Add(-40 * 24 * time.Hour),
			PhaseTimestamps: map[string]time.Time{
				"nurture": now.Add(-5 * 24 * time.Hour),
			},
			CreatedAt: now.Add(-90 * 24 * time.Hour),
		},
		{
			// critical: another uncontacted lead
			ID:        "ent_crit_2",
			Phase:     "new_lead",
			CreatedAt: now.Add(-3 * time.Hour),
		},
	}

	items := ScoreActionItems(DefaultScorerConfig(), entities, now)
	if len(items) != 4 {
		t.Fatalf("expected 4 items, got %d", len(items))
	}

	wantOrder := []string{"ent_crit_1", "ent_crit_2", "ent_warn_1", "ent_info_1"}
	for i, want := range wantOrder {
		if items[i].EntityID != want {
			t.Errorf("position %d: got %s, want %s", i, items[i].EntityID, want)
		}
	}
}

func TestScoreActionItemsSkipsNilEntities(t *testing.T) {
	now := time.Now()
	items := ScoreActionItems(DefaultScorerConfig(), []*models.Entity{nil, nil}, now)
	if len(items) != 0 {
		t.Fatalf("nil entities must be ignored, got %d items", len(items))
	}
}
