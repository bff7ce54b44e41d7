package engine

import (
	"testing"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

func mergeTestEntity(now time.Time) *models.Entity {
	return &models.Entity{
		ID:        "ent_1",
		Type:      models.EntityTypeCaregiver,
		FirstName: "Maria",
		LastName:  "Lopez",
		Phone:     "+15550001111",
		Email:     "maria@example.com",
		Phase:     "interview_scheduled",
		PhaseTimestamps: map[string]time.Time{
			"interview_scheduled": now.Add(-72 * time.Hour),
		},
		CreatedAt: now.Add(-10 * 24 * time.Hour),
	}
}

func TestResolveMergeFields(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := mergeTestEntity(now)

	got := ResolveMergeFields("Hi {{first_name}} {{last_name}}, you are in {{phase}}", e, now)
	want := "Hi Maria Lopez, you are in interview_scheduled"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveMergeFieldsFullNameAndContact(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := mergeTestEntity(now)

	got := ResolveMergeFields("{{full_name}} / {{phone}} / {{email}}", e, now)
	want := "Maria Lopez / +15550001111 / maria@example.com"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveMergeFieldsDayCounts(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := mergeTestEntity(now)

	got := ResolveMergeFields("{{days_in_phase}}d in phase, {{days_since_created}}d total", e, now)
	want := "3d in phase, 10d total"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveMergeFieldsUnknownTokenVerbatim(t *testing.T) {
	now := time.Now()
	e := mergeTestEntity(now)

	template := "Hi {{first_name}}, ref {{bogus_token}} stays"
	got := ResolveMergeFields(template, e, now)
	want := "Hi Maria, ref {{bogus_token}} stays"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveMergeFieldsNoPlaceholders(t *testing.T) {
	now := time.Now()
	e := mergeTestEntity(now)

	template := "plain message, no substitution"
	if got := ResolveMergeFields(template, e, now); got != template {
		t.Errorf("got %q, want template unchanged", got)
	}
}

func TestResolveMergeFieldsNilEntity(t *testing.T) {
	template := "Hi {{first_name}}"
	if got := ResolveMergeFields(template, nil, time.Now()); got != template {
		t.Errorf("got %q, want template unchanged for nil entity", got)
	}
}

func TestResolveMergeFieldsEmptyValues(t *testing.T) {
	now := time.Now()
	e := &models.Entity{ID: "ent_2", FirstName: "Sam", CreatedAt: now}

	got := ResolveMergeFields("{{first_name}}|{{last_name}}|{{phone}}", e, now)
	want := "Sam||"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestResolveMergeFieldsDaysInPhaseFallsBackToCreatedAt(t *testing.T) {
	now := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	e := &models.Entity{
		ID:        "ent_3",
		FirstName: "Ana",
		Phase:     "new_lead",
		CreatedAt: now.Add(-5 * 24 * time.Hour),
	}

	got := ResolveMergeFields("{{days_in_phase}}", e, now)
	if got != "5" {
		t.Errorf("got %q, want %q (no phase timestamp recorded)", got, "5")
	}
}
