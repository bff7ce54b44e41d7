package engine

import (
	"testing"

	"github.com/caregrid/careflow/internal/models"
)

func TestMatchesNilEntity(t *testing.T) {
	if Matches(models.RuleConditions{}, nil, models.TriggerContext{}) {
		t.Error("nil entity must never match")
	}
}

func TestMatchesWildcard(t *testing.T) {
	e := &models.Entity{ID: "ent_1", Type: models.EntityTypeCaregiver, Phase: "new_lead"}
	if !Matches(models.RuleConditions{}, e, models.TriggerContext{}) {
		t.Error("rule with no filters must match any event")
	}
}

func TestMatchesFilters(t *testing.T) {
	entity := &models.Entity{ID: "ent_1", Type: models.EntityTypeCaregiver, Phase: "interview_scheduled"}

	tests := []struct {
		name    string
		cond    models.RuleConditions
		trigCtx models.TriggerContext
		want    bool
	}{
		{
			name: "phase matches",
			cond: models.RuleConditions{Phase: "interview_scheduled"},
			want: true,
		},
		{
			name: "phase mismatch",
			cond: models.RuleConditions{Phase: "new_lead"},
			want: false,
		},
		{
			name:    "to_phase matches",
			cond:    models.RuleConditions{ToPhase: "offer_extended"},
			trigCtx: models.TriggerContext{ToPhase: "offer_extended"},
			want:    true,
		},
		{
			name:    "to_phase mismatch",
			cond:    models.RuleConditions{ToPhase: "offer_extended"},
			trigCtx: models.TriggerContext{ToPhase: "rejected"},
			want:    false,
		},
		{
			name:    "task matches",
			cond:    models.RuleConditions{TaskID: "conduct_interview"},
			trigCtx: models.TriggerContext{TaskID: "conduct_interview"},
			want:    true,
		},
		{
			name:    "task mismatch",
			cond:    models.RuleConditions{TaskID: "conduct_interview"},
			trigCtx: models.TriggerContext{TaskID: "collect_documents"},
			want:    false,
		},
		{
			name:    "keyword case-insensitive substring",
			cond:    models.RuleConditions{Keyword: "STOP"},
			trigCtx: models.TriggerContext{MessageText: "please stop texting me"},
			want:    true,
		},
		{
			name:    "keyword absent",
			cond:    models.RuleConditions{Keyword: "stop"},
			trigCtx: models.TriggerContext{MessageText: "sounds good, see you then"},
			want:    false,
		},
		{
			name:    "min_days satisfied",
			cond:    models.RuleConditions{MinDays: 7},
			trigCtx: models.TriggerContext{DaysInactive: 10},
			want:    true,
		},
		{
			name:    "min_days exact boundary",
			cond:    models.RuleConditions{MinDays: 7},
			trigCtx: models.TriggerContext{DaysInactive: 7},
			want:    true,
		},
		{
			name:    "min_days not reached",
			cond:    models.RuleConditions{MinDays: 7},
			trigCtx: models.TriggerContext{DaysInactive: 6},
			want:    false,
		},
		{
			name:    "all filters AND-ed, one fails",
			cond:    models.RuleConditions{Phase: "interview_scheduled", Keyword: "yes"},
			trigCtx: models.TriggerContext{MessageText: "no thanks"},
			want:    false,
		},
		{
			name:    "all filters AND-ed, all pass",
			cond:    models.RuleConditions{Phase: "interview_scheduled", Keyword: "yes"},
			trigCtx: models.TriggerContext{MessageText: "Yes, works for me"},
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(tt.cond, entity, tt.trigCtx)
			if got != tt.want {
				t.Errorf("Matches(%+v) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestMatchesEmptyMessageText(t *testing.T) {
	e := &models.Entity{ID: "ent_1", Phase: "new_lead"}
	// Keyword filter against empty message text must exclude, not panic.
	if Matches(models.RuleConditions{Keyword: "stop"}, e, models.TriggerContext{}) {
		t.Error("keyword filter must not match empty message text")
	}
}
