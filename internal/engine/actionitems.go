// Package engine implements rule evaluation and dispatch for CareFlow.
//
// This file derives urgency-ranked follow-up items from entity state.
package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

// Action item type identifiers.
const (
	ItemTypeSpeedToContact   = "speed_to_contact"
	ItemTypeStalledInPhase   = "stalled_in_phase"
	ItemTypeGenericStaleness = "generic_staleness"
	ItemTypeDormant          = "dormant"
)

// PhaseRule configures the stalled-in-phase check for one phase.
type PhaseRule struct {
	// TaskID is the designated task that must be incomplete for the phase
	// to count as stalled.
	TaskID string
	// MaxDays is the day threshold for time spent in the phase.
	MaxDays int
}

// ScorerConfig holds the phase-keyed thresholds for the action-item scorer.
// Thresholds are configuration, not engine code.
type ScorerConfig struct {
	// EntryPhase is the phase new entities start in.
	EntryPhase string
	// FirstContactTaskID is the "first attempt" task checked by the
	// speed-to-first-contact rule.
	FirstContactTaskID string
	// FirstContactMinutes is the minute threshold for first contact.
	FirstContactMinutes int
	// PhaseRules maps phase IDs to their stalled-in-phase thresholds.
	PhaseRules map[string]PhaseRule
	// StaleDays is the global day threshold for the generic staleness check.
	StaleDays int
	// DormantDays is the inactivity day threshold for holding phases.
	DormantDays int
	// TerminalPhases are excluded from the generic staleness check.
	TerminalPhases map[string]bool
	// HoldingPhases are long-tail phases checked by the dormant rule.
	HoldingPhases map[string]bool
}

// DefaultScorerConfig returns the standard pipeline thresholds.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		EntryPhase:          "new_lead",
		FirstContactTaskID:  "first_contact_attempt",
		FirstContactMinutes: 30,
		PhaseRules: map[string]PhaseRule{
			"interview_scheduled": {TaskID: "conduct_interview", MaxDays: 3},
			"offer_extended":      {TaskID: "collect_documents", MaxDays: 5},
			"assessment":          {TaskID: "home_assessment", MaxDays: 7},
		},
		StaleDays:   14,
		DormantDays: 30,
		TerminalPhases: map[string]bool{
			"hired":    true,
			"active":   true,
			"rejected": true,
			"lost":     true,
		},
		HoldingPhases: map[string]bool{
			"nurture":     true,
			"talent_pool": true,
		},
	}
}

// ScoreActionItems applies the follow-up rules to each entity and returns
// items sorted critical before warning before info, stable by input order
// within a severity. The function is pure given a fixed now.
//
// Rule order within one entity is fixed: speed-to-contact, stalled-in-phase,
// generic staleness, dormant. The generic staleness item is suppressed when
// an earlier rule already produced an item for the entity.
func ScoreActionItems(cfg ScorerConfig, entities []*models.Entity, now time.Time) []models.ActionItem {
	var items []models.ActionItem
	for _, e := range entities {
		if e == nil {
			continue
		}
		before := len(items)

		if item, ok := speedToContactItem(cfg, e, now); ok {
			items = append(items, item)
		}
		if item, ok := stalledInPhaseItem(cfg, e, now); ok {
			items = append(items, item)
		}
		// A more specific item suppresses the generic one for this entity.
		if len(items) == before {
			if item, ok := genericStalenessItem(cfg, e, now); ok {
				items = append(items, item)
			}
		}
		if item, ok := dormantItem(cfg, e, now); ok {
			items = append(items, item)
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Severity.Rank() < items[j].Severity.Rank()
	})
	return items
}

func speedToContactItem(cfg ScorerConfig, e *models.Entity, now time.Time) (models.ActionItem, bool) {
	if e.Phase != cfg.EntryPhase || e.TaskDone(cfg.FirstContactTaskID) {
		return models.ActionItem{}, false
	}
	elapsed := int(now.Sub(e.CreatedAt).Minutes())
	if elapsed <= cfg.FirstContactMinutes {
		return models.ActionItem{}, false
	}
	return newItem(e, ItemTypeSpeedToContact, models.SeverityCritical,
		fmt.Sprintf("No first contact attempt %d minutes after creation", elapsed)), true
}

func stalledInPhaseItem(cfg ScorerConfig, e *models.Entity, now time.Time) (models.ActionItem, bool) {
	rule, ok := cfg.PhaseRules[e.Phase]
	if !ok || e.TaskDone(rule.TaskID) {
		return models.ActionItem{}, false
	}
	days := wholeDays(e.PhaseEnteredAt(), now)
	if days <= rule.MaxDays {
		return models.ActionItem{}, false
	}
	return newItem(e, ItemTypeStalledInPhase, models.SeverityWarning,
		fmt.Sprintf("Stalled in %s for %d days with %s incomplete", e.Phase, days, rule.TaskID)), true
}

func genericStalenessItem(cfg ScorerConfig, e *models.Entity, now time.Time) (models.ActionItem, bool) {
	if cfg.TerminalPhases[e.Phase] {
		return models.ActionItem{}, false
	}
	days := wholeDays(e.PhaseEnteredAt(), now)
	if days <= cfg.StaleDays {
		return models.ActionItem{}, false
	}
	return newItem(e, ItemTypeGenericStaleness, models.SeverityWarning,
		fmt.Sprintf("No phase movement for %d days", days)), true
}

func dormantItem(cfg ScorerConfig, e *models.Entity, now time.Time) (models.ActionItem, bool) {
	if !cfg.HoldingPhases[e.Phase] {
		return models.ActionItem{}, false
	}
	days := wholeDays(e.LastActivity(), now)
	if days <= cfg.DormantDays {
		return models.ActionItem{}, false
	}
	return newItem(e, ItemTypeDormant, models.SeverityInfo,
		fmt.Sprintf("No activity recorded for %d days", days)), true
}

func newItem(e *models.Entity, itemType string, severity models.Severity, message string) models.ActionItem {
	return models.ActionItem{
		EntityID:   e.ID,
		EntityName: e.FullName(),
		EntityType: e.Type,
		Type:       itemType,
		Message:    message,
		Severity:   severity,
		Phase:      e.Phase,
	}
}
