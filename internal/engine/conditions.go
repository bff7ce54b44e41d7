// Package engine implements rule evaluation and dispatch for CareFlow.
//
// It contains the pure condition evaluator, the merge-field resolver, the
// action-item scorer, and the rule dispatcher that ties them to the action
// executor boundary.
package engine

import (
	"strings"

	"github.com/caregrid/careflow/internal/models"
)

// Matches reports whether a rule's declared conditions match the given
// entity snapshot and trigger context.
//
// All set filters are AND-ed; an unset filter never excludes, so a rule
// with no filters matches every event of its trigger type. The function is
// total: it never panics and has no side effects.
func Matches(cond models.RuleConditions, entity *models.Entity, trigCtx models.TriggerContext) bool {
	if entity == nil {
		return false
	}
	if cond.Phase != "" && entity.Phase != cond.Phase {
		return false
	}
	if cond.ToPhase != "" && trigCtx.ToPhase != cond.ToPhase {
		return false
	}
	if cond.TaskID != "" && trigCtx.TaskID != cond.TaskID {
		return false
	}
	if cond.Keyword != "" && !containsFold(trigCtx.MessageText, cond.Keyword) {
		return false
	}
	if cond.MinDays > 0 && trigCtx.DaysInactive < cond.MinDays {
		return false
	}
	return true
}

// containsFold reports whether substr occurs in s, case-insensitively.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
