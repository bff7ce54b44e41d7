// Package engine implements rule evaluation and dispatch for CareFlow.
//
// This file resolves {{field}} merge placeholders against entity data.
package engine

import (
	"strconv"
	"strings"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

// Merge-field token names recognized by ResolveMergeFields.
const (
	FieldFirstName       = "first_name"
	FieldLastName        = "last_name"
	FieldFullName        = "full_name"
	FieldPhone           = "phone"
	FieldEmail           = "email"
	FieldPhase           = "phase"
	FieldDaysInPhase     = "days_in_phase"
	FieldDaysSinceCreate = "days_since_created"
)

// ResolveMergeFields substitutes the fixed set of {{field}} placeholders in
// template with string-coerced entity values. Unknown placeholders are left
// verbatim so template authors notice typos. The template is never mutated;
// a new string is always returned.
func ResolveMergeFields(template string, entity *models.Entity, now time.Time) string {
	if entity == nil || !strings.Contains(template, "{{") {
		return template
	}
	replacer := strings.NewReplacer(
		token(FieldFirstName), entity.FirstName,
		token(FieldLastName), entity.LastName,
		token(FieldFullName), entity.FullName(),
		token(FieldPhone), entity.Phone,
		token(FieldEmail), entity.Email,
		token(FieldPhase), entity.Phase,
		token(FieldDaysInPhase), strconv.Itoa(wholeDays(entity.PhaseEnteredAt(), now)),
		token(FieldDaysSinceCreate), strconv.Itoa(wholeDays(entity.CreatedAt, now)),
	)
	return replacer.Replace(template)
}

func token(name string) string {
	return "{{" + name + "}}"
}

// wholeDays returns the number of complete days between from and now,
// clamped at zero.
func wholeDays(from, now time.Time) int {
	if from.IsZero() || now.Before(from) {
		return 0
	}
	return int(now.Sub(from).Hours() / 24)
}
