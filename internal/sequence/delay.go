// Package sequence implements multi-step drip campaigns for CareFlow.
//
// This file handles delay arithmetic: converting a step's delayHours into a
// wall-clock deadline, and decomposing a raw hour count into the
// value-plus-unit form shown to sequence authors.
package sequence

import (
	"math"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

// DelayUnit is the user-facing unit for a step delay.
type DelayUnit string

const (
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
	UnitDays    DelayUnit = "days"
)

// Deadline converts a non-negative delayHours into a wall-clock deadline:
// now + round(delayHours * 3600000) milliseconds.
func Deadline(now time.Time, delayHours float64) time.Time {
	if delayHours <= 0 {
		return now
	}
	ms := math.Round(delayHours * 3600 * 1000)
	return now.Add(time.Duration(ms) * time.Millisecond)
}

// DecomposeDelay converts raw hours into the largest whole-unit
// representation for display: whole multiples of 24 become days, values
// under one hour become minutes, everything else stays hours. Sub-minute
// precision is rounded away.
func DecomposeDelay(hours float64) (float64, DelayUnit) {
	switch {
	case hours >= 24 && math.Mod(hours, 24) == 0:
		return hours / 24, UnitDays
	case hours > 0 && hours < 1:
		return math.Round(hours * 60), UnitMinutes
	default:
		return hours, UnitHours
	}
}

// ComposeDelay converts a value-plus-unit pair back into raw hours. An
// unrecognized unit is treated as hours.
func ComposeDelay(value float64, unit DelayUnit) float64 {
	switch unit {
	case UnitMinutes:
		return value / 60
	case UnitDays:
		return value * 24
	default:
		return value
	}
}

// DueSteps partitions a sequence's steps from startIndex onward into the
// immediately-executable prefix (delay zero) and the remainder that must be
// scheduled for later pickup.
func DueSteps(seq *models.Sequence, startIndex int) (immediate []models.SequenceStep, delayed []models.SequenceStep) {
	inline := true
	for _, step := range seq.Steps {
		if step.StepIndex < startIndex {
			continue
		}
		if inline && step.DelayHours == 0 {
			immediate = append(immediate, step)
			continue
		}
		inline = false
		delayed = append(delayed, step)
	}
	return immediate, delayed
}
