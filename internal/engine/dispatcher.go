// Package engine implements rule evaluation and dispatch for CareFlow.
//
// This file contains the rule dispatcher: it fans a trigger event out to
// every enabled rule that matches, renders templates, and hands invocations
// to the action executor boundary.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

// ActionInvocation is the payload handed to the action executor boundary
// for one rule firing or sequence step.
type ActionInvocation struct {
	RuleID          string
	SequenceID      string
	EnrollmentID    string
	StepIndex       *int
	EntityID        string
	EntityType      models.EntityType
	ActionType      models.ActionType
	RenderedMessage string
	Subject         string
	ActionConfig    map[string]string
	TriggerContext  models.TriggerContext
}

// Executor is the action executor boundary. Implementations perform the
// side effect and record the outcome in the execution log; they must never
// panic outward. The returned error is captured by the dispatcher solely
// for logging.
type Executor interface {
	Execute(ctx context.Context, inv ActionInvocation) error
}

// RuleSource provides rule and entity reads for the dispatcher. Rules are
// always fetched fresh per trigger; callers that want caching own it.
type RuleSource interface {
	GetEnabledRules(trigger models.TriggerType, entityType models.EntityType) ([]models.AutomationRule, error)
	ListEntities() ([]*models.Entity, error)
}

// Engine evaluates automation rules against trigger events and dispatches
// matching actions.
type Engine struct {
	rules RuleSource
	exec  Executor
	// now is injectable for deterministic tests.
	now func() time.Time
}

// NewEngine creates a rule dispatch engine.
func NewEngine(rules RuleSource, exec Executor) *Engine {
	return &Engine{rules: rules, exec: exec, now: time.Now}
}

// SetClock overrides the engine's clock (tests only).
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Fire evaluates all enabled rules for the trigger and dispatches one
// invocation per matching rule. Rules are evaluated in stable store order;
// each dispatch runs in its own goroutine so one rule's failure cannot
// prevent another's invocation. Returns the number of rules dispatched and
// any rule-fetch error (dispatch errors are logged, never returned).
func (e *Engine) Fire(ctx context.Context, trigger models.TriggerType, entity *models.Entity, trigCtx models.TriggerContext) (int, error) {
	if entity == nil {
		return 0, nil
	}
	rules, err := e.rules.GetEnabledRules(trigger, entity.Type)
	if err != nil {
		slog.Error("Engine.Fire: rule fetch failed, abandoning dispatch", "trigger", trigger, "entityID", entity.ID, "error", err)
		return 0, err
	}

	dispatched := 0
	for _, rule := range rules {
		if !Matches(rule.Conditions, entity, trigCtx) {
			// Not an error: the rule simply did not match.
			continue
		}
		inv := ActionInvocation{
			RuleID:          rule.ID,
			EntityID:        entity.ID,
			EntityType:      entity.Type,
			ActionType:      rule.ActionType,
			RenderedMessage: ResolveMergeFields(rule.MessageTemplate, entity, e.now()),
			Subject:         rule.ActionConfig["subject"],
			ActionConfig:    rule.ActionConfig,
			TriggerContext:  trigCtx,
		}
		dispatched++
		go func(inv ActionInvocation, ruleID string) {
			if err := e.exec.Execute(ctx, inv); err != nil {
				slog.Warn("Engine.Fire: action dispatch failed", "ruleID", ruleID, "entityID", inv.EntityID, "actionType", inv.ActionType, "error", err)
			}
		}(inv, rule.ID)
	}
	slog.Debug("Engine.Fire: dispatch complete", "trigger", trigger, "entityID", entity.ID, "rules", len(rules), "dispatched", dispatched)
	return dispatched, nil
}

// FireAsync runs Fire in a background goroutine. It never blocks the
// calling mutation path and never surfaces a failure to it; errors are
// logged and the trigger is abandoned best-effort.
func (e *Engine) FireAsync(ctx context.Context, trigger models.TriggerType, entity *models.Entity, trigCtx models.TriggerContext) {
	go func() {
		if _, err := e.Fire(ctx, trigger, entity, trigCtx); err != nil {
			slog.Warn("Engine.FireAsync: trigger abandoned", "trigger", trigger, "error", err)
		}
	}()
}

// SweepInactive walks all entities and fires the days_inactive trigger for
// each entity whose inactivity span satisfies at least the smallest rule
// threshold. Driven by the cron scheduler.
func (e *Engine) SweepInactive(ctx context.Context) error {
	entities, err := e.rules.ListEntities()
	if err != nil {
		slog.Error("Engine.SweepInactive: entity listing failed", "error", err)
		return err
	}
	now := e.now()
	fired := 0
	for _, entity := range entities {
		if entity == nil {
			continue
		}
		days := wholeDays(entity.LastActivity(), now)
		if days < 1 {
			continue
		}
		trigCtx := models.TriggerContext{DaysInactive: days}
		n, err := e.Fire(ctx, models.TriggerDaysInactive, entity, trigCtx)
		if err != nil {
			// Best effort: keep sweeping the remaining entities.
			continue
		}
		fired += n
	}
	slog.Info("Engine.SweepInactive: sweep complete", "entities", len(entities), "dispatched", fired)
	return nil
}
