// Package sequence implements multi-step drip campaigns for CareFlow.
//
// This file contains the step runner: the periodic process that picks up
// due pending execution-log rows and feeds them back through the
// enrollment manager's execute-due-step path.
package sequence

import (
	"context"
	"log/slog"
	"time"

	"github.com/caregrid/careflow/internal/store"
)

// Runner polling defaults.
const (
	DefaultPollInterval = 30 * time.Second
	DefaultClaimLimit   = 25
)

// StepRunner periodically scans the execution log for due pending sequence
// steps and executes them. A single runner per deployment is assumed;
// multi-scheduler locking is out of scope.
type StepRunner struct {
	store        store.Store
	manager      *Manager
	pollInterval time.Duration
	claimLimit   int
	now          func() time.Time
}

// NewStepRunner creates a step runner.
func NewStepRunner(st store.Store, manager *Manager, pollInterval time.Duration) *StepRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &StepRunner{
		store:        st,
		manager:      manager,
		pollInterval: pollInterval,
		claimLimit:   DefaultClaimLimit,
		now:          time.Now,
	}
}

// SetClock overrides the runner's clock (tests only).
func (r *StepRunner) SetClock(now func() time.Time) {
	r.now = now
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *StepRunner) Run(ctx context.Context) {
	slog.Info("StepRunner.Run: starting step runner", "pollInterval", r.pollInterval)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("StepRunner.Run: stopping")
			return
		case <-ticker.C:
			r.Poll(ctx)
		}
	}
}

// Poll executes one scan of due pending entries. Exported so tests and the
// cron scheduler can drive the runner deterministically.
func (r *StepRunner) Poll(ctx context.Context) {
	due, err := r.store.ListDueLogEntries(r.now(), r.claimLimit)
	if err != nil {
		slog.Error("StepRunner.Poll: due scan failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}
	slog.Debug("StepRunner.Poll: executing due steps", "count", len(due))

	for _, entry := range due {
		if err := r.manager.ExecuteDueStep(ctx, entry); err != nil {
			slog.Error("StepRunner.Poll: step execution errored", "logID", entry.ID, "enrollmentID", entry.EnrollmentID, "error", err)
		}
	}
}
