// Package scheduler provides cron-based job scheduling for CareFlow.
//
// It drives the recurring jobs that have no mutation to hang off of, such
// as the nightly inactivity sweep.
package scheduler

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the inactivity sweep once a day shortly after
// midnight, when the whole-day inactivity counts have just rolled over.
const DefaultSweepSchedule = "5 0 * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. Jobs use the standard
// 5-field cron syntax (min, hour, dom, month, dow) and recover from panics.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	if _, err := s.cron.AddFunc(expr, task); err != nil {
		return err
	}
	slog.Debug("Scheduler job registered", "schedule", expr)
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
