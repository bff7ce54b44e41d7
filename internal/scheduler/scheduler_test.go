package scheduler

import "testing"

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob(DefaultSweepSchedule, func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("not a schedule", func() {}); err == nil {
		t.Error("Expected an error for an invalid cron expression")
	}
}
