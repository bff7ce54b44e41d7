package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/caregrid/careflow/internal/models"
)

func TestStepRunnerPollExecutesDueSteps(t *testing.T) {
	m, st, exec := newTestManager(t)
	entity := seedEntity(t, st)
	seq := welcomeSequence()
	if err := st.InsertSequence(seq); err != nil {
		t.Fatalf("insert sequence: %v", err)
	}
	if _, err := m.Enroll(context.Background(), seq, entity, "manual", 0); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	runner := NewStepRunner(st, m, time.Second)
	later := fixedNow().Add(25 * time.Hour)
	runner.SetClock(func() time.Time { return later })
	m.SetClock(func() time.Time { return later })

	runner.Poll(context.Background())

	if len(exec.invs) != 2 {
		t.Fatalf("expected the delayed step to run on poll, got %d invocations", len(exec.invs))
	}
	entries, _ := st.ListLogEntries(entity.ID, 0)
	for _, e := range entries {
		if e.Status == models.ExecutionPending {
			t.Errorf("no entry should remain pending after the poll: %+v", e)
		}
	}
}

func TestStepRunnerPollBeforeDeadlineIsNoop(t *testing.T) {
	m, st, exec := newTestManager(t)
	entity := seedEntity(t, st)
	seq := welcomeSequence()
	if err := st.InsertSequence(seq); err != nil {
		t.Fatalf("insert sequence: %v", err)
	}
	if _, err := m.Enroll(context.Background(), seq, entity, "manual", 0); err != nil {
		t.Fatalf("enroll: %v", err)
	}

	runner := NewStepRunner(st, m, time.Second)
	soon := fixedNow().Add(time.Hour)
	runner.SetClock(func() time.Time { return soon })

	runner.Poll(context.Background())

	if len(exec.invs) != 1 {
		t.Fatalf("only the inline step should have run, got %d invocations", len(exec.invs))
	}
}

func TestStepRunnerRunStopsOnCancel(t *testing.T) {
	m, st, _ := newTestManager(t)
	runner := NewStepRunner(st, m, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after context cancellation")
	}
}

func TestNewStepRunnerDefaultInterval(t *testing.T) {
	m, st, _ := newTestManager(t)
	runner := NewStepRunner(st, m, 0)
	if runner.pollInterval != DefaultPollInterval {
		t.Errorf("poll interval = %v, want default %v", runner.pollInterval, DefaultPollInterval)
	}
}
