package scheduler

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/modfin/notifyd/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func silentLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(discard{})
	return l
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestSchedulePeriodic_RegistersAndStoresJobID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	calls := 0

	sched := New(st, func(ctx context.Context, host string, port int) error {
		calls++
		return nil
	}, silentLogger())

	interval := 5
	if err := sched.SchedulePeriodic(ctx, &interval, "127.0.0.1", 25); err != nil {
		t.Fatalf("SchedulePeriodic: %v", err)
	}

	job, err := st.GetJob(ctx)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.JobID == nil {
		t.Fatalf("expected a job_id to be stored after registration")
	}
	if job.LastRunDate != nil {
		t.Fatalf("expected last_run_date cleared on fresh registration")
	}
}

func TestSchedulePeriodic_NilIntervalCancels(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sched := New(st, func(ctx context.Context, host string, port int) error { return nil }, silentLogger())

	interval := 5
	if err := sched.SchedulePeriodic(ctx, &interval, "127.0.0.1", 25); err != nil {
		t.Fatalf("SchedulePeriodic (register): %v", err)
	}
	if err := sched.SchedulePeriodic(ctx, nil, "127.0.0.1", 25); err != nil {
		t.Fatalf("SchedulePeriodic (cancel): %v", err)
	}

	job, err := st.GetJob(ctx)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.JobID != nil {
		t.Fatalf("expected job_id cleared after cancel, got %v", *job.JobID)
	}
}

func TestSchedulePeriodic_ReregisterDeregistersPrevious(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sched := New(st, func(ctx context.Context, host string, port int) error { return nil }, silentLogger())

	first := 5
	if err := sched.SchedulePeriodic(ctx, &first, "127.0.0.1", 25); err != nil {
		t.Fatalf("first SchedulePeriodic: %v", err)
	}
	job1, _ := st.GetJob(ctx)

	second := 10
	if err := sched.SchedulePeriodic(ctx, &second, "127.0.0.1", 25); err != nil {
		t.Fatalf("second SchedulePeriodic: %v", err)
	}
	job2, _ := st.GetJob(ctx)

	if job1.JobID == nil || job2.JobID == nil {
		t.Fatalf("expected job ids on both registrations")
	}
	if *job1.JobID == *job2.JobID {
		t.Fatalf("expected a fresh job id on re-registration")
	}
	if len(sched.entries) != 1 {
		t.Fatalf("expected exactly one live cron entry after re-registration, got %d", len(sched.entries))
	}
}
