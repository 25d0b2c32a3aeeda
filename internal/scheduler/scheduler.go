// Package scheduler implements schedule_process (spec.md §4.7): a thin
// wrapper over robfig/cron that registers or cancels the dispatcher's
// periodic invocation and records its handle in the Job singleton.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/modfin/notifyd/internal/store"
)

// Dispatch is the callback invoked on every tick.
type Dispatch func(ctx context.Context, host string, port int) error

type Scheduler struct {
	cronEngine *cron.Cron
	store      store.Store
	dispatch   Dispatch
	log        *logrus.Logger

	entries map[string]cron.EntryID
}

func New(st store.Store, dispatch Dispatch, log *logrus.Logger) *Scheduler {
	return &Scheduler{
		cronEngine: cron.New(),
		store:      st,
		dispatch:   dispatch,
		log:        log,
		entries:    map[string]cron.EntryID{},
	}
}

func (s *Scheduler) Start() { s.cronEngine.Start() }

func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cronEngine.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SchedulePeriodic is schedule_process(interval_minutes, host, port).
// A nil intervalMinutes de-registers any existing job and clears the Job
// singleton's job_id (cancel semantics); a non-nil value replaces
// whatever periodic job is currently registered.
func (s *Scheduler) SchedulePeriodic(ctx context.Context, intervalMinutes *int, host string, port int) error {
	job, err := s.store.GetJob(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: read job singleton: %w", err)
	}
	if job.JobID != nil {
		if id, ok := s.entries[*job.JobID]; ok {
			s.cronEngine.Remove(id)
			delete(s.entries, *job.JobID)
		}
	}

	if intervalMinutes == nil {
		if err := s.store.SetJobID(ctx, nil); err != nil {
			return fmt.Errorf("scheduler: clear job id: %w", err)
		}
		return nil
	}

	spec := fmt.Sprintf("@every %dm", *intervalMinutes)
	newJobID := xid.New().String()
	entryID, err := s.cronEngine.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), time.Duration(*intervalMinutes)*time.Minute)
		defer cancel()
		if err := s.dispatch(runCtx, host, port); err != nil {
			s.log.WithError(err).Error("process_queue run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: register periodic job: %w", err)
	}
	s.entries[newJobID] = entryID

	if err := s.store.SetJobID(ctx, &newJobID); err != nil {
		s.cronEngine.Remove(entryID)
		delete(s.entries, newJobID)
		return fmt.Errorf("scheduler: store new job id: %w", err)
	}
	if err := s.store.ClearJobLastRun(ctx); err != nil {
		return fmt.Errorf("scheduler: clear last run on register: %w", err)
	}
	return nil
}
