package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/renna-labs/stitch/internal/store"
)

// PipelineRunner is the interface the scheduler uses to start pipeline
// runs. Satisfied by the server layer (avoids an import cycle with the
// coordinator wiring).
type PipelineRunner interface {
	RunScheduled(ctx context.Context, toolID string, payload map[string]any) error
}

// Scheduler polls the store for due scheduled runs and starts them.
type Scheduler struct {
	store  store.Store
	runner PipelineRunner
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled-run IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner PipelineRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled scheduled run that is due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.ListDueScheduledRuns(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due scheduled runs", slog.String("error", err.Error()))
		return
	}

	for _, sr := range due {
		if !s.tryAcquire(sr.ID) {
			continue // already running (dedup)
		}
		if err := s.runScheduled(ctx, sr, now); err != nil {
			s.logger.Error("failed to run scheduled run",
				slog.String("id", sr.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(sr.ID)
	}
}

// runScheduled executes one scheduled run and advances its timestamps.
func (s *Scheduler) runScheduled(ctx context.Context, sr *store.ScheduledRun, now time.Time) error {
	s.logger.Info("running scheduled run",
		slog.String("id", sr.ID),
		slog.String("tool_id", sr.ToolID),
	)

	if err := s.runner.RunScheduled(ctx, sr.ToolID, sr.Payload); err != nil {
		s.logger.Error("scheduled run execution failed",
			slog.String("id", sr.ID),
			slog.String("error", err.Error()),
		)
	}

	nextRun, err := s.CalculateNextRun(sr.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", sr.ID, err)
	}
	return s.store.UpdateScheduledRunTimes(ctx, sr.ID, now, nextRun)
}

// tryAcquire returns true and marks the run as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the run from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
