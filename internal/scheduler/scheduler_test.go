package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renna-labs/stitch/internal/store"
)

// fakeStore embeds store.Store and overrides only the scheduling methods;
// everything else panics if touched.
type fakeStore struct {
	store.Store

	mu      sync.Mutex
	due     []*store.ScheduledRun
	listErr error
	updates []scheduleUpdate
}

type scheduleUpdate struct {
	id      string
	lastRun time.Time
	nextRun time.Time
}

func (f *fakeStore) ListDueScheduledRuns(_ context.Context, _ time.Time) ([]*store.ScheduledRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, f.listErr
}

func (f *fakeStore) UpdateScheduledRunTimes(_ context.Context, id string, lastRun, nextRun time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, scheduleUpdate{id: id, lastRun: lastRun, nextRun: nextRun})
	return nil
}

type fakeRunner struct {
	mu    sync.Mutex
	runs  []string
	runFn func(toolID string) error
}

func (f *fakeRunner) RunScheduled(_ context.Context, toolID string, _ map[string]any) error {
	f.mu.Lock()
	f.runs = append(f.runs, toolID)
	fn := f.runFn
	f.mu.Unlock()
	if fn != nil {
		return fn(toolID)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestScheduler_TickRunsDueSchedules(t *testing.T) {
	fs := &fakeStore{due: []*store.ScheduledRun{
		{ID: "s1", ToolID: "tool-1", CronExpr: "*/5 * * * *", Enabled: true},
		{ID: "s2", ToolID: "tool-2", CronExpr: "0 * * * *", Enabled: true},
	}}
	runner := &fakeRunner{}
	s := NewScheduler(fs, runner, discardLogger())

	s.tick(context.Background())

	assert.Equal(t, []string{"tool-1", "tool-2"}, runner.runs)
	require.Len(t, fs.updates, 2)
	assert.Equal(t, "s1", fs.updates[0].id)
	assert.True(t, fs.updates[0].nextRun.After(fs.updates[0].lastRun))
}

func TestScheduler_TickAdvancesTimesEvenWhenRunFails(t *testing.T) {
	fs := &fakeStore{due: []*store.ScheduledRun{
		{ID: "s1", ToolID: "tool-1", CronExpr: "*/5 * * * *", Enabled: true},
	}}
	runner := &fakeRunner{runFn: func(string) error { return fmt.Errorf("boom") }}
	s := NewScheduler(fs, runner, discardLogger())

	s.tick(context.Background())

	require.Len(t, fs.updates, 1, "a failing run still advances to the next slot")
}

func TestScheduler_TickSkipsInflightRuns(t *testing.T) {
	fs := &fakeStore{due: []*store.ScheduledRun{
		{ID: "s1", ToolID: "tool-1", CronExpr: "*/5 * * * *", Enabled: true},
	}}
	runner := &fakeRunner{}
	s := NewScheduler(fs, runner, discardLogger())

	require.True(t, s.tryAcquire("s1"))
	s.tick(context.Background())
	assert.Empty(t, runner.runs, "an in-flight schedule is not started twice")

	s.release("s1")
	s.tick(context.Background())
	assert.Equal(t, []string{"tool-1"}, runner.runs)
}

func TestScheduler_TickInvalidCronLeavesTimesUntouched(t *testing.T) {
	fs := &fakeStore{due: []*store.ScheduledRun{
		{ID: "s1", ToolID: "tool-1", CronExpr: "not a cron", Enabled: true},
	}}
	runner := &fakeRunner{}
	s := NewScheduler(fs, runner, discardLogger())

	s.tick(context.Background())

	assert.Equal(t, []string{"tool-1"}, runner.runs, "the run itself still happens")
	assert.Empty(t, fs.updates)
}

func TestScheduler_TickListError(t *testing.T) {
	fs := &fakeStore{listErr: fmt.Errorf("db gone")}
	runner := &fakeRunner{}
	s := NewScheduler(fs, runner, discardLogger())

	s.tick(context.Background())
	assert.Empty(t, runner.runs)
}

func TestScheduler_CalculateNextRun(t *testing.T) {
	s := NewScheduler(&fakeStore{}, &fakeRunner{}, discardLogger())

	from := time.Date(2026, 8, 28, 10, 2, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 28, 10, 5, 0, 0, time.UTC), next)

	next, err = s.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("nonsense", from)
	assert.Error(t, err)
}

func TestScheduler_StartAndStop(t *testing.T) {
	fs := &fakeStore{}
	s := NewScheduler(fs, &fakeRunner{}, discardLogger())

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start is rejected")

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	// A stopped scheduler can start again.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
