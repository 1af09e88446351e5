package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Tools
	SaveTool(ctx context.Context, tool *StoredTool) error
	GetTool(ctx context.Context, id string) (*StoredTool, error)
	ListTools(ctx context.Context) ([]*StoredTool, error)
	DeleteTool(ctx context.Context, id string) error

	// Run history
	CreateRun(ctx context.Context, run *Run) error
	SettleRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error
	ListScheduledRuns(ctx context.Context) ([]*ScheduledRun, error)
	ListDueScheduledRuns(ctx context.Context, now time.Time) ([]*ScheduledRun, error)
	UpdateScheduledRunTimes(ctx context.Context, id string, lastRun time.Time, nextRun time.Time) error
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
