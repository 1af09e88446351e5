package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/renna-labs/stitch/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Tools ---

func (s *LibSQLStore) SaveTool(ctx context.Context, tool *StoredTool) error {
	def, err := json.Marshal(tool.Definition)
	if err != nil {
		return fmt.Errorf("marshal tool definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tools (id, definition, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET definition=excluded.definition, updated_at=excluded.updated_at`,
		tool.ID, string(def), timeOrNow(tool.CreatedAt), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetTool(ctx context.Context, id string) (*StoredTool, error) {
	t := &StoredTool{}
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, definition, created_at, updated_at FROM tools WHERE id = ?`, id,
	).Scan(&t.ID, &def, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tool", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(def), &t.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal tool definition: %w", err)
	}
	return t, nil
}

func (s *LibSQLStore) ListTools(ctx context.Context) ([]*StoredTool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, definition, created_at, updated_at FROM tools ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tools []*StoredTool
	for rows.Next() {
		t := &StoredTool{}
		var def string
		if err := rows.Scan(&t.ID, &def, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(def), &t.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal tool definition: %w", err)
		}
		tools = append(tools, t)
	}
	return tools, rows.Err()
}

func (s *LibSQLStore) DeleteTool(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tools WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "tool", id)
}

// --- Run history ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	payload, err := marshalMapOrDefault(run.Payload)
	if err != nil {
		return fmt.Errorf("marshal run payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, tool_id, kind, status, payload, step_results, output, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ToolID, run.Kind, string(run.Status),
		string(payload), nullRaw(run.StepResults), nullRaw(run.Output), nullStr(run.Error),
		timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) SettleRun(ctx context.Context, run *Run) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, step_results = ?, output = ?, error = ?, completed_at = ?
		 WHERE id = ?`,
		string(run.Status), nullRaw(run.StepResults), nullRaw(run.Output), nullStr(run.Error),
		nullTime(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	var payload, stepResults, output, runErr sql.NullString
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tool_id, kind, status, payload, step_results, output, error, started_at, completed_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&r.ID, &r.ToolID, &r.Kind, &r.Status, &payload, &stepResults, &output, &runErr, &r.StartedAt, &completed)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal run payload: %w", err)
		}
	}
	r.StepResults = rawOrNil(stepResults)
	r.Output = rawOrNil(output)
	if runErr.Valid {
		r.Error = runErr.String
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return r, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, tool_id, kind, status, payload, step_results, output, error, started_at, completed_at FROM runs`
	var conds []string
	var args []any
	if filter.ToolID != "" {
		conds = append(conds, "tool_id = ?")
		args = append(args, filter.ToolID)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		var payload, stepResults, output, runErr sql.NullString
		var completed sql.NullTime
		if err := rows.Scan(&r.ID, &r.ToolID, &r.Kind, &r.Status, &payload, &stepResults, &output, &runErr, &r.StartedAt, &completed); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal run payload: %w", err)
			}
		}
		r.StepResults = rawOrNil(stepResults)
		r.Output = rawOrNil(output)
		if runErr.Valid {
			r.Error = runErr.String
		}
		if completed.Valid {
			r.CompletedAt = &completed.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, sr *ScheduledRun) error {
	payload, err := marshalMapOrDefault(sr.Payload)
	if err != nil {
		return fmt.Errorf("marshal scheduled run payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, tool_id, cron_expr, payload, enabled, created_at, last_run_at, next_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.ToolID, sr.CronExpr, string(payload), boolToInt(sr.Enabled),
		timeOrNow(sr.CreatedAt), nullTime(sr.LastRunAt), sr.NextRunAt,
	)
	return err
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context) ([]*ScheduledRun, error) {
	return s.queryScheduledRuns(ctx,
		`SELECT id, tool_id, cron_expr, payload, enabled, created_at, last_run_at, next_run_at
		 FROM scheduled_runs ORDER BY created_at`)
}

func (s *LibSQLStore) ListDueScheduledRuns(ctx context.Context, now time.Time) ([]*ScheduledRun, error) {
	return s.queryScheduledRuns(ctx,
		`SELECT id, tool_id, cron_expr, payload, enabled, created_at, last_run_at, next_run_at
		 FROM scheduled_runs WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at`, now)
}

func (s *LibSQLStore) queryScheduledRuns(ctx context.Context, query string, args ...any) ([]*ScheduledRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledRun
	for rows.Next() {
		sr := &ScheduledRun{}
		var payload sql.NullString
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&sr.ID, &sr.ToolID, &sr.CronExpr, &payload, &enabled, &sr.CreatedAt, &lastRun, &sr.NextRunAt); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &sr.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal scheduled run payload: %w", err)
			}
		}
		sr.Enabled = enabled != 0
		if lastRun.Valid {
			sr.LastRunAt = &lastRun.Time
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledRunTimes(ctx context.Context, id string, lastRun time.Time, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_runs SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		lastRun, nextRun, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled run", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
