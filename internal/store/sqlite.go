package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"

	"github.com/harrison/seqbench/internal/models"
)

// SQLiteStore is a ProgressStore backed by SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

var _ ProgressStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at dbPath and
// applies pending migrations. ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath
	if dbPath != ":memory:" {
		// Connection parameters apply to every pooled connection, unlike a
		// one-off PRAGMA.
		dsn = "file:" + dbPath + "?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// busy_timeout must be first so the remaining pragmas wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: dbPath, now: time.Now}
	if err := s.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return s, nil
}

// execWithRetry executes a statement with exponential backoff on lock errors.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !isLocked(err) {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

func isLocked(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", v.String, err)
	}
	return t, nil
}

// CreateRun inserts a run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, run models.Run) error {
	now := s.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, config, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(run.Status), run.Config, formatTime(run.CreatedAt), formatTime(run.UpdatedAt))
	if err != nil {
		return fmt.Errorf("could not create run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns a run or ErrNotFound.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, config, created_at, updated_at FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("could not get run %s: %w", runID, err)
	}
	return run, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var status string
	var config, created, updated sql.NullString
	if err := row.Scan(&run.ID, &status, &config, &created, &updated); err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.Config = config.String

	var err error
	if run.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if run.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &run, nil
}

// UpdateRunStatus sets a run's status.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(s.now()), runID)
	if err != nil {
		return fmt.Errorf("could not update run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// ListRuns returns all runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context) ([]models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, config, created_at, updated_at FROM runs ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("could not list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// RegisterTasks records the task matrix of a run.
func (s *SQLiteStore) RegisterTasks(ctx context.Context, runID string, tasks []RegisteredTask) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM run_tasks WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return fmt.Errorf("could not read task positions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO run_tasks (run_id, position, model, provider, sequence, run_number, total_steps)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, model, sequence, run_number)
DO UPDATE SET provider = excluded.provider, total_steps = excluded.total_steps`)
	if err != nil {
		return fmt.Errorf("prepare task insert: %w", err)
	}
	defer stmt.Close()

	for i, rt := range tasks {
		t := rt.Task
		if _, err := stmt.ExecContext(ctx, runID, next+i, t.Model, t.Provider, t.Sequence, t.RunNumber, rt.TotalSteps); err != nil {
			return fmt.Errorf("could not register task %s: %w", t.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tasks: %w", err)
	}
	return nil
}

// ListTasks returns the registered tasks of a run in registration order.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]RegisteredTask, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT model, provider, sequence, run_number, total_steps
FROM run_tasks WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []RegisteredTask
	for rows.Next() {
		var rt RegisteredTask
		if err := rows.Scan(&rt.Task.Model, &rt.Task.Provider, &rt.Task.Sequence, &rt.Task.RunNumber, &rt.TotalSteps); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

// UpsertStepResult writes r keyed by its task and step index.
func (s *SQLiteStore) UpsertStepResult(ctx context.Context, r *models.StepResult) error {
	if r.ID == "" {
		r.ID = ulid.Make().String()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO step_results (
    id, run_id, model, provider, sequence, run_number, step_index, step_name, status, response,
    prompt_tokens, completion_tokens, attempts, started_at, completed_at, error, error_kind,
    history_truncated, context_tokens, token_count_exact, usage_estimated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (run_id, model, sequence, run_number, step_index) DO UPDATE SET
    provider = excluded.provider,
    step_name = excluded.step_name,
    status = excluded.status,
    response = excluded.response,
    prompt_tokens = excluded.prompt_tokens,
    completion_tokens = excluded.completion_tokens,
    attempts = excluded.attempts,
    started_at = excluded.started_at,
    completed_at = excluded.completed_at,
    error = excluded.error,
    error_kind = excluded.error_kind,
    history_truncated = excluded.history_truncated,
    context_tokens = excluded.context_tokens,
    token_count_exact = excluded.token_count_exact,
    usage_estimated = excluded.usage_estimated`,
		r.ID, r.RunID, r.Task.Model, r.Task.Provider, r.Task.Sequence, r.Task.RunNumber, r.StepIndex, r.StepName,
		string(r.Status), r.Response, r.Usage.PromptTokens, r.Usage.CompletionTokens, r.Attempts,
		formatTime(r.StartedAt), formatTime(r.CompletedAt), r.Error, r.ErrorKind,
		r.HistoryTruncated, r.ContextTokens, r.TokenCountExact, r.UsageEstimated)
	if err != nil {
		return fmt.Errorf("could not upsert step result %s step %d: %w", r.Task.Key(), r.StepIndex, err)
	}

	// Report the surviving row ID back when the key already existed.
	if err := s.db.QueryRowContext(ctx, `
SELECT id FROM step_results
WHERE run_id = ? AND model = ? AND sequence = ? AND run_number = ? AND step_index = ?`,
		r.RunID, r.Task.Model, r.Task.Sequence, r.Task.RunNumber, r.StepIndex).Scan(&r.ID); err != nil {
		return fmt.Errorf("could not read step result id: %w", err)
	}
	return nil
}

const stepColumns = `id, run_id, model, provider, sequence, run_number, step_index, step_name, status, response,
    prompt_tokens, completion_tokens, attempts, started_at, completed_at, error, error_kind,
    history_truncated, context_tokens, token_count_exact, usage_estimated`

// ListStepResults returns a task's results ordered by step index.
func (s *SQLiteStore) ListStepResults(ctx context.Context, runID string, task models.Task) ([]models.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM step_results
WHERE run_id = ? AND model = ? AND sequence = ? AND run_number = ?
ORDER BY step_index`, runID, task.Model, task.Sequence, task.RunNumber)
	if err != nil {
		return nil, fmt.Errorf("could not list step results for %s: %w", task.Key(), err)
	}
	defer rows.Close()
	return scanStepResults(rows)
}

// ListRunResults returns every result of a run.
func (s *SQLiteStore) ListRunResults(ctx context.Context, runID string) ([]models.StepResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM step_results
WHERE run_id = ?
ORDER BY model, sequence, run_number, step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("could not list results for run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanStepResults(rows)
}

func scanStepResults(rows *sql.Rows) ([]models.StepResult, error) {
	var results []models.StepResult
	for rows.Next() {
		var r models.StepResult
		var status string
		var stepName, response, errMsg, errKind, started, completed sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Task.Model, &r.Task.Provider, &r.Task.Sequence, &r.Task.RunNumber,
			&r.StepIndex, &stepName, &status, &response, &r.Usage.PromptTokens, &r.Usage.CompletionTokens,
			&r.Attempts, &started, &completed, &errMsg, &errKind, &r.HistoryTruncated,
			&r.ContextTokens, &r.TokenCountExact, &r.UsageEstimated); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		r.Status = models.StepStatus(status)
		r.StepName = stepName.String
		r.Response = response.String
		r.Error = errMsg.String
		r.ErrorKind = errKind.String

		var err error
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step results: %w", err)
	}
	return results, nil
}

// ListIncompleteTasks returns the tasks lacking a succeeded result for some step.
func (s *SQLiteStore) ListIncompleteTasks(ctx context.Context, runID string) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT t.model, t.provider, t.sequence, t.run_number
FROM run_tasks t
LEFT JOIN step_results r
    ON r.run_id = t.run_id AND r.model = t.model AND r.sequence = t.sequence
   AND r.run_number = t.run_number AND r.step_index < t.total_steps AND r.status = ?
WHERE t.run_id = ?
GROUP BY t.run_id, t.model, t.sequence, t.run_number
HAVING COUNT(r.id) < MAX(t.total_steps)
ORDER BY MIN(t.position)`, string(models.StepSucceeded), runID)
	if err != nil {
		return nil, fmt.Errorf("could not list incomplete tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var t models.Task
		if err := rows.Scan(&t.Model, &t.Provider, &t.Sequence, &t.RunNumber); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}
