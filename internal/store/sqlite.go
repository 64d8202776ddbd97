package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite store and runs migrations. An empty path
// defaults to glasspilot.db in the working directory.
func NewSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "glasspilot.db"
	}
	if path == ":memory:" {
		// Shared cache keeps the schema alive across pooled connections.
		path = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent handshakes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'created',
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_org ON tasks(org_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'created',
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_org ON workflow_runs(org_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS browser_sessions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'provisioning',
			address TEXT NOT NULL DEFAULT '',
			runnable_type TEXT NOT NULL,
			runnable_id TEXT NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_browser_sessions_runnable
			ON browser_sessions(runnable_type, runnable_id)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL UNIQUE,
			created_at TIMESTAMP NOT NULL,
			last_used_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_org ON audit_events(org_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}

	if err := s.addColumnIfNotExists("browser_sessions", "timeout_minutes",
		`ALTER TABLE browser_sessions ADD COLUMN timeout_minutes INTEGER NOT NULL DEFAULT 0`); err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStore) addColumnIfNotExists(table, column, ddl string) error {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Tasks

func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = StatusCreated
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, org_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.OrgID, task.Name, task.Status, task.TimeoutMinutes,
		task.StartedAt, task.CompletedAt, task.CreatedAt, task.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

func (s *SQLiteStore) ListTasks(ctx context.Context, orgID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM tasks WHERE org_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var started, completed any
	if status == StatusRunning {
		started = now
	}
	if !RunnableActionable(status) {
		completed = now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(completed_at, ?)
		 WHERE id = ?`,
		status, now, started, completed, id)
	return err
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&t.ID, &t.OrgID, &t.Name, &t.Status, &t.TimeoutMinutes,
		&startedAt, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

// Workflow runs

func (s *SQLiteStore) CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = StatusCreated
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_runs (id, org_id, workflow_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrgID, run.WorkflowID, run.Name, run.Status, run.TimeoutMinutes,
		run.StartedAt, run.CompletedAt, run.CreatedAt, run.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, workflow_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM workflow_runs WHERE id = ?`, id)
	run, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListWorkflowRuns(ctx context.Context, orgID string) ([]WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, workflow_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM workflow_runs WHERE org_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []WorkflowRun
	for rows.Next() {
		r, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) UpdateWorkflowRunStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var started, completed any
	if status == StatusRunning {
		started = now
	}
	if !RunnableActionable(status) {
		completed = now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, updated_at = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(completed_at, ?)
		 WHERE id = ?`,
		status, now, started, completed, id)
	return err
}

func scanWorkflowRun(row rowScanner) (*WorkflowRun, error) {
	var r WorkflowRun
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.OrgID, &r.WorkflowID, &r.Name, &r.Status, &r.TimeoutMinutes,
		&startedAt, &completedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		r.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return &r, nil
}

// Browser sessions

func (s *SQLiteStore) CreateBrowserSession(ctx context.Context, sess *BrowserSession) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = SessionProvisioning
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO browser_sessions (id, org_id, status, address, runnable_type, runnable_id, timeout_minutes, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OrgID, sess.Status, sess.Address, sess.RunnableType, sess.RunnableID,
		sess.TimeoutMinutes, sess.StartedAt, sess.CompletedAt, sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *SQLiteStore) GetBrowserSession(ctx context.Context, id string) (*BrowserSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, status, address, runnable_type, runnable_id, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM browser_sessions WHERE id = ?`, id)
	sess, err := scanBrowserSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (s *SQLiteStore) ListBrowserSessions(ctx context.Context, orgID string) ([]BrowserSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, status, address, runnable_type, runnable_id, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM browser_sessions WHERE org_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []BrowserSession
	for rows.Next() {
		sess, err := scanBrowserSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateBrowserSessionStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var started, completed any
	if status == SessionActive {
		started = now
	}
	if !SessionActionable(status) {
		completed = now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE browser_sessions SET status = ?, updated_at = ?,
			started_at = COALESCE(started_at, ?),
			completed_at = COALESCE(completed_at, ?)
		 WHERE id = ?`,
		status, now, started, completed, id)
	return err
}

func (s *SQLiteStore) SetBrowserSessionAddress(ctx context.Context, id, address string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE browser_sessions SET address = ?, updated_at = ? WHERE id = ?`,
		address, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) GetActiveSessionForRunnable(ctx context.Context, runnableType, runnableID string) (*BrowserSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, status, address, runnable_type, runnable_id, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM browser_sessions
		 WHERE runnable_type = ? AND runnable_id = ? AND status IN (?, ?)
		 ORDER BY created_at DESC LIMIT 1`,
		runnableType, runnableID, SessionProvisioning, SessionActive)
	sess, err := scanBrowserSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func scanBrowserSession(row rowScanner) (*BrowserSession, error) {
	var sess BrowserSession
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.OrgID, &sess.Status, &sess.Address,
		&sess.RunnableType, &sess.RunnableID, &sess.TimeoutMinutes,
		&startedAt, &completedAt, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if startedAt.Valid {
		sess.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return &sess, nil
}

// API keys

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, org_id, name, key_hash, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		key.ID, key.OrgID, key.Name, key.KeyHash, key.CreatedAt, key.LastUsedAt)
	return err
}

func (s *SQLiteStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, key_hash, created_at, last_used_at
		 FROM api_keys WHERE key_hash = ?`, keyHash)
	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return key, err
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context, orgID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, key_hash, created_at, last_used_at
		 FROM api_keys WHERE org_id = ? ORDER BY created_at DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, *k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return err
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var k APIKey
	var lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.OrgID, &k.Name, &k.KeyHash, &k.CreatedAt, &lastUsed)
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		k.LastUsedAt = &lastUsed.Time
	}
	return &k, nil
}

// Audit

func (s *SQLiteStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, org_id, actor_type, actor_id, action, target_type, target_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.OrgID, event.ActorType, event.ActorID, event.Action,
		event.TargetType, event.TargetID, event.Detail, event.CreatedAt)
	return err
}

func (s *SQLiteStore) ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, actor_type, actor_id, action, target_type, target_id, detail, created_at
		 FROM audit_events WHERE org_id = ?
		 ORDER BY created_at DESC LIMIT ? OFFSET ?`, orgID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.OrgID, &e.ActorType, &e.ActorID, &e.Action,
			&e.TargetType, &e.TargetID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
