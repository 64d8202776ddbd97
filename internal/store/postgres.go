package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a new PostgreSQL store and runs migrations.
func NewPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *PostgresStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'created',
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_org ON tasks(org_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'created',
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_runs_org ON workflow_runs(org_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS browser_sessions (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'provisioning',
			address TEXT NOT NULL DEFAULT '',
			runnable_type TEXT NOT NULL,
			runnable_id TEXT NOT NULL,
			timeout_minutes INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_browser_sessions_runnable
			ON browser_sessions(runnable_type, runnable_id)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			key_hash TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_used_at TIMESTAMPTZ
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
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_org ON audit_events(org_id, created_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("run migration: %w", err)
		}
	}

	return nil
}

// Tasks

func (s *PostgresStore) CreateTask(ctx context.Context, task *Task) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.OrgID, task.Name, task.Status, task.TimeoutMinutes,
		task.StartedAt, task.CompletedAt, task.CreatedAt, task.UpdatedAt)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

func (s *PostgresStore) ListTasks(ctx context.Context, orgID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM tasks WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
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

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var started, completed any
	if status == StatusRunning {
		started = now
	}
	if !RunnableActionable(status) {
		completed = now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1, updated_at = $2,
			started_at = COALESCE(started_at, $3),
			completed_at = COALESCE(completed_at, $4)
		 WHERE id = $5`,
		status, now, started, completed, id)
	return err
}

// Workflow runs

func (s *PostgresStore) CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.OrgID, run.WorkflowID, run.Name, run.Status, run.TimeoutMinutes,
		run.StartedAt, run.CompletedAt, run.CreatedAt, run.UpdatedAt)
	return err
}

func (s *PostgresStore) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, workflow_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM workflow_runs WHERE id = $1`, id)
	run, err := scanWorkflowRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *PostgresStore) ListWorkflowRuns(ctx context.Context, orgID string) ([]WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, workflow_id, name, status, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM workflow_runs WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
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

func (s *PostgresStore) UpdateWorkflowRunStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var started, completed any
	if status == StatusRunning {
		started = now
	}
	if !RunnableActionable(status) {
		completed = now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = $1, updated_at = $2,
			started_at = COALESCE(started_at, $3),
			completed_at = COALESCE(completed_at, $4)
		 WHERE id = $5`,
		status, now, started, completed, id)
	return err
}

// Browser sessions

func (s *PostgresStore) CreateBrowserSession(ctx context.Context, sess *BrowserSession) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.OrgID, sess.Status, sess.Address, sess.RunnableType, sess.RunnableID,
		sess.TimeoutMinutes, sess.StartedAt, sess.CompletedAt, sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *PostgresStore) GetBrowserSession(ctx context.Context, id string) (*BrowserSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, status, address, runnable_type, runnable_id, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM browser_sessions WHERE id = $1`, id)
	sess, err := scanBrowserSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

func (s *PostgresStore) ListBrowserSessions(ctx context.Context, orgID string) ([]BrowserSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, status, address, runnable_type, runnable_id, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM browser_sessions WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
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

func (s *PostgresStore) UpdateBrowserSessionStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC()
	var started, completed any
	if status == SessionActive {
		started = now
	}
	if !SessionActionable(status) {
		completed = now
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE browser_sessions SET status = $1, updated_at = $2,
			started_at = COALESCE(started_at, $3),
			completed_at = COALESCE(completed_at, $4)
		 WHERE id = $5`,
		status, now, started, completed, id)
	return err
}

func (s *PostgresStore) SetBrowserSessionAddress(ctx context.Context, id, address string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE browser_sessions SET address = $1, updated_at = $2 WHERE id = $3`,
		address, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) GetActiveSessionForRunnable(ctx context.Context, runnableType, runnableID string) (*BrowserSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, status, address, runnable_type, runnable_id, timeout_minutes, started_at, completed_at, created_at, updated_at
		 FROM browser_sessions
		 WHERE runnable_type = $1 AND runnable_id = $2 AND status IN ($3, $4)
		 ORDER BY created_at DESC LIMIT 1`,
		runnableType, runnableID, SessionProvisioning, SessionActive)
	sess, err := scanBrowserSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sess, err
}

// API keys

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, org_id, name, key_hash, created_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.OrgID, key.Name, key.KeyHash, key.CreatedAt, key.LastUsedAt)
	return err
}

func (s *PostgresStore) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, key_hash, created_at, last_used_at
		 FROM api_keys WHERE key_hash = $1`, keyHash)
	key, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return key, err
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, orgID string) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, name, key_hash, created_at, last_used_at
		 FROM api_keys WHERE org_id = $1 ORDER BY created_at DESC`, orgID)
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

func (s *PostgresStore) TouchAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

// Audit

func (s *PostgresStore) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, org_id, actor_type, actor_id, action, target_type, target_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.OrgID, event.ActorType, event.ActorID, event.Action,
		event.TargetType, event.TargetID, event.Detail, event.CreatedAt)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, org_id, actor_type, actor_id, action, target_type, target_id, detail, created_at
		 FROM audit_events WHERE org_id = $1
		 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, orgID, limit, offset)
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

func (s *PostgresStore) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
