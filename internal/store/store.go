// Package store defines the persistence interface for the relay control
// plane and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"net"
	"time"
)

// Task and workflow run statuses.
const (
	StatusCreated    = "created"
	StatusQueued     = "queued"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
	StatusCanceled   = "canceled"
	StatusTimedOut   = "timed_out"
)

// Browser session statuses.
const (
	SessionProvisioning = "provisioning"
	SessionActive       = "active"
	SessionCompleted    = "completed"
	SessionFailed       = "failed"
	SessionTimedOut     = "timed_out"
)

// RunnableActionable reports whether a task or workflow run status still
// admits control-plane interaction.
func RunnableActionable(status string) bool {
	switch status {
	case StatusCreated, StatusQueued, StatusRunning, StatusPaused:
		return true
	}
	return false
}

// SessionActionable reports whether a browser session status still admits
// control-plane interaction.
func SessionActionable(status string) bool {
	switch status {
	case SessionProvisioning, SessionActive:
		return true
	}
	return false
}

// Task is a single automated browser job.
type Task struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AnchorID returns the task id.
func (t *Task) AnchorID() string { return t.ID }

// AnchorKind returns the anchor kind for tasks.
func (t *Task) AnchorKind() string { return "task" }

// WorkflowRun is one execution of a multi-step workflow.
type WorkflowRun struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	WorkflowID     string     `json:"workflow_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AnchorID returns the workflow run id.
func (w *WorkflowRun) AnchorID() string { return w.ID }

// AnchorKind returns the anchor kind for workflow runs.
func (w *WorkflowRun) AnchorKind() string { return "workflow_run" }

// BrowserSession is a provisioned remote browser bound to a runnable.
type BrowserSession struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	Status         string     `json:"status"`
	Address        string     `json:"address"`
	RunnableType   string     `json:"runnable_type"`
	RunnableID     string     `json:"runnable_id"`
	TimeoutMinutes int        `json:"timeout_minutes"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// AnchorID returns the session id.
func (s *BrowserSession) AnchorID() string { return s.ID }

// AnchorKind returns the anchor kind for browser sessions.
func (s *BrowserSession) AnchorKind() string { return "browser_session" }

// Host returns the host portion of the session address. The address stores
// the CDP endpoint as host:port; the framebuffer relay listens on a fixed
// port on the same host.
func (s *BrowserSession) Host() string {
	if s.Address == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(s.Address)
	if err != nil {
		return s.Address
	}
	return host
}

// APIKey is a long-lived machine credential. Only the SHA-256 hash of the
// key material is stored.
type APIKey struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	Name       string     `json:"name"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// AuditEvent records a control-plane action for compliance review.
type AuditEvent struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	ActorType  string    `json:"actor_type"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the persistence interface for the relay control plane.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, orgID string) ([]Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) error

	// Workflow runs
	CreateWorkflowRun(ctx context.Context, run *WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error)
	ListWorkflowRuns(ctx context.Context, orgID string) ([]WorkflowRun, error)
	UpdateWorkflowRunStatus(ctx context.Context, id, status string) error

	// Browser sessions
	CreateBrowserSession(ctx context.Context, sess *BrowserSession) error
	GetBrowserSession(ctx context.Context, id string) (*BrowserSession, error)
	ListBrowserSessions(ctx context.Context, orgID string) ([]BrowserSession, error)
	UpdateBrowserSessionStatus(ctx context.Context, id, status string) error
	SetBrowserSessionAddress(ctx context.Context, id, address string) error
	GetActiveSessionForRunnable(ctx context.Context, runnableType, runnableID string) (*BrowserSession, error)

	// API keys
	CreateAPIKey(ctx context.Context, key *APIKey) error
	GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context, orgID string) ([]APIKey, error)
	TouchAPIKey(ctx context.Context, id string) error
	DeleteAPIKey(ctx context.Context, id string) error

	// Audit
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, orgID string, limit, offset int) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
