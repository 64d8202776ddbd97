// Package verify resolves channel anchors to live execution contexts and
// re-checks them for the lifetime of a channel. A channel stays open only
// while its anchor entity exists, remains actionable, and maps to an
// addressable browser session.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glasspilot-ai/glasspilot/internal/store"
)

// Anchor kinds accepted at handshake.
const (
	KindTask           = "task"
	KindWorkflowRun    = "workflow_run"
	KindBrowserSession = "browser_session"
)

// ValidKind reports whether kind names a known anchor kind.
func ValidKind(kind string) bool {
	switch kind {
	case KindTask, KindWorkflowRun, KindBrowserSession:
		return true
	}
	return false
}

// Anchor is the entity a channel is bound to.
type Anchor interface {
	AnchorID() string
	AnchorKind() string
}

// Outcome is the result of one verification pass.
//
// Reason is empty while the anchor entity is valid; a non-empty Reason
// means the anchor is gone for good and the channel must close. Session is
// the addressable execution context, or nil when none is reachable yet.
// The two are independent: a valid task may not have a session while its
// browser is still provisioning.
type Outcome struct {
	Anchor  Anchor
	Session *store.BrowserSession
	Reason  string
}

// Addressable reports whether the outcome carries a dialable context.
func (o *Outcome) Addressable() bool {
	return o.Session != nil
}

// Verifier checks anchors against the control-plane store.
type Verifier struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Verifier.
func New(s store.Store, logger *slog.Logger) *Verifier {
	return &Verifier{store: s, logger: logger}
}

// Verify runs one verification pass for the given anchor. Store failures
// are returned as errors and do not judge the anchor either way; callers
// treat them as a skipped pass.
func (v *Verifier) Verify(ctx context.Context, kind, id, orgID string) (*Outcome, error) {
	switch kind {
	case KindTask:
		return v.verifyTask(ctx, id, orgID)
	case KindWorkflowRun:
		return v.verifyWorkflowRun(ctx, id, orgID)
	case KindBrowserSession:
		return v.verifyBrowserSession(ctx, id, orgID)
	default:
		return nil, fmt.Errorf("unknown anchor kind: %q", kind)
	}
}

func (v *Verifier) verifyTask(ctx context.Context, id, orgID string) (*Outcome, error) {
	task, err := v.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	// Entities in other orgs look identical to missing ones.
	if task == nil || task.OrgID != orgID {
		return &Outcome{Reason: "task not found"}, nil
	}
	if !store.RunnableActionable(task.Status) {
		return &Outcome{Anchor: task, Reason: "task " + task.Status}, nil
	}
	if v.overdue("task", task.ID, task.StartedAt, task.TimeoutMinutes) {
		return &Outcome{Anchor: task, Reason: "task timed out"}, nil
	}

	sess, err := v.activeSession(ctx, KindTask, id, orgID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Anchor: task, Session: sess}, nil
}

func (v *Verifier) verifyWorkflowRun(ctx context.Context, id, orgID string) (*Outcome, error) {
	run, err := v.store.GetWorkflowRun(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	if run == nil || run.OrgID != orgID {
		return &Outcome{Reason: "workflow run not found"}, nil
	}
	if !store.RunnableActionable(run.Status) {
		return &Outcome{Anchor: run, Reason: "workflow run " + run.Status}, nil
	}
	if v.overdue("workflow_run", run.ID, run.StartedAt, run.TimeoutMinutes) {
		return &Outcome{Anchor: run, Reason: "workflow run timed out"}, nil
	}

	sess, err := v.activeSession(ctx, KindWorkflowRun, id, orgID)
	if err != nil {
		return nil, err
	}
	return &Outcome{Anchor: run, Session: sess}, nil
}

func (v *Verifier) verifyBrowserSession(ctx context.Context, id, orgID string) (*Outcome, error) {
	sess, err := v.store.GetBrowserSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get browser session: %w", err)
	}
	if sess == nil || sess.OrgID != orgID {
		return &Outcome{Reason: "browser session not found"}, nil
	}
	if !store.SessionActionable(sess.Status) {
		return &Outcome{Anchor: sess, Reason: "browser session " + sess.Status}, nil
	}
	if v.overdue("browser_session", sess.ID, sess.StartedAt, sess.TimeoutMinutes) {
		return &Outcome{Anchor: sess, Reason: "browser session timed out"}, nil
	}

	out := &Outcome{Anchor: sess}
	if sess.Address != "" {
		out.Session = sess
	}
	return out, nil
}

// activeSession finds the addressable browser session bound to a runnable,
// or nil when none is reachable yet.
func (v *Verifier) activeSession(ctx context.Context, runnableType, runnableID, orgID string) (*store.BrowserSession, error) {
	sess, err := v.store.GetActiveSessionForRunnable(ctx, runnableType, runnableID)
	if err != nil {
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if sess == nil || sess.OrgID != orgID || sess.Address == "" {
		return nil, nil
	}
	return sess, nil
}

// overdue reports whether a runnable blew past its timeout without reaching
// a terminal status. The backend sweeper should have finalized it by then,
// so this state is logged as an inconsistency before it invalidates the
// anchor.
func (v *Verifier) overdue(kind, id string, startedAt *time.Time, timeoutMinutes int) bool {
	if startedAt == nil || timeoutMinutes <= 0 {
		return false
	}
	deadline := startedAt.Add(time.Duration(timeoutMinutes) * time.Minute)
	if !time.Now().After(deadline) {
		return false
	}
	v.logger.Warn("anchor exceeded timeout but never reached a final status",
		"kind", kind,
		"id", id,
		"deadline", deadline)
	return true
}
