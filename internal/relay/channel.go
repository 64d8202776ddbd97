package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glasspilot-ai/glasspilot/internal/store"
	"github.com/glasspilot-ai/glasspilot/internal/verify"
)

// Interactor names who currently drives the remote browser.
const (
	InteractorUser  = "user"
	InteractorAgent = "agent"
)

const closeWriteTimeout = 5 * time.Second

// invalidationError carries the reason an anchor stopped admitting its
// channel. It travels out of the verification loop and becomes the close
// frame reason.
type invalidationError struct {
	reason string
}

func (e *invalidationError) Error() string { return e.reason }

// loopError names which channel loop finished first, so the close frame
// can say what actually ended the channel.
type loopError struct {
	name string
	err  error
}

func (e *loopError) Error() string { return e.name + ": " + e.err.Error() }

func (e *loopError) Unwrap() error { return e.err }

func wrapLoop(name string, err error) error {
	if err == nil {
		return nil
	}
	return &loopError{name: name, err: err}
}

// channelCore holds the state shared by relay and control channels: the
// websocket leg, the anchor binding, and the verification loop that keeps
// or kills the channel.
type channelCore struct {
	clientID   string
	orgID      string
	actorID    string
	actorType  string
	anchorKind string
	anchorID   string

	// needsAddress makes address loss fatal. Relay channels proxy the
	// framebuffer and die with it; control channels outlive provisioning
	// gaps as long as the anchor entity stays actionable.
	needsAddress bool

	conn     *websocket.Conn
	writeMu  sync.Mutex
	verifier *verify.Verifier
	registry *Registry
	interval time.Duration
	logger   *slog.Logger
	openedAt time.Time

	mu            sync.Mutex
	anchor        verify.Anchor
	session       *store.BrowserSession
	invalidReason string

	// deadlineMu serializes the pong handler's deadline re-arm against
	// the teardown poke in interruptRead.
	deadlineMu sync.Mutex
	draining   bool

	closed    atomic.Bool
	closeOnce sync.Once
}

// applyOutcome folds one verification pass into the channel. A channel
// that has been invalidated never becomes valid again, later outcomes are
// discarded.
func (c *channelCore) applyOutcome(out *verify.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidReason != "" {
		return
	}
	c.anchor = out.Anchor
	c.session = out.Session
	if out.Reason != "" {
		c.invalidReason = out.Reason
	}
}

// invalidate records the first invalidation reason.
func (c *channelCore) invalidate(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.invalidReason == "" {
		c.invalidReason = reason
	}
}

func (c *channelCore) invalidated() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidReason
}

func (c *channelCore) snapshotSession() *store.BrowserSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// openAndValid covers the channel-local half of being open; the registry
// half lives on the concrete channel types.
func (c *channelCore) openAndValid() bool {
	if c.closed.Load() {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchor != nil && c.invalidReason == ""
}

// runVerification re-checks the anchor at the configured interval for the
// lifetime of the channel. Store failures skip the pass; the channel only
// closes on a definitive answer.
func (c *channelCore) runVerification(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			out, err := c.verifier.Verify(ctx, c.anchorKind, c.anchorID, c.orgID)
			if err != nil {
				c.logger.Warn("verification pass failed", "error", err)
				continue
			}
			c.applyOutcome(out)
			if reason := c.invalidated(); reason != "" {
				return &invalidationError{reason: reason}
			}
			if c.needsAddress && !out.Addressable() {
				c.invalidate("execution context lost")
				return &invalidationError{reason: "execution context lost"}
			}
		}
	}
}

// closeWith sends a close frame and tears down the websocket. Only the
// first close wins; later calls are no-ops.
func (c *channelCore) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

// dropConn closes the websocket without a close frame, for teardown paths
// where the peer is already gone.
func (c *channelCore) dropConn() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.conn.Close()
	})
}

// abort invalidates and closes immediately, used when a newer channel
// displaces this one.
func (c *channelCore) abort(reason string) {
	c.invalidate(reason)
	c.closeWith(websocket.CloseNormalClosure, reason)
}

// closeDisposition maps the first loop error of a channel to the close
// frame to send, if any.
func closeDisposition(err error) (code int, reason string, send bool) {
	if err == nil {
		return websocket.CloseNormalClosure, "", false
	}

	var inv *invalidationError
	if errors.As(err, &inv) {
		return websocket.CloseNormalClosure, inv.reason, true
	}

	name := "relay"
	var le *loopError
	if errors.As(err, &le) {
		name = le.name
	}

	var ce *websocket.CloseError
	switch {
	case errors.Is(err, context.Canceled):
		return websocket.CloseNormalClosure, "server shutting down", true
	case name == "client":
		// The client leg ended first; there is no peer left to notify.
		return websocket.CloseNormalClosure, "", false
	case errors.As(err, &ce):
		return websocket.CloseNormalClosure, name + " closed", true
	default:
		return websocket.CloseNormalClosure, name + " connection lost", true
	}
}
