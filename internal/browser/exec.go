// Package browser maintains execution channels into remote Chromium
// instances over CDP. An execution channel carries the scripted side of a
// relay channel: reading the page selection for clipboard copy and
// injecting text for clipboard paste.
package browser

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/glasspilot-ai/glasspilot/internal/config"
)

const reconnectAttempts = 3

// State describes the health of an execution channel.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Manager owns the embedded Playwright runtime and dials execution
// channels. The runtime download happens once, on first use, so relays
// that never need scripted access pay nothing.
type Manager struct {
	connectTimeout time.Duration
	opTimeout      time.Duration
	logger         *slog.Logger

	once    sync.Once
	onceErr error
	pw      *playwright.Playwright
}

// NewManager creates a Manager.
func NewManager(cfg config.BrowserConfig, logger *slog.Logger) *Manager {
	return &Manager{
		connectTimeout: cfg.ConnectTimeout.Duration,
		opTimeout:      cfg.OpTimeout.Duration,
		logger:         logger,
	}
}

func (m *Manager) runtime() (*playwright.Playwright, error) {
	m.once.Do(func() {
		// Driver output would tear the TUI, discard it.
		opts := &playwright.RunOptions{
			Verbose: false,
			Stdout:  io.Discard,
			Stderr:  io.Discard,
		}
		if err := playwright.Install(opts); err != nil {
			m.onceErr = fmt.Errorf("install playwright driver: %w", err)
			return
		}
		pw, err := playwright.Run(opts)
		if err != nil {
			m.onceErr = fmt.Errorf("start playwright driver: %w", err)
			return
		}
		m.pw = pw
	})
	return m.pw, m.onceErr
}

// connect attaches to the remote browser at addr and picks the page the
// automation is driving, which is the most recently opened one.
func (m *Manager) connect(addr string) (playwright.Browser, playwright.Page, error) {
	pw, err := m.runtime()
	if err != nil {
		return nil, nil, err
	}

	timeout := float64(m.connectTimeout.Milliseconds())
	browser, err := pw.Chromium.ConnectOverCDP("http://"+addr, playwright.BrowserTypeConnectOverCDPOptions{
		Timeout: &timeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to browser at %s: %w", addr, err)
	}

	contexts := browser.Contexts()
	if len(contexts) == 0 {
		_ = browser.Close()
		return nil, nil, fmt.Errorf("browser at %s has no context", addr)
	}
	pages := contexts[0].Pages()
	if len(pages) == 0 {
		_ = browser.Close()
		return nil, nil, fmt.Errorf("browser at %s has no page", addr)
	}

	return browser, pages[len(pages)-1], nil
}

// Dial opens an execution channel to the browser at addr.
func (m *Manager) Dial(ctx context.Context, addr string) (*ExecChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	browser, page, err := m.connect(addr)
	if err != nil {
		return nil, err
	}

	c := &ExecChannel{
		manager: m,
		addr:    addr,
		logger:  m.logger.With("browser", addr),
	}
	gen := c.adopt(browser, page)
	c.watch(browser, gen)
	return c, nil
}

// ExecChannel is a live scripted link to one remote browser page. It
// survives CDP drops by reconnecting in place; callers keep their handle.
type ExecChannel struct {
	manager *Manager
	addr    string
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	gen     uint64
	browser playwright.Browser
	page    playwright.Page
	closed  bool
}

// Addr returns the browser address this channel is attached to.
func (c *ExecChannel) Addr() string { return c.addr }

// State returns the current channel state.
func (c *ExecChannel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// adopt installs a fresh browser connection and returns its generation.
func (c *ExecChannel) adopt(browser playwright.Browser, page playwright.Page) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.browser = browser
	c.page = page
	c.state = StateConnected
	return c.gen
}

func (c *ExecChannel) watch(browser playwright.Browser, gen uint64) {
	browser.OnDisconnected(func(playwright.Browser) {
		if c.beginReconnect(gen) {
			go c.reconnect()
		}
	})
}

// beginReconnect transitions to reconnecting if the drop belongs to the
// current generation. Stale disconnect events from replaced connections
// are ignored, as is everything after Close.
func (c *ExecChannel) beginReconnect(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen || c.state != StateConnected {
		return false
	}
	c.state = StateReconnecting
	return true
}

func (c *ExecChannel) reconnect() {
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		time.Sleep(time.Duration(attempt) * time.Second)
		if c.isClosed() {
			return
		}

		browser, page, err := c.manager.connect(c.addr)
		if err != nil {
			c.logger.Warn("browser reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		gen := c.adopt(browser, page)
		c.watch(browser, gen)
		c.logger.Info("browser link restored", "attempt", attempt)
		return
	}
	c.fail()
}

// fail marks the channel permanently broken after reconnect attempts ran out.
func (c *ExecChannel) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state != StateReconnecting {
		return
	}
	c.state = StateFailed
	c.logger.Error("browser link failed, giving up")
}

func (c *ExecChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down the channel. Safe to call more than once.
func (c *ExecChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.state = StateDisconnected
	browser := c.browser
	c.browser = nil
	c.page = nil
	c.mu.Unlock()

	if browser != nil {
		return browser.Close()
	}
	return nil
}

func (c *ExecChannel) currentPage() (playwright.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil, fmt.Errorf("browser link %s", c.state)
	}
	if c.page == nil {
		return nil, fmt.Errorf("browser page unavailable")
	}
	return c.page, nil
}

// evaluate runs a script on the driven page, bounded by the operation
// timeout. The underlying call cannot be cancelled; an expired context
// abandons the result.
func (c *ExecChannel) evaluate(ctx context.Context, script string, arg ...any) (any, error) {
	page, err := c.currentPage()
	if err != nil {
		return nil, err
	}

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := page.Evaluate(script, arg...)
		done <- result{value, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, c.manager.opTimeout)
	defer cancel()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

const readSelectionScript = `() => {
	const sel = window.getSelection ? String(window.getSelection()) : '';
	if (sel) return sel;
	const el = document.activeElement;
	if (el && (el.tagName === 'INPUT' || el.tagName === 'TEXTAREA') && el.selectionStart !== el.selectionEnd) {
		return el.value.substring(el.selectionStart, el.selectionEnd);
	}
	return '';
}`

// ReadSelectedText returns the text currently selected in the remote page.
// Pages without a selection yield an empty string, not an error.
func (c *ExecChannel) ReadSelectedText(ctx context.Context) (string, error) {
	value, err := c.evaluate(ctx, readSelectionScript)
	if err != nil {
		return "", fmt.Errorf("read selection: %w", err)
	}
	text, ok := value.(string)
	if !ok {
		return "", nil
	}
	return text, nil
}

const pasteScript = `(text) => {
	const el = document.activeElement;
	if (!el) return false;
	if (el.isContentEditable) {
		document.execCommand('insertText', false, text);
		return true;
	}
	if (el.tagName === 'INPUT' || el.tagName === 'TEXTAREA') {
		const start = el.selectionStart === null ? el.value.length : el.selectionStart;
		const end = el.selectionEnd === null ? el.value.length : el.selectionEnd;
		el.value = el.value.slice(0, start) + text + el.value.slice(end);
		const pos = start + text.length;
		el.setSelectionRange(pos, pos);
		el.dispatchEvent(new Event('input', { bubbles: true }));
		return true;
	}
	return false;
}`

// PasteText inserts text at the focused element of the remote page. The
// page must have an editable element focused; otherwise the paste is a
// no-op and PasteText reports nothing, matching how a real paste into a
// non-editable target behaves.
func (c *ExecChannel) PasteText(ctx context.Context, text string) error {
	if _, err := c.evaluate(ctx, pasteScript, text); err != nil {
		return fmt.Errorf("paste text: %w", err)
	}
	return nil
}
