package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/run"

	"github.com/glasspilot-ai/glasspilot/internal/rfb"
	"github.com/glasspilot-ai/glasspilot/pkg/protocol"
)

// pasteResponseTimeout bounds how long a paste request waits for the
// client clipboard. A stale request would otherwise hold the single
// in-flight slot forever.
const pasteResponseTimeout = 30 * time.Second

// Commander is the scripted side of a relay channel: selection reads for
// clipboard copy and text injection for clipboard paste.
type Commander interface {
	ReadSelectedText(ctx context.Context) (string, error)
	PasteText(ctx context.Context, text string) error
	Close() error
}

// CommanderDial opens a Commander to the browser at addr.
type CommanderDial func(ctx context.Context, addr string) (Commander, error)

// VNCChannel proxies framebuffer traffic between one viewer and the
// remote browser's display, applying the input policy frame by frame. The
// remote leg is the websockified VNC endpoint on the browser host.
type VNCChannel struct {
	*channelCore
	svc    *Service
	remote *websocket.Conn

	// keys is only touched by the client reader goroutine.
	keys rfb.KeyState

	interactorMu sync.Mutex
	interactor   string

	execMu   sync.Mutex
	exec     Commander
	execDial CommanderDial

	pasteMu      sync.Mutex
	pasteArmed   bool
	pendingPaste chan string

	// lifetime bounds side-effect goroutines; set once before the pumps
	// start.
	lifetime context.Context
}

// IsOpen reports whether this channel is the live relay entry for its
// client id. A displaced or invalidated channel never reopens.
func (c *VNCChannel) IsOpen() bool {
	return c.openAndValid() && c.registry.rawRelay(c.clientID) == c
}

// Interactor returns who currently drives the remote browser.
func (c *VNCChannel) Interactor() string {
	c.interactorMu.Lock()
	defer c.interactorMu.Unlock()
	return c.interactor
}

// SetInteractor hands control to the given party. Takes effect for the
// very next input frame.
func (c *VNCChannel) SetInteractor(who string) {
	c.interactorMu.Lock()
	defer c.interactorMu.Unlock()
	c.interactor = who
}

// processFrame applies the input policy to one client frame and reports
// whether it may reach the remote framebuffer.
//
// Right-button pointer events and Ctrl+O never pass, no matter who is
// interacting. Copy and paste chords fire their clipboard side effects
// for every interactor and then continue through the remaining rules, so
// the chord keystrokes themselves only reach the browser when the user
// holds control. All other input is dropped unless the user is the
// interactor. Non-input traffic always passes.
func (c *VNCChannel) processFrame(frame []byte) bool {
	if !rfb.IsInput(frame) {
		return true
	}

	if rfb.MessageType(frame) == rfb.TypePointerEvent {
		if rfb.IsRightButton(frame) {
			return false
		}
	} else {
		ev, ok := rfb.ParseKeyEvent(frame)
		if !ok {
			return false
		}
		c.keys.Observe(ev)
		switch {
		case c.keys.IsCopyChord(ev):
			go c.copySelection(c.lifetime)
		case c.keys.IsPasteChord(ev):
			go c.requestPaste(c.lifetime)
		case c.keys.IsBlockedChord(ev):
			return false
		}
	}

	return c.Interactor() == InteractorUser
}

// copySelection reads the remote selection and ships it to the client
// clipboard via the control channel.
func (c *VNCChannel) copySelection(ctx context.Context) {
	cmd, err := c.commander(ctx)
	if err != nil {
		c.logger.Warn("clipboard copy unavailable", "error", err)
		return
	}
	text, err := cmd.ReadSelectedText(ctx)
	if err != nil {
		c.logger.Warn("clipboard copy failed", "error", err)
		return
	}

	sibling := c.registry.Message(c.clientID)
	if sibling == nil {
		c.logger.Debug("clipboard copy dropped, no control channel")
		return
	}
	if sibling.Send(protocol.CopiedText(text)) {
		c.svc.audit(c.orgID, c.actorType, c.actorID, auditClipboardCopied, c.anchorKind, c.anchorID, "")
	}
}

// requestPaste asks the client for its clipboard and injects the response
// into the remote page. At most one request is in flight per channel.
func (c *VNCChannel) requestPaste(ctx context.Context) {
	sibling := c.registry.Message(c.clientID)
	if sibling == nil {
		c.logger.Debug("clipboard paste dropped, no control channel")
		return
	}
	if !c.armPaste() {
		return
	}
	if !sibling.Send(protocol.AskForClipboard()) {
		c.disarmPaste()
		return
	}

	timer := time.NewTimer(pasteResponseTimeout)
	defer timer.Stop()
	select {
	case text := <-c.pendingPaste:
		c.applyPaste(ctx, text)
	case <-timer.C:
		c.disarmPaste()
		c.logger.Debug("clipboard response timed out")
	case <-ctx.Done():
		c.disarmPaste()
	}
}

func (c *VNCChannel) applyPaste(ctx context.Context, text string) {
	cmd, err := c.commander(ctx)
	if err != nil {
		c.logger.Warn("clipboard paste unavailable", "error", err)
		return
	}
	if err := cmd.PasteText(ctx, text); err != nil {
		c.logger.Warn("clipboard paste failed", "error", err)
		return
	}
	c.svc.audit(c.orgID, c.actorType, c.actorID, auditClipboardPasted, c.anchorKind, c.anchorID, "")
}

func (c *VNCChannel) armPaste() bool {
	c.pasteMu.Lock()
	defer c.pasteMu.Unlock()
	if c.pasteArmed {
		return false
	}
	c.pasteArmed = true
	return true
}

func (c *VNCChannel) disarmPaste() {
	c.pasteMu.Lock()
	defer c.pasteMu.Unlock()
	c.pasteArmed = false
	// Drop a response that raced the timeout.
	select {
	case <-c.pendingPaste:
	default:
	}
}

// DeliverClipboard hands client clipboard text to the waiting paste
// request. Unsolicited deliveries are dropped.
func (c *VNCChannel) DeliverClipboard(text string) bool {
	c.pasteMu.Lock()
	defer c.pasteMu.Unlock()
	if !c.pasteArmed {
		return false
	}
	c.pasteArmed = false
	select {
	case c.pendingPaste <- text:
		return true
	default:
		return false
	}
}

// commander returns the scripted browser link, dialing it on first use.
func (c *VNCChannel) commander(ctx context.Context) (Commander, error) {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	if c.exec != nil {
		return c.exec, nil
	}
	if c.execDial == nil {
		return nil, errors.New("no browser dialer configured")
	}
	sess := c.snapshotSession()
	if sess == nil {
		return nil, errors.New("no execution context")
	}
	cmd, err := c.execDial(ctx, sess.Address)
	if err != nil {
		return nil, err
	}
	c.exec = cmd
	return cmd, nil
}

func (c *VNCChannel) closeExec() {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	if c.exec != nil {
		_ = c.exec.Close()
		c.exec = nil
	}
}

// clientToRemote pumps viewer frames through the input policy into the
// framebuffer connection.
func (c *VNCChannel) clientToRemote() error {
	for {
		mt, frame, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("client read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if !c.processFrame(frame) {
			continue
		}
		if err := c.remote.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return fmt.Errorf("framebuffer write: %w", err)
		}
	}
}

// remoteToClient pumps framebuffer output to the viewer unchanged.
func (c *VNCChannel) remoteToClient() error {
	for {
		mt, frame, err := c.remote.ReadMessage()
		if err != nil {
			return fmt.Errorf("framebuffer read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		c.writeMu.Lock()
		err = c.conn.WriteMessage(websocket.BinaryMessage, frame)
		c.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("client write: %w", err)
		}
	}
}

// run drives the channel until any leg fails or the anchor dies, and
// returns the error of whichever loop finished first. Interrupts poke
// read deadlines rather than closing connections so the teardown path can
// still deliver a close frame.
func (c *VNCChannel) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.lifetime = ctx

	c.startKeepalive(ctx)

	var g run.Group
	g.Add(func() error {
		return wrapLoop("verification", c.runVerification(ctx))
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return wrapLoop("client", c.clientToRemote())
	}, func(error) {
		c.interruptRead()
	})
	g.Add(func() error {
		return wrapLoop("framebuffer", c.remoteToClient())
	}, func(error) {
		_ = c.remote.SetReadDeadline(time.Now())
	})

	err := g.Run()
	cancel()
	c.closeExec()
	_ = c.remote.Close()
	return err
}
