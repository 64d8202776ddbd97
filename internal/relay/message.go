package relay

import (
	"context"
	"fmt"

	"github.com/oklog/run"

	"github.com/glasspilot-ai/glasspilot/pkg/protocol"
)

const outboundQueueSize = 16

// MessageChannel carries JSON control traffic for one client: control
// handoff in, clipboard requests and payloads out.
type MessageChannel struct {
	*channelCore
	svc      *Service
	outbound chan protocol.ControlMessage
}

// IsOpen reports whether this channel is the live control entry for its
// client id.
func (c *MessageChannel) IsOpen() bool {
	return c.openAndValid() && c.registry.rawMessage(c.clientID) == c
}

// Send queues an outbound control message. It never blocks the caller; a
// full queue drops the message.
func (c *MessageChannel) Send(msg protocol.ControlMessage) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.outbound <- msg:
		return true
	default:
		c.logger.Warn("control channel backlogged, dropping message", "kind", msg.Kind)
		return false
	}
}

// readLoop consumes inbound control messages. Malformed payloads and
// unknown kinds are discarded without disturbing the channel.
func (c *MessageChannel) readLoop() error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("control read: %w", err)
		}
		msg, err := protocol.DecodeControl(data)
		if err != nil {
			c.logger.Debug("discarding malformed control message", "error", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *MessageChannel) handleMessage(msg protocol.ControlMessage) {
	switch msg.Kind {
	case protocol.KindTakeControl:
		if relay := c.sibling(msg.Kind); relay != nil {
			relay.SetInteractor(InteractorUser)
			c.svc.audit(c.orgID, c.actorType, c.actorID, auditControlTaken, c.anchorKind, c.anchorID, "")
		}
	case protocol.KindCedeControl:
		if relay := c.sibling(msg.Kind); relay != nil {
			relay.SetInteractor(InteractorAgent)
			c.svc.audit(c.orgID, c.actorType, c.actorID, auditControlCeded, c.anchorKind, c.anchorID, "")
		}
	case protocol.KindAskForClipboardResponse:
		if relay := c.sibling(msg.Kind); relay != nil {
			relay.DeliverClipboard(msg.Text)
		}
	default:
		c.logger.Debug("ignoring unknown control message", "kind", msg.Kind)
	}
}

// sibling returns the relay channel with the same client id. A control
// action that arrives without one is abandoned, and the abandonment is
// logged.
func (c *MessageChannel) sibling(kind string) *VNCChannel {
	relay := c.registry.Relay(c.clientID)
	if relay == nil {
		c.logger.Debug("abandoning control message, no relay channel", "kind", kind)
	}
	return relay
}

func (c *MessageChannel) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-c.outbound:
			c.writeMu.Lock()
			err := c.conn.WriteJSON(msg)
			c.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("control write: %w", err)
			}
		}
	}
}

// run drives the channel until any leg fails or the anchor dies.
func (c *MessageChannel) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.startKeepalive(ctx)

	var g run.Group
	g.Add(func() error {
		return wrapLoop("verification", c.runVerification(ctx))
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return wrapLoop("client", c.readLoop())
	}, func(error) {
		c.interruptRead()
	})
	g.Add(func() error {
		return wrapLoop("client", c.writeLoop(ctx))
	}, func(error) {
		cancel()
	})

	err := g.Run()
	cancel()
	return err
}
