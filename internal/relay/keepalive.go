package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// Keepalive timing for the client leg. The peer is pinged every
// pingInterval and must answer within pongWait or the read deadline
// ends the channel.
const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// startKeepalive arms websocket ping/pong on the client leg. Pongs push
// the read deadline back until interruptRead marks the channel as
// draining; pings take the channel's write mutex like every other
// write. The ping goroutine stops when ctx is canceled.
func (c *channelCore) startKeepalive(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.deadlineMu.Lock()
		defer c.deadlineMu.Unlock()
		if c.draining {
			return nil
		}
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(closeWriteTimeout))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
}

// interruptRead wakes a blocked client read and keeps it awake. The
// draining flag and the deadline poke share a lock with the pong
// handler, so a pong in flight cannot re-arm the deadline after the
// poke lands.
func (c *channelCore) interruptRead() {
	c.deadlineMu.Lock()
	defer c.deadlineMu.Unlock()
	c.draining = true
	_ = c.conn.SetReadDeadline(time.Now())
}
