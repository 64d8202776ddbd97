package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPipe returns the two ends of a live websocket connection. Both ends
// are closed when the test finishes.
func wsPipe(t *testing.T) (client, server *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverCh <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	server = <-serverCh
	t.Cleanup(func() { _ = server.Close() })
	return client, server
}

func TestLatePongCannotStallTeardown(t *testing.T) {
	_, server := wsPipe(t)

	core := &channelCore{conn: server, logger: testLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core.startKeepalive(ctx)

	core.interruptRead()

	// A pong processed after the interrupt must not push the read
	// deadline back out; the poked deadline has to hold so the read
	// loop can unwind and deliver the close frame.
	if err := server.PongHandler()("late"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := server.ReadMessage()
		done <- err
	}()
	select {
	case err := <-done:
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Timeout() {
			t.Errorf("read error = %v, want a deadline timeout", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("client read still blocked after the interrupt")
	}
}

func TestInterruptReadWakesBlockedRead(t *testing.T) {
	_, server := wsPipe(t)

	core := &channelCore{conn: server, logger: testLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	core.startKeepalive(ctx)

	done := make(chan error, 1)
	go func() {
		_, _, err := server.ReadMessage()
		done <- err
	}()

	// Let the goroutine park in the read before poking.
	time.Sleep(20 * time.Millisecond)
	core.interruptRead()

	select {
	case err := <-done:
		if err == nil {
			t.Error("read returned nil after interrupt")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("read never woke after the interrupt")
	}
}
