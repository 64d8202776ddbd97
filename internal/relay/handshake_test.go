package relay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glasspilot-ai/glasspilot/internal/auth"
	"github.com/glasspilot-ai/glasspilot/internal/config"
	"github.com/glasspilot-ai/glasspilot/internal/store"
	"github.com/glasspilot-ai/glasspilot/internal/verify"
	"github.com/glasspilot-ai/glasspilot/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, store.Store, *auth.Service) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	authSvc, err := auth.New(config.AuthConfig{
		JWTSecret: "test-secret-at-least-32-chars-long",
		JWTExpiry: config.Duration{Duration: time.Hour},
	}, st)
	if err != nil {
		t.Fatal(err)
	}

	logger := testLogger()
	cfg := config.RelayConfig{
		VerifyInterval:    config.Duration{Duration: 20 * time.Millisecond},
		HandshakeTimeout:  config.Duration{Duration: 250 * time.Millisecond},
		DialTimeout:       config.Duration{Duration: time.Second},
		RelayPort:         15900,
		MaxFrameBytes:     1 << 20,
		MaxMessageBytes:   256 << 10,
		MaxChannelsPerOrg: 10,
	}
	svc := NewService(cfg, nil, authSvc, verify.New(st, logger), st, nil, logger)
	return svc, st, authSvc
}

func seedRunningTask(t *testing.T, st store.Store, orgID string) *store.Task {
	t.Helper()
	task := &store.Task{OrgID: orgID, Name: "checkout", Status: store.StatusRunning}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return task
}

func seedActiveSession(t *testing.T, st store.Store, orgID, runnableType, runnableID, addr string) *store.BrowserSession {
	t.Helper()
	sess := &store.BrowserSession{
		OrgID:        orgID,
		Status:       store.SessionActive,
		Address:      addr,
		RunnableType: runnableType,
		RunnableID:   runnableID,
	}
	if err := st.CreateBrowserSession(context.Background(), sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func testIdentity(orgID string) *auth.Identity {
	return &auth.Identity{Subject: "user-1", Name: "Test User", OrgID: orgID, Method: "jwt"}
}

// newTestRelayChannel builds a relay channel bound to a task anchor without
// any websocket legs, for exercising the channel logic directly.
func newTestRelayChannel(t *testing.T, svc *Service, clientID, orgID string, task *store.Task, sess *store.BrowserSession) *VNCChannel {
	t.Helper()
	ch := svc.newVNCChannel(nil, nil, testIdentity(orgID), clientID, verify.KindTask, task.ID)
	ch.applyOutcome(&verify.Outcome{Anchor: task, Session: sess})
	ch.lifetime = context.Background()
	return ch
}

func newTestControlChannel(t *testing.T, svc *Service, clientID, orgID string, task *store.Task) *MessageChannel {
	t.Helper()
	ch := svc.newMessageChannel(nil, testIdentity(orgID), clientID, verify.KindTask, task.ID)
	ch.applyOutcome(&verify.Outcome{Anchor: task})
	return ch
}

func issueToken(t *testing.T, authSvc *auth.Service, orgID string) string {
	t.Helper()
	token, err := authSvc.IssueToken(orgID, "user-1", "Test User")
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func startWSServer(t *testing.T, svc *Service) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/v1/vnc", svc.HandleRelayWS)
	mux.HandleFunc("/ws/v1/control", svc.HandleControlWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsAddr(srv *httptest.Server, path string, query url.Values) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?" + query.Encode()
}

func dialWS(t *testing.T, srv *httptest.Server, path string, query url.Values) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsAddr(srv, path, query), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func dialRelay(t *testing.T, srv *httptest.Server, token, clientID, taskID string) *websocket.Conn {
	t.Helper()
	return dialWS(t, srv, "/ws/v1/vnc", url.Values{
		"token":     {token},
		"client_id": {clientID},
		"task_id":   {taskID},
	})
}

func dialControl(t *testing.T, srv *httptest.Server, token, clientID, taskID string) *websocket.Conn {
	t.Helper()
	return dialWS(t, srv, "/ws/v1/control", url.Values{
		"token":     {token},
		"client_id": {clientID},
		"task_id":   {taskID},
	})
}

// readCloseFrame reads until the peer's close frame arrives, skipping any
// data frames in between.
func readCloseFrame(t *testing.T, conn *websocket.Conn, within time.Duration) *websocket.CloseError {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(within))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected a close frame, got %v", err)
		}
		return ce
	}
}

// startFakeFramebuffer runs a websocket server standing in for the remote
// desktop endpoint: it emits one frame on connect and records every binary
// frame it receives.
func startFakeFramebuffer(t *testing.T, hello []byte) (host string, port int, received chan []byte) {
	t.Helper()
	received = make(chan []byte, 16)
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if len(hello) > 0 {
			if err := conn.WriteMessage(websocket.BinaryMessage, hello); err != nil {
				return
			}
		}
		for {
			mt, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				received <- frame
			}
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err = strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), port, received
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeParams(t *testing.T) {
	cases := []struct {
		name     string
		query    string
		wantKind string
		wantID   string
		wantErr  bool
	}{
		{"task anchor", "client_id=c1&task_id=t1", verify.KindTask, "t1", false},
		{"workflow run anchor", "client_id=c1&workflow_run_id=w1", verify.KindWorkflowRun, "w1", false},
		{"browser session anchor", "client_id=c1&browser_session_id=b1", verify.KindBrowserSession, "b1", false},
		{"missing client id", "task_id=t1", "", "", true},
		{"no anchor", "client_id=c1", "", "", true},
		{"two anchors", "client_id=c1&task_id=t1&browser_session_id=b1", "", "", true},
		{"three anchors", "client_id=c1&task_id=t1&workflow_run_id=w1&browser_session_id=b1", "", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/v1/vnc?"+tc.query, nil)
			clientID, kind, id, err := handshakeParams(req)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got kind=%q id=%q", kind, id)
				}
				return
			}
			if err != nil {
				t.Fatalf("handshakeParams: %v", err)
			}
			if clientID != "c1" || kind != tc.wantKind || id != tc.wantID {
				t.Errorf("got (%q, %q, %q), want (%q, %q, %q)", clientID, kind, id, "c1", tc.wantKind, tc.wantID)
			}
		})
	}
}

func TestRelayHandshakeRejectsBadToken(t *testing.T) {
	svc, _, _ := newTestService(t)
	srv := startWSServer(t, svc)

	conn := dialWS(t, srv, "/ws/v1/vnc", url.Values{
		"token":     {"garbage"},
		"client_id": {"c1"},
		"task_id":   {"t1"},
	})

	ce := readCloseFrame(t, conn, 2*time.Second)
	if ce.Code != websocket.CloseProtocolError {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseProtocolError)
	}
	if ce.Text != "authentication failed" {
		t.Errorf("close reason = %q, want %q", ce.Text, "authentication failed")
	}
}

func TestControlHandshakeAcceptsAPIKey(t *testing.T) {
	svc, st, authSvc := newTestService(t)
	srv := startWSServer(t, svc)
	task := seedRunningTask(t, st, "org-1")

	key, _, err := authSvc.CreateAPIKey(context.Background(), "org-1", "ci")
	if err != nil {
		t.Fatal(err)
	}

	// The documented parameter name.
	dialWS(t, srv, "/ws/v1/control", url.Values{
		"apikey":    {key},
		"client_id": {"c-key"},
		"task_id":   {task.ID},
	})
	waitFor(t, time.Second, "api key channel to register", func() bool {
		return svc.registry.Message("c-key") != nil
	})
	ch := svc.registry.Message("c-key")
	if ch == nil {
		t.Fatal("control channel gone right after registering")
	}
	if ch.actorType != "agent" {
		t.Errorf("actor type = %q, want %q", ch.actorType, "agent")
	}

	// The underscore spelling keeps working.
	dialWS(t, srv, "/ws/v1/control", url.Values{
		"api_key":   {key},
		"client_id": {"c-key-alias"},
		"task_id":   {task.ID},
	})
	waitFor(t, time.Second, "aliased api key channel to register", func() bool {
		return svc.registry.Message("c-key-alias") != nil
	})
}

func TestRelayHandshakeRejectsMissingAnchor(t *testing.T) {
	svc, _, authSvc := newTestService(t)
	srv := startWSServer(t, svc)
	token := issueToken(t, authSvc, "org-1")

	conn := dialWS(t, srv, "/ws/v1/vnc", url.Values{
		"token":     {token},
		"client_id": {"c1"},
	})

	ce := readCloseFrame(t, conn, 2*time.Second)
	if ce.Code != websocket.CloseProtocolError {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseProtocolError)
	}
}

func TestRelayHandshakeUnknownAnchor(t *testing.T) {
	svc, _, authSvc := newTestService(t)
	srv := startWSServer(t, svc)
	token := issueToken(t, authSvc, "org-1")

	conn := dialRelay(t, srv, token, "c1", "no-such-task")

	ce := readCloseFrame(t, conn, 2*time.Second)
	if ce.Code != websocket.CloseTryAgainLater {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseTryAgainLater)
	}
	if ce.Text != "task not found" {
		t.Errorf("close reason = %q, want %q", ce.Text, "task not found")
	}
}

func TestRelayHandshakeCrossOrgAnchorLooksMissing(t *testing.T) {
	svc, st, authSvc := newTestService(t)
	srv := startWSServer(t, svc)
	task := seedRunningTask(t, st, "org-other")
	token := issueToken(t, authSvc, "org-1")

	conn := dialRelay(t, srv, token, "c1", task.ID)

	ce := readCloseFrame(t, conn, 2*time.Second)
	if ce.Code != websocket.CloseTryAgainLater {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseTryAgainLater)
	}
	if ce.Text != "task not found" {
		t.Errorf("close reason = %q, want %q", ce.Text, "task not found")
	}
}

func TestRelayHandshakeTimesOutWithoutSession(t *testing.T) {
	svc, st, authSvc := newTestService(t)
	srv := startWSServer(t, svc)
	task := seedRunningTask(t, st, "org-1")
	token := issueToken(t, authSvc, "org-1")

	conn := dialRelay(t, srv, token, "c1", task.ID)

	ce := readCloseFrame(t, conn, 2*time.Second)
	if ce.Code != websocket.CloseTryAgainLater {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseTryAgainLater)
	}
	if ce.Text != "no addressable execution context" {
		t.Errorf("close reason = %q, want %q", ce.Text, "no addressable execution context")
	}
}

func TestControlChannelLifecycle(t *testing.T) {
	svc, st, authSvc := newTestService(t)
	srv := startWSServer(t, svc)
	task := seedRunningTask(t, st, "org-1")
	token := issueToken(t, authSvc, "org-1")

	// A control channel needs a valid anchor but no session.
	conn := dialControl(t, srv, token, "c1", task.ID)
	waitFor(t, time.Second, "control channel to register", func() bool {
		return svc.registry.Message("c1") != nil
	})

	// Unknown kinds and malformed payloads are ignored without closing.
	if err := conn.WriteJSON(protocol.ControlMessage{Kind: "resize-viewport"}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if svc.registry.Message("c1") == nil {
		t.Fatal("control channel closed after junk input")
	}

	// Once the anchor reaches a final status the verification loop closes
	// the channel with the reason.
	if err := st.UpdateTaskStatus(context.Background(), task.ID, store.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	ce := readCloseFrame(t, conn, 2*time.Second)
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
	if ce.Text != "task completed" {
		t.Errorf("close reason = %q, want %q", ce.Text, "task completed")
	}
}

func TestRelayEndToEnd(t *testing.T) {
	svc, st, authSvc := newTestService(t)

	host, port, received := startFakeFramebuffer(t, []byte{0x00, 0xab})
	svc.cfg.RelayPort = port

	task := seedRunningTask(t, st, "org-1")
	seedActiveSession(t, st, "org-1", "task", task.ID, net.JoinHostPort(host, "9222"))

	srv := startWSServer(t, svc)
	token := issueToken(t, authSvc, "org-1")

	client := dialRelay(t, srv, token, "c-e2e", task.ID)

	// Framebuffer output reaches the viewer unchanged.
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, frame, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read framebuffer frame: %v", err)
	}
	if mt != websocket.BinaryMessage || !bytes.Equal(frame, []byte{0x00, 0xab}) {
		t.Errorf("got frame type %d % x, want binary 00 ab", mt, frame)
	}

	// The agent is interacting, so a click must not reach the framebuffer.
	click := pointerFrame(0x01)
	if err := client.WriteMessage(websocket.BinaryMessage, click); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		t.Fatalf("click reached the framebuffer while the agent was interacting: % x", got)
	case <-time.After(150 * time.Millisecond):
	}

	// Hand control to the user; clicks then flow through.
	ctl := dialControl(t, srv, token, "c-e2e", task.ID)
	if err := ctl.WriteJSON(protocol.ControlMessage{Kind: protocol.KindTakeControl}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := client.WriteMessage(websocket.BinaryMessage, click); err != nil {
			t.Fatal(err)
		}
		var got []byte
		select {
		case got = <-received:
		case <-time.After(50 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatal("click never reached the framebuffer after take-control")
			}
			continue
		}
		if !bytes.Equal(got, click) {
			t.Errorf("framebuffer got % x, want % x", got, click)
		}
		break
	}

	// The handoff was audited.
	waitFor(t, 2*time.Second, "control.taken audit event", func() bool {
		events, err := st.ListAuditEvents(context.Background(), "org-1", 50, 0)
		if err != nil {
			return false
		}
		for _, ev := range events {
			if ev.Action == auditControlTaken && ev.TargetID == task.ID {
				return true
			}
		}
		return false
	})

	_ = ctl.Close()
	_ = client.Close()

	waitFor(t, 2*time.Second, "channels to drain", func() bool {
		return svc.registry.CountForOrg("org-1") == 0
	})
}

func TestRelayClosesWhenTaskCompletes(t *testing.T) {
	svc, st, authSvc := newTestService(t)

	host, port, _ := startFakeFramebuffer(t, nil)
	svc.cfg.RelayPort = port

	task := seedRunningTask(t, st, "org-1")
	seedActiveSession(t, st, "org-1", "task", task.ID, net.JoinHostPort(host, "9222"))

	srv := startWSServer(t, svc)
	token := issueToken(t, authSvc, "org-1")

	client := dialRelay(t, srv, token, "c-done", task.ID)
	waitFor(t, time.Second, "relay channel to register", func() bool {
		return svc.registry.Relay("c-done") != nil
	})

	// The task reaching a final status must end the live relay leg, not
	// just future handshakes.
	if err := st.UpdateTaskStatus(context.Background(), task.ID, store.StatusCompleted); err != nil {
		t.Fatal(err)
	}

	ce := readCloseFrame(t, client, 2*time.Second)
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
	if ce.Text != "task completed" {
		t.Errorf("close reason = %q, want %q", ce.Text, "task completed")
	}

	waitFor(t, 2*time.Second, "relay channel to drain", func() bool {
		return svc.registry.CountForOrg("org-1") == 0
	})
}

func TestRelayReplacedByNewConnection(t *testing.T) {
	svc, st, authSvc := newTestService(t)

	host, port, _ := startFakeFramebuffer(t, nil)
	svc.cfg.RelayPort = port

	task := seedRunningTask(t, st, "org-1")
	seedActiveSession(t, st, "org-1", "task", task.ID, net.JoinHostPort(host, "9222"))

	srv := startWSServer(t, svc)
	token := issueToken(t, authSvc, "org-1")

	first := dialRelay(t, srv, token, "c-dup", task.ID)
	second := dialRelay(t, srv, token, "c-dup", task.ID)

	ce := readCloseFrame(t, first, 2*time.Second)
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code = %d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
	if ce.Text != "replaced by new connection" {
		t.Errorf("close reason = %q, want %q", ce.Text, "replaced by new connection")
	}

	// The replacement keeps running.
	_ = second.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := second.ReadMessage(); err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			t.Fatalf("replacement closed with %d %q", ce.Code, ce.Text)
		}
	}
}
