package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/glasspilot-ai/glasspilot/internal/auth"
	"github.com/glasspilot-ai/glasspilot/internal/config"
	"github.com/glasspilot-ai/glasspilot/internal/store"
	"github.com/glasspilot-ai/glasspilot/internal/verify"
	"github.com/glasspilot-ai/glasspilot/pkg/protocol"
)

// Audit actions recorded by the relay.
const (
	auditChannelOpened   = "channel.opened"
	auditChannelClosed   = "channel.closed"
	auditControlTaken    = "control.taken"
	auditControlCeded    = "control.ceded"
	auditClipboardCopied = "clipboard.copied"
	auditClipboardPasted = "clipboard.pasted"
)

// Service owns the relay websocket endpoints. It authenticates handshakes,
// verifies anchors, dials framebuffers, and runs one goroutine group per
// accepted channel.
type Service struct {
	cfg      config.RelayConfig
	auth     *auth.Service
	verifier *verify.Verifier
	registry *Registry
	store    store.Store
	logger   *slog.Logger
	upgrader websocket.Upgrader
	execDial CommanderDial
}

func NewService(cfg config.RelayConfig, allowedOrigins []string, authSvc *auth.Service, verifier *verify.Verifier, s store.Store, execDial CommanderDial, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		auth:     authSvc,
		verifier: verifier,
		registry: NewRegistry(),
		store:    s,
		logger:   logger.With("component", "relay"),
		upgrader: makeUpgrader(allowedOrigins),
		execDial: execDial,
	}
}

// Registry exposes the channel registry for inspection endpoints.
func (s *Service) Registry() *Registry {
	return s.registry
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// audit records a relay event without blocking the channel goroutines.
func (s *Service) audit(orgID, actorType, actorID, action, targetType, targetID, detail string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.store.LogAuditEvent(ctx, &store.AuditEvent{
			OrgID:      orgID,
			ActorType:  actorType,
			ActorID:    actorID,
			Action:     action,
			TargetType: targetType,
			TargetID:   targetID,
			Detail:     detail,
		})
		if err != nil {
			s.logger.Warn("audit write failed", "action", action, "error", err)
		}
	}()
}

func actorType(identity *auth.Identity) string {
	if identity.Method == "apikey" {
		return "agent"
	}
	return "user"
}

// authenticate resolves the caller identity from the handshake request.
func (s *Service) authenticate(req *http.Request) (*auth.Identity, error) {
	// Security note: tokens ride in a query parameter because browsers cannot
	// set custom headers during the WebSocket handshake. Ensure server access
	// logs are configured to exclude query parameters to prevent token leakage.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}
	if tokenStr != "" {
		return s.auth.ValidateToken(req.Context(), tokenStr)
	}
	key := req.URL.Query().Get("apikey")
	if key == "" {
		key = req.URL.Query().Get("api_key")
	}
	if key != "" {
		return s.auth.ValidateAPIKey(req.Context(), key)
	}
	return nil, auth.ErrUnauthorized
}

// handshakeParams extracts the channel identity from the handshake query.
// Exactly one anchor id parameter must be present.
func handshakeParams(req *http.Request) (clientID, kind, id string, err error) {
	q := req.URL.Query()
	clientID = q.Get("client_id")
	if clientID == "" {
		return "", "", "", errors.New("client_id is required")
	}
	for param, k := range map[string]string{
		"task_id":            verify.KindTask,
		"workflow_run_id":    verify.KindWorkflowRun,
		"browser_session_id": verify.KindBrowserSession,
	} {
		v := q.Get(param)
		if v == "" {
			continue
		}
		if kind != "" {
			return "", "", "", errors.New("task_id, workflow_run_id and browser_session_id are mutually exclusive")
		}
		kind, id = k, v
	}
	if kind == "" {
		return "", "", "", errors.New("one of task_id, workflow_run_id or browser_session_id is required")
	}
	return clientID, kind, id, nil
}

// awaitAddress polls anchor verification until an addressable execution
// context exists or the handshake window lapses. A conclusively invalid
// anchor fails immediately; transient store errors keep polling.
func (s *Service) awaitAddress(ctx context.Context, kind, id, orgID string) (*verify.Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout.Duration)
	defer cancel()

	ticker := time.NewTicker(s.cfg.VerifyInterval.Duration)
	defer ticker.Stop()

	for {
		out, err := s.verifier.Verify(ctx, kind, id, orgID)
		switch {
		case err != nil:
			s.logger.Warn("handshake verification failed", "kind", kind, "id", id, "error", err)
		case out.Reason != "":
			return nil, errors.New(out.Reason)
		case out.Addressable():
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.New("no addressable execution context")
		case <-ticker.C:
		}
	}
}

// dialFramebuffer connects to the remote desktop websocket on the browser
// session host.
func (s *Service) dialFramebuffer(sess *store.BrowserSession) (*websocket.Conn, error) {
	host := sess.Host()
	if host == "" {
		return nil, errors.New("session has no address")
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(s.cfg.RelayPort))}
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout.Duration}
	conn, resp, err := dialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("dial framebuffer at %s: %w", u.Host, err)
	}
	return conn, nil
}

// refuse closes a just-upgraded connection with a close frame. Handshake
// failures surface as close codes so browser clients can read the reason.
func refuse(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	_ = conn.Close()
}

// HandleRelayWS accepts a pixel relay websocket. The handshake authenticates
// the caller, resolves the anchor to an addressable browser session, dials
// the remote framebuffer, and then pumps frames until either leg ends.
func (s *Service) HandleRelayWS(w http.ResponseWriter, req *http.Request) {
	identity, authErr := s.authenticate(req)
	clientID, kind, id, paramErr := handshakeParams(req)

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("relay websocket upgrade failed", "error", err)
		return
	}

	if authErr != nil {
		refuse(conn, websocket.CloseProtocolError, "authentication failed")
		return
	}
	if paramErr != nil {
		refuse(conn, websocket.CloseProtocolError, paramErr.Error())
		return
	}
	if s.cfg.MaxChannelsPerOrg > 0 && s.registry.CountForOrg(identity.OrgID) >= s.cfg.MaxChannelsPerOrg {
		s.logger.Warn("too many channels for organization", "org_id", identity.OrgID, "limit", s.cfg.MaxChannelsPerOrg)
		refuse(conn, websocket.ClosePolicyViolation, "too many channels")
		return
	}

	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	out, err := s.awaitAddress(req.Context(), kind, id, identity.OrgID)
	if err != nil {
		refuse(conn, websocket.CloseTryAgainLater, err.Error())
		return
	}

	remote, err := s.dialFramebuffer(out.Session)
	if err != nil {
		s.logger.Warn("framebuffer dial failed", "kind", kind, "id", id, "error", err)
		refuse(conn, websocket.CloseTryAgainLater, "execution context unreachable")
		return
	}

	ch := s.newVNCChannel(conn, remote, identity, clientID, kind, id)
	ch.applyOutcome(out)

	if old := s.registry.AddRelay(ch); old != nil {
		old.abort("replaced by new connection")
	}

	s.audit(identity.OrgID, actorType(identity), identity.Subject, auditChannelOpened, kind, id, "relay")
	ch.logger.Info("relay channel opened", "org_id", identity.OrgID, "anchor_kind", kind, "anchor_id", id)

	runErr := ch.run(req.Context())

	code, reason, send := closeDisposition(runErr)
	if send {
		ch.closeWith(code, reason)
	} else {
		ch.dropConn()
	}
	s.registry.RemoveRelay(clientID, ch)
	s.audit(identity.OrgID, actorType(identity), identity.Subject, auditChannelClosed, kind, id, reason)
	ch.logger.Info("relay channel closed", "reason", reason, "error", runErr)
}

func (s *Service) newVNCChannel(conn, remote *websocket.Conn, identity *auth.Identity, clientID, kind, id string) *VNCChannel {
	return &VNCChannel{
		channelCore: &channelCore{
			clientID:     clientID,
			orgID:        identity.OrgID,
			actorID:      identity.Subject,
			actorType:    actorType(identity),
			anchorKind:   kind,
			anchorID:     id,
			needsAddress: true,
			conn:         conn,
			verifier:     s.verifier,
			registry:     s.registry,
			interval:     s.cfg.VerifyInterval.Duration,
			logger:       s.logger.With("client_id", clientID, "channel", "relay"),
			openedAt:     time.Now().UTC(),
		},
		svc:          s,
		remote:       remote,
		interactor:   InteractorAgent,
		execDial:     s.execDial,
		pendingPaste: make(chan string, 1),
	}
}

// HandleControlWS accepts a control websocket carrying interactor and
// clipboard messages for the relay channel with the same client id. Control
// channels need a valid anchor but not an addressable session, so they
// survive provisioning gaps.
func (s *Service) HandleControlWS(w http.ResponseWriter, req *http.Request) {
	identity, authErr := s.authenticate(req)
	clientID, kind, id, paramErr := handshakeParams(req)

	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("control websocket upgrade failed", "error", err)
		return
	}

	if authErr != nil {
		refuse(conn, websocket.CloseProtocolError, "authentication failed")
		return
	}
	if paramErr != nil {
		refuse(conn, websocket.CloseProtocolError, paramErr.Error())
		return
	}
	if s.cfg.MaxChannelsPerOrg > 0 && s.registry.CountForOrg(identity.OrgID) >= s.cfg.MaxChannelsPerOrg {
		s.logger.Warn("too many channels for organization", "org_id", identity.OrgID, "limit", s.cfg.MaxChannelsPerOrg)
		refuse(conn, websocket.ClosePolicyViolation, "too many channels")
		return
	}

	conn.SetReadLimit(s.cfg.MaxMessageBytes)

	out, err := s.verifier.Verify(req.Context(), kind, id, identity.OrgID)
	if err != nil {
		s.logger.Warn("handshake verification failed", "kind", kind, "id", id, "error", err)
		refuse(conn, websocket.CloseTryAgainLater, "verification unavailable")
		return
	}
	if out.Reason != "" {
		refuse(conn, websocket.CloseTryAgainLater, out.Reason)
		return
	}

	ch := s.newMessageChannel(conn, identity, clientID, kind, id)
	ch.applyOutcome(out)

	if old := s.registry.AddMessage(ch); old != nil {
		old.abort("replaced by new connection")
	}

	s.audit(identity.OrgID, actorType(identity), identity.Subject, auditChannelOpened, kind, id, "control")
	ch.logger.Info("control channel opened", "org_id", identity.OrgID, "anchor_kind", kind, "anchor_id", id)

	runErr := ch.run(req.Context())

	code, reason, send := closeDisposition(runErr)
	if send {
		ch.closeWith(code, reason)
	} else {
		ch.dropConn()
	}
	s.registry.RemoveMessage(clientID, ch)
	s.audit(identity.OrgID, actorType(identity), identity.Subject, auditChannelClosed, kind, id, reason)
	ch.logger.Info("control channel closed", "reason", reason, "error", runErr)
}

func (s *Service) newMessageChannel(conn *websocket.Conn, identity *auth.Identity, clientID, kind, id string) *MessageChannel {
	return &MessageChannel{
		channelCore: &channelCore{
			clientID:   clientID,
			orgID:      identity.OrgID,
			actorID:    identity.Subject,
			actorType:  actorType(identity),
			anchorKind: kind,
			anchorID:   id,
			conn:       conn,
			verifier:   s.verifier,
			registry:   s.registry,
			interval:   s.cfg.VerifyInterval.Duration,
			logger:     s.logger.With("client_id", clientID, "channel", "control"),
			openedAt:   time.Now().UTC(),
		},
		svc:      s,
		outbound: make(chan protocol.ControlMessage, outboundQueueSize),
	}
}
