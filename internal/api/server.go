// Package api provides the HTTP API and middleware for the relay
// control plane. All state-changing traffic rides the websocket routes;
// the REST surface covers health, inspection and credential management.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/glasspilot-ai/glasspilot/internal/auth"
	"github.com/glasspilot-ai/glasspilot/internal/config"
	"github.com/glasspilot-ai/glasspilot/internal/relay"
	"github.com/glasspilot-ai/glasspilot/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	auth         *auth.Service
	relay        *relay.Service
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	maxBodyBytes int64
}

// NewServer creates a new API server.
func NewServer(s store.Store, authSvc *auth.Service, relaySvc *relay.Service, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		auth:         authSvc,
		relay:        relaySvc,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// WebSocket routes (auth handled inside)
	mux.Get("/ws/v1/vnc", relaySvc.HandleRelayWS)
	mux.Get("/ws/v1/control", relaySvc.HandleControlWS)

	// Authenticated API routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/api/v1/me", srv.handleMe)
		r.Get("/api/v1/channels", srv.handleListChannels)
		r.Get("/api/v1/events", srv.handleListEvents)
		r.Get("/api/v1/keys", srv.handleListKeys)
		r.Post("/api/v1/keys", srv.handleCreateKey)
		r.Delete("/api/v1/keys/{keyID}", srv.handleDeleteKey)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Inspection handlers ---

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"subject": identity.Subject,
		"name":    identity.Name,
		"org_id":  identity.OrgID,
		"method":  identity.Method,
	})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	writeJSON(w, http.StatusOK, s.relay.Registry().Snapshot(identity.OrgID))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	identity := identityFromContext(r.Context())
	events, err := s.store.ListAuditEvents(r.Context(), identity.OrgID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- API key handlers ---

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	identity := identityFromContext(r.Context())
	keys, err := s.store.ListAPIKeys(r.Context(), identity.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	if keys == nil {
		keys = []store.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || len(req.Name) > 128 {
		writeError(w, http.StatusBadRequest, "name must be 1-128 characters")
		return
	}

	identity := identityFromContext(r.Context())
	plaintext, rec, err := s.auth.CreateAPIKey(r.Context(), identity.OrgID, req.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create api key")
		return
	}
	s.audit(r, "apikey.created", "api_key", rec.ID, rec.Name)

	// The plaintext key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":   rec.ID,
		"name": rec.Name,
		"key":  plaintext,
	})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	identity := identityFromContext(r.Context())

	// The delete must not cross organizations, and the store keys rows by
	// bare id, so membership is checked against the caller's org first.
	keys, err := s.store.ListAPIKeys(r.Context(), identity.OrgID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list api keys")
		return
	}
	var name string
	found := false
	for _, k := range keys {
		if k.ID == keyID {
			name = k.Name
			found = true
			break
		}
	}
	if !found {
		writeError(w, http.StatusNotFound, "api key not found")
		return
	}

	if err := s.store.DeleteAPIKey(r.Context(), keyID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete api key")
		return
	}
	s.audit(r, "apikey.deleted", "api_key", keyID, name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Helpers ---

func (s *Server) audit(r *http.Request, action, targetType, targetID, detail string) {
	identity := identityFromContext(r.Context())
	err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		OrgID:      identity.OrgID,
		ActorType:  actorKind(identity),
		ActorID:    identity.Subject,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		s.logger.Warn("audit write failed", "action", action, "error", err)
	}
}

func actorKind(identity *auth.Identity) string {
	if identity.Method == "apikey" {
		return "agent"
	}
	return "user"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
