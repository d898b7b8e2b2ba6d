// Package api implements the Postern HTTP API: settings, recipient
// expansion, the send lifecycle, secure messages, and the event stream.
//
// Requests are attributed to the user named in the X-Postern-User
// header. Session issuance happens in front of this server.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/postern/internal/buildinfo"
	"github.com/nugget/postern/internal/connwatch"
	"github.com/nugget/postern/internal/email"
	"github.com/nugget/postern/internal/events"
	"github.com/nugget/postern/internal/expansion"
	"github.com/nugget/postern/internal/mailflow"
	"github.com/nugget/postern/internal/securemsg"
	"github.com/nugget/postern/internal/settings"
)

// UserHeader carries the authenticated user id.
const UserHeader = "X-Postern-User"

// maxBodySize caps request bodies.
const maxBodySize = 4 << 20

// Server is the HTTP API server. Components are attached with the Set
// methods before Start; routes whose component is missing answer 503.
type Server struct {
	address string
	port    int
	logger  *slog.Logger
	server  *http.Server

	settings   *settings.Service
	dispatcher *expansion.Dispatcher
	composer   *mailflow.Composer
	sender     *mailflow.Sender
	mail       *email.Manager
	mailOwner  string
	secure     *securemsg.Service
	bus        *events.Bus
	health     *connwatch.Manager
}

// NewServer creates a new API server.
func NewServer(address string, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		logger:  logger,
	}
}

// SetSettings configures the settings endpoints.
func (s *Server) SetSettings(svc *settings.Service) {
	s.settings = svc
}

// SetDispatcher configures the expansion and compose endpoints.
func (s *Server) SetDispatcher(d *expansion.Dispatcher) {
	s.dispatcher = d
	s.composer = mailflow.NewComposer(d)
}

// SetSender configures the send endpoint.
func (s *Server) SetSender(snd *mailflow.Sender) {
	s.sender = snd
}

// SetMailbox configures the inbox endpoints. Only owner may read them.
func (s *Server) SetMailbox(m *email.Manager, owner string) {
	s.mail = m
	s.mailOwner = owner
}

// SetSecureMessages configures the secure message endpoints.
func (s *Server) SetSecureMessages(svc *securemsg.Service) {
	s.secure = svc
}

// SetEventBus configures the websocket event stream.
func (s *Server) SetEventBus(b *events.Bus) {
	s.bus = b
}

// SetHealth attaches the dependency watchers reported by /health.
func (s *Server) SetHealth(m *connwatch.Manager) {
	s.health = m
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Settings
	mux.HandleFunc("GET /v1/settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /v1/settings", s.handleSettingsPut)
	mux.HandleFunc("POST /v1/settings/recipient-groups/import", s.handleGroupsImport)

	// Expansions
	mux.HandleFunc("GET /v1/expansions", s.handleExpansionList)
	mux.HandleFunc("POST /v1/expansions/{id}/actions/{action}", s.handleExpansionAction)
	mux.HandleFunc("POST /v1/compose/recipients", s.handleComposeRecipients)

	// Mail
	mux.HandleFunc("POST /v1/mail/send", s.handleSend)
	mux.HandleFunc("GET /v1/mail/messages", s.handleMessageList)
	mux.HandleFunc("GET /v1/mail/messages/{uid}", s.handleMessageGet)

	// Secure messages
	mux.HandleFunc("POST /v1/secure-messages", s.handleSecureCreate)
	mux.HandleFunc("GET /v1/secure-messages/{id}", s.handleSecureGet)
	mux.HandleFunc("DELETE /v1/secure-messages/{id}", s.handleSecureDelete)

	// Event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: /v1/events holds the connection open.
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder remembers the status a handler wrote.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer cannot hijack")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"user", r.Header.Get(UserHeader),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"name": "Postern", "version": buildinfo.Version, "status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.Get())
}

// handleHealth is 200 whenever the process can answer. Unreachable
// dependencies only change the status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.health.Healthy() {
		status = "degraded"
	}
	s.respond(w, http.StatusOK, map[string]any{"status": status, "services": s.health.Status()})
}

// errorResponse writes {"error":{"message","code"}}.
func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	s.respond(w, code, map[string]any{"error": map[string]any{"message": message, "code": code}})
}

// respond writes v as a JSON body with the given status. Encoding
// failures after the header is out usually mean the client left.
func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "status", code, "error", err)
	}
}

// requireUser returns the request's user, or writes 401 and "".
func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) string {
	user := r.Header.Get(UserHeader)
	if user == "" {
		s.errorResponse(w, http.StatusUnauthorized, UserHeader+" header is required")
	}
	return user
}

// unavailable writes 503 when a component is not configured and
// reports whether it did.
func (s *Server) unavailable(w http.ResponseWriter, missing bool, what string) bool {
	if missing {
		s.errorResponse(w, http.StatusServiceUnavailable, what+" is not configured")
	}
	return missing
}

// decodeBody decodes a JSON request body into v, writing 400 on error.
// An empty body leaves v untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
	return false
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
