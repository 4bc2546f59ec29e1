package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"appforge/internal/app"
	"appforge/internal/guardrail"
	"appforge/internal/session"
	"appforge/internal/sse"
	"appforge/internal/trace"
	"appforge/internal/util"
	"appforge/pkg/domain"
)

// IdentityVerifier resolves a bearer token to the platform identity.
type IdentityVerifier interface {
	VerifyIdentity(token string) (domain.UserIdentity, error)
}

// IPLimiter throttles request bursts per client IP.
type IPLimiter interface {
	Allow(key string) bool
}

// AppReader is the ownership lookup used for log-link authorization.
type AppReader interface {
	GetApplicationForUser(id, userID string) (domain.Application, bool, error)
}

// LogLinker signs download URLs for archived build transcripts.
type LogLinker interface {
	Link(ctx context.Context, traceID string, expiry time.Duration) (string, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Orchestrator   *app.Orchestrator
	Guardrail      *guardrail.Guardrail
	Sessions       *session.Registry
	TokenVerifier  IdentityVerifier
	IPLimiter      IPLimiter
	Apps           AppReader
	Logs           LogLinker
	TrustedProxies *util.TrustedProxies
	ServiceName    string
}

// Server exposes the message endpoint and health check.
type Server struct {
	orch          *app.Orchestrator
	guard         *guardrail.Guardrail
	sessions      *session.Registry
	tokenVerifier IdentityVerifier
	ipLimiter     IPLimiter
	apps          AppReader
	logs          LogLinker
	proxies       *util.TrustedProxies
	service       string
	mux           *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	service := cfg.ServiceName
	if service == "" {
		service = "forge"
	}
	s := &Server{
		orch:          cfg.Orchestrator,
		guard:         cfg.Guardrail,
		sessions:      cfg.Sessions,
		tokenVerifier: cfg.TokenVerifier,
		ipLimiter:     cfg.IPLimiter,
		apps:          cfg.Apps,
		logs:          cfg.Logs,
		proxies:       cfg.TrustedProxies,
		service:       service,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(util.WithRequestID(util.WithRequestLog(s.service, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/message", s.withUser(s.handleMessage))
	s.mux.Handle("/trace-log", s.withUser(s.handleTraceLogLink))
}

// handleTraceLogLink returns a short-lived download URL for an archived build
// transcript. The trace prefix doubles as the ownership gate.
func (s *Server) handleTraceLogLink(w http.ResponseWriter, r *http.Request, user domain.UserIdentity) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.logs == nil || s.apps == nil {
		writeError(w, http.StatusNotFound, "log archival not configured")
		return
	}
	traceID := r.URL.Query().Get("traceId")
	appID, ok := trace.ApplicationID(traceID)
	if !ok || !trace.Authorized(traceID, appID) {
		writeError(w, http.StatusBadRequest, "invalid trace id")
		return
	}
	if _, found, err := s.apps.GetApplicationForUser(appID, user.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "application lookup failed")
		return
	} else if !found {
		writeError(w, http.StatusNotFound, "application not found")
		return
	}
	url, err := s.logs.Link(r.Context(), traceID, 15*time.Minute)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not sign log link")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userHandler func(http.ResponseWriter, *http.Request, domain.UserIdentity)

func (s *Server) withUser(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ipLimiter != nil && !s.ipLimiter.Allow(util.ClientIP(r, s.proxies)) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		if s.tokenVerifier == nil {
			writeError(w, http.StatusInternalServerError, "token verifier not configured")
			return
		}
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.tokenVerifier.VerifyIdentity(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

type messageRequest struct {
	Message       string         `json:"message"`
	ApplicationID string         `json:"applicationId"`
	Settings      map[string]any `json:"settings"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, user domain.UserIdentity) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	decision := s.guard.CheckAndReserve(user.UserID, user.Role)
	setQuotaHeaders(w, decision)

	var req messageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if !decision.Allowed {
		writeError(w, http.StatusTooManyRequests, "daily message limit reached")
		return
	}

	sess := domain.ActiveSession{
		ID:            util.NewID(),
		UserID:        user.UserID,
		TraceID:       trace.Temp(util.NewID()),
		ApplicationID: req.ApplicationID,
	}
	ok, err := s.sessions.CreateOrRefresh(sess)
	if err == nil && !ok {
		writeError(w, http.StatusTooManyRequests, "too many active build sessions")
		return
	}
	defer s.sessions.End(sess.ID)

	// Every relayed frame keeps the session out of the sweeper's idle window;
	// a long-running build must not lose its ceiling slot mid-stream.
	sink := &writerSink{w: w, touch: func() { s.sessions.Touch(sess.ID) }}
	runErr := s.orch.Run(r.Context(), app.Request{
		User:          user,
		Message:       req.Message,
		ApplicationID: req.ApplicationID,
		Settings:      req.Settings,
	}, sink)
	if runErr == nil {
		return
	}
	if sink.Started() {
		// The error already went out as a frame on the open stream.
		return
	}
	e := app.Classify(runErr)
	writeJSON(w, e.Status, map[string]string{"error": e.Message, "kind": string(e.Kind)})
}

// writerSink adapts the HTTP response into the orchestrator's event sink. The
// SSE writer is created lazily so pre-stream failures can still use plain
// JSON status responses.
type writerSink struct {
	w     http.ResponseWriter
	ew    *sse.Writer
	touch func()
}

func (s *writerSink) Started() bool {
	return s.ew != nil && s.ew.Started()
}

func (s *writerSink) Send(ev app.Event) error {
	if s.ew == nil {
		w, err := sse.NewWriter(s.w)
		if err != nil {
			return err
		}
		s.ew = w
	}
	if s.touch != nil {
		s.touch()
	}
	if ev.Raw != "" {
		return s.ew.SendRaw(ev.Stream, ev.Raw)
	}
	return s.ew.Send(ev.Stream, ev.Payload)
}

func setQuotaHeaders(w http.ResponseWriter, d guardrail.Decision) {
	h := w.Header()
	h.Set("x-dailylimit-limit", strconv.Itoa(d.Limit))
	h.Set("x-dailylimit-remaining", strconv.Itoa(d.Remaining))
	h.Set("x-dailylimit-usage", strconv.Itoa(d.Usage))
	h.Set("x-dailylimit-reset", d.ResetAt.UTC().Format(time.RFC3339))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}
