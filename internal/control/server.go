// Package control is the local API between the gitbakd CLI and a running
// agent: JSON over HTTP on a Unix socket that only the owner can open.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/bashhack/gitbakd/internal/agent"
	"github.com/bashhack/gitbakd/internal/credential"
	gitbakdErrors "github.com/bashhack/gitbakd/internal/errors"
	"github.com/bashhack/gitbakd/internal/git"
	"github.com/bashhack/gitbakd/internal/logger"
	"github.com/bashhack/gitbakd/internal/notify"
	"github.com/bashhack/gitbakd/internal/observability"
)

// Agent is what the server drives. *agent.Agent implements it.
type Agent interface {
	State() agent.State
	Metrics() agent.Metrics
	Pause() error
	Resume() error
	ForceCommit(ctx context.Context, message string) (agent.CommitResult, error)
	UndoLastCommit(ctx context.Context) (git.Commit, error)
	Stash(ctx context.Context, message string) (bool, error)
	StashPop(ctx context.Context) error
	Notifications(limit int) []notify.Event
}

// Options configures a Server. Bus and Credentials are optional; without
// them the stream and credential endpoints answer 404.
type Options struct {
	Agent       Agent
	Bus         *notify.Bus
	Credentials *credential.Manager
	Logger      logger.Logger
}

// Server serves the control API.
type Server struct {
	agent  Agent
	bus    *notify.Bus
	creds  *credential.Manager
	logger logger.Logger

	http     *http.Server
	listener net.Listener
	socket   string

	// closing ends open notification streams so Shutdown does not wait on them.
	closing   chan struct{}
	closeOnce sync.Once
}

// Request and response bodies.
type (
	CommitRequest struct {
		Message string `json:"message,omitempty"`
	}

	StashRequest struct {
		Message string `json:"message,omitempty"`
	}

	StashResponse struct {
		Stashed bool `json:"stashed"`
	}

	UndoResponse struct {
		Hash    string `json:"hash"`
		Subject string `json:"subject"`
	}

	CredentialRequest struct {
		Material string `json:"material"`
	}

	RestoreRequest struct {
		Name string `json:"name"`
	}

	errorResponse struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
)

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.NewDiscard()
	}
	s := &Server{
		agent:   opts.Agent,
		bus:     opts.Bus,
		creds:   opts.Credentials,
		logger:  opts.Logger,
		closing: make(chan struct{}),
	}
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/state", s.handleState)
	mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	mux.HandleFunc("POST /v1/pause", s.handlePause)
	mux.HandleFunc("POST /v1/resume", s.handleResume)
	mux.HandleFunc("POST /v1/commit", s.handleCommit)
	mux.HandleFunc("POST /v1/undo", s.handleUndo)
	mux.HandleFunc("POST /v1/stash", s.handleStash)
	mux.HandleFunc("POST /v1/stash/pop", s.handleStashPop)
	mux.HandleFunc("GET /v1/notifications", s.handleNotifications)
	mux.HandleFunc("GET /v1/notifications/stream", s.handleNotificationStream)
	mux.HandleFunc("GET /v1/credential", s.handleCredentialStatus)
	mux.HandleFunc("PUT /v1/credential", s.handleCredentialStore)
	mux.HandleFunc("DELETE /v1/credential", s.handleCredentialRemove)
	mux.HandleFunc("GET /v1/credential/backups", s.handleCredentialBackups)
	mux.HandleFunc("POST /v1/credential/restore", s.handleCredentialRestore)
	return s.withTracing(mux)
}

// Listen binds the Unix socket, replacing a stale one, and restricts it to
// the owner.
func (s *Server) Listen(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return gitbakdErrors.Wrap(err, "failed to create socket directory")
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return gitbakdErrors.Wrapf(err, "failed to remove stale socket %s", socketPath)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return gitbakdErrors.Wrapf(err, "failed to listen on %s", socketPath)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return gitbakdErrors.Wrap(err, "failed to restrict socket permissions")
	}
	s.listener = ln
	s.socket = socketPath
	return nil
}

// Serve answers requests until Shutdown. Call Listen first.
func (s *Server) Serve() error {
	if s.listener == nil {
		return gitbakdErrors.New("control server is not listening")
	}
	s.logger.Info("Control API listening on %s", s.socket)
	if err := s.http.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones and removes the socket.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	err := s.http.Shutdown(ctx)
	if s.socket != "" {
		_ = os.Remove(s.socket)
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Metrics())
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	if err := s.agent.Pause(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := s.agent.Resume(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.agent.State())
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req CommitRequest
	if !decode(w, r, &req) {
		return
	}
	result, err := s.agent.ForceCommit(r.Context(), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	c, err := s.agent.UndoLastCommit(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UndoResponse{Hash: c.Hash, Subject: c.Subject})
}

func (s *Server) handleStash(w http.ResponseWriter, r *http.Request) {
	var req StashRequest
	if !decode(w, r, &req) {
		return
	}
	stashed, err := s.agent.Stash(r.Context(), req.Message)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StashResponse{Stashed: stashed})
}

func (s *Server) handleStashPop(w http.ResponseWriter, r *http.Request) {
	if err := s.agent.StashPop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, gitbakdErrors.Errorf("%w: limit must be a non-negative integer", gitbakdErrors.ErrValidation))
			return
		}
		limit = n
	}
	events := s.agent.Notifications(limit)
	if events == nil {
		events = []notify.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleNotificationStream sends every new notification as a server-sent event.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.NotFound(w, r)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, gitbakdErrors.New("streaming not supported"))
		return
	}

	sub := s.bus.Subscribe(notify.DefaultQueueSize)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case <-keepalive.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(w, string(e.Type), e); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleCredentialStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireCredentials(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.creds.Status())
}

func (s *Server) handleCredentialStore(w http.ResponseWriter, r *http.Request) {
	if !s.requireCredentials(w, r) {
		return
	}
	var req CredentialRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.creds.Store([]byte(req.Material))
	if err != nil {
		writeError(w, err)
		return
	}
	s.validateSoon(r.Context())
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCredentialRemove(w http.ResponseWriter, r *http.Request) {
	if !s.requireCredentials(w, r) {
		return
	}
	if err := s.creds.Remove(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.creds.Status())
}

func (s *Server) handleCredentialBackups(w http.ResponseWriter, r *http.Request) {
	if !s.requireCredentials(w, r) {
		return
	}
	backups, err := s.creds.Backups()
	if err != nil {
		writeError(w, err)
		return
	}
	if backups == nil {
		backups = []credential.Backup{}
	}
	writeJSON(w, http.StatusOK, backups)
}

func (s *Server) handleCredentialRestore(w http.ResponseWriter, r *http.Request) {
	if !s.requireCredentials(w, r) {
		return
	}
	var req RestoreRequest
	if !decode(w, r, &req) {
		return
	}
	rec, err := s.creds.Restore(req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	s.validateSoon(r.Context())
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) requireCredentials(w http.ResponseWriter, r *http.Request) bool {
	if s.creds == nil {
		http.NotFound(w, r)
		return false
	}
	return true
}

// validateSoon probes a newly stored key without holding up the response.
func (s *Server) validateSoon(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := s.creds.Validate(ctx); err != nil {
			s.logger.Warning("Validation of new credential: %v", err)
		}
	}()
}

func (s *Server) withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "control.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
		s.logger.Debug("%s %s -> %d", r.Method, r.URL.Path, sw.status)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, gitbakdErrors.Errorf("%w: invalid request body", gitbakdErrors.ErrValidation))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code})
}

func writeSSEEvent(w http.ResponseWriter, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
