// Package transport exposes sessions over HTTP.
//
// Writers are POSTs carrying their sequence number in the X-Tx header and
// optionally the seqs of responses already received in X-Ack. Readers are
// GETs naming the resource they render. Gate outcomes map onto statuses the
// client acts on: 204 means ignore this response, 409 means reload.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/txgate/internal/coordinator"
	"github.com/roach88/txgate/internal/gate"
	"github.com/roach88/txgate/internal/session"
)

// Header names used by the protocol.
const (
	HeaderTx       = "X-Tx"
	HeaderAck      = "X-Ack"
	HeaderReplayed = "X-Replayed"
)

// MaxBodyBytes bounds writer request bodies.
const MaxBodyBytes = 1 << 20

// Server routes HTTP requests through the coordinator.
type Server struct {
	sessions *session.Manager
	coord    *coordinator.Coordinator
	app      App
	logger   *slog.Logger
	router   chi.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger for request failures and server lifecycle.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer creates a Server over sessions.
func NewServer(sessions *session.Manager, coord *coordinator.Coordinator, app App, opts ...ServerOption) *Server {
	s := &Server{
		sessions: sessions,
		coord:    coord,
		app:      app,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.sessions.Len()})
	})
	r.Post("/sessions", s.createSession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", s.sessionStats)
		r.Delete("/", s.destroySession)
		r.Post("/reload", s.reloadSession)
		r.Post("/write/{action}", s.write)
		r.Get("/read/{resource}", s.read)
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down", "addr", addr)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type sessionCreated struct {
	Session string `json:"session"`
	NextTx  uint64 `json:"next_tx"`
}

type reloaded struct {
	NextTx uint64 `json:"next_tx"`
}

type reloadRequired struct {
	Reload bool   `json:"reload"`
	Code   string `json:"code,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Create()
	writeJSON(w, http.StatusCreated, sessionCreated{Session: sess.ID, NextTx: sess.Gate.NextSeq()})
}

func (s *Server) sessionStats(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Stats())
}

func (s *Server) destroySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.Destroy(id) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown session"})
		return
	}
	s.app.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reloadSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, reloaded{NextTx: s.coord.Reload(r.Context(), sess)})
}

func (s *Server) write(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	seq, err := strconv.ParseUint(strings.TrimSpace(r.Header.Get(HeaderTx)), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid %s header", HeaderTx)})
		return
	}
	acks, err := ParseAcks(r.Header.Get(HeaderAck))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
		return
	}

	action := chi.URLParam(r, "action")
	req := coordinator.Request{Kind: coordinator.KindWriter, Seq: seq, Acks: acks}
	res, err := s.coord.Handle(r.Context(), sess, req, func(ctx context.Context) ([]byte, error) {
		return s.app.Write(ctx, sess.ID, action, body)
	})
	s.respond(w, sess, res, err)
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	resource := gate.ResourceKeyOf(chi.URLParam(r, "resource"))
	if resource == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "empty resource"})
		return
	}

	req := coordinator.Request{Kind: coordinator.KindReader, Resource: resource}
	res, err := s.coord.Handle(r.Context(), sess, req, func(ctx context.Context) ([]byte, error) {
		return s.app.Read(ctx, sess.ID, resource)
	})
	s.respond(w, sess, res, err)
}

func (s *Server) respond(w http.ResponseWriter, sess *session.Session, res coordinator.Result, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, ErrBadRequest):
			status = http.StatusBadRequest
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusServiceUnavailable
		default:
			s.logger.Error("effect failed", "session", sess.ID, "seq", res.Seq, "error", err)
		}
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}

	switch res.Outcome {
	case coordinator.OutcomeExecuted:
		writeBody(w, res.Body)
	case coordinator.OutcomeReplayed:
		w.Header().Set(HeaderReplayed, "true")
		writeBody(w, res.Body)
	case coordinator.OutcomeDropped:
		w.WriteHeader(http.StatusNoContent)
	case coordinator.OutcomeReloadRequired:
		code := gate.CodeOf(res.Err)
		if code == "" {
			code = gate.ErrCodeTimeout
		}
		writeJSON(w, http.StatusConflict, reloadRequired{Reload: true, Code: string(code)})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: fmt.Sprintf("unexpected outcome %q", res.Outcome)})
	}
}

// session resolves the {id} URL parameter, answering 404 itself.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown session"})
	}
	return sess, ok
}

// ParseAcks parses a comma-separated X-Ack header. Empty yields nil.
func ParseAcks(header string) ([]uint64, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}
	parts := strings.Split(header, ",")
	acks := make([]uint64, 0, len(parts))
	for _, p := range parts {
		seq, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q", HeaderAck, p)
		}
		acks = append(acks, seq)
	}
	return acks, nil
}

func writeBody(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
