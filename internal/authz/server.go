package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultPort is the loopback port tool plugins call.
	DefaultPort = 9226

	maxRequestBody = 1 << 20
)

// Server exposes the broker to out-of-process tool plugins over HTTP.
type Server struct {
	broker *Broker
	addr   string
	logger *slog.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	serveErr chan error
}

// NewServer creates a loopback server for b. A port of 0 picks a free port.
func NewServer(b *Broker, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		broker: b,
		addr:   net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		logger: logger.With(slog.String("component", "authz.server")),
	}
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/permission", s.handlePermission)
	mux.HandleFunc("/question", s.handleQuestion)

	return otelhttp.NewHandler(withCORS(mux), "authz")
}

// Listen binds the listener and starts serving in the background.
func (s *Server) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return nil, fmt.Errorf("authorization server already listening on %s", s.listener.Addr())
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.srv = srv
	s.listener = ln
	s.serveErr = make(chan error, 1)

	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}

		s.serveErr <- err
	}()

	s.logger.Info("Authorization server listening",
		slog.String("event.type", "authz.server.listen"),
		slog.String("addr", ln.Addr().String()),
	)

	return ln.Addr(), nil
}

// Serve listens and blocks until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	if _, err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	serveErr := s.serveErr
	s.mu.Unlock()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	return s.Shutdown(shutdownCtx)
}

// Shutdown denies pending requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.broker.Close()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown authorization server: %w", err)
	}

	return nil
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := readBody(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	in, res := DecodeFilePermissionRequest(body)
	if !res.Valid {
		sendJSONError(w, http.StatusBadRequest, res.Error)
		return
	}

	decision, err := s.broker.RequestPermission(r.Context(), in)

	switch {
	case errors.Is(err, ErrNotReady):
		sendJSONError(w, http.StatusServiceUnavailable, "no active task or operator surface not initialized")
	case errors.Is(err, ErrTimeout):
		sendJSON(w, http.StatusRequestTimeout, PermissionDecision{Allowed: false})
	case errors.Is(err, ErrClosed):
		sendJSON(w, http.StatusServiceUnavailable, PermissionDecision{Allowed: false})
	case err != nil:
		s.logger.Debug("Permission request abandoned",
			slog.String("event.type", "authz.request.abandoned"),
			slog.String("error", err.Error()),
		)
	default:
		sendJSON(w, http.StatusOK, decision)
	}
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := readBody(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	in, res := DecodeQuestionRequest(body)
	if !res.Valid {
		sendJSONError(w, http.StatusBadRequest, res.Error)
		return
	}

	resp, err := s.broker.AskQuestion(r.Context(), in)

	switch {
	case errors.Is(err, ErrNotReady):
		sendJSONError(w, http.StatusServiceUnavailable, "no active task or operator surface not initialized")
	case errors.Is(err, ErrTimeout):
		sendJSON(w, http.StatusRequestTimeout, DeniedQuestion())
	case errors.Is(err, ErrClosed):
		sendJSON(w, http.StatusServiceUnavailable, DeniedQuestion())
	case err != nil:
		s.logger.Debug("Question request abandoned",
			slog.String("event.type", "authz.request.abandoned"),
			slog.String("error", err.Error()),
		)
	default:
		sendJSON(w, http.StatusOK, resp)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}

	if len(body) > maxRequestBody {
		return nil, fmt.Errorf("request body too large")
	}

	return body, nil
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}
