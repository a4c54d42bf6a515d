// Package api exposes the session manager over HTTP: sessions can be
// listed, started, stopped and inspected, and state changes are streamed
// to WebSocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsiec/vidlink/internal/certs"
	"github.com/zsiec/vidlink/internal/config"
	"github.com/zsiec/vidlink/internal/pipeline"
	"github.com/zsiec/vidlink/internal/sdp"
	"github.com/zsiec/vidlink/internal/session"
)

const (
	maxRequestBody    = 1 << 20
	eventBuffer       = 64
	wsWriteTimeout    = 5 * time.Second
	wsPingInterval    = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Sessions is the part of the session manager the API drives.
type Sessions interface {
	Start(ctx context.Context, spec session.Spec) (string, error)
	Stop(id string) error
	List() []session.Info
	Get(id string) (session.Info, bool)
	Debug(id string) (pipeline.Debug, error)
	Describe(id string) ([]byte, error)
	Subscribe(buffer int) (<-chan session.Event, func())
}

// ServerConfig holds the listen address and the session backend.
type ServerConfig struct {
	Addr     string
	Sessions Sessions
	// Defaults fills stream fields a POST /api/sessions body leaves out.
	Defaults config.Stream
	// Identity is the certificate QUIC receivers present; its fingerprint
	// is published so senders can pin it.
	Identity *certs.Identity
}

// Server serves the control API.
type Server struct {
	log      *slog.Logger
	config   ServerConfig
	upgrader websocket.Upgrader
}

// NewServer creates a Server. It returns an error if required fields are
// missing. If log is nil, slog.Default() is used.
func NewServer(cfg ServerConfig, log *slog.Logger) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("api: Sessions is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if cfg.Defaults == (config.Stream{}) {
		cfg.Defaults = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:    log.With("component", "api"),
		config: cfg,
		upgrader: websocket.Upgrader{
			// The API is meant for local operators; origin checks belong
			// to a fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("OPTIONS /api/sessions", s.handleOptions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleStop)
	mux.HandleFunc("OPTIONS /api/sessions/{id}", s.handleOptions)
	mux.HandleFunc("GET /api/sessions/{id}/debug", s.handleDebug)
	mux.HandleFunc("GET /api/sessions/{id}/sdp", s.handleSDP)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/events", s.handleEvents)
}

// Handler returns the API routes wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(mux)
}

// Start serves the API and blocks until ctx is cancelled or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("control API listening", "addr", ln.Addr().String())

	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			srv.Close()
		}
	})
	defer stop()

	err := srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusFor maps session errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed), errors.Is(err, sdp.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	resp := s.config.Sessions.List()
	if resp == nil {
		resp = make([]session.Info, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	info, ok := s.config.Sessions.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// SECURITY: POST /api/sessions makes this process send to arbitrary
// addresses. Expose the API only to trusted operators.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	spec := session.Spec{Stream: s.config.Defaults}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.config.Sessions.Start(r.Context(), spec)
	if err != nil {
		s.log.Warn("session start rejected", "role", spec.Role.String(), "peer", spec.Peer, "listen", spec.Listen, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	info, ok := s.config.Sessions.Get(id)
	if !ok {
		// Already failed for good; report what was started.
		info = session.Info{ID: id, Role: spec.Role, Peer: spec.Peer, Listen: spec.Listen}
	}
	w.Header().Set("Location", "/api/sessions/"+id)
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.config.Sessions.Stop(id); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "id": id})
}

func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	d, err := s.config.Sessions.Debug(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleSDP(w http.ResponseWriter, r *http.Request) {
	out, err := s.config.Sessions.Describe(r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

type certHashResponse struct {
	Hash string `json:"hash"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.Identity == nil {
		writeError(w, http.StatusNotFound, "no QUIC identity configured")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{Hash: s.config.Identity.FingerprintBase64()})
}

// handleEvents streams session events as JSON text messages until the
// client goes away. ?session=<id> limits the stream to one session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	filter := r.URL.Query().Get("session")
	events, unsubscribe := s.config.Sessions.Subscribe(eventBuffer)
	defer unsubscribe()

	// The client sends nothing; reading only notices when it leaves.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	s.log.Debug("event subscriber connected", "remote", r.RemoteAddr, "session", filter)
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if filter != "" && ev.SessionID != filter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
