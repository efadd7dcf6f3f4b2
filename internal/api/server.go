package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nurleq/persistent-data-network/internal/membership"
	"github.com/nurleq/persistent-data-network/internal/node"
	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// Backend is the node surface the HTTP API serves.
type Backend interface {
	Submit(ctx context.Context, data []byte) (node.Receipt, error)
	ReadEntry(ctx context.Context, index uint64) (protocol.LogEntry, error)
	Entries(ctx context.Context, from uint64, limit int) ([]protocol.LogEntry, error)
	SendMessage(ctx context.Context, sender, recipient string, payload []byte) (protocol.Message, error)
	GetMessage(ctx context.Context, recipient string, sequence uint64) (protocol.Message, error)
	Inbox(ctx context.Context, recipient string) ([]protocol.Message, error)
	Members() []membership.Node
	Status() node.Status
}

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	wsHub      *WebSocketHub
	backend    Backend
	logger     *pkg.Logger
	cfg        Config
}

// Config holds the HTTP server configuration.
type Config struct {
	HTTPPort       int
	RequestTimeout time.Duration // Deadline for one API call, zero for none
	PageSize       int           // Default number of entries per log page
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *Config, backend Backend, logger *pkg.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := *cfg
	if c.PageSize <= 0 {
		c.PageSize = 100
	}

	return &Server{
		logger:  logger.WithFields(pkg.Fields{"component": "http_api"}),
		wsHub:   NewWebSocketHub(logger),
		backend: backend,
		cfg:     c,
	}, nil
}

// Hub returns the WebSocket hub; it implements node.EventBroadcaster.
func (s *Server) Hub() *WebSocketHub {
	return s.wsHub
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api", func(r chi.Router) {
		r.Post("/transactions", s.submitHandler)
		r.Get("/log", s.entriesHandler)
		r.Get("/log/{index}", s.entryHandler)
		r.Post("/messages", s.sendMessageHandler)
		r.Get("/messages/{recipient}/{seq}", s.getMessageHandler)
		r.Get("/inbox/{recipient}", s.inboxHandler)
		r.Get("/members", s.membersHandler)
		r.Get("/status", s.statusHandler)

		// Live node events
		r.Get("/ws", s.wsHub.HandleWebSocket)
	})

	r.Get("/health", s.healthHandler)

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.cfg.HTTPPort, err)
	}
	s.listener = ln

	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP API server started")
	return nil
}

// Addr returns the address the server listens on once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping HTTP API server")

	if s.wsHub != nil {
		s.wsHub.Stop()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	s.logger.Info().Msg("HTTP API server stopped")
	return nil
}

type submitRequest struct {
	Data string `json:"data"`
}

type messageRequest struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Payload   string `json:"payload"`
}

type entryResponse struct {
	Index       uint64            `json:"index"`
	Proposal    string            `json:"proposal"`
	NoOp        bool              `json:"noop,omitempty"`
	Transaction *node.Transaction `json:"transaction,omitempty"`
}

type messageResponse struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Payload   string    `json:"payload"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

type memberResponse struct {
	ID            string    `json:"id"`
	Address       string    `json:"address"`
	Alive         bool      `json:"alive"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func toEntry(e protocol.LogEntry) (entryResponse, error) {
	resp := entryResponse{Index: e.Index, Proposal: e.Proposal.String()}
	tx, ok, err := node.DecodeTransaction(e)
	if err != nil {
		return resp, err
	}
	if !ok {
		resp.NoOp = true
		return resp, nil
	}
	resp.Transaction = &tx
	return resp, nil
}

func toMessage(m protocol.Message) messageResponse {
	return messageResponse{
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Payload:   string(m.Payload),
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
	}
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout > 0 {
		return context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) submitHandler(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Data == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("data cannot be empty"))
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	receipt, err := s.backend.Submit(ctx, []byte(req.Data))
	if err != nil {
		s.fail(w, "submit", err)
		return
	}
	writeJSON(w, http.StatusCreated, receipt)
}

func (s *Server) entryHandler(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(chi.URLParam(r, "index"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid index %q", chi.URLParam(r, "index")))
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	entry, err := s.backend.ReadEntry(ctx, index)
	if err != nil {
		s.fail(w, "read entry", err)
		return
	}
	resp, err := toEntry(entry)
	if err != nil {
		s.fail(w, "decode entry", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) entriesHandler(w http.ResponseWriter, r *http.Request) {
	var from uint64
	if v := r.URL.Query().Get("from"); v != "" {
		var err error
		if from, err = strconv.ParseUint(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from %q", v))
			return
		}
	}
	limit := s.cfg.PageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, s.cfg.PageSize)
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	entries, err := s.backend.Entries(ctx, from, limit)
	if err != nil {
		s.fail(w, "list entries", err)
		return
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		resp, err := toEntry(e)
		if err != nil {
			s.logger.Warn().Err(err).Uint64("index", e.Index).Msg("Skipping undecodable entry")
			continue
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"from":    from,
		"length":  s.backend.Status().LogLength,
		"entries": out,
	})
}

func (s *Server) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Sender == "" || req.Recipient == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("sender and recipient are required"))
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	msg, err := s.backend.SendMessage(ctx, req.Sender, req.Recipient, []byte(req.Payload))
	if err != nil {
		s.fail(w, "send message", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessage(msg))
}

func (s *Server) getMessageHandler(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid sequence %q", chi.URLParam(r, "seq")))
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	msg, err := s.backend.GetMessage(ctx, chi.URLParam(r, "recipient"), seq)
	if err != nil {
		s.fail(w, "get message", err)
		return
	}
	writeJSON(w, http.StatusOK, toMessage(msg))
}

func (s *Server) inboxHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	msgs, err := s.backend.Inbox(ctx, chi.URLParam(r, "recipient"))
	if err != nil {
		s.fail(w, "inbox", err)
		return
	}
	out := make([]messageResponse, len(msgs))
	for i, m := range msgs {
		out[i] = toMessage(m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) membersHandler(w http.ResponseWriter, r *http.Request) {
	members := s.backend.Members()
	out := make([]memberResponse, len(members))
	for i, m := range members {
		out[i] = memberResponse{
			ID:            m.ID.String(),
			Address:       m.Address,
			Alive:         m.Alive,
			LastHeartbeat: m.LastHeartbeat,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

// healthHandler handles health check requests.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"ws_clients": s.wsHub.ClientCount(),
	})
}

// fail maps a backend error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkg.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pkg.ErrNoQuorum), errors.Is(err, pkg.ErrUnreachable),
		errors.Is(err, pkg.ErrNotMember), errors.Is(err, pkg.ErrNodeShutdown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("op", op).Msg("Request failed")
	} else {
		s.logger.Debug().Err(err).Str("op", op).Int("status", status).Msg("Request failed")
	}
	writeError(w, status, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// corsMiddleware adds CORS headers to responses and answers preflight
// requests before routing.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		h.ServeHTTP(w, r)
	})
}
