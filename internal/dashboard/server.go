// Package dashboard serves a live view of the sync engine.
//
// Sync progress events are broadcast as JSON to connected WebSocket clients.
// /status reports the outbox backlog and POST /sync runs a manual pass.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/nexusti/possync/internal/orchestrator"
	"github.com/nexusti/possync/internal/schema"
	"github.com/nexusti/possync/internal/syncer"
)

// Message is one broadcast frame. Type mirrors the orchestrator event type.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusSource reports the outbox backlog. Implemented by *store.DB.
type StatusSource interface {
	CountUnsynced(ctx context.Context) (int, error)
	ListRetryable(ctx context.Context, maxRetries int) ([]*schema.PendingSale, error)
}

// ManualSyncer runs a sync pass on request.
type ManualSyncer interface {
	RunManualSync(ctx context.Context) (int, error)
}

// Status is the /status response.
type Status struct {
	Pending   int `json:"pending"`
	Retryable int `json:"retryable"`
	Abandoned int `json:"abandoned"`
	Clients   int `json:"clients"`
}

// SyncResult is the POST /sync response.
type SyncResult struct {
	Synced int    `json:"synced"`
	Error  string `json:"error,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. ":8080". Port 0 picks a free port.
	Addr string
	// MaxRetries is the outbox retry ceiling used to split retryable from
	// abandoned rows.
	MaxRetries int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Addr: ":8080", MaxRetries: syncer.DefaultConfig().MaxRetries}
}

// Server manages WebSocket clients and the HTTP endpoints.
type Server struct {
	config   Config
	status   StatusSource
	syncer   ManualSyncer
	logger   *zap.Logger
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a dashboard server and starts its broadcast loop.
// status and s may be nil, in which case /status and /sync answer 503.
func NewServer(config Config, status StatusSource, s ManualSyncer, logger *zap.Logger) *Server {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		config:    config,
		status:    status,
		syncer:    s,
		logger:    logger.Named("dashboard"),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}

	srv.wg.Add(1)
	go srv.broadcastLoop()
	return srv
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping dashboard")
		s.cancel()

		s.clientsMu.Lock()
		for conn := range s.clients {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			delete(s.clients, conn)
		}
		s.clientsMu.Unlock()

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if serr := s.server.Shutdown(ctx); serr != nil {
				err = fmt.Errorf("server shutdown error: %w", serr)
			}
		}
		s.wg.Wait()
	})
	return err
}

// Publish implements orchestrator.EventSink.
func (s *Server) Publish(ev orchestrator.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal event", zap.Error(err))
		return
	}
	s.Broadcast(Message{Type: ev.Type, Timestamp: ev.Timestamp, Data: data})
}

// Broadcast queues msg for every client. It drops the message when the
// queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", zap.String("type", msg.Type))
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Warn("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", zap.Int("clients", count))

	// Each new client starts from the current backlog.
	if st, err := s.currentStatus(r.Context()); err == nil {
		data, _ := json.Marshal(orchestrator.Event{
			Type:      orchestrator.EventPendingCount,
			Timestamp: time.Now(),
			Pending:   st.Pending,
		})
		welcome, _ := json.Marshal(Message{Type: orchestrator.EventPendingCount, Timestamp: time.Now(), Data: data})
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, welcome)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop only notices disconnects; clients never send anything useful.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", zap.Int("clients", count))
}

func (s *Server) currentStatus(ctx context.Context) (Status, error) {
	st := Status{Clients: s.ClientCount()}
	if s.status == nil {
		return st, errors.New("no status source")
	}
	pending, err := s.status.CountUnsynced(ctx)
	if err != nil {
		return st, err
	}
	retryable, err := s.status.ListRetryable(ctx, s.config.MaxRetries)
	if err != nil {
		return st, err
	}
	st.Pending = pending
	st.Retryable = len(retryable)
	st.Abandoned = pending - len(retryable)
	return st, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.currentStatus(r.Context())
	if err != nil {
		s.logger.Warn("status query failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeJSON(w, http.StatusServiceUnavailable, SyncResult{Error: "sync not configured"})
		return
	}

	synced, err := s.syncer.RunManualSync(r.Context())
	res := SyncResult{Synced: synced}
	code := http.StatusOK
	switch {
	case errors.Is(err, orchestrator.ErrConnectivityUnavailable):
		code = http.StatusServiceUnavailable
	case errors.Is(err, syncer.ErrSweepInProgress):
		code = http.StatusConflict
	case err != nil:
		code = http.StatusBadGateway
	}
	if err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, code, res)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>POS Sync</title></head>
<body>
    <h1>POS Sync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Backlog: <a href="/status">/status</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
