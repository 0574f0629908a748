// Package ws serves lobby clients over WebSocket and exposes the process's
// small HTTP surface: liveness, stats, and lobby QR codes.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/cardlobby/internal/broadcast"
	"github.com/cory-johannsen/cardlobby/internal/config"
	"github.com/cory-johannsen/cardlobby/internal/hub"
	"github.com/cory-johannsen/cardlobby/internal/lobby"
	"github.com/cory-johannsen/cardlobby/internal/qrcode"
	"github.com/cory-johannsen/cardlobby/internal/session"
)

// Acceptor listens for HTTP connections, upgrades lobby clients to WebSocket,
// and runs a read and a write pump per client.
type Acceptor struct {
	cfg     config.Config
	hub     *hub.Hub
	reg     *session.Registry
	dir     *lobby.Directory
	gateway *broadcast.Gateway
	logger  *zap.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup

	mu       sync.Mutex
	running  bool
	stopping bool
	clients  map[*client]struct{}
}

// NewAcceptor creates a WebSocket acceptor.
//
// Precondition: cfg must be validated; h, reg, dir, gateway, and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.Config, h *hub.Hub, reg *session.Registry, dir *lobby.Directory, gateway *broadcast.Gateway, logger *zap.Logger) *Acceptor {
	a := &Acceptor{
		cfg:     cfg,
		hub:     h,
		reg:     reg,
		dir:     dir,
		gateway: gateway,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBuffer,
		WriteBufferSize: cfg.WebSocket.WriteBuffer,
		CheckOrigin:     a.checkOrigin,
	}
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

// Handler returns the HTTP routes served by the acceptor.
func (a *Acceptor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.handleRoot)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/lobbies/{code}/qr", a.handleQR)
	mux.HandleFunc(a.cfg.WebSocket.Path, a.handleWS)
	return mux
}

// ListenAndServe binds the configured address and serves until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.WebSocket.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.WebSocket.Addr(), err)
	}

	a.mu.Lock()
	a.listener = listener
	a.running = true
	a.mu.Unlock()

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", a.cfg.WebSocket.Path),
		zap.Duration("startup", time.Since(start)),
	)

	if err := a.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Stop closes the listener, tells every connected client the server is going
// away, and waits for all pumps to exit.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return
	}
	a.stopping = true
	a.running = false
	clients := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		clients = append(clients, c)
	}
	a.mu.Unlock()

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}

	// Hijacked WebSocket connections are not closed by Shutdown.
	for _, c := range clients {
		c.closeGoingAway(a.cfg.WebSocket.WriteWait)
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped", zap.Int("closed_clients", len(clients)))
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(a.cfg.WebSocket.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range a.cfg.WebSocket.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (a *Acceptor) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Info("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	id := uuid.NewString()
	conn, err := a.reg.Register(id, r.RemoteAddr)
	if err != nil {
		a.logger.Error("registering connection", zap.String("conn_id", id), zap.Error(err))
		_ = ws.Close()
		return
	}

	c := &client{acc: a, ws: ws, conn: conn, done: make(chan struct{})}

	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		_ = a.reg.Unregister(id)
		c.closeGoingAway(a.cfg.WebSocket.WriteWait)
		return
	}
	a.clients[c] = struct{}{}
	a.wg.Add(2)
	a.mu.Unlock()

	if err := a.hub.Submit(hub.Event{Kind: hub.KindConnect, ConnID: id}); err != nil {
		a.logger.Debug("hub unavailable for new connection", zap.String("conn_id", id), zap.Error(err))
	}

	a.logger.Info("user connected",
		zap.String("conn_id", id),
		zap.String("remote_addr", r.RemoteAddr),
	)

	go c.writePump()
	go func() {
		defer a.wg.Done()
		start := time.Now()
		c.readPump()
		a.mu.Lock()
		delete(a.clients, c)
		a.mu.Unlock()
		a.logger.Info("user disconnected",
			zap.String("conn_id", id),
			zap.Duration("duration", time.Since(start)),
		)
	}()
}

func (a *Acceptor) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Server is running!"))
}

func (a *Acceptor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Stats is the body of GET /api/stats.
type Stats struct {
	Lobbies     int `json:"lobbies"`
	Connections int `json:"connections"`
}

func (a *Acceptor) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(Stats{
		Lobbies:     a.dir.Len(),
		Connections: a.reg.Count(),
	})
}

func (a *Acceptor) handleQR(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if !a.dir.Exists(code) {
		http.Error(w, "lobby not found", http.StatusNotFound)
		return
	}

	base := a.cfg.Server.PublicURL
	if base == "" {
		base = "http://" + r.Host
	}
	png, err := qrcode.Generate(qrcode.JoinURL(base, code), qrcode.DefaultSize)
	if err != nil {
		a.logger.Error("generating qr code", zap.String("lobby_code", code), zap.Error(err))
		http.Error(w, "QR generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}
