// Package gateway exposes the broker to remote panels over WebSocket.
//
// Each connection authenticates with a signed panel token and becomes a
// domain.Port that the broker serves exactly like an in-process pipe.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"

	"pagechat/internal/domain"
	"pagechat/internal/infra/middleware"
)

// AttachFunc starts serving port and returns a function that stops it.
type AttachFunc func(port domain.Port) (detach func())

// Options configures a Server.
type Options struct {
	Addr      string
	SendQueue int
	// Status adds fields to the /health response.
	Status func() map[string]any
	// ConnectLimit throttles WebSocket upgrades per client IP.
	ConnectLimit middleware.LimitConfig
}

// Server is the WebSocket gateway.
type Server struct {
	opts    Options
	auth    Authenticator
	attach  AttachFunc
	bus     domain.EventBus
	logger  *slog.Logger
	router  chi.Router
	limiter *middleware.Limiter

	conns     sync.Map // id -> *conn
	nextID    atomic.Uint64
	active    atomic.Int64
	httpSrv   *http.Server
	boundAddr atomic.Value // string
	stopOnce  sync.Once
}

// NewServer creates a gateway. bus may be nil.
func NewServer(opts Options, auth Authenticator, attach AttachFunc, bus domain.EventBus, logger *slog.Logger) *Server {
	s := &Server{opts: opts, auth: auth, attach: attach, bus: bus, logger: logger}
	s.limiter = middleware.NewLimiter(opts.ConnectLimit)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer, middleware.Headers)
	r.Get("/health", s.health)
	r.With(s.limiter.Handler).Get("/ws", s.handleUpgrade)
	s.router = r
	s.httpSrv = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start accepts connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go s.limiter.Run(ctx)
	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop closes every connection and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.conns.Range(func(key, value any) bool {
			c := value.(*conn)
			c.close()
			c.ws.Close(websocket.StatusGoingAway, "broker shutting down")
			return true
		})
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err = s.httpSrv.Shutdown(shutdownCtx)
	})
	return err
}

// BoundAddr returns the listening address once Start has bound it.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Connections returns the number of attached panels.
func (s *Server) Connections() int { return int(s.active.Load()) }

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok", "connections": s.Connections()}
	if s.opts.Status != nil {
		for k, v := range s.opts.Status() {
			body[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func tokenFrom(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info, err := s.auth.Authenticate(tokenFrom(r))
	if err != nil {
		s.logger.Warn("gateway: rejected connection", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	c := newConn(s.nextID.Add(1), info, ws, s.opts.SendQueue, s.logger)
	s.conns.Store(c.id, c)
	s.active.Add(1)
	s.publish(r.Context(), domain.EventPanelAttached, info.PanelID)
	c.logger.Info("gateway panel connected")

	detach := s.attach(c)
	go c.writeLoop()
	c.readLoop(r.Context())

	detach()
	c.close()
	s.conns.Delete(c.id)
	s.active.Add(-1)
	ws.Close(websocket.StatusNormalClosure, "")
	s.publish(context.WithoutCancel(r.Context()), domain.EventPanelDetached, info.PanelID)
	c.logger.Info("gateway panel disconnected", "dropped", c.dropped.Load())
}

func (s *Server) publish(ctx context.Context, t domain.EventType, panelID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, domain.NewEvent(t, "", map[string]string{"panel_id": panelID}))
}
