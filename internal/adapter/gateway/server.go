// Package gateway is the management surface of the engine: a REST API over
// the dispatcher and registry, plus a WebSocket endpoint that streams engine
// events and answers RPC calls.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"orchestra-ai/internal/domain"
	"orchestra-ai/internal/infra/middleware"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// ServerConfig configures the listener and the HTTP middleware chain.
type ServerConfig struct {
	Addr string
	// AllowedOrigins are extra WebSocket origin patterns on top of loopback.
	AllowedOrigins []string
	RateLimit      middleware.RateLimitConfig
	// MaxBodyBytes caps request bodies. Zero means middleware.DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

var loopbackOrigins = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// Server is the gateway: REST routes, WebSocket RPC and the event stream.
type Server struct {
	bus        domain.EventBus
	clients    sync.Map // connID (uint64) -> *clientConn
	auth       Authenticator
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	logger     *slog.Logger
	cfg        ServerConfig
	httpSrv    *http.Server
	bound      atomic.Value // string
	nextID     atomic.Uint64
	unsubMu    sync.Mutex
	unsubs     []func()
	httpRoutes []httpRoute
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server. bus may be nil, in which case no
// events are streamed.
func NewServer(bus domain.EventBus, auth Authenticator, cfg ServerConfig, logger *slog.Logger) *Server {
	if auth == nil {
		auth = OpenAuth{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bus:      bus,
		auth:     auth,
		handlers: make(map[string]RPCHandler),
		logger:   logger,
		cfg:      cfg,
	}
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux. Patterns use
// the net/http method and wildcard syntax. Must be called before Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Handler builds the routed HTTP handler wrapped in the security middleware
// and starts forwarding bus events to WebSocket clients. The event
// subscription and the rate limiter's sweeper end when ctx is cancelled.
func (s *Server) Handler(ctx context.Context) http.Handler {
	if s.bus != nil {
		unsub := s.bus.SubscribeAll(s.forwardEvent)
		s.unsubMu.Lock()
		s.unsubs = append(s.unsubs, unsub)
		s.unsubMu.Unlock()
		go func() {
			<-ctx.Done()
			unsub()
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}
	return middleware.Chain(mux,
		middleware.SecurityHeaders,
		middleware.RateLimit(ctx, s.cfg.RateLimit),
		middleware.MaxBody(s.cfg.MaxBodyBytes),
	)
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.bound.Store(listener.Addr().String())
	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// forwardEvent fans an engine event out to every connected client.
func (s *Server) forwardEvent(_ context.Context, event domain.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{
		Type:    FrameTypeEvent,
		Payload: payload,
	}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("gateway: dropped event for slow client", "event", string(event.Type))
		}
		return true
	})
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	s.unsubMu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.unsubMu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.closeOnce.Do(func() { close(cc.done) })
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Empty before Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.bound.Load().(string)
	return addr
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientInfo, err := s.auth.Authenticate(bearerToken(r))
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: append(append([]string(nil), loopbackOrigins...), s.cfg.AllowedOrigins...),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		info:   clientInfo,
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)

	s.logger.Info("gateway client connected", "conn_id", connID, "client", clientInfo.Name)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	s.handlersMu.RLock()
	handler, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		s.sendResponse(cc, req.ID, nil, domain.ErrRPCMethodNotFound)
		return
	}

	result, err := handler(ctx, cc.info, req.Payload)
	s.sendResponse(cc, req.ID, result, err)
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Error = err.Error()
		resp.Code = domain.ErrorCodeOf(err)
	}
	select {
	case cc.sendCh <- resp:
	case <-cc.done:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", id)
	}
}
