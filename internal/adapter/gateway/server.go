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

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"lia-terminal/internal/domain"
	"lia-terminal/internal/infra/middleware"
	"lia-terminal/internal/usecase/surface"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, sess *Session, payload json.RawMessage) (json.RawMessage, error)

// DeniedLogger records rejected gateway calls. *security.FileAuditLogger
// implements it.
type DeniedLogger interface {
	LogAccessDenied(ctx context.Context, client, method, reason string) error
}

// tabSubscriber is implemented by buses that can filter events by tab.
type tabSubscriber interface {
	SubscribeTab(tabID string, handler domain.EventHandler) func()
}

// defaultOriginPatterns allow browser clients served from localhost.
var defaultOriginPatterns = []string{
	"localhost",
	"localhost:*",
	"127.0.0.1",
	"127.0.0.1:*",
	"[::1]",
	"[::1]:*",
}

// Options configures a Server.
type Options struct {
	Addr           string
	Auth           Authenticator
	Surface        *surface.Surface // base surface cloned per connection
	OriginPatterns []string
	ExecPerMinute  int // per connection; 0 = unlimited
	ExecBurst      int
	HTTPRateLimit  middleware.RateLimitConfig
	Denied         DeniedLogger      // can be nil
	Authorizer     domain.Authorizer // default: RoleAuthorizer
}

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	session   *Session
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

// Server is the WebSocket gateway that exposes RPC methods and forwards events.
type Server struct {
	bus        domain.EventBus
	clients    sync.Map // connID (uint64) -> *clientConn
	opts       Options
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	logger     *slog.Logger
	httpSrv    *http.Server
	boundAddr  atomic.Value // string
	nextID     atomic.Uint64
	conns      atomic.Int64
	httpRoutes []httpRoute // additional HTTP routes
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

// NewServer creates a gateway server.
func NewServer(bus domain.EventBus, opts Options, logger *slog.Logger) *Server {
	if opts.Auth == nil {
		opts.Auth = NoAuth{}
	}
	if opts.Authorizer == nil {
		opts.Authorizer = RoleAuthorizer{}
	}
	if len(opts.OriginPatterns) == 0 {
		opts.OriginPatterns = defaultOriginPatterns
	}
	return &Server{
		bus:      bus,
		opts:     opts,
		handlers: make(map[string]RPCHandler),
		logger:   logger,
	}
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// Methods returns the registered RPC method names.
func (s *Server) Methods() []string {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	return names
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start begins accepting WebSocket connections. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	rl := s.opts.HTTPRateLimit
	if rl.Logger == nil {
		rl.Logger = s.logger
	}
	handler := middleware.Chain(mux,
		middleware.AccessLog(s.logger),
		middleware.SecurityHeaders,
		middleware.RateLimitWithConfig(ctx, rl),
	)

	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	s.httpSrv = &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	// Close all client connections.
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

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Connections returns the number of connected WebSocket clients.
func (s *Server) Connections() int64 { return s.conns.Load() }

// authenticate checks the token from the query string or the Authorization
// header.
func (s *Server) authenticate(r *http.Request) (*ClientInfo, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return s.opts.Auth.Authenticate(token)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientInfo, err := s.authenticate(r)
	if err != nil {
		s.deny(r.Context(), "anonymous", "ws.connect", "invalid token")
		middleware.WriteError(w, http.StatusUnauthorized, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		session: newSession(clientInfo, s.opts.Surface, s.opts.ExecPerMinute, s.opts.ExecBurst),
		ws:      ws,
		sendCh:  make(chan Frame, 64),
		done:    make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.conns.Add(1)

	unsub := s.forwardEvents(cc, r.URL.Query().Get("tab_id"))

	s.logger.Info("gateway client connected", "conn_id", connID, "client", clientInfo.Name)

	// Start write loop.
	go s.writeLoop(cc)

	// Read loop (blocking).
	s.readLoop(r.Context(), cc)

	// Cleanup.
	unsub()
	cc.closeOnce.Do(func() { close(cc.done) })
	s.clients.Delete(connID)
	s.conns.Add(-1)
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

// forwardEvents subscribes cc to the bus. With a tab ID only that tab's
// events are forwarded, when the bus supports filtering.
func (s *Server) forwardEvents(cc *clientConn, tabID string) func() {
	if s.bus == nil {
		return func() {}
	}
	handler := func(_ context.Context, event domain.Event) {
		payload, err := json.Marshal(event)
		if err != nil {
			return
		}
		frame := Frame{
			Type:    FrameTypeEvent,
			Method:  string(event.Type),
			Payload: payload,
		}
		select {
		case <-cc.done:
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("gateway: dropped event for slow client", "event", string(event.Type))
		}
	}
	if ts, ok := s.bus.(tabSubscriber); ok && tabID != "" {
		return ts.SubscribeTab(tabID, handler)
	}
	return s.bus.SubscribeAll(handler)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		err := wsjson.Read(ctx, cc.ws, &frame)
		if err != nil {
			return // connection closed or error
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

	if err := validatePayload(req.Method, req.Payload); err != nil {
		s.sendResponse(cc, req.ID, nil, domain.NewDomainError(req.Method, domain.ErrRPCInvalidPayload, err.Error()))
		return
	}

	ctx = domain.ContextWithClient(ctx, cc.session.Client.Name)
	ctx = domain.ContextWithRoles(ctx, cc.session.Client.Roles)
	if perm, ok := methodPermissions[req.Method]; ok {
		if err := s.opts.Authorizer.Authorize(ctx, domain.RolesFromContext(ctx), perm); err != nil {
			s.deny(ctx, cc.session.Client.Name, req.Method, "missing permission "+string(perm))
			s.sendResponse(cc, req.ID, nil, err)
			return
		}
	}

	result, err := handler(ctx, cc.session, req.Payload)
	if errors.Is(err, domain.ErrRateLimit) {
		s.deny(ctx, cc.session.Client.Name, req.Method, "command rate limit exceeded")
	}
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
		resp.Code = string(domain.ErrorCodeOf(err))
	}
	select {
	case <-cc.done:
	case cc.sendCh <- resp:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", id)
	}
}

func (s *Server) deny(ctx context.Context, client, method, reason string) {
	s.logger.Warn("gateway: access denied", "client", client, "method", method, "reason", reason)
	if s.opts.Denied == nil {
		return
	}
	if err := s.opts.Denied.LogAccessDenied(ctx, client, method, reason); err != nil {
		s.logger.Warn("audit write failed", "error", err)
	}
}
