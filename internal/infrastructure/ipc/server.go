package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"vcam/internal/core/ports"
	apperrors "vcam/pkg/errors"
	"vcam/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ServerConfig holds the connection timing and per-connection limits.
type ServerConfig struct {
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
	// CloseGrace bounds how long Close waits for requests still inside
	// RemoteControl after their context is cancelled.
	CloseGrace time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      15 * time.Second,
		ReadTimeout:       45 * time.Second,
		WriteTimeout:      5 * time.Second,
		MessagesPerSecond: 50,
		Burst:             100,
		MaxMessageSize:    1 << 20,
		CloseGrace:        5 * time.Second,
	}
}

// ConnectionInfo describes one connected proxy client.
type ConnectionInfo struct {
	ID          string    `json:"id"`
	Role        string    `json:"role"`
	SessionID   string    `json:"session_id"`
	RemoteAddr  string    `json:"remote_addr"`
	ConnectedAt time.Time `json:"connected_at"`
}

type serverConn struct {
	info    ConnectionInfo
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex
}

func (c *serverConn) write(env Envelope, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteJSON(env)
}

func (c *serverConn) ping(timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
}

// Server is the helper side of the proxy. It answers requests with a
// ports.RemoteControl and can push commands to every connected client.
type Server struct {
	control ports.RemoteControl
	auth    *TokenAuthority
	metrics ports.IPCMetrics
	cfg     ServerConfig

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	connections map[string]*serverConn
	closed      bool
	active      sync.WaitGroup

	// ctx is cancelled by Close and bounds every request being served.
	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.SugaredLogger
}

type ServerOption func(*Server)

func WithServerMetrics(m ports.IPCMetrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

func NewServer(control ports.RemoteControl, auth *TokenAuthority, cfg ServerConfig, logger *zap.SugaredLogger, opts ...ServerOption) *Server {
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultServerConfig().CloseGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ctx:         ctx,
		cancel:      cancel,
		control:     control,
		auth:        auth,
		cfg:         cfg,
		connections: make(map[string]*serverConn),
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Only loopback peers holding a token get this far.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleWebSocket authenticates and upgrades the request, then serves the
// connection until it closes.
func (s *Server) HandleWebSocket(c *gin.Context) {
	if v := c.GetHeader(HeaderProtocol); v != ProtocolVersion {
		s.logger.Warnw("Rejected proxy client with protocol mismatch", "version", v, "remote_addr", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusPreconditionFailed, gin.H{
			"error": gin.H{"code": string(apperrors.ErrCodeInvalidInput), "message": "unsupported protocol version"},
		})
		return
	}

	claims, err := s.authenticate(c.GetHeader(HeaderAuthorization))
	if err != nil {
		s.logger.Warnw("Rejected proxy client", "remote_addr", c.ClientIP(), "error", err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"code": string(apperrors.ErrCodeUnauthorized), "message": err.Error()},
		})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	s.active.Add(1)
	s.mu.Unlock()
	defer s.active.Done()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sc := &serverConn{
		info: ConnectionInfo{
			ID:          uuid.NewString(),
			Role:        claims.Role,
			SessionID:   claims.SessionID,
			RemoteAddr:  c.ClientIP(),
			ConnectedAt: time.Now(),
		},
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst),
	}
	s.register(sc)
	defer s.unregister(sc)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	s.serve(ctx, sc)
}

func (s *Server) authenticate(header string) (*Claims, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ErrInvalidToken
	}
	return s.auth.Validate(token)
}

func (s *Server) register(sc *serverConn) {
	s.mu.Lock()
	s.connections[sc.info.ID] = sc
	n := len(s.connections)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetIPCConnections(n)
	}
	s.logger.Infow("Proxy client connected",
		"connection_id", sc.info.ID, "role", sc.info.Role, "session_id", sc.info.SessionID)
}

func (s *Server) unregister(sc *serverConn) {
	s.mu.Lock()
	delete(s.connections, sc.info.ID)
	n := len(s.connections)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetIPCConnections(n)
	}
	s.logger.Infow("Proxy client disconnected", "connection_id", sc.info.ID)
}

func (s *Server) serve(ctx context.Context, sc *serverConn) {
	conn := sc.conn
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan Envelope, 16)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				errorChan <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			select {
			case messageChan <- env:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case env := <-messageChan:
			s.handle(ctx, sc, env)

		case <-pingTicker.C:
			if err := sc.ping(s.cfg.WriteTimeout); err != nil {
				s.logger.Infow("error sending ping", "connection_id", sc.info.ID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Infow("error reading proxy message", "connection_id", sc.info.ID, "error", err)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, sc *serverConn, env Envelope) {
	if !sc.limiter.Allow() {
		s.respond(sc, env, env.fail(string(apperrors.ErrCodeRateLimit), "too many proxy messages"))
		return
	}

	if env.Kind != KindRequest && env.Kind != KindPush {
		s.respond(sc, env, env.fail(string(apperrors.ErrCodeInvalidInput), fmt.Sprintf("unexpected message kind %q", env.Kind)))
		return
	}

	ctx, span := tracing.TraceIPCRequest(ctx, env.Method, sc.info.SessionID)
	defer span.End()

	start := time.Now()
	payload, err := s.dispatch(ctx, env)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		tracing.RecordError(ctx, err)
	}
	if s.metrics != nil {
		s.metrics.RecordIPCRequest(env.Method, outcome, time.Since(start))
	}

	if err != nil {
		s.logger.Warnw("Proxy request failed", "method", env.Method, "connection_id", sc.info.ID, "error", err)
		s.respond(sc, env, env.fail(errorCode(err), err.Error()))
		return
	}

	reply, err := env.reply(payload)
	if err != nil {
		reply = env.fail(string(apperrors.ErrCodeInternal), err.Error())
	}
	s.respond(sc, env, reply)
}

// respond writes out unless in answers a push.
func (s *Server) respond(sc *serverConn, in Envelope, out Envelope) {
	if in.Kind == KindPush {
		return
	}
	if err := sc.write(out, s.cfg.WriteTimeout); err != nil {
		s.logger.Infow("error writing proxy reply", "connection_id", sc.info.ID, "method", in.Method, "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, env Envelope) (interface{}, error) {
	switch env.Method {
	case MethodPing:
		return PongReply, nil
	case MethodGetVersion:
		return s.control.Version(), nil
	case MethodOpenSettings:
		return nil, s.control.OpenSettings(ctx)
	case MethodUpdateRemoteState:
		if len(env.Payload) == 0 || !json.Valid(env.Payload) {
			return nil, apperrors.NewInvalidInputError("updateRemoteState needs a JSON payload")
		}
		return nil, s.control.UpdateRemoteState(ctx, env.Payload)
	default:
		return nil, apperrors.NewNotFoundError("method " + env.Method)
	}
}

func errorCode(err error) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return string(appErr.Code)
	}
	return string(apperrors.ErrCodeInternal)
}

// Broadcast pushes a message to every connected client and returns how many
// received it.
func (s *Server) Broadcast(method string, payload interface{}) (int, error) {
	env, err := newPush(method, payload)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	conns := make([]*serverConn, 0, len(s.connections))
	for _, sc := range s.connections {
		conns = append(conns, sc)
	}
	s.mu.RUnlock()

	sent := 0
	var errs []error
	for _, sc := range conns {
		if err := sc.write(env, s.cfg.WriteTimeout); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", sc.info.ID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Connections returns the connected clients ordered by connect time.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.RLock()
	out := make([]ConnectionInfo, 0, len(s.connections))
	for _, sc := range s.connections {
		out = append(out, sc.info)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Close refuses new clients, cancels in-flight requests, closes every
// connection and waits up to CloseGrace for the serve loops to return.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*serverConn, 0, len(s.connections))
	for _, sc := range s.connections {
		conns = append(conns, sc)
	}
	s.mu.Unlock()

	s.cancel()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "helper shutting down")
	for _, sc := range conns {
		sc.writeMu.Lock()
		_ = sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		sc.writeMu.Unlock()
		sc.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.CloseGrace):
		s.logger.Warnw("Proxy requests still running after close", "grace", s.cfg.CloseGrace)
	}
}
