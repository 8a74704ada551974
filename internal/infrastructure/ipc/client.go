package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	"vcam/pkg/circuitbreaker"
	apperrors "vcam/pkg/errors"
	"vcam/pkg/retry"
	"vcam/pkg/tracing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type ClientConfig struct {
	URL              string
	Role             string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	Retry            retry.Config
	Breaker          circuitbreaker.Config
}

func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:              url,
		Role:             RoleHost,
		HandshakeTimeout: 5 * time.Second,
		RequestTimeout:   5 * time.Second,
		WriteTimeout:     5 * time.Second,
		Retry:            retry.DefaultConfig(),
		Breaker:          circuitbreaker.DefaultConfig(),
	}
}

type callResult struct {
	env Envelope
	err error
}

// Pushes waiting for the handler beyond this are dropped.
const pushQueueSize = 16

type pushMessage struct {
	method  string
	payload json.RawMessage
}

// pushWorker runs the push handler off the read loop, so a slow command
// does not hold up replies. It lives until Stop.
type pushWorker struct {
	queue  chan pushMessage
	cancel context.CancelFunc
	done   chan struct{}
}

// Client is the host side of the proxy. Calls fail fast with
// domain.ErrProxyNotRunning until Start has connected.
type Client struct {
	cfg     ClientConfig
	auth    *TokenAuthority
	dialer  *websocket.Dialer
	breaker *circuitbreaker.CircuitBreaker
	push    ports.PushHandler
	metrics ports.IPCMetrics
	logger  *zap.SugaredLogger

	lifecycleMu sync.Mutex
	worker      *pushWorker

	mu         sync.Mutex
	conn       *websocket.Conn
	pending    map[string]chan callResult
	readerDone chan struct{}

	writeMu sync.Mutex
}

type ClientOption func(*Client)

// WithPushHandler receives messages pushed by the server.
func WithPushHandler(h ports.PushHandler) ClientOption {
	return func(c *Client) { c.push = h }
}

func WithClientMetrics(m ports.IPCMetrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func NewClient(cfg ClientConfig, auth *TokenAuthority, logger *zap.SugaredLogger, opts ...ClientOption) *Client {
	breakerCfg := cfg.Breaker
	breakerCfg.IsFailure = isTransportFailure

	c := &Client{
		cfg:     cfg,
		auth:    auth,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		breaker: circuitbreaker.New(breakerCfg),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		c.logger.Warnw("Proxy circuit breaker changed state", "from", from.String(), "to", to.String())
	})
	return c
}

// isTransportFailure keeps errors answered by the helper from opening the
// circuit.
func isTransportFailure(err error) bool {
	var wireErr *WireError
	if errors.As(err, &wireErr) {
		return false
	}
	return !errors.Is(err, domain.ErrClientInvalidated)
}

// Start connects to the helper and verifies the link with a ping.
func (c *Client) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.Running() {
		return domain.ErrProxyAlreadyRunning
	}

	retryCfg := c.cfg.Retry
	retryCfg.NonRetryableErrors = append([]error{domain.ErrProtocolMismatch, ErrInvalidToken}, retryCfg.NonRetryableErrors...)
	retryCfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("Proxy dial failed, retrying", "attempt", attempt, "delay", delay, "url", c.cfg.URL, "error", err)
	}

	conn, err := retry.RetryWithResult(ctx, retryCfg, func() (*websocket.Conn, error) {
		return c.dial(ctx)
	})
	if err != nil {
		return apperrors.NewConnectionError(err, "failed to connect to helper proxy")
	}

	// Failures counted against an earlier connection do not apply to this one.
	c.breaker.Reset()

	if c.push != nil && c.worker == nil {
		c.worker = c.startPushWorker()
	}
	var pushes chan pushMessage
	if c.worker != nil {
		pushes = c.worker.queue
	}

	readerDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.pending = make(map[string]chan callResult)
	c.readerDone = readerDone
	c.mu.Unlock()

	go c.readLoop(conn, readerDone, pushes)

	if err := c.Ping(ctx); err != nil {
		c.shutdown(domain.ErrClientInvalidated)
		return fmt.Errorf("failed to verify helper proxy: %w", err)
	}

	c.logger.Infow("Proxy connected", "url", c.cfg.URL)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.auth.Issue(c.cfg.Role)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set(HeaderAuthorization, "Bearer "+token)
	header.Set(HeaderProtocol, ProtocolVersion)

	conn, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, fmt.Errorf("helper refused token: %w", ErrInvalidToken)
			case http.StatusPreconditionFailed:
				return nil, domain.ErrProtocolMismatch
			}
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// Stop closes the connection. Calls still waiting fail with
// domain.ErrClientInvalidated.
func (c *Client) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()
	c.shutdown(domain.ErrClientInvalidated)

	if c.worker != nil {
		c.worker.cancel()
		<-c.worker.done
		c.worker = nil
	}
}

func (c *Client) startPushWorker() *pushWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &pushWorker{
		queue:  make(chan pushMessage, pushQueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-w.queue:
				c.push.HandlePush(ctx, m.method, m.payload)
			}
		}
	}()
	return w
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	conn, readerDone := c.conn, c.readerDone
	c.failPendingLocked(cause)
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return
	}

	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()
	conn.Close()
	<-readerDone

	c.logger.Infow("Proxy stopped")
}

func (c *Client) failPendingLocked(cause error) {
	for id, ch := range c.pending {
		ch <- callResult{err: cause}
		delete(c.pending, id)
	}
}

func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}, pushes chan<- pushMessage) {
	defer close(done)
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.interrupted(conn, err)
			return
		}

		switch env.Kind {
		case KindReply, KindError:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				ch <- callResult{env: env}
			} else {
				c.logger.Debugw("Dropped proxy reply with no waiting call", "id", env.ID, "method", env.Method)
			}
		case KindPush:
			if pushes == nil {
				continue
			}
			select {
			case pushes <- pushMessage{method: env.Method, payload: env.Payload}:
			default:
				c.logger.Warnw("Dropped proxy push, handler is busy", "method", env.Method)
			}
		default:
			c.logger.Warnw("Unexpected proxy message", "kind", env.Kind, "method", env.Method)
		}
	}
}

// interrupted handles a read failure. After a local Stop the connection is
// already detached and nothing is reported.
func (c *Client) interrupted(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.failPendingLocked(domain.ErrClientInterrupted)
	c.mu.Unlock()

	conn.Close()
	c.logger.Warnw("Proxy connection interrupted", "error", err)
}

func (c *Client) Ping(ctx context.Context) error {
	var reply string
	if err := c.call(ctx, MethodPing, nil, &reply); err != nil {
		return err
	}
	if reply != PongReply {
		return fmt.Errorf("unexpected ping reply %q: %w", reply, domain.ErrProtocolMismatch)
	}
	return nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var version string
	if err := c.call(ctx, MethodGetVersion, nil, &version); err != nil {
		return "", err
	}
	return version, nil
}

func (c *Client) OpenSettings(ctx context.Context) error {
	return c.call(ctx, MethodOpenSettings, nil, nil)
}

// UpdateRemoteState sends state without waiting for the helper.
func (c *Client) UpdateRemoteState(ctx context.Context, state json.RawMessage) error {
	ctx, span := tracing.TraceIPCCall(ctx, MethodUpdateRemoteState, "")
	defer span.End()

	env, err := newPush(MethodUpdateRemoteState, state)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrProxyNotRunning
	}

	if err := c.write(conn, env); err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("failed to send remote state: %w", err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, payload interface{}, out interface{}) error {
	env, err := newRequest(method, payload)
	if err != nil {
		return err
	}

	ctx, span := tracing.TraceIPCCall(ctx, method, env.ID)
	defer span.End()

	if !c.Running() {
		return domain.ErrProxyNotRunning
	}

	start := time.Now()
	reply, err := circuitbreaker.Do(ctx, c.breaker, func() (Envelope, error) {
		return c.roundTrip(ctx, env)
	})
	c.record(method, err, time.Since(start))

	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "helper proxy unavailable", http.StatusServiceUnavailable)
		}
		return fmt.Errorf("%s failed: %w", method, err)
	}

	if out == nil || len(reply.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Payload, out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", method, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, env Envelope) (Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	ch := make(chan callResult, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Envelope{}, domain.ErrProxyNotRunning
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	if err := c.write(conn, env); err != nil {
		c.forget(env.ID)
		return Envelope{}, fmt.Errorf("failed to send request: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return Envelope{}, res.err
		}
		if res.env.Kind == KindError {
			if res.env.Error == nil {
				return Envelope{}, &WireError{Code: string(apperrors.ErrCodeInternal), Message: "error reply without detail"}
			}
			return Envelope{}, res.env.Error
		}
		return res.env, nil
	case <-ctx.Done():
		c.forget(env.ID)
		return Envelope{}, fmt.Errorf("no reply to %s: %w", env.Method, ctx.Err())
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) write(conn *websocket.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(env)
}

func (c *Client) record(method string, err error, d time.Duration) {
	if c.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "rejected"
	default:
		outcome = "error"
	}
	c.metrics.RecordIPCRequest(method, outcome, d)
}

// BreakerState reports the circuit state guarding calls.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.GetState()
}
