package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	apperrors "vcam/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "0123456789abcdef-test-secret"

type MockRemoteControl struct {
	mock.Mock
}

func (m *MockRemoteControl) Version() string {
	return m.Called().String(0)
}

func (m *MockRemoteControl) OpenSettings(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockRemoteControl) UpdateRemoteState(ctx context.Context, payload json.RawMessage) error {
	return m.Called(ctx, payload).Error(0)
}

type pushed struct {
	method  string
	payload json.RawMessage
}

type pushRecorder chan pushed

func (r pushRecorder) HandlePush(_ context.Context, method string, payload json.RawMessage) {
	r <- pushed{method: method, payload: payload}
}

type harness struct {
	server  *Server
	client  *Client
	control *MockRemoteControl
	pushes  pushRecorder
	url     string
}

func newHarness(t *testing.T, mutate func(*ServerConfig, *ClientConfig)) *harness {
	t.Helper()
	return newHarnessWithPush(t, mutate, nil)
}

// newHarnessWithPush uses handler for server pushes instead of the recorder.
func newHarnessWithPush(t *testing.T, mutate func(*ServerConfig, *ClientConfig), handler ports.PushHandler) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	auth, err := NewTokenAuthority(testSecret, time.Minute)
	require.NoError(t, err)

	serverCfg := DefaultServerConfig()
	serverCfg.PingInterval = 50 * time.Millisecond
	clientCfg := DefaultClientConfig("")
	clientCfg.RequestTimeout = time.Second
	clientCfg.Retry.MaxAttempts = 1
	clientCfg.Retry.InitialDelay = 10 * time.Millisecond
	clientCfg.Retry.Jitter = false
	if mutate != nil {
		mutate(&serverCfg, &clientCfg)
	}

	h := &harness{control: &MockRemoteControl{}, pushes: make(pushRecorder, 8)}
	h.server = NewServer(h.control, auth, serverCfg, logger)

	router := gin.New()
	router.GET("/ipc", h.server.HandleWebSocket)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(h.server.Close)

	h.url = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ipc"
	if clientCfg.URL == "" {
		clientCfg.URL = h.url
	}
	// Breaker state changes are logged from their own goroutine, possibly
	// after the test returns, so the client logs to an observer.
	core, _ := observer.New(zap.DebugLevel)
	if handler == nil {
		handler = h.pushes
	}
	h.client = NewClient(clientCfg, auth, zap.New(core).Sugar(), WithPushHandler(handler))
	t.Cleanup(h.client.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.client.Start(context.Background()))
}

func TestIPC_Requests(t *testing.T) {
	h := newHarness(t, nil)
	h.control.On("Version").Return("2.4.1")
	h.control.On("OpenSettings", mock.Anything).Return(nil).Once()
	h.start(t)

	ctx := context.Background()
	require.NoError(t, h.client.Ping(ctx))

	version, err := h.client.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2.4.1", version)

	require.NoError(t, h.client.OpenSettings(ctx))
	h.control.AssertExpectations(t)
	assert.Equal(t, 1, h.server.ConnectionCount())
}

func TestClient_FailsFastBeforeStart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.client.Ping(ctx), domain.ErrProxyNotRunning)
	_, err := h.client.Version(ctx)
	assert.ErrorIs(t, err, domain.ErrProxyNotRunning)
	assert.ErrorIs(t, h.client.OpenSettings(ctx), domain.ErrProxyNotRunning)
	assert.ErrorIs(t, h.client.UpdateRemoteState(ctx, json.RawMessage(`{}`)), domain.ErrProxyNotRunning)
	h.control.AssertNotCalled(t, "OpenSettings", mock.Anything)
}

func TestClient_DoubleStart(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	assert.ErrorIs(t, h.client.Start(context.Background()), domain.ErrProxyAlreadyRunning)
}

func TestClient_RejectedToken(t *testing.T) {
	h := newHarness(t, nil)

	other, err := NewTokenAuthority("another-secret-of-enough-length", time.Minute)
	require.NoError(t, err)
	cfg := DefaultClientConfig(h.url)
	cfg.Retry.MaxAttempts = 5
	client := NewClient(cfg, other, zap.NewNop().Sugar())

	start := time.Now()
	err = client.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConnection))
	assert.Less(t, time.Since(start), time.Second, "a refused token is not retried")
	assert.Zero(t, h.server.ConnectionCount())
}

func TestServer_ProtocolMismatch(t *testing.T) {
	h := newHarness(t, nil)
	auth, err := NewTokenAuthority(testSecret, time.Minute)
	require.NoError(t, err)
	token, err := auth.Issue("host")
	require.NoError(t, err)

	header := http.Header{}
	header.Set(HeaderAuthorization, "Bearer "+token)
	header.Set(HeaderProtocol, "0")
	_, resp, err := websocket.DefaultDialer.Dial(h.url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusPreconditionFailed, resp.StatusCode)
}

func TestIPC_UpdateRemoteStateReachesHelper(t *testing.T) {
	h := newHarness(t, nil)
	received := make(chan json.RawMessage, 1)
	h.control.On("UpdateRemoteState", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { received <- args.Get(1).(json.RawMessage) }).
		Return(nil)
	h.start(t)

	state := json.RawMessage(`{"muted":true,"background":"blur"}`)
	require.NoError(t, h.client.UpdateRemoteState(context.Background(), state))

	select {
	case got := <-received:
		assert.JSONEq(t, string(state), string(got))
	case <-time.After(2 * time.Second):
		t.Fatal("remote state never reached the helper")
	}
}

func TestIPC_BroadcastReachesPushHandler(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	sent, err := h.server.Broadcast(MethodRemoteCommand, map[string]string{"action": "toggle-mute"})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	select {
	case p := <-h.pushes:
		assert.Equal(t, MethodRemoteCommand, p.method)
		assert.JSONEq(t, `{"action":"toggle-mute"}`, string(p.payload))
	case <-time.After(2 * time.Second):
		t.Fatal("push never delivered")
	}
}

func TestIPC_RemoteErrorsKeepBreakerClosed(t *testing.T) {
	h := newHarness(t, func(_ *ServerConfig, c *ClientConfig) {
		c.Breaker.FailureThreshold = 2
	})
	h.control.On("OpenSettings", mock.Anything).Return(apperrors.NewNotFoundError("settings window"))
	h.start(t)

	for i := 0; i < 5; i++ {
		err := h.client.OpenSettings(context.Background())
		var wireErr *WireError
		require.ErrorAs(t, err, &wireErr)
		assert.Equal(t, string(apperrors.ErrCodeNotFound), wireErr.Code)
	}
	assert.Equal(t, "closed", h.client.BreakerState().String())
}

func TestIPC_TimeoutsOpenBreaker(t *testing.T) {
	h := newHarness(t, func(_ *ServerConfig, c *ClientConfig) {
		c.RequestTimeout = 50 * time.Millisecond
		c.Breaker.FailureThreshold = 2
		c.Breaker.Timeout = time.Minute
	})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.control.On("OpenSettings", mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)
	h.start(t)

	ctx := context.Background()
	assert.ErrorIs(t, h.client.OpenSettings(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, h.client.OpenSettings(ctx), context.DeadlineExceeded)

	err := h.client.Ping(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeServiceUnavailable))
}

func TestClient_ReconnectClosesBreaker(t *testing.T) {
	h := newHarness(t, func(_ *ServerConfig, c *ClientConfig) {
		c.RequestTimeout = 50 * time.Millisecond
		c.Breaker.FailureThreshold = 2
		c.Breaker.Timeout = time.Minute
	})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.control.On("OpenSettings", mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)
	h.start(t)

	ctx := context.Background()
	_ = h.client.OpenSettings(ctx)
	_ = h.client.OpenSettings(ctx)
	require.Equal(t, "open", h.client.BreakerState().String())

	h.client.Stop()
	require.NoError(t, h.client.Start(ctx))
	assert.Equal(t, "closed", h.client.BreakerState().String())
	require.NoError(t, h.client.Ping(ctx))
}

func TestClient_StopInvalidatesPendingCalls(t *testing.T) {
	h := newHarness(t, nil)
	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	h.control.On("OpenSettings", mock.Anything).
		Run(func(mock.Arguments) { close(entered); <-release }).
		Return(nil)
	h.start(t)

	errc := make(chan error, 1)
	go func() { errc <- h.client.OpenSettings(context.Background()) }()
	<-entered

	h.client.Stop()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrClientInvalidated)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released by Stop")
	}
	assert.False(t, h.client.Running())
	assert.ErrorIs(t, h.client.Ping(context.Background()), domain.ErrProxyNotRunning)
}

func TestClient_ServerGoneInterruptsCalls(t *testing.T) {
	h := newHarness(t, nil)
	entered := make(chan struct{})
	cancelled := make(chan struct{})
	h.control.On("OpenSettings", mock.Anything).
		Run(func(args mock.Arguments) {
			close(entered)
			<-args.Get(0).(context.Context).Done()
			close(cancelled)
		}).
		Return(context.Canceled)
	h.start(t)

	errc := make(chan error, 1)
	go func() { errc <- h.client.OpenSettings(context.Background()) }()
	<-entered

	closed := make(chan struct{})
	go func() {
		h.server.Close()
		close(closed)
	}()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, domain.ErrClientInterrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not interrupted")
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("request context not cancelled by Close")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Eventually(t, func() bool { return !h.client.Running() }, time.Second, 10*time.Millisecond)
}

func TestServer_CloseBoundedByGrace(t *testing.T) {
	h := newHarness(t, func(s *ServerConfig, _ *ClientConfig) {
		s.CloseGrace = 100 * time.Millisecond
	})
	entered := make(chan struct{})
	release := make(chan struct{})
	// ignores its context
	h.control.On("OpenSettings", mock.Anything).
		Run(func(mock.Arguments) { close(entered); <-release }).
		Return(nil)
	h.start(t)

	go func() { _ = h.client.OpenSettings(context.Background()) }()
	<-entered

	closed := make(chan struct{})
	go func() {
		h.server.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close waited past its grace period")
	}
	close(release)
	// the handler logs on its way out
	h.server.active.Wait()
}

func TestServer_RateLimitsMessages(t *testing.T) {
	h := newHarness(t, func(s *ServerConfig, _ *ClientConfig) {
		s.MessagesPerSecond = 0.001
		s.Burst = 1
	})
	h.control.On("Version").Return("2.4.1")
	h.start(t)

	_, err := h.client.Version(context.Background())
	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, string(apperrors.ErrCodeRateLimit), wireErr.Code)
}

func TestServer_UnknownMethod(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	err := h.client.call(context.Background(), "launchRocket", nil, nil)
	var wireErr *WireError
	require.True(t, errors.As(err, &wireErr))
	assert.Equal(t, string(apperrors.ErrCodeNotFound), wireErr.Code)
}

func TestTokenAuthority(t *testing.T) {
	auth, err := NewTokenAuthority(testSecret, time.Minute)
	require.NoError(t, err)
	now := time.Unix(1_700_000_000, 0)
	auth.now = func() time.Time { return now }

	token, err := auth.Issue("host")
	require.NoError(t, err)

	claims, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "host", claims.Role)
	assert.NotEmpty(t, claims.SessionID)

	other, err := NewTokenAuthority("a-different-secret-value", time.Minute)
	require.NoError(t, err)
	_, err = other.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = auth.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	now = now.Add(2 * time.Minute)
	_, err = auth.Validate(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = NewTokenAuthority("short", time.Minute)
	assert.Error(t, err)
}

// slowPush blocks every push until released or cancelled.
type slowPush struct {
	entered   chan struct{}
	release   chan struct{}
	cancelled chan struct{}
}

func newSlowPush() *slowPush {
	return &slowPush{
		entered:   make(chan struct{}, 1),
		release:   make(chan struct{}),
		cancelled: make(chan struct{}, 1),
	}
}

func (p *slowPush) HandlePush(ctx context.Context, _ string, _ json.RawMessage) {
	p.entered <- struct{}{}
	select {
	case <-p.release:
	case <-ctx.Done():
		p.cancelled <- struct{}{}
	}
}

func TestClient_CallsProceedDuringSlowPush(t *testing.T) {
	push := newSlowPush()
	h := newHarnessWithPush(t, func(_ *ServerConfig, c *ClientConfig) {
		c.RequestTimeout = 500 * time.Millisecond
	}, push)
	h.control.On("Version").Return("2.4.1")
	h.start(t)
	t.Cleanup(func() { close(push.release) })

	sent, err := h.server.Broadcast(MethodRemoteCommand, map[string]string{"command": "activate"})
	require.NoError(t, err)
	require.Equal(t, 1, sent)
	<-push.entered

	version, err := h.client.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.4.1", version)
	require.NoError(t, h.client.Ping(context.Background()))
}

func TestClient_StopCancelsRunningPush(t *testing.T) {
	push := newSlowPush()
	h := newHarnessWithPush(t, nil, push)
	h.start(t)

	_, err := h.server.Broadcast(MethodRemoteCommand, map[string]string{"command": "activate"})
	require.NoError(t, err)
	<-push.entered

	stopped := make(chan struct{})
	go func() {
		h.client.Stop()
		close(stopped)
	}()

	select {
	case <-push.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("push handler context not cancelled by Stop")
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
