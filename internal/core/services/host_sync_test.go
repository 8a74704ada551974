package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	apperrors "vcam/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var _ ports.DeviceBridge = (*stubBridge)(nil)

type stubBridge struct {
	mu      sync.Mutex
	clients []domain.StreamingClient
	stats   domain.BridgeStats
}

func (b *stubBridge) Start(context.Context, ports.ClientDelegate) error { return nil }
func (b *stubBridge) Stop()                                             {}
func (b *stubBridge) PushFrame(domain.Frame)                            {}

func (b *stubBridge) Clients() []domain.StreamingClient {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.StreamingClient(nil), b.clients...)
}

func (b *stubBridge) Stats() domain.BridgeStats { return b.stats }

func (b *stubBridge) setClients(clients ...domain.StreamingClient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients = clients
}

type recordingSink struct {
	mu       sync.Mutex
	payloads []domain.RemoteState
	err      error
}

func (s *recordingSink) UpdateRemoteState(_ context.Context, payload json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	var rs domain.RemoteState
	if err := json.Unmarshal(payload, &rs); err != nil {
		return err
	}
	s.payloads = append(s.payloads, rs)
	return nil
}

func (s *recordingSink) last(t *testing.T) domain.RemoteState {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.payloads)
	return s.payloads[len(s.payloads)-1]
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payloads)
}

type MockExtensionManager struct {
	mock.Mock
}

func (m *MockExtensionManager) Activate(ctx context.Context) (domain.ExtensionState, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.ExtensionState), args.Error(1)
}

func (m *MockExtensionManager) Deactivate(ctx context.Context) (domain.ExtensionState, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.ExtensionState), args.Error(1)
}

type syncHarness struct {
	sync    *HostSync
	bridge  *stubBridge
	tracker *LifecycleTracker
	manager *MockExtensionManager
	sink    *recordingSink
}

func newSyncHarness(t *testing.T, initial domain.LifecycleEvent) *syncHarness {
	t.Helper()
	h := &syncHarness{
		bridge:  &stubBridge{},
		tracker: NewLifecycleTracker(nil, zaptest.NewLogger(t).Sugar()),
		manager: &MockExtensionManager{},
		sink:    &recordingSink{},
	}
	_, err := h.tracker.Apply(initial)
	require.NoError(t, err)

	h.sync = NewHostSync(domain.TestDeviceConfiguration(), h.bridge, h.tracker, h.manager, h.sink,
		zaptest.NewLogger(t).Sugar(), WithSyncInterval(0))
	h.sync.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return h
}

func TestHostSync_PushSnapshot(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventInstalled})
	h.bridge.setClients(domain.StreamingClient{PID: 11, ProcessName: "Meetings"}, domain.StreamingClient{PID: 12})
	h.bridge.stats = domain.BridgeStats{FramesWritten: 40, CurrentFrameRate: 30}

	require.NoError(t, h.sync.Push(context.Background()))

	rs := h.sink.last(t)
	assert.Equal(t, domain.TestDeviceConfiguration().DeviceUUID.String(), rs.DeviceID)
	assert.Equal(t, "installed", rs.Extension)
	assert.Equal(t, "11,12", rs.ClientPIDs)
	assert.Len(t, rs.Clients, 2)
	assert.Equal(t, uint64(40), rs.Stats.FramesWritten)
	assert.Empty(t, rs.Error)
}

func TestHostSync_PushWithoutProxy(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventNotInstalled})
	h.sink.err = domain.ErrProxyNotRunning

	err := h.sync.Push(context.Background())
	assert.ErrorIs(t, err, domain.ErrProxyNotRunning)
}

func TestHostSync_RunAppliesClientEvents(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventInstalled})
	events := make(chan ClientEvent, 2)

	done := make(chan struct{})
	go func() {
		h.sync.Run(context.Background(), events)
		close(done)
	}()

	client := domain.StreamingClient{PID: 21}
	h.bridge.setClients(client)
	events <- ClientEvent{Kind: ClientConnected, Client: client, IsFirst: true}
	h.bridge.setClients()
	events <- ClientEvent{Kind: ClientDisconnected, Client: client, IsLast: true}
	close(events)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the events channel closed")
	}

	assert.Equal(t, 2, h.sink.count())
	assert.Empty(t, h.tracker.State().Clients)
	assert.Equal(t, domain.StateInstalled, h.tracker.State().Kind)
}

func TestHostSync_RunStopsOnContext(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventNotInstalled})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.sync.Run(ctx, make(chan ClientEvent))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHostSync_Activate(t *testing.T) {
	observer := &MockLifecycleObserver{}
	observer.On("OnExtensionStateChanged", mock.Anything, mock.Anything).Return()
	observer.On("OnInstallSucceeded", domain.StateInstalled).Return().Once()

	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventNotInstalled})
	h.tracker.observer = observer
	h.bridge.setClients(domain.StreamingClient{PID: 5})
	h.manager.On("Activate", mock.Anything).Return(domain.InstalledState(nil), nil).Once()

	require.NoError(t, h.sync.Activate(context.Background()))

	state := h.tracker.State()
	assert.Equal(t, domain.StateInstalled, state.Kind)
	require.Len(t, state.Clients, 1)
	assert.Equal(t, 5, state.Clients[0].PID)
	assert.Equal(t, "installed", h.sink.last(t).Extension)
	observer.AssertCalled(t, "OnExtensionStateChanged", domain.StateNotInstalled, domain.StateAwaitingUserApproval)
	observer.AssertCalled(t, "OnExtensionStateChanged", domain.StateAwaitingUserApproval, domain.StateInstalled)
	observer.AssertExpectations(t)
	h.manager.AssertExpectations(t)
}

func TestHostSync_ActivateGuard(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventInstalled})

	err := h.sync.Activate(context.Background())
	assert.ErrorIs(t, err, domain.ErrCommandNotAllowed)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeExtension))
	h.manager.AssertNotCalled(t, "Activate", mock.Anything)
	assert.Equal(t, 1, h.sink.count())
}

func TestHostSync_ActivateWhileRebootPending(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventRebootRequired})

	err := h.sync.Activate(context.Background())
	assert.ErrorIs(t, err, domain.ErrCommandNotAllowed)
	h.manager.AssertNotCalled(t, "Activate", mock.Anything)
	assert.Equal(t, domain.StateRequiresReboot, h.tracker.State().Kind)
}

func TestHostSync_DeactivateWhileAwaitingApproval(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventApprovalRequired})

	err := h.sync.Deactivate(context.Background())
	assert.ErrorIs(t, err, domain.ErrCommandNotAllowed)
	h.manager.AssertNotCalled(t, "Deactivate", mock.Anything)
	assert.Equal(t, domain.StateAwaitingUserApproval, h.tracker.State().Kind)
}

func TestHostSync_DeactivateUnreachableResult(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventInstalled})
	// uninstalling cannot move to requiresReboot
	h.manager.On("Deactivate", mock.Anything).Return(domain.ExtensionState{Kind: domain.StateRequiresReboot}, nil)

	err := h.sync.Deactivate(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, domain.StateError, h.tracker.State().Kind)
}

func TestHostSync_ActivateUnexpectedResult(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventNotInstalled})
	h.manager.On("Activate", mock.Anything).Return(domain.ExtensionState{Kind: domain.StateUninstalling}, nil)

	err := h.sync.Activate(context.Background())
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	state := h.tracker.State()
	assert.Equal(t, domain.StateError, state.Kind)
	assert.NotEmpty(t, h.sink.last(t).Error)
}

func TestHostSync_ActivateFailure(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventNotInstalled})
	denied := errors.New("denied by policy")
	h.manager.On("Activate", mock.Anything).Return(domain.ExtensionState{}, denied)

	err := h.sync.Activate(context.Background())
	assert.ErrorIs(t, err, denied)
	assert.Equal(t, domain.StateError, h.tracker.State().Kind)
}

func TestHostSync_Deactivate(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventInstalled})
	h.manager.On("Deactivate", mock.Anything).Return(domain.ExtensionState{Kind: domain.StateNotInstalled}, nil).Once()

	require.NoError(t, h.sync.Deactivate(context.Background()))
	assert.Equal(t, domain.StateNotInstalled, h.tracker.State().Kind)

	err := h.sync.Deactivate(context.Background())
	assert.ErrorIs(t, err, domain.ErrCommandNotAllowed)
	h.manager.AssertExpectations(t)
}

func TestHostSync_HandlePush(t *testing.T) {
	h := newSyncHarness(t, domain.LifecycleEvent{Kind: domain.EventInstalled})
	h.manager.On("Deactivate", mock.Anything).Return(domain.ExtensionState{Kind: domain.StateNotInstalled}, nil).Once()

	h.sync.HandlePush(context.Background(), "somethingElse", json.RawMessage(`{"command":"deactivate"}`))
	h.sync.HandlePush(context.Background(), domain.RemoteCommandMethod, json.RawMessage(`{"command":"reboot"}`))
	h.sync.HandlePush(context.Background(), domain.RemoteCommandMethod, json.RawMessage(`not json`))
	h.manager.AssertNotCalled(t, "Deactivate", mock.Anything)

	h.sync.HandlePush(context.Background(), domain.RemoteCommandMethod, json.RawMessage(`{"command":"Deactivate"}`))
	assert.Equal(t, domain.StateNotInstalled, h.tracker.State().Kind)

	before := h.sink.count()
	h.sync.HandlePush(context.Background(), domain.RemoteCommandMethod, json.RawMessage(`{"command":"refresh"}`))
	assert.Equal(t, before+1, h.sink.count())
	h.manager.AssertExpectations(t)
}

func TestEventForState_ReachesState(t *testing.T) {
	for _, kind := range allKinds {
		state := domain.ExtensionState{Kind: kind}
		if kind == domain.StateError {
			state.Cause = errors.New("boom")
		}
		ev := EventForState(state)
		got, ok := targetKind(ev.Kind)
		require.True(t, ok, kind.String())
		assert.Equal(t, kind, got, kind.String())
	}
}
