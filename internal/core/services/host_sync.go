package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	apperrors "vcam/pkg/errors"
	"vcam/pkg/tracing"

	"go.uber.org/zap"
)

const (
	DefaultSyncInterval = 5 * time.Second
	defaultPushTimeout  = 2 * time.Second
)

type HostSyncOption func(*HostSync)

// WithSyncInterval sets how often a snapshot is pushed without any change.
// Zero disables periodic pushes.
func WithSyncInterval(d time.Duration) HostSyncOption {
	return func(s *HostSync) {
		s.interval = d
	}
}

// HostSync keeps the helper informed of the host's state. It consumes the
// bridge's client events, feeds them into the lifecycle tracker and pushes a
// domain.RemoteState after every change. It also executes the commands the
// helper sends back.
type HostSync struct {
	cfg      domain.DeviceConfiguration
	bridge   ports.DeviceBridge
	tracker  *LifecycleTracker
	manager  ports.ExtensionManager
	sink     ports.RemoteStateSink
	logger   *zap.SugaredLogger
	now      func() time.Time
	interval time.Duration

	// cmdMu serializes activate and deactivate.
	cmdMu sync.Mutex
}

var _ ports.PushHandler = (*HostSync)(nil)

func NewHostSync(
	cfg domain.DeviceConfiguration,
	bridge ports.DeviceBridge,
	tracker *LifecycleTracker,
	manager ports.ExtensionManager,
	sink ports.RemoteStateSink,
	logger *zap.SugaredLogger,
	opts ...HostSyncOption,
) *HostSync {
	s := &HostSync{
		cfg:      cfg,
		bridge:   bridge,
		tracker:  tracker,
		manager:  manager,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		interval: DefaultSyncInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run consumes client events until ctx is done or events is closed.
func (s *HostSync) Run(ctx context.Context, events <-chan ClientEvent) {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleClientEvent(ctx, ev)
		case <-tick:
			_ = s.Push(ctx)
		}
	}
}

func (s *HostSync) handleClientEvent(ctx context.Context, ev ClientEvent) {
	ctx, span := tracing.TraceClientEvent(ctx, ev.Kind.String(), ev.Client.PID)
	defer span.End()

	switch ev.Kind {
	case ClientConnected:
		s.logger.Infow("Streaming client connected",
			"pid", ev.Client.PID,
			"name", ev.Client.DisplayName(),
			"session_id", ev.Client.SessionID,
			"is_first", ev.IsFirst,
		)
	case ClientDisconnected:
		s.logger.Infow("Streaming client disconnected",
			"pid", ev.Client.PID,
			"name", ev.Client.DisplayName(),
			"session_id", ev.Client.SessionID,
			"is_last", ev.IsLast,
		)
	}

	clients := s.bridge.Clients()
	if _, err := s.tracker.Apply(domain.LifecycleEvent{Kind: domain.EventClientsChanged, Clients: clients}); err != nil {
		tracing.RecordError(ctx, err)
	}
	_ = s.Push(ctx)
}

// Snapshot builds the state that Push would send.
func (s *HostSync) Snapshot() domain.RemoteState {
	return domain.NewRemoteState(s.cfg, s.tracker.State(), s.bridge.Clients(), s.bridge.Stats(), s.now())
}

// Push sends the current snapshot. A proxy that is not running is expected
// while the helper is down and only logged at debug.
func (s *HostSync) Push(ctx context.Context) error {
	raw, err := json.Marshal(s.Snapshot())
	if err != nil {
		return fmt.Errorf("failed to marshal remote state: %w", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	err = s.sink.UpdateRemoteState(pushCtx, raw)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrProxyNotRunning):
		s.logger.Debugw("Remote state not sent, proxy is not running")
	default:
		s.logger.Warnw("Failed to push remote state", "error", err)
	}
	return err
}

// HandlePush executes remoteCommand pushes from the helper.
func (s *HostSync) HandlePush(ctx context.Context, method string, payload json.RawMessage) {
	if method != domain.RemoteCommandMethod {
		s.logger.Debugw("Ignoring proxy push", "method", method)
		return
	}

	var cmd struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		s.logger.Warnw("Malformed remote command", "error", err)
		return
	}
	kind, ok := domain.ParseCommandKind(cmd.Command)
	if !ok {
		s.logger.Warnw("Unknown remote command", "command", cmd.Command)
		return
	}

	if err := s.Execute(ctx, kind); err != nil {
		s.logger.Warnw("Remote command failed", "command", string(kind), "error", err)
	}
}

// Execute runs one command. Commands the current state does not allow fail
// with an EXTENSION_ERROR wrapping domain.ErrCommandNotAllowed.
func (s *HostSync) Execute(ctx context.Context, kind domain.CommandKind) error {
	switch kind {
	case domain.CommandRefresh:
		return s.Push(ctx)
	case domain.CommandActivate:
		return s.Activate(ctx)
	case domain.CommandDeactivate:
		return s.Deactivate(ctx)
	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown command %q", string(kind)))
	}
}

// Activate submits an activation request and records its outcome.
func (s *HostSync) Activate(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	defer s.Push(ctx)

	state := s.tracker.State()
	if !CanActivate(state) {
		return notAllowed("activate", state)
	}

	// The system asks the user to approve every activation request.
	if _, err := s.tracker.Apply(domain.LifecycleEvent{Kind: domain.EventApprovalRequired}); err != nil {
		return err
	}

	result, err := s.manager.Activate(ctx)
	if err != nil {
		result = domain.ErrorState(err)
	}
	return s.record(ActivationOutcome(result), err)
}

// Deactivate submits a deactivation request and records its outcome.
func (s *HostSync) Deactivate(ctx context.Context) error {
	s.cmdMu.Lock()
	defer s.cmdMu.Unlock()
	defer s.Push(ctx)

	state := s.tracker.State()
	if !CanDeactivate(state) {
		return notAllowed("deactivate", state)
	}

	if _, err := s.tracker.Apply(domain.LifecycleEvent{Kind: domain.EventUninstallStarted}); err != nil {
		return err
	}

	result, err := s.manager.Deactivate(ctx)
	if err != nil {
		result = domain.ErrorState(err)
	}
	return s.record(DeactivationOutcome(result), err)
}

func (s *HostSync) record(outcome domain.ExtensionState, cause error) error {
	if outcome.Kind == domain.StateInstalled {
		outcome.Clients = s.bridge.Clients()
	}
	if _, err := s.tracker.Apply(EventForState(outcome)); err != nil {
		// An outcome the lifecycle cannot reach leaves the request failed.
		if _, ferr := s.tracker.Apply(domain.LifecycleEvent{Kind: domain.EventFailed, Cause: err}); ferr != nil {
			s.logger.Errorw("Failed to record extension failure", "error", ferr)
		}
		return err
	}
	if cause != nil {
		return apperrors.NewExtensionError(cause, "extension request failed")
	}
	if outcome.Kind == domain.StateError {
		return apperrors.NewExtensionError(outcome.Cause, "extension request failed")
	}
	return nil
}

func notAllowed(command string, state domain.ExtensionState) error {
	return apperrors.NewExtensionError(domain.ErrCommandNotAllowed,
		fmt.Sprintf("cannot %s while %s", command, state.Kind)).
		WithContext("state", state.Kind.String())
}

// EventForState is the lifecycle event that moves the tracker into state.
func EventForState(state domain.ExtensionState) domain.LifecycleEvent {
	switch state.Kind {
	case domain.StateNotInstalled:
		return domain.LifecycleEvent{Kind: domain.EventNotInstalled}
	case domain.StateAwaitingUserApproval:
		return domain.LifecycleEvent{Kind: domain.EventApprovalRequired}
	case domain.StateInstalling:
		return domain.LifecycleEvent{Kind: domain.EventInstallStarted}
	case domain.StateInstalled:
		return domain.LifecycleEvent{Kind: domain.EventInstalled, Clients: state.Clients}
	case domain.StateNeedsUpdate:
		return domain.LifecycleEvent{Kind: domain.EventUpdateRequired}
	case domain.StateRequiresReboot:
		return domain.LifecycleEvent{Kind: domain.EventRebootRequired}
	case domain.StateUninstalling:
		return domain.LifecycleEvent{Kind: domain.EventUninstallStarted}
	case domain.StateError:
		return domain.LifecycleEvent{Kind: domain.EventFailed, Cause: state.Cause}
	default:
		return domain.LifecycleEvent{Kind: domain.EventReset}
	}
}
