package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	"vcam/pkg/throttle"

	"go.uber.org/zap"
)

const (
	// DefaultLogThrottleInterval bounds how often a noisy device log line is repeated.
	DefaultLogThrottleInterval = 60 * time.Second

	pullLogToken   = "next"
	maxPullsPerRun = 50
	publishTimeout = 2 * time.Second
)

var _ ports.DeviceBridge = (*DeviceBridge)(nil)

type BridgeOption func(*DeviceBridge)

func WithProcessResolver(resolver ports.ProcessResolver) BridgeOption {
	return func(b *DeviceBridge) {
		b.resolver = resolver
	}
}

func WithEventPublisher(publisher ports.EventPublisher) BridgeOption {
	return func(b *DeviceBridge) {
		b.publisher = publisher
	}
}

func WithBridgeMetrics(metrics ports.BridgeMetrics) BridgeOption {
	return func(b *DeviceBridge) {
		b.metrics = metrics
	}
}

// NewLogThrottle collapses repeats of domain.LogBufferRetriesFailed to one
// line per interval. A zero interval disables throttling.
func NewLogThrottle(interval time.Duration) throttle.StringThrottle {
	if interval <= 0 {
		return throttle.Passthrough{}
	}
	return throttle.NewStringContainingSubstring(domain.LogBufferRetriesFailed, interval, nil)
}

// WithLogThrottle replaces the throttle applied to device log lines.
func WithLogThrottle(t throttle.StringThrottle) BridgeOption {
	return func(b *DeviceBridge) {
		if t != nil {
			b.logThrottle = t
		}
	}
}

// WithPumpOptions forwards options to the bridge's frame pump.
func WithPumpOptions(opts ...PumpOption) BridgeOption {
	return func(b *DeviceBridge) {
		b.pumpOpts = append(b.pumpOpts, opts...)
	}
}

// DeviceBridge connects a producer to the virtual device. It forwards frames
// through the pump, tracks the processes reading the source stream and
// relays the device's log lines.
//
// Client notifications for one PID snapshot are delivered removed first,
// then added, all from a single goroutine.
type DeviceBridge struct {
	cfg       domain.DeviceConfiguration
	device    ports.VirtualDevice
	logger    *zap.SugaredLogger
	resolver  ports.ProcessResolver
	publisher ports.EventPublisher
	metrics   ports.BridgeMetrics

	registry    *ClientRegistry
	pump        *FramePump
	logThrottle throttle.StringThrottle
	pumpOpts    []PumpOption

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	delegate    ports.ClientDelegate
}

func NewDeviceBridge(
	cfg domain.DeviceConfiguration,
	device ports.VirtualDevice,
	logger *zap.SugaredLogger,
	opts ...BridgeOption,
) (*DeviceBridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &DeviceBridge{
		cfg:         cfg,
		device:      device,
		logger:      logger,
		logThrottle: NewLogThrottle(DefaultLogThrottleInterval),
	}
	for _, opt := range opts {
		opt(b)
	}

	// Device log lines and sink write failures share one throttle slot.
	pumpOpts := append([]PumpOption{WithWriteFailureThrottle(b.logThrottle)}, b.pumpOpts...)
	pump, err := NewFramePump(cfg, device, b.metrics, logger.With("component", "frame_pump"), pumpOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame pump: %w", err)
	}
	b.pump = pump
	b.registry = NewClientRegistry(b.resolver, logger)
	return b, nil
}

// Start opens the device listeners and begins pumping frames.
func (b *DeviceBridge) Start(ctx context.Context, delegate ports.ClientDelegate) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.started {
		return domain.ErrBridgeAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	pids, err := b.device.ClientPIDs(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen for stream clients: %w", err)
	}

	var logs <-chan string
	if b.cfg.LogCollectionMode == domain.LogCollectionPush {
		logs, err = b.device.SubscribeLogs(runCtx)
		if err != nil {
			cancel()
			return fmt.Errorf("failed to listen for device logs: %w", err)
		}
	}

	b.started = true
	b.cancel = cancel
	b.delegate = delegate

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.callbackLoop(runCtx, pids, logs)
	}()
	go func() {
		defer b.wg.Done()
		b.pump.Run(runCtx)
	}()

	b.logger.Infow("Device bridge started",
		"device", b.cfg.Name,
		"resolution", fmt.Sprintf("%dx%d", b.cfg.Resolution.Width, b.cfg.Resolution.Height),
		"codec", string(b.cfg.Codec),
		"log_mode", string(b.cfg.LogCollectionMode),
	)
	return nil
}

// Stop tears down the listeners and reports every remaining client as
// disconnected. No delegate callbacks fire after Stop returns.
func (b *DeviceBridge) Stop() {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if !b.started {
		return
	}
	b.cancel()
	b.wg.Wait()

	removed := b.registry.RemoveAll()
	for i, c := range removed {
		b.notifyDisconnected(context.Background(), c, i == len(removed)-1)
	}
	b.pump.SetConsumers(0)

	b.delegate = nil
	b.cancel = nil
	b.started = false
	b.logger.Infow("Device bridge stopped", "clients_released", len(removed))
}

// PushFrame never blocks. Frames the pump cannot keep up with are dropped.
func (b *DeviceBridge) PushFrame(frame domain.Frame) {
	b.pump.Push(frame)
}

func (b *DeviceBridge) Clients() []domain.StreamingClient {
	return b.registry.Clients()
}

func (b *DeviceBridge) Stats() domain.BridgeStats {
	return b.pump.Stats()
}

func (b *DeviceBridge) callbackLoop(ctx context.Context, pids <-chan []int, logs <-chan string) {
	var pullTick <-chan time.Time
	if b.cfg.LogCollectionMode == domain.LogCollectionPull {
		ticker := time.NewTicker(DefaultLogPushInterval)
		defer ticker.Stop()
		pullTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-pids:
			if !ok {
				pids = nil
				continue
			}
			b.refresh(ctx, snapshot)
		case batch, ok := <-logs:
			if !ok {
				logs = nil
				continue
			}
			for _, line := range strings.Split(batch, domain.LogMessageSeparator) {
				b.handleLogLine(line)
			}
		case <-pullTick:
			b.pullLogs(ctx)
		}
	}
}

func (b *DeviceBridge) refresh(ctx context.Context, snapshot []int) {
	res := b.registry.Refresh(ctx, snapshot)
	if res.Empty() {
		return
	}
	b.pump.SetConsumers(b.registry.Len())

	for i, c := range res.Removed {
		b.notifyDisconnected(ctx, c, res.IsLast && i == len(res.Removed)-1)
	}
	for i, c := range res.Added {
		b.notifyConnected(ctx, c, res.IsFirst && i == 0)
	}
}

func (b *DeviceBridge) notifyConnected(ctx context.Context, c domain.StreamingClient, isFirst bool) {
	b.logger.Infow("Stream client connected",
		"pid", c.PID,
		"process", c.DisplayName(),
		"session_id", c.SessionID,
		"is_first", isFirst,
	)
	if b.delegate != nil {
		b.delegate.OnClientConnected(c, isFirst)
	}
	if b.publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := b.publisher.PublishClientConnected(pctx, c, isFirst); err != nil {
			b.logger.Warnw("Failed to publish client event", "pid", c.PID, "error", err)
		}
	}
}

func (b *DeviceBridge) notifyDisconnected(ctx context.Context, c domain.StreamingClient, isLast bool) {
	b.logger.Infow("Stream client disconnected",
		"pid", c.PID,
		"process", c.DisplayName(),
		"session_id", c.SessionID,
		"connected_for", time.Since(c.ConnectedAt).String(),
		"is_last", isLast,
	)
	if b.delegate != nil {
		b.delegate.OnClientDisconnected(c, isLast)
	}
	if b.publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := b.publisher.PublishClientDisconnected(pctx, c, isLast); err != nil {
			b.logger.Warnw("Failed to publish client event", "pid", c.PID, "error", err)
		}
	}
}

func (b *DeviceBridge) pullLogs(ctx context.Context) {
	for i := 0; i < maxPullsPerRun; i++ {
		line, err := b.device.PullLog(ctx, pullLogToken)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Debugw("Failed to pull device log", "error", err)
			}
			return
		}
		if line == domain.NoLogMessagesAvailable || line == domain.UnsupportedLogCollectionMode {
			return
		}
		b.handleLogLine(line)
	}
}

func (b *DeviceBridge) handleLogLine(line string) {
	if line == "" {
		return
	}
	msg, ok := b.logThrottle.Add(line)
	if !ok {
		return
	}
	b.logger.Infow("Device log", "line", msg)
}
