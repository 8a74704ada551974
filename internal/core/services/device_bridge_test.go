package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"vcam/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type fakeDevice struct {
	cfg  domain.DeviceConfiguration
	pids chan []int
	logs chan string

	mu        sync.Mutex
	frames    [][]byte
	pullLines []string
	writeErr  error
}

func newFakeDevice(cfg domain.DeviceConfiguration) *fakeDevice {
	return &fakeDevice{
		cfg:  cfg,
		pids: make(chan []int, 16),
		logs: make(chan string, 16),
	}
}

func (d *fakeDevice) Configuration() domain.DeviceConfiguration { return d.cfg }

func (d *fakeDevice) ClientPIDs(ctx context.Context) (<-chan []int, error) {
	return d.pids, nil
}

func (d *fakeDevice) SubscribeLogs(ctx context.Context) (<-chan string, error) {
	return d.logs, nil
}

func (d *fakeDevice) PullLog(ctx context.Context, token string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pullLines) == 0 {
		return domain.NoLogMessagesAvailable, nil
	}
	line := d.pullLines[0]
	d.pullLines = d.pullLines[1:]
	return line, nil
}

func (d *fakeDevice) WriteFrame(ctx context.Context, buf []byte, format domain.PixelFormat, pts time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writeErr != nil {
		return d.writeErr
	}
	d.frames = append(d.frames, append([]byte(nil), buf...))
	return nil
}

func (d *fakeDevice) writtenFrames() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.frames...)
}

type recordingDelegate struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingDelegate) OnClientConnected(c domain.StreamingClient, isFirst bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("+%d first=%t", c.PID, isFirst))
}

func (r *recordingDelegate) OnClientDisconnected(c domain.StreamingClient, isLast bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("-%d last=%t", c.PID, isLast))
}

func (r *recordingDelegate) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func smallConfig(mode domain.LogCollectionMode) domain.DeviceConfiguration {
	cfg := domain.TestDeviceConfiguration()
	cfg.Resolution = domain.Resolution{Width: 16, Height: 8}
	cfg.LogCollectionMode = mode
	return cfg
}

func newTestBridge(t *testing.T, cfg domain.DeviceConfiguration, logger *zap.SugaredLogger) (*DeviceBridge, *fakeDevice) {
	t.Helper()
	device := newFakeDevice(cfg)
	bridge, err := NewDeviceBridge(cfg, device, logger)
	require.NoError(t, err)
	return bridge, device
}

func TestDeviceBridge_RemovedBeforeAdded(t *testing.T) {
	bridge, device := newTestBridge(t, smallConfig(domain.LogCollectionPull), zaptest.NewLogger(t).Sugar())
	delegate := &recordingDelegate{}
	require.NoError(t, bridge.Start(context.Background(), delegate))

	device.pids <- []int{1, 2}
	require.Eventually(t, func() bool { return len(delegate.snapshot()) == 2 }, time.Second, 5*time.Millisecond)

	device.pids <- []int{2, 3}
	require.Eventually(t, func() bool { return len(delegate.snapshot()) == 4 }, time.Second, 5*time.Millisecond)

	bridge.Stop()

	assert.Equal(t, []string{
		"+1 first=true",
		"+2 first=false",
		"-1 last=false",
		"+3 first=false",
		"-3 last=false",
		"-2 last=true",
	}, delegate.snapshot())
}

func TestDeviceBridge_LastThenFirstInOneSnapshotSequence(t *testing.T) {
	bridge, device := newTestBridge(t, smallConfig(domain.LogCollectionPull), zaptest.NewLogger(t).Sugar())
	delegate := &recordingDelegate{}
	require.NoError(t, bridge.Start(context.Background(), delegate))
	defer bridge.Stop()

	device.pids <- []int{5}
	device.pids <- []int{}
	device.pids <- []int{6}
	require.Eventually(t, func() bool { return len(delegate.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"+5 first=true", "-5 last=true", "+6 first=true"}, delegate.snapshot())
	assert.Len(t, bridge.Clients(), 1)
}

func TestDeviceBridge_StopIsIdempotentAndFinal(t *testing.T) {
	bridge, device := newTestBridge(t, smallConfig(domain.LogCollectionPush), zaptest.NewLogger(t).Sugar())
	delegate := &recordingDelegate{}
	require.NoError(t, bridge.Start(context.Background(), delegate))

	device.pids <- []int{10}
	require.Eventually(t, func() bool { return len(delegate.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	bridge.Stop()
	bridge.Stop()
	after := delegate.snapshot()
	assert.Equal(t, []string{"+10 first=true", "-10 last=true"}, after)

	device.pids <- []int{11, 12}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, delegate.snapshot())
	assert.Empty(t, bridge.Clients())
}

func TestDeviceBridge_DoubleStart(t *testing.T) {
	bridge, _ := newTestBridge(t, smallConfig(domain.LogCollectionPull), zaptest.NewLogger(t).Sugar())
	require.NoError(t, bridge.Start(context.Background(), nil))
	defer bridge.Stop()

	assert.ErrorIs(t, bridge.Start(context.Background(), nil), domain.ErrBridgeAlreadyStarted)
}

func TestDeviceBridge_RestartAfterStop(t *testing.T) {
	bridge, device := newTestBridge(t, smallConfig(domain.LogCollectionPull), zaptest.NewLogger(t).Sugar())
	require.NoError(t, bridge.Start(context.Background(), nil))
	bridge.Stop()

	delegate := &recordingDelegate{}
	require.NoError(t, bridge.Start(context.Background(), delegate))
	defer bridge.Stop()

	device.pids <- []int{42}
	require.Eventually(t, func() bool { return len(delegate.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDeviceBridge_InvalidConfiguration(t *testing.T) {
	cfg := smallConfig(domain.LogCollectionPull)
	cfg.FrameRate = 120
	_, err := NewDeviceBridge(cfg, newFakeDevice(cfg), zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestDeviceBridge_PushFrameNeverBlocks(t *testing.T) {
	bridge, _ := newTestBridge(t, smallConfig(domain.LogCollectionPull), zaptest.NewLogger(t).Sugar())

	frame := domain.Frame{Width: 16, Height: 8, Format: domain.PixelFormatBGRA, Data: make([]byte, 16*8*4)}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			frame.Sequence = uint64(i)
			bridge.PushFrame(frame)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("PushFrame blocked")
	}

	stats := bridge.Stats()
	assert.Equal(t, uint64(1000), stats.FramesPushed)
	assert.Equal(t, uint64(1000-(DefaultTargetDelay+1)), stats.FramesDropped)
}

func TestDeviceBridge_ConvertsAndWritesFrames(t *testing.T) {
	cfg := smallConfig(domain.LogCollectionPull)
	bridge, device := newTestBridge(t, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, bridge.Start(context.Background(), nil))
	defer bridge.Stop()

	device.pids <- []int{1}

	gray := make([]byte, 16*8*4)
	for i := range gray {
		gray[i] = 128
	}
	ySize := 16 * 8

	require.Eventually(t, func() bool {
		bridge.PushFrame(domain.Frame{Width: 16, Height: 8, Format: domain.PixelFormatRGBA, Data: gray})
		for _, f := range device.writtenFrames() {
			if f[0] == 128 && f[ySize] == 128 {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	frames := device.writtenFrames()
	require.NotEmpty(t, frames)
	// The first write happens before any producer frame: the black landing frame.
	assert.Equal(t, byte(0), frames[0][0])
	assert.Equal(t, byte(128), frames[0][ySize])
	assert.Len(t, frames[0], cfg.NativeBufferSize())
}

func TestDeviceBridge_ConversionFailureIsCounted(t *testing.T) {
	bridge, _ := newTestBridge(t, smallConfig(domain.LogCollectionPull), zaptest.NewLogger(t).Sugar())
	require.NoError(t, bridge.Start(context.Background(), nil))
	defer bridge.Stop()

	bridge.PushFrame(domain.Frame{Width: 8, Height: 8, Format: domain.PixelFormatRGBA, Data: make([]byte, 8*8*4)})

	require.Eventually(t, func() bool { return bridge.Stats().ConversionFailures == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestDeviceBridge_WriteFailureIsCounted(t *testing.T) {
	cfg := smallConfig(domain.LogCollectionPull)
	device := newFakeDevice(cfg)
	device.writeErr = fmt.Errorf("sink buffer unavailable")
	bridge, err := NewDeviceBridge(cfg, device, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	require.NoError(t, bridge.Start(context.Background(), nil))
	defer bridge.Stop()

	require.Eventually(t, func() bool { return bridge.Stats().WriteFailures > 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, bridge.Stats().FramesWritten)
}

func TestDeviceBridge_SustainedWriteFailuresLogOnce(t *testing.T) {
	cfg := smallConfig(domain.LogCollectionPull)
	device := newFakeDevice(cfg)
	device.writeErr = fmt.Errorf("sink buffer unavailable")
	core, logs := observer.New(zap.InfoLevel)
	bridge, err := NewDeviceBridge(cfg, device, zap.New(core).Sugar())
	require.NoError(t, err)

	require.NoError(t, bridge.Start(context.Background(), nil))
	defer bridge.Stop()

	require.Eventually(t, func() bool { return bridge.Stats().WriteFailures >= 3 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessageSnippet(domain.LogBufferRetriesFailed).Len())
}

func TestDeviceBridge_PushedLogsAreThrottled(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	bridge, device := newTestBridge(t, smallConfig(domain.LogCollectionPush), zap.New(core).Sugar())
	require.NoError(t, bridge.Start(context.Background(), nil))
	defer bridge.Stop()

	noisy := "[vcam] 2024-03-01 09:30:15.250 " + domain.LogBufferRetriesFailed
	batch := strings.Join([]string{"[vcam] camera started", noisy, noisy, noisy}, domain.LogMessageSeparator)
	device.logs <- batch
	device.logs <- noisy

	require.Eventually(t, func() bool { return logs.FilterMessage("Device log").Len() >= 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	entries := logs.FilterMessage("Device log").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "[vcam] camera started", entries[0].ContextMap()["line"])
	assert.Equal(t, noisy, entries[1].ContextMap()["line"])
}

func TestNewLogThrottle(t *testing.T) {
	noisy := "[vcam] " + domain.LogBufferRetriesFailed

	off := NewLogThrottle(0)
	for i := 0; i < 3; i++ {
		msg, ok := off.Add(noisy)
		require.True(t, ok)
		assert.Equal(t, noisy, msg)
	}

	on := NewLogThrottle(time.Minute)
	_, ok := on.Add(noisy)
	assert.True(t, ok)
	_, ok = on.Add(noisy)
	assert.False(t, ok)
	_, ok = on.Add("[vcam] camera started")
	assert.True(t, ok)
}

func TestDeviceBridge_PullsLogs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cfg := smallConfig(domain.LogCollectionPull)
	device := newFakeDevice(cfg)
	device.pullLines = []string{"[vcam-test] one", "[vcam-test] two"}
	bridge, err := NewDeviceBridge(cfg, device, zap.New(core).Sugar())
	require.NoError(t, err)

	require.NoError(t, bridge.Start(context.Background(), nil))
	defer bridge.Stop()

	require.Eventually(t, func() bool { return logs.FilterMessage("Device log").Len() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientEventChannel_WithBridge(t *testing.T) {
	bridge, device := newTestBridge(t, smallConfig(domain.LogCollectionPull), zaptest.NewLogger(t).Sugar())
	events := NewClientEventChannel(0, zaptest.NewLogger(t).Sugar())
	require.NoError(t, bridge.Start(context.Background(), events))

	device.pids <- []int{7}
	ev := <-events.Events()
	assert.Equal(t, ClientConnected, ev.Kind)
	assert.Equal(t, 7, ev.Client.PID)
	assert.True(t, ev.IsFirst)

	bridge.Stop()
	ev = <-events.Events()
	assert.Equal(t, ClientDisconnected, ev.Kind)
	assert.True(t, ev.IsLast)

	events.Close()
	events.Close()
	_, open := <-events.Events()
	assert.False(t, open)

	// Late callbacks after Close are ignored.
	events.OnClientConnected(domain.StreamingClient{PID: 1}, true)
}

func TestClientEventChannel_DropsWhenFull(t *testing.T) {
	events := NewClientEventChannel(1, zaptest.NewLogger(t).Sugar())
	events.OnClientConnected(domain.StreamingClient{PID: 1}, true)
	events.OnClientConnected(domain.StreamingClient{PID: 2}, false)

	ev := <-events.Events()
	assert.Equal(t, 1, ev.Client.PID)
	select {
	case ev := <-events.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}
