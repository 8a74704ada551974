// Package device provides an in-process virtual camera. It stands in for the
// OS-registered device: producers write into its sink stream, readers attach
// to its source stream and it exposes the same log and client properties.
package device

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	"vcam/internal/core/services"

	"go.uber.org/zap"
)

// Sample is one frame as seen by a source stream reader. Data is shared
// between readers and must not be modified.
type Sample struct {
	Data     []byte
	Format   domain.PixelFormat
	PTS      time.Duration
	Sequence uint64
}

// MemoryDevice is a ports.VirtualDevice backed by memory.
type MemoryDevice struct {
	cfg    domain.DeviceConfiguration
	logs   *services.LogChannel
	logger *zap.SugaredLogger

	mu       sync.Mutex
	closed   bool
	done     chan struct{}
	readers  map[int]*Reader
	pidSubs  map[chan []int]struct{}
	logSubs  map[chan string]struct{}
	sequence uint64

	written atomic.Uint64
}

var _ ports.VirtualDevice = (*MemoryDevice)(nil)

func NewMemoryDevice(cfg domain.DeviceConfiguration, logger *zap.SugaredLogger, opts ...services.LogChannelOption) (*MemoryDevice, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logs, err := services.NewLogChannel(cfg.LogCollectionMode, cfg.LogMessagePrefix, opts...)
	if err != nil {
		return nil, err
	}
	return &MemoryDevice{
		cfg:     cfg,
		logs:    logs,
		logger:  logger,
		readers: make(map[int]*Reader),
		pidSubs: make(map[chan []int]struct{}),
		logSubs: make(map[chan string]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins log delivery.
func (d *MemoryDevice) Start(ctx context.Context) error {
	return d.logs.Start(ctx, d.publishLogs)
}

// Close detaches every reader and ends all subscriptions.
func (d *MemoryDevice) Close() error {
	d.logs.Stop()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	close(d.done)
	for pid, r := range d.readers {
		r.close()
		delete(d.readers, pid)
	}
	for ch := range d.pidSubs {
		close(ch)
		delete(d.pidSubs, ch)
	}
	for ch := range d.logSubs {
		close(ch)
		delete(d.logSubs, ch)
	}
	return nil
}

func (d *MemoryDevice) Configuration() domain.DeviceConfiguration {
	return d.cfg
}

// Log is the device side of the log property.
func (d *MemoryDevice) Log(message string) {
	d.logs.Add(message)
}

// ClientPIDs delivers the current snapshot immediately and then every change.
// A slow subscriber only ever sees the latest snapshot.
func (d *MemoryDevice) ClientPIDs(ctx context.Context) (<-chan []int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, domain.ErrDeviceClosed
	}

	ch := make(chan []int, 1)
	d.pidSubs[ch] = struct{}{}
	ch <- d.snapshotLocked()

	go func() {
		select {
		case <-ctx.Done():
		case <-d.done:
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.pidSubs[ch]; ok {
			delete(d.pidSubs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (d *MemoryDevice) SubscribeLogs(ctx context.Context) (<-chan string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, domain.ErrDeviceClosed
	}

	ch := make(chan string, 16)
	d.logSubs[ch] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
		case <-d.done:
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.logSubs[ch]; ok {
			delete(d.logSubs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (d *MemoryDevice) publishLogs(batch string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.logSubs {
		select {
		case ch <- batch:
		default:
			d.logger.Debugw("Log subscriber is full, batch dropped")
		}
	}
}

// PullLog performs the sentinel write followed by a read of the log property.
func (d *MemoryDevice) PullLog(ctx context.Context, token string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := d.SetProperty(domain.PropertyLog, token); err != nil {
		return "", err
	}
	return d.Property(domain.PropertyLog)
}

// Property reads a custom device property the way a listening process would.
func (d *MemoryDevice) Property(key domain.PropertyKey) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", domain.ErrDeviceClosed
	}

	switch key {
	case domain.PropertyLog:
		return d.logs.Property(), nil
	case domain.PropertyStreamingClients:
		return d.clientsPropertyLocked(), nil
	case domain.PropertyDeviceUID:
		return d.cfg.DeviceUUID.String(), nil
	}
	return "", fmt.Errorf("%w: %s", domain.ErrUnknownProperty, key.FourCC())
}

// SetProperty writes a custom device property. Only the log property is
// settable; any write to it is the pull-mode sentinel.
func (d *MemoryDevice) SetProperty(key domain.PropertyKey, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrDeviceClosed
	}

	switch key {
	case domain.PropertyLog:
		d.logs.RequestNext(value)
		return nil
	case domain.PropertyStreamingClients, domain.PropertyDeviceUID:
		return fmt.Errorf("%w: %s", domain.ErrReadOnlyProperty, key.FourCC())
	}
	return fmt.Errorf("%w: %s", domain.ErrUnknownProperty, key.FourCC())
}

// WriteFrame copies buf and hands it to every attached reader.
func (d *MemoryDevice) WriteFrame(ctx context.Context, buf []byte, format domain.PixelFormat, pts time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if need := d.cfg.NativeBufferSize(); len(buf) < need {
		return fmt.Errorf("frame buffer holds %d bytes, sink expects %d", len(buf), need)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return domain.ErrDeviceClosed
	}

	d.sequence++
	sample := Sample{
		Data:     append([]byte(nil), buf[:d.cfg.NativeBufferSize()]...),
		Format:   format,
		PTS:      pts,
		Sequence: d.sequence,
	}
	for _, r := range d.readers {
		r.deliver(sample)
	}
	d.written.Add(1)
	return nil
}

// Attach registers pid as a reader of the source stream.
func (d *MemoryDevice) Attach(pid int) (*Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, domain.ErrDeviceClosed
	}
	if r, ok := d.readers[pid]; ok {
		return r, nil
	}

	r := &Reader{pid: pid, device: d, notify: make(chan struct{}, 1), done: make(chan struct{})}
	d.readers[pid] = r
	d.broadcastPIDsLocked()
	d.Log("client attached pid=" + strconv.Itoa(pid))
	return r, nil
}

func (d *MemoryDevice) detach(pid int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.readers[pid]
	if !ok {
		return
	}
	delete(d.readers, pid)
	r.close()
	d.broadcastPIDsLocked()
}

func (d *MemoryDevice) clientsPropertyLocked() string {
	pids := d.pidsLocked()
	clients := make([]domain.StreamingClient, len(pids))
	for i, pid := range pids {
		clients[i].PID = pid
	}
	return domain.FormatClientPIDs(clients)
}

// snapshotLocked is what a listener of the clients property decodes.
func (d *MemoryDevice) snapshotLocked() []int {
	return domain.ParseClientPIDs(d.clientsPropertyLocked())
}

func (d *MemoryDevice) FramesWritten() uint64 {
	return d.written.Load()
}

func (d *MemoryDevice) pidsLocked() []int {
	pids := make([]int, 0, len(d.readers))
	for pid := range d.readers {
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}

func (d *MemoryDevice) broadcastPIDsLocked() {
	snapshot := d.snapshotLocked()
	for ch := range d.pidSubs {
		// Replace an unread snapshot with the newer one.
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}

// Reader is one process reading the source stream. It keeps only the most
// recent sample; older unread samples are overwritten.
type Reader struct {
	pid    int
	device *MemoryDevice

	mu      sync.Mutex
	pending *Sample
	missed  uint64
	notify  chan struct{}
	done    chan struct{}
	closed  bool
}

func (r *Reader) PID() int { return r.pid }

func (r *Reader) deliver(s Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.pending != nil {
		r.missed++
	}
	r.pending = &s
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a sample is available, ctx is done or the reader is closed.
func (r *Reader) Next(ctx context.Context) (Sample, error) {
	for {
		r.mu.Lock()
		if r.pending != nil {
			s := *r.pending
			r.pending = nil
			r.mu.Unlock()
			return s, nil
		}
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return Sample{}, domain.ErrDeviceClosed
		}

		select {
		case <-ctx.Done():
			return Sample{}, ctx.Err()
		case <-r.done:
		case <-r.notify:
		}
	}
}

// Missed counts samples overwritten before this reader took them.
func (r *Reader) Missed() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missed
}

// Close detaches the reader from the device.
func (r *Reader) Close() {
	r.device.detach(r.pid)
}

func (r *Reader) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
}
