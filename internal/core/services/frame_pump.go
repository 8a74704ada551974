package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	"vcam/pkg/optimize"
	"vcam/pkg/pixfmt"
	"vcam/pkg/queue"
	"vcam/pkg/throttle"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultTargetDelay is the number of frames the pump may lag behind the producer.
	DefaultTargetDelay = 1

	framePullAttempts = 5
	// A producer that has not pushed for this long is treated as gone.
	producerIdleAfter = time.Second

	unavailableWarnThreshold  = 10
	unavailableErrorThreshold = 100
)

// FramePump moves producer frames from the bounded queue into the device's
// sink stream at the configured frame rate. When there is nothing new to
// send it repeats the last frame at the idle rate.
type FramePump struct {
	width     int
	height    int
	native    domain.PixelFormat
	frameRate int
	idleRate  int

	device  ports.VirtualDevice
	metrics ports.BridgeMetrics
	logger  *zap.SugaredLogger
	now     func() time.Time

	queue       *queue.Queue[domain.Frame]
	wake        chan struct{}
	pool        *optimize.BytePool
	failureLogs throttle.StringThrottle

	consumers   atomic.Int32
	lastPush    atomic.Int64
	currentRate atomic.Int32

	pushed        atomic.Uint64
	dropped       atomic.Uint64
	written       atomic.Uint64
	repeated      atomic.Uint64
	convFailures  atomic.Uint64
	writeFailures atomic.Uint64

	// Owned by the Run goroutine.
	last        []byte
	unavailable int
	started     time.Time
}

type PumpOption func(*pumpOptions)

type pumpOptions struct {
	targetDelay int
	failureLogs throttle.StringThrottle
}

// WithTargetDelay sets how many frames may wait in the queue behind the one
// being written. Values below zero are ignored.
func WithTargetDelay(frames int) PumpOption {
	return func(o *pumpOptions) {
		if frames >= 0 {
			o.targetDelay = frames
		}
	}
}

// WithWriteFailureThrottle sets the throttle that sink write failures are
// logged through. Failures are reported as domain.LogBufferRetriesFailed.
func WithWriteFailureThrottle(t throttle.StringThrottle) PumpOption {
	return func(o *pumpOptions) {
		if t != nil {
			o.failureLogs = t
		}
	}
}

func NewFramePump(
	cfg domain.DeviceConfiguration,
	device ports.VirtualDevice,
	metrics ports.BridgeMetrics,
	logger *zap.SugaredLogger,
	opts ...PumpOption,
) (*FramePump, error) {
	native, err := cfg.Codec.PixelFormat()
	if err != nil {
		return nil, err
	}
	o := pumpOptions{targetDelay: DefaultTargetDelay}
	for _, opt := range opts {
		opt(&o)
	}
	if o.failureLogs == nil {
		o.failureLogs = NewLogThrottle(DefaultLogThrottleInterval)
	}
	q, err := queue.New[domain.Frame](o.targetDelay+1, queue.PolicyDropOldest)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame queue: %w", err)
	}
	if metrics == nil {
		metrics = noopBridgeMetrics{}
	}

	size := cfg.NativeBufferSize()
	p := &FramePump{
		width:       cfg.Resolution.Width,
		height:      cfg.Resolution.Height,
		native:      native,
		frameRate:   cfg.FrameRate,
		idleRate:    cfg.IdleFrameRate,
		device:      device,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
		queue:       q,
		wake:        make(chan struct{}, 1),
		pool:        optimize.NewBytePool(size),
		failureLogs: o.failureLogs,
		last:        make([]byte, size),
	}
	fillBlack(p.last, native, p.width, p.height)
	return p, nil
}

// Push hands a frame to the pump without blocking. If the pump is behind,
// the oldest queued frame is discarded.
func (p *FramePump) Push(frame domain.Frame) {
	p.pushed.Add(1)
	p.metrics.RecordFramePushed()
	p.lastPush.Store(p.now().UnixNano())

	res, err := p.queue.Enqueue(frame)
	if err != nil || res.HasDropped {
		p.dropped.Add(1)
		p.metrics.RecordFrameDropped()
		p.logger.Debugw("Dropped frame", "sequence", res.Dropped.Sequence, "outcome", res.Outcome.String())
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// SetConsumers tells the pump how many processes read the source stream.
func (p *FramePump) SetConsumers(n int) {
	p.consumers.Store(int32(n))
	p.metrics.SetActiveClients(n)
}

// targetRate picks the pacing rate. The pump runs at full rate only while
// both a producer and at least one consumer are present.
func (p *FramePump) targetRate() (fps int, active bool) {
	if p.consumers.Load() == 0 {
		return p.idleRate, false
	}
	last := p.lastPush.Load()
	if last == 0 || p.now().Sub(time.Unix(0, last)) > producerIdleAfter {
		return p.idleRate, false
	}
	return p.frameRate, true
}

// Run pumps frames until ctx is done.
func (p *FramePump) Run(ctx context.Context) {
	p.started = p.now()
	fps, active := p.targetRate()
	limiter := rate.NewLimiter(rate.Limit(fps), 1)
	p.setRate(fps)

	for {
		next, nextActive := p.targetRate()
		if next != fps {
			limiter.SetLimit(rate.Limit(next))
			p.setRate(next)
			p.logger.Debugw("Frame rate changed", "fps", next, "active", nextActive)
		}
		fps, active = next, nextActive

		// With readers waiting, a returning producer should not sit out an idle interval.
		interruptible := !active && p.consumers.Load() > 0
		r := limiter.Reserve()
		woke, ok := p.wait(ctx, r.Delay(), interruptible)
		if !ok {
			r.Cancel()
			return
		}
		if woke {
			r.Cancel()
		}
		p.tick(ctx, active, fps)
	}
}

// wait sleeps for d. It reports whether a frame arrival cut the wait short
// and false once ctx is done.
func (p *FramePump) wait(ctx context.Context, d time.Duration, interruptible bool) (woke, ok bool) {
	var wake <-chan struct{}
	if interruptible {
		wake = p.wake
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, false
	case <-wake:
		return true, true
	case <-timer.C:
		return false, true
	}
}

func (p *FramePump) setRate(fps int) {
	p.currentRate.Store(int32(fps))
	p.metrics.SetFrameRate(fps)
}

func (p *FramePump) tick(ctx context.Context, active bool, fps int) {
	frame, ok := p.pull(ctx, active, fps)
	if !ok {
		if active {
			p.frameUnavailable()
		}
		p.write(ctx, p.last, p.now().Sub(p.started), true)
		return
	}

	if p.unavailable >= unavailableWarnThreshold {
		p.logger.Infow("Producer frames resumed", "missed", p.unavailable)
	}
	p.unavailable = 0

	buf := p.pool.Get()
	defer p.pool.Put(buf)

	if err := p.convert(frame, buf); err != nil {
		p.convFailures.Add(1)
		p.metrics.RecordConversionFailure()
		p.logger.Warnw("Failed to convert frame", "sequence", frame.Sequence, "error", err)
		return
	}
	if p.write(ctx, buf, frame.Timestamp, false) {
		copy(p.last, buf)
	}
}

// pull takes the next frame. An active pump retries a few times within
// half a frame interval before giving up on this tick.
func (p *FramePump) pull(ctx context.Context, active bool, fps int) (domain.Frame, bool) {
	hasFrame := func(n int) bool { return n > 0 }
	if f, ok := p.queue.DequeueIf(hasFrame); ok {
		return f, true
	}
	if !active || fps <= 0 {
		return domain.Frame{}, false
	}

	step := time.Second / time.Duration(fps) / 2 / framePullAttempts
	for i := 1; i < framePullAttempts; i++ {
		select {
		case <-ctx.Done():
			return domain.Frame{}, false
		case <-time.After(step):
		}
		if f, ok := p.queue.DequeueIf(hasFrame); ok {
			return f, true
		}
	}
	return domain.Frame{}, false
}

func (p *FramePump) frameUnavailable() {
	p.unavailable++
	switch p.unavailable {
	case unavailableWarnThreshold:
		p.logger.Warnw("No frame available from producer", "consecutive", p.unavailable)
	case unavailableErrorThreshold:
		p.logger.Errorw("No frame available from producer", "consecutive", p.unavailable)
	}
}

func (p *FramePump) write(ctx context.Context, buf []byte, pts time.Duration, repeated bool) bool {
	if err := p.device.WriteFrame(ctx, buf, p.native, pts); err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.writeFailures.Add(1)
		p.metrics.RecordWriteFailure()
		// A stalled sink fails every tick, so only one report per interval gets through.
		if msg, ok := p.failureLogs.Add(domain.LogBufferRetriesFailed); ok {
			p.logger.Warnw(msg, "repeated", repeated, "failures", p.writeFailures.Load(), "error", err)
		}
		return false
	}
	p.written.Add(1)
	if repeated {
		p.repeated.Add(1)
	}
	p.metrics.RecordFrameWritten(repeated)
	return true
}

// convert renders frame into dst in the device's native format.
func (p *FramePump) convert(frame domain.Frame, dst []byte) error {
	if frame.Width != p.width || frame.Height != p.height {
		return &pixfmt.ConversionError{
			Op:     "convert",
			Reason: fmt.Sprintf("frame is %dx%d, device expects %dx%d", frame.Width, frame.Height, p.width, p.height),
		}
	}

	switch p.native {
	case domain.PixelFormatNV12:
		if frame.Format == domain.PixelFormatNV12 {
			if len(frame.Data) < len(dst) {
				return &pixfmt.ConversionError{Op: "copy", Reason: fmt.Sprintf("frame holds %d bytes, need %d", len(frame.Data), len(dst))}
			}
			copy(dst, frame.Data)
			return nil
		}
		order, ok := channelOrder(frame.Format)
		if !ok {
			return &pixfmt.ConversionError{Op: "convert", Reason: "unsupported source format " + frame.Format.FourCC()}
		}
		planes, err := pixfmt.WrapBiPlanar(dst, p.width, p.height)
		if err != nil {
			return err
		}
		src := pixfmt.Image{Width: frame.Width, Height: frame.Height, Stride: frame.RowBytes(), Pix: frame.Data}
		return pixfmt.RGBAToNV12(src, &planes, order)

	case domain.PixelFormatBGRA:
		if frame.Format != domain.PixelFormatBGRA {
			return &pixfmt.ConversionError{Op: "copy", Reason: "bgra device cannot take " + frame.Format.FourCC()}
		}
		row := p.width * 4
		stride := frame.RowBytes()
		if stride < row || len(frame.Data) < stride*(p.height-1)+row {
			return &pixfmt.ConversionError{Op: "copy", Reason: "frame buffer smaller than its dimensions"}
		}
		for y := 0; y < p.height; y++ {
			copy(dst[y*row:(y+1)*row], frame.Data[y*stride:y*stride+row])
		}
		return nil
	}
	return &pixfmt.ConversionError{Op: "convert", Reason: "unsupported device format " + p.native.FourCC()}
}

func (p *FramePump) Stats() domain.BridgeStats {
	return domain.BridgeStats{
		FramesPushed:       p.pushed.Load(),
		FramesDropped:      p.dropped.Load(),
		FramesWritten:      p.written.Load(),
		FramesRepeated:     p.repeated.Load(),
		ConversionFailures: p.convFailures.Load(),
		WriteFailures:      p.writeFailures.Load(),
		ActiveClients:      int(p.consumers.Load()),
		CurrentFrameRate:   int(p.currentRate.Load()),
		Timestamp:          p.now(),
	}
}

func channelOrder(f domain.PixelFormat) (pixfmt.ChannelOrder, bool) {
	switch f {
	case domain.PixelFormatRGBA:
		return pixfmt.OrderRGBA, true
	case domain.PixelFormatBGRA:
		return pixfmt.OrderBGRA, true
	case domain.PixelFormatARGB:
		return pixfmt.OrderARGB, true
	case domain.PixelFormatABGR:
		return pixfmt.OrderABGR, true
	}
	return 0, false
}

// fillBlack writes the landing frame shown before the producer's first frame.
func fillBlack(buf []byte, format domain.PixelFormat, width, height int) {
	switch format {
	case domain.PixelFormatNV12:
		ySize, _ := pixfmt.PlaneSizes(width, height)
		for i := range buf {
			if i < ySize {
				buf[i] = 0
			} else {
				buf[i] = 128
			}
		}
	default:
		for i := 0; i+3 < len(buf); i += 4 {
			buf[i], buf[i+1], buf[i+2], buf[i+3] = 0, 0, 0, 255
		}
	}
}

type noopBridgeMetrics struct{}

func (noopBridgeMetrics) RecordFramePushed()       {}
func (noopBridgeMetrics) RecordFrameDropped()      {}
func (noopBridgeMetrics) RecordFrameWritten(bool)  {}
func (noopBridgeMetrics) RecordConversionFailure() {}
func (noopBridgeMetrics) RecordWriteFailure()      {}
func (noopBridgeMetrics) SetActiveClients(int)     {}
func (noopBridgeMetrics) SetFrameRate(int)         {}
