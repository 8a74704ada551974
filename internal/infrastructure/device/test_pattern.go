package device

import (
	"context"
	"time"

	"vcam/internal/core/domain"

	"go.uber.org/zap"
)

// FrameSink accepts produced frames. ports.DeviceBridge satisfies it.
type FrameSink interface {
	PushFrame(frame domain.Frame)
}

var barColors = [][4]byte{
	{255, 255, 255, 255}, // white
	{0, 255, 255, 255},   // yellow
	{255, 255, 0, 255},   // cyan
	{0, 255, 0, 255},     // green
	{255, 0, 255, 255},   // magenta
	{0, 0, 255, 255},     // red
	{255, 0, 0, 255},     // blue
	{0, 0, 0, 255},       // black
}

// TestPattern produces BGRA color bars that scroll one bar width every
// second. It stands in for a real capture source.
type TestPattern struct {
	width    int
	height   int
	interval time.Duration
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewTestPattern(res domain.Resolution, frameRate int, logger *zap.SugaredLogger) *TestPattern {
	if frameRate <= 0 {
		frameRate = 30
	}
	return &TestPattern{
		width:    res.Width,
		height:   res.Height,
		interval: time.Second / time.Duration(frameRate),
		logger:   logger,
		now:      time.Now,
	}
}

// Frame renders frame number seq.
func (p *TestPattern) Frame(seq uint64, pts time.Duration) domain.Frame {
	stride := p.width * 4
	data := make([]byte, stride*p.height)

	barWidth := p.width / len(barColors)
	if barWidth == 0 {
		barWidth = 1
	}
	fps := int(time.Second / p.interval)
	offset := int(seq/uint64(fps)) * barWidth

	row := data[:stride]
	for x := 0; x < p.width; x++ {
		bar := ((x + offset) / barWidth) % len(barColors)
		copy(row[x*4:], barColors[bar][:])
	}
	for y := 1; y < p.height; y++ {
		copy(data[y*stride:(y+1)*stride], row)
	}

	return domain.Frame{
		Data:      data,
		Width:     p.width,
		Height:    p.height,
		Stride:    stride,
		Format:    domain.PixelFormatBGRA,
		Timestamp: pts,
		Sequence:  seq,
	}
}

// Run pushes frames into sink until ctx is done.
func (p *TestPattern) Run(ctx context.Context, sink FrameSink) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	start := p.now()
	var seq uint64
	p.logger.Infow("Test pattern started", "width", p.width, "height", p.height, "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("Test pattern stopped", "frames", seq)
			return
		case <-ticker.C:
			sink.PushFrame(p.Frame(seq, p.now().Sub(start)))
			seq++
		}
	}
}
