package domain

import "time"

// PixelFormat is a pixel layout identified by its four-character wire code.
type PixelFormat uint32

// fourCC packs four ASCII bytes big-endian, matching the constants below.
func fourCC(a, b, c, d byte) uint32 {
	return uint32(a)<<24 | uint32(b)<<16 | uint32(c)<<8 | uint32(d)
}

const (
	// PixelFormatNV12 is bi-planar 4:2:0 YCbCr, full range.
	PixelFormatNV12 PixelFormat = '4'<<24 | '2'<<16 | '0'<<8 | 'f'
	PixelFormatBGRA PixelFormat = 'B'<<24 | 'G'<<16 | 'R'<<8 | 'A'
	PixelFormatRGBA PixelFormat = 'R'<<24 | 'G'<<16 | 'B'<<8 | 'A'
	PixelFormatARGB PixelFormat = 'A'<<24 | 'R'<<16 | 'G'<<8 | 'B'
	PixelFormatABGR PixelFormat = 'A'<<24 | 'B'<<16 | 'G'<<8 | 'R'
)

// FourCC renders the wire code, e.g. "420f".
func (p PixelFormat) FourCC() string {
	v := uint32(p)
	return string([]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

func (p PixelFormat) String() string {
	return p.FourCC()
}

// Packed reports whether the format stores 4 interleaved bytes per pixel.
func (p PixelFormat) Packed() bool {
	switch p {
	case PixelFormatBGRA, PixelFormatRGBA, PixelFormatARGB, PixelFormatABGR:
		return true
	}
	return false
}

// PixelFormatFromFourCC maps a wire code back to a known format.
func PixelFormatFromFourCC(code string) (PixelFormat, bool) {
	if len(code) != 4 {
		return 0, false
	}
	p := PixelFormat(fourCC(code[0], code[1], code[2], code[3]))
	switch p {
	case PixelFormatNV12, PixelFormatBGRA, PixelFormatRGBA, PixelFormatARGB, PixelFormatABGR:
		return p, true
	}
	return 0, false
}

type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Frame is one picture handed to the bridge by the producer.
// It must not be modified after PushFrame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Stride    int
	Format    PixelFormat
	Timestamp time.Duration
	Sequence  uint64
}

// RowBytes returns the stride, falling back to a tight packed row.
func (f Frame) RowBytes() int {
	if f.Stride > 0 {
		return f.Stride
	}
	return f.Width * 4
}
