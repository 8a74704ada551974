// Package pixfmt converts between packed 8-bit RGBA-family images and
// bi-planar 4:2:0 YCbCr (NV12).
//
// The transform is ITU-R BT.709 with full-range output: luma covers 0..255
// with no offset and chroma is centred on 128. Coefficients are 16.16 fixed
// point so results are identical across platforms and repeated calls.
package pixfmt

import (
	"fmt"
	"runtime"
	"sync"
)

// ChannelOrder names the byte order of a packed 32-bit pixel.
type ChannelOrder int

const (
	OrderARGB ChannelOrder = iota
	OrderABGR
	OrderRGBA
	OrderBGRA
)

func (o ChannelOrder) String() string {
	switch o {
	case OrderARGB:
		return "ARGB"
	case OrderABGR:
		return "ABGR"
	case OrderRGBA:
		return "RGBA"
	case OrderBGRA:
		return "BGRA"
	default:
		return fmt.Sprintf("ChannelOrder(%d)", int(o))
	}
}

// offsets returns the byte index of R, G, B and A inside one pixel.
func (o ChannelOrder) offsets() (r, g, b, a int, ok bool) {
	switch o {
	case OrderARGB:
		return 1, 2, 3, 0, true
	case OrderABGR:
		return 3, 2, 1, 0, true
	case OrderRGBA:
		return 0, 1, 2, 3, true
	case OrderBGRA:
		return 2, 1, 0, 3, true
	default:
		return 0, 0, 0, 0, false
	}
}

// Image is a packed 4-bytes-per-pixel image.
type Image struct {
	Width  int
	Height int
	Stride int
	Pix    []byte
}

// BiPlanar is an NV12 image: a full resolution luma plane followed by a
// half resolution plane of interleaved Cb, Cr pairs.
type BiPlanar struct {
	Width    int
	Height   int
	Y        []byte
	YStride  int
	UV       []byte
	UVStride int
}

// ConversionError reports a buffer or dimension mismatch. Pixel content never fails.
type ConversionError struct {
	Op     string
	Reason string
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("pixfmt %s: %s", e.Op, e.Reason)
}

// NewImage allocates a tightly packed image.
func NewImage(width, height int) Image {
	return Image{Width: width, Height: height, Stride: width * 4, Pix: make([]byte, width*height*4)}
}

// NewBiPlanar allocates a tightly packed NV12 image.
func NewBiPlanar(width, height int) BiPlanar {
	ySize, uvSize := PlaneSizes(width, height)
	return BiPlanar{
		Width:    width,
		Height:   height,
		Y:        make([]byte, ySize),
		YStride:  width,
		UV:       make([]byte, uvSize),
		UVStride: width,
	}
}

// PlaneSizes returns the tightly packed luma and chroma plane sizes in bytes.
func PlaneSizes(width, height int) (ySize, uvSize int) {
	return width * height, width * (height / 2)
}

// WrapBiPlanar views a single contiguous buffer as luma followed by chroma.
func WrapBiPlanar(buf []byte, width, height int) (BiPlanar, error) {
	ySize, uvSize := PlaneSizes(width, height)
	if len(buf) < ySize+uvSize {
		return BiPlanar{}, &ConversionError{Op: "wrap", Reason: fmt.Sprintf("buffer holds %d bytes, need %d", len(buf), ySize+uvSize)}
	}
	return BiPlanar{
		Width:    width,
		Height:   height,
		Y:        buf[:ySize:ySize],
		YStride:  width,
		UV:       buf[ySize : ySize+uvSize : ySize+uvSize],
		UVStride: width,
	}, nil
}

// Fixed point BT.709 coefficients, scaled by 1<<16.
const (
	fixShift = 16
	fixHalf  = 1 << (fixShift - 1)

	yR = 13933
	yG = 46871
	yB = 4732

	cbR = -7509
	cbG = -25259
	cbB = 32768

	crR = 32768
	crG = -29763
	crB = -3005

	rCr = 103203
	gCb = -12276
	gCr = -30679
	bCb = 121609

	chromaBias = 128
)

// parallelThreshold is the pixel count above which row pairs are split across goroutines.
const parallelThreshold = 1 << 18

// RGBAToNV12 converts src into dst. dst must already be allocated for src's dimensions.
func RGBAToNV12(src Image, dst *BiPlanar, order ChannelOrder) error {
	if dst == nil {
		return &ConversionError{Op: "rgba->nv12", Reason: "nil destination"}
	}
	if err := checkImage("rgba->nv12", src); err != nil {
		return err
	}
	if err := checkBiPlanar("rgba->nv12", *dst); err != nil {
		return err
	}
	if src.Width != dst.Width || src.Height != dst.Height {
		return &ConversionError{Op: "rgba->nv12", Reason: fmt.Sprintf("source %dx%d does not match destination %dx%d", src.Width, src.Height, dst.Width, dst.Height)}
	}
	ro, gofs, bo, _, ok := order.offsets()
	if !ok {
		return &ConversionError{Op: "rgba->nv12", Reason: "unknown channel order " + order.String()}
	}

	d := *dst
	forEachRowPair(src.Height, src.Width, func(pair int) {
		encodeRowPair(src, d, pair, ro, gofs, bo)
	})
	return nil
}

// NV12ToRGBA converts src into dst, writing alpha into every pixel.
func NV12ToRGBA(src BiPlanar, dst *Image, order ChannelOrder, alpha uint8) error {
	if dst == nil {
		return &ConversionError{Op: "nv12->rgba", Reason: "nil destination"}
	}
	if err := checkBiPlanar("nv12->rgba", src); err != nil {
		return err
	}
	if err := checkImage("nv12->rgba", *dst); err != nil {
		return err
	}
	if src.Width != dst.Width || src.Height != dst.Height {
		return &ConversionError{Op: "nv12->rgba", Reason: fmt.Sprintf("source %dx%d does not match destination %dx%d", src.Width, src.Height, dst.Width, dst.Height)}
	}
	ro, gofs, bo, ao, ok := order.offsets()
	if !ok {
		return &ConversionError{Op: "nv12->rgba", Reason: "unknown channel order " + order.String()}
	}

	d := *dst
	forEachRowPair(src.Height, src.Width, func(pair int) {
		decodeRowPair(src, d, pair, ro, gofs, bo, ao, alpha)
	})
	return nil
}

func encodeRowPair(src Image, dst BiPlanar, pair, ro, gofs, bo int) {
	row0 := src.Pix[2*pair*src.Stride:]
	row1 := src.Pix[(2*pair+1)*src.Stride:]
	y0 := dst.Y[2*pair*dst.YStride:]
	y1 := dst.Y[(2*pair+1)*dst.YStride:]
	uv := dst.UV[pair*dst.UVStride:]

	for x := 0; x < src.Width; x += 2 {
		var sr, sg, sb int32
		for i, row := range [2][]byte{row0, row1} {
			out := y0
			if i == 1 {
				out = y1
			}
			for dx := 0; dx < 2; dx++ {
				p := row[(x+dx)*4 : (x+dx)*4+4]
				r, g, b := int32(p[ro]), int32(p[gofs]), int32(p[bo])
				out[x+dx] = clamp((yR*r + yG*g + yB*b + fixHalf) >> fixShift)
				sr += r
				sg += g
				sb += b
			}
		}
		r, g, b := (sr+2)>>2, (sg+2)>>2, (sb+2)>>2
		uv[x] = clamp(((cbR*r + cbG*g + cbB*b + fixHalf) >> fixShift) + chromaBias)
		uv[x+1] = clamp(((crR*r + crG*g + crB*b + fixHalf) >> fixShift) + chromaBias)
	}
}

func decodeRowPair(src BiPlanar, dst Image, pair, ro, gofs, bo, ao int, alpha uint8) {
	uv := src.UV[pair*src.UVStride:]
	for dy := 0; dy < 2; dy++ {
		row := 2*pair + dy
		yRow := src.Y[row*src.YStride:]
		out := dst.Pix[row*dst.Stride:]
		for x := 0; x < src.Width; x++ {
			yv := int32(yRow[x])
			cb := int32(uv[x&^1]) - chromaBias
			cr := int32(uv[x|1]) - chromaBias

			p := out[x*4 : x*4+4]
			p[ro] = clamp(yv + ((rCr*cr + fixHalf) >> fixShift))
			p[gofs] = clamp(yv + ((gCb*cb + gCr*cr + fixHalf) >> fixShift))
			p[bo] = clamp(yv + ((bCb*cb + fixHalf) >> fixShift))
			p[ao] = alpha
		}
	}
}

func forEachRowPair(height, width int, fn func(pair int)) {
	pairs := height / 2
	workers := runtime.GOMAXPROCS(0)
	if width*height < parallelThreshold || workers < 2 || pairs < workers {
		for pair := 0; pair < pairs; pair++ {
			fn(pair)
		}
		return
	}

	var wg sync.WaitGroup
	chunk := (pairs + workers - 1) / workers
	for start := 0; start < pairs; start += chunk {
		end := start + chunk
		if end > pairs {
			end = pairs
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for pair := start; pair < end; pair++ {
				fn(pair)
			}
		}(start, end)
	}
	wg.Wait()
}

func checkDims(op string, width, height int) error {
	if width <= 0 || height <= 0 {
		return &ConversionError{Op: op, Reason: fmt.Sprintf("invalid dimensions %dx%d", width, height)}
	}
	if width%2 != 0 || height%2 != 0 {
		return &ConversionError{Op: op, Reason: fmt.Sprintf("dimensions %dx%d must be even for 4:2:0", width, height)}
	}
	return nil
}

func checkImage(op string, img Image) error {
	if err := checkDims(op, img.Width, img.Height); err != nil {
		return err
	}
	if img.Stride < img.Width*4 {
		return &ConversionError{Op: op, Reason: fmt.Sprintf("stride %d shorter than row of %d bytes", img.Stride, img.Width*4)}
	}
	if need := img.Stride*(img.Height-1) + img.Width*4; len(img.Pix) < need {
		return &ConversionError{Op: op, Reason: fmt.Sprintf("pixel buffer holds %d bytes, need %d", len(img.Pix), need)}
	}
	return nil
}

func checkBiPlanar(op string, img BiPlanar) error {
	if err := checkDims(op, img.Width, img.Height); err != nil {
		return err
	}
	if img.YStride < img.Width {
		return &ConversionError{Op: op, Reason: fmt.Sprintf("luma stride %d shorter than width %d", img.YStride, img.Width)}
	}
	if img.UVStride < img.Width {
		return &ConversionError{Op: op, Reason: fmt.Sprintf("chroma stride %d shorter than width %d", img.UVStride, img.Width)}
	}
	if need := img.YStride*(img.Height-1) + img.Width; len(img.Y) < need {
		return &ConversionError{Op: op, Reason: fmt.Sprintf("luma plane holds %d bytes, need %d", len(img.Y), need)}
	}
	if need := img.UVStride*(img.Height/2-1) + img.Width; len(img.UV) < need {
		return &ConversionError{Op: op, Reason: fmt.Sprintf("chroma plane holds %d bytes, need %d", len(img.UV), need)}
	}
	return nil
}

func clamp(v int32) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
