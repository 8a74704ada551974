package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	apperrors "vcam/pkg/errors"
)

// Codec is a stream codec the virtual device advertises.
type Codec string

const (
	CodecNV12 Codec = "nv12"
	CodecBGRA Codec = "bgra"
)

// PixelFormat returns the native buffer format written to the sink stream.
func (c Codec) PixelFormat() (PixelFormat, error) {
	switch c {
	case CodecNV12:
		return PixelFormatNV12, nil
	case CodecBGRA:
		return PixelFormatBGRA, nil
	default:
		return 0, apperrors.NewConfigurationError(fmt.Sprintf("unsupported codec %q", string(c)))
	}
}

// LogCollectionMode selects how device logs reach the host.
type LogCollectionMode string

const (
	// LogCollectionPush batches log lines and notifies listeners periodically.
	LogCollectionPush LogCollectionMode = "push"
	// LogCollectionPull makes listeners write a sentinel then read one line back.
	LogCollectionPull LogCollectionMode = "pull"
)

// PropertyKey identifies a custom device property on the wire.
type PropertyKey uint32

const (
	PropertyLog              PropertyKey = 'l'<<24 | 'o'<<16 | 'g'<<8 | 's'
	PropertyStreamingClients PropertyKey = 'c'<<24 | 'l'<<16 | 'n'<<8 | 't'
	PropertyDeviceUID        PropertyKey = 'u'<<24 | 'i'<<16 | 'd'<<8 | ' '
)

func (k PropertyKey) FourCC() string {
	return PixelFormat(k).FourCC()
}

// Frame rate limits supported by the device.
const (
	MinFrameRate = 15
	MaxFrameRate = 60
)

// DeviceConfiguration describes one virtual camera. It is built once at
// startup and shared read-only afterwards.
type DeviceConfiguration struct {
	DeviceUUID       uuid.UUID
	SourceStreamUUID uuid.UUID
	SinkStreamUUID   uuid.UUID

	Name             string
	Manufacturer     string
	Model            string
	SourceStreamName string
	SinkStreamName   string

	FrameRate     int
	IdleFrameRate int
	Resolution    Resolution
	Codec         Codec

	LogMessagePrefix  string
	LogCollectionMode LogCollectionMode
}

var (
	productionDeviceUUID = uuid.MustParse("8b9a7f7e-2d3c-4b1a-9e0f-6a5b4c3d2e1f")
	productionSourceUUID = uuid.MustParse("3c1d5e7f-9a2b-4c6d-8e0f-1a2b3c4d5e6f")
	productionSinkUUID   = uuid.MustParse("7e6d5c4b-3a29-4817-a6f5-e4d3c2b1a090")

	testDeviceUUID = uuid.MustParse("0f1e2d3c-4b5a-4968-8776-5a4b3c2d1e0f")
	testSourceUUID = uuid.MustParse("1a2b3c4d-5e6f-4a0b-9c1d-2e3f4a5b6c7d")
	testSinkUUID   = uuid.MustParse("9d8c7b6a-5f4e-4d3c-8b2a-190817263544")
)

// ProductionDeviceConfiguration is the camera shipped to users.
func ProductionDeviceConfiguration() DeviceConfiguration {
	return DeviceConfiguration{
		DeviceUUID:        productionDeviceUUID,
		SourceStreamUUID:  productionSourceUUID,
		SinkStreamUUID:    productionSinkUUID,
		Name:              "vcam Camera",
		Manufacturer:      "vcam",
		Model:             "Virtual Camera",
		SourceStreamName:  "app.vcam.camera.source",
		SinkStreamName:    "app.vcam.camera.sink",
		FrameRate:         30,
		IdleFrameRate:     5,
		Resolution:        Resolution{Width: 1920, Height: 1080},
		Codec:             CodecNV12,
		LogMessagePrefix:  "[vcam]",
		LogCollectionMode: LogCollectionPush,
	}
}

// TestDeviceConfiguration is a separate camera identity for tests and
// development builds so both can be installed side by side.
func TestDeviceConfiguration() DeviceConfiguration {
	return DeviceConfiguration{
		DeviceUUID:        testDeviceUUID,
		SourceStreamUUID:  testSourceUUID,
		SinkStreamUUID:    testSinkUUID,
		Name:              "vcam Test Camera",
		Manufacturer:      "vcam",
		Model:             "Virtual Test Camera",
		SourceStreamName:  "app.vcam.test.camera.source",
		SinkStreamName:    "app.vcam.test.camera.sink",
		FrameRate:         30,
		IdleFrameRate:     5,
		Resolution:        Resolution{Width: 640, Height: 360},
		Codec:             CodecNV12,
		LogMessagePrefix:  "[vcam-test]",
		LogCollectionMode: LogCollectionPull,
	}
}

// Validate checks the format description. Any failure is a ConfigurationError.
func (c DeviceConfiguration) Validate() error {
	for name, id := range map[string]uuid.UUID{
		"device_uuid":        c.DeviceUUID,
		"source_stream_uuid": c.SourceStreamUUID,
		"sink_stream_uuid":   c.SinkStreamUUID,
	} {
		if id == uuid.Nil {
			return apperrors.NewConfigurationError(name + " must not be nil")
		}
	}
	if c.SourceStreamUUID == c.SinkStreamUUID {
		return apperrors.NewConfigurationError("source and sink stream uuids must differ")
	}

	for name, v := range map[string]string{
		"name":               c.Name,
		"manufacturer":       c.Manufacturer,
		"model":              c.Model,
		"source_stream_name": c.SourceStreamName,
		"sink_stream_name":   c.SinkStreamName,
	} {
		if strings.TrimSpace(v) == "" {
			return apperrors.NewConfigurationError(name + " must not be empty")
		}
	}

	if c.FrameRate < MinFrameRate || c.FrameRate > MaxFrameRate {
		return apperrors.NewConfigurationError(fmt.Sprintf("frame_rate %d outside %d..%d", c.FrameRate, MinFrameRate, MaxFrameRate)).
			WithContext("cause", ErrUnsupportedFrameRate.Error())
	}
	if c.IdleFrameRate < 1 || c.IdleFrameRate > c.FrameRate {
		return apperrors.NewConfigurationError(fmt.Sprintf("idle_frame_rate %d outside 1..%d", c.IdleFrameRate, c.FrameRate))
	}

	if c.Resolution.Width <= 0 || c.Resolution.Height <= 0 {
		return apperrors.NewConfigurationError(fmt.Sprintf("invalid resolution %dx%d", c.Resolution.Width, c.Resolution.Height))
	}
	if _, err := c.Codec.PixelFormat(); err != nil {
		return err
	}
	if c.Codec == CodecNV12 && (c.Resolution.Width%2 != 0 || c.Resolution.Height%2 != 0) {
		return apperrors.NewConfigurationError(fmt.Sprintf("nv12 requires even dimensions, got %dx%d", c.Resolution.Width, c.Resolution.Height))
	}

	switch c.LogCollectionMode {
	case LogCollectionPush, LogCollectionPull:
	default:
		return apperrors.NewConfigurationError(fmt.Sprintf("unsupported log collection mode %q", string(c.LogCollectionMode)))
	}
	return nil
}

// NativeBufferSize is the byte size of one frame in the device's native format.
func (c DeviceConfiguration) NativeBufferSize() int {
	w, h := c.Resolution.Width, c.Resolution.Height
	if c.Codec == CodecNV12 {
		return w*h + w*(h/2)
	}
	return w * h * 4
}
