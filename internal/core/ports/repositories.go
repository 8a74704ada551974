package ports

import (
	"context"
	"time"

	"vcam/internal/core/domain"
)

// VirtualDevice is the OS-registered camera. Source stream readers, sink
// stream writes and the device's log property are all reached through it.
type VirtualDevice interface {
	Configuration() domain.DeviceConfiguration
	// ClientPIDs delivers a snapshot of reader PIDs on every change. The
	// channel is closed when ctx is done or the device goes away.
	ClientPIDs(ctx context.Context) (<-chan []int, error)
	// SubscribeLogs delivers separator-joined log batches in push mode.
	SubscribeLogs(ctx context.Context) (<-chan string, error)
	// PullLog writes token to the log property and reads one line back.
	PullLog(ctx context.Context, token string) (string, error)
	// WriteFrame copies buf into the next sink buffer.
	WriteFrame(ctx context.Context, buf []byte, format domain.PixelFormat, pts time.Duration) error
}

// ProcessResolver looks up a display name for a process. May block.
type ProcessResolver interface {
	ProcessName(ctx context.Context, pid int) (string, error)
}
