package ports

import (
	"context"
	"time"

	"vcam/internal/core/domain"
)

type ClientDelegate interface {
	OnClientConnected(client domain.StreamingClient, isFirst bool)
	OnClientDisconnected(client domain.StreamingClient, isLast bool)
}

type LifecycleObserver interface {
	OnExtensionStateChanged(old, new domain.ExtensionState)
	// OnInstallSucceeded fires once per user approval.
	OnInstallSucceeded(state domain.ExtensionState)
}

type DeviceBridge interface {
	Start(ctx context.Context, delegate ClientDelegate) error
	Stop()
	PushFrame(frame domain.Frame)
	Clients() []domain.StreamingClient
	Stats() domain.BridgeStats
}

// ExtensionManager submits activation requests for the device extension.
// The returned state is what the system reported once the request finished.
type ExtensionManager interface {
	Activate(ctx context.Context) (domain.ExtensionState, error)
	Deactivate(ctx context.Context) (domain.ExtensionState, error)
}

// EventPublisher fans device events out to other local collaborators.
type EventPublisher interface {
	PublishClientConnected(ctx context.Context, client domain.StreamingClient, isFirst bool) error
	PublishClientDisconnected(ctx context.Context, client domain.StreamingClient, isLast bool) error
	PublishExtensionState(ctx context.Context, old, new domain.ExtensionState) error
	Close() error
}

// BridgeMetrics records frame path and client counters. Implementations
// must be safe to call from the producer goroutine.
type BridgeMetrics interface {
	RecordFramePushed()
	RecordFrameDropped()
	RecordFrameWritten(repeated bool)
	RecordConversionFailure()
	RecordWriteFailure()
	SetActiveClients(n int)
	SetFrameRate(fps int)
}

// IPCMetrics records proxy traffic on either side of the connection.
type IPCMetrics interface {
	RecordIPCRequest(method, outcome string, duration time.Duration)
	SetIPCConnections(n int)
}
