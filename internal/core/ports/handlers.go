package ports

import (
	"context"
	"encoding/json"
)

// RemoteControl serves proxy requests inside the helper process.
type RemoteControl interface {
	Version() string
	OpenSettings(ctx context.Context) error
	UpdateRemoteState(ctx context.Context, payload json.RawMessage) error
}

// PushHandler receives fire-and-forget messages sent by the other side of the proxy.
type PushHandler interface {
	HandlePush(ctx context.Context, method string, payload json.RawMessage)
}

// RemoteStateSink receives the host's state snapshots. The proxy client
// satisfies it.
type RemoteStateSink interface {
	UpdateRemoteState(ctx context.Context, payload json.RawMessage) error
}

// SettingsOpener brings up the system settings pane for the extension.
type SettingsOpener interface {
	OpenSettings(ctx context.Context) error
}
