package domain

import (
	"strings"
	"time"
)

// RemoteState is the snapshot the host pushes to the helper over the proxy.
type RemoteState struct {
	DeviceID    string            `json:"device_id"`
	DeviceName  string            `json:"device_name"`
	Extension   string            `json:"extension"`
	Description string            `json:"description"`
	Error       string            `json:"error,omitempty"`
	Clients     []StreamingClient `json:"clients"`
	ClientPIDs  string            `json:"client_pids"`
	Stats       BridgeStats       `json:"stats"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewRemoteState snapshots the extension state and bridge statistics.
func NewRemoteState(cfg DeviceConfiguration, state ExtensionState, clients []StreamingClient, stats BridgeStats, now time.Time) RemoteState {
	rs := RemoteState{
		DeviceID:    cfg.DeviceUUID.String(),
		DeviceName:  cfg.Name,
		Extension:   state.Kind.String(),
		Description: state.Description(),
		Clients:     clients,
		ClientPIDs:  FormatClientPIDs(clients),
		Stats:       stats,
		UpdatedAt:   now,
	}
	if rs.Clients == nil {
		rs.Clients = []StreamingClient{}
	}
	if state.Cause != nil {
		rs.Error = state.Cause.Error()
	}
	return rs
}

// RemoteCommandMethod names the push that carries a RemoteCommand.
const RemoteCommandMethod = "remoteCommand"

// CommandKind is an action the helper asks the host to take.
type CommandKind string

const (
	CommandRefresh    CommandKind = "refresh"
	CommandActivate   CommandKind = "activate"
	CommandDeactivate CommandKind = "deactivate"
)

// ParseCommandKind accepts the command names case-insensitively.
func ParseCommandKind(s string) (CommandKind, bool) {
	switch k := CommandKind(strings.ToLower(strings.TrimSpace(s))); k {
	case CommandRefresh, CommandActivate, CommandDeactivate:
		return k, true
	default:
		return "", false
	}
}

// RemoteCommand is the payload of a remoteCommand push.
type RemoteCommand struct {
	Command CommandKind `json:"command"`
}
