package domain

import "time"

type BridgeStats struct {
	FramesPushed       uint64    `json:"frames_pushed"`
	FramesDropped      uint64    `json:"frames_dropped"`
	FramesWritten      uint64    `json:"frames_written"`
	FramesRepeated     uint64    `json:"frames_repeated"`
	ConversionFailures uint64    `json:"conversion_failures"`
	WriteFailures      uint64    `json:"write_failures"`
	ActiveClients      int       `json:"active_clients"`
	CurrentFrameRate   int       `json:"current_frame_rate"`
	Timestamp          time.Time `json:"timestamp"`
}

// RemoteStateMetrics describes what the helper has received from the host.
type RemoteStateMetrics struct {
	Connections    int       `json:"connections"`
	UpdatesHandled uint64    `json:"updates_handled"`
	SettingsOpened uint64    `json:"settings_opened"`
	LastUpdate     time.Time `json:"last_update"`
}
