package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StreamingClient is one process reading the source stream. A PID that
// disconnects and reconnects gets a new SessionID.
type StreamingClient struct {
	PID         int       `json:"pid"`
	ProcessName string    `json:"process_name,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	SessionID   uuid.UUID `json:"session_id"`
}

func (c StreamingClient) Resolved() bool {
	return c.ProcessName != ""
}

// DisplayName prefers the resolved process name and falls back to the PID.
func (c StreamingClient) DisplayName() string {
	if c.ProcessName != "" {
		return c.ProcessName
	}
	return "pid " + strconv.Itoa(c.PID)
}

// FormatClientPIDs joins client PIDs with the property list separator.
func FormatClientPIDs(clients []StreamingClient) string {
	parts := make([]string, len(clients))
	for i, c := range clients {
		parts[i] = strconv.Itoa(c.PID)
	}
	return strings.Join(parts, ClientPIDSeparator)
}

// ParseClientPIDs is the inverse of FormatClientPIDs. Malformed entries are skipped.
func ParseClientPIDs(s string) []int {
	if s == "" {
		return nil
	}
	var pids []int
	for _, part := range strings.Split(s, ClientPIDSeparator) {
		pid, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}
