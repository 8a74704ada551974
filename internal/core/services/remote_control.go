package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	apperrors "vcam/pkg/errors"

	"go.uber.org/zap"
)

// RemoteStateStore is the helper's end of the proxy. It keeps the last
// snapshot the host pushed and answers version and settings requests.
type RemoteStateStore struct {
	version string
	opener  ports.SettingsOpener
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu         sync.RWMutex
	raw        json.RawMessage
	state      domain.RemoteState
	decoded    bool
	lastUpdate time.Time
	updates    uint64
	opened     uint64
}

var _ ports.RemoteControl = (*RemoteStateStore)(nil)

// NewRemoteStateStore creates a store. A nil opener only logs settings
// requests.
func NewRemoteStateStore(version string, opener ports.SettingsOpener, logger *zap.SugaredLogger) *RemoteStateStore {
	return &RemoteStateStore{
		version: version,
		opener:  opener,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *RemoteStateStore) Version() string {
	return s.version
}

func (s *RemoteStateStore) OpenSettings(ctx context.Context) error {
	s.mu.Lock()
	s.opened++
	s.mu.Unlock()

	if s.opener == nil {
		s.logger.Infow("Settings requested by host")
		return nil
	}
	if err := s.opener.OpenSettings(ctx); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeExtension, "failed to open settings", http.StatusInternalServerError)
	}
	return nil
}

// UpdateRemoteState stores payload. Payloads that are valid JSON but not a
// domain.RemoteState are kept as raw bytes only.
func (s *RemoteStateStore) UpdateRemoteState(_ context.Context, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return apperrors.NewInvalidInputError("remote state must be valid JSON")
	}
	raw := make(json.RawMessage, len(payload))
	copy(raw, payload)

	var state domain.RemoteState
	decoded := json.Unmarshal(raw, &state) == nil && state.Extension != ""

	s.mu.Lock()
	prev := s.state.Extension
	s.raw = raw
	s.state = state
	s.decoded = decoded
	s.lastUpdate = s.now()
	s.updates++
	s.mu.Unlock()

	if decoded && state.Extension != prev {
		s.logger.Infow("Host extension state updated",
			"extension", state.Extension,
			"clients", state.ClientPIDs,
		)
	}
	return nil
}

// Raw returns the last payload as received, or false before the first update.
func (s *RemoteStateStore) Raw() (json.RawMessage, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.raw == nil {
		return nil, time.Time{}, false
	}
	return s.raw, s.lastUpdate, true
}

// State returns the last decoded snapshot.
func (s *RemoteStateStore) State() (domain.RemoteState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.decoded
}

// Metrics reports update counters. connections comes from the proxy server.
func (s *RemoteStateStore) Metrics(connections int) domain.RemoteStateMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.RemoteStateMetrics{
		Connections:    connections,
		UpdatesHandled: s.updates,
		SettingsOpened: s.opened,
		LastUpdate:     s.lastUpdate,
	}
}

// Fresh reports whether an update arrived within maxAge.
func (s *RemoteStateStore) Fresh(maxAge time.Duration) error {
	s.mu.RLock()
	last := s.lastUpdate
	s.mu.RUnlock()
	if last.IsZero() {
		return fmt.Errorf("no state received from host")
	}
	if age := s.now().Sub(last); age > maxAge {
		return fmt.Errorf("last host update %s ago", age.Round(time.Second))
	}
	return nil
}
