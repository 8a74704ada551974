package device

import (
	"context"
	"sync"
	"time"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"

	"go.uber.org/zap"
)

// MemoryExtensionManager simulates the system extension installer. An
// activation installs the extension after an optional approval delay; a
// deactivation removes it.
type MemoryExtensionManager struct {
	logger *zap.SugaredLogger
	delay  time.Duration

	mu        sync.Mutex
	installed bool
	// Forced results override the simulated outcome when set.
	activateResult   *domain.ExtensionState
	deactivateResult *domain.ExtensionState
	activations      int
	deactivations    int
}

var _ ports.ExtensionManager = (*MemoryExtensionManager)(nil)

func NewMemoryExtensionManager(installed bool, approvalDelay time.Duration, logger *zap.SugaredLogger) *MemoryExtensionManager {
	return &MemoryExtensionManager{
		logger:    logger,
		delay:     approvalDelay,
		installed: installed,
	}
}

// Current is the state the installer reports at startup.
func (m *MemoryExtensionManager) Current() domain.ExtensionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.installed {
		return domain.InstalledState(nil)
	}
	return domain.ExtensionState{Kind: domain.StateNotInstalled}
}

func (m *MemoryExtensionManager) Activate(ctx context.Context) (domain.ExtensionState, error) {
	if err := m.wait(ctx); err != nil {
		return domain.ExtensionState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.activations++
	if m.activateResult != nil {
		return *m.activateResult, nil
	}
	m.installed = true
	m.logger.Infow("Extension activated", "activations", m.activations)
	return domain.InstalledState(nil), nil
}

func (m *MemoryExtensionManager) Deactivate(ctx context.Context) (domain.ExtensionState, error) {
	if err := m.wait(ctx); err != nil {
		return domain.ExtensionState{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivations++
	if m.deactivateResult != nil {
		return *m.deactivateResult, nil
	}
	m.installed = false
	m.logger.Infow("Extension deactivated", "deactivations", m.deactivations)
	return domain.ExtensionState{Kind: domain.StateNotInstalled}, nil
}

// ForceResults makes later requests report the given states instead of the
// simulated ones. Nil restores the simulation.
func (m *MemoryExtensionManager) ForceResults(activate, deactivate *domain.ExtensionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activateResult = activate
	m.deactivateResult = deactivate
}

// Requests returns how many activations and deactivations were submitted.
func (m *MemoryExtensionManager) Requests() (activations, deactivations int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activations, m.deactivations
}

func (m *MemoryExtensionManager) wait(ctx context.Context) error {
	if m.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
