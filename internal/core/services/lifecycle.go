package services

import (
	"fmt"
	"sync"

	"vcam/internal/core/domain"
	"vcam/internal/core/ports"
	apperrors "vcam/pkg/errors"

	"go.uber.org/zap"
)

// Transition is the outcome of reducing one lifecycle event.
type Transition struct {
	Old     domain.ExtensionState
	New     domain.ExtensionState
	Changed bool
	// InstallSucceeded is set when an approval or install completed.
	InstallSucceeded bool
	UninstallStarted bool
}

var allowedTransitions = map[domain.StateKind][]domain.StateKind{
	domain.StateUnknown: {
		domain.StateNotInstalled, domain.StateAwaitingUserApproval, domain.StateInstalled,
		domain.StateRequiresReboot, domain.StateNeedsUpdate,
	},
	domain.StateNotInstalled: {
		domain.StateAwaitingUserApproval, domain.StateInstalling,
	},
	domain.StateAwaitingUserApproval: {
		domain.StateInstalling, domain.StateInstalled, domain.StateNeedsUpdate, domain.StateRequiresReboot,
	},
	domain.StateInstalling: {
		domain.StateInstalled, domain.StateNeedsUpdate, domain.StateRequiresReboot,
	},
	domain.StateInstalled: {
		domain.StateNeedsUpdate, domain.StateRequiresReboot, domain.StateUninstalling,
	},
	domain.StateNeedsUpdate: {
		domain.StateAwaitingUserApproval, domain.StateInstalling, domain.StateInstalled,
		domain.StateRequiresReboot, domain.StateUninstalling,
	},
	domain.StateRequiresReboot: {
		domain.StateUninstalling,
	},
	domain.StateUninstalling: {
		domain.StateNotInstalled, domain.StateUnknown,
	},
	domain.StateError: {
		domain.StateUnknown, domain.StateNotInstalled, domain.StateAwaitingUserApproval,
		domain.StateInstalled, domain.StateNeedsUpdate, domain.StateRequiresReboot,
	},
}

// CanTransition reports whether the lifecycle allows moving from one kind to another.
// Every state may move to error.
func CanTransition(from, to domain.StateKind) bool {
	if to == domain.StateError {
		return true
	}
	for _, k := range allowedTransitions[from] {
		if k == to {
			return true
		}
	}
	return false
}

func targetKind(kind domain.LifecycleEventKind) (domain.StateKind, bool) {
	switch kind {
	case domain.EventReset:
		return domain.StateUnknown, true
	case domain.EventNotInstalled, domain.EventUninstalled:
		return domain.StateNotInstalled, true
	case domain.EventApprovalRequired:
		return domain.StateAwaitingUserApproval, true
	case domain.EventInstallStarted:
		return domain.StateInstalling, true
	case domain.EventInstalled:
		return domain.StateInstalled, true
	case domain.EventUpdateRequired:
		return domain.StateNeedsUpdate, true
	case domain.EventRebootRequired:
		return domain.StateRequiresReboot, true
	case domain.EventUninstallStarted:
		return domain.StateUninstalling, true
	case domain.EventFailed:
		return domain.StateError, true
	default:
		return 0, false
	}
}

// Reduce applies ev to old. It performs no I/O. A rejected event leaves the
// state as it was and returns an EXTENSION_ERROR wrapping ErrInvalidTransition.
func Reduce(old domain.ExtensionState, ev domain.LifecycleEvent) (Transition, error) {
	t := Transition{Old: old, New: old}

	if ev.Kind == domain.EventClientsChanged {
		if old.Kind != domain.StateInstalled {
			return t, nil
		}
		t.New = domain.InstalledState(copyClients(ev.Clients))
		t.Changed = true
		return t, nil
	}

	to, ok := targetKind(ev.Kind)
	if !ok {
		return t, apperrors.NewExtensionError(domain.ErrInvalidTransition, fmt.Sprintf("unknown lifecycle event %s", ev.Kind))
	}
	if to == old.Kind {
		return t, nil
	}
	if !CanTransition(old.Kind, to) {
		return t, apperrors.NewExtensionError(domain.ErrInvalidTransition,
			fmt.Sprintf("cannot move from %s to %s", old.Kind, to)).
			WithContext("from", old.Kind.String()).
			WithContext("to", to.String())
	}

	switch to {
	case domain.StateInstalled:
		t.New = domain.InstalledState(copyClients(ev.Clients))
	case domain.StateError:
		t.New = domain.ErrorState(ev.Cause)
	default:
		t.New = domain.ExtensionState{Kind: to}
	}
	t.Changed = true

	switch to {
	case domain.StateInstalled, domain.StateNeedsUpdate, domain.StateRequiresReboot:
		t.InstallSucceeded = old.Kind == domain.StateAwaitingUserApproval || old.Kind == domain.StateInstalling
	case domain.StateUninstalling:
		t.UninstallStarted = true
	}
	return t, nil
}

// CanActivate reports whether an activation request makes sense in state.
// Activation starts by asking for approval, so the table must allow that
// move. In unknown the request is withheld until the state is known.
func CanActivate(state domain.ExtensionState) bool {
	switch state.Kind {
	case domain.StateUnknown:
		return false
	case domain.StateAwaitingUserApproval:
		return true
	default:
		return CanTransition(state.Kind, domain.StateAwaitingUserApproval)
	}
}

// CanDeactivate reports whether a deactivation request makes sense in state:
// only where an uninstall may start.
func CanDeactivate(state domain.ExtensionState) bool {
	return CanTransition(state.Kind, domain.StateUninstalling)
}

// ActivationOutcome maps the state reported after an activation request.
// Results that an activation cannot legitimately produce become errors.
func ActivationOutcome(result domain.ExtensionState) domain.ExtensionState {
	switch result.Kind {
	case domain.StateUnknown, domain.StateUninstalling, domain.StateNotInstalled:
		return domain.ErrorState(fmt.Errorf("unexpected activation result %s: %w", result.Kind, domain.ErrInvalidTransition))
	default:
		return result
	}
}

// DeactivationOutcome is the deactivation counterpart of ActivationOutcome.
func DeactivationOutcome(result domain.ExtensionState) domain.ExtensionState {
	switch result.Kind {
	case domain.StateAwaitingUserApproval, domain.StateInstalling, domain.StateInstalled,
		domain.StateNeedsUpdate, domain.StateUnknown:
		return domain.ErrorState(fmt.Errorf("unexpected deactivation result %s: %w", result.Kind, domain.ErrInvalidTransition))
	default:
		return result
	}
}

func copyClients(clients []domain.StreamingClient) []domain.StreamingClient {
	if clients == nil {
		return nil
	}
	out := make([]domain.StreamingClient, len(clients))
	copy(out, clients)
	return out
}

// LifecycleTracker holds the current extension state and feeds events
// through Reduce, notifying an observer of every change.
type LifecycleTracker struct {
	applyMu  sync.Mutex
	mu       sync.Mutex
	state    domain.ExtensionState
	observer ports.LifecycleObserver
	logger   *zap.SugaredLogger
}

func NewLifecycleTracker(observer ports.LifecycleObserver, logger *zap.SugaredLogger) *LifecycleTracker {
	return &LifecycleTracker{
		state:    domain.UnknownState(),
		observer: observer,
		logger:   logger,
	}
}

func (t *LifecycleTracker) State() domain.ExtensionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Apply reduces ev against the current state. Observer callbacks run outside
// the state lock but in the order the events were applied.
func (t *LifecycleTracker) Apply(ev domain.LifecycleEvent) (Transition, error) {
	t.applyMu.Lock()
	defer t.applyMu.Unlock()

	t.mu.Lock()
	tr, err := Reduce(t.state, ev)
	if err != nil {
		t.mu.Unlock()
		t.logger.Warnw("Rejected extension lifecycle event",
			"event", ev.Kind.String(),
			"state", tr.Old.String(),
			"error", err,
		)
		return tr, err
	}
	t.state = tr.New
	t.mu.Unlock()

	if !tr.Changed {
		return tr, nil
	}

	t.logger.Infow("Extension state changed",
		"from", tr.Old.String(),
		"to", tr.New.String(),
	)
	if t.observer != nil {
		t.observer.OnExtensionStateChanged(tr.Old, tr.New)
		if tr.InstallSucceeded {
			t.observer.OnInstallSucceeded(tr.New)
		}
	}
	return tr, nil
}

// LifecycleObservers fans one tracker out to several observers, in order.
type LifecycleObservers []ports.LifecycleObserver

func (o LifecycleObservers) OnExtensionStateChanged(old, new domain.ExtensionState) {
	for _, obs := range o {
		obs.OnExtensionStateChanged(old, new)
	}
}

func (o LifecycleObservers) OnInstallSucceeded(state domain.ExtensionState) {
	for _, obs := range o {
		obs.OnInstallSucceeded(state)
	}
}
