package domain

import "fmt"

// StateKind is the top-level installation state of the device extension.
type StateKind int

const (
	StateUnknown StateKind = iota
	StateNotInstalled
	StateAwaitingUserApproval
	StateInstalling
	StateInstalled
	StateNeedsUpdate
	StateRequiresReboot
	StateUninstalling
	StateError
)

func (k StateKind) String() string {
	switch k {
	case StateUnknown:
		return "unknown"
	case StateNotInstalled:
		return "not_installed"
	case StateAwaitingUserApproval:
		return "awaiting_user_approval"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateNeedsUpdate:
		return "needs_update"
	case StateRequiresReboot:
		return "requires_reboot"
	case StateUninstalling:
		return "uninstalling"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(k))
	}
}

// ExtensionState is a StateKind plus its payload. Clients is only set when
// installed, Cause only when in error.
type ExtensionState struct {
	Kind    StateKind
	Clients []StreamingClient
	Cause   error
}

func UnknownState() ExtensionState { return ExtensionState{Kind: StateUnknown} }

func InstalledState(clients []StreamingClient) ExtensionState {
	return ExtensionState{Kind: StateInstalled, Clients: clients}
}

func ErrorState(cause error) ExtensionState {
	return ExtensionState{Kind: StateError, Cause: cause}
}

func (s ExtensionState) String() string {
	switch s.Kind {
	case StateInstalled:
		return fmt.Sprintf("installed(%d clients)", len(s.Clients))
	case StateError:
		if s.Cause != nil {
			return "error(" + s.Cause.Error() + ")"
		}
		return "error"
	default:
		return s.Kind.String()
	}
}

// Description is the human readable text shown for a persistent state.
func (s ExtensionState) Description() string {
	switch s.Kind {
	case StateUnknown:
		return "The camera state is unknown."
	case StateNotInstalled:
		return "The camera is not installed."
	case StateAwaitingUserApproval:
		return "The camera is waiting for approval in system settings."
	case StateInstalling:
		return "The camera is being installed."
	case StateInstalled:
		return "The camera is installed."
	case StateNeedsUpdate:
		return "The camera needs to be updated."
	case StateRequiresReboot:
		return "The camera requires a restart to finish installing."
	case StateUninstalling:
		return "The camera is being removed."
	case StateError:
		if s.Cause != nil {
			return "The camera could not be installed: " + s.Cause.Error()
		}
		return "The camera could not be installed."
	default:
		return ""
	}
}

// LifecycleEventKind is an OS installation callback or a client change.
type LifecycleEventKind int

const (
	EventReset LifecycleEventKind = iota
	EventNotInstalled
	EventApprovalRequired
	EventInstallStarted
	EventInstalled
	EventUpdateRequired
	EventRebootRequired
	EventUninstallStarted
	EventUninstalled
	EventFailed
	EventClientsChanged
)

func (k LifecycleEventKind) String() string {
	switch k {
	case EventReset:
		return "reset"
	case EventNotInstalled:
		return "not_installed"
	case EventApprovalRequired:
		return "approval_required"
	case EventInstallStarted:
		return "install_started"
	case EventInstalled:
		return "installed"
	case EventUpdateRequired:
		return "update_required"
	case EventRebootRequired:
		return "reboot_required"
	case EventUninstallStarted:
		return "uninstall_started"
	case EventUninstalled:
		return "uninstalled"
	case EventFailed:
		return "failed"
	case EventClientsChanged:
		return "clients_changed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type LifecycleEvent struct {
	Kind    LifecycleEventKind
	Clients []StreamingClient
	Cause   error
}
