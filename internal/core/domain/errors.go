package domain

import "errors"

var (
	ErrBridgeAlreadyStarted     = errors.New("device bridge already started")
	ErrBridgeNotStarted         = errors.New("device bridge not started")
	ErrLogChannelAlreadyStarted = errors.New("log channel already started")
	ErrInvalidTransition        = errors.New("invalid extension state transition")
	ErrUnsupportedFrameRate     = errors.New("frame rate is unsupported")
	ErrDeviceClosed             = errors.New("virtual device closed")
	ErrCommandNotAllowed        = errors.New("command not allowed in current extension state")
	ErrUnknownProperty          = errors.New("unknown device property")
	ErrReadOnlyProperty         = errors.New("device property is read-only")

	ErrProxyNotRunning     = errors.New("proxy is not running")
	ErrProxyAlreadyRunning = errors.New("proxy is already running")
	ErrClientInterrupted   = errors.New("proxy connection was interrupted")
	ErrClientInvalidated   = errors.New("proxy connection was invalidated")
	ErrProtocolMismatch    = errors.New("proxy protocol mismatch")
)
