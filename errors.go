package pullstream

import "errors"

// Sentinel errors returned by the session API. Wrap-aware callers should use
// errors.Is.
var (
	// ErrAlreadyStarted is returned by Start when the session is already
	// running.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrInvalidSettings wraps all settings validation failures.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrTransportRequired is returned by NewSession when no subscriber
	// client is provided.
	ErrTransportRequired = errors.New("subscriber client is required")

	// ErrHandlerRequired is returned by Start when no message handler is
	// provided.
	ErrHandlerRequired = errors.New("message handler is required")

	// ErrSessionClosed is returned when an operation races with session
	// completion.
	ErrSessionClosed = errors.New("session closed")
)
