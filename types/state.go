package types

// SessionState represents the subscriber session lifecycle state.
//
// States follow a defined progression:
//
//	SessionNotStarted → SessionShutdownByExecutor | SessionShutdownByApplication → SessionCompleted
//
// Whichever shutdown trigger fires first drives the transition; the later
// trigger is a no-op. SessionCompleted is terminal.
type SessionState int

const (
	// SessionNotStarted is the state before any shutdown trigger fired.
	// The session delivers messages normally in this state.
	SessionNotStarted SessionState = iota

	// SessionShutdownByExecutor indicates the session's runtime context was
	// cancelled: the pipeline is torn down immediately.
	SessionShutdownByExecutor

	// SessionShutdownByApplication indicates the application requested an
	// orderly shutdown; the liveness timer confirms teardown before the
	// session completes.
	SessionShutdownByApplication

	// SessionCompleted indicates all outstanding operations drained and the
	// completion future resolved. Terminal.
	SessionCompleted
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case SessionNotStarted:
		return "NotStarted"
	case SessionShutdownByExecutor:
		return "ShutdownByExecutor"
	case SessionShutdownByApplication:
		return "ShutdownByApplication"
	case SessionCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// StreamState represents the lifecycle state of the underlying pull stream.
//
// States follow the reconnect cycle:
//
//	StreamNull → StreamActive → StreamDisconnecting → StreamFinishing → StreamNull
//
// The cycle repeats on reconnect; the owner leaving StreamNull without
// reconnecting ends the stream for good.
type StreamState int

const (
	// StreamNull means no stream is open. Initial state, and the state after
	// Finish completes.
	StreamNull StreamState = iota

	// StreamActive means the connect sequence succeeded and reads are flowing.
	StreamActive

	// StreamDisconnecting means a failure or shutdown was observed while a
	// read or write is still in flight; the stream waits for it to settle.
	StreamDisconnecting

	// StreamFinishing means no read or write is in flight and Finish has been
	// issued to collect the stream's final status.
	StreamFinishing
)

// String returns the string representation of the stream state.
func (s StreamState) String() string {
	switch s {
	case StreamNull:
		return "Null"
	case StreamActive:
		return "Active"
	case StreamDisconnecting:
		return "Disconnecting"
	case StreamFinishing:
		return "Finishing"
	default:
		return "Unknown"
	}
}
