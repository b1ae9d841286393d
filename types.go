package pullstream

import "github.com/arloliu/pullstream/types"

// Re-export types from the types subpackage.
//
// Internal packages depend on the types subpackage directly to keep the
// dependency graph acyclic; these aliases give users the convenient
// pullstream.Message, pullstream.Logger, etc. without a second import.
type (
	Message   = types.Message
	AckResult = types.AckResult
)

// Re-export interfaces and callback types from the types subpackage.
type (
	MessageHandler   = types.MessageHandler
	AckReplier       = types.AckReplier
	Logger           = types.Logger
	Hooks            = types.Hooks
	MetricsCollector = types.MetricsCollector

	RetryPolicy          = types.RetryPolicy
	BackoffPolicy        = types.BackoffPolicy
	RetryPolicyFactory   = types.RetryPolicyFactory
	BackoffPolicyFactory = types.BackoffPolicyFactory
)

// Re-export lifecycle state types from the types subpackage.
type (
	SessionState = types.SessionState
	StreamState  = types.StreamState
)

// Re-export SessionState constants from the types subpackage.
const (
	SessionNotStarted            = types.SessionNotStarted
	SessionShutdownByExecutor    = types.SessionShutdownByExecutor
	SessionShutdownByApplication = types.SessionShutdownByApplication
	SessionCompleted             = types.SessionCompleted
)

// Re-export StreamState constants from the types subpackage.
const (
	StreamNull          = types.StreamNull
	StreamActive        = types.StreamActive
	StreamDisconnecting = types.StreamDisconnecting
	StreamFinishing     = types.StreamFinishing
)
