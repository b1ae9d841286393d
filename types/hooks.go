package types

import "context"

// Hooks defines callbacks for session lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// to avoid blocking the pipeline. Hooks receive the session's lifecycle
// context which will be cancelled during shutdown.
//
// IMPORTANT: Hook execution behavior:
//   - Hooks run concurrently and may not complete before the session does
//   - The context passed to hooks is cancelled when the session completes
//   - Hook errors are logged but don't fail pipeline operations
//
// Best practices for hook implementation:
//   - Complete quickly (< 1 second recommended)
//   - Respect context cancellation
//   - Don't block on long I/O operations
//   - Make hooks idempotent (may be called multiple times)
//   - Handle errors gracefully (return error for logging)
type Hooks struct {
	// OnStateChanged is called when the session state transitions.
	OnStateChanged func(ctx context.Context, from, to SessionState) error

	// OnStreamConnected is called each time the pull stream (re)connects,
	// including the first connect.
	OnStreamConnected func(ctx context.Context) error

	// OnError is called when a recoverable error occurs (transient stream
	// failures, best-effort ack failures).
	OnError func(ctx context.Context, err error) error
}
