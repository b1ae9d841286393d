package types

// Logger is the structured logging contract used throughout the pipeline.
//
// Every method takes a message and alternating key-value pairs. The library
// logs through this interface only; the default adapters wrap log/slog, and
// any sugared structured logger satisfies it without a shim.
type Logger interface {
	// Debug logs fine-grained pipeline traces: state transitions, lease
	// refresh batches, dropped calls.
	Debug(msg string, keysAndValues ...any)

	// Info logs lifecycle milestones such as session start and completion.
	Info(msg string, keysAndValues ...any)

	// Warn logs recoverable failures the pipeline retries or absorbs.
	Warn(msg string, keysAndValues ...any)

	// Error logs failures that likely need operator attention.
	Error(msg string, keysAndValues ...any)

	// Fatal logs the message and then terminates the process with
	// os.Exit(1), even if the backend has fatal-level logging disabled.
	Fatal(msg string, keysAndValues ...any)
}
