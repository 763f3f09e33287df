package log

import "github.com/google/uuid"

// Logger receives proxy trace events. Pass nil or NoopLogger to disable.
type Logger interface {
	// Log records an event. Implementations must be thread-safe and must
	// not block; the proxy shard calls Log from its control loop.
	Log(event Event)
}

// NoopLogger discards all events.
// NoopLogger is safe for concurrent use and usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}

// NewSessionID returns a fresh proxy session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// OrNoop returns l, or NoopLogger if l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}
