// Package emit provides event emission and observability for build
// executions.
package emit

import "context"

// Emitter receives observability events from the engine.
//
// Emitters enable pluggable observability backends: structured logging,
// distributed tracing, in-memory capture for tests. Implementations must be
// safe for concurrent use, must not block execution, and must not panic;
// backend failures are logged internally and swallowed.
type Emitter interface {
	// Emit sends a single event to the backend.
	Emit(event Event)

	// Flush ensures buffered events reach the backend. Call before
	// shutdown and at execution completion. Safe to call repeatedly.
	Flush(ctx context.Context) error
}
