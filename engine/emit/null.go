package emit

import "context"

// NullEmitter discards all events. Use when observability overhead is
// unwanted or in tests that do not inspect events.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops every event.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

// Flush is a no-op.
func (n *NullEmitter) Flush(context.Context) error { return nil }
