package events

// Event represents a structured state change emitted by the core engines and
// consumed by downstream notifiers (webhooks, indexers, audit sinks).
type Event struct {
	Type       string
	Attributes map[string]string
}

// Emitter broadcasts events to downstream subscribers.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
