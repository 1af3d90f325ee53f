package events

import "nftmarket/core/types"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can render their canonical
// attribute map for indexers and journals.
type Payload interface {
	Event
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// MultiEmitter fans a single event out to every configured sink in order.
type MultiEmitter []Emitter

// Emit implements the Emitter interface.
func (m MultiEmitter) Emit(evt Event) {
	for _, sink := range m {
		if sink == nil {
			continue
		}
		sink.Emit(evt)
	}
}

// PayloadOf extracts the canonical payload from evt when available.
func PayloadOf(evt Event) (*types.Event, bool) {
	p, ok := evt.(Payload)
	if !ok {
		return nil, false
	}
	payload := p.Event()
	if payload == nil {
		return nil, false
	}
	return payload, true
}
