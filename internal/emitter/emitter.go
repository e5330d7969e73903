// Package emitter is a minimal named-event callback registry. The relay
// client and the realtime session both hold one instead of each growing
// their own listener bookkeeping.
package emitter

import "sync"

type Handler func(data any)

type Emitter struct {
	mu       sync.Mutex
	handlers map[string][]Handler
}

func New() *Emitter {
	return &Emitter{handlers: make(map[string][]Handler)}
}

// On appends a handler for the named event. Handlers run in registration
// order when the event fires.
func (e *Emitter) On(event string, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], h)
}

// Emit invokes every handler registered for event, in order, on the
// calling goroutine.
func (e *Emitter) Emit(event string, data any) {
	e.mu.Lock()
	hs := make([]Handler, len(e.handlers[event]))
	copy(hs, e.handlers[event])
	e.mu.Unlock()

	for _, h := range hs {
		h(data)
	}
}
