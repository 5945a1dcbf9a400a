// Package engine implements the in-memory room engine: rooms, their
// connection lifecycle (lobby, then joined, then closed), the event surface
// consumed by the gateway, and the directory that maps generated room
// ids and integrity tags to live rooms.
package engine

import "sync"

// Emitter is an ordered fan-out of events of type T. Subscribe returns a
// disposer; calling it more than once is a no-op. Emission runs handlers
// synchronously in subscription order, outside the emitter lock, so a
// handler may subscribe, dispose, or re-enter engine methods.
type Emitter[T any] struct {
	mu       sync.Mutex
	nextID   int
	handlers []handler[T]
}

type handler[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns its disposer.
//
// Precondition: fn must be non-nil.
func (e *Emitter[T]) Subscribe(fn func(T)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers = append(e.handlers, handler[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, h := range e.handlers {
				if h.id == id {
					e.handlers = append(e.handlers[:i:i], e.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit delivers v to every handler subscribed at the time of the call.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]handler[T], len(e.handlers))
	copy(snapshot, e.handlers)
	e.mu.Unlock()
	for _, h := range snapshot {
		h.fn(v)
	}
}

// Len returns the number of live subscriptions. Tests use it to assert
// that every terminal path released its listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}
