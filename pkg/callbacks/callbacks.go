// Package callbacks is the event bus connections, sessions and shells use to
// signal each other. A waiting task registers a handler, the handler
// resolves the task when the event fires.
package callbacks

import (
	"errors"
	"sync"
)

// ErrReleased is returned when cancelling a handle whose registry was cleared
var ErrReleased = errors.New("callback registry already released")

// Handler receives the arguments given to Fire
type Handler func(args ...interface{}) interface{}

type Registry struct {
	owner    interface{}
	mu       sync.Mutex
	handlers map[string][]*Handle
	released bool
}

// Handle identifies one registration
type Handle struct {
	reg   *Registry
	event string
	fn    Handler
}

// New returns a registry whose events pass owner to handlers when fired
// without arguments
func New(owner interface{}) *Registry {
	return &Registry{
		owner:    owner,
		handlers: make(map[string][]*Handle),
	}
}

// On registers fn for every firing of event
func (r *Registry) On(event string, fn Handler) *Handle {
	h := &Handle{reg: r, event: event, fn: fn}
	r.add(h)
	return h
}

// OnNext registers fn for the next firing of event only
func (r *Registry) OnNext(event string, fn Handler) *Handle {
	var h *Handle
	h = r.On(event, func(args ...interface{}) interface{} {
		_ = h.Cancel()
		return fn(args...)
	})
	return h
}

func (r *Registry) add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.handlers[h.event] = append(r.handlers[h.event], h)
}

// Fire invokes the handlers registered for event in registration order and
// returns their results. The list is copied first, so handlers registered or
// cancelled while firing do not affect this pass.
func (r *Registry) Fire(event string, args ...interface{}) []interface{} {
	r.mu.Lock()
	snapshot := make([]*Handle, len(r.handlers[event]))
	copy(snapshot, r.handlers[event])
	r.mu.Unlock()

	if len(args) == 0 {
		args = []interface{}{r.owner}
	}
	results := make([]interface{}, 0, len(snapshot))
	for _, h := range snapshot {
		results = append(results, h.fn(args...))
	}
	return results
}

// Count returns the number of handlers registered for event
func (r *Registry) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers[event])
}

// Clear drops every handler and releases the registry. Later registrations
// are ignored and cancellations fail with ErrReleased.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string][]*Handle)
	r.released = true
}

// Released reports whether Clear was called
func (r *Registry) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// Event returns the name the handle was registered for
func (h *Handle) Event() string {
	return h.event
}

// Cancel removes the handler. Cancelling an already cancelled handle is a
// no-op.
func (h *Handle) Cancel() error {
	r := h.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	list := r.handlers[h.event]
	for i, other := range list {
		if other == h {
			r.handlers[h.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// Register adds a cancelled handle back to its registry
func (h *Handle) Register() *Handle {
	_ = h.Cancel()
	h.reg.add(h)
	return h
}
