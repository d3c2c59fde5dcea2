package relay

import "sync"

// Registry is the set of live connections. All methods are safe for
// concurrent use.
type Registry struct {
	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	done   chan struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[*Conn]struct{}),
		done:  make(chan struct{}),
	}
}

// Register adds a connection. It returns [ErrClosed] after [Registry.Close].
func (r *Registry) Register(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.conns[c] = struct{}{}
	return nil
}

// Unregister removes a connection and reports whether it was present.
func (r *Registry) Unregister(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[c]; !ok {
		return false
	}
	delete(r.conns, c)
	return true
}

// Contains reports whether c is registered.
func (r *Registry) Contains(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[c]
	return ok
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// ForEach calls fn for every connection registered at the time of the
// call, in no particular order. fn may Unregister.
func (r *Registry) ForEach(fn func(*Conn)) {
	for _, c := range r.snapshot() {
		fn(c)
	}
}

func (r *Registry) snapshot() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Close closes and removes every connection and rejects further
// registrations. Safe to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[*Conn]struct{})
	close(r.done)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Done is closed when the registry is closed.
func (r *Registry) Done() <-chan struct{} {
	return r.done
}
