package vector

import (
	"errors"
	"sync"
)

// Registry caches open index handles per path for the life of a process.
// A writer that changes an index out of band invalidates its path so the
// next Acquire reopens it. Handles still held by readers stay open until the
// last of them is released.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	idx    *Index
	refs   int
	stale  bool
	closed bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*handle)}
}

// Acquire returns the cached handle for path, opening it on first use.
// The caller must call release once done with the index.
func (r *Registry) Acquire(path string) (x *Index, release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[path]
	if !ok {
		idx, err := Open(path)
		if err != nil {
			return nil, nil, err
		}
		h = &handle{idx: idx}
		r.handles[path] = h
	}
	h.refs++

	var once sync.Once
	return h.idx, func() { once.Do(func() { r.release(h) }) }, nil
}

func (r *Registry) release(h *handle) {
	r.mu.Lock()
	h.refs--
	closeNow := h.stale && h.refs == 0 && !h.closed
	if closeNow {
		h.closed = true
	}
	r.mu.Unlock()

	if closeNow {
		h.idx.Close()
	}
}

// Invalidate forgets the handle for path, if any. It is closed now when
// unused, otherwise when its last holder releases it.
func (r *Registry) Invalidate(path string) error {
	r.mu.Lock()
	h, ok := r.handles[path]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.handles, path)
	h.stale = true
	closeNow := h.refs == 0
	if closeNow {
		h.closed = true
	}
	r.mu.Unlock()

	if closeNow {
		return h.idx.Close()
	}
	return nil
}

// Close closes every cached handle, held or not
func (r *Registry) Close() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*handle)
	for _, h := range handles {
		h.stale = true
		h.closed = true
	}
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		errs = append(errs, h.idx.Close())
	}
	return errors.Join(errs...)
}
