// Package handle provides a generation-checked arena for opaque handles.
//
// A Handle packs a slot index and the slot's generation. Removing an entry bumps
// the generation, so handles to destroyed objects are rejected instead of
// resolving to whatever reuses the slot.
package handle

import "sync"

// Handle identifies an entry of a Table. The zero Handle is never valid.
type Handle uint64

func newHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) index() uint32 { return uint32(h) }
func (h Handle) gen() uint32   { return uint32(h >> 32) }

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h == 0 }

type slot[T any] struct {
	gen   uint32
	alive bool
	value T
}

// Table maps handles to values. It is safe for concurrent use.
type Table[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	count int
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1)
	}
	s := &t.slots[idx]
	// Generations start at 1 so the zero handle never matches.
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.alive = true
	s.value = v
	t.count++
	return newHandle(idx, s.gen)
}

// Get resolves h.
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.lookup(h)
	if !ok {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Remove invalidates h and returns the value it referred to.
func (t *Table[T]) Remove(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s, ok := t.lookup(h)
	if !ok {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.alive = false
	t.free = append(t.free, h.index())
	t.count--
	return v, true
}

// Len returns the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Range calls fn for every live entry until fn returns false.
// fn must not call back into t.
func (t *Table[T]) Range(fn func(Handle, T) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := range t.slots {
		s := &t.slots[i]
		if !s.alive {
			continue
		}
		if !fn(newHandle(uint32(i), s.gen), s.value) {
			return
		}
	}
}

func (t *Table[T]) lookup(h Handle) (*slot[T], bool) {
	idx := h.index()
	if h.IsZero() || int(idx) >= len(t.slots) {
		return nil, false
	}
	s := &t.slots[idx]
	if !s.alive || s.gen != h.gen() {
		return nil, false
	}
	return s, true
}
