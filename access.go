package voxman

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/voxman/internal/chunk"
	"github.com/hupe1980/voxman/internal/handle"
	"github.com/hupe1980/voxman/internal/region"
)

// AccessHandle identifies an access of a Manager.
type AccessHandle uint64

// AccessState is the lock state of an access.
type AccessState uint8

const (
	Unlocked AccessState = iota
	Locking
	Locked
)

func (s AccessState) String() string {
	switch s {
	case Locking:
		return "locking"
	case Locked:
		return "locked"
	default:
		return "unlocked"
	}
}

// selection is an immutable region of one layer resolved to chunk keys in
// lock order.
type selection struct {
	box   Box
	mode  Mode
	cover region.Range
	keys  []chunkKey
}

type access struct {
	handle AccessHandle
	v      *volume
	layer  int
	logger *Logger

	// epoch changes on every lock and unlock so views can detect staleness.
	epoch atomic.Uint64

	mu      sync.Mutex
	state   AccessState
	sel     *selection
	holds   []*chunk.Hold
	touched []atomic.Bool
	cancel  context.CancelCauseFunc
	closed  error
}

// closeLocked marks the access deleted and wakes a blocked Lock.
func (a *access) closeLocked(cause error) {
	if a.closed != nil {
		return
	}
	a.closed = cause
	if a.cancel != nil {
		a.cancel(cause)
	}
}

func (m *Manager) access(ah AccessHandle) (*access, error) {
	a, ok := m.accesses.Get(handle.Handle(ah))
	if !ok {
		return nil, fmt.Errorf("%w: access %d", ErrInvalidHandle, ah)
	}
	return a, nil
}

// CreateAccess creates an unlocked access without selection to one layer of
// a volume.
func (m *Manager) CreateAccess(vh VolumeHandle, layer string) (AccessHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return 0, ErrClosed
	}

	v, err := m.volume(vh)
	if err != nil {
		return 0, err
	}
	li, ok := v.byName[layer]
	if !ok {
		return 0, invalidParam("layer", layer, "not a layer of volume "+v.name)
	}

	a := &access{v: v, layer: li}
	a.handle = AccessHandle(m.accesses.Insert(a))
	a.logger = v.logger.WithLayer(layer).WithAccess(a.handle)

	v.mu.Lock()
	v.accesses[a] = struct{}{}
	v.mu.Unlock()
	return a.handle, nil
}

// DeleteAccess invalidates an access. A Lock blocked on it fails with
// ErrAccessClosed. It fails with ErrAccessBusy while the access is locked.
func (m *Manager) DeleteAccess(ah AccessHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, err := m.access(ah)
	if err != nil {
		return err
	}
	a.mu.Lock()
	if a.state == Locked {
		a.mu.Unlock()
		return ErrAccessBusy
	}
	a.closeLocked(ErrAccessClosed)
	a.mu.Unlock()

	m.accesses.Remove(handle.Handle(ah))
	a.v.mu.Lock()
	delete(a.v.accesses, a)
	a.v.mu.Unlock()
	return nil
}

// Select binds a region of the access's layer and a lock mode to the access,
// replacing any previous selection. The region must lie inside the volume
// bounds. It fails with ErrAccessBusy while the access is locked.
func (m *Manager) Select(ah AccessHandle, box Box, mode Mode) error {
	a, err := m.access(ah)
	if err != nil {
		return err
	}
	sel, err := a.v.selection(a.layer, box, mode, m.opts.resources.MemoryLimit())
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed != nil {
		return a.closed
	}
	if a.state != Unlocked {
		return ErrAccessBusy
	}
	a.sel = sel
	if m.opts.prefetch {
		go a.prefetch(m.bgCtx, sel.keys)
	}
	return nil
}

// prefetch warms the chunks of a fresh selection so the next Lock hits.
func (a *access) prefetch(ctx context.Context, keys []chunkKey) {
	if n := a.v.store.Prefetch(ctx, keys); n > 0 {
		a.logger.Debug("chunks prefetched", "count", n, "selected", len(keys))
	}
}

// AccessState returns the lock state of an access.
func (m *Manager) AccessState(ah AccessHandle) (AccessState, error) {
	a, err := m.access(ah)
	if err != nil {
		return Unlocked, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, nil
}

// Lock acquires every chunk of the access's selection, loading chunks as
// needed and waiting for conflicting accesses. Chunks are taken in ascending
// chunk order, so accesses never deadlock each other.
//
// Lock fails with context.Cause(ctx) when ctx is done, ErrAccessClosed when
// the access is deleted, ErrVolumeClosed when its volume is deleted and
// ErrClosed when the manager closes. On any failure the chunks acquired so
// far are released and the access stays unlocked.
func (m *Manager) Lock(ctx context.Context, ah AccessHandle) error {
	_, err := m.lock(ctx, ah, true)
	return err
}

// TryLock is Lock without waiting. It returns false if any chunk is held in
// a conflicting mode; nothing stays acquired in that case.
func (m *Manager) TryLock(ah AccessHandle) (bool, error) {
	ok, err := m.lock(context.Background(), ah, false)
	if errors.Is(err, ErrWouldBlock) {
		return false, nil
	}
	return ok, err
}

func (m *Manager) lock(ctx context.Context, ah AccessHandle, blocking bool) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	a, err := m.access(ah)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	if a.closed != nil {
		a.mu.Unlock()
		return false, a.closed
	}
	if a.state != Unlocked {
		a.mu.Unlock()
		return false, ErrAccessBusy
	}
	sel := a.sel
	if sel == nil {
		a.mu.Unlock()
		return false, ErrNoSelection
	}
	lockCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	a.state = Locking
	a.cancel = cancel
	a.v.lockers.Add(1)
	a.mu.Unlock()
	defer a.v.lockers.Done()

	start := time.Now()
	holds, err := m.acquire(lockCtx, a.v.store, sel, blocking)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancel = nil
	if err == nil && a.closed != nil {
		// Deleted after the last chunk was acquired.
		err = a.closed
		if rerr := m.release(holds, nil); rerr != nil {
			err = rerr
		}
	}
	m.opts.metrics.OnLockWait(time.Since(start), sel.mode, err)
	a.logger.LogLock(ctx, sel.mode, len(sel.keys), err)
	if err != nil {
		a.state = Unlocked
		return false, err
	}

	a.holds = holds
	a.touched = make([]atomic.Bool, len(holds))
	a.state = Locked
	a.epoch.Add(1)
	if sel.mode == Write {
		a.v.writeLocks.Add(1)
	} else {
		a.v.readLocks.Add(1)
	}
	return true, nil
}

// acquire takes holds on every key of sel in order. On failure everything
// taken so far is released in reverse order.
func (m *Manager) acquire(ctx context.Context, store *chunk.Store, sel *selection, blocking bool) ([]*chunk.Hold, error) {
	holds := make([]*chunk.Hold, 0, len(sel.keys))
	for _, k := range sel.keys {
		h, err := store.Acquire(ctx, k, sel.mode, blocking)
		if err != nil {
			if rerr := m.release(holds, nil); rerr != nil {
				return nil, rerr
			}
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, nil
}

// release returns holds in reverse acquisition order. touched may be nil.
func (m *Manager) release(holds []*chunk.Hold, touched []atomic.Bool) error {
	var errs []error
	for i, h := range slices.Backward(holds) {
		t := touched != nil && touched[i].Load()
		if err := h.Release(t); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return m.fault("release", errors.Join(errs...))
	}
	return nil
}

// Unlock releases the chunks of a locked access in reverse order. Chunks
// modified through a WriteView become dirty. Views obtained while locked
// stop working. It fails with ErrNotLocked if the access is not locked.
func (m *Manager) Unlock(ah AccessHandle) error {
	a, err := m.access(ah)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Locked {
		return ErrNotLocked
	}
	a.epoch.Add(1)
	holds, touched := a.holds, a.touched
	a.holds, a.touched = nil, nil
	a.state = Unlocked
	return m.release(holds, touched)
}

// ReadVoxelLayer returns a view of the locked selection.
func (m *Manager) ReadVoxelLayer(ah AccessHandle) (*ReadView, error) {
	a, err := m.access(ah)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Locked {
		return nil, ErrNotLocked
	}
	return a.readView(), nil
}

// ReadWriteVoxelLayer returns a writable view of a selection locked in Write
// mode. It fails with ErrAccessDenied for Read selections.
func (m *Manager) ReadWriteVoxelLayer(ah AccessHandle) (*WriteView, error) {
	a, err := m.access(ah)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Locked {
		return nil, ErrNotLocked
	}
	if a.sel.mode != Write {
		return nil, fmt.Errorf("%w: selection is read-only", ErrAccessDenied)
	}
	return &WriteView{ReadView: *a.readView(), touched: a.touched}, nil
}
