// Package chunk owns chunk memory for one volume.
//
// A Store maps chunk keys to entries carrying the voxel bytes, a reference
// count of outstanding holds, reader/writer state and the timestamps that
// drive timeout based write-back and eviction. Holds are taken with Acquire
// and returned with Hold.Release. Sweep flushes chunks whose modified timeout
// elapsed and evicts clean chunks whose unused timeout elapsed. Nothing is
// ever evicted early: when memory runs out and no chunk has expired, Acquire
// fails with ErrOutOfMemory.
//
// The Store does not order acquisitions. Callers that take several holds must
// do so in ascending Key order to stay deadlock free.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/voxman/internal/region"
	"github.com/hupe1980/voxman/internal/resource"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Mode is the kind of hold taken on a chunk.
type Mode uint8

const (
	// Read holds are shared.
	Read Mode = iota
	// Write holds are exclusive.
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// Key identifies a chunk within a store.
type Key struct {
	Layer int
	Coord region.Coord
}

// Compare orders keys by layer, then by chunk coordinate.
func (k Key) Compare(o Key) int {
	if k.Layer != o.Layer {
		if k.Layer < o.Layer {
			return -1
		}
		return 1
	}
	return k.Coord.Compare(o.Coord)
}

func (k Key) String() string {
	return strconv.Itoa(k.Layer) + ":" + k.Coord.String()
}

// Backend persists chunk bytes.
//
// Load returns ErrNotFound (or an error wrapping it) for chunks that were
// never written; the store then zero-fills them. Store must not retain data.
type Backend interface {
	Load(ctx context.Context, key Key) ([]byte, error)
	Store(ctx context.Context, key Key, data []byte) error
}

// Observer receives timing hooks. Implementations must be safe for
// concurrent use and must not block.
type Observer interface {
	OnLoad(d time.Duration, bytes int, err error)
	OnFlush(d time.Duration, bytes int, err error)
	OnEvict(n int)
}

type noopObserver struct{}

func (noopObserver) OnLoad(time.Duration, int, error)  {}
func (noopObserver) OnFlush(time.Duration, int, error) {}
func (noopObserver) OnEvict(int)                       {}

// Config configures a Store.
type Config struct {
	// LayerBytes is the chunk size in bytes of each layer. Required.
	LayerBytes []int

	// Backend loads and stores chunk bytes. Required.
	Backend Backend

	// Resources accounts chunk memory and bounds write-back. Nil means
	// unlimited memory and a single flush worker.
	Resources *resource.Controller

	// Index holds, per layer, the ids (region.Coord.ID) of chunks known to
	// exist in the backend. A nil slice or nil bitmap means unknown: every
	// miss asks the backend. The store takes ownership of the bitmaps.
	Index []*roaring64.Bitmap

	// Reclaim is called under memory pressure to evict expired chunks across
	// every store sharing Resources. It returns the number of chunks evicted.
	// Defaults to EvictExpired on this store.
	Reclaim func() int

	// OnIdle is called whenever a chunk's reference count drops to zero.
	OnIdle func()

	Now      func() time.Time
	Logger   *slog.Logger
	Observer Observer

	UnusedTimeout   time.Duration
	ModifiedTimeout time.Duration
}

// Store owns the chunks of one volume. It is safe for concurrent use.
type Store struct {
	layerBytes []int
	backend    Backend
	res        *resource.Controller
	reclaim    func() int
	onIdle     func()
	now        func() time.Time
	logger     *slog.Logger
	observer   Observer

	unused   atomic.Int64
	modified atomic.Int64

	loads singleflight.Group

	// done is cancelled with the close error; detached loads end with it.
	done context.Context
	stop context.CancelCauseFunc

	mu        sync.Mutex
	entries   map[Key]*entry
	index     []*roaring64.Bitmap
	changed   chan struct{}
	closedErr error

	stats counters
}

// New creates a Store.
func New(cfg Config) (*Store, error) {
	if len(cfg.LayerBytes) == 0 {
		return nil, errors.New("chunk: no layers")
	}
	for i, n := range cfg.LayerBytes {
		if n <= 0 {
			return nil, fmt.Errorf("chunk: layer %d has invalid chunk size %d", i, n)
		}
	}
	if cfg.Backend == nil {
		return nil, errors.New("chunk: backend is required")
	}
	if cfg.Index != nil && len(cfg.Index) != len(cfg.LayerBytes) {
		return nil, fmt.Errorf("chunk: index has %d layers, want %d", len(cfg.Index), len(cfg.LayerBytes))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Observer == nil {
		cfg.Observer = noopObserver{}
	}

	s := &Store{
		layerBytes: cfg.LayerBytes,
		backend:    cfg.Backend,
		res:        cfg.Resources,
		onIdle:     cfg.OnIdle,
		now:        cfg.Now,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		entries:    make(map[Key]*entry),
		index:      cfg.Index,
		changed:    make(chan struct{}),
	}
	s.done, s.stop = context.WithCancelCause(context.Background())
	s.reclaim = cfg.Reclaim
	if s.reclaim == nil {
		s.reclaim = s.EvictExpired
	}
	s.SetUnusedTimeout(cfg.UnusedTimeout)
	s.SetModifiedTimeout(cfg.ModifiedTimeout)
	return s, nil
}

// SetUnusedTimeout sets how long a clean, unreferenced chunk stays loaded.
// It applies from the next sweep on.
func (s *Store) SetUnusedTimeout(d time.Duration) { s.unused.Store(int64(d)) }

// SetModifiedTimeout sets how long a dirty, unreferenced chunk waits before
// it is written back. It applies from the next sweep on.
func (s *Store) SetModifiedTimeout(d time.Duration) { s.modified.Store(int64(d)) }

// Timeouts returns the current unused and modified timeouts.
func (s *Store) Timeouts() (unused, modified time.Duration) {
	return time.Duration(s.unused.Load()), time.Duration(s.modified.Load())
}

// ChunkBytes returns the chunk size in bytes of layer.
func (s *Store) ChunkBytes(layer int) int {
	return s.layerBytes[layer]
}

type entry struct {
	key  Key
	data []byte // nil while unloaded

	reserved int64 // bytes reserved from the resource controller

	refs     int // outstanding holds, including an internal flush hold
	readers  int
	writer   bool
	flushing bool
	loading  bool

	dirty      bool
	dirtySince time.Time
	lastAccess time.Time
}

func (e *entry) admits(m Mode) bool {
	if m == Write {
		return !e.writer && e.readers == 0
	}
	return !e.writer
}

func (e *entry) take(m Mode) {
	e.refs++
	if m == Write {
		e.writer = true
	} else {
		e.readers++
	}
}

func (e *entry) drop(m Mode) {
	e.refs--
	if m == Write {
		e.writer = false
	} else {
		e.readers--
	}
}

// broadcastLocked wakes every goroutine waiting for a state change.
func (s *Store) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// dropIfIdleLocked forgets an entry that holds neither data nor references
// and is not being loaded.
func (s *Store) dropIfIdleLocked(e *entry) {
	if e.refs == 0 && e.data == nil && !e.loading && s.entries[e.key] == e {
		delete(s.entries, e.key)
	}
}

// Hold is a read or write hold on one loaded chunk.
type Hold struct {
	s        *Store
	e        *entry
	mode     Mode
	released bool
}

// Key returns the held chunk.
func (h *Hold) Key() Key { return h.e.key }

// Mode returns the hold mode.
func (h *Hold) Mode() Mode { return h.mode }

// Data returns the chunk bytes. The slice stays valid until Release; it may
// only be written through a Write hold.
func (h *Hold) Data() []byte { return h.e.data }

// Acquire takes a hold on key, loading the chunk if necessary.
//
// If the hold is incompatible with the holds already taken, Acquire waits
// until it becomes available (blocking) or returns ErrWouldBlock. A waiting
// Acquire returns context.Cause(ctx) when ctx is done and the close error
// when the store is closed.
func (s *Store) Acquire(ctx context.Context, key Key, mode Mode, blocking bool) (*Hold, error) {
	if key.Layer < 0 || key.Layer >= len(s.layerBytes) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLayer, key.Layer)
	}

	s.mu.Lock()
	var e *entry
	for {
		if s.closedErr != nil {
			err := s.closedErr
			s.mu.Unlock()
			return nil, err
		}
		e = s.entries[key]
		if e == nil {
			e = &entry{key: key}
			s.entries[key] = e
		}
		if e.admits(mode) {
			break
		}
		if !blocking {
			s.mu.Unlock()
			return nil, ErrWouldBlock
		}

		wait := s.changed
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
		s.mu.Lock()
	}
	e.take(mode)
	e.lastAccess = s.now()
	loaded := e.data != nil
	s.mu.Unlock()

	if loaded {
		s.stats.hits.Add(1)
		return &Hold{s: s, e: e, mode: mode}, nil
	}
	s.stats.misses.Add(1)

	if err := s.ensureLoaded(ctx, e); err != nil {
		s.mu.Lock()
		e.drop(mode)
		s.dropIfIdleLocked(e)
		s.broadcastLocked()
		s.mu.Unlock()
		return nil, err
	}
	return &Hold{s: s, e: e, mode: mode}, nil
}

// ensureLoaded waits until e holds data. Concurrent misses on one chunk
// share a single load. The load runs detached from the callers' contexts and
// ends only with the store, so a caller that gives up does not fail the
// others. The caller must hold a reference on e.
func (s *Store) ensureLoaded(ctx context.Context, e *entry) error {
	detached := context.WithoutCancel(ctx)
	for {
		ch := s.loads.DoChan(e.key.String(), func() (any, error) {
			return nil, s.loadEntry(detached, e.key, true)
		})
		select {
		case res := <-ch:
			if res.Err != nil && !errors.Is(res.Err, errSkipped) {
				return res.Err
			}
		case <-ctx.Done():
			return context.Cause(ctx)
		}

		s.mu.Lock()
		done := e.data != nil
		s.mu.Unlock()
		if done {
			return nil
		}
	}
}

// loadEntry loads the current entry of key unless it is loaded or being
// loaded. Without reclaim, a load that does not fit the memory budget
// returns errSkipped.
func (s *Store) loadEntry(ctx context.Context, key Key, reclaim bool) error {
	s.mu.Lock()
	if s.closedErr != nil {
		err := s.closedErr
		s.mu.Unlock()
		return err
	}
	e := s.entries[key]
	if e == nil || e.data != nil || e.loading {
		s.mu.Unlock()
		return nil
	}
	e.loading = true
	s.mu.Unlock()

	err := s.load(ctx, e, reclaim)

	s.mu.Lock()
	e.loading = false
	s.dropIfIdleLocked(e)
	s.broadcastLocked()
	s.mu.Unlock()
	return err
}

func (s *Store) load(ctx context.Context, e *entry, reclaim bool) error {
	size := s.layerBytes[e.key.Layer]
	if !reclaim {
		if !s.res.TryAcquireMemory(int64(size)) {
			return errSkipped
		}
	} else if err := s.reserve(int64(size)); err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.done, func() { cancel(context.Cause(s.done)) })
	defer stop()

	start := time.Now()
	data, fresh, err := s.fetch(ctx, e.key, size)
	if !fresh {
		s.observer.OnLoad(time.Since(start), len(data), err)
	}
	if err != nil {
		s.res.ReleaseMemory(int64(size))
		if s.done.Err() != nil {
			return context.Cause(s.done)
		}
		s.stats.loadErrors.Add(1)
		s.logger.Warn("chunk load failed", "chunk", e.key.String(), "error", err)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closedErr != nil {
		s.res.ReleaseMemory(int64(size))
		return s.closedErr
	}
	e.data = data
	e.reserved = int64(size)
	s.stats.addLoaded(1)
	if fresh {
		s.stats.allocs.Add(1)
	} else {
		s.stats.loads.Add(1)
	}
	return nil
}

// Prefetch loads the chunks of keys that are not loaded yet so later
// acquisitions hit. Loads run in parallel, bounded like write-back. Chunks
// that do not fit the memory budget without evicting anything are skipped,
// as is everything after them. Prefetched chunks are unreferenced and age
// like any other clean chunk. It returns how many chunks were loaded.
func (s *Store) Prefetch(ctx context.Context, keys []Key) int {
	var (
		loaded atomic.Int64
		full   atomic.Bool
		g      errgroup.Group
	)
	g.SetLimit(s.res.FlushWorkers())
	for _, k := range keys {
		if ctx.Err() != nil || full.Load() {
			break
		}
		if k.Layer < 0 || k.Layer >= len(s.layerBytes) {
			continue
		}

		s.mu.Lock()
		if s.closedErr != nil {
			s.mu.Unlock()
			break
		}
		e := s.entries[k]
		if e == nil {
			e = &entry{key: k, lastAccess: s.now()}
			s.entries[k] = e
		}
		pending := e.data == nil && !e.loading
		s.mu.Unlock()
		if !pending {
			continue
		}

		g.Go(func() error {
			_, err, _ := s.loads.Do(k.String(), func() (any, error) {
				return nil, s.loadEntry(ctx, k, false)
			})
			s.mu.Lock()
			if err == nil && e.data != nil {
				loaded.Add(1)
			}
			s.dropIfIdleLocked(e)
			s.mu.Unlock()
			switch {
			case errors.Is(err, errSkipped):
				full.Store(true)
			case err != nil:
				s.logger.Debug("chunk prefetch failed", "chunk", k.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(loaded.Load())
}

// fetch returns the chunk bytes and whether they were zero-filled.
func (s *Store) fetch(ctx context.Context, key Key, size int) ([]byte, bool, error) {
	s.mu.Lock()
	known, persisted := s.indexedLocked(key)
	s.mu.Unlock()
	if known && !persisted {
		return make([]byte, size), true, nil
	}

	data, err := s.backend.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return make([]byte, size), true, nil
	}
	if err != nil {
		return nil, false, &IOError{Op: "load", Key: key, Err: err}
	}
	if len(data) != size {
		return nil, false, &IOError{Op: "load", Key: key, Err: fmt.Errorf("got %d bytes, want %d", len(data), size)}
	}
	return data, false, nil
}

func (s *Store) indexedLocked(key Key) (known, persisted bool) {
	if s.index == nil || s.index[key.Layer] == nil {
		return false, false
	}
	return true, s.index[key.Layer].Contains(key.Coord.ID())
}

func (s *Store) markPersistedLocked(key Key) {
	if s.index != nil && s.index[key.Layer] != nil {
		s.index[key.Layer].Add(key.Coord.ID())
	}
}

// reserve takes n bytes from the memory budget, evicting expired chunks once
// if the budget is exhausted.
func (s *Store) reserve(n int64) error {
	if s.res.TryAcquireMemory(n) {
		return nil
	}
	if s.reclaim() > 0 && s.res.TryAcquireMemory(n) {
		return nil
	}
	return fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrOutOfMemory, n, s.res.MemoryUsage(), s.res.MemoryLimit())
}

// Release returns the hold. A touched Write hold marks the chunk dirty; the
// dirty timestamp is kept if the chunk was already dirty.
func (h *Hold) Release(touched bool) error {
	s := h.s
	s.mu.Lock()
	if h.released {
		s.mu.Unlock()
		return ErrReleased
	}
	e := h.e
	if e.refs <= 0 || (h.mode == Write && !e.writer) || (h.mode == Read && e.readers <= 0) {
		s.mu.Unlock()
		return fmt.Errorf("%w: chunk %s refs=%d readers=%d writer=%t", ErrReleased, e.key, e.refs, e.readers, e.writer)
	}
	h.released = true

	now := s.now()
	e.drop(h.mode)
	if h.mode == Write && touched && !e.dirty {
		e.dirty = true
		e.dirtySince = now
		if s.closedErr == nil {
			s.stats.dirty.Add(1)
		}
	}
	e.lastAccess = now
	idle := e.refs == 0
	s.broadcastLocked()
	s.mu.Unlock()

	if idle && s.onIdle != nil {
		s.onIdle()
	}
	return nil
}

// Close fails every waiter with err and releases all chunk memory. Unflushed
// data is dropped; call FlushAll first to keep it.
func (s *Store) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closedErr != nil {
		return
	}
	s.closedErr = err
	s.stop(err)
	for _, e := range s.entries {
		if e.reserved > 0 {
			s.res.ReleaseMemory(e.reserved)
			e.reserved = 0
		}
	}
	s.entries = make(map[Key]*entry)
	s.stats.loaded.Store(0)
	s.stats.dirty.Store(0)
	s.broadcastLocked()
}

// Closed reports whether Close was called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedErr != nil
}

// State is the cache state of a chunk.
type State uint8

const (
	Unloaded State = iota
	Clean
	Dirty
)

func (st State) String() string {
	switch st {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	default:
		return "unloaded"
	}
}

// Info is a point-in-time view of one chunk.
type Info struct {
	State      State
	Refs       int
	Readers    int
	Writer     bool
	Flushing   bool
	LastAccess time.Time
	DirtySince time.Time
}

// Inspect reports the state of key. Chunks without an entry are Unloaded.
func (s *Store) Inspect(key Key) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		return Info{State: Unloaded}
	}
	info := Info{
		Refs:       e.refs,
		Readers:    e.readers,
		Writer:     e.writer,
		Flushing:   e.flushing,
		LastAccess: e.lastAccess,
		DirtySince: e.dirtySince,
	}
	switch {
	case e.data == nil:
		info.State = Unloaded
	case e.dirty:
		info.State = Dirty
	default:
		info.State = Clean
	}
	return info
}

// Persisted reports whether key is known to exist in the backend. The second
// result is false when the layer has no index.
func (s *Store) Persisted(key Key) (persisted, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	known, persisted = s.indexedLocked(key)
	return persisted, known
}
