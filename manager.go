package voxman

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/voxman/internal/handle"
)

// panicFlushTimeout bounds the write-back attempted by PanicExit.
const panicFlushTimeout = 10 * time.Second

// Manager owns a set of volumes, the accesses to them and the chunk cache
// shared between them. All methods are safe for concurrent use.
//
// Chunks are loaded on Lock and stay in memory after Unlock until their
// timeouts elapse: modified chunks are written back after the modified
// timeout and clean chunks are evicted after the unused timeout. A
// background sweeper applies the timeouts unless disabled with
// WithSweepInterval(0).
type Manager struct {
	opts   options
	logger *Logger

	// mu serializes volume and access creation and deletion.
	mu       sync.Mutex
	volumes  handle.Table[*volume]
	accesses handle.Table[*access]
	names    map[string]VolumeHandle

	closed   atomic.Bool
	closeCh  chan struct{}
	wakeCh   chan struct{}
	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Manager.
func New(optFns ...Option) (*Manager, error) {
	o := applyOptions(optFns)
	if o.memoryLimit < 0 {
		return nil, invalidParam("memory limit", o.memoryLimit, "must not be negative")
	}
	if o.flushWorkers <= 0 {
		return nil, invalidParam("flush workers", o.flushWorkers, "must be positive")
	}
	if o.flushRate < 0 {
		return nil, invalidParam("flush rate limit", o.flushRate, "must not be negative")
	}
	if o.sweepInterval < 0 {
		return nil, invalidParam("sweep interval", o.sweepInterval, "must not be negative")
	}
	if err := o.timeouts.validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		opts:    o,
		logger:  o.logger,
		names:   make(map[string]VolumeHandle),
		closeCh: make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
	m.bgCtx, m.bgCancel = context.WithCancel(context.Background())

	if o.sweepInterval > 0 {
		m.wg.Add(1)
		go m.runSweeper(o.sweepInterval)
	}
	register(m)
	return m, nil
}

// Close stops the background sweeper, writes back every modified chunk and
// releases all volumes. Lock calls still waiting fail with ErrClosed.
// Chunks read-locked at the time of Close are written back; modifications made
// through a still write-locked access are lost.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	unregister(m)
	m.bgCancel()
	close(m.closeCh)
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, v := range m.volumeList() {
		_ = m.closeAccesses(v, ErrClosed, false)
		if err := m.shutdownVolume(ctx, v, ErrClosed); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		m.logger.ErrorContext(ctx, "close failed to write back chunks", "error", err)
	}
	return err
}

func (m *Manager) volumeList() []*volume {
	var vols []*volume
	m.volumes.Range(func(_ handle.Handle, v *volume) bool {
		vols = append(vols, v)
		return true
	})
	return vols
}

// Sweep writes back chunks whose modified timeout elapsed and evicts chunks
// whose unused timeout elapsed, across all volumes. Write-back failures are
// returned; the chunks concerned stay dirty and are retried next sweep.
func (m *Manager) Sweep(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return m.sweep(ctx)
}

func (m *Manager) sweep(ctx context.Context) error {
	now := m.opts.now()
	var errs []error
	for _, v := range m.volumeList() {
		err := v.store.Sweep(ctx, now)
		m.logger.LogSweep(ctx, v.name, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("volume %s: %w", v.name, err))
		}
	}
	return errors.Join(errs...)
}

// runSweeper sweeps on every tick and whenever a chunk becomes unreferenced.
func (m *Manager) runSweeper(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
		case <-m.wakeCh:
		}
		// Errors are logged per volume.
		_ = m.sweep(m.bgCtx)
	}
}

// wake schedules a background sweep.
func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// reclaim evicts expired chunks of every volume to make room for a load.
func (m *Manager) reclaim() int {
	n := 0
	for _, v := range m.volumeList() {
		n += v.store.EvictExpired()
	}
	return n
}

// PanicExit makes a best-effort attempt to write back every modified chunk
// and then marks the manager closed. It does not wait for background work
// or for locked accesses, and is meant for crash handlers.
func (m *Manager) PanicExit() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	unregister(m)
	m.bgCancel()
	close(m.closeCh)

	ctx, cancel := context.WithTimeout(context.Background(), panicFlushTimeout)
	defer cancel()

	for _, v := range m.volumeList() {
		if err := v.store.FlushAll(ctx); err != nil {
			m.logger.Error("panic exit failed to write back chunks", "volume", v.name, "error", err)
		}
		v.store.Close(ErrClosed)
	}
}

var registry struct {
	mu       sync.Mutex
	managers map[*Manager]struct{}
}

func register(m *Manager) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.managers == nil {
		registry.managers = make(map[*Manager]struct{})
	}
	registry.managers[m] = struct{}{}
}

func unregister(m *Manager) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.managers, m)
}

// PanicExit calls Manager.PanicExit on every manager that is not closed.
func PanicExit() {
	registry.mu.Lock()
	managers := make([]*Manager, 0, len(registry.managers))
	for m := range registry.managers {
		managers = append(managers, m)
	}
	registry.mu.Unlock()

	for _, m := range managers {
		m.PanicExit()
	}
}
