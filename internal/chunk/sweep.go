package chunk

import (
	"context"
	"errors"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
)

// Sweep applies the timeouts as of now. Unreferenced dirty chunks whose
// modified timeout elapsed are written back, then unreferenced clean chunks
// whose unused timeout elapsed are evicted. Chunks are visited in ascending
// last-access order, ties broken by key.
//
// Write-back failures leave the chunk dirty and are returned joined.
func (s *Store) Sweep(ctx context.Context, now time.Time) error {
	unused, modified := s.Timeouts()

	s.mu.Lock()
	if s.closedErr != nil {
		s.mu.Unlock()
		return nil
	}
	var flush []*entry
	evicted := 0
	for _, e := range s.idleLocked() {
		switch {
		case e.dirty:
			if now.Sub(e.dirtySince) >= modified {
				s.beginFlushLocked(e)
				flush = append(flush, e)
			}
		case now.Sub(e.lastAccess) >= unused:
			s.evictLocked(e)
			evicted++
		}
	}
	s.mu.Unlock()

	err := s.flush(ctx, flush)

	// Chunks flushed above may have expired as well.
	if len(flush) > 0 {
		s.mu.Lock()
		if s.closedErr == nil {
			for _, e := range flush {
				if s.entries[e.key] == e && e.refs == 0 && !e.dirty && now.Sub(e.lastAccess) >= unused {
					s.evictLocked(e)
					evicted++
				}
			}
		}
		s.mu.Unlock()
	}

	if evicted > 0 {
		s.observer.OnEvict(evicted)
		s.logger.Debug("chunks evicted", "count", evicted)
	}
	return err
}

// FlushAll writes back every dirty chunk regardless of timeouts, including
// chunks that are only read-held. Chunks held for writing are skipped: their
// bytes may still change. Chunks already being flushed are left to that
// flush.
func (s *Store) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closedErr != nil {
		s.mu.Unlock()
		return nil
	}
	var flush []*entry
	for _, e := range s.entries {
		if e.dirty && e.data != nil && !e.writer && !e.flushing {
			s.beginFlushLocked(e)
			flush = append(flush, e)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(flush, func(a, b *entry) int { return a.key.Compare(b.key) })
	return s.flush(ctx, flush)
}

// EvictExpired evicts every unreferenced clean chunk whose unused timeout has
// elapsed and returns how many were evicted.
func (s *Store) EvictExpired() int {
	unused, _ := s.Timeouts()

	s.mu.Lock()
	n := 0
	if s.closedErr == nil {
		now := s.now()
		for _, e := range s.idleLocked() {
			if !e.dirty && now.Sub(e.lastAccess) >= unused {
				s.evictLocked(e)
				n++
			}
		}
	}
	s.mu.Unlock()

	if n > 0 {
		s.observer.OnEvict(n)
	}
	return n
}

// idleLocked returns the unreferenced entries in sweep order.
func (s *Store) idleLocked() []*entry {
	idle := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.refs == 0 && !e.loading {
			idle = append(idle, e)
		}
	}
	slices.SortFunc(idle, func(a, b *entry) int {
		if c := a.lastAccess.Compare(b.lastAccess); c != 0 {
			return c
		}
		return a.key.Compare(b.key)
	})
	return idle
}

func (s *Store) evictLocked(e *entry) {
	delete(s.entries, e.key)
	if e.data != nil {
		s.stats.addLoaded(-1)
		s.stats.evictions.Add(1)
	}
	if e.reserved > 0 {
		s.res.ReleaseMemory(e.reserved)
		e.reserved = 0
	}
	e.data = nil
}

// beginFlushLocked takes an internal read hold so readers proceed and writers
// wait while the bytes are written back.
func (s *Store) beginFlushLocked(e *entry) {
	e.take(Read)
	e.flushing = true
}

func (s *Store) endFlush(e *entry, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.drop(Read)
	e.flushing = false
	if err != nil {
		s.stats.flushErrors.Add(1)
	} else {
		s.stats.flushes.Add(1)
		if e.dirty {
			e.dirty = false
			if s.closedErr == nil {
				s.stats.dirty.Add(-1)
			}
		}
		s.markPersistedLocked(e.key)
	}
	s.broadcastLocked()
}

// flush writes back entries in parallel, bounded by the flush slots of the
// resource controller.
func (s *Store) flush(ctx context.Context, entries []*entry) error {
	if len(entries) == 0 {
		return nil
	}

	errs := make([]error, len(entries))
	var g errgroup.Group
	g.SetLimit(s.res.FlushWorkers())
	for i, e := range entries {
		g.Go(func() error {
			errs[i] = s.flushOne(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Store) flushOne(ctx context.Context, e *entry) error {
	// The internal read hold keeps the bytes stable without the store lock.
	data := e.data

	err := s.res.AcquireFlush(ctx)
	if err == nil {
		start := time.Now()
		err = s.res.AcquireIO(ctx, len(data))
		if err == nil {
			err = s.backend.Store(ctx, e.key, data)
		}
		s.res.ReleaseFlush()
		s.observer.OnFlush(time.Since(start), len(data), err)
	}

	if err != nil {
		err = &IOError{Op: "flush", Key: e.key, Err: err}
		s.logger.Error("chunk flush failed", "chunk", e.key.String(), "error", err)
	} else {
		s.logger.Debug("chunk flushed", "chunk", e.key.String(), "bytes", len(data))
	}
	s.endFlush(e, err)
	return err
}
