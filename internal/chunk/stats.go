package chunk

import "sync/atomic"

// Stats is a snapshot of store counters and gauges.
type Stats struct {
	Loads       int64 // chunks read from the backend
	Allocs      int64 // chunks zero-filled because they were never written
	Hits        int64
	Misses      int64
	Flushes     int64
	FlushErrors int64
	LoadErrors  int64
	Evictions   int64

	Loaded    int64
	Dirty     int64
	MaxLoaded int64
}

type counters struct {
	loads       atomic.Int64
	allocs      atomic.Int64
	hits        atomic.Int64
	misses      atomic.Int64
	flushes     atomic.Int64
	flushErrors atomic.Int64
	loadErrors  atomic.Int64
	evictions   atomic.Int64

	loaded    atomic.Int64
	dirty     atomic.Int64
	maxLoaded atomic.Int64
}

func (c *counters) addLoaded(delta int64) {
	n := c.loaded.Add(delta)
	for {
		peak := c.maxLoaded.Load()
		if n <= peak || c.maxLoaded.CompareAndSwap(peak, n) {
			return
		}
	}
}

// Stats returns a snapshot. Counters are read individually and are not
// linearized with each other.
func (s *Store) Stats() Stats {
	c := &s.stats
	return Stats{
		Loads:       c.loads.Load(),
		Allocs:      c.allocs.Load(),
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Flushes:     c.flushes.Load(),
		FlushErrors: c.flushErrors.Load(),
		LoadErrors:  c.loadErrors.Load(),
		Evictions:   c.evictions.Load(),
		Loaded:      c.loaded.Load(),
		Dirty:       c.dirty.Load(),
		MaxLoaded:   c.maxLoaded.Load(),
	}
}

// ResetStats zeroes the counters and resets MaxLoaded to the current number
// of loaded chunks. Gauges are left alone.
func (s *Store) ResetStats() {
	c := &s.stats
	c.loads.Store(0)
	c.allocs.Store(0)
	c.hits.Store(0)
	c.misses.Store(0)
	c.flushes.Store(0)
	c.flushErrors.Store(0)
	c.loadErrors.Store(0)
	c.evictions.Store(0)
	c.maxLoaded.Store(c.loaded.Load())
}
