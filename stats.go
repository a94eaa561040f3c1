package voxman

// Statistics is a snapshot of the cache counters of one volume.
type Statistics struct {
	// Loads counts chunks read from the backing store.
	Loads int64
	// Allocations counts chunks zero-filled because they were never written.
	Allocations int64
	// Hits counts chunk acquisitions that found the chunk loaded.
	Hits int64
	// Misses counts chunk acquisitions that had to load or allocate.
	Misses int64

	Flushes     int64
	FlushErrors int64
	LoadErrors  int64
	Evictions   int64

	ReadLocks  int64
	WriteLocks int64

	LoadedChunks    int64
	DirtyChunks     int64
	MaxLoadedChunks int64
}

// Statistics returns a snapshot of the volume counters.
func (m *Manager) Statistics(vh VolumeHandle) (Statistics, error) {
	v, err := m.volume(vh)
	if err != nil {
		return Statistics{}, err
	}
	st := v.store.Stats()
	return Statistics{
		Loads:           st.Loads,
		Allocations:     st.Allocs,
		Hits:            st.Hits,
		Misses:          st.Misses,
		Flushes:         st.Flushes,
		FlushErrors:     st.FlushErrors,
		LoadErrors:      st.LoadErrors,
		Evictions:       st.Evictions,
		ReadLocks:       v.readLocks.Load(),
		WriteLocks:      v.writeLocks.Load(),
		LoadedChunks:    st.Loaded,
		DirtyChunks:     st.Dirty,
		MaxLoadedChunks: st.MaxLoaded,
	}, nil
}

// ResetStatistics zeroes the volume counters. MaxLoadedChunks restarts at
// the number of chunks currently loaded.
func (m *Manager) ResetStatistics(vh VolumeHandle) error {
	v, err := m.volume(vh)
	if err != nil {
		return err
	}
	v.store.ResetStats()
	v.readLocks.Store(0)
	v.writeLocks.Store(0)
	return nil
}

// MemoryUsage returns the bytes of loaded chunks accounted by the manager's
// resource controller.
func (m *Manager) MemoryUsage() int64 {
	return m.opts.resources.MemoryUsage()
}
