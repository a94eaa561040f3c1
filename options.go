package voxman

import (
	"log/slog"
	"time"

	"github.com/hupe1980/voxman/blobstore"
	"github.com/hupe1980/voxman/internal/resource"
)

const (
	// DefaultUnusedChunkTimeout is how long a clean chunk stays loaded after
	// its last access unless configured otherwise.
	DefaultUnusedChunkTimeout = 4 * time.Second

	// DefaultModifiedChunkTimeout is how long a modified chunk stays dirty
	// before it is written back unless configured otherwise.
	DefaultModifiedChunkTimeout = 3 * time.Second

	// DefaultSweepInterval is the period of the background sweeper.
	DefaultSweepInterval = time.Second

	// DefaultFlushWorkers bounds concurrent write-backs.
	DefaultFlushWorkers = 4
)

type options struct {
	logger        *Logger
	backing       BackingStore
	memoryLimit   int64
	resources     *resource.Controller
	flushWorkers  int
	flushRate     int64
	sweepInterval time.Duration
	now           func() time.Time
	faultHandler  FaultHandler
	metrics       MetricsObserver
	timeouts      Timeouts
	prefetch      bool
}

// Option configures a Manager.
type Option func(*options)

// WithLogger configures structured logging.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := voxman.NewJSONLogger(slog.LevelInfo)
//	m, _ := voxman.New(voxman.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithBackingStore sets where chunks are loaded from and written back to.
// The default keeps chunks in an in-memory blob store.
//
// Example persisting to a local directory:
//
//	dir, _ := blobstore.NewLocalStore("./volumes")
//	m, _ := voxman.New(voxman.WithBackingStore(voxman.NewBlobBackingStore(dir)))
func WithBackingStore(b BackingStore) Option {
	return func(o *options) {
		o.backing = b
	}
}

// WithMemoryLimit caps the bytes of loaded chunks across all volumes.
// 0 means unlimited. Ignored when WithResourceController is set.
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.memoryLimit = bytes
	}
}

// WithFlushWorkers bounds how many chunks are written back concurrently.
// Ignored when WithResourceController is set.
func WithFlushWorkers(n int) Option {
	return func(o *options) {
		o.flushWorkers = n
	}
}

// WithFlushRateLimit throttles write-back bandwidth in bytes per second.
// 0 means unlimited. Ignored when WithResourceController is set.
func WithFlushRateLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.flushRate = bytesPerSec
	}
}

// ResourceController accounts chunk memory and bounds write-back.
type ResourceController = resource.Controller

// ResourceConfig configures a ResourceController.
type ResourceConfig = resource.Config

// NewResourceController returns a controller that can be shared between
// managers with WithResourceController.
func NewResourceController(cfg ResourceConfig) *ResourceController {
	return resource.NewController(cfg)
}

// WithResourceController shares one memory budget and write-back pool
// between several managers.
func WithResourceController(rc *ResourceController) Option {
	return func(o *options) {
		o.resources = rc
	}
}

// WithSweepInterval sets the period of the background sweeper. The sweeper
// also runs whenever a chunk becomes unreferenced. 0 disables background
// sweeping; call Manager.Sweep instead.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = d
	}
}

// WithClock replaces time.Now for timeout bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithFaultHandler replaces the handler for internal invariant violations.
func WithFaultHandler(h FaultHandler) Option {
	return func(o *options) {
		o.faultHandler = h
	}
}

// WithMetricsObserver enables metrics collection.
//
// Example:
//
//	metrics := &voxman.BasicMetricsObserver{}
//	m, _ := voxman.New(voxman.WithMetricsObserver(metrics))
//	// ... use m ...
//	stats := metrics.GetStats()
//	fmt.Printf("Loads: %d, Avg latency: %dns\n", stats.LoadCount, stats.LoadAvgNanos)
func WithMetricsObserver(mo MetricsObserver) Option {
	return func(o *options) {
		o.metrics = mo
	}
}

// WithDefaultTimeouts sets the timeouts of volumes created without explicit
// timeouts.
func WithDefaultTimeouts(t Timeouts) Option {
	return func(o *options) {
		o.timeouts = t
	}
}

// WithPrefetch controls whether Select starts loading the selected chunks in
// the background. Prefetching is on by default; it never evicts chunks to
// make room.
func WithPrefetch(enabled bool) Option {
	return func(o *options) {
		o.prefetch = enabled
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		prefetch:      true,
		metrics:       NoopMetricsObserver{},
		logger:        NoopLogger(),
		flushWorkers:  DefaultFlushWorkers,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		timeouts: Timeouts{
			Unused:   DefaultUnusedChunkTimeout,
			Modified: DefaultModifiedChunkTimeout,
		},
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	if o.logger == nil {
		o.logger = NoopLogger()
	}
	if o.metrics == nil {
		o.metrics = NoopMetricsObserver{}
	}
	if o.faultHandler == nil {
		o.faultHandler = defaultFaultHandler(o.logger)
	}
	if o.backing == nil {
		o.backing = NewBlobBackingStore(blobstore.NewMemoryStore())
	}
	if o.resources == nil {
		o.resources = resource.NewController(resource.Config{
			MemoryLimitBytes: o.memoryLimit,
			FlushWorkers:     int64(o.flushWorkers),
			FlushBytesPerSec: o.flushRate,
		})
	}
	return o
}
