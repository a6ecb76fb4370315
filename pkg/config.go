package hlogkv

// config.go defines the internal configuration object and the set of
// functional options passed to New[K,V,I,O,C]. Generalized from the
// teacher's config.go (Option[K,V] closures over a private config struct,
// sensible defaults in defaultConfig, validated once in applyOptions) to the
// engine's much larger knob set: log layout, optional read cache,
// checkpointing, serialization and the Functions callback bundle spec §6
// calls for.

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hlogkv/hlogkv/internal/device"
	"github.com/hlogkv/hlogkv/internal/hlog"
)

// Functions bundles every user-supplied callback the operation engine needs:
// the read variants (single-threaded vs racing a concurrent in-place
// update), the three RMW update strategies, and the two completion
// callbacks that fire once a pending (disk-fault) Read or RMW resolves.
type Functions[K comparable, V any, I any, O any, C any] struct {
	// SingleReader builds an Output from a Value known not to be touched by
	// any concurrent writer (immutable region or disk).
	SingleReader func(key K, input I, value V) O
	// ConcurrentReader is used instead of SingleReader when the record is
	// still in the mutable region, where an in-place RMW could race it.
	ConcurrentReader func(key K, input I, value V) O

	// InitialUpdater produces the first value when RMW targets a key with
	// no existing record.
	InitialUpdater func(key K, input I) V
	// InPlaceUpdater attempts to apply input to *value without relocating
	// the record; returning false falls back to CopyUpdater.
	InPlaceUpdater func(key K, input I, value *V) bool
	// CopyUpdater combines the old value and input into a new value when an
	// in-place update isn't possible (or the record is immutable).
	CopyUpdater func(key K, input I, oldValue V) V

	// SingleWriter populates dst from src when Upsert allocates a fresh
	// record — no live record at the chain head was eligible for an
	// in-place overwrite, or none existed yet.
	SingleWriter func(key K, src V, dst *V) bool
	// ConcurrentWriter attempts to overwrite *dst with src when Upsert's
	// target record sits at the chain head, in the mutable region, with a
	// fixed (blittable) layout; returning false falls back to SingleWriter
	// against a freshly allocated record, the same refusal path
	// InPlaceUpdater has for RMW.
	ConcurrentWriter func(key K, src V, dst *V) bool

	// ReadCompletionCallback/RMWCompletionCallback fire once a pending
	// operation resolves, since the original call already returned
	// StatusPending to its caller.
	ReadCompletionCallback func(ctx C, key K, input I, output O, status Status)
	RMWCompletionCallback  func(ctx C, key K, input I, status Status)
}

// LogSettings configures the main hybrid log allocator.
type LogSettings struct {
	PageBits        uint
	MemoryBits      uint
	SegmentBits     uint
	MutableFraction float64
	Compress        bool
	Device          device.Device
}

// ReadCacheSettings configures the optional read cache.
type ReadCacheSettings struct {
	Enabled              bool
	PageBits             uint
	MemoryBits           uint
	SecondChanceFraction float64
	Device               device.Device
}

// CheckpointSettings configures CPR checkpointing.
type CheckpointSettings struct {
	Manager       CheckpointManager
	UseRelaxedCPR bool
}

// SerializerSettings lets callers supply a non-blittable ValueCodec for V
// (e.g. variable-length values); the zero value derives a blittable codec
// from V's in-memory layout.
type SerializerSettings[V any] struct {
	Codec hlog.ValueCodec[V]
}

// VariableLengthSettings is kept in the store's configuration, but no code
// reads MaxValueSize; a record's size is bounded only by the log page size.
type VariableLengthSettings struct {
	MaxValueSize int
}

// Option is the functional option passed to New.
type Option[K comparable, V any, I any, O any, C any] func(*storeConfig[K, V, I, O, C])

type storeConfig[K comparable, V any, I any, O any, C any] struct {
	numBuckets uint64
	log        LogSettings
	readCache  ReadCacheSettings
	checkpoint CheckpointSettings
	serializer SerializerSettings[V]
	varLen     VariableLengthSettings
	comparer   KeyComparer[K]
	fns        Functions[K, V, I, O, C]
	logger     *zap.Logger
	registry   *prometheus.Registry
}

func defaultStoreConfig[K comparable, V any, I any, O any, C any]() *storeConfig[K, V, I, O, C] {
	return &storeConfig[K, V, I, O, C]{
		numBuckets: 1 << 16,
		log: LogSettings{
			PageBits:        25, // 32 MiB pages
			MemoryBits:      30, // 1 GiB resident
			MutableFraction: 0.9,
		},
		logger: zap.NewNop(),
	}
}

func WithNumBuckets[K comparable, V any, I any, O any, C any](n uint64) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) { c.numBuckets = n }
}

func WithLog[K comparable, V any, I any, O any, C any](s LogSettings) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) { c.log = s }
}

func WithReadCache[K comparable, V any, I any, O any, C any](s ReadCacheSettings) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) { c.readCache = s }
}

func WithCheckpoint[K comparable, V any, I any, O any, C any](s CheckpointSettings) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) { c.checkpoint = s }
}

func WithSerializer[K comparable, V any, I any, O any, C any](s SerializerSettings[V]) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) { c.serializer = s }
}

func WithVariableLength[K comparable, V any, I any, O any, C any](s VariableLengthSettings) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) { c.varLen = s }
}

func WithKeyComparer[K comparable, V any, I any, O any, C any](cmp KeyComparer[K]) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) { c.comparer = cmp }
}

func WithFunctions[K comparable, V any, I any, O any, C any](fns Functions[K, V, I, O, C]) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) { c.fns = fns }
}

// WithLogger plugs an external zap.Logger. The store never logs on the hot
// path; the only message it emits is the default-comparer fallback warning
// from New.
func WithLogger[K comparable, V any, I any, O any, C any](l *zap.Logger) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (the default).
func WithMetrics[K comparable, V any, I any, O any, C any](reg *prometheus.Registry) Option[K, V, I, O, C] {
	return func(c *storeConfig[K, V, I, O, C]) { c.registry = reg }
}

func (c *storeConfig[K, V, I, O, C]) validate() error {
	if c.numBuckets == 0 {
		return ErrConfiguration
	}
	if c.log.Device == nil {
		return ErrConfiguration
	}
	if c.log.PageBits == 0 || c.log.MemoryBits <= c.log.PageBits {
		return ErrConfiguration
	}
	if c.readCache.Enabled && c.readCache.Device == nil {
		return ErrConfiguration
	}
	f := c.fns
	if f.SingleReader == nil || f.ConcurrentReader == nil ||
		f.InitialUpdater == nil || f.InPlaceUpdater == nil || f.CopyUpdater == nil ||
		f.SingleWriter == nil || f.ConcurrentWriter == nil {
		return ErrConfiguration
	}
	return nil
}
