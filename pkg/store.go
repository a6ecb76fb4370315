package hlogkv

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hlogkv/hlogkv/internal/epoch"
	"github.com/hlogkv/hlogkv/internal/hashindex"
	"github.com/hlogkv/hlogkv/internal/hlog"
	"github.com/hlogkv/hlogkv/internal/readcache"
)

// Status is the outcome of a Store operation as observed by its caller.
// Internally the dispatcher distinguishes more states (RECORD_ON_DISK,
// RETRY_NOW, RETRY_LATER) while driving an operation to completion; only
// the terminal ones are ever returned.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusPending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// Store is the concurrent hybrid-log key-value engine: a latch-free hash
// index over a hybrid log allocator, an optional read cache, and CPR
// checkpoint/recovery layered on top.
type Store[K comparable, V any, I any, O any, C any] struct {
	index *hashindex.Table
	log   *hlog.Allocator[K, V]
	cache *readcache.Cache[K, V]
	epoch *epoch.Manager

	comparer KeyComparer[K]
	fns      Functions[K, V, I, O, C]
	logger   *zap.Logger
	metrics  *metricsSink

	// retained verbatim from construction so Recover can rebuild the log
	// and read cache identically.
	numBuckets uint64
	logCfg     LogSettings
	readCache  ReadCacheSettings
	codec      hlog.ValueCodec[V]

	relaxedCPR bool
	ckptMgr    CheckpointManager
	ckptMu     sync.Mutex

	faultGroup singleflight.Group

	systemState atomic.Uint64 // packed {phase, version}

	sessionsMu sync.Mutex
	sessions   map[string]*Session[K, V, I, O, C]

	recoveredMu      sync.Mutex
	recoveredCommits map[string]uint64

	closed atomic.Bool
}

// New constructs a Store. See config.go for the full option set; at minimum
// WithLog (a Device is required) and WithFunctions must be supplied.
func New[K comparable, V any, I any, O any, C any](opts ...Option[K, V, I, O, C]) (*Store[K, V, I, O, C], error) {
	cfg := defaultStoreConfig[K, V, I, O, C]()
	for _, o := range opts {
		o(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := &Store[K, V, I, O, C]{
		logger:     resolveLogger(cfg.logger),
		fns:        cfg.fns,
		sessions:   make(map[string]*Session[K, V, I, O, C]),
		numBuckets: cfg.numBuckets,
		logCfg:     cfg.log,
		readCache:  cfg.readCache,
		relaxedCPR: cfg.checkpoint.UseRelaxedCPR,
		ckptMgr:    cfg.checkpoint.Manager,
	}
	s.comparer = cfg.comparer
	if s.comparer == nil {
		s.comparer = defaultComparer[K](func(msg string) { s.logger.Warn(msg) })
	}
	s.metrics = newMetricsSink(cfg.registry)
	s.epoch = epoch.New()
	s.index = hashindex.New(cfg.numBuckets)

	s.codec = cfg.serializer.Codec
	s.log = hlog.New[K, V](s.allocatorOptions())
	s.log.OnPageEvicted = s.onMainPageEvicted

	if cfg.readCache.Enabled {
		s.cache = s.newReadCache()
	}

	s.systemState.Store(packSystemState(phaseREST, 1))
	return s, nil
}

func (s *Store[K, V, I, O, C]) allocatorOptions() hlog.Options[K, V] {
	return hlog.Options[K, V]{
		PageBits:        s.logCfg.PageBits,
		MemoryBits:      s.logCfg.MemoryBits,
		SegmentBits:     s.logCfg.SegmentBits,
		MutableFraction: s.logCfg.MutableFraction,
		Device:          s.logCfg.Device,
		Epoch:           s.epoch,
		Compress:        s.logCfg.Compress,
		ValueCodec:      s.codec,
	}
}

func (s *Store[K, V, I, O, C]) newReadCache() *readcache.Cache[K, V] {
	return readcache.New[K, V](readcache.Options[K, V]{
		PageBits:             s.readCache.PageBits,
		MemoryBits:           s.readCache.MemoryBits,
		SecondChanceFraction: s.readCache.SecondChanceFraction,
		Device:               s.readCache.Device,
		Epoch:                s.epoch,
		HashFn:               func(k K) uint64 { return s.comparer.Hash(k) },
		Unlink:               s.unlinkReadCache,
	})
}

func (s *Store[K, V, I, O, C]) onMainPageEvicted(pageIdx uint64, start, end hlog.Address) {
	s.metrics.pagesEvicted.Inc()
}

// unlinkReadCache is the UnlinkFn internal/readcache calls when it evicts or
// repositions a cached record: CAS the hash entry from oldAddr to newAddr if
// it still points at oldAddr, otherwise another writer already won the race
// and there is nothing to undo.
func (s *Store[K, V, I, O, C]) unlinkReadCache(hash uint64, oldAddr, newAddr hlog.Address) {
	entry, loc, _, _ := s.index.FindEntry(hash)
	if entry.Address != uint64(oldAddr) {
		return
	}
	repl := hashindex.Entry{Tag: entry.Tag, Address: uint64(newAddr)}
	s.index.UpdateEntry(loc, entry, repl)
}

func (s *Store[K, V, I, O, C]) inNewVersion() bool {
	phase, _ := unpackSystemState(s.systemState.Load())
	return phase != phaseREST
}

// GrowIndex doubles the hash index's bucket count; see
// internal/hashindex.Table.GrowIndex for the resize protocol and its
// documented simplification.
func (s *Store[K, V, I, O, C]) GrowIndex() { s.index.GrowIndex() }

func (s *Store[K, V, I, O, C]) EntryCount() int64 { return s.index.EntryCount() }

func (s *Store[K, V, I, O, C]) IndexSize() uint64 { return s.index.NumBuckets() }

func (s *Store[K, V, I, O, C]) UseRelaxedCPR() bool { return s.relaxedCPR }

// Phase reports the current CPR phase name and version, for diagnostics.
func (s *Store[K, V, I, O, C]) Phase() (phase string, version uint64) {
	p, v := unpackSystemState(s.systemState.Load())
	return p.String(), v
}

// Frontiers reports four of the hybrid log's frontier addresses (begin,
// head, read-only, tail) as plain uint64s, for diagnostics.
func (s *Store[K, V, I, O, C]) Frontiers() (begin, head, readOnly, tail uint64) {
	f := &s.log.Frontiers
	return uint64(f.BeginAddress()), uint64(f.HeadAddress()), uint64(f.ReadOnlyAddress()), uint64(f.TailAddress())
}

// ContainsKeyInMemory reports whether key's current record (main log or read
// cache) is resident, without faulting to disk or affecting statistics.
func (s *Store[K, V, I, O, C]) ContainsKeyInMemory(key K) bool {
	hash := s.comparer.Hash(key)
	entry, _, _, _ := s.index.FindEntry(hash)
	if entry.Address == hashindex.InvalidAddress {
		return false
	}
	addr := hlog.Address(entry.Address)
	if addr.IsReadCache() {
		return s.cache != nil && s.cache.Alloc.InMemory(addr.WithoutReadCacheFlag())
	}
	return s.log.InMemory(addr)
}

// Dispose releases the store's devices. All sessions must be stopped first.
func (s *Store[K, V, I, O, C]) Dispose() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.sessionsMu.Lock()
	active := len(s.sessions)
	s.sessionsMu.Unlock()
	if active != 0 {
		return fmt.Errorf("hlogkv: %d sessions still active at Dispose", active)
	}
	if err := s.log.Close(); err != nil {
		return err
	}
	if s.cache != nil {
		return s.cache.Alloc.Close()
	}
	return nil
}
