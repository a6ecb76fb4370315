// Package bench provides reproducible micro‑benchmarks for hlogkv. Run via:
//
//	go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// The benchmarks intentionally use a *single* key/value shape so results are
// comparable across versions:
//   - Key   – uint64  (cheap hashing, fits in register)
//   - Value – 64‑byte struct (large enough to matter, small enough for cache)
//
// We measure:
//  1. Upsert        – write‑only workload
//  2. Read          – read‑only workload (after warm‑up, all resident)
//  3. ReadParallel  – highly concurrent reads (b.RunParallel)
//  4. RMW           – in‑place update workload
//
// Results are printed in ns/op + alloc/op so CI can diff via benchstat.
//
// NOTE: Unit tests live elsewhere; this file is *only* for performance.
//
// © 2025 hlogkv authors. MIT License.
package bench

import (
	"math/rand"
	"runtime"
	"testing"

	"github.com/hlogkv/hlogkv/internal/device"
	"github.com/hlogkv/hlogkv/pkg"
)

type value64 struct {
	_ [64]byte
}

const (
	memoryBits = 28 // 256 MiB resident per store
	pageBits   = 22 // 4 MiB pages
	keys       = 1 << 20 // 1M keys for dataset
)

type identityComparer struct{}

func (identityComparer) Hash(k uint64) uint64   { return k }
func (identityComparer) Equal(a, b uint64) bool { return a == b }

func newTestStore(b *testing.B) (*hlogkv.Store[uint64, value64, value64, value64, struct{}], *hlogkv.Session[uint64, value64, value64, value64, struct{}]) {
	fns := hlogkv.Functions[uint64, value64, value64, value64, struct{}]{
		SingleReader:     func(_ uint64, _ value64, v value64) value64 { return v },
		ConcurrentReader: func(_ uint64, _ value64, v value64) value64 { return v },
		InitialUpdater:   func(_ uint64, in value64) value64 { return in },
		InPlaceUpdater:   func(_ uint64, in value64, v *value64) bool { *v = in; return true },
		CopyUpdater:      func(_ uint64, in value64, _ value64) value64 { return in },
		SingleWriter:     func(_ uint64, src value64, dst *value64) bool { *dst = src; return true },
		ConcurrentWriter: func(_ uint64, src value64, dst *value64) bool { *dst = src; return true },
	}
	store, err := hlogkv.New[uint64, value64, value64, value64, struct{}](
		hlogkv.WithLog[uint64, value64, value64, value64, struct{}](hlogkv.LogSettings{
			PageBits: pageBits, MemoryBits: memoryBits, MutableFraction: 0.9,
			Device: device.NewMemDevice(512),
		}),
		hlogkv.WithFunctions[uint64, value64, value64, value64, struct{}](fns),
		hlogkv.WithKeyComparer[uint64, value64, value64, value64, struct{}](identityComparer{}),
	)
	if err != nil {
		b.Fatalf("store init: %v", err)
	}
	sess, err := store.StartSession()
	if err != nil {
		b.Fatalf("session init: %v", err)
	}
	return store, sess
}

// global dataset reused across benches to avoid reallocating large slices.
var ds = func() []uint64 {
	r := rand.New(rand.NewSource(42))
	arr := make([]uint64, keys)
	for i := range arr {
		arr[i] = r.Uint64()
	}
	return arr
}()

func BenchmarkUpsert(b *testing.B) {
	store, sess := newTestStore(b)
	val := value64{}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := ds[i&(keys-1)]
		sess.Upsert(key, val)
	}
	b.StopTimer()
	sess.StopSession()
	store.Dispose()
}

func BenchmarkRead(b *testing.B) {
	store, sess := newTestStore(b)
	val := value64{}
	for _, k := range ds {
		sess.Upsert(k, val)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		sess.Read(k, val, struct{}{})
	}
	b.StopTimer()
	sess.StopSession()
	store.Dispose()
}

func BenchmarkReadParallel(b *testing.B) {
	store, sess := newTestStore(b)
	val := value64{}
	for _, k := range ds {
		sess.Upsert(k, val)
	}
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		pSess, err := store.StartSession()
		if err != nil {
			b.Fatalf("parallel session init: %v", err)
		}
		defer pSess.StopSession()
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			pSess.Read(ds[idx], val, struct{}{})
		}
	})
	b.StopTimer()
	sess.StopSession()
	store.Dispose()
}

func BenchmarkRMW(b *testing.B) {
	store, sess := newTestStore(b)
	val := value64{}
	// Preload 90% of keys to simulate a mix of in-place updates and
	// fresh-insert RMWs, mirroring a realistic hit/miss mix.
	for i, k := range ds {
		if i%10 != 0 {
			sess.Upsert(k, val)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		sess.RMW(k, val, struct{}{})
	}
	b.StopTimer()
	sess.StopSession()
	store.Dispose()
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())
}
