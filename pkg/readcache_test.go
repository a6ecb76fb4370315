package hlogkv

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hlogkv/hlogkv/internal/device"
)

// TestDiskFaultReadPopulatesReadCache forces early records out of the main
// log's resident window (small PageBits/MemoryBits, many keys) so that
// reading one of them returns StatusPending and resolves through the
// disk-fault path, which on success should populate the read cache.
func TestDiskFaultReadPopulatesReadCache(t *testing.T) {
	mainDev := device.NewMemDevice(512)
	cacheDev := device.NewMemDevice(512)

	fns := Functions[string, basicVal, int64, basicVal, struct{}]{
		SingleReader:     func(_ string, _ int64, v basicVal) basicVal { return v },
		ConcurrentReader: func(_ string, _ int64, v basicVal) basicVal { return v },
		InitialUpdater:   func(_ string, by int64) basicVal { return basicVal{N: by} },
		InPlaceUpdater: func(_ string, by int64, v *basicVal) bool {
			v.N += by
			return true
		},
		CopyUpdater: func(_ string, by int64, old basicVal) basicVal { return basicVal{N: old.N + by} },
		SingleWriter: func(_ string, src basicVal, dst *basicVal) bool {
			*dst = src
			return true
		},
		ConcurrentWriter: func(_ string, src basicVal, dst *basicVal) bool {
			*dst = src
			return true
		},
	}

	store, err := New[string, basicVal, int64, basicVal, struct{}](
		WithLog[string, basicVal, int64, basicVal, struct{}](LogSettings{
			PageBits: 12, MemoryBits: 13, MutableFraction: 0.5, Device: mainDev,
		}),
		WithReadCache[string, basicVal, int64, basicVal, struct{}](ReadCacheSettings{
			Enabled: true, PageBits: 12, MemoryBits: 14, SecondChanceFraction: 0.2, Device: cacheDev,
		}),
		WithFunctions[string, basicVal, int64, basicVal, struct{}](fns),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Dispose()) })

	sess, err := store.StartSession()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sess.StopSession()) })

	const n = 2000
	for i := 0; i < n; i++ {
		require.Equal(t, StatusOK, sess.Upsert(fmt.Sprintf("k-%05d", i), basicVal{N: int64(i)}))
	}

	// Safe-frontier publication is epoch-gated: DrainSafeFrontiers only
	// schedules the advance, and it only fires once every active session has
	// refreshed past the bump, so poke both here.
	require.Eventually(t, func() bool {
		store.log.DrainSafeFrontiers()
		sess.Refresh()
		_, head, _, _ := store.Frontiers()
		return head > 0
	}, 2*time.Second, 5*time.Millisecond, "head address never advanced past 0")

	target := "k-00000"
	require.False(t, store.ContainsKeyInMemory(target), "expected the oldest key to have been evicted to disk")

	_, status := sess.Read(target, 0, struct{}{})
	require.Equal(t, StatusPending, status)

	require.Eventually(t, func() bool {
		sess.Refresh()
		return sess.CompletePending(false)
	}, 2*time.Second, 5*time.Millisecond, "pending read never completed")

	require.True(t, store.ContainsKeyInMemory(target), "disk-resolved read should have populated the read cache")
}

func TestReadCacheDisabledByDefault(t *testing.T) {
	dev := device.NewMemDevice(512)
	fns := Functions[string, basicVal, int64, basicVal, struct{}]{
		SingleReader:     func(_ string, _ int64, v basicVal) basicVal { return v },
		ConcurrentReader: func(_ string, _ int64, v basicVal) basicVal { return v },
		InitialUpdater:   func(_ string, by int64) basicVal { return basicVal{N: by} },
		InPlaceUpdater:   func(_ string, by int64, v *basicVal) bool { v.N += by; return true },
		CopyUpdater:      func(_ string, by int64, old basicVal) basicVal { return basicVal{N: old.N + by} },
		SingleWriter:     func(_ string, src basicVal, dst *basicVal) bool { *dst = src; return true },
		ConcurrentWriter: func(_ string, src basicVal, dst *basicVal) bool { *dst = src; return true },
	}
	store, err := New[string, basicVal, int64, basicVal, struct{}](
		WithLog[string, basicVal, int64, basicVal, struct{}](LogSettings{
			PageBits: 16, MemoryBits: 20, MutableFraction: 0.9, Device: dev,
		}),
		WithFunctions[string, basicVal, int64, basicVal, struct{}](fns),
	)
	require.NoError(t, err)
	require.Nil(t, store.cache)
	require.NoError(t, store.Dispose())
}
