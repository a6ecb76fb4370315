package hlogkv

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hlogkv/hlogkv/internal/device"
)

// TestConcurrentRMWSumsExactly drives many goroutines, each with its own
// Session, applying RMW(+1) to the same key. The final value must equal the
// total number of increments exactly — no lost updates from racing
// in-place/copy updates on the same chain head.
func TestConcurrentRMWSumsExactly(t *testing.T) {
	_, rootSess := newBasicStore(t)
	store := rootSess.store

	const goroutines = 10
	const perGoroutine = 1000

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := store.StartSession()
			require.NoError(t, err)
			defer func() { require.NoError(t, sess.StopSession()) }()
			for i := 0; i < perGoroutine; i++ {
				sess.RMW("shared-counter", 1, struct{}{})
			}
		}()
	}
	wg.Wait()

	v, status := rootSess.Read("shared-counter", 0, struct{}{})
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(goroutines*perGoroutine), v.N)
}

// TestConcurrentUpsertDistinctKeysAllVisible checks that concurrent Upserts
// to distinct keys from many sessions are all durably visible afterward,
// exercising the hash index's concurrent tentative-insert path rather than
// the CAS-update path TestConcurrentRMWSumsExactly exercises.
func TestConcurrentUpsertDistinctKeysAllVisible(t *testing.T) {
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
		WithNumBuckets[string, basicVal, int64, basicVal, struct{}](1<<12),
		WithLog[string, basicVal, int64, basicVal, struct{}](LogSettings{
			PageBits: 18, MemoryBits: 24, MutableFraction: 0.9, Device: dev,
		}),
		WithFunctions[string, basicVal, int64, basicVal, struct{}](fns),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Dispose()) })

	const goroutines = 8
	const perGoroutine = 500

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			sess, err := store.StartSession()
			require.NoError(t, err)
			defer func() { require.NoError(t, sess.StopSession()) }()
			for i := 0; i < perGoroutine; i++ {
				key := keyFor(g, i)
				require.Equal(t, StatusOK, sess.Upsert(key, basicVal{N: int64(i)}))
			}
		}(g)
	}
	wg.Wait()

	require.Equal(t, int64(goroutines*perGoroutine), store.EntryCount())

	checkSess, err := store.StartSession()
	require.NoError(t, err)
	defer func() { require.NoError(t, checkSess.StopSession()) }()

	for g := 0; g < goroutines; g++ {
		for i := 0; i < perGoroutine; i++ {
			v, status := checkSess.Read(keyFor(g, i), 0, struct{}{})
			require.Equal(t, StatusOK, status)
			require.Equal(t, int64(i), v.N)
		}
	}
}

func keyFor(g, i int) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 0, 12)
	buf = append(buf, 'g')
	buf = append(buf, hexDigits[g])
	buf = append(buf, '-')
	for shift := 28; shift >= 0; shift -= 4 {
		buf = append(buf, hexDigits[(i>>uint(shift))&0xF])
	}
	return string(buf)
}
