package hlogkv

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hlogkv/hlogkv/internal/device"
)

type basicVal struct{ N int64 }

func newBasicStore(t *testing.T) (*Store[string, basicVal, int64, basicVal, struct{}], *Session[string, basicVal, int64, basicVal, struct{}]) {
	t.Helper()
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
			PageBits: 16, MemoryBits: 20, MutableFraction: 0.9, Device: device.NewMemDevice(512),
		}),
		WithFunctions[string, basicVal, int64, basicVal, struct{}](fns),
	)
	require.NoError(t, err)
	sess, err := store.StartSession()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sess.StopSession())
		require.NoError(t, store.Dispose())
	})
	return store, sess
}

func TestUpsertThenReadRoundTrips(t *testing.T) {
	_, sess := newBasicStore(t)

	status := sess.Upsert("alice", basicVal{N: 7})
	require.Equal(t, StatusOK, status)

	v, status := sess.Read("alice", 0, struct{}{})
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(7), v.N)
}

func TestReadMissingKeyIsNotFound(t *testing.T) {
	_, sess := newBasicStore(t)

	_, status := sess.Read("ghost", 0, struct{}{})
	require.Equal(t, StatusNotFound, status)
}

func TestUpsertOverwritesPreviousValue(t *testing.T) {
	_, sess := newBasicStore(t)

	require.Equal(t, StatusOK, sess.Upsert("k", basicVal{N: 1}))
	require.Equal(t, StatusOK, sess.Upsert("k", basicVal{N: 2}))

	v, status := sess.Read("k", 0, struct{}{})
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(2), v.N)
}

func TestRMWCreatesThenUpdatesInPlace(t *testing.T) {
	_, sess := newBasicStore(t)

	require.Equal(t, StatusOK, sess.RMW("counter", 5, struct{}{}))
	v, status := sess.Read("counter", 0, struct{}{})
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(5), v.N)

	require.Equal(t, StatusOK, sess.RMW("counter", 3, struct{}{}))
	v, status = sess.Read("counter", 0, struct{}{})
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(8), v.N)
}

func TestDeleteThenReadIsNotFound(t *testing.T) {
	_, sess := newBasicStore(t)

	require.Equal(t, StatusOK, sess.Upsert("doomed", basicVal{N: 1}))
	require.Equal(t, StatusOK, sess.Delete("doomed"))

	_, status := sess.Read("doomed", 0, struct{}{})
	require.Equal(t, StatusNotFound, status)
}

func TestDeleteThenUpsertResurrectsKey(t *testing.T) {
	_, sess := newBasicStore(t)

	require.Equal(t, StatusOK, sess.Upsert("k", basicVal{N: 1}))
	require.Equal(t, StatusOK, sess.Delete("k"))
	require.Equal(t, StatusOK, sess.Upsert("k", basicVal{N: 9}))

	v, status := sess.Read("k", 0, struct{}{})
	require.Equal(t, StatusOK, status)
	require.Equal(t, int64(9), v.N)
}

func TestEntryCountTracksDistinctKeys(t *testing.T) {
	store, sess := newBasicStore(t)

	for i := 0; i < 100; i++ {
		require.Equal(t, StatusOK, sess.Upsert(string(rune('a'))+string(rune(i)), basicVal{N: int64(i)}))
	}
	require.Equal(t, int64(100), store.EntryCount())
}
