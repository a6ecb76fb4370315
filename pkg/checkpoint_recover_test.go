package hlogkv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hlogkv/hlogkv/internal/device"
)

func counterFunctions() Functions[string, basicVal, int64, basicVal, struct{}] {
	return Functions[string, basicVal, int64, basicVal, struct{}]{
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
}

func newCheckpointableStore(t *testing.T, dev *device.MemDevice, mgr CheckpointManager) *Store[string, basicVal, int64, basicVal, struct{}] {
	t.Helper()
	store, err := New[string, basicVal, int64, basicVal, struct{}](
		WithLog[string, basicVal, int64, basicVal, struct{}](LogSettings{
			PageBits: 18, MemoryBits: 24, MutableFraction: 0.9, Device: dev,
		}),
		WithFunctions[string, basicVal, int64, basicVal, struct{}](counterFunctions()),
		WithCheckpoint[string, basicVal, int64, basicVal, struct{}](CheckpointSettings{Manager: mgr}),
	)
	require.NoError(t, err)
	return store
}

// TestFullCheckpointThenRecoverInFreshStore covers a 10,000-key full
// checkpoint followed by recovery into a brand-new Store sharing the same
// Device: every key must read back identically after recovery.
func TestFullCheckpointThenRecoverInFreshStore(t *testing.T) {
	const n = 10_000
	dev := device.NewMemDevice(512)
	mgr := NewInMemoryCheckpointManager()

	store := newCheckpointableStore(t, dev, mgr)
	sess, err := store.StartSession()
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%d", i)
		require.Equal(t, StatusOK, sess.Upsert(key, basicVal{N: int64(i)}))
	}

	token, err := store.TakeFullCheckpoint()
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, sess.StopSession())
	require.NoError(t, store.Dispose())

	recovered := newCheckpointableStore(t, dev, mgr)
	require.NoError(t, recovered.Recover(token))
	require.Equal(t, int64(n), recovered.EntryCount())

	rsess, err := recovered.StartSession()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rsess.StopSession())
		require.NoError(t, recovered.Dispose())
	})

	for _, i := range []int{0, 1, 4999, n - 1} {
		key := fmt.Sprintf("key-%d", i)
		v, status := rsess.Read(key, 0, struct{}{})
		require.Equal(t, StatusOK, status)
		require.Equal(t, int64(i), v.N)
	}
}

// TestHybridLogCheckpointPrefixConsistency covers two concurrent sessions
// writing distinct key ranges; a hybrid-log checkpoint taken between their
// writes must recover a prefix that reflects every Upsert committed before
// the checkpoint and is silent on what came after, per spec §4.5's prefix
// consistency guarantee.
func TestHybridLogCheckpointPrefixConsistency(t *testing.T) {
	dev := device.NewMemDevice(512)
	mgr := NewInMemoryCheckpointManager()
	store := newCheckpointableStore(t, dev, mgr)

	sessA, err := store.StartSession()
	require.NoError(t, err)
	sessB, err := store.StartSession()
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.Equal(t, StatusOK, sessA.Upsert(fmt.Sprintf("a-%d", i), basicVal{N: int64(i)}))
		require.Equal(t, StatusOK, sessB.Upsert(fmt.Sprintf("b-%d", i), basicVal{N: int64(i * 2)}))
	}

	token, err := store.TakeHybridLogCheckpoint()
	require.NoError(t, err)

	// Writes after the checkpoint must not affect what gets recovered below.
	require.Equal(t, StatusOK, sessA.Upsert("a-after", basicVal{N: 999}))

	require.NoError(t, sessA.StopSession())
	require.NoError(t, sessB.StopSession())
	require.NoError(t, store.Dispose())

	recovered := newCheckpointableStore(t, dev, mgr)
	require.NoError(t, recovered.Recover(token))

	rsess, err := recovered.StartSession()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, rsess.StopSession())
		require.NoError(t, recovered.Dispose())
	})

	for i := 0; i < 50; i++ {
		va, status := rsess.Read(fmt.Sprintf("a-%d", i), 0, struct{}{})
		require.Equal(t, StatusOK, status)
		require.Equal(t, int64(i), va.N)

		vb, status := rsess.Read(fmt.Sprintf("b-%d", i), 0, struct{}{})
		require.Equal(t, StatusOK, status)
		require.Equal(t, int64(i*2), vb.N)
	}
}

func TestContinueSessionAfterRecoverReportsCommitPoint(t *testing.T) {
	dev := device.NewMemDevice(512)
	mgr := NewInMemoryCheckpointManager()
	store := newCheckpointableStore(t, dev, mgr)

	sess, err := store.StartSession()
	require.NoError(t, err)
	guid := sess.GUID()

	for i := 0; i < 10; i++ {
		require.Equal(t, StatusOK, sess.Upsert(fmt.Sprintf("k-%d", i), basicVal{N: int64(i)}))
	}

	token, err := store.TakeFullCheckpoint()
	require.NoError(t, err)
	require.NoError(t, sess.StopSession())
	require.NoError(t, store.Dispose())

	recovered := newCheckpointableStore(t, dev, mgr)
	t.Cleanup(func() { require.NoError(t, recovered.Dispose()) })
	require.NoError(t, recovered.Recover(token))

	rsess, ctx, err := recovered.ContinueSession(guid)
	require.NoError(t, err)
	require.Equal(t, guid, ctx.GUID)
	require.Equal(t, uint64(10), ctx.LastCommitted)
	require.NoError(t, rsess.StopSession())
}

func TestRecoverWithoutCheckpointManagerFails(t *testing.T) {
	dev := device.NewMemDevice(512)
	store, err := New[string, basicVal, int64, basicVal, struct{}](
		WithLog[string, basicVal, int64, basicVal, struct{}](LogSettings{
			PageBits: 16, MemoryBits: 20, MutableFraction: 0.9, Device: dev,
		}),
		WithFunctions[string, basicVal, int64, basicVal, struct{}](counterFunctions()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Dispose()) })

	_, err = store.TakeFullCheckpoint()
	require.ErrorIs(t, err, ErrNoCheckpointManager)

	err = store.Recover("anything")
	require.ErrorIs(t, err, ErrNoCheckpointManager)
}
