package hlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hlogkv/hlogkv/internal/device"
	"github.com/hlogkv/hlogkv/internal/epoch"
)

type fixedVal struct {
	A int64
	B int64
}

func newTestAllocator(t *testing.T) (*Allocator[uint64, fixedVal], *epoch.Manager) {
	t.Helper()
	em := epoch.New()
	dev := device.NewMemDevice(512)
	a := New[uint64, fixedVal](Options[uint64, fixedVal]{
		PageBits:        12, // 4 KiB pages
		MemoryBits:      16, // 64 KiB total, i.e. 16 pages
		MutableFraction: 0.5,
		Device:          dev,
		Epoch:           em,
	})
	return a, em
}

func TestAllocateWriteReadRoundtrip(t *testing.T) {
	a, _ := newTestAllocator(t)
	recSize := a.RecordSize(7, fixedVal{A: 1, B: 2})
	addr, buf, err := a.Allocate(recSize)
	require.NoError(t, err)

	h := MakeHeader(InvalidAddress, false, false, false, false)
	a.WriteRecord(addr, buf, h, 7, fixedVal{A: 1, B: 2})

	require.True(t, a.InMemory(addr))
	require.Equal(t, uint64(7), a.DecodeKey(addr))
	gotLen := a.RecordLen(addr)
	v := a.DecodeValue(addr, gotLen)
	require.Equal(t, fixedVal{A: 1, B: 2}, v)
}

func TestFrontierInvariantHoldsAfterManyAllocations(t *testing.T) {
	a, em := newTestAllocator(t)
	tok := em.Acquire()
	defer em.Release(tok)

	recSize := a.RecordSize(0, fixedVal{})
	for i := 0; i < 2000; i++ {
		for {
			_, buf, err := a.Allocate(recSize)
			if err == ErrRetryLater {
				em.ProtectAndDrain(tok)
				a.DrainSafeFrontiers()
				continue
			}
			require.NoError(t, err)
			for j := range buf {
				buf[j] = 0
			}
			break
		}
		require.True(t, a.Frontiers.CheckInvariant())
	}
}

func TestEvictionAdvancesHeadAddress(t *testing.T) {
	a, em := newTestAllocator(t)
	tok := em.Acquire()
	defer em.Release(tok)

	var evicted []uint64
	a.OnPageEvicted = func(pageIdx uint64, start, end Address) {
		evicted = append(evicted, pageIdx)
	}

	recSize := a.RecordSize(0, fixedVal{})
	initialHead := a.Frontiers.HeadAddress()
	for i := 0; i < 20000; i++ {
		for {
			_, _, err := a.Allocate(recSize)
			if err == ErrRetryLater {
				em.ProtectAndDrain(tok)
				a.DrainSafeFrontiers()
				continue
			}
			require.NoError(t, err)
			break
		}
	}
	em.ProtectAndDrain(tok)
	a.DrainSafeFrontiers()
	require.Greater(t, a.Frontiers.HeadAddress(), initialHead)
	require.NotEmpty(t, evicted)
}
