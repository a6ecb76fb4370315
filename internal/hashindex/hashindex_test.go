package hashindex

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func keyBytes(k uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], k)
	return b[:]
}

func TestFindOrCreateThenUpdate(t *testing.T) {
	tbl := New(128)
	h := tbl.HashKey(keyBytes(42))

	loc, existing, wasExisting := tbl.FindOrCreateEntry(h)
	require.False(t, wasExisting)

	ok := tbl.ConfirmTentative(loc, Tag(h), 100)
	require.True(t, ok)

	entry, found, _, _ := tbl.FindEntry(h)
	require.NotNil(t, found.slotPtr)
	require.Equal(t, uint64(100), entry.Address)

	ok = tbl.UpdateEntry(found, entry, Entry{Tag: entry.Tag, Address: 200})
	require.True(t, ok)

	entry2, _, _, _ := tbl.FindEntry(h)
	require.Equal(t, uint64(200), entry2.Address)

	_ = existing
}

func TestEntryCountAcrossManyKeys(t *testing.T) {
	tbl := New(16)
	const n = 5000
	// Entries match on tag alone, so distinct keys that share both bucket
	// and tag share one entry: the expected count is the number of distinct
	// (bucket, tag) pairs among the keys, not n.
	seen := make(map[[2]uint64]bool)
	for i := uint64(0); i < n; i++ {
		h := tbl.HashKey(keyBytes(i))
		slot := [2]uint64{h & (tbl.NumBuckets() - 1), uint64(Tag(h))}
		loc, _, wasExisting := tbl.FindOrCreateEntry(h)
		require.Equal(t, seen[slot], wasExisting)
		if !wasExisting {
			require.True(t, tbl.ConfirmTentative(loc, Tag(h), i+1))
		}
		seen[slot] = true
	}
	require.Equal(t, int64(len(seen)), tbl.EntryCount())
}

func TestGrowIndexPreservesEntryCount(t *testing.T) {
	tbl := New(32)
	const n = 2000
	seen := make(map[[2]uint64]bool) // distinct (bucket, tag) pairs
	for i := uint64(0); i < n; i++ {
		h := tbl.HashKey(keyBytes(i))
		loc, _, wasExisting := tbl.FindOrCreateEntry(h)
		if !wasExisting {
			require.True(t, tbl.ConfirmTentative(loc, Tag(h), i+1))
		}
		seen[[2]uint64{h & (tbl.NumBuckets() - 1), uint64(Tag(h))}] = true
	}
	before := tbl.EntryCount()
	require.Equal(t, int64(len(seen)), before)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tbl.GrowIndex()
	}()
	wg.Wait()

	require.Equal(t, before, tbl.EntryCount())
	require.Equal(t, uint64(64), tbl.NumBuckets())
}

func TestConcurrentInsertsDistinctKeys(t *testing.T) {
	tbl := New(64)
	var wg sync.WaitGroup
	const perGoroutine = 500
	// Distinct keys sharing both bucket and tag share one entry, so the
	// expected count is the number of distinct (bucket, tag) pairs.
	seen := make(map[[2]uint64]bool)
	for k := uint64(0); k < 8*perGoroutine; k++ {
		h := tbl.HashKey(keyBytes(k))
		seen[[2]uint64{h & (tbl.NumBuckets() - 1), uint64(Tag(h))}] = true
	}
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				k := uint64(g*perGoroutine + i)
				h := tbl.HashKey(keyBytes(k))
				loc, _, _ := tbl.FindOrCreateEntry(h)
				tbl.ConfirmTentative(loc, Tag(h), k+1)
			}
		}(g)
	}
	wg.Wait()
	require.Equal(t, int64(len(seen)), tbl.EntryCount())
}

// TestConcurrentFindOrCreateEntrySameKey contends many goroutines on the
// exact same brand-new key. Without a tentative-vs-tentative conflict check,
// each contender's rescan is blind to the others' still-tentative claims and
// every one of them confirms, leaving disjoint chains for one key.
func TestConcurrentFindOrCreateEntrySameKey(t *testing.T) {
	tbl := New(64)
	const trials = 200
	const contenders = 8
	for trial := 0; trial < trials; trial++ {
		h := tbl.HashKey(keyBytes(uint64(trial) + 1<<40))
		before := tbl.EntryCount()
		var wg sync.WaitGroup
		for g := 0; g < contenders; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				loc, _, wasExisting := tbl.FindOrCreateEntry(h)
				if !wasExisting {
					tbl.ConfirmTentative(loc, Tag(h), 1)
				}
			}()
		}
		wg.Wait()
		require.Equal(t, before+1, tbl.EntryCount(),
			"trial %d: exactly one entry must survive a same-key insert race", trial)
	}
}
