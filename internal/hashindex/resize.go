package hashindex

// resize.go implements GrowIndex: a coordinated doubling of the bucket
// array. The full FASTER-style protocol phases the resize through the
// engine's checkpoint/version state machine so in-flight operations consult
// both the old and new tables chunk-by-chunk; here we approximate that with
// a short exclusive section that rehashes the whole table in one pass. The
// approximation is safe (readers either see the pre-resize table in full or
// the post-resize table in full, never a half-rehashed one) at the cost of
// pausing writers for the duration of the copy, which is the deliberate
// simplification recorded in DESIGN.md.

// GrowIndex doubles the number of primary buckets, rehashing every live
// entry into the new array. Concurrent FindEntry/FindOrCreateEntry/
// UpdateEntry calls that started against the old table continue to operate
// on it (they hold their own *tableState from before the swap) and simply
// retry against the new table on their next CAS failure or next operation,
// exactly like any other concurrent-modification retry.
func (t *Table) GrowIndex() {
	t.mu.Lock()
	defer t.mu.Unlock()

	oldSt := t.cur.Load()
	newCount := uint64(len(oldSt.buckets)) * 2
	newSt := &tableState{
		buckets:  make([]bucket, newCount),
		overflow: newOverflowPool(),
		mask:     newCount - 1,
	}

	for i := range oldSt.buckets {
		b := &oldSt.buckets[i]
		srcIdx := uint64(i)
		for bb := b; bb != nil; {
			for j := range bb.entries {
				e := unpackEntry(bb.entries[j].Load())
				if e.IsEmpty() || e.Tentative {
					continue
				}
				insertRehashed(newSt, srcIdx, oldSt.mask, e)
			}
			nx := bb.overflow.Load()
			if nx == 0 {
				bb = nil
			} else {
				bb = oldSt.overflow.at(nx - 1)
			}
		}
	}

	t.cur.Store(newSt)
}

// insertRehashed places an already-decoded entry into newSt. Because a
// hash-bucket entry only retains a 14-bit tag (not the full hash), the
// destination bucket for entries originally routed by `hash & oldMask ==
// srcIdx` is derived by keeping the low bits (srcIdx) and extending with one
// new high bit taken from the tag, mirroring how incremental hash-table
// doubling schemes (e.g. extendible hashing) route old bucket i to either
// i or i+oldSize using one additional bit of the hash the tag still covers.
func insertRehashed(newSt *tableState, srcIdx, oldMask uint64, e Entry) {
	extraBit := uint64(e.Tag) & 1
	oldSize := oldMask + 1
	destIdx := srcIdx
	if extraBit == 1 {
		destIdx = srcIdx + oldSize
	}
	destIdx &= newSt.mask
	dst := &newSt.buckets[destIdx]
	for {
		placed := false
		for j := range dst.entries {
			if dst.entries[j].Load() == 0 {
				dst.entries[j].Store(packEntry(e.Tag, e.Address, false, false))
				placed = true
				break
			}
		}
		if placed {
			return
		}
		nx := dst.overflow.Load()
		if nx == 0 {
			idx := newSt.overflow.alloc()
			dst.overflow.Store(idx + 1)
			nx = idx + 1
		}
		dst = newSt.overflow.at(nx - 1)
	}
}
