package hlog

import "sync/atomic"

// Frontiers holds the six monotonic addresses from spec §3. All advances go
// through CAS (the AdvanceX methods, via advanceIfGreater); "safe" frontiers are only advanced by the
// caller once an epoch drain has confirmed no thread can still reference
// below the raw frontier it tracks.
type Frontiers struct {
	begin          atomic.Uint64
	head           atomic.Uint64
	safeHead       atomic.Uint64
	readOnly       atomic.Uint64
	safeReadOnly   atomic.Uint64
	tail           atomic.Uint64
}

func (f *Frontiers) Init(begin Address) {
	f.begin.Store(uint64(begin))
	f.head.Store(uint64(begin))
	f.safeHead.Store(uint64(begin))
	f.readOnly.Store(uint64(begin))
	f.safeReadOnly.Store(uint64(begin))
	f.tail.Store(uint64(begin))
}

func (f *Frontiers) BeginAddress() Address        { return Address(f.begin.Load()) }
func (f *Frontiers) HeadAddress() Address         { return Address(f.head.Load()) }
func (f *Frontiers) SafeHeadAddress() Address     { return Address(f.safeHead.Load()) }
func (f *Frontiers) ReadOnlyAddress() Address     { return Address(f.readOnly.Load()) }
func (f *Frontiers) SafeReadOnlyAddress() Address { return Address(f.safeReadOnly.Load()) }
func (f *Frontiers) TailAddress() Address         { return Address(f.tail.Load()) }

// advanceIfGreater CASes word to v if v is larger than the current value,
// looping until it wins or observes an equal-or-greater value already
// published by a concurrent advancer.
func advanceIfGreater(word *atomic.Uint64, v uint64) {
	for {
		cur := word.Load()
		if v <= cur {
			return
		}
		if word.CompareAndSwap(cur, v) {
			return
		}
	}
}

func (f *Frontiers) AdvanceBegin(a Address)        { advanceIfGreater(&f.begin, uint64(a)) }
func (f *Frontiers) AdvanceHead(a Address)         { advanceIfGreater(&f.head, uint64(a)) }
func (f *Frontiers) AdvanceSafeHead(a Address)     { advanceIfGreater(&f.safeHead, uint64(a)) }
func (f *Frontiers) AdvanceReadOnly(a Address)     { advanceIfGreater(&f.readOnly, uint64(a)) }
func (f *Frontiers) AdvanceSafeReadOnly(a Address) { advanceIfGreater(&f.safeReadOnly, uint64(a)) }

// AllocateTail atomically bumps TailAddress by size and returns the address
// the caller may now write `size` bytes at.
func (f *Frontiers) AllocateTail(size uint64) Address {
	newTail := f.tail.Add(size)
	return Address(newTail - size)
}

// InitForRecovery sets every frontier directly. The hybrid log allocator's
// recovery path calls this once it has worked out how much of the recovered
// tail range its page ring can actually hold resident: head marks the oldest
// page it reloaded from the Device (addresses below it still require the
// same disk-fault path live eviction uses), and readOnly/tail both sit at
// the recovered cut since nothing above it has been written yet.
func (f *Frontiers) InitForRecovery(begin, head, readOnly, tail Address) {
	f.begin.Store(uint64(begin))
	f.head.Store(uint64(head))
	f.safeHead.Store(uint64(head))
	f.readOnly.Store(uint64(readOnly))
	f.safeReadOnly.Store(uint64(readOnly))
	f.tail.Store(uint64(tail))
}

// CheckInvariant verifies spec §3's ordering; used by tests.
func (f *Frontiers) CheckInvariant() bool {
	b := f.begin.Load()
	h := f.head.Load()
	sh := f.safeHead.Load()
	ro := f.readOnly.Load()
	sro := f.safeReadOnly.Load()
	ta := f.tail.Load()
	return b <= h && h <= sh && sh <= ro && ro <= sro && sro <= ta
}
