package hlog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/s2"
	"golang.org/x/sync/singleflight"

	"github.com/hlogkv/hlogkv/internal/device"
	"github.com/hlogkv/hlogkv/internal/epoch"
)

// ErrRetryLater is the capacity-retry condition from spec §7: the tail
// cannot advance into the next page because that page's ring slot is not
// yet evictable. Callers must epoch.Refresh and retry.
var ErrRetryLater = errors.New("hlog: allocator out of space, retry after epoch refresh")

// ErrRecordTooLarge is returned when a single record would not fit in one
// page regardless of rotation.
var ErrRecordTooLarge = errors.New("hlog: record larger than one page")

const headerLenPrefix = 4 // uint32 total-record-length, right after the 8-byte header
const keyLenPrefix = 4    // uint32 key-content-length, right after headerLenPrefix

// Allocator is the hybrid log for one key/value type pair. One Allocator
// backs the main log; a second instance (internal/readcache) backs the
// optional read cache using the same ring mechanics with a different
// eviction callback.
type Allocator[K any, V any] struct {
	Frontiers Frontiers

	pageBits    uint
	pageSize    uint64
	numPages    uint64
	segmentBits uint
	mutableBytes uint64

	pages []*page

	valueCodec ValueCodec[V]

	dev         device.Device
	epochMgr    *epoch.Manager
	compress    bool
	flushGroup  singleflight.Group

	mu sync.Mutex // serializes page-ring rotation (open/close/evict bookkeeping)

	flushedUntil atomic.Uint64

	// OnPageEvicted is invoked (outside any internal lock) with the
	// absolute page index and its [start,end) address range just before
	// the slot is reused, so the read cache / main-log hash-unlink logic
	// can run its eviction scan.
	OnPageEvicted func(pageIdx uint64, start, end Address)
}

type Options[K any, V any] struct {
	PageBits        uint
	MemoryBits      uint
	SegmentBits     uint
	MutableFraction float64
	Device          device.Device
	Epoch           *epoch.Manager
	Compress        bool
	ValueCodec      ValueCodec[V] // zero value => blittable V

	// RecoveredTail, if nonzero, initializes Frontiers from a checkpoint
	// instead of at the start of the log: new allocations continue from (a
	// page boundary at or after) it, the newest pages below it that fit in
	// the ring are read back from the Device (see loadResidentPages), and
	// older addresses classify as on-disk. See Store.Recover.
	RecoveredTail Address
}

// New constructs an allocator. If opts.ValueCodec is the zero value, a
// blittable codec for V is derived automatically (unsafe.Sizeof(V)).
func New[K any, V any](opts Options[K, V]) *Allocator[K, V] {
	if opts.MutableFraction <= 0 || opts.MutableFraction > 1 {
		opts.MutableFraction = 0.9
	}
	pageSize := uint64(1) << opts.PageBits
	numPages := uint64(1) << (opts.MemoryBits - opts.PageBits)
	if numPages < 2 {
		numPages = 2
	}
	vc := opts.ValueCodec
	if vc.FixedSize == 0 && vc.SizeFn == nil {
		vc = BlittableValueCodec[V]()
	}
	a := &Allocator[K, V]{
		pageBits:     opts.PageBits,
		pageSize:     pageSize,
		numPages:     numPages,
		segmentBits:  opts.SegmentBits,
		mutableBytes: uint64(float64(numPages*pageSize) * opts.MutableFraction),
		valueCodec:   vc,
		dev:          opts.Device,
		epochMgr:     opts.Epoch,
		compress:     opts.Compress,
	}
	a.pages = make([]*page, numPages)
	for i := range a.pages {
		a.pages[i] = newPage(int(pageSize))
	}

	openPageIdx := uint64(0)
	if opts.RecoveredTail != 0 {
		tail := RoundUpToPageBoundary(opts.RecoveredTail, opts.PageBits)
		a.loadResidentPages(tail)
		openPageIdx = PageIndex(tail, opts.PageBits)
	} else {
		// Address 0 is InvalidAddress ("no record" in hash entries and
		// previous-address links), so the first record starts at 64.
		a.Frontiers.Init(64)
	}
	slot := a.pages[openPageIdx%numPages]
	slot.pageIdx.Store(int64(openPageIdx))
	slot.setState(pageOpen)
	return a
}

// loadResidentPages reinitializes Frontiers for recovery. Pages that fit
// within the ring's capacity are read back from the Device synchronously, so
// recently-checkpointed records resolve exactly the way pages still resident
// in steady-state operation do, without a disk fault; older pages beyond the
// ring's capacity are left non-resident, with Head set to their boundary, so
// they fall back to the same disk-fault path live eviction already uses for
// pages recycled out of memory. This relies on the checkpoint path having
// force-flushed the log up to roundedTail before the manifest was committed
// (see Store.TakeHybridLogCheckpoint's WAIT_FLUSH step), so every page below
// roundedTail is guaranteed to actually be on the Device.
func (a *Allocator[K, V]) loadResidentPages(roundedTail Address) {
	lastPage := PageIndex(roundedTail, a.pageBits)
	if lastPage == 0 {
		a.Frontiers.InitForRecovery(0, 0, roundedTail, roundedTail)
		return
	}
	lastPage--
	totalPages := lastPage + 1
	firstPage := uint64(0)
	if totalPages > a.numPages {
		firstPage = totalPages - a.numPages
	}
	head := MakeAddress(firstPage, 0, a.pageBits)
	a.Frontiers.InitForRecovery(0, head, roundedTail, roundedTail)

	if a.dev == nil {
		return
	}
	for idx := firstPage; idx <= lastPage; idx++ {
		slot := a.slotFor(idx)
		segment, offset := a.segmentFor(idx)
		done := make(chan error, 1)
		a.dev.ReadAsync(context.Background(), segment, offset, slot.buf, func(_ int, err error) {
			done <- err
		})
		if err := <-done; err != nil {
			continue
		}
		slot.pageIdx.Store(int64(idx))
		slot.setState(pageFlushed)
	}
}

func (a *Allocator[K, V]) RecordSize(k K, v V) uint64 {
	return uint64(headerSize+headerLenPrefix+keyLenPrefix+keyEncodedSize(k)) + uint64(a.valueCodec.Size(v))
}

func (a *Allocator[K, V]) slotFor(pageIdx uint64) *page { return a.pages[pageIdx%a.numPages] }

// slotAvailable reports whether the ring slot that pageIdx would occupy is
// either unused or holds a page that has been fully flushed and is no
// longer needed by any in-flight reader (SafeReadOnlyAddress past its end).
func (a *Allocator[K, V]) slotAvailable(pageIdx uint64) bool {
	slot := a.slotFor(pageIdx)
	cur := slot.pageIdx.Load()
	if cur < 0 {
		return true
	}
	if uint64(cur) == pageIdx {
		return true // already ours (re-entrant check)
	}
	if slot.getState() != pageFlushed {
		return false
	}
	pageEnd := Address((uint64(cur) + 1) << a.pageBits)
	return a.Frontiers.SafeReadOnlyAddress() >= pageEnd
}

// Allocate reserves `size` bytes at the tail, rotating pages as needed.
// Returns the address the record starts at and a []byte view into the
// (mutable, in-memory) page buffer the caller should fill in before any
// other thread can observe the address through the hash index.
func (a *Allocator[K, V]) Allocate(size uint64) (Address, []byte, error) {
	if size > a.pageSize {
		return 0, nil, ErrRecordTooLarge
	}
	for {
		tail := Address(a.Frontiers.tail.Load())
		pageIdx := PageIndex(tail, a.pageBits)
		startOff := Offset(tail, a.pageBits)

		// A record that ended exactly at a page end left the tail at offset
		// 0 of a page that was never opened: rotate (and flush) first.
		if startOff == 0 && pageIdx > 0 && a.slotFor(pageIdx).pageIdx.Load() != int64(pageIdx) {
			if !a.slotAvailable(pageIdx) {
				a.maybeAdvanceReadOnly(tail)
				a.publishSafeFrontiers()
				a.tryEvict()
				return 0, nil, ErrRetryLater
			}
			a.rotatePages(pageIdx-1, pageIdx)
			continue
		}

		if startOff+size > a.pageSize {
			nextIdx := pageIdx + 1
			if !a.slotAvailable(nextIdx) {
				// Shift read-only as if the tail were already on the new page
				// and publish it, so a refresh can free the slot.
				a.maybeAdvanceReadOnly(MakeAddress(nextIdx, 0, a.pageBits))
				a.publishSafeFrontiers()
				a.tryEvict()
				return 0, nil, ErrRetryLater
			}
			newTail := MakeAddress(nextIdx, 0, a.pageBits)
			if a.Frontiers.tail.CompareAndSwap(uint64(tail), uint64(newTail)) {
				a.rotatePages(pageIdx, nextIdx)
			}
			continue
		}

		newTail := uint64(tail) + size
		if !a.Frontiers.tail.CompareAndSwap(uint64(tail), newTail) {
			continue
		}
		pg := a.slotFor(pageIdx)
		a.maybeAdvanceReadOnly(Address(newTail))
		return tail, pg.buf[startOff : startOff+size], nil
	}
}

// rotatePages closes the just-completed page (triggering async flush) and
// opens the next one, reusing its ring slot once it has been evicted.
func (a *Allocator[K, V]) rotatePages(closedIdx, openIdx uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	closed := a.slotFor(closedIdx)
	if closed.pageIdx.Load() == int64(closedIdx) && closed.getState() == pageOpen {
		closed.setState(pageClosed)
		go a.flushPage(closedIdx)
	}

	open := a.slotFor(openIdx)
	if open.pageIdx.Load() != int64(openIdx) {
		for i := range open.buf {
			open.buf[i] = 0
		}
		open.pageIdx.Store(int64(openIdx))
	}
	open.setState(pageOpen)
}

// flushPage writes a closed page to the device and marks it Flushed on
// completion. Concurrent rotations that would flush the same page index
// are deduplicated via singleflight, mirroring the teacher's loaderGroup
// dedup pattern but applied to device writes instead of user loaders.
func (a *Allocator[K, V]) flushPage(pageIdx uint64) {
	key := pageIdx
	_, _, _ = a.flushGroup.Do(uintKey(key), func() (any, error) {
		pg := a.slotFor(pageIdx)
		payload := pg.buf
		if a.compress {
			payload = s2.Encode(nil, pg.buf)
		}
		segment, offset := a.segmentFor(pageIdx)
		done := make(chan error, 1)
		if a.dev != nil {
			a.dev.WriteAsync(context.Background(), segment, offset, payload, func(_ int, err error) {
				done <- err
			})
			err := <-done
			if err != nil {
				return nil, err
			}
		}
		pg.setState(pageFlushed)
		pageEnd := (pageIdx + 1) << a.pageBits
		advanceIfGreater(&a.flushedUntil, pageEnd)
		a.tryEvict()
		a.publishSafeFrontiers()
		return nil, nil
	})
}

func (a *Allocator[K, V]) segmentFor(pageIdx uint64) (segment uint64, offset int64) {
	if a.segmentBits == 0 {
		return pageIdx, 0
	}
	segment = pageIdx >> a.segmentBits
	pagesPerSeg := uint64(1) << a.segmentBits
	offset = int64((pageIdx % pagesPerSeg) * a.pageSize)
	return segment, offset
}

// tryEvict advances HeadAddress past any fully-flushed oldest page whose
// end is already covered by SafeReadOnlyAddress, invoking OnPageEvicted for
// each one so the hash index / read cache can drop references to it.
func (a *Allocator[K, V]) tryEvict() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		head := a.Frontiers.HeadAddress()
		pageIdx := PageIndex(head, a.pageBits)
		slot := a.slotFor(pageIdx)
		if slot.pageIdx.Load() != int64(pageIdx) || slot.getState() != pageFlushed {
			return
		}
		pageEnd := Address((pageIdx + 1) << a.pageBits)
		if a.Frontiers.SafeReadOnlyAddress() < pageEnd {
			return
		}
		if a.OnPageEvicted != nil {
			a.OnPageEvicted(pageIdx, head, pageEnd)
		}
		a.Frontiers.AdvanceHead(pageEnd)
	}
}

// maybeAdvanceReadOnly keeps the mutable window trailing the tail by
// roughly mutableBytes, converting the oldest mutable records to read-only
// as the tail grows (independent of any checkpoint).
func (a *Allocator[K, V]) maybeAdvanceReadOnly(tail Address) {
	if uint64(tail) <= a.mutableBytes {
		return
	}
	desired := Address(uint64(tail) - a.mutableBytes)
	if desired > a.Frontiers.HeadAddress() {
		a.Frontiers.AdvanceReadOnly(desired)
	} else {
		a.Frontiers.AdvanceReadOnly(a.Frontiers.HeadAddress())
	}
}

// publishSafeFrontiers schedules Head/ReadOnly to be copied into their
// SafeHead/SafeReadOnly counterparts once every active thread has confirmed
// it no longer holds a reference below them — i.e. once an epoch bumped now
// has been observed by every thread via Refresh/ProtectAndDrain. This is what
// actually makes page recycling in rotatePages safe: a reader that resolved
// an address into a page while the page was still in the mutable/read-only
// region has necessarily acquired its token before this bump, so the drain
// action cannot run until that reader has released or refreshed past it.
//
// Called from flushPage so eviction keeps making progress under sustained
// writes even when no checkpoint is ever taken (an unconditional copy here,
// the prior behavior, advanced "safe" in name only and gated nothing).
func (a *Allocator[K, V]) publishSafeFrontiers() {
	head := a.Frontiers.HeadAddress()
	ro := a.Frontiers.ReadOnlyAddress()
	if head <= a.Frontiers.SafeHeadAddress() && ro <= a.Frontiers.SafeReadOnlyAddress() {
		return
	}
	if a.epochMgr == nil {
		a.Frontiers.AdvanceSafeHead(head)
		a.Frontiers.AdvanceSafeReadOnly(ro)
		a.tryEvict()
		return
	}
	a.epochMgr.BumpCurrentEpoch(func() {
		a.Frontiers.AdvanceSafeHead(head)
		a.Frontiers.AdvanceSafeReadOnly(ro)
		a.tryEvict()
	})
}

// DrainSafeFrontiers is the checkpoint path's explicit call to
// publishSafeFrontiers, taken after drainAllSessions has already quiesced
// every session's pending requests for this version. It schedules the same
// epoch-gated publish flushPage triggers opportunistically; checkpoint code
// calls it so a checkpoint captures frontiers that are safe as of "now"
// rather than waiting for the next background flush to get around to it.
func (a *Allocator[K, V]) DrainSafeFrontiers() {
	a.publishSafeFrontiers()
}

// ForceFlushTail closes whatever page is currently open at the tail, even if
// only partially filled, and synchronously flushes it to the Device, then
// advances ReadOnlyAddress up to that pre-flush tail. Ordinary flushing only
// happens when Allocate crosses a page boundary, a condition unrelated to
// when a checkpoint is taken; spec §4.5's WAIT_FLUSH step needs the
// checkpoint's cut address durable on the Device before its manifest is
// committed, so this call is the checkpoint path's own forced rotation
// rather than waiting on a future write to trigger one.
func (a *Allocator[K, V]) ForceFlushTail() {
	for {
		tail := Address(a.Frontiers.tail.Load())
		pageIdx := PageIndex(tail, a.pageBits)
		if Offset(tail, a.pageBits) == 0 {
			// The tail sits exactly on a boundary; if the page before it was
			// filled to the end and never rotated, it is still open.
			if pageIdx > 0 && a.slotFor(pageIdx).pageIdx.Load() != int64(pageIdx) {
				if !a.slotAvailable(pageIdx) {
					a.tryEvict()
					continue
				}
				a.rotatePages(pageIdx-1, pageIdx)
				a.flushPage(pageIdx - 1)
			}
			a.Frontiers.AdvanceReadOnly(tail)
			return
		}
		nextIdx := pageIdx + 1
		if !a.slotAvailable(nextIdx) {
			a.tryEvict()
			continue
		}
		newTail := MakeAddress(nextIdx, 0, a.pageBits)
		if !a.Frontiers.tail.CompareAndSwap(uint64(tail), uint64(newTail)) {
			continue
		}
		a.rotatePages(pageIdx, nextIdx)
		a.flushPage(pageIdx) // joins/waits on the same singleflight call rotatePages kicked off
		a.Frontiers.AdvanceReadOnly(tail)
		return
	}
}

func uintKey(k uint64) string {
	const hexDigits = "0123456789abcdef"
	var buf [16]byte
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[k&0xF]
		k >>= 4
	}
	return string(buf[:])
}

// ---- region classification ----

func (a *Allocator[K, V]) IsMutable(addr Address) bool {
	return addr >= a.Frontiers.ReadOnlyAddress() && addr < a.Frontiers.TailAddress()
}

func (a *Allocator[K, V]) IsReadOnly(addr Address) bool {
	return addr >= a.Frontiers.HeadAddress() && addr < a.Frontiers.ReadOnlyAddress()
}

func (a *Allocator[K, V]) IsOnDisk(addr Address) bool {
	return addr < a.Frontiers.HeadAddress() && addr >= a.Frontiers.BeginAddress()
}

// InMemory reports whether addr's page is currently resident (HeadAddress
// <= addr < TailAddress), the condition under which GetBytes is safe to
// call directly without going through the Device.
func (a *Allocator[K, V]) InMemory(addr Address) bool {
	return addr >= a.Frontiers.HeadAddress() && addr < a.Frontiers.TailAddress()
}

// GetBytes returns a view of the record bytes at addr, valid only while the
// page remains resident (caller must be inside an epoch protection section
// and must have already confirmed InMemory(addr)).
func (a *Allocator[K, V]) GetBytes(addr Address, size uint64) []byte {
	pageIdx := PageIndex(addr, a.pageBits)
	off := Offset(addr, a.pageBits)
	pg := a.slotFor(pageIdx)
	return pg.buf[off : off+size]
}

// ReadHeader reads the 8-byte header at addr (atomically if the record may
// still be in the mutable region).
func (a *Allocator[K, V]) ReadHeader(addr Address) RecordHeader {
	buf := a.GetBytes(addr, headerSize)
	if a.IsMutable(addr) {
		return atomicLoadHeader(buf, 0)
	}
	return loadHeader(buf, 0)
}

func (a *Allocator[K, V]) WriteHeader(addr Address, h RecordHeader) {
	buf := a.GetBytes(addr, headerSize)
	atomicStoreHeader(buf, 0, h)
}

// keyLenAt reads the key-content-length prefix stored right after the
// total-record-length prefix.
func (a *Allocator[K, V]) keyLenAt(addr Address) uint64 {
	off := uint64(headerSize + headerLenPrefix)
	buf := a.GetBytes(addr, off+keyLenPrefix)
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(buf[off+uint64(i)]) << (8 * i)
	}
	return uint64(v)
}

// DecodeKey/DecodeValue assume the record at addr is resident; callers on
// the disk path decode from the buffer the Device read into instead.
func (a *Allocator[K, V]) DecodeKey(addr Address) K {
	keyLen := a.keyLenAt(addr)
	off := uint64(headerSize + headerLenPrefix + keyLenPrefix)
	buf := a.GetBytes(addr, off+keyLen)
	return decodeKeyBytes[K](buf[off:], int(keyLen))
}

func (a *Allocator[K, V]) DecodeValue(addr Address, recordLen uint64) V {
	keyLen := a.keyLenAt(addr)
	keyOff := uint64(headerSize + headerLenPrefix + keyLenPrefix) + keyLen
	buf := a.GetBytes(addr, recordLen)
	return a.valueCodec.ReadFn(buf[keyOff:])
}

func (a *Allocator[K, V]) RecordLen(addr Address) uint64 {
	buf := a.GetBytes(addr, headerSize+headerLenPrefix)
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(buf[headerSize+i]) << (8 * i)
	}
	return uint64(v)
}

func (a *Allocator[K, V]) writeLenPrefix(buf []byte, total uint32) {
	for i := 0; i < 4; i++ {
		buf[headerSize+i] = byte(total >> (8 * i))
	}
}

func (a *Allocator[K, V]) writeKeyLenPrefix(buf []byte, n uint32) {
	off := headerSize + headerLenPrefix
	for i := 0; i < 4; i++ {
		buf[off+i] = byte(n >> (8 * i))
	}
}

// WriteRecord serializes header+key+value into a freshly allocated slot.
func (a *Allocator[K, V]) WriteRecord(addr Address, buf []byte, h RecordHeader, k K, v V) {
	atomicStoreHeader(buf, 0, h)
	a.writeLenPrefix(buf, uint32(len(buf)))
	keyLen := keyEncodedSize(k)
	a.writeKeyLenPrefix(buf, uint32(keyLen))
	keyOff := headerSize + headerLenPrefix + keyLenPrefix
	encodeKeyBytes[K](buf[keyOff:], k)
	a.valueCodec.WriteFn(buf[keyOff+keyLen:], v)
}

// Codec exposes the value codec so the operation engine can compute sizes
// before calling Allocate.
func (a *Allocator[K, V]) Codec() ValueCodec[V] { return a.valueCodec }

// ValueOffsetAt is the byte offset of the value within the record at addr,
// for callers overwriting a fixed-size value in place. Unlike a compile-time
// constant, this depends on the record's actual key length (variable for
// string keys), so it must be read from the resident record's key-length
// prefix rather than derived from K alone.
func (a *Allocator[K, V]) ValueOffsetAt(addr Address) int {
	return headerSize + headerLenPrefix + keyLenPrefix + int(a.keyLenAt(addr))
}

// Device exposes the backing device so the operation engine can issue its
// own disk-fault reads outside the allocator's own flush path.
func (a *Allocator[K, V]) Device() device.Device { return a.dev }

// Close releases the device handle. Any in-flight flush must complete
// first; callers are expected to have drained pending I/O via the engine's
// CompletePending(wait=true) before calling Close.
func (a *Allocator[K, V]) Close() error {
	if a.dev != nil {
		return a.dev.Close()
	}
	return nil
}
