package hlogkv

import (
	"unsafe"

	"github.com/hlogkv/hlogkv/internal/hashindex"
	"github.com/hlogkv/hlogkv/internal/hlog"
)

// opOutcome is the internal status set spec §4.4 names (SUCCESS, NOT_FOUND,
// RECORD_ON_DISK, RETRY_NOW, RETRY_LATER, CPR_SHIFT_DETECTED), narrowed:
// NOT_FOUND is folded into the public Status returned alongside outcomeDone,
// and CPR_SHIFT_DETECTED never needs its own case because every write here
// already stamps in_new_version from the current phase on each attempt
// rather than detecting a shift after the fact.
type opOutcome int

const (
	outcomeDone opOutcome = iota
	outcomeRetryNow
	outcomeRetryLater
	outcomeRecordOnDisk
)

func (s *Store[K, V, I, O, C]) allocatorFor(addr hlog.Address) *hlog.Allocator[K, V] {
	if addr.IsReadCache() && s.cache != nil {
		return s.cache.Alloc
	}
	return s.log
}

// chainWalkResult is resolveChain's report: whether a live (non-tombstone)
// record for the target key was found while walking previous-address links,
// and where.
type chainWalkResult[V any] struct {
	found     bool
	tombstone bool
	value     V
	mutable   bool
	matchAddr hlog.Address
}

// resolveChain walks the previous-address chain starting at head, comparing
// each resident record's decoded key against key (the hash-bucket tag only
// filters; a full key comparison resolves tag collisions). It stops at the
// first match, or the first non-resident hop, whichever comes first.
func (s *Store[K, V, I, O, C]) resolveChain(head hlog.Address, key K) (res chainWalkResult[V], diskAddr hlog.Address, needsDisk bool) {
	addr := head
	for addr != hlog.InvalidAddress {
		alloc := s.allocatorFor(addr)
		real := addr.WithoutReadCacheFlag()
		if !alloc.InMemory(real) {
			return chainWalkResult[V]{}, addr, true
		}
		recordLen := alloc.RecordLen(real)
		hdr := alloc.ReadHeader(real)
		k2 := alloc.DecodeKey(real)
		if s.comparer.Equal(k2, key) {
			if addr.IsReadCache() && s.cache != nil {
				s.cache.MarkReferenced(real)
			}
			if hdr.Tombstone() || hdr.Invalid() {
				return chainWalkResult[V]{found: true, tombstone: true, matchAddr: addr}, 0, false
			}
			v := alloc.DecodeValue(real, recordLen)
			return chainWalkResult[V]{found: true, value: v, mutable: alloc.IsMutable(real), matchAddr: addr}, 0, false
		}
		addr = hdr.PreviousAddress()
	}
	return chainWalkResult[V]{}, 0, false
}

// appendAndLink allocates a new tail record and CASes the hash entry to
// point at it: ConfirmTentative for a brand-new chain, or UpdateEntry(loc,
// expected, new) against the entry observed before this call for an
// existing one. A CAS loss surfaces as outcomeRetryNow so the caller's
// retry loop re-reads the index and tries again.
func (s *Store[K, V, I, O, C]) appendAndLink(key K, value V, tombstone bool, loc hashindex.Location, tag uint16, expected hashindex.Entry, wasExisting bool, prevAddr hlog.Address) (hlog.Address, opOutcome) {
	size := s.log.RecordSize(key, value)
	addr, buf, err := s.log.Allocate(size)
	if err != nil {
		if !wasExisting {
			// Release the tentative claim so the retry can take it again.
			s.index.ClearTentative(loc, tag)
		}
		return 0, outcomeRetryLater
	}
	h := hlog.MakeHeader(prevAddr, tombstone, false, s.inNewVersion(), false)
	s.log.WriteRecord(addr, buf, h, key, value)

	if !wasExisting {
		if !s.index.ConfirmTentative(loc, tag, uint64(addr)) {
			return addr, outcomeRetryNow
		}
		return addr, outcomeDone
	}
	newEntry := hashindex.Entry{Tag: tag, Address: uint64(addr)}
	if !s.index.UpdateEntry(loc, expected, newEntry) {
		return addr, outcomeRetryNow
	}
	return addr, outcomeDone
}

func (s *Store[K, V, I, O, C]) callReader(key K, input I, value V, mutable bool) O {
	if mutable {
		return s.fns.ConcurrentReader(key, input, value)
	}
	return s.fns.SingleReader(key, input, value)
}

// tryRead is one attempt at Read: either resolves fully in-process, or
// reports RECORD_ON_DISK with the address the caller must fault on.
func (s *Store[K, V, I, O, C]) tryRead(key K, input I) (output O, status Status, outcome opOutcome, diskAddr hlog.Address) {
	hash := s.comparer.Hash(key)
	entry, _, _, _ := s.index.FindEntry(hash)
	if entry.Address == hashindex.InvalidAddress {
		return output, StatusNotFound, outcomeDone, 0
	}
	res, da, needsDisk := s.resolveChain(hlog.Address(entry.Address), key)
	if needsDisk {
		return output, StatusPending, outcomeRecordOnDisk, da
	}
	s.metrics.reads.Inc()
	if !res.found || res.tombstone {
		return output, StatusNotFound, outcomeDone, 0
	}
	return s.callReader(key, input, res.value, res.mutable), StatusOK, outcomeDone, 0
}

// tryUpsert is one attempt at Upsert, mirroring tryRMW's dispatch: in-place
// only when the live record sits at the chain head, in the mutable region,
// and V has a fixed (blittable) layout, via ConcurrentWriter; otherwise a
// fresh record is allocated and populated through SingleWriter. Unlike RMW,
// Upsert never parks on a disk fault — a non-resident chain head just means
// no in-place target is available, so the append path is taken directly.
func (s *Store[K, V, I, O, C]) tryUpsert(key K, value V) (status Status, outcome opOutcome) {
	hash := s.comparer.Hash(key)
	loc, existing, wasExisting := s.index.FindOrCreateEntry(hash)
	prevAddr := hlog.Address(0)
	if wasExisting {
		prevAddr = hlog.Address(existing.Address)
		head := prevAddr
		res, _, needsDisk := s.resolveChain(head, key)
		if !needsDisk && res.found && !res.tombstone && res.matchAddr == head && !s.log.Codec().IsVarLen() {
			alloc := s.allocatorFor(head)
			real := head.WithoutReadCacheFlag()
			if alloc.IsMutable(real) {
				recordLen := alloc.RecordLen(real)
				buf := alloc.GetBytes(real, recordLen)
				vPtr := (*V)(unsafe.Pointer(&buf[alloc.ValueOffsetAt(real)]))
				if s.fns.ConcurrentWriter(key, value, vPtr) {
					s.metrics.upserts.Inc()
					return StatusOK, outcomeDone
				}
			}
		}
	}

	final := value
	s.fns.SingleWriter(key, value, &final)
	_, outcome = s.appendAndLink(key, final, false, loc, hashindex.Tag(hash), existing, wasExisting, prevAddr)
	if outcome == outcomeDone {
		s.metrics.upserts.Inc()
		return StatusOK, outcome
	}
	return StatusNotFound, outcome
}

// tryDelete appends a tombstone record, the same shape as Upsert with the
// value codec's Default value and the tombstone bit set.
func (s *Store[K, V, I, O, C]) tryDelete(key K) (status Status, outcome opOutcome) {
	hash := s.comparer.Hash(key)
	loc, existing, wasExisting := s.index.FindOrCreateEntry(hash)
	prevAddr := hlog.Address(0)
	if wasExisting {
		prevAddr = hlog.Address(existing.Address)
	}
	def := s.log.Codec().Default
	_, outcome = s.appendAndLink(key, def, true, loc, hashindex.Tag(hash), existing, wasExisting, prevAddr)
	if outcome == outcomeDone {
		s.metrics.deletes.Inc()
		return StatusOK, outcome
	}
	return StatusNotFound, outcome
}

// tryRMW is one attempt at RMW, implementing the InPlaceUpdater/CopyUpdater/
// InitialUpdater selection from spec §4.3: in-place only when the live
// record sits at the chain head, in the mutable region, and V has a fixed
// (blittable) layout so the update cannot change the record's size.
func (s *Store[K, V, I, O, C]) tryRMW(key K, input I) (status Status, outcome opOutcome, diskAddr hlog.Address) {
	hash := s.comparer.Hash(key)
	loc, existing, wasExisting := s.index.FindOrCreateEntry(hash)
	if !wasExisting {
		newVal := s.fns.InitialUpdater(key, input)
		_, outcome = s.appendAndLink(key, newVal, false, loc, hashindex.Tag(hash), existing, false, 0)
		return statusForOutcome(outcome), outcome, 0
	}

	head := hlog.Address(existing.Address)
	res, da, needsDisk := s.resolveChain(head, key)
	if needsDisk {
		return StatusPending, outcomeRecordOnDisk, da
	}

	if res.found && !res.tombstone && res.matchAddr == head && !s.log.Codec().IsVarLen() {
		alloc := s.allocatorFor(head)
		real := head.WithoutReadCacheFlag()
		if alloc.IsMutable(real) {
			recordLen := alloc.RecordLen(real)
			buf := alloc.GetBytes(real, recordLen)
			vPtr := (*V)(unsafe.Pointer(&buf[alloc.ValueOffsetAt(real)]))
			if s.fns.InPlaceUpdater(key, input, vPtr) {
				s.metrics.rmws.Inc()
				return StatusOK, outcomeDone, 0
			}
		}
	}

	var newVal V
	if res.found && !res.tombstone {
		newVal = s.fns.CopyUpdater(key, input, res.value)
	} else {
		newVal = s.fns.InitialUpdater(key, input)
	}
	_, outcome = s.appendAndLink(key, newVal, false, loc, hashindex.Tag(hash), existing, true, head)
	return statusForOutcome(outcome), outcome, 0
}

func statusForOutcome(o opOutcome) Status {
	if o == outcomeDone {
		return StatusOK
	}
	return StatusNotFound
}
