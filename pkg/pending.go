package hlogkv

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hlogkv/hlogkv/internal/hashindex"
	"github.com/hlogkv/hlogkv/internal/hlog"
)

// pendingKind distinguishes the two operations that can fault to disk.
type pendingKind int

const (
	pendingRead pendingKind = iota
	pendingRMW
)

// pendingRequest tracks one in-flight disk fault, keyed by a per-session
// monotonic id so GetPendingRequests can report it and CompletePending can
// wait for it.
type pendingRequest[K comparable, V any, I any, O any, C any] struct {
	id   uint64
	kind pendingKind
	key  K
	input I
	ctx  C
	addr hlog.Address
}

// PendingDescriptor is the public view GetPendingRequests returns.
type PendingDescriptor struct {
	ID   uint64
	Kind string
}

func (k pendingKind) String() string {
	if k == pendingRMW {
		return "RMW"
	}
	return "READ"
}

func faultGroupKey(addr hlog.Address) string {
	return fmt.Sprintf("%d", uint64(addr))
}

// readDiskRecord blocks until the bytes at addr have been read from the
// owning allocator's Device, deduplicating concurrent faults on the same
// address the way the teacher's loaderGroup deduplicated concurrent page
// loads for the same key.
func (s *Store[K, V, I, O, C]) readDiskRecord(addr hlog.Address) ([]byte, error) {
	alloc := s.allocatorFor(addr)
	real := addr.WithoutReadCacheFlag()
	segment, offset, maxLen := alloc.LocateOnDisk(real)

	v, err, _ := s.faultGroup.Do(faultGroupKey(addr), func() (interface{}, error) {
		buf := make([]byte, maxLen)
		resultCh := make(chan error, 1)
		alloc.Device().ReadAsync(context.Background(), segment, offset, buf, func(_ int, err error) {
			resultCh <- err
		})
		if err := <-resultCh; err != nil {
			return nil, err
		}
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// resolveDiskChain continues a resolveChain walk once the first non-resident
// hop has been read off disk: it keeps following previous-address links,
// issuing one disk read per non-resident hop, until it finds a matching key,
// a tombstone, or the chain ends.
func (s *Store[K, V, I, O, C]) resolveDiskChain(start hlog.Address, key K) (found, tombstone bool, value V, err error) {
	addr := start
	for addr != hlog.InvalidAddress {
		alloc := s.allocatorFor(addr)
		real := addr.WithoutReadCacheFlag()
		if alloc.InMemory(real) {
			recordLen := alloc.RecordLen(real)
			hdr := alloc.ReadHeader(real)
			k2 := alloc.DecodeKey(real)
			if s.comparer.Equal(k2, key) {
				if hdr.Tombstone() || hdr.Invalid() {
					return true, true, value, nil
				}
				return true, false, alloc.DecodeValue(real, recordLen), nil
			}
			addr = hdr.PreviousAddress()
			continue
		}
		buf, rerr := s.readDiskRecord(addr)
		if rerr != nil {
			return false, false, value, rerr
		}
		hdr, k2, v, _ := hlog.DecodeRecordBytes[K, V](buf, s.log.Codec())
		if s.comparer.Equal(k2, key) {
			if hdr.Tombstone() || hdr.Invalid() {
				return true, true, value, nil
			}
			return true, false, v, nil
		}
		addr = hdr.PreviousAddress()
	}
	return false, false, value, nil
}

// issuePendingRead registers a pending read and drives it to completion in
// its own goroutine, invoking Functions.ReadCompletionCallback once resolved
// (the caller has already returned StatusPending to its own caller).
func (s *Session[K, V, I, O, C]) issuePendingRead(key K, input I, ctx C, addr hlog.Address) uint64 {
	id := s.nextPendingID()
	pr := &pendingRequest[K, V, I, O, C]{id: id, kind: pendingRead, key: key, input: input, ctx: ctx, addr: addr}
	s.mu.Lock()
	s.pending[id] = pr
	s.mu.Unlock()
	s.store.metrics.pendingRequests.Inc()
	if s.store.cache != nil {
		s.store.cache.RecordMiss()
	}

	go func() {
		found, tombstone, value, err := s.store.resolveDiskChain(addr, key)
		var output O
		status := StatusNotFound
		if err == nil && found && !tombstone {
			output = s.store.fns.SingleReader(key, input, value)
			status = StatusOK
			s.store.maybePopulateReadCache(key, value)
		}
		if s.store.fns.ReadCompletionCallback != nil {
			s.store.fns.ReadCompletionCallback(ctx, key, input, output, status)
		}
		s.completePending(id)
	}()
	return id
}

// issuePendingRMW mirrors issuePendingRead for RMW: once the on-disk value
// (or its absence) is known, it applies InitialUpdater/CopyUpdater and
// appends the result, then fires RMWCompletionCallback.
func (s *Session[K, V, I, O, C]) issuePendingRMW(key K, input I, ctx C, addr hlog.Address) uint64 {
	id := s.nextPendingID()
	pr := &pendingRequest[K, V, I, O, C]{id: id, kind: pendingRMW, key: key, input: input, ctx: ctx, addr: addr}
	s.mu.Lock()
	s.pending[id] = pr
	s.mu.Unlock()
	s.store.metrics.pendingRequests.Inc()

	go func() {
		store := s.store
		found, tombstone, value, err := store.resolveDiskChain(addr, key)
		status := StatusNotFound
		if err == nil {
			var newVal V
			if found && !tombstone {
				newVal = store.fns.CopyUpdater(key, input, value)
			} else {
				newVal = store.fns.InitialUpdater(key, input)
			}
			status = store.finishPendingRMW(key, newVal)
		}
		if store.fns.RMWCompletionCallback != nil {
			store.fns.RMWCompletionCallback(ctx, key, input, status)
		}
		s.completePending(id)
	}()
	return id
}

// finishPendingRMW links the newly computed value into the hash chain,
// retrying the CAS against whatever the entry now points at until it wins or
// the allocator reports no room — a concurrent writer may have appended its
// own record for this key while the disk fault was in flight.
func (s *Store[K, V, I, O, C]) finishPendingRMW(key K, newVal V) Status {
	hash := s.comparer.Hash(key)
	for {
		loc, existing, wasExisting := s.index.FindOrCreateEntry(hash)
		prevAddr := hlog.Address(0)
		if wasExisting {
			prevAddr = hlog.Address(existing.Address)
		}
		_, outcome := s.appendAndLink(key, newVal, false, loc, hashindex.Tag(hash), existing, wasExisting, prevAddr)
		if outcome == outcomeDone {
			s.metrics.rmws.Inc()
			return StatusOK
		}
		if outcome == outcomeRetryLater {
			return StatusNotFound
		}
	}
}

// maybePopulateReadCache best-effort inserts a disk-resolved value into the
// read cache and links it at the chain head via a single CAS attempt; losing
// the race (another writer already moved the head) is harmless, so no retry
// loop is needed here.
func (s *Store[K, V, I, O, C]) maybePopulateReadCache(key K, value V) {
	if s.cache == nil {
		return
	}
	hash := s.comparer.Hash(key)
	entry, loc, _, _ := s.index.FindEntry(hash)
	if entry.Address == hashindex.InvalidAddress {
		return
	}
	prev := hlog.Address(entry.Address)
	addr, err := s.cache.Insert(key, value, prev)
	if err != nil {
		return
	}
	newEntry := hashindex.Entry{Tag: entry.Tag, Address: uint64(addr.WithReadCacheFlag())}
	s.index.UpdateEntry(loc, entry, newEntry)
}

func (s *Session[K, V, I, O, C]) nextPendingID() uint64 {
	return atomic.AddUint64(&s.nextPending, 1)
}

func (s *Session[K, V, I, O, C]) completePending(id uint64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
	s.store.metrics.pendingRequests.Dec()
}

// CompletePending reports pending (disk-fault) requests. When wait is true
// it blocks, refreshing the epoch between checks, until every request
// outstanding at call time has resolved.
func (s *Session[K, V, I, O, C]) CompletePending(wait bool) bool {
	for {
		s.mu.Lock()
		n := len(s.pending)
		s.mu.Unlock()
		if n == 0 || !wait {
			return n == 0
		}
		s.store.epoch.Refresh(s.token)
	}
}

// GetPendingRequests lists this session's currently outstanding disk faults.
func (s *Session[K, V, I, O, C]) GetPendingRequests() []PendingDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingDescriptor, 0, len(s.pending))
	for _, pr := range s.pending {
		out = append(out, PendingDescriptor{ID: pr.id, Kind: pr.kind.String()})
	}
	return out
}
