// Package epoch implements the safe-memory-reclamation primitive the hybrid
// log allocator (and the read cache built on it) uses to gate page reuse,
// instead of trusting the garbage collector to see the whole picture (pages
// are reused ring slots the GC never frees). The hash index does not use it:
// its replaced bucket arrays are ordinary garbage-collected memory.
//
// The design mirrors the epoch-based reclamation scheme FASTER-style engines
// use: every active thread publishes the global epoch it last observed; a
// resource scheduled for release at epoch E is only released once every
// thread has published at least E. Unlike a full RCU implementation we do
// not need grace-period callbacks to run on a background thread — drains are
// driven opportunistically by ProtectAndDrain, which callers already invoke
// on every operation.
//
// © 2025 hlogkv authors. MIT License.
package epoch

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Invalid marks a thread slot that is not currently held by any goroutine.
const Invalid int64 = 0

const maxThreads = 256

// cacheLinePad absorbs the rest of a 64-byte cache line after the two
// int64 fields below so that adjacent slots never false-share.
type threadEntry struct {
	localEpoch atomic.Int64
	threadID   atomic.Int64
	_          [64 - 16]byte
}

const drainRingSize = 128

type drainAction struct {
	epoch  int64
	action func()
}

// Manager is the epoch table. Zero value is not usable; construct with New.
type Manager struct {
	table        [maxThreads]threadEntry
	currentEpoch atomic.Int64

	mu    sync.Mutex // guards the drain ring only; never held across Acquire/Release
	ring  [drainRingSize][]drainAction
	slotG atomic.Int64 // monotonic id used to pick table slots round-robin-ish
}

// New constructs an epoch manager. currentEpoch starts at 1 (0 is reserved
// to mean "thread inactive").
func New() *Manager {
	m := &Manager{}
	m.currentEpoch.Store(1)
	for i := range m.table {
		m.table[i].threadID.Store(Invalid)
	}
	return m
}

// Token is an opaque handle a goroutine holds between Acquire and Release.
// It is not safe to share a Token across goroutines.
type Token struct {
	slot int
}

// Acquire marks the calling goroutine active and returns a Token used for
// Release/Refresh/ProtectAndDrain. It scans for a free slot starting at a
// hint that advances on every call, so concurrent Acquires start their scans
// at different slots; when every slot is held it spins, yielding, until one
// is released.
func (m *Manager) Acquire() *Token {
	hint := int(m.slotG.Add(1)) % maxThreads
	for i := 0; i < maxThreads; i++ {
		idx := (hint + i) % maxThreads
		e := &m.table[idx]
		if e.threadID.CompareAndSwap(Invalid, 1) {
			e.localEpoch.Store(m.currentEpoch.Load())
			return &Token{slot: idx}
		}
	}
	// Table exhausted: degrade gracefully by spinning briefly for a slot
	// rather than panicking — a pathological caller holding >256
	// concurrent sessions should raise this limit, but never crash.
	for {
		runtime.Gosched()
		for i := 0; i < maxThreads; i++ {
			e := &m.table[i]
			if e.threadID.CompareAndSwap(Invalid, 1) {
				e.localEpoch.Store(m.currentEpoch.Load())
				return &Token{slot: i}
			}
		}
	}
}

// Release marks the thread inactive. Any epoch bumped before Release's
// implicit final Refresh is now safe with respect to this thread.
func (m *Manager) Release(t *Token) {
	m.table[t.slot].localEpoch.Store(m.currentEpoch.Load())
	m.table[t.slot].threadID.Store(Invalid)
}

// Refresh advances this thread's locally observed epoch to the current
// global epoch, then drains any actions now safe to run.
func (m *Manager) Refresh(t *Token) {
	m.table[t.slot].localEpoch.Store(m.currentEpoch.Load())
	m.drain()
}

// ProtectAndDrain is Refresh's spec-name counterpart: enter the current
// epoch and run any drain callbacks whose trigger epoch has been reached by
// all active threads. Semantically identical to Refresh; kept as a distinct
// name because operation-engine call sites read more clearly as
// "ProtectAndDrain" at the top of a retry loop.
func (m *Manager) ProtectAndDrain(t *Token) {
	m.Refresh(t)
}

// CurrentEpoch returns the global epoch counter's present value.
func (m *Manager) CurrentEpoch() int64 {
	return m.currentEpoch.Load()
}

// ComputeSafeEpoch returns the lowest epoch observed across all active
// threads, i.e. the epoch every thread is guaranteed to have reached.
func (m *Manager) ComputeSafeEpoch() int64 {
	safe := m.currentEpoch.Load()
	for i := range m.table {
		e := &m.table[i]
		if e.threadID.Load() == Invalid {
			continue
		}
		le := e.localEpoch.Load()
		if le < safe {
			safe = le
		}
	}
	return safe
}

// BumpCurrentEpoch increments the global epoch and registers action to fire
// once every active thread has observed the new epoch (i.e. once the prior
// epoch is safe). The action is executed by whichever goroutine later calls
// Refresh/ProtectAndDrain and happens to observe the safe condition — there
// is no dedicated background drain goroutine.
func (m *Manager) BumpCurrentEpoch(action func()) int64 {
	next := m.currentEpoch.Add(1)
	if action != nil {
		m.mu.Lock()
		slot := int(next) % drainRingSize
		m.ring[slot] = append(m.ring[slot], drainAction{epoch: next, action: action})
		m.mu.Unlock()
	}
	return next
}

// drain runs and clears all pending actions whose trigger epoch is <= the
// current safe epoch.
func (m *Manager) drain() {
	safe := m.ComputeSafeEpoch()
	m.mu.Lock()
	var toRun []func()
	for slot := range m.ring {
		pending := m.ring[slot]
		if len(pending) == 0 {
			continue
		}
		kept := pending[:0]
		for _, a := range pending {
			if a.epoch <= safe {
				toRun = append(toRun, a.action)
			} else {
				kept = append(kept, a)
			}
		}
		m.ring[slot] = kept
	}
	m.mu.Unlock()
	for _, fn := range toRun {
		fn()
	}
}

// ActiveThreads reports how many slots are currently held — useful for
// diagnostics and tests.
func (m *Manager) ActiveThreads() int {
	n := 0
	for i := range m.table {
		if m.table[i].threadID.Load() != Invalid {
			n++
		}
	}
	return n
}
