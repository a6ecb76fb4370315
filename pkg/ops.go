package hlogkv

// ops.go is the public Session surface: Read/Upsert/RMW/Delete. Each method
// is a thin retry loop around the corresponding Store.try* dispatcher,
// handling outcomeRetryNow (re-read the index and try again), outcomeRetryLater
// (epoch refresh, then retry — the allocator has no room right now), and
// outcomeRecordOnDisk (hand off to the pending-I/O path and return
// StatusPending immediately).

// Read looks up key and, if present, builds an Output via the configured
// Functions.SingleReader/ConcurrentReader. ctx is only consulted if the
// record is not resident: it is threaded through to ReadCompletionCallback
// once the resulting disk fault resolves.
func (s *Session[K, V, I, O, C]) Read(key K, input I, ctx C) (O, Status) {
	store := s.store
	for {
		store.epoch.Refresh(s.token)
		out, status, outcome, diskAddr := store.tryRead(key, input)
		switch outcome {
		case outcomeDone:
			s.markCommitted()
			return out, status
		case outcomeRetryNow:
			continue
		case outcomeRetryLater:
			continue
		case outcomeRecordOnDisk:
			s.issuePendingRead(key, input, ctx, diskAddr)
			s.markCommitted()
			var zero O
			return zero, StatusPending
		}
	}
}

// Upsert writes value for key unconditionally: in place via
// Functions.ConcurrentWriter when the chain head is a mutable, fixed-layout
// record, otherwise by appending a fresh record via Functions.SingleWriter
// (see Store.tryUpsert).
func (s *Session[K, V, I, O, C]) Upsert(key K, value V) Status {
	store := s.store
	for {
		store.epoch.Refresh(s.token)
		status, outcome := store.tryUpsert(key, value)
		switch outcome {
		case outcomeDone:
			s.markCommitted()
			return status
		case outcomeRetryNow, outcomeRetryLater:
			continue
		default:
			s.markCommitted()
			return status
		}
	}
}

// RMW applies input to key's value via InitialUpdater/InPlaceUpdater/
// CopyUpdater, or parks as a pending request if the current record is on
// disk.
func (s *Session[K, V, I, O, C]) RMW(key K, input I, ctx C) Status {
	store := s.store
	for {
		store.epoch.Refresh(s.token)
		status, outcome, diskAddr := store.tryRMW(key, input)
		switch outcome {
		case outcomeDone:
			s.markCommitted()
			return status
		case outcomeRetryNow, outcomeRetryLater:
			continue
		case outcomeRecordOnDisk:
			s.issuePendingRMW(key, input, ctx, diskAddr)
			s.markCommitted()
			return StatusPending
		}
	}
}

// Delete appends a tombstone record for key.
func (s *Session[K, V, I, O, C]) Delete(key K) Status {
	store := s.store
	for {
		store.epoch.Refresh(s.token)
		status, outcome := store.tryDelete(key)
		switch outcome {
		case outcomeRetryNow, outcomeRetryLater:
			continue
		default:
			s.markCommitted()
			return status
		}
	}
}

func (s *Session[K, V, I, O, C]) markCommitted() {
	s.mu.Lock()
	s.nextSerial()
	s.mu.Unlock()
}
