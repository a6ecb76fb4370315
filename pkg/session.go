package hlogkv

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hlogkv/hlogkv/internal/epoch"
)

// SessionContext identifies one logical client thread of execution across a
// process restart: its GUID and the sequence number of the last operation it
// is known to have committed, as recovered from the most recent checkpoint.
type SessionContext struct {
	GUID          string
	LastCommitted uint64
}

// Session is a single-goroutine handle bound to one epoch.Token. All Store
// operations go through a Session; sessions must not be shared across
// goroutines (mirroring the single hardware thread a FASTER session models).
type Session[K comparable, V any, I any, O any, C any] struct {
	store *Store[K, V, I, O, C]
	guid  string
	token *epoch.Token

	mu          sync.Mutex
	serialNum   uint64
	pending     map[uint64]*pendingRequest[K, V, I, O, C]
	nextPending uint64
}

// StartSession begins a brand-new session with a freshly minted GUID.
func (s *Store[K, V, I, O, C]) StartSession() (*Session[K, V, I, O, C], error) {
	return s.startSessionWithGUID(uuid.NewString())
}

// ContinueSession resumes a session recovered from a checkpoint, identified
// by the GUID recorded in its manifest. The returned SessionContext reports
// the serial number of the last operation guaranteed durable, so the caller
// knows which of its own in-flight operations to replay.
func (s *Store[K, V, I, O, C]) ContinueSession(guid string) (*Session[K, V, I, O, C], SessionContext, error) {
	s.recoveredMu.Lock()
	commit, ok := s.recoveredCommits[guid]
	s.recoveredMu.Unlock()
	if !ok {
		return nil, SessionContext{}, fmt.Errorf("%w: %s", ErrUnknownSession, guid)
	}
	sess, err := s.startSessionWithGUID(guid)
	if err != nil {
		return nil, SessionContext{}, err
	}
	sess.serialNum = commit
	return sess, SessionContext{GUID: guid, LastCommitted: commit}, nil
}

func (s *Store[K, V, I, O, C]) startSessionWithGUID(guid string) (*Session[K, V, I, O, C], error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	sess := &Session[K, V, I, O, C]{
		store:   s,
		guid:    guid,
		token:   s.epoch.Acquire(),
		pending: make(map[uint64]*pendingRequest[K, V, I, O, C]),
	}
	s.sessionsMu.Lock()
	s.sessions[guid] = sess
	s.sessionsMu.Unlock()
	return sess, nil
}

// GUID returns the session's identity, persisted into checkpoint manifests
// so a later ContinueSession call can resume it.
func (s *Session[K, V, I, O, C]) GUID() string { return s.guid }

// Refresh is spec §4.4's "each op begins by refreshing the epoch" step made
// explicit for callers that want to drive it outside of an operation (e.g.
// while idle, to let pending reclamation actions run).
func (s *Session[K, V, I, O, C]) Refresh() {
	s.store.epoch.Refresh(s.token)
}

// StopSession releases the session's epoch slot. Any pending (faulted)
// requests must be completed first, or their continuation would reference a
// dead token.
func (s *Session[K, V, I, O, C]) StopSession() error {
	s.mu.Lock()
	n := len(s.pending)
	s.mu.Unlock()
	if n != 0 {
		return fmt.Errorf("hlogkv: session %s has %d pending requests outstanding", s.guid, n)
	}
	s.store.epoch.Release(s.token)
	s.store.sessionsMu.Lock()
	delete(s.store.sessions, s.guid)
	s.store.sessionsMu.Unlock()
	return nil
}

func (s *Session[K, V, I, O, C]) nextSerial() uint64 {
	s.serialNum++
	return s.serialNum
}

// committedSerial reports the serial number of the last operation this
// session has definitely applied, for collectCommitPoints to embed into a
// checkpoint manifest.
func (s *Session[K, V, I, O, C]) committedSerial() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serialNum
}
