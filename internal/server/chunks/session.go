package chunks

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/dmitrijs2005/cipherdrop/internal/common"
)

type sessionKey struct {
	token    string
	uploadID string
}

func (k sessionKey) dir() string {
	return path.Join(k.token, k.uploadID)
}

func (k sessionKey) slot(index int) string {
	return path.Join(k.token, k.uploadID, fmt.Sprintf("chunk-%d", index))
}

type sessionState int

const (
	stateOpen sessionState = iota
	stateFinalizing
	stateFinalized
	stateAbandoned
)

// session tracks one chunked upload attempt. All fields after mu are
// guarded by it; key, total and createdAt are immutable.
type session struct {
	key       sessionKey
	total     int
	createdAt time.Time

	// pending counts Accept calls holding the session; guarded by Assembler.mu.
	pending int

	mu         sync.Mutex
	state      sessionState
	chunks     map[int]int64
	bytes      int64
	wrappedKey string
	filename   string
}

func newSession(key sessionKey, total int, wrappedKey, filename string, now time.Time) *session {
	return &session{
		key:        key,
		total:      total,
		createdAt:  now,
		chunks:     make(map[int]int64, total),
		wrappedKey: wrappedKey,
		filename:   filename,
	}
}

// acceptingLocked maps a non-open state to the error a chunk or finalize
// request should see.
func (s *session) acceptingLocked() error {
	switch s.state {
	case stateOpen:
		return nil
	case stateAbandoned:
		return common.ErrUploadSessionNotFound
	default:
		return common.ErrAlreadyFinalized
	}
}

func (s *session) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acceptingLocked()
}

// commit records a staged chunk of size bytes at index. place moves the
// staged bytes into the slot and runs under the session lock so a concurrent
// finalize never sees a recorded chunk without its file. It returns the size
// previously recorded for index.
func (s *session) commit(index int, size, maxBytes int64, wrappedKey, filename string, place func() error) (Progress, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked(); err != nil {
		return Progress{}, 0, err
	}

	old := s.chunks[index]
	if s.bytes-old+size > maxBytes {
		return Progress{}, 0, fmt.Errorf("%w: upload exceeds %d bytes", common.ErrSizeLimitExceeded, maxBytes)
	}

	if err := place(); err != nil {
		return Progress{}, 0, fmt.Errorf("%w: %v", common.ErrStagingIO, err)
	}

	s.chunks[index] = size
	s.bytes += size - old
	if s.wrappedKey == "" {
		s.wrappedKey = wrappedKey
	}
	if s.filename == "" {
		s.filename = filename
	}

	return s.progressLocked(), old, nil
}

func (s *session) progressLocked() Progress {
	return Progress{Received: len(s.chunks), Total: s.total, Complete: len(s.chunks) == s.total}
}

type finalizeSnapshot struct {
	wrappedKey string
	filename   string
}

// beginFinalize moves an open, complete session to finalizing.
func (s *session) beginFinalize() (finalizeSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked(); err != nil {
		return finalizeSnapshot{}, err
	}
	if len(s.chunks) < s.total {
		return finalizeSnapshot{}, &common.IncompleteUploadError{Received: len(s.chunks), Expected: s.total}
	}

	s.state = stateFinalizing
	return finalizeSnapshot{wrappedKey: s.wrappedKey, filename: s.filename}, nil
}

// reopen returns a finalizing session to open after a retryable failure.
func (s *session) reopen() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateFinalizing {
		s.state = stateOpen
	}
}

// close marks the session terminal and returns the staged byte count to
// release.
func (s *session) close(to sessionState) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = to
	n := s.bytes
	s.bytes = 0
	return n
}

// discardIfEmpty abandons an open session that has no staged chunk.
func (s *session) discardIfEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen || len(s.chunks) > 0 {
		return false
	}
	s.state = stateAbandoned
	return true
}

// tryAbandon closes an open session. A session being finalized is left alone.
func (s *session) tryAbandon() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateOpen {
		return 0, false
	}
	s.state = stateAbandoned
	n := s.bytes
	s.bytes = 0
	return n, true
}
