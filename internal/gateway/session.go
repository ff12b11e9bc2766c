package gateway

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/boardsync/internal/auth"
	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
)

// Session is one authenticated connection. Outbound payloads are queued on a bounded
// channel drained by the connection's writer; a session whose queue is full is closed.
type Session struct {
	id       int64
	identity auth.Identity
	userID   boards.UserID
	send     chan []byte
	done     chan struct{}

	closeOnce   sync.Once
	cleanupOnce sync.Once

	mu     sync.Mutex
	joined map[boards.BoardID]struct{}
}

func newSession(id int64, identity auth.Identity, userID boards.UserID, buffer int) *Session {
	return &Session{
		id:       id,
		identity: identity,
		userID:   userID,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		joined:   make(map[boards.BoardID]struct{}),
	}
}

// ID returns the process-unique session identifier.
func (s *Session) ID() int64 {
	return s.id
}

// UserID returns the verified user behind the session.
func (s *Session) UserID() boards.UserID {
	return s.userID
}

// Identity returns the verified identity behind the session.
func (s *Session) Identity() auth.Identity {
	return s.identity
}

// Outbound returns the queue of encoded payloads awaiting delivery.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close marks the session closed. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks; a full queue means the consumer cannot keep up and the session
// is closed instead of stalling fan-out to everyone else.
func (s *Session) enqueue(payload []byte) bool {
	if s.closed() {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		s.Close()
		return false
	}
}

func (s *Session) isJoined(boardID boards.BoardID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.joined[boardID]
	return ok
}

func (s *Session) markJoined(boardID boards.BoardID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joined[boardID] = struct{}{}
}

func (s *Session) markLeft(boardID boards.BoardID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, boardID)
}

func (s *Session) joinedBoards() []boards.BoardID {
	s.mu.Lock()
	defer s.mu.Unlock()
	boardIDs := make([]boards.BoardID, 0, len(s.joined))
	for boardID := range s.joined {
		boardIDs = append(boardIDs, boardID)
	}
	sort.Slice(boardIDs, func(i, j int) bool {
		return boardIDs[i] < boardIDs[j]
	})
	return boardIDs
}
