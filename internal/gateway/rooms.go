package gateway

import (
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
)

// roomRegistry tracks which local sessions are in which board room. Each board has its own
// mutex while anyone holds or waits for it; holding it while applying and fanning out a
// message keeps per-room delivery order equal to apply order.
type roomRegistry struct {
	mu    sync.RWMutex
	rooms map[boards.BoardID]map[int64]*Session

	locksMu sync.Mutex
	locks   map[boards.BoardID]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{
		rooms: make(map[boards.BoardID]map[int64]*Session),
		locks: make(map[boards.BoardID]*roomLock),
	}
}

// lock blocks until the board's room lock is held and returns its release function. The
// entry is dropped once the last holder or waiter releases it.
func (r *roomRegistry) lock(boardID boards.BoardID) func() {
	r.locksMu.Lock()
	entry, ok := r.locks[boardID]
	if !ok {
		entry = &roomLock{}
		r.locks[boardID] = entry
	}
	entry.refs++
	r.locksMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		r.locksMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(r.locks, boardID)
		}
		r.locksMu.Unlock()
	}
}

// add registers the session and reports whether it is the user's first local session in the room.
func (r *roomRegistry) add(boardID boards.BoardID, session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[boardID]
	if !ok {
		members = make(map[int64]*Session)
		r.rooms[boardID] = members
	}
	first := true
	for id, member := range members {
		if id != session.id && member.userID == session.userID {
			first = false
			break
		}
	}
	members[session.id] = session
	return first
}

// remove unregisters the session and reports whether the user has no local session left in
// the room. It reports false when the session was not registered.
func (r *roomRegistry) remove(boardID boards.BoardID, session *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[boardID]
	if _, ok := members[session.id]; !ok {
		return false
	}
	delete(members, session.id)
	if len(members) == 0 {
		delete(r.rooms, boardID)
		return true
	}
	for _, member := range members {
		if member.userID == session.userID {
			return false
		}
	}
	return true
}

// members returns the room's sessions ordered by id.
func (r *roomRegistry) members(boardID boards.BoardID) []*Session {
	r.mu.RLock()
	members := r.rooms[boardID]
	copies := make([]*Session, 0, len(members))
	for _, member := range members {
		copies = append(copies, member)
	}
	r.mu.RUnlock()
	sort.Slice(copies, func(i, j int) bool {
		return copies[i].id < copies[j].id
	})
	return copies
}

// others returns the room's sessions except the origin.
func (r *roomRegistry) others(boardID boards.BoardID, origin *Session) []*Session {
	all := r.members(boardID)
	others := all[:0]
	for _, member := range all {
		if member.id != origin.id {
			others = append(others, member)
		}
	}
	return others
}

// sessionsOf returns the room's sessions that belong to any of the given users.
func (r *roomRegistry) sessionsOf(boardID boards.BoardID, userIDs map[string]struct{}) []*Session {
	all := r.members(boardID)
	matched := all[:0]
	for _, member := range all {
		if _, ok := userIDs[member.userID.String()]; ok {
			matched = append(matched, member)
		}
	}
	return matched
}
