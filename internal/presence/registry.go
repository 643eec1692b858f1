// Package presence tracks live connections, cursors and typing flags per
// collaboration session. All state is in memory and derived from the
// connections that are currently open; nothing here blocks on I/O.
package presence

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"collab/api/internal/collab"
)

const shardCount = 32

// Set is a membership set of connection ids.
type Set map[string]struct{}

type connEntry struct {
	sessionID collab.SessionID
	userID    collab.UserID
}

type connShard struct {
	mu    sync.Mutex
	conns map[string]connEntry
}

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[collab.SessionID]*sessionState
}

type userShard struct {
	mu    sync.RWMutex
	conns map[collab.UserID]map[string]collab.SessionID
}

// sessionState holds everything known about one session. Once dead is set the
// state has been unlinked from its shard and must not be written again.
type sessionState struct {
	mu      sync.RWMutex
	dead    bool
	conns   map[string]collab.UserID
	users   map[collab.UserID]Set
	cursors map[collab.UserID]int
	typing  map[collab.UserID]struct{}
}

func newSessionState() *sessionState {
	return &sessionState{
		conns:   make(map[string]collab.UserID),
		users:   make(map[collab.UserID]Set),
		cursors: make(map[collab.UserID]int),
		typing:  make(map[collab.UserID]struct{}),
	}
}

// Registry is safe for concurrent use. Connections, sessions and users are each
// spread over independent shards, and every session carries its own lock, so
// traffic in one session never waits on another.
//
// Lock order is connection shard, then session state, then user shard. The
// session shard lock is only held to look up, insert or unlink a session state
// and never while another lock is acquired.
type Registry struct {
	conns    [shardCount]connShard
	sessions [shardCount]sessionShard
	users    [shardCount]userShard
	closed   atomic.Bool
}

func New() *Registry {
	r := &Registry{}
	for i := 0; i < shardCount; i++ {
		r.conns[i].conns = make(map[string]connEntry)
		r.sessions[i].sessions = make(map[collab.SessionID]*sessionState)
		r.users[i].conns = make(map[collab.UserID]map[string]collab.SessionID)
	}
	return r
}

// Close drops all state. Further AddToSession calls are ignored; reads keep
// returning empty results.
func (r *Registry) Close() {
	r.closed.Store(true)
	for i := 0; i < shardCount; i++ {
		shard := &r.conns[i]
		shard.mu.Lock()
		shard.conns = make(map[string]connEntry)
		shard.mu.Unlock()
	}
	for i := 0; i < shardCount; i++ {
		shard := &r.sessions[i]
		shard.mu.Lock()
		for _, state := range shard.sessions {
			state.mu.Lock()
			state.dead = true
			state.mu.Unlock()
		}
		shard.sessions = make(map[collab.SessionID]*sessionState)
		shard.mu.Unlock()
	}
	for i := 0; i < shardCount; i++ {
		shard := &r.users[i]
		shard.mu.Lock()
		shard.conns = make(map[collab.UserID]map[string]collab.SessionID)
		shard.mu.Unlock()
	}
}

func (r *Registry) connShard(connID string) *connShard {
	return &r.conns[xxhash.Sum64String(connID)%shardCount]
}

func (r *Registry) sessionShard(sessionID collab.SessionID) *sessionShard {
	return &r.sessions[xxhash.Sum64(sessionID[:])%shardCount]
}

func (r *Registry) userShard(userID collab.UserID) *userShard {
	return &r.users[xxhash.Sum64(userID[:])%shardCount]
}

// AddToSession records that connID belongs to userID in sessionID. Repeating
// the call is a no-op. A connection already registered in another session is
// moved. A user may hold any number of connections in the same session.
func (r *Registry) AddToSession(connID string, sessionID collab.SessionID, userID collab.UserID) {
	if connID == "" || r.closed.Load() {
		return
	}
	shard := r.connShard(connID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry := connEntry{sessionID: sessionID, userID: userID}
	if prev, ok := shard.conns[connID]; ok {
		if prev == entry {
			return
		}
		r.detach(connID, prev)
	}

	state := r.acquireSession(sessionID)
	state.conns[connID] = userID
	set, ok := state.users[userID]
	if !ok {
		set = make(Set)
		state.users[userID] = set
	}
	set[connID] = struct{}{}
	state.mu.Unlock()

	users := r.userShard(userID)
	users.mu.Lock()
	byUser, ok := users.conns[userID]
	if !ok {
		byUser = make(map[string]collab.SessionID)
		users.conns[userID] = byUser
	}
	byUser[connID] = sessionID
	users.mu.Unlock()

	shard.conns[connID] = entry
}

// RemoveFromSession drops connID from sessionID. It does nothing when the
// connection is unknown or registered in a different session.
func (r *Registry) RemoveFromSession(connID string, sessionID collab.SessionID) {
	r.removeFromSession(connID, sessionID)
}

func (r *Registry) removeFromSession(connID string, sessionID collab.SessionID) bool {
	shard := r.connShard(connID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.conns[connID]
	if !ok || entry.sessionID != sessionID {
		return false
	}
	delete(shard.conns, connID)
	r.detach(connID, entry)
	return true
}

// DropSession removes every connection registered in sessionID and returns
// the ones it removed. Connections added afterwards start a fresh state.
func (r *Registry) DropSession(sessionID collab.SessionID) []Connection {
	var dropped []Connection
	for _, conn := range r.GetSessionConnections(sessionID) {
		if r.removeFromSession(conn.ID, sessionID) {
			dropped = append(dropped, conn)
		}
	}
	return dropped
}

// Connection describes where a live connection is registered.
type Connection struct {
	ID        string
	SessionID collab.SessionID
	UserID    collab.UserID
}

// CleanupConnection removes every trace of connID and returns what it was
// registered as. It is the teardown path for a terminated connection.
func (r *Registry) CleanupConnection(connID string) (Connection, bool) {
	shard := r.connShard(connID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.conns[connID]
	if !ok {
		return Connection{}, false
	}
	delete(shard.conns, connID)
	r.detach(connID, entry)
	return Connection{ID: connID, SessionID: entry.sessionID, UserID: entry.userID}, true
}

// acquireSession returns the live state for sessionID, creating it if needed,
// with its write lock held.
func (r *Registry) acquireSession(sessionID collab.SessionID) *sessionState {
	shard := r.sessionShard(sessionID)
	for {
		shard.mu.Lock()
		state, ok := shard.sessions[sessionID]
		if !ok {
			state = newSessionState()
			shard.sessions[sessionID] = state
		}
		shard.mu.Unlock()

		state.mu.Lock()
		if !state.dead {
			return state
		}
		// Unlinked between lookup and lock; look again.
		state.mu.Unlock()
	}
}

func (r *Registry) lookupSession(sessionID collab.SessionID) *sessionState {
	shard := r.sessionShard(sessionID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return shard.sessions[sessionID]
}

// detach removes connID from its session and user indexes. The caller holds
// the connection's shard lock.
func (r *Registry) detach(connID string, entry connEntry) {
	if state := r.lookupSession(entry.sessionID); state != nil {
		state.mu.Lock()
		empty := false
		if !state.dead {
			delete(state.conns, connID)
			if set, ok := state.users[entry.userID]; ok {
				delete(set, connID)
				if len(set) == 0 {
					delete(state.users, entry.userID)
					delete(state.cursors, entry.userID)
					delete(state.typing, entry.userID)
				}
			}
			if len(state.conns) == 0 {
				state.dead = true
				empty = true
			}
		}
		state.mu.Unlock()

		if empty {
			shard := r.sessionShard(entry.sessionID)
			shard.mu.Lock()
			if shard.sessions[entry.sessionID] == state {
				delete(shard.sessions, entry.sessionID)
			}
			shard.mu.Unlock()
		}
	}

	users := r.userShard(entry.userID)
	users.mu.Lock()
	if byUser, ok := users.conns[entry.userID]; ok {
		delete(byUser, connID)
		if len(byUser) == 0 {
			delete(users.conns, entry.userID)
		}
	}
	users.mu.Unlock()
}

// UpdateCursorPosition stores the user's latest cursor offset in the session.
// Last write wins. It reports false, and stores nothing, when the user has no
// live connection in the session.
func (r *Registry) UpdateCursorPosition(sessionID collab.SessionID, userID collab.UserID, position int) bool {
	state := r.lookupSession(sessionID)
	if state == nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.dead || len(state.users[userID]) == 0 {
		return false
	}
	state.cursors[userID] = position
	return true
}

// UpdateTypingStatus sets or clears the user's typing flag. Clearing after a
// period of silence is left to the caller. Like UpdateCursorPosition it
// ignores users without a live connection in the session.
func (r *Registry) UpdateTypingStatus(sessionID collab.SessionID, userID collab.UserID, typing bool) bool {
	state := r.lookupSession(sessionID)
	if state == nil {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.dead || len(state.users[userID]) == 0 {
		return false
	}
	if typing {
		state.typing[userID] = struct{}{}
	} else {
		delete(state.typing, userID)
	}
	return true
}
