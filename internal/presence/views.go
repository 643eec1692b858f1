package presence

import (
	"sort"

	"github.com/samber/lo"

	"collab/api/internal/collab"
)

func (r *Registry) GetConnectionSession(connID string) (collab.SessionID, bool) {
	conn, ok := r.GetConnection(connID)
	return conn.SessionID, ok
}

func (r *Registry) GetConnection(connID string) (Connection, bool) {
	shard := r.connShard(connID)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return Connection{ID: connID, SessionID: entry.sessionID, UserID: entry.userID}, true
}

// GetUserConnections lists the user's connections across all sessions.
func (r *Registry) GetUserConnections(userID collab.UserID) []Connection {
	shard := r.userShard(userID)
	shard.mu.RLock()
	out := make([]Connection, 0, len(shard.conns[userID]))
	for connID, sessionID := range shard.conns[userID] {
		out = append(out, Connection{ID: connID, SessionID: sessionID, UserID: userID})
	}
	shard.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) IsUserConnected(userID collab.UserID) bool {
	shard := r.userShard(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	return len(shard.conns[userID]) > 0
}

// withSession runs fn under the session's read lock. fn is not called for
// unknown sessions.
func (r *Registry) withSession(sessionID collab.SessionID, fn func(state *sessionState)) {
	state := r.lookupSession(sessionID)
	if state == nil {
		return
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	if state.dead {
		return
	}
	fn(state)
}

func (r *Registry) GetSessionUsers(sessionID collab.SessionID) []collab.UserID {
	var users []collab.UserID
	r.withSession(sessionID, func(state *sessionState) {
		users = lo.Keys(state.users)
	})
	sortIDs(users)
	return nonNil(users)
}

func (r *Registry) GetSessionConnections(sessionID collab.SessionID) []Connection {
	var out []Connection
	r.withSession(sessionID, func(state *sessionState) {
		out = make([]Connection, 0, len(state.conns))
		for connID, userID := range state.conns {
			out = append(out, Connection{ID: connID, SessionID: sessionID, UserID: userID})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return nonNil(out)
}

func (r *Registry) GetSessionConnectionCount(sessionID collab.SessionID) int {
	count := 0
	r.withSession(sessionID, func(state *sessionState) {
		count = len(state.conns)
	})
	return count
}

// UserConnectionCount counts the user's live connections within one session.
func (r *Registry) UserConnectionCount(sessionID collab.SessionID, userID collab.UserID) int {
	count := 0
	r.withSession(sessionID, func(state *sessionState) {
		count = len(state.users[userID])
	})
	return count
}

func (r *Registry) GetCursorPosition(sessionID collab.SessionID, userID collab.UserID) (int, bool) {
	var (
		position int
		ok       bool
	)
	r.withSession(sessionID, func(state *sessionState) {
		position, ok = state.cursors[userID]
	})
	return position, ok
}

func (r *Registry) GetAllCursorPositions(sessionID collab.SessionID) map[collab.UserID]int {
	out := make(map[collab.UserID]int)
	r.withSession(sessionID, func(state *sessionState) {
		for userID, position := range state.cursors {
			out[userID] = position
		}
	})
	return out
}

func (r *Registry) GetTypingUsers(sessionID collab.SessionID) []collab.UserID {
	var users []collab.UserID
	r.withSession(sessionID, func(state *sessionState) {
		users = lo.Keys(state.typing)
	})
	sortIDs(users)
	return nonNil(users)
}

// UserPresence is one user's live state in a session.
type UserPresence struct {
	UserID      collab.UserID
	Connections int
	Cursor      *int
	Typing      bool
}

// Snapshot is a consistent view of one session taken under a single lock.
type Snapshot struct {
	SessionID   collab.SessionID
	Connections int
	Users       []UserPresence
}

func (r *Registry) Snapshot(sessionID collab.SessionID) Snapshot {
	snapshot := Snapshot{SessionID: sessionID, Users: []UserPresence{}}
	r.withSession(sessionID, func(state *sessionState) {
		snapshot.Connections = len(state.conns)
		for userID, set := range state.users {
			item := UserPresence{UserID: userID, Connections: len(set)}
			if position, ok := state.cursors[userID]; ok {
				item.Cursor = &position
			}
			_, item.Typing = state.typing[userID]
			snapshot.Users = append(snapshot.Users, item)
		}
	})
	sort.Slice(snapshot.Users, func(i, j int) bool {
		return snapshot.Users[i].UserID.String() < snapshot.Users[j].UserID.String()
	})
	return snapshot
}

type Stats struct {
	Connections int
	Sessions    int
	Users       int
}

// Stats walks every shard; counts from different shards are not taken at the
// same instant.
func (r *Registry) Stats() Stats {
	var stats Stats
	for i := 0; i < shardCount; i++ {
		conns := &r.conns[i]
		conns.mu.Lock()
		stats.Connections += len(conns.conns)
		conns.mu.Unlock()

		sessions := &r.sessions[i]
		sessions.mu.RLock()
		stats.Sessions += len(sessions.sessions)
		sessions.mu.RUnlock()

		users := &r.users[i]
		users.mu.RLock()
		stats.Users += len(users.conns)
		users.mu.RUnlock()
	}
	return stats
}

func sortIDs(ids []collab.UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
