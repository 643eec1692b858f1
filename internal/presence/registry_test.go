package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"collab/api/internal/collab"
)

func TestRegistry_AddToSession_Idempotent(t *testing.T) {
	req := require.New(t)
	registry := New()
	sessionID, userID := collab.NewID(), collab.NewID()

	// When the same connection is added twice
	registry.AddToSession("c1", sessionID, userID)
	registry.AddToSession("c1", sessionID, userID)

	// Then membership is not duplicated
	req.Equal([]collab.UserID{userID}, registry.GetSessionUsers(sessionID))
	req.Equal(1, registry.GetSessionConnectionCount(sessionID))
	req.Len(registry.GetUserConnections(userID), 1)
	req.Equal(Stats{Connections: 1, Sessions: 1, Users: 1}, registry.Stats())
}

func TestRegistry_AddThenRemove_RestoresUsers(t *testing.T) {
	req := require.New(t)
	registry := New()
	sessionID := collab.NewID()
	existing, newcomer := collab.NewID(), collab.NewID()
	registry.AddToSession("existing", sessionID, existing)
	before := registry.GetSessionUsers(sessionID)

	registry.AddToSession("c2", sessionID, newcomer)
	registry.RemoveFromSession("c2", sessionID)

	req.Equal(before, registry.GetSessionUsers(sessionID))
	req.False(registry.IsUserConnected(newcomer))
	_, ok := registry.GetConnectionSession("c2")
	req.False(ok)
}

func TestRegistry_AddThenRemove_EmptySession(t *testing.T) {
	req := require.New(t)
	registry := New()
	sessionID := collab.NewID()

	registry.AddToSession("c1", sessionID, collab.NewID())
	registry.RemoveFromSession("c1", sessionID)

	req.Empty(registry.GetSessionUsers(sessionID))
	req.Equal(Stats{}, registry.Stats())
}

func TestRegistry_RemoveFromSession_WrongSessionIgnored(t *testing.T) {
	req := require.New(t)
	registry := New()
	sessionID, userID := collab.NewID(), collab.NewID()
	registry.AddToSession("c1", sessionID, userID)

	registry.RemoveFromSession("c1", collab.NewID())
	registry.RemoveFromSession("unknown", sessionID)

	req.Equal(1, registry.GetSessionConnectionCount(sessionID))
}

func TestRegistry_MultipleConnections_SameUser(t *testing.T) {
	req := require.New(t)
	registry := New()
	sessionID, user := collab.NewID(), collab.NewID()

	// Given a user with two tabs open
	registry.AddToSession("tab-1", sessionID, user)
	registry.AddToSession("tab-2", sessionID, user)
	req.True(registry.UpdateCursorPosition(sessionID, user, 5))
	req.True(registry.UpdateTypingStatus(sessionID, user, true))
	req.Equal(2, registry.UserConnectionCount(sessionID, user))

	// When the first one goes away the user stays present
	conn, ok := registry.CleanupConnection("tab-1")
	req.True(ok)
	req.Equal(Connection{ID: "tab-1", SessionID: sessionID, UserID: user}, conn)
	req.Equal([]collab.UserID{user}, registry.GetSessionUsers(sessionID))
	position, ok := registry.GetCursorPosition(sessionID, user)
	req.True(ok)
	req.Equal(5, position)

	// When the second one goes away the user and their state are gone
	_, ok = registry.CleanupConnection("tab-2")
	req.True(ok)
	req.Empty(registry.GetSessionUsers(sessionID))
	req.Empty(registry.GetTypingUsers(sessionID))
	req.Empty(registry.GetAllCursorPositions(sessionID))
	req.False(registry.IsUserConnected(user))

	// And a second cleanup is harmless
	_, ok = registry.CleanupConnection("tab-2")
	req.False(ok)
}

func TestRegistry_UserAcrossSessions(t *testing.T) {
	req := require.New(t)
	registry := New()
	s1, s2, user := collab.NewID(), collab.NewID(), collab.NewID()

	registry.AddToSession("a", s1, user)
	registry.AddToSession("b", s2, user)
	req.Len(registry.GetUserConnections(user), 2)

	registry.CleanupConnection("a")
	req.Empty(registry.GetSessionUsers(s1))
	req.Equal([]collab.UserID{user}, registry.GetSessionUsers(s2))
	req.Equal([]Connection{{ID: "b", SessionID: s2, UserID: user}}, registry.GetUserConnections(user))
}

func TestRegistry_ConnectionMovesSession(t *testing.T) {
	req := require.New(t)
	registry := New()
	s1, s2, user := collab.NewID(), collab.NewID(), collab.NewID()

	registry.AddToSession("c", s1, user)
	registry.AddToSession("c", s2, user)

	req.Empty(registry.GetSessionUsers(s1))
	req.Equal(1, registry.GetSessionConnectionCount(s2))
	sessionID, ok := registry.GetConnectionSession("c")
	req.True(ok)
	req.Equal(s2, sessionID)
}

func TestRegistry_DropSession(t *testing.T) {
	req := require.New(t)
	registry := New()
	ended, other := collab.NewID(), collab.NewID()
	alice, bob := collab.NewID(), collab.NewID()
	registry.AddToSession("a1", ended, alice)
	registry.AddToSession("a2", ended, alice)
	registry.AddToSession("b1", ended, bob)
	registry.AddToSession("b2", other, bob)

	// When the session is dropped
	dropped := registry.DropSession(ended)

	// Then only its connections are gone
	req.Len(dropped, 3)
	req.Zero(registry.GetSessionConnectionCount(ended))
	req.Empty(registry.GetUserConnections(alice))
	bobConns := registry.GetUserConnections(bob)
	req.Len(bobConns, 1)
	req.Equal("b2", bobConns[0].ID)
	req.Equal(Stats{Connections: 1, Sessions: 1, Users: 1}, registry.Stats())

	_, ok := registry.GetConnection("a1")
	req.False(ok)
	req.Empty(registry.DropSession(ended))
}

func TestRegistry_CursorAndTyping(t *testing.T) {
	req := require.New(t)
	registry := New()
	sessionID, u1, u2 := collab.NewID(), collab.NewID(), collab.NewID()
	registry.AddToSession("c1", sessionID, u1)
	registry.AddToSession("c2", sessionID, u2)

	req.True(registry.UpdateCursorPosition(sessionID, u1, 1))
	req.True(registry.UpdateCursorPosition(sessionID, u1, 9))
	req.True(registry.UpdateCursorPosition(sessionID, u2, 3))
	req.Equal(map[collab.UserID]int{u1: 9, u2: 3}, registry.GetAllCursorPositions(sessionID))

	req.True(registry.UpdateTypingStatus(sessionID, u2, true))
	req.Equal([]collab.UserID{u2}, registry.GetTypingUsers(sessionID))
	req.True(registry.UpdateTypingStatus(sessionID, u2, false))
	req.Empty(registry.GetTypingUsers(sessionID))

	// Users without a live connection cannot leave state behind
	stranger := collab.NewID()
	req.False(registry.UpdateCursorPosition(sessionID, stranger, 4))
	req.False(registry.UpdateTypingStatus(sessionID, stranger, true))
	req.False(registry.UpdateCursorPosition(collab.NewID(), u1, 4))
	_, ok := registry.GetCursorPosition(sessionID, stranger)
	req.False(ok)

	snapshot := registry.Snapshot(sessionID)
	req.Equal(2, snapshot.Connections)
	req.Len(snapshot.Users, 2)
}

func TestRegistry_AbsentKeys(t *testing.T) {
	req := require.New(t)
	registry := New()
	missing := collab.NewID()

	req.NotNil(registry.GetSessionUsers(missing))
	req.Empty(registry.GetSessionUsers(missing))
	req.Empty(registry.GetSessionConnections(missing))
	req.Empty(registry.GetTypingUsers(missing))
	req.Empty(registry.GetAllCursorPositions(missing))
	req.Empty(registry.GetUserConnections(missing))
	req.Zero(registry.GetSessionConnectionCount(missing))
	req.False(registry.IsUserConnected(missing))
	_, ok := registry.GetConnectionSession("nope")
	req.False(ok)
	req.Empty(registry.Snapshot(missing).Users)
}

func TestRegistry_Close(t *testing.T) {
	req := require.New(t)
	registry := New()
	sessionID := collab.NewID()
	registry.AddToSession("c1", sessionID, collab.NewID())

	registry.Close()
	req.Equal(Stats{}, registry.Stats())

	registry.AddToSession("c2", sessionID, collab.NewID())
	req.Zero(registry.GetSessionConnectionCount(sessionID))
}

func TestRegistry_InstancesAreIsolated(t *testing.T) {
	a, b := New(), New()
	sessionID := collab.NewID()
	a.AddToSession("c1", sessionID, collab.NewID())
	require.Zero(t, b.GetSessionConnectionCount(sessionID))
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	req := require.New(t)
	registry := New()
	sessions := []collab.SessionID{collab.NewID(), collab.NewID(), collab.NewID()}
	users := []collab.UserID{collab.NewID(), collab.NewID(), collab.NewID(), collab.NewID()}

	const workers = 16
	const rounds = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				connID := fmt.Sprintf("w%d-%d", w, i%5)
				sessionID := sessions[(w+i)%len(sessions)]
				userID := users[w%len(users)]
				registry.AddToSession(connID, sessionID, userID)
				registry.UpdateCursorPosition(sessionID, userID, i)
				registry.UpdateTypingStatus(sessionID, userID, i%2 == 0)
				_ = registry.GetSessionUsers(sessionID)
				_ = registry.Snapshot(sessionID)
				if i%3 == 0 {
					registry.RemoveFromSession(connID, sessionID)
				}
				if i%7 == 0 {
					registry.CleanupConnection(connID)
				}
			}
			for i := 0; i < 5; i++ {
				registry.CleanupConnection(fmt.Sprintf("w%d-%d", w, i))
			}
		}(w)
	}
	wg.Wait()

	req.Equal(Stats{}, registry.Stats())
	for _, sessionID := range sessions {
		req.Empty(registry.GetSessionUsers(sessionID))
		req.Empty(registry.GetAllCursorPositions(sessionID))
		req.Empty(registry.GetTypingUsers(sessionID))
	}
	for _, userID := range users {
		req.False(registry.IsUserConnected(userID))
	}
}

func TestRegistry_ConcurrentConnectionsOneSession(t *testing.T) {
	req := require.New(t)
	registry := New()
	sessionID := collab.NewID()
	user := collab.NewID()

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			registry.AddToSession(fmt.Sprintf("c%d", i), sessionID, user)
		}(i)
	}
	wg.Wait()
	req.Equal(n, registry.GetSessionConnectionCount(sessionID))
	req.Equal(n, registry.UserConnectionCount(sessionID, user))

	for i := 0; i < n-1; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			registry.CleanupConnection(fmt.Sprintf("c%d", i))
		}(i)
	}
	wg.Wait()
	req.Equal([]collab.UserID{user}, registry.GetSessionUsers(sessionID))
	req.Equal(1, registry.GetSessionConnectionCount(sessionID))
}
