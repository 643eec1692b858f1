package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"collab/api/internal/collab"
	"collab/api/internal/gitrepo"
	"collab/api/internal/notify"
	"collab/api/internal/rbac"
	"collab/api/internal/search"
)

type fakeArchive struct {
	mu        sync.Mutex
	snapshots []gitrepo.Snapshot
}

func (f *fakeArchive) ArchiveSession(snapshot gitrepo.Snapshot) (gitrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, snapshot)
	return gitrepo.CommitInfo{Hash: "abc1234", SessionID: snapshot.SessionID}, nil
}

func (f *fakeArchive) History(string, string, int) ([]gitrepo.CommitInfo, error) {
	return []gitrepo.CommitInfo{}, nil
}

func (f *fakeArchive) ReadSnapshot(_, _, sessionID string) (gitrepo.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, snapshot := range f.snapshots {
		if snapshot.SessionID == sessionID {
			return snapshot, nil
		}
	}
	return gitrepo.Snapshot{}, gitrepo.ErrNotArchived
}

// staleIndex answers every query with fixed hits, as an index that has not
// caught up with storage would.
type staleIndex struct {
	hits    []search.Result
	indexed []collab.CommentID
}

func (f *staleIndex) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: f.hits, Total: len(f.hits) + 10, Query: q.Text}
}

func (f *staleIndex) IndexComment(comment collab.Comment) {
	f.indexed = append(f.indexed, comment.ID)
}

func startDocumentSession(t *testing.T, env *testEnv, initiator collab.UserID) *collab.Session {
	t.Helper()
	session, err := env.service.StartSession(context.Background(), initiator, collab.ResourceDocument, collab.NewID(), rbac.RoleEditor)
	require.NoError(t, err)
	return session
}

func TestStartSession_SecondActiveSessionConflicts(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	resourceID := collab.NewID()

	// Given an active session on a document
	first, err := env.service.StartSession(ctx, collab.NewID(), collab.ResourceDocument, resourceID, rbac.RoleEditor)
	req.NoError(err)

	// When someone else starts another one on the same document
	_, err = env.service.StartSession(ctx, collab.NewID(), collab.ResourceDocument, resourceID, rbac.RoleEditor)

	// Then it is rejected without creating anything, until the first one ends
	req.ErrorIs(err, collab.ErrConflict)
	req.Equal(1, env.store.sessionCount(collab.ResourceDocument, resourceID))
	_, err = env.service.EndSession(ctx, first.StartedBy, first.ID)
	req.NoError(err)
	_, err = env.service.StartSession(ctx, collab.NewID(), collab.ResourceDocument, resourceID, rbac.RoleEditor)
	req.NoError(err)
	req.Len(env.publisher.ofType(notify.SessionStarted), 2)
}

func TestLeaveSession_LastParticipantEndsSession(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	archive := &fakeArchive{}
	env.service.archive = archive
	ctx := context.Background()
	alice, bob := collab.NewID(), collab.NewID()
	session := startDocumentSession(t, env, alice)

	_, added, err := env.service.JoinSession(ctx, bob, session.ID, rbac.RoleViewer)
	req.NoError(err)
	req.True(added)

	// When both leave
	_, ended, err := env.service.LeaveSession(ctx, alice, session.ID)
	req.NoError(err)
	req.False(ended)
	left, ended, err := env.service.LeaveSession(ctx, bob, session.ID)
	req.NoError(err)

	// Then the last departure ends the session and archives it
	req.True(ended)
	req.False(left.IsActive())
	req.Len(env.publisher.ofType(notify.SessionEnded), 1)
	env.service.Wait()
	req.Len(archive.snapshots, 1)
	req.Equal(session.ID.String(), archive.snapshots[0].SessionID)
	req.Len(archive.snapshots[0].Participants, 2)

	_, _, err = env.service.JoinSession(ctx, bob, session.ID, rbac.RoleViewer)
	req.ErrorIs(err, collab.ErrInvalidState)
}

func TestJoinSession_TwiceKeepsOneRecord(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	bob := collab.NewID()
	session := startDocumentSession(t, env, collab.NewID())

	_, added, err := env.service.JoinSession(ctx, bob, session.ID, rbac.RoleEditor)
	req.NoError(err)
	req.True(added)
	again, added, err := env.service.JoinSession(ctx, bob, session.ID, rbac.RoleEditor)
	req.NoError(err)
	req.False(added)
	req.Equal(2, again.ActiveParticipantCount())
	req.Len(env.publisher.ofType(notify.ParticipantJoined), 1)
}

func TestMutateSession_RetriesStaleWrites(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	session := startDocumentSession(t, env, collab.NewID())

	// Given two writes that lose the race before the third succeeds
	var calls atomic.Int32
	env.store.updateSessionFn = func(context.Context, *collab.Session) error {
		if calls.Add(1) <= 2 {
			return collab.ErrStale
		}
		return nil
	}

	joined, added, err := env.service.JoinSession(ctx, collab.NewID(), session.ID, rbac.RoleViewer)

	req.NoError(err)
	req.True(added)
	req.Equal(2, joined.ActiveParticipantCount())
	req.EqualValues(3, calls.Load())
}

func TestMutateSession_GivesUpAfterMaxAttempts(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	session := startDocumentSession(t, env, collab.NewID())
	env.store.updateSessionFn = func(context.Context, *collab.Session) error { return collab.ErrStale }

	_, _, err := env.service.JoinSession(context.Background(), collab.NewID(), session.ID, rbac.RoleViewer)

	req.ErrorIs(err, collab.ErrStale)
}

func TestConcurrentJoins_AllRecorded(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	session := startDocumentSession(t, env, collab.NewID())

	const joiners = 4
	var wg sync.WaitGroup
	errs := make([]error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = env.service.JoinSession(ctx, collab.NewID(), session.ID, rbac.RoleViewer)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		req.NoError(err)
	}
	stored, err := env.service.GetSession(ctx, session.ID)
	req.NoError(err)
	req.Equal(joiners+1, stored.ActiveParticipantCount())
}

func TestEndSession_RequiresParticipation(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	session := startDocumentSession(t, env, collab.NewID())

	_, err := env.service.EndSession(ctx, collab.NewID(), session.ID)
	req.ErrorIs(err, collab.ErrUnauthorized)

	ended, err := env.service.EndSession(ctx, session.StartedBy, session.ID)
	req.NoError(err)
	req.False(ended.IsActive())
	req.Zero(ended.ActiveParticipantCount())

	_, err = env.service.EndSession(ctx, session.StartedBy, session.ID)
	req.ErrorIs(err, collab.ErrAlreadyEnded)
}

func TestDeleteSession_InitiatorOnlyAfterEnd(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	session := startDocumentSession(t, env, collab.NewID())

	req.ErrorIs(env.service.DeleteSession(ctx, session.StartedBy, session.ID), collab.ErrInvalidState)
	_, err := env.service.EndSession(ctx, session.StartedBy, session.ID)
	req.NoError(err)
	req.ErrorIs(env.service.DeleteSession(ctx, collab.NewID(), session.ID), collab.ErrUnauthorized)

	req.NoError(env.service.DeleteSession(ctx, session.StartedBy, session.ID))
	_, err = env.service.GetSession(ctx, session.ID)
	req.ErrorIs(err, collab.ErrNotFound)
}

func TestGetActiveSession_NotFoundWhenIdle(t *testing.T) {
	env := newTestEnv()
	_, err := env.service.GetActiveSession(context.Background(), collab.ResourceDiagram, collab.NewID())
	require.ErrorIs(t, err, collab.ErrNotFound)
}

func TestRecordChange_RoleRules(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	editor := collab.NewID()
	viewer := collab.NewID()
	session := startDocumentSession(t, env, editor)
	_, _, err := env.service.JoinSession(ctx, viewer, session.ID, rbac.RoleViewer)
	req.NoError(err)
	data := "hello"

	// Editors change content
	change, err := env.service.RecordChange(ctx, editor, session.ID, ChangeInput{Type: collab.ChangeInsert, Position: 3, Data: &data})
	req.NoError(err)
	req.True(change.Verify())

	// Viewers may only move their cursor
	_, err = env.service.RecordChange(ctx, viewer, session.ID, ChangeInput{Type: collab.ChangeDelete, Position: 1})
	req.ErrorIs(err, collab.ErrUnauthorized)
	_, err = env.service.RecordChange(ctx, viewer, session.ID, ChangeInput{Type: collab.ChangeCursor, Position: 7})
	req.NoError(err)

	// Outsiders cannot record anything
	_, err = env.service.RecordChange(ctx, collab.NewID(), session.ID, ChangeInput{Type: collab.ChangeCursor, Position: 1})
	req.ErrorIs(err, collab.ErrUnauthorized)

	changes, err := env.service.ChangesSince(ctx, session.ID, nil)
	req.NoError(err)
	req.Len(changes, 2)
	req.Equal(collab.ChangeInsert, changes[0].ChangeType)
	req.Len(env.publisher.ofType(notify.ChangeRecorded), 2)

	since := changes[0].Timestamp
	later, err := env.service.ChangesSince(ctx, session.ID, &since)
	req.NoError(err)
	req.Len(later, 1)
	req.Equal(collab.ChangeCursor, later[0].ChangeType)

	stored, err := env.service.GetSession(ctx, session.ID)
	req.NoError(err)
	participant, ok := stored.ActiveParticipant(viewer)
	req.True(ok)
	req.NotNil(participant.CursorPosition)
	req.Equal(7, *participant.CursorPosition)
}

func TestRecordChange_EndedSession(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	session := startDocumentSession(t, env, collab.NewID())
	_, err := env.service.EndSession(ctx, session.StartedBy, session.ID)
	req.NoError(err)

	_, err = env.service.RecordChange(ctx, session.StartedBy, session.ID, ChangeInput{Type: collab.ChangeInsert, Position: 0})

	req.ErrorIs(err, collab.ErrAlreadyEnded)
}

func TestCreateComment_SessionRules(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	author := collab.NewID()
	session := startDocumentSession(t, env, author)

	input := CreateCommentInput{
		SessionID:    &session.ID,
		ResourceType: session.ResourceType,
		ResourceID:   session.ResourceID,
		Text:         "  needs a source  ",
	}
	comment, err := env.service.CreateComment(ctx, author, input)
	req.NoError(err)
	req.Equal("needs a source", comment.Text)

	_, err = env.service.CreateComment(ctx, collab.NewID(), input)
	req.ErrorIs(err, collab.ErrUnauthorized)

	mismatched := input
	mismatched.ResourceID = collab.NewID()
	_, err = env.service.CreateComment(ctx, author, mismatched)
	req.ErrorIs(err, collab.ErrValidation)

	// Comments outside a session only need a valid resource
	loose := input
	loose.SessionID = nil
	_, err = env.service.CreateComment(ctx, collab.NewID(), loose)
	req.NoError(err)

	_, err = env.service.EndSession(ctx, author, session.ID)
	req.NoError(err)
	_, err = env.service.CreateComment(ctx, author, input)
	req.ErrorIs(err, collab.ErrAlreadyEnded)
}

func TestReplyToComment_NotifiesParentAuthor(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	author, replier := collab.NewID(), collab.NewID()
	resourceID := collab.NewID()

	root, err := env.service.CreateComment(ctx, author, CreateCommentInput{ResourceType: collab.ResourceCodeSnippet, ResourceID: resourceID, Text: "why?"})
	req.NoError(err)

	// A reply from someone else reaches the author directly
	reply, err := env.service.ReplyToComment(ctx, replier, root.ID, "because")
	req.NoError(err)
	req.Equal(root.ID, *reply.ParentID)
	targeted := env.publisher.ofType(notify.CommentReply)
	req.Len(targeted, 1)
	req.Equal(author, *targeted[0].TargetUserID)

	// Answering yourself does not
	_, err = env.service.ReplyToComment(ctx, author, reply.ID, "ok")
	req.NoError(err)
	targeted = env.publisher.ofType(notify.CommentReply)
	req.Len(targeted, 2)
	req.Equal(replier, *targeted[1].TargetUserID)
	_, err = env.service.ReplyToComment(ctx, author, root.ID, "also")
	req.NoError(err)
	req.Len(env.publisher.ofType(notify.CommentReply), 2)

	threads, err := env.service.ListResourceComments(ctx, collab.ResourceCodeSnippet, resourceID, false)
	req.NoError(err)
	req.Len(threads, 1)
	req.Equal(3, threads[0].CountReplies())
}

func TestDeleteComment_OwnerOnlyAndRedacted(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	author := collab.NewID()
	resourceID := collab.NewID()
	comment, err := env.service.CreateComment(ctx, author, CreateCommentInput{ResourceType: collab.ResourceDocument, ResourceID: resourceID, Text: "secret"})
	req.NoError(err)

	_, err = env.service.UpdateComment(ctx, collab.NewID(), comment.ID, "hijack")
	req.ErrorIs(err, collab.ErrUnauthorized)
	_, err = env.service.DeleteComment(ctx, collab.NewID(), comment.ID)
	req.ErrorIs(err, collab.ErrUnauthorized)

	updated, err := env.service.UpdateComment(ctx, author, comment.ID, "less secret")
	req.NoError(err)
	req.NotNil(updated.UpdatedAt)

	deleted, err := env.service.DeleteComment(ctx, author, comment.ID)
	req.NoError(err)
	req.True(deleted.IsDeleted)
	req.Equal("less secret", deleted.Text)
	req.Empty(presentComment(*deleted).Text)

	_, err = env.service.UpdateComment(ctx, author, comment.ID, "again")
	req.ErrorIs(err, collab.ErrInvalidState)

	visible, err := env.service.ListResourceComments(ctx, collab.ResourceDocument, resourceID, false)
	req.NoError(err)
	req.Empty(visible)
	all, err := env.service.ListResourceComments(ctx, collab.ResourceDocument, resourceID, true)
	req.NoError(err)
	req.Len(all, 1)
}

func TestConnectDisconnect_DrivesMembership(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	host, guest := collab.NewID(), collab.NewID()
	session := startDocumentSession(t, env, host)

	// Given the guest connects from two tabs without joining first
	ref, err := env.service.Connect(ctx, "tab-1", session.ID, guest, "")
	req.NoError(err)
	req.Equal(session.ResourceID, ref.ResourceID)
	_, err = env.service.Connect(ctx, "tab-2", session.ID, guest, rbac.RoleEditor)
	req.NoError(err)

	stored, err := env.service.GetSession(ctx, session.ID)
	req.NoError(err)
	participant, ok := stored.ActiveParticipant(guest)
	req.True(ok)
	req.Equal(rbac.RoleViewer, participant.Role)
	req.Equal(2, env.registry.UserConnectionCount(session.ID, guest))

	// When one tab closes the guest stays
	req.NoError(env.service.Disconnect(ctx, "tab-1"))
	stored, err = env.service.GetSession(ctx, session.ID)
	req.NoError(err)
	req.True(stored.IsUserActiveParticipant(guest))

	// When the last tab closes the guest leaves
	req.NoError(env.service.Disconnect(ctx, "tab-2"))
	stored, err = env.service.GetSession(ctx, session.ID)
	req.NoError(err)
	req.False(stored.IsUserActiveParticipant(guest))
	req.True(stored.IsActive())

	// Unknown and repeated disconnects are harmless
	req.NoError(env.service.Disconnect(ctx, "tab-2"))
	req.NoError(env.service.Disconnect(ctx, "never-seen"))
}

func TestConnect_EndedSessionRejected(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	session := startDocumentSession(t, env, collab.NewID())
	_, err := env.service.EndSession(ctx, session.StartedBy, session.ID)
	req.NoError(err)

	_, err = env.service.Connect(ctx, "c1", session.ID, collab.NewID(), "")

	req.ErrorIs(err, collab.ErrInvalidState)
	req.Zero(env.registry.GetSessionConnectionCount(session.ID))
	_, ok := env.registry.GetConnection("c1")
	req.False(ok)

	_, err = env.service.Connect(ctx, "c2", collab.NewID(), collab.NewID(), "")
	req.ErrorIs(err, collab.ErrNotFound)
	req.Zero(env.registry.Stats().Connections)
}

func TestDisconnect_ReconnectDuringLeaveKeepsSession(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	host := collab.NewID()
	session := startDocumentSession(t, env, host)
	_, err := env.service.Connect(ctx, "tab-1", session.ID, host, rbac.RoleEditor)
	req.NoError(err)

	// Given the host's new tab connects while the old tab's leave is being saved
	var reconnected atomic.Bool
	var reconnectErr error
	env.store.updateSessionFn = func(context.Context, *collab.Session) error {
		if reconnected.CompareAndSwap(false, true) {
			_, reconnectErr = env.service.Connect(ctx, "tab-2", session.ID, host, rbac.RoleEditor)
		}
		return nil
	}

	// When the old tab disconnects
	req.NoError(env.service.Disconnect(ctx, "tab-1"))

	// Then the host is still in a live session with the new tab
	req.True(reconnected.Load())
	req.NoError(reconnectErr)
	stored, err := env.service.GetSession(ctx, session.ID)
	req.NoError(err)
	req.True(stored.IsActive())
	req.True(stored.IsUserActiveParticipant(host))
	req.Equal(1, env.registry.UserConnectionCount(session.ID, host))
	req.Empty(env.publisher.ofType(notify.SessionEnded))
	req.Empty(env.publisher.ofType(notify.ParticipantLeft))

	_, err = env.service.RecordChange(ctx, host, session.ID, ChangeInput{Type: collab.ChangeCursor, Position: 2})
	req.NoError(err)
}

func TestEndSession_DropsLiveConnections(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	host, guest := collab.NewID(), collab.NewID()
	session := startDocumentSession(t, env, host)
	_, err := env.service.Connect(ctx, "host-tab", session.ID, host, rbac.RoleEditor)
	req.NoError(err)
	_, err = env.service.Connect(ctx, "guest-tab", session.ID, guest, "")
	req.NoError(err)

	// When the host ends the session
	_, err = env.service.EndSession(ctx, host, session.ID)
	req.NoError(err)

	// Then nobody is left in the registry and late disconnects are harmless
	req.Zero(env.registry.GetSessionConnectionCount(session.ID))
	req.Empty(env.registry.GetUserConnections(guest))
	req.NoError(env.service.Disconnect(ctx, "guest-tab"))
	req.NoError(env.service.Disconnect(ctx, "host-tab"))
	req.Len(env.publisher.ofType(notify.SessionEnded), 1)
}

func TestLeaveSession_LastLeaveDropsLiveConnections(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	host := collab.NewID()
	session := startDocumentSession(t, env, host)
	_, err := env.service.Connect(ctx, "tab", session.ID, host, rbac.RoleEditor)
	req.NoError(err)

	_, ended, err := env.service.LeaveSession(ctx, host, session.ID)
	req.NoError(err)
	req.True(ended)
	_, ok := env.registry.GetConnection("tab")
	req.False(ok)
}

func TestCommands_SucceedWhenPublishingFails(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	var attempts atomic.Int32
	env.service.publisher = notify.PublisherFunc(func(context.Context, notify.Event) error {
		attempts.Add(1)
		return errors.New("redis down")
	})
	host, guest := collab.NewID(), collab.NewID()

	// Given every publish fails
	session, err := env.service.StartSession(ctx, host, collab.ResourceDocument, collab.NewID(), rbac.RoleEditor)
	req.NoError(err)
	_, added, err := env.service.JoinSession(ctx, guest, session.ID, rbac.RoleEditor)
	req.NoError(err)
	req.True(added)
	root, err := env.service.CreateComment(ctx, guest, CreateCommentInput{
		ResourceType: session.ResourceType,
		ResourceID:   session.ResourceID,
		SessionID:    &session.ID,
		Text:         "looks off",
	})
	req.NoError(err)
	_, err = env.service.ReplyToComment(ctx, host, root.ID, "fixed")
	req.NoError(err)

	// Then the durable writes still happen, through the automatic end
	_, ended, err := env.service.LeaveSession(ctx, guest, session.ID)
	req.NoError(err)
	req.False(ended)
	_, ended, err = env.service.LeaveSession(ctx, host, session.ID)
	req.NoError(err)
	req.True(ended)

	stored, err := env.service.GetSession(ctx, session.ID)
	req.NoError(err)
	req.False(stored.IsActive())
	threads, err := env.service.ListSessionComments(ctx, session.ID, false)
	req.NoError(err)
	req.Len(threads, 1)
	req.Equal(1, threads[0].CountReplies())
	req.Positive(attempts.Load())
}

func TestMoveCursorAndTyping_PublishOnlyForLiveUsers(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	host := collab.NewID()
	session := startDocumentSession(t, env, host)
	ref := refOf(session)

	// Without a live connection updates are dropped
	req.NoError(env.service.MoveCursor(ctx, ref, host, 4))
	env.service.SetTyping(ctx, ref, host, true)
	req.Empty(env.publisher.ofType(notify.PresenceCursor))
	req.Empty(env.publisher.ofType(notify.PresenceTyping))

	_, err := env.service.Connect(ctx, "c1", session.ID, host, "")
	req.NoError(err)
	req.NoError(env.service.MoveCursor(ctx, ref, host, 4))
	env.service.SetTyping(ctx, ref, host, true)
	req.ErrorIs(env.service.MoveCursor(ctx, ref, host, -1), collab.ErrValidation)

	req.Len(env.publisher.ofType(notify.PresenceCursor), 1)
	req.Len(env.publisher.ofType(notify.PresenceTyping), 1)
	snapshot := env.service.SessionPresence(session.ID)
	req.Len(snapshot.Users, 1)
	req.Equal(4, *snapshot.Users[0].Cursor)
	req.True(snapshot.Users[0].Typing)
}

func TestSessionArchive_ReadsBackSnapshot(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	session := startDocumentSession(t, env, collab.NewID())

	// Without an archive nothing is found
	_, err := env.service.SessionArchive(ctx, session.ID)
	req.True(errors.Is(err, gitrepo.ErrNotArchived))

	env.service.archive = &fakeArchive{}
	_, err = env.service.RecordChange(ctx, session.StartedBy, session.ID, ChangeInput{Type: collab.ChangeInsert, Position: 0})
	req.NoError(err)
	_, err = env.service.EndSession(ctx, session.StartedBy, session.ID)
	req.NoError(err)
	env.service.Wait()

	snapshot, err := env.service.SessionArchive(ctx, session.ID)
	req.NoError(err)
	req.Len(snapshot.Changes, 1)
}

func TestRecentEvents_EmptyWithoutBacklog(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	session := startDocumentSession(t, env, collab.NewID())

	events, err := env.service.RecentEvents(context.Background(), session.ID, 10)
	req.NoError(err)
	req.Empty(events)

	_, err = env.service.RecentEvents(context.Background(), collab.NewID(), 10)
	req.ErrorIs(err, collab.ErrNotFound)
}

func TestSearchComments_DropsDeletedHits(t *testing.T) {
	req := require.New(t)
	env := newTestEnv()
	ctx := context.Background()
	index := &staleIndex{}
	env.service.search = index
	author := collab.NewID()
	resourceID := collab.NewID()

	kept, err := env.service.CreateComment(ctx, author, CreateCommentInput{ResourceType: collab.ResourceDocument, ResourceID: resourceID, Text: "rename this"})
	req.NoError(err)
	gone, err := env.service.CreateComment(ctx, author, CreateCommentInput{ResourceType: collab.ResourceDocument, ResourceID: resourceID, Text: "rename that"})
	req.NoError(err)
	_, err = env.service.DeleteComment(ctx, author, gone.ID)
	req.NoError(err)
	req.Len(index.indexed, 3)

	// Given the index still returns the deleted comment and one storage never had
	index.hits = []search.Result{
		{CommentID: gone.ID.String(), Snippet: "rename that"},
		{CommentID: kept.ID.String(), Snippet: "rename this"},
		{CommentID: collab.NewID().String(), Snippet: "rename other"},
	}

	resp := env.service.SearchComments(ctx, search.Query{Text: "rename"})

	// Then only the live comment is returned
	req.Len(resp.Results, 1)
	req.Equal(kept.ID.String(), resp.Results[0].CommentID)
	req.Equal(11, resp.Total)
	req.Equal("rename", resp.Query)
}

func TestNewService_DefaultsPresenceRegistry(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	service := newService(newFakeStore(), nil, nil, zerolog.Nop())
	host := collab.NewID()

	session, err := service.StartSession(ctx, host, collab.ResourceDocument, collab.NewID(), rbac.RoleEditor)
	req.NoError(err)
	_, err = service.Connect(ctx, "c1", session.ID, host, rbac.RoleEditor)
	req.NoError(err)
	_, err = service.RecordChange(ctx, host, session.ID, ChangeInput{Type: collab.ChangeCursor, Position: 7})
	req.NoError(err)

	snapshot := service.SessionPresence(session.ID)
	req.Len(snapshot.Users, 1)
	req.Equal(7, *snapshot.Users[0].Cursor)
	req.Equal(1, service.PresenceStats().Connections)
}
