package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collab/api/internal/collab"
	"collab/api/internal/notify"
	"collab/api/internal/presence"
)

// fakeStore keeps everything in memory and copies values in and out the way a
// database would. The Fn hooks run before the default behaviour.
type fakeStore struct {
	mu       sync.Mutex
	sessions map[collab.SessionID]collab.Session
	comments map[collab.CommentID]collab.Comment
	order    []collab.CommentID
	changes  []collab.Change

	updateSessionFn func(context.Context, *collab.Session) error
	pingFn          func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[collab.SessionID]collab.Session),
		comments: make(map[collab.CommentID]collab.Comment),
	}
}

func (f *fakeStore) sessionCount(resourceType collab.ResourceType, resourceID collab.ResourceID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, session := range f.sessions {
		if session.ResourceType == resourceType && session.ResourceID == resourceID {
			count++
		}
	}
	return count
}

func cloneSession(session collab.Session) collab.Session {
	session.Participants = slices.Clone(session.Participants)
	return session
}

func (f *fakeStore) CreateSession(_ context.Context, session *collab.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	session.Version = 1
	f.sessions[session.ID] = cloneSession(*session)
	return nil
}

func (f *fakeStore) UpdateSession(ctx context.Context, session *collab.Session) error {
	if f.updateSessionFn != nil {
		if err := f.updateSessionFn(ctx, session); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.sessions[session.ID]
	if !ok {
		return collab.NotFoundf("session %s", session.ID)
	}
	if current.Version != session.Version {
		return collab.ErrStale
	}
	session.Version++
	f.sessions[session.ID] = cloneSession(*session)
	return nil
}

func (f *fakeStore) DeleteSession(_ context.Context, sessionID collab.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return collab.NotFoundf("session %s", sessionID)
	}
	delete(f.sessions, sessionID)
	f.changes = slices.DeleteFunc(f.changes, func(c collab.Change) bool { return c.SessionID == sessionID })
	return nil
}

func (f *fakeStore) GetSession(_ context.Context, sessionID collab.SessionID) (*collab.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[sessionID]
	if !ok {
		return nil, collab.NotFoundf("session %s", sessionID)
	}
	session = cloneSession(session)
	return &session, nil
}

func (f *fakeStore) GetActiveSessionByResource(_ context.Context, resourceType collab.ResourceType, resourceID collab.ResourceID) (*collab.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.ResourceType == resourceType && session.ResourceID == resourceID && session.IsActive() {
			session = cloneSession(session)
			return &session, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListUserSessions(_ context.Context, userID collab.UserID, activeOnly bool) ([]collab.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []collab.Session
	for _, session := range f.sessions {
		if activeOnly && !session.IsActive() {
			continue
		}
		if session.HasParticipated(userID) {
			out = append(out, cloneSession(session))
		}
	}
	slices.SortFunc(out, func(a, b collab.Session) int { return b.StartedAt.Compare(a.StartedAt) })
	return out, nil
}

func (f *fakeStore) ListParticipants(_ context.Context, sessionID collab.SessionID, activeOnly bool) ([]collab.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []collab.Participant
	for _, participant := range f.sessions[sessionID].Participants {
		if activeOnly && !participant.IsActive() {
			continue
		}
		out = append(out, participant)
	}
	return out, nil
}

func (f *fakeStore) CreateComment(_ context.Context, comment *collab.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[comment.ID] = *comment
	f.order = append(f.order, comment.ID)
	return nil
}

func (f *fakeStore) UpdateComment(_ context.Context, comment *collab.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.comments[comment.ID]; !ok {
		return collab.NotFoundf("comment %s", comment.ID)
	}
	f.comments[comment.ID] = *comment
	return nil
}

func (f *fakeStore) GetComment(_ context.Context, commentID collab.CommentID) (*collab.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	comment, ok := f.comments[commentID]
	if !ok {
		return nil, collab.NotFoundf("comment %s", commentID)
	}
	return &comment, nil
}

func (f *fakeStore) GetCommentsByIDs(_ context.Context, ids []collab.CommentID) ([]collab.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]collab.Comment, 0, len(ids))
	for _, id := range ids {
		if comment, ok := f.comments[id]; ok && !comment.IsDeleted {
			out = append(out, comment)
		}
	}
	return out, nil
}

func (f *fakeStore) listComments(match func(collab.Comment) bool, includeDeleted bool) []collab.Comment {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []collab.Comment
	for _, id := range f.order {
		comment := f.comments[id]
		if !match(comment) || (comment.IsDeleted && !includeDeleted) {
			continue
		}
		out = append(out, comment)
	}
	return out
}

func (f *fakeStore) ListResourceComments(_ context.Context, resourceType collab.ResourceType, resourceID collab.ResourceID, includeDeleted bool) ([]collab.Comment, error) {
	return f.listComments(func(c collab.Comment) bool {
		return c.ResourceType == resourceType && c.ResourceID == resourceID
	}, includeDeleted), nil
}

func (f *fakeStore) ListSessionComments(_ context.Context, sessionID collab.SessionID, includeDeleted bool) ([]collab.Comment, error) {
	return f.listComments(func(c collab.Comment) bool {
		return c.SessionID != nil && *c.SessionID == sessionID
	}, includeDeleted), nil
}

func (f *fakeStore) AppendChange(_ context.Context, change *collab.Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	change.Seq = int64(len(f.changes) + 1)
	f.changes = append(f.changes, *change)
	return nil
}

func (f *fakeStore) ListChangesSince(_ context.Context, sessionID collab.SessionID, since *time.Time) ([]collab.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []collab.Change
	for _, change := range f.changes {
		if change.SessionID != sessionID {
			continue
		}
		if since != nil && !change.Timestamp.After(*since) {
			continue
		}
		out = append(out, change)
	}
	return out, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event notify.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) ofType(eventType notify.Type) []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []notify.Event
	for _, event := range p.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// clock hands out strictly increasing times so ordering assertions are stable.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testEnv struct {
	store     *fakeStore
	registry  *presence.Registry
	publisher *recordingPublisher
	service   *Service
}

func newTestEnv() *testEnv {
	env := &testEnv{
		store:     newFakeStore(),
		registry:  presence.New(),
		publisher: &recordingPublisher{},
	}
	env.service = newService(env.store, env.registry, env.publisher, zerolog.Nop())
	c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	env.service.now = c.Now
	return env
}
