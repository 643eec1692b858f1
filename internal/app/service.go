package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collab/api/internal/collab"
	"collab/api/internal/gitrepo"
	"collab/api/internal/notify"
	"collab/api/internal/presence"
	"collab/api/internal/rbac"
	"collab/api/internal/search"
	"collab/api/internal/store"
)

// maxSessionAttempts bounds the load-mutate-save loop when another request
// saved the same session in between.
const maxSessionAttempts = 5

// errUnchanged lets a mutateSession callback skip the save.
var errUnchanged = errors.New("session unchanged")

type dataStore interface {
	CreateSession(context.Context, *collab.Session) error
	UpdateSession(context.Context, *collab.Session) error
	DeleteSession(context.Context, collab.SessionID) error
	GetSession(context.Context, collab.SessionID) (*collab.Session, error)
	GetActiveSessionByResource(context.Context, collab.ResourceType, collab.ResourceID) (*collab.Session, error)
	ListUserSessions(context.Context, collab.UserID, bool) ([]collab.Session, error)
	ListParticipants(context.Context, collab.SessionID, bool) ([]collab.Participant, error)
	CreateComment(context.Context, *collab.Comment) error
	UpdateComment(context.Context, *collab.Comment) error
	GetComment(context.Context, collab.CommentID) (*collab.Comment, error)
	GetCommentsByIDs(context.Context, []collab.CommentID) ([]collab.Comment, error)
	ListResourceComments(context.Context, collab.ResourceType, collab.ResourceID, bool) ([]collab.Comment, error)
	ListSessionComments(context.Context, collab.SessionID, bool) ([]collab.Comment, error)
	AppendChange(context.Context, *collab.Change) error
	ListChangesSince(context.Context, collab.SessionID, *time.Time) ([]collab.Change, error)
	Ping(ctx context.Context) error
}

type archiveService interface {
	ArchiveSession(gitrepo.Snapshot) (gitrepo.CommitInfo, error)
	History(string, string, int) ([]gitrepo.CommitInfo, error)
	ReadSnapshot(string, string, string) (gitrepo.Snapshot, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexComment(collab.Comment)
}

type recentSource interface {
	Recent(context.Context, collab.SessionID, int) ([]notify.Event, error)
}

// Service coordinates the collaboration aggregates with storage, presence and
// notifications. Notifications, indexing and archiving run after the durable
// write and never fail the command.
type Service struct {
	store     dataStore
	presence  *presence.Registry
	publisher notify.Publisher
	search    searchService
	archive   archiveService
	recent    recentSource
	logger    zerolog.Logger
	now       func() time.Time
	pending   sync.WaitGroup
}

func New(dataStore *store.PostgresStore, registry *presence.Registry, publisher notify.Publisher, logger zerolog.Logger) *Service {
	return newService(dataStore, registry, publisher, logger)
}

func newService(dataStore dataStore, registry *presence.Registry, publisher notify.Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = notify.Nop
	}
	if registry == nil {
		registry = presence.New()
	}
	return &Service{
		store:     dataStore,
		presence:  registry,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithSearch(svc *search.Service) *Service {
	if svc != nil {
		s.search = svc
	}
	return s
}

func (s *Service) WithArchive(archive *gitrepo.Service) *Service {
	if archive != nil {
		s.archive = archive
	}
	return s
}

func (s *Service) WithRecent(source *notify.RedisPublisher) *Service {
	if source != nil {
		s.recent = source
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Wait blocks until background archive writes have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// StartSession opens a session on a resource with the actor as its first
// participant. A resource can have one active session at a time.
func (s *Service) StartSession(ctx context.Context, actor collab.UserID, resourceType collab.ResourceType, resourceID collab.ResourceID, role rbac.Role) (*collab.Session, error) {
	existing, err := s.store.GetActiveSessionByResource(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, collab.Conflictf("%s %s already has active session %s", resourceType, resourceID, existing.ID)
	}

	session, err := collab.StartSession(resourceType, resourceID, actor, role, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("sessionId", session.ID.String()).
		Str("resourceType", string(resourceType)).
		Str("resourceId", resourceID.String()).
		Msg("session started")
	s.publishSession(ctx, notify.SessionStarted, session, actor, presentSession(*session))
	return session, nil
}

// JoinSession adds the actor to an active session. Joining again only
// refreshes activity; added reports whether a participant record was created.
func (s *Service) JoinSession(ctx context.Context, actor collab.UserID, sessionID collab.SessionID, role rbac.Role) (session *collab.Session, added bool, err error) {
	session, err = s.mutateSession(ctx, sessionID, func(session *collab.Session) error {
		var addErr error
		added, addErr = session.AddParticipant(actor, role, s.now())
		return addErr
	})
	if err != nil {
		return nil, false, err
	}
	if added {
		participant, _ := session.ActiveParticipant(actor)
		s.publishSession(ctx, notify.ParticipantJoined, session, actor, presentParticipant(participant))
	}
	return session, added, nil
}

// LeaveSession removes the actor. When nobody is left the session ends in
// the same write.
func (s *Service) LeaveSession(ctx context.Context, actor collab.UserID, sessionID collab.SessionID) (session *collab.Session, ended bool, err error) {
	session, _, ended, err = s.leave(ctx, actor, sessionID, nil)
	return session, ended, err
}

// leave removes the actor. A non-nil stillGone is asked on every save attempt;
// when it reports false nothing is written and left is false.
func (s *Service) leave(ctx context.Context, actor collab.UserID, sessionID collab.SessionID, stillGone func() bool) (session *collab.Session, left, ended bool, err error) {
	session, err = s.mutateSession(ctx, sessionID, func(session *collab.Session) error {
		if stillGone != nil && !stillGone() {
			left, ended = false, false
			return errUnchanged
		}
		var removeErr error
		ended, removeErr = session.RemoveParticipant(actor, s.now())
		left = removeErr == nil
		return removeErr
	})
	if err != nil {
		return nil, false, false, err
	}
	if !left {
		return session, false, false, nil
	}
	s.publishSession(ctx, notify.ParticipantLeft, session, actor, map[string]any{"userId": actor})
	if ended {
		s.sessionEnded(ctx, session, actor)
	}
	return session, true, ended, nil
}

// EndSession ends the session on behalf of someone who took part in it.
func (s *Service) EndSession(ctx context.Context, actor collab.UserID, sessionID collab.SessionID) (*collab.Session, error) {
	session, err := s.mutateSession(ctx, sessionID, func(session *collab.Session) error {
		if !session.HasParticipated(actor) {
			return collab.Unauthorizedf("user %s never joined session %s", actor, session.ID)
		}
		if participant, ok := session.ActiveParticipant(actor); ok && !rbac.Can(participant.Role, rbac.ActionEnd) {
			return collab.Unauthorizedf("role %s cannot end a session", participant.Role)
		}
		return session.End(s.now())
	})
	if err != nil {
		return nil, err
	}
	s.sessionEnded(ctx, session, actor)
	return session, nil
}

// DeleteSession purges an ended session and its change log. Only the user who
// started it may do so; comments made during it are kept.
func (s *Service) DeleteSession(ctx context.Context, actor collab.UserID, sessionID collab.SessionID) error {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.StartedBy != actor {
		return collab.Unauthorizedf("only the initiator may delete session %s", sessionID)
	}
	if session.IsActive() {
		return fmt.Errorf("%w: session %s is still active", collab.ErrInvalidState, sessionID)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Info().Str("sessionId", sessionID.String()).Msg("session deleted")
	return nil
}

func (s *Service) GetSession(ctx context.Context, sessionID collab.SessionID) (*collab.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// GetActiveSession returns the resource's active session or NotFound.
func (s *Service) GetActiveSession(ctx context.Context, resourceType collab.ResourceType, resourceID collab.ResourceID) (*collab.Session, error) {
	session, err := s.store.GetActiveSessionByResource(ctx, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, collab.NotFoundf("no active session for %s %s", resourceType, resourceID)
	}
	return session, nil
}

func (s *Service) ListUserSessions(ctx context.Context, actor collab.UserID, activeOnly bool) ([]collab.Session, error) {
	return s.store.ListUserSessions(ctx, actor, activeOnly)
}

func (s *Service) ListParticipants(ctx context.Context, sessionID collab.SessionID, activeOnly bool) ([]collab.Participant, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListParticipants(ctx, sessionID, activeOnly)
}

// mutateSession loads the session, applies fn and saves it, reloading and
// retrying when the save lost a race with another writer. fn returning
// errUnchanged ends the loop without a write.
func (s *Service) mutateSession(ctx context.Context, sessionID collab.SessionID, fn func(*collab.Session) error) (*collab.Session, error) {
	for attempt := 1; ; attempt++ {
		session, err := s.store.GetSession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := fn(session); err != nil {
			if errors.Is(err, errUnchanged) {
				return session, nil
			}
			return nil, err
		}
		err = s.store.UpdateSession(ctx, session)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, collab.ErrStale) || attempt >= maxSessionAttempts {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logger.Debug().Str("sessionId", sessionID.String()).Int("attempt", attempt).Msg("session stale, retrying")
	}
}

func (s *Service) sessionEnded(ctx context.Context, session *collab.Session, actor collab.UserID) {
	s.logger.Info().Str("sessionId", session.ID.String()).Msg("session ended")
	s.publishSession(ctx, notify.SessionEnded, session, actor, presentSession(*session))
	if dropped := s.presence.DropSession(session.ID); len(dropped) > 0 {
		s.logger.Debug().Str("sessionId", session.ID.String()).Int("connections", len(dropped)).Msg("dropped live connections")
	}
	s.archiveInBackground(ctx, *session)
}

// archiveInBackground flushes the ended session's change log to its resource
// repo. Failures are logged.
func (s *Service) archiveInBackground(ctx context.Context, session collab.Session) {
	if s.archive == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		logger := s.logger.With().Str("sessionId", session.ID.String()).Logger()

		changes, err := s.store.ListChangesSince(ctx, session.ID, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("load changes for archive")
			return
		}
		comments, err := s.store.ListSessionComments(ctx, session.ID, true)
		if err != nil {
			logger.Warn().Err(err).Msg("load comments for archive")
			return
		}
		log := collab.NewChangeLog(session.ID, changes)
		commit, err := s.archive.ArchiveSession(gitrepo.NewSnapshot(session, log.Entries(), len(comments)))
		if err != nil {
			logger.Warn().Err(err).Msg("archive session")
			return
		}
		logger.Info().Str("commit", commit.Hash).Int("changes", log.Len()).Msg("session archived")
	}()
}

// SessionArchive returns the archived snapshot of an ended session.
func (s *Service) SessionArchive(ctx context.Context, sessionID collab.SessionID) (gitrepo.Snapshot, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return gitrepo.Snapshot{}, err
	}
	if s.archive == nil {
		return gitrepo.Snapshot{}, gitrepo.ErrNotArchived
	}
	return s.archive.ReadSnapshot(string(session.ResourceType), session.ResourceID.String(), session.ID.String())
}

// ArchiveHistory lists archived sessions of a resource, newest first.
func (s *Service) ArchiveHistory(_ context.Context, resourceType collab.ResourceType, resourceID collab.ResourceID, limit int) ([]gitrepo.CommitInfo, error) {
	if s.archive == nil {
		return []gitrepo.CommitInfo{}, nil
	}
	return s.archive.History(string(resourceType), resourceID.String(), limit)
}

// RecentEvents returns the session's latest broadcast events, oldest first.
// Without a backlog source the list is empty.
func (s *Service) RecentEvents(ctx context.Context, sessionID collab.SessionID, limit int) ([]notify.Event, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if s.recent == nil {
		return []notify.Event{}, nil
	}
	return s.recent.Recent(ctx, sessionID, limit)
}

func (s *Service) publishSession(ctx context.Context, eventType notify.Type, session *collab.Session, actor collab.UserID, payload any) {
	event, err := notify.NewEvent(eventType, session.ResourceType, session.ResourceID, actor, payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(eventType)).Msg("build event")
		return
	}
	s.publish(ctx, event.InSession(session.ID))
}

func (s *Service) publish(ctx context.Context, event notify.Event) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("publish event")
	}
}
