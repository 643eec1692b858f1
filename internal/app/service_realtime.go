package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collab/api/internal/collab"
	"collab/api/internal/notify"
	"collab/api/internal/presence"
	"collab/api/internal/rbac"
)

// SessionRef carries what presence events need to know about a session, so
// the hot path does not go back to storage.
type SessionRef struct {
	ID           collab.SessionID
	ResourceType collab.ResourceType
	ResourceID   collab.ResourceID
}

func refOf(session *collab.Session) SessionRef {
	return SessionRef{ID: session.ID, ResourceType: session.ResourceType, ResourceID: session.ResourceID}
}

type ChangeInput struct {
	Type     collab.ChangeType
	Position int
	Data     *string
}

// RecordChange appends an edit event to the session's log. Only active
// participants may record changes and only editors may change content.
func (s *Service) RecordChange(ctx context.Context, actor collab.UserID, sessionID collab.SessionID, input ChangeInput) (*collab.Change, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, collab.ErrAlreadyEnded
	}
	participant, ok := session.ActiveParticipant(actor)
	if !ok {
		return nil, collab.Unauthorizedf("user %s is not in session %s", actor, sessionID)
	}
	action := rbac.ActionEdit
	if input.Type == collab.ChangeCursor {
		action = rbac.ActionView
	}
	if !rbac.Can(participant.Role, action) {
		return nil, collab.Unauthorizedf("role %s cannot record %s changes", participant.Role, input.Type)
	}

	change, err := collab.NewChange(sessionID, actor, input.Type, input.Position, input.Data, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendChange(ctx, change); err != nil {
		return nil, err
	}

	position := input.Position
	if _, err := s.mutateSession(ctx, sessionID, func(session *collab.Session) error {
		return session.RecordActivity(actor, &position, s.now())
	}); err != nil {
		s.logger.Warn().Err(err).Str("sessionId", sessionID.String()).Msg("record participant activity")
	}
	s.presence.UpdateCursorPosition(sessionID, actor, input.Position)

	s.publishSession(ctx, notify.ChangeRecorded, session, actor, presentChange(*change))
	return change, nil
}

// ChangesSince replays the session's changes strictly after since, or all of
// them when since is nil.
func (s *Service) ChangesSince(ctx context.Context, sessionID collab.SessionID, since *time.Time) ([]collab.Change, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	changes, err := s.store.ListChangesSince(ctx, sessionID, since)
	if err != nil {
		return nil, err
	}
	log := collab.NewChangeLog(sessionID, changes)
	if since != nil {
		return log.Since(*since), nil
	}
	return log.Entries(), nil
}

// Connect registers a live connection and joins the user to the session, or
// refreshes their activity when they are already in it. The connection is
// registered before the join is written so a concurrent Disconnect of the
// user's previous connection sees it.
func (s *Service) Connect(ctx context.Context, connID string, sessionID collab.SessionID, actor collab.UserID, role rbac.Role) (SessionRef, error) {
	if role == "" {
		role = rbac.RoleViewer
	}
	s.presence.AddToSession(connID, sessionID, actor)
	session, _, err := s.JoinSession(ctx, actor, sessionID, role)
	if err != nil {
		s.presence.RemoveFromSession(connID, sessionID)
		return SessionRef{}, err
	}
	s.logger.Debug().Str("connId", connID).Str("sessionId", sessionID.String()).Str("userId", actor.String()).Msg("connected")
	return refOf(session), nil
}

// Disconnect tears down a connection. When it was the user's last connection
// in the session the user leaves, which may end the session. The connection
// count is checked again on every save attempt, so a reconnect that lands
// while the leave is being written keeps the user in the session.
func (s *Service) Disconnect(ctx context.Context, connID string) error {
	conn, ok := s.presence.CleanupConnection(connID)
	if !ok {
		return nil
	}
	s.logger.Debug().Str("connId", connID).Str("sessionId", conn.SessionID.String()).Msg("disconnected")

	_, _, _, err := s.leave(ctx, conn.UserID, conn.SessionID, func() bool {
		return s.presence.UserConnectionCount(conn.SessionID, conn.UserID) == 0
	})
	if errors.Is(err, collab.ErrNotFound) || errors.Is(err, collab.ErrInvalidState) {
		return nil
	}
	return err
}

// MoveCursor records a live cursor. Updates from a user without a live
// connection are dropped.
func (s *Service) MoveCursor(ctx context.Context, ref SessionRef, actor collab.UserID, position int) error {
	if position < 0 {
		return fmt.Errorf("%w: cursor position must not be negative", collab.ErrValidation)
	}
	if !s.presence.UpdateCursorPosition(ref.ID, actor, position) {
		return nil
	}
	s.publishPresence(ctx, notify.PresenceCursor, ref, actor, map[string]any{"userId": actor, "position": position})
	return nil
}

// SetTyping flips the user's typing flag. Clearing it after idleness is up to
// the connection handler.
func (s *Service) SetTyping(ctx context.Context, ref SessionRef, actor collab.UserID, typing bool) {
	if !s.presence.UpdateTypingStatus(ref.ID, actor, typing) {
		return
	}
	s.publishPresence(ctx, notify.PresenceTyping, ref, actor, map[string]any{"userId": actor, "typing": typing})
}

// SessionPresence is the live view of a session. It never touches storage.
func (s *Service) SessionPresence(sessionID collab.SessionID) presence.Snapshot {
	return s.presence.Snapshot(sessionID)
}

// PresenceStats counts what the registry holds on this instance.
func (s *Service) PresenceStats() presence.Stats {
	return s.presence.Stats()
}

func (s *Service) publishPresence(ctx context.Context, eventType notify.Type, ref SessionRef, actor collab.UserID, payload any) {
	event, err := notify.NewEvent(eventType, ref.ResourceType, ref.ResourceID, actor, payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(eventType)).Msg("build event")
		return
	}
	s.publish(ctx, event.InSession(ref.ID))
}
