package app

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"collab/api/internal/collab"
	"collab/api/internal/notify"
	"collab/api/internal/rbac"
	"collab/api/internal/search"
)

type CreateCommentInput struct {
	SessionID    *collab.SessionID
	ResourceType collab.ResourceType
	ResourceID   collab.ResourceID
	Text         string
	Position     *int
}

// CreateComment attaches a root comment to a resource. A comment made inside
// a session requires the session to be active, on the same resource, and the
// actor to be one of its active participants.
func (s *Service) CreateComment(ctx context.Context, actor collab.UserID, input CreateCommentInput) (*collab.Comment, error) {
	if input.SessionID != nil {
		session, err := s.store.GetSession(ctx, *input.SessionID)
		if err != nil {
			return nil, err
		}
		if session.ResourceType != input.ResourceType || session.ResourceID != input.ResourceID {
			return nil, fmt.Errorf("%w: session %s belongs to a different resource", collab.ErrValidation, session.ID)
		}
		if !session.IsActive() {
			return nil, collab.ErrAlreadyEnded
		}
		participant, ok := session.ActiveParticipant(actor)
		if !ok {
			return nil, collab.Unauthorizedf("user %s is not in session %s", actor, session.ID)
		}
		if !rbac.Can(participant.Role, rbac.ActionComment) {
			return nil, collab.Unauthorizedf("role %s cannot comment", participant.Role)
		}
	}

	comment, err := collab.NewComment(input.SessionID, input.ResourceType, input.ResourceID, actor, input.Text, input.Position, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateComment(ctx, comment); err != nil {
		return nil, err
	}
	s.commentChanged(ctx, notify.CommentAdded, *comment, actor)
	return comment, nil
}

// ReplyToComment answers an existing comment. The parent's author is notified
// directly unless they wrote the reply themselves.
func (s *Service) ReplyToComment(ctx context.Context, actor collab.UserID, parentID collab.CommentID, text string) (*collab.Comment, error) {
	parent, err := s.store.GetComment(ctx, parentID)
	if err != nil {
		return nil, err
	}
	reply, err := collab.NewReply(*parent, actor, text, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateComment(ctx, reply); err != nil {
		return nil, err
	}
	s.commentChanged(ctx, notify.CommentAdded, *reply, actor)

	if parent.UserID != actor {
		event, err := notify.NewEvent(notify.CommentReply, reply.ResourceType, reply.ResourceID, actor, presentComment(*reply))
		if err != nil {
			s.logger.Warn().Err(err).Str("type", string(notify.CommentReply)).Str("commentId", reply.ID.String()).Msg("build event")
			return reply, nil
		}
		if reply.SessionID != nil {
			event = event.InSession(*reply.SessionID)
		}
		s.publish(ctx, event.For(parent.UserID))
	}
	return reply, nil
}

// UpdateComment replaces the text of the actor's own comment.
func (s *Service) UpdateComment(ctx context.Context, actor collab.UserID, commentID collab.CommentID, text string) (*collab.Comment, error) {
	comment, err := s.ownComment(ctx, actor, commentID)
	if err != nil {
		return nil, err
	}
	if err := comment.UpdateText(text, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateComment(ctx, comment); err != nil {
		return nil, err
	}
	s.commentChanged(ctx, notify.CommentUpdated, *comment, actor)
	return comment, nil
}

// DeleteComment soft-deletes the actor's own comment. Storage keeps the text.
func (s *Service) DeleteComment(ctx context.Context, actor collab.UserID, commentID collab.CommentID) (*collab.Comment, error) {
	comment, err := s.ownComment(ctx, actor, commentID)
	if err != nil {
		return nil, err
	}
	if err := comment.Delete(s.now()); err != nil {
		return nil, err
	}
	if err := s.store.UpdateComment(ctx, comment); err != nil {
		return nil, err
	}
	s.commentChanged(ctx, notify.CommentDeleted, *comment, actor)
	return comment, nil
}

func (s *Service) ownComment(ctx context.Context, actor collab.UserID, commentID collab.CommentID) (*collab.Comment, error) {
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.UserID != actor {
		return nil, collab.Unauthorizedf("comment %s belongs to another user", commentID)
	}
	return comment, nil
}

// ListResourceComments returns the resource's comments as reply trees.
func (s *Service) ListResourceComments(ctx context.Context, resourceType collab.ResourceType, resourceID collab.ResourceID, includeDeleted bool) ([]collab.Thread, error) {
	comments, err := s.store.ListResourceComments(ctx, resourceType, resourceID, includeDeleted)
	if err != nil {
		return nil, err
	}
	return collab.BuildThreads(comments), nil
}

func (s *Service) ListSessionComments(ctx context.Context, sessionID collab.SessionID, includeDeleted bool) ([]collab.Thread, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	comments, err := s.store.ListSessionComments(ctx, sessionID, includeDeleted)
	if err != nil {
		return nil, err
	}
	return collab.BuildThreads(comments), nil
}

func (s *Service) SearchComments(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.liveResults(ctx, s.search.Search(ctx, q))
}

// liveResults drops hits whose comment storage no longer has or has deleted.
// The index is updated asynchronously and can lag behind.
func (s *Service) liveResults(ctx context.Context, resp search.Response) search.Response {
	if len(resp.Results) == 0 {
		return resp
	}
	ids := make([]collab.CommentID, 0, len(resp.Results))
	for _, result := range resp.Results {
		if id, err := collab.ParseID("commentId", result.CommentID); err == nil {
			ids = append(ids, id)
		}
	}
	live, err := s.store.GetCommentsByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn().Err(err).Msg("load search hits")
		return resp
	}
	known := lo.SliceToMap(live, func(c collab.Comment) (string, struct{}) { return c.ID.String(), struct{}{} })
	results := lo.Filter(resp.Results, func(result search.Result, _ int) bool {
		_, ok := known[result.CommentID]
		return ok
	})
	resp.Total = max(resp.Total-(len(resp.Results)-len(results)), len(results))
	resp.Results = results
	return resp
}

func (s *Service) commentChanged(ctx context.Context, eventType notify.Type, comment collab.Comment, actor collab.UserID) {
	if s.search != nil {
		s.search.IndexComment(comment)
	}
	event, err := notify.NewEvent(eventType, comment.ResourceType, comment.ResourceID, actor, presentComment(comment))
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(eventType)).Msg("build event")
		return
	}
	if comment.SessionID != nil {
		event = event.InSession(*comment.SessionID)
	}
	s.publish(ctx, event)
}
