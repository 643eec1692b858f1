package collab

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	MinCommentLength = 1
	MaxCommentLength = 2000
)

// Comment is anchored to a resource and optionally to the session it was made in.
// A nil ParentID marks a root comment. Replies are never held on the parent;
// see BuildThreads.
type Comment struct {
	ID           CommentID
	SessionID    *SessionID
	ResourceType ResourceType
	ResourceID   ResourceID
	UserID       UserID
	Text         string
	Position     *int
	ParentID     *CommentID
	CreatedAt    time.Time
	UpdatedAt    *time.Time
	IsDeleted    bool
	DeletedAt    *time.Time
}

func NewComment(sessionID *SessionID, resourceType ResourceType, resourceID ResourceID, userID UserID, text string, position *int, now time.Time) (*Comment, error) {
	if !resourceType.Valid() {
		return nil, validationf("unknown resource type %q", resourceType)
	}
	if err := requireID("resourceId", resourceID); err != nil {
		return nil, err
	}
	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	if sessionID != nil {
		if err := requireID("sessionId", *sessionID); err != nil {
			return nil, err
		}
	}
	normalized, err := normalizeCommentText(text)
	if err != nil {
		return nil, err
	}
	if position != nil && *position < 0 {
		return nil, validationf("position must not be negative")
	}

	return &Comment{
		ID:           NewID(),
		SessionID:    copyID(sessionID),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		Text:         normalized,
		Position:     copyInt(position),
		CreatedAt:    now.UTC(),
	}, nil
}

// NewReply builds a reply that inherits the parent's session, resource and anchor.
func NewReply(parent Comment, userID UserID, text string, now time.Time) (*Comment, error) {
	if parent.IsDeleted {
		return nil, invalidStatef("cannot reply to a deleted comment")
	}
	reply, err := NewComment(parent.SessionID, parent.ResourceType, parent.ResourceID, userID, text, parent.Position, now)
	if err != nil {
		return nil, err
	}
	parentID := parent.ID
	reply.ParentID = &parentID
	return reply, nil
}

func (c *Comment) IsReply() bool {
	return c.ParentID != nil
}

func (c *Comment) UpdateText(text string, now time.Time) error {
	if c.IsDeleted {
		return invalidStatef("cannot edit a deleted comment")
	}
	normalized, err := normalizeCommentText(text)
	if err != nil {
		return err
	}
	c.Text = normalized
	c.UpdatedAt = timePtr(now.UTC())
	return nil
}

// Delete soft-deletes the comment. The text stays; redaction is up to whoever
// renders it.
func (c *Comment) Delete(now time.Time) error {
	if c.IsDeleted {
		return invalidStatef("comment already deleted")
	}
	c.IsDeleted = true
	c.DeletedAt = timePtr(now.UTC())
	return nil
}

func normalizeCommentText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	length := utf8.RuneCountInString(trimmed)
	if length < MinCommentLength {
		return "", validationf("comment text is required")
	}
	if length > MaxCommentLength {
		return "", validationf("comment text exceeds %d characters", MaxCommentLength)
	}
	return trimmed, nil
}

func copyID(id *SessionID) *SessionID {
	if id == nil {
		return nil
	}
	value := *id
	return &value
}

func copyInt(value *int) *int {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
