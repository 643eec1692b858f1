// Package notify delivers collaboration events to interested clients. Delivery
// is best-effort: callers log a failed publish and carry on.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"collab/api/internal/collab"
)

type Type string

const (
	SessionStarted    Type = "session.started"
	SessionEnded      Type = "session.ended"
	ParticipantJoined Type = "participant.joined"
	ParticipantLeft   Type = "participant.left"
	CommentAdded      Type = "comment.added"
	CommentUpdated    Type = "comment.updated"
	CommentDeleted    Type = "comment.deleted"
	CommentReply      Type = "comment.reply"
	ChangeRecorded    Type = "change.recorded"
	PresenceCursor    Type = "presence.cursor"
	PresenceTyping    Type = "presence.typing"
)

// Event is the wire form of a notification. An event with TargetUserID is
// meant for that user only; otherwise it goes to everyone in the session.
type Event struct {
	Type         Type                `json:"type"`
	SessionID    *collab.SessionID   `json:"sessionId,omitempty"`
	ResourceType collab.ResourceType `json:"resourceType,omitempty"`
	ResourceID   collab.ResourceID   `json:"resourceId"`
	ActorID      collab.UserID       `json:"actorId"`
	TargetUserID *collab.UserID      `json:"targetUserId,omitempty"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
	At           time.Time           `json:"at"`
	// Origin names the instance that published the event.
	Origin       string              `json:"origin,omitempty"`
}

// NewEvent marshals payload into the event. A nil payload is omitted.
func NewEvent(eventType Type, resourceType collab.ResourceType, resourceID collab.ResourceID, actor collab.UserID, payload any) (Event, error) {
	event := Event{
		Type:         eventType,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActorID:      actor,
		At:           time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		event.Payload = raw
	}
	return event, nil
}

func (e Event) InSession(sessionID collab.SessionID) Event {
	e.SessionID = &sessionID
	return e
}

func (e Event) For(userID collab.UserID) Event {
	e.TargetUserID = &userID
	return e
}

func (e Event) Targeted() bool {
	return e.TargetUserID != nil && *e.TargetUserID != uuid.Nil
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, event Event) error

func (f PublisherFunc) Publish(ctx context.Context, event Event) error {
	return f(ctx, event)
}

type nop struct{}

func (nop) Publish(context.Context, Event) error { return nil }

// Nop discards every event.
var Nop Publisher = nop{}

// Fanout hands each event to every publisher, even when one fails, and joins
// the errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
