package app

import (
	"time"

	"github.com/samber/lo"

	"collab/api/internal/collab"
	"collab/api/internal/notify"
	"collab/api/internal/presence"
)

// Response shapes for the HTTP surface and event payloads. Deleted comment
// text is redacted here and nowhere else.

type participantDTO struct {
	ID             string     `json:"id"`
	UserID         string     `json:"userId"`
	Role           string     `json:"role"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LeftAt         *time.Time `json:"leftAt,omitempty"`
	LastActivityAt *time.Time `json:"lastActivityAt,omitempty"`
	CursorPosition *int       `json:"cursorPosition,omitempty"`
	IsActive       bool       `json:"isActive"`
}

type sessionDTO struct {
	ID                 string           `json:"id"`
	ResourceType       string           `json:"resourceType"`
	ResourceID         string           `json:"resourceId"`
	StartedBy          string           `json:"startedBy"`
	StartedAt          time.Time        `json:"startedAt"`
	EndedAt            *time.Time       `json:"endedAt,omitempty"`
	IsActive           bool             `json:"isActive"`
	ActiveParticipants int              `json:"activeParticipants"`
	Participants       []participantDTO `json:"participants"`
}

type commentDTO struct {
	ID           string     `json:"id"`
	SessionID    *string    `json:"sessionId,omitempty"`
	ResourceType string     `json:"resourceType"`
	ResourceID   string     `json:"resourceId"`
	UserID       string     `json:"userId"`
	Text         string     `json:"text"`
	Position     *int       `json:"position,omitempty"`
	ParentID     *string    `json:"parentId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
	IsDeleted    bool       `json:"isDeleted"`
	DeletedAt    *time.Time `json:"deletedAt,omitempty"`
}

type threadDTO struct {
	commentDTO
	Replies []threadDTO `json:"replies"`
}

type changeDTO struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	Timestamp  time.Time `json:"timestamp"`
	ChangeType string    `json:"changeType"`
	Position   int       `json:"position"`
	Data       *string   `json:"data,omitempty"`
	ChangeHash string    `json:"changeHash"`
}

type presenceUserDTO struct {
	UserID      string `json:"userId"`
	Connections int    `json:"connections"`
	Cursor      *int   `json:"cursor,omitempty"`
	Typing      bool   `json:"typing"`
}

type presenceDTO struct {
	SessionID   string            `json:"sessionId"`
	Connections int               `json:"connections"`
	Users       []presenceUserDTO `json:"users"`
}

func presentParticipant(p collab.Participant) participantDTO {
	return participantDTO{
		ID:             p.ID.String(),
		UserID:         p.UserID.String(),
		Role:           string(p.Role),
		JoinedAt:       p.JoinedAt,
		LeftAt:         p.LeftAt,
		LastActivityAt: p.LastActivityAt,
		CursorPosition: p.CursorPosition,
		IsActive:       p.IsActive(),
	}
}

func presentParticipants(items []collab.Participant) []participantDTO {
	return lo.Map(items, func(p collab.Participant, _ int) participantDTO { return presentParticipant(p) })
}

func presentSession(s collab.Session) sessionDTO {
	return sessionDTO{
		ID:                 s.ID.String(),
		ResourceType:       string(s.ResourceType),
		ResourceID:         s.ResourceID.String(),
		StartedBy:          s.StartedBy.String(),
		StartedAt:          s.StartedAt,
		EndedAt:            s.EndedAt,
		IsActive:           s.IsActive(),
		ActiveParticipants: s.ActiveParticipantCount(),
		Participants:       presentParticipants(s.Participants),
	}
}

func presentSessions(items []collab.Session) []sessionDTO {
	return lo.Map(items, func(s collab.Session, _ int) sessionDTO { return presentSession(s) })
}

func presentComment(c collab.Comment) commentDTO {
	dto := commentDTO{
		ID:           c.ID.String(),
		ResourceType: string(c.ResourceType),
		ResourceID:   c.ResourceID.String(),
		UserID:       c.UserID.String(),
		Text:         c.Text,
		Position:     c.Position,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		IsDeleted:    c.IsDeleted,
		DeletedAt:    c.DeletedAt,
	}
	if c.SessionID != nil {
		dto.SessionID = lo.ToPtr(c.SessionID.String())
	}
	if c.ParentID != nil {
		dto.ParentID = lo.ToPtr(c.ParentID.String())
	}
	if c.IsDeleted {
		dto.Text = ""
	}
	return dto
}

func presentThreads(items []collab.Thread) []threadDTO {
	return lo.Map(items, func(t collab.Thread, _ int) threadDTO {
		return threadDTO{commentDTO: presentComment(t.Comment), Replies: presentThreads(t.Replies)}
	})
}

func presentChange(c collab.Change) changeDTO {
	return changeDTO{
		ID:         c.ID.String(),
		Seq:        c.Seq,
		SessionID:  c.SessionID.String(),
		UserID:     c.UserID.String(),
		Timestamp:  c.Timestamp,
		ChangeType: string(c.ChangeType),
		Position:   c.Position,
		Data:       c.Data,
		ChangeHash: c.ChangeHash,
	}
}

func presentChanges(items []collab.Change) []changeDTO {
	return lo.Map(items, func(c collab.Change, _ int) changeDTO { return presentChange(c) })
}

func presentPresence(snapshot presence.Snapshot) presenceDTO {
	return presenceDTO{
		SessionID:   snapshot.SessionID.String(),
		Connections: snapshot.Connections,
		Users: lo.Map(snapshot.Users, func(u presence.UserPresence, _ int) presenceUserDTO {
			return presenceUserDTO{UserID: u.UserID.String(), Connections: u.Connections, Cursor: u.Cursor, Typing: u.Typing}
		}),
	}
}

func nonNilEvents(events []notify.Event) []notify.Event {
	if events == nil {
		return []notify.Event{}
	}
	return events
}
