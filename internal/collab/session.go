package collab

import (
	"time"

	"collab/api/internal/rbac"
)

// Participant is a user's membership record in a session. A user who leaves and
// rejoins gets a new record, so the roster keeps the full history.
type Participant struct {
	ID             ParticipantID
	SessionID      SessionID
	UserID         UserID
	Role           rbac.Role
	JoinedAt       time.Time
	LeftAt         *time.Time
	LastActivityAt *time.Time
	CursorPosition *int
}

func (p Participant) IsActive() bool {
	return p.LeftAt == nil
}

// Session is a bounded collaborative period on one resource. It is Active while
// EndedAt is nil; Ended is terminal.
//
// At most one active session may exist per resource. That rule needs a lookup
// across sessions, so callers check it before StartSession.
type Session struct {
	ID           SessionID
	ResourceType ResourceType
	ResourceID   ResourceID
	StartedBy    UserID
	StartedAt    time.Time
	EndedAt      *time.Time
	Participants []Participant
	// Version is the store's optimistic concurrency token.
	Version      int

	// Changes and Comments are only filled by detail reads.
	Changes  []Change
	Comments []Comment
}

func StartSession(resourceType ResourceType, resourceID ResourceID, initiator UserID, role rbac.Role, now time.Time) (*Session, error) {
	if !resourceType.Valid() {
		return nil, validationf("unknown resource type %q", resourceType)
	}
	if err := requireID("resourceId", resourceID); err != nil {
		return nil, err
	}
	if err := requireID("userId", initiator); err != nil {
		return nil, err
	}
	if err := validRole(role); err != nil {
		return nil, err
	}

	now = now.UTC()
	session := &Session{
		ID:           NewID(),
		ResourceType: resourceType,
		ResourceID:   resourceID,
		StartedBy:    initiator,
		StartedAt:    now,
	}
	session.Participants = append(session.Participants, session.newParticipant(initiator, role, now))
	return session, nil
}

func (s *Session) IsActive() bool {
	return s.EndedAt == nil
}

func (s *Session) newParticipant(userID UserID, role rbac.Role, now time.Time) Participant {
	return Participant{
		ID:             NewID(),
		SessionID:      s.ID,
		UserID:         userID,
		Role:           role,
		JoinedAt:       now,
		LastActivityAt: timePtr(now),
	}
}

// AddParticipant appends a participant, or refreshes the activity timestamp when
// the user is already active. It reports whether a new record was created.
func (s *Session) AddParticipant(userID UserID, role rbac.Role, now time.Time) (bool, error) {
	if !s.IsActive() {
		return false, invalidStatef("cannot join an ended session")
	}
	if err := requireID("userId", userID); err != nil {
		return false, err
	}
	if err := validRole(role); err != nil {
		return false, err
	}

	now = now.UTC()
	if idx := s.activeIndex(userID); idx >= 0 {
		s.Participants[idx].LastActivityAt = timePtr(now)
		return false, nil
	}
	s.Participants = append(s.Participants, s.newParticipant(userID, role, now))
	return true, nil
}

// RemoveParticipant marks the user's active record as left. Removing the last
// active participant ends the session in the same call; ended reports that.
func (s *Session) RemoveParticipant(userID UserID, now time.Time) (ended bool, err error) {
	if !s.IsActive() {
		return false, invalidStatef("cannot leave an ended session")
	}
	idx := s.activeIndex(userID)
	if idx < 0 {
		return false, NotFoundf("user %s is not an active participant", userID)
	}

	now = now.UTC()
	s.Participants[idx].LeftAt = timePtr(now)
	if s.ActiveParticipantCount() == 0 {
		if err := s.End(now); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// End closes the session. Active participants are marked as left at the same instant.
func (s *Session) End(now time.Time) error {
	if !s.IsActive() {
		return ErrAlreadyEnded
	}
	now = now.UTC()
	for i := range s.Participants {
		if s.Participants[i].IsActive() {
			s.Participants[i].LeftAt = timePtr(now)
		}
	}
	s.EndedAt = timePtr(now)
	return nil
}

// RecordActivity refreshes an active participant's activity and, when cursor is
// non-nil, its last known cursor offset.
func (s *Session) RecordActivity(userID UserID, cursor *int, now time.Time) error {
	if !s.IsActive() {
		return invalidStatef("session has ended")
	}
	idx := s.activeIndex(userID)
	if idx < 0 {
		return NotFoundf("user %s is not an active participant", userID)
	}
	s.Participants[idx].LastActivityAt = timePtr(now.UTC())
	if cursor != nil {
		position := *cursor
		s.Participants[idx].CursorPosition = &position
	}
	return nil
}

func (s *Session) IsUserActiveParticipant(userID UserID) bool {
	return s.activeIndex(userID) >= 0
}

// HasParticipated reports whether the user ever joined, active or not.
func (s *Session) HasParticipated(userID UserID) bool {
	for _, participant := range s.Participants {
		if participant.UserID == userID {
			return true
		}
	}
	return false
}

func (s *Session) ActiveParticipantCount() int {
	count := 0
	for _, participant := range s.Participants {
		if participant.IsActive() {
			count++
		}
	}
	return count
}

func (s *Session) ActiveParticipant(userID UserID) (Participant, bool) {
	idx := s.activeIndex(userID)
	if idx < 0 {
		return Participant{}, false
	}
	return s.Participants[idx], true
}

func (s *Session) ActiveParticipants() []Participant {
	items := make([]Participant, 0, len(s.Participants))
	for _, participant := range s.Participants {
		if participant.IsActive() {
			items = append(items, participant)
		}
	}
	return items
}

func (s *Session) activeIndex(userID UserID) int {
	for i, participant := range s.Participants {
		if participant.UserID == userID && participant.IsActive() {
			return i
		}
	}
	return -1
}

func timePtr(value time.Time) *time.Time {
	return &value
}
