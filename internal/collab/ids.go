// Package collab holds the collaboration domain: sessions and their participants,
// threaded comments and the per-session change log. Nothing here performs I/O.
package collab

import (
	"strings"

	"github.com/google/uuid"

	"collab/api/internal/rbac"
)

type (
	SessionID     = uuid.UUID
	ParticipantID = uuid.UUID
	CommentID     = uuid.UUID
	ChangeID      = uuid.UUID
	ResourceID    = uuid.UUID
	UserID        = uuid.UUID
)

// NewID returns a random identifier; it is never uuid.Nil.
func NewID() uuid.UUID {
	for {
		id := uuid.New()
		if id != uuid.Nil {
			return id
		}
	}
}

// ParseID parses raw into an identifier, rejecting the all-zero value.
func ParseID(kind, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, validationf("%s is not a valid identifier", kind)
	}
	if id == uuid.Nil {
		return uuid.Nil, validationf("%s must not be the zero identifier", kind)
	}
	return id, nil
}

func requireID(kind string, id uuid.UUID) error {
	if id == uuid.Nil {
		return validationf("%s is required", kind)
	}
	return nil
}

type ResourceType string

const (
	ResourceDocument    ResourceType = "document"
	ResourceDiagram     ResourceType = "diagram"
	ResourceCodeSnippet ResourceType = "code_snippet"
	ResourceWorkspace   ResourceType = "workspace"
	ResourceTeam        ResourceType = "team"
)

var resourceTypes = map[ResourceType]struct{}{
	ResourceDocument:    {},
	ResourceDiagram:     {},
	ResourceCodeSnippet: {},
	ResourceWorkspace:   {},
	ResourceTeam:        {},
}

func ParseResourceType(value string) (ResourceType, error) {
	normalized := ResourceType(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := resourceTypes[normalized]; !ok {
		return "", validationf("unknown resource type %q", value)
	}
	return normalized, nil
}

func (t ResourceType) Valid() bool {
	_, ok := resourceTypes[t]
	return ok
}

func ParseRole(value string) (rbac.Role, error) {
	role, ok := rbac.Parse(value)
	if !ok {
		return "", validationf("unknown role %q", value)
	}
	return role, nil
}

func validRole(role rbac.Role) error {
	if role != rbac.RoleViewer && role != rbac.RoleEditor {
		return validationf("unknown role %q", role)
	}
	return nil
}
