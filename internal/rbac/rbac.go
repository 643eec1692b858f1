package rbac

import "strings"

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

const (
	ActionView    Action = "view"
	ActionComment Action = "comment"
	ActionEdit    Action = "edit"
	ActionEnd     Action = "end"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleEditor:
		return action == ActionView || action == ActionComment || action == ActionEdit || action == ActionEnd
	case RoleViewer:
		return action == ActionView || action == ActionComment || action == ActionEnd
	default:
		return false
	}
}

// Parse reports false for anything other than a known role.
func Parse(role string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleViewer:
		return RoleViewer, true
	case RoleEditor:
		return RoleEditor, true
	default:
		return "", false
	}
}

func Normalize(role string) Role {
	if parsed, ok := Parse(role); ok {
		return parsed
	}
	return RoleViewer
}
