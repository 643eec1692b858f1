package app

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"collab/api/internal/collab"
	"collab/api/internal/rbac"
)

var validate = validator.New()

type startSessionRequest struct {
	ResourceType string `json:"resourceType" validate:"required,oneof=document diagram code_snippet workspace team"`
	ResourceID   string `json:"resourceId" validate:"required,uuid"`
	Role         string `json:"role" validate:"omitempty,oneof=viewer editor"`
}

type joinSessionRequest struct {
	Role string `json:"role" validate:"omitempty,oneof=viewer editor"`
}

type recordChangeRequest struct {
	ChangeType string  `json:"changeType" validate:"required,oneof=insert delete replace format cursor"`
	Position   *int    `json:"position" validate:"required,min=0"`
	Data       *string `json:"data" validate:"omitempty,max=4000"`
}

type createCommentRequest struct {
	SessionID    *string `json:"sessionId" validate:"omitempty,uuid"`
	ResourceType string  `json:"resourceType" validate:"required,oneof=document diagram code_snippet workspace team"`
	ResourceID   string  `json:"resourceId" validate:"required,uuid"`
	Text         string  `json:"text"`
	Position     *int    `json:"position" validate:"omitempty,min=0"`
}

type commentTextRequest struct {
	Text string `json:"text"`
}

// validateRequest runs the struct tags and reports every failing field.
func validateRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}
	details := make([]map[string]string, 0, len(fieldErrs))
	for _, fieldErr := range fieldErrs {
		details = append(details, map[string]string{
			"field": lowerFirst(fieldErr.Field()),
			"rule":  fieldErr.Tag(),
		})
	}
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid request", details)
}

func (req startSessionRequest) parse() (collab.ResourceType, collab.ResourceID, rbac.Role, error) {
	resourceType, err := collab.ParseResourceType(req.ResourceType)
	if err != nil {
		return "", collab.ResourceID{}, "", err
	}
	resourceID, err := collab.ParseID("resourceId", req.ResourceID)
	if err != nil {
		return "", collab.ResourceID{}, "", err
	}
	role, err := parseRole(req.Role, rbac.RoleEditor)
	if err != nil {
		return "", collab.ResourceID{}, "", err
	}
	return resourceType, resourceID, role, nil
}

func (req createCommentRequest) parse() (CreateCommentInput, error) {
	resourceType, err := collab.ParseResourceType(req.ResourceType)
	if err != nil {
		return CreateCommentInput{}, err
	}
	resourceID, err := collab.ParseID("resourceId", req.ResourceID)
	if err != nil {
		return CreateCommentInput{}, err
	}
	input := CreateCommentInput{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Text:         req.Text,
		Position:     req.Position,
	}
	if req.SessionID != nil {
		sessionID, err := collab.ParseID("sessionId", *req.SessionID)
		if err != nil {
			return CreateCommentInput{}, err
		}
		input.SessionID = &sessionID
	}
	return input, nil
}

func (req recordChangeRequest) parse() (ChangeInput, error) {
	changeType, err := collab.ParseChangeType(req.ChangeType)
	if err != nil {
		return ChangeInput{}, err
	}
	return ChangeInput{Type: changeType, Position: *req.Position, Data: req.Data}, nil
}

func parseRole(raw string, fallback rbac.Role) (rbac.Role, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	return collab.ParseRole(raw)
}

func lowerFirst(value string) string {
	if value == "" {
		return value
	}
	return strings.ToLower(value[:1]) + value[1:]
}
