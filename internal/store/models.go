package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"collab/api/internal/collab"
	"collab/api/internal/rbac"
)

const (
	sessionColumns     = `id, resource_type, resource_id, started_by, started_at, ended_at, version`
	participantColumns = `id, session_id, user_id, role, joined_at, left_at, last_activity_at, cursor_position`
	commentColumns     = `id, session_id, resource_type, resource_id, user_id, text, position, parent_comment_id, created_at, updated_at, is_deleted, deleted_at`
	changeColumns      = `seq, id, session_id, user_id, created_at, change_type, position, data, change_hash`
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (collab.Session, error) {
	var (
		item         collab.Session
		resourceType string
		endedAt      sql.NullTime
	)
	if err := row.Scan(&item.ID, &resourceType, &item.ResourceID, &item.StartedBy, &item.StartedAt, &endedAt, &item.Version); err != nil {
		return collab.Session{}, err
	}
	item.ResourceType = collab.ResourceType(resourceType)
	item.StartedAt = item.StartedAt.UTC()
	item.EndedAt = nullTime(endedAt)
	return item, nil
}

func scanParticipant(row rowScanner) (collab.Participant, error) {
	var (
		item           collab.Participant
		role           string
		leftAt         sql.NullTime
		lastActivityAt sql.NullTime
		cursor         sql.NullInt64
	)
	if err := row.Scan(&item.ID, &item.SessionID, &item.UserID, &role, &item.JoinedAt, &leftAt, &lastActivityAt, &cursor); err != nil {
		return collab.Participant{}, err
	}
	item.Role = rbac.Role(role)
	item.JoinedAt = item.JoinedAt.UTC()
	item.LeftAt = nullTime(leftAt)
	item.LastActivityAt = nullTime(lastActivityAt)
	item.CursorPosition = nullInt(cursor)
	return item, nil
}

func scanComment(row rowScanner) (collab.Comment, error) {
	var (
		item         collab.Comment
		sessionID    uuid.NullUUID
		resourceType string
		position     sql.NullInt64
		parentID     uuid.NullUUID
		updatedAt    sql.NullTime
		deletedAt    sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&sessionID,
		&resourceType,
		&item.ResourceID,
		&item.UserID,
		&item.Text,
		&position,
		&parentID,
		&item.CreatedAt,
		&updatedAt,
		&item.IsDeleted,
		&deletedAt,
	); err != nil {
		return collab.Comment{}, err
	}
	if sessionID.Valid {
		id := sessionID.UUID
		item.SessionID = &id
	}
	if parentID.Valid {
		id := parentID.UUID
		item.ParentID = &id
	}
	item.ResourceType = collab.ResourceType(resourceType)
	item.Position = nullInt(position)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = nullTime(updatedAt)
	item.DeletedAt = nullTime(deletedAt)
	return item, nil
}

func scanChange(row rowScanner) (collab.Change, error) {
	var (
		item       collab.Change
		changeType string
		data       sql.NullString
		hash       sql.NullString
	)
	if err := row.Scan(&item.Seq, &item.ID, &item.SessionID, &item.UserID, &item.Timestamp, &changeType, &item.Position, &data, &hash); err != nil {
		return collab.Change{}, err
	}
	item.Timestamp = item.Timestamp.UTC()
	item.ChangeType = collab.ChangeType(changeType)
	if data.Valid {
		value := data.String
		item.Data = &value
	}
	item.ChangeHash = hash.String
	return item, nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullInt(value sql.NullInt64) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int64)
	return &v
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullableInt(value *int) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*value), Valid: true}
}

func nullableTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func nullableString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

const uniqueViolation = "23505"

// translate maps driver errors onto domain errors. Unique violations mean the
// row already exists (an active session for the resource, or an active
// participant record for the user).
func translate(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return collab.Conflictf("%s: %s", op, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
