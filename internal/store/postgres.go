package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"collab/api/internal/collab"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// CreateSession inserts the session and its participants in one transaction.
// A second active session for the same resource is rejected by
// uq_collaboration_sessions_active_resource and comes back as ErrConflict.
func (s *PostgresStore) CreateSession(ctx context.Context, session *collab.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if session.Version == 0 {
		session.Version = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO collaboration_sessions (id, resource_type, resource_id, started_by, started_at, ended_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, session.ID, string(session.ResourceType), session.ResourceID, session.StartedBy, session.StartedAt, nullableTime(session.EndedAt), session.Version)
	if err != nil {
		return translate("insert session", err)
	}
	if err := upsertParticipants(ctx, tx, session.Participants); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session: %w", err)
	}
	return nil
}

// UpdateSession saves the aggregate if nobody else saved it since it was
// loaded; otherwise it returns collab.ErrStale and writes nothing.
func (s *PostgresStore) UpdateSession(ctx context.Context, session *collab.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE collaboration_sessions
		SET ended_at=$2, version=version+1
		WHERE id=$1 AND version=$3
	`, session.ID, nullableTime(session.EndedAt), session.Version)
	if err != nil {
		return translate("update session", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM collaboration_sessions WHERE id=$1)`, session.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if !exists {
			return collab.NotFoundf("session %s", session.ID)
		}
		return collab.ErrStale
	}

	if err := upsertParticipants(ctx, tx, session.Participants); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update session: %w", err)
	}
	session.Version++
	return nil
}

func upsertParticipants(ctx context.Context, tx *sql.Tx, participants []collab.Participant) error {
	for _, p := range participants {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_participants (id, session_id, user_id, role, joined_at, left_at, last_activity_at, cursor_position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				left_at=EXCLUDED.left_at,
				last_activity_at=EXCLUDED.last_activity_at,
				cursor_position=EXCLUDED.cursor_position
		`, p.ID, p.SessionID, p.UserID, string(p.Role), p.JoinedAt, nullableTime(p.LeftAt), nullableTime(p.LastActivityAt), nullableInt(p.CursorPosition))
		if err != nil {
			return translate("upsert participant", err)
		}
	}
	return nil
}

// DeleteSession purges a session with its participants and change log.
// Comments made in it survive with their session reference cleared.
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID collab.SessionID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT set_config('collab.allow_purge', 'on', true)`); err != nil {
		return fmt.Errorf("enable purge: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM collaboration_sessions WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("delete session rows: %w", err)
	} else if affected == 0 {
		return collab.NotFoundf("session %s", sessionID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID collab.SessionID) (*collab.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM collaboration_sessions WHERE id=$1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, collab.NotFoundf("session %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	participants, err := s.ListParticipants(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	session.Participants = participants
	return &session, nil
}

// GetActiveSessionByResource returns nil when the resource has no active session.
func (s *PostgresStore) GetActiveSessionByResource(ctx context.Context, resourceType collab.ResourceType, resourceID collab.ResourceID) (*collab.Session, error) {
	var sessionID uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM collaboration_sessions
		WHERE resource_type=$1 AND resource_id=$2 AND ended_at IS NULL
	`, string(resourceType), resourceID).Scan(&sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

// ListUserSessions returns the sessions the user ever joined, newest first.
func (s *PostgresStore) ListUserSessions(ctx context.Context, userID collab.UserID, activeOnly bool) ([]collab.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM collaboration_sessions cs
		WHERE EXISTS (SELECT 1 FROM session_participants sp WHERE sp.session_id = cs.id AND sp.user_id = $1)
		  AND (NOT $2::boolean OR cs.ended_at IS NULL)
		ORDER BY cs.started_at DESC
	`, userID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list user sessions: %w", err)
	}
	defer rows.Close()

	items := make([]collab.Session, 0)
	for rows.Next() {
		item, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	if len(items) == 0 {
		return items, nil
	}

	ids := lo.Map(items, func(item collab.Session, _ int) string { return item.ID.String() })
	participants, err := s.listParticipantsFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	bySession := lo.GroupBy(participants, func(p collab.Participant) collab.SessionID { return p.SessionID })
	for i := range items {
		items[i].Participants = bySession[items[i].ID]
	}
	return items, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, sessionID collab.SessionID, activeOnly bool) ([]collab.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM session_participants
		WHERE session_id=$1
		  AND (NOT $2::boolean OR left_at IS NULL)
		ORDER BY joined_at ASC, id ASC
	`, sessionID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return collectParticipants(rows)
}

func (s *PostgresStore) listParticipantsFor(ctx context.Context, sessionIDs []string) ([]collab.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+participantColumns+`
		FROM session_participants
		WHERE session_id = ANY($1::uuid[])
		ORDER BY joined_at ASC, id ASC
	`, sessionIDs)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return collectParticipants(rows)
}

func collectParticipants(rows *sql.Rows) ([]collab.Participant, error) {
	defer rows.Close()
	items := make([]collab.Participant, 0)
	for rows.Next() {
		item, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) CreateComment(ctx context.Context, comment *collab.Comment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, session_id, resource_type, resource_id, user_id, text, position, parent_comment_id, created_at, updated_at, is_deleted, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, comment.ID, nullUUID(comment.SessionID), string(comment.ResourceType), comment.ResourceID, comment.UserID, comment.Text,
		nullableInt(comment.Position), nullUUID(comment.ParentID), comment.CreatedAt, nullableTime(comment.UpdatedAt), comment.IsDeleted, nullableTime(comment.DeletedAt))
	if err != nil {
		return translate("insert comment", err)
	}
	return nil
}

// UpdateComment persists the mutable fields: text, edit time and deletion flag.
func (s *PostgresStore) UpdateComment(ctx context.Context, comment *collab.Comment) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET text=$2, updated_at=$3, is_deleted=$4, deleted_at=$5
		WHERE id=$1
	`, comment.ID, comment.Text, nullableTime(comment.UpdatedAt), comment.IsDeleted, nullableTime(comment.DeletedAt))
	if err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update comment rows: %w", err)
	}
	if affected == 0 {
		return collab.NotFoundf("comment %s", comment.ID)
	}
	return nil
}

// GetComment returns the comment whether or not it is soft-deleted.
func (s *PostgresStore) GetComment(ctx context.Context, commentID collab.CommentID) (*collab.Comment, error) {
	comment, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, commentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, collab.NotFoundf("comment %s", commentID)
	}
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	return &comment, nil
}

func (s *PostgresStore) ListResourceComments(ctx context.Context, resourceType collab.ResourceType, resourceID collab.ResourceID, includeDeleted bool) ([]collab.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE resource_type=$1 AND resource_id=$2
		  AND ($3::boolean OR NOT is_deleted)
		ORDER BY created_at ASC, id ASC
	`, string(resourceType), resourceID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("list resource comments: %w", err)
	}
	return collectComments(rows)
}

func (s *PostgresStore) ListSessionComments(ctx context.Context, sessionID collab.SessionID, includeDeleted bool) ([]collab.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE session_id=$1
		  AND ($2::boolean OR NOT is_deleted)
		ORDER BY created_at ASC, id ASC
	`, sessionID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("list session comments: %w", err)
	}
	return collectComments(rows)
}

// GetCommentsByIDs keeps the order of ids and skips ids that are missing or deleted.
func (s *PostgresStore) GetCommentsByIDs(ctx context.Context, ids []collab.CommentID) ([]collab.Comment, error) {
	if len(ids) == 0 {
		return []collab.Comment{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments
		WHERE id = ANY($1::uuid[]) AND NOT is_deleted
	`, lo.Map(ids, func(id collab.CommentID, _ int) string { return id.String() }))
	if err != nil {
		return nil, fmt.Errorf("get comments: %w", err)
	}
	found, err := collectComments(rows)
	if err != nil {
		return nil, err
	}
	byID := lo.KeyBy(found, func(c collab.Comment) collab.CommentID { return c.ID })
	items := make([]collab.Comment, 0, len(found))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func collectComments(rows *sql.Rows) ([]collab.Comment, error) {
	defer rows.Close()
	items := make([]collab.Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// AppendChange inserts the entry and fills change.Seq with the sequence the
// database assigned.
func (s *PostgresStore) AppendChange(ctx context.Context, change *collab.Change) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO session_changes (id, session_id, user_id, created_at, change_type, position, data, change_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		RETURNING seq
	`, change.ID, change.SessionID, change.UserID, change.Timestamp, string(change.ChangeType), change.Position,
		nullableString(change.Data), change.ChangeHash).Scan(&change.Seq)
	if err != nil {
		return translate("append change", err)
	}
	return nil
}

// ListChangesSince returns the session's changes after since (all of them when
// since is nil) in log order.
func (s *PostgresStore) ListChangesSince(ctx context.Context, sessionID collab.SessionID, since *time.Time) ([]collab.Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeColumns+`
		FROM session_changes
		WHERE session_id=$1
		  AND ($2::timestamptz IS NULL OR created_at > $2::timestamptz)
		ORDER BY created_at ASC, seq ASC
	`, sessionID, nullableTime(since))
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	items := make([]collab.Change, 0)
	for rows.Next() {
		item, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
