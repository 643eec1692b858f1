// Package search indexes comments for full-text lookup. Meilisearch is used
// while it is healthy; PostgreSQL full-text search is the fallback.
package search

import (
	"context"

	"collab/api/internal/collab"
)

// Result is a single search hit returned to the caller.
type Result struct {
	CommentID    string `json:"commentId"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	SessionID    string `json:"sessionId,omitempty"`
	UserID       string `json:"userId"`
	Snippet      string `json:"snippet"`
}

// Query describes a search request. Empty filters match everything.
type Query struct {
	Text         string
	ResourceType collab.ResourceType
	ResourceID   string
	SessionID    string
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push comments into a search index.
type Indexer interface {
	IndexComments(records []CommentRecord) error
	DeleteComment(id string) error
}

// CommentRecord is the data we index for a comment. Deleted comments are
// never indexed.
type CommentRecord struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId"`
	SessionID    string `json:"sessionId"`
	UserID       string `json:"userId"`
	ParentID     string `json:"parentId"`
	CreatedAt    int64  `json:"createdAt"`
}

func RecordFromComment(c collab.Comment) CommentRecord {
	record := CommentRecord{
		ID:           c.ID.String(),
		Text:         c.Text,
		ResourceType: string(c.ResourceType),
		ResourceID:   c.ResourceID.String(),
		UserID:       c.UserID.String(),
		CreatedAt:    c.CreatedAt.Unix(),
	}
	if c.SessionID != nil {
		record.SessionID = c.SessionID.String()
	}
	if c.ParentID != nil {
		record.ParentID = c.ParentID.String()
	}
	return record
}
