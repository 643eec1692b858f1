package collab

import (
	"sort"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Thread is a comment with its replies, rebuilt from a flat list on every read.
type Thread struct {
	Comment Comment
	Replies []Thread
}

// BuildThreads groups comments by parent id. A comment whose parent is not in
// the list is returned as a root so nothing is silently dropped. Siblings are
// ordered by creation time, then id.
func BuildThreads(comments []Comment) []Thread {
	known := lo.SliceToMap(comments, func(c Comment) (CommentID, struct{}) {
		return c.ID, struct{}{}
	})
	children := lo.GroupBy(comments, func(c Comment) CommentID {
		if c.ParentID == nil {
			return uuid.Nil
		}
		if _, ok := known[*c.ParentID]; !ok {
			return uuid.Nil
		}
		return *c.ParentID
	})

	visited := make(map[CommentID]bool, len(comments))
	var build func(parent CommentID) []Thread
	build = func(parent CommentID) []Thread {
		items := children[parent]
		sortComments(items)
		threads := make([]Thread, 0, len(items))
		for _, item := range items {
			if visited[item.ID] {
				continue
			}
			visited[item.ID] = true
			threads = append(threads, Thread{Comment: item, Replies: build(item.ID)})
		}
		return threads
	}
	roots := build(uuid.Nil)

	// Comments only reachable through a parent cycle become roots.
	leftovers := lo.Filter(comments, func(c Comment, _ int) bool { return !visited[c.ID] })
	sortComments(leftovers)
	for _, item := range leftovers {
		if visited[item.ID] {
			continue
		}
		visited[item.ID] = true
		roots = append(roots, Thread{Comment: item, Replies: build(item.ID)})
	}
	return roots
}

// CountReplies counts every descendant in the thread.
func (t Thread) CountReplies() int {
	total := 0
	for _, reply := range t.Replies {
		total += 1 + reply.CountReplies()
	}
	return total
}

func sortComments(items []Comment) {
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}
