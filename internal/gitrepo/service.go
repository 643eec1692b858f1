package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"collab/api/internal/collab"
)

const (
	mainBranch     = "main"
	sessionsDir    = "sessions"
	sessionTrailer = "Session: "
)

// ErrNotArchived is returned when a session has no snapshot in its resource repo.
var ErrNotArchived = errors.New("session not archived")

type ArchivedParticipant struct {
	UserID   string     `json:"userId"`
	Role     string     `json:"role"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

type ArchivedChange struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	UserID     string    `json:"userId"`
	Timestamp  time.Time `json:"timestamp"`
	ChangeType string    `json:"changeType"`
	Position   int       `json:"position"`
	Data       *string   `json:"data,omitempty"`
	Hash       string    `json:"hash"`
}

// Snapshot is the archived form of an ended session.
type Snapshot struct {
	SessionID    string                `json:"sessionId"`
	ResourceType string                `json:"resourceType"`
	ResourceID   string                `json:"resourceId"`
	StartedBy    string                `json:"startedBy"`
	StartedAt    time.Time             `json:"startedAt"`
	EndedAt      *time.Time            `json:"endedAt,omitempty"`
	Participants []ArchivedParticipant `json:"participants"`
	Changes      []ArchivedChange      `json:"changes"`
	CommentCount int                   `json:"commentCount"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	SessionID string    `json:"sessionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewSnapshot flattens a session and its change log into archive form.
func NewSnapshot(session collab.Session, changes []collab.Change, commentCount int) Snapshot {
	snapshot := Snapshot{
		SessionID:    session.ID.String(),
		ResourceType: string(session.ResourceType),
		ResourceID:   session.ResourceID.String(),
		StartedBy:    session.StartedBy.String(),
		StartedAt:    session.StartedAt.UTC(),
		EndedAt:      session.EndedAt,
		Participants: make([]ArchivedParticipant, 0, len(session.Participants)),
		Changes:      make([]ArchivedChange, 0, len(changes)),
		CommentCount: commentCount,
	}
	for _, p := range session.Participants {
		snapshot.Participants = append(snapshot.Participants, ArchivedParticipant{
			UserID:   p.UserID.String(),
			Role:     string(p.Role),
			JoinedAt: p.JoinedAt.UTC(),
			LeftAt:   p.LeftAt,
		})
	}
	for _, c := range changes {
		snapshot.Changes = append(snapshot.Changes, ArchivedChange{
			ID:         c.ID.String(),
			Seq:        c.Seq,
			UserID:     c.UserID.String(),
			Timestamp:  c.Timestamp.UTC(),
			ChangeType: string(c.ChangeType),
			Position:   c.Position,
			Data:       c.Data,
			Hash:       c.ChangeHash,
		})
	}
	return snapshot
}

// Service keeps one git repository per resource and commits a snapshot for
// every ended session. Writes to the same resource are serialized.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// ArchiveSession commits the snapshot to the resource repo and tags it.
// Archiving the same session twice returns the existing commit.
func (s *Service) ArchiveSession(snapshot Snapshot) (CommitInfo, error) {
	if snapshot.SessionID == "" || snapshot.ResourceType == "" || snapshot.ResourceID == "" {
		return CommitInfo{}, errors.New("archive session: snapshot is missing identifiers")
	}
	key := resourceKey(snapshot.ResourceType, snapshot.ResourceID)
	lock := s.resourceLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(key)
	if err != nil {
		return CommitInfo{}, err
	}
	if existing, err := taggedCommit(repo, snapshot.SessionID); err == nil {
		return toCommitInfo(existing), nil
	} else if !errors.Is(err, ErrNotArchived) {
		return CommitInfo{}, err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	root := worktree.Filesystem.Root()
	if err := os.MkdirAll(filepath.Join(root, sessionsDir), 0o755); err != nil {
		return CommitInfo{}, fmt.Errorf("create sessions dir: %w", err)
	}
	name := snapshotPath(snapshot.SessionID)
	if err := os.WriteFile(filepath.Join(root, filepath.FromSlash(name)), append(payload, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", name, err)
	}
	if _, err := worktree.Add(name); err != nil {
		return CommitInfo{}, fmt.Errorf("git add snapshot: %w", err)
	}

	when := time.Now().UTC()
	if snapshot.EndedAt != nil {
		when = snapshot.EndedAt.UTC()
	}
	message := fmt.Sprintf(
		"Archive %s session\n\nchanges=%d participants=%d comments=%d\n\n%s%s\n",
		snapshot.ResourceType,
		len(snapshot.Changes),
		len(snapshot.Participants),
		snapshot.CommentCount,
		sessionTrailer,
		snapshot.SessionID,
	)
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  snapshot.StartedBy,
			Email: fmt.Sprintf("%s@collab.local", sanitizeEmail(snapshot.StartedBy)),
			When:  when,
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}
	if _, err := repo.CreateTag(tagName(snapshot.SessionID), hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return CommitInfo{}, fmt.Errorf("create tag: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// History lists archive commits for a resource, newest first. A resource with
// no archived sessions has an empty history.
func (s *Service) History(resourceType, resourceID string, limit int) ([]CommitInfo, error) {
	key := resourceKey(resourceType, resourceID)
	lock := s.resourceLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []CommitInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", mainBranch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	history := make([]CommitInfo, 0)
	for limit <= 0 || len(history) < limit {
		commitObj, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate log: %w", err)
		}
		history = append(history, toCommitInfo(commitObj))
	}
	return history, nil
}

// ReadSnapshot loads the archived snapshot of one session.
func (s *Service) ReadSnapshot(resourceType, resourceID, sessionID string) (Snapshot, error) {
	key := resourceKey(resourceType, resourceID)
	lock := s.resourceLock(key)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(key))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Snapshot{}, ErrNotArchived
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := taggedCommit(repo, sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return readSnapshotFromCommit(commitObj, sessionID)
}

func (s *Service) ensureRepo(key string) (*git.Repository, error) {
	dir := s.repoPath(key)
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", mainBranch, err)
	}
	return repo, nil
}

func (s *Service) repoPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *Service) resourceLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[key]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

func resourceKey(resourceType, resourceID string) string {
	return path.Join(sanitizePathPart(resourceType), sanitizePathPart(resourceID))
}

func snapshotPath(sessionID string) string {
	return path.Join(sessionsDir, sanitizePathPart(sessionID)+".json")
}

func tagName(sessionID string) string {
	return "session-" + sanitizePathPart(sessionID)
}

func taggedCommit(repo *git.Repository, sessionID string) (*object.Commit, error) {
	ref, err := repo.Tag(tagName(sessionID))
	if errors.Is(err, git.ErrTagNotFound) {
		return nil, ErrNotArchived
	}
	if err != nil {
		return nil, fmt.Errorf("resolve tag: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load tagged commit: %w", err)
	}
	return commitObj, nil
}

func readSnapshotFromCommit(commitObj *object.Commit, sessionID string) (Snapshot, error) {
	file, err := commitObj.File(snapshotPath(sessionID))
	if errors.Is(err, object.ErrFileNotFound) {
		return Snapshot{}, ErrNotArchived
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(strings.SplitN(commitObj.Message, "\n", 2)[0]),
		Author:    commitObj.Author.Name,
		SessionID: sessionFromMessage(commitObj.Message),
		CreatedAt: commitObj.Author.When,
	}
}

func sessionFromMessage(message string) string {
	for _, line := range strings.Split(message, "\n") {
		if id, ok := strings.CutPrefix(strings.TrimSpace(line), sessionTrailer); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

// sanitizePathPart keeps ids from escaping the archive directory.
func sanitizePathPart(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "_"
	}
	return string(out)
}
