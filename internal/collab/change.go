package collab

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

const MaxChangeDataLength = 4000

type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeDelete  ChangeType = "delete"
	ChangeReplace ChangeType = "replace"
	ChangeFormat  ChangeType = "format"
	ChangeCursor  ChangeType = "cursor"
)

func ParseChangeType(value string) (ChangeType, error) {
	changeType := ChangeType(strings.ToLower(strings.TrimSpace(value)))
	if !changeType.Valid() {
		return "", validationf("unknown change type %q", value)
	}
	return changeType, nil
}

func (t ChangeType) Valid() bool {
	switch t {
	case ChangeInsert, ChangeDelete, ChangeReplace, ChangeFormat, ChangeCursor:
		return true
	default:
		return false
	}
}

// Change is one entry of a session's edit history. Entries are written once and
// never updated. Seq is assigned by the store on insert and breaks timestamp ties.
type Change struct {
	ID         ChangeID
	Seq        int64
	SessionID  SessionID
	UserID     UserID
	Timestamp  time.Time
	ChangeType ChangeType
	Position   int
	Data       *string
	ChangeHash string
}

func NewChange(sessionID SessionID, userID UserID, changeType ChangeType, position int, data *string, now time.Time) (*Change, error) {
	if err := requireID("sessionId", sessionID); err != nil {
		return nil, err
	}
	if err := requireID("userId", userID); err != nil {
		return nil, err
	}
	if !changeType.Valid() {
		return nil, validationf("unknown change type %q", changeType)
	}
	if position < 0 {
		return nil, validationf("position must not be negative")
	}
	if data != nil && utf8.RuneCountInString(*data) > MaxChangeDataLength {
		return nil, validationf("change data exceeds %d characters", MaxChangeDataLength)
	}

	// Postgres keeps microseconds; truncate so the hash survives a round trip.
	change := &Change{
		ID:         NewID(),
		SessionID:  sessionID,
		UserID:     userID,
		Timestamp:  now.UTC().Truncate(time.Microsecond),
		ChangeType: changeType,
		Position:   position,
	}
	if data != nil {
		value := *data
		change.Data = &value
	}
	change.ChangeHash = change.computeHash()
	return change, nil
}

// Verify reports whether the stored hash matches the entry's fields.
func (c Change) Verify() bool {
	return c.ChangeHash != "" && c.ChangeHash == c.computeHash()
}

func (c Change) computeHash() string {
	hasher, _ := blake2b.New256(nil)
	var buf [8]byte

	hasher.Write(c.SessionID[:])
	hasher.Write(c.UserID[:])
	binary.BigEndian.PutUint64(buf[:], uint64(c.Timestamp.UTC().UnixMicro()))
	hasher.Write(buf[:])
	hasher.Write([]byte(c.ChangeType))
	hasher.Write([]byte{0})
	binary.BigEndian.PutUint64(buf[:], uint64(c.Position))
	hasher.Write(buf[:])
	if c.Data != nil {
		hasher.Write([]byte{1})
		hasher.Write([]byte(*c.Data))
	} else {
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func changeLess(a, b Change) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.Seq < b.Seq
}

// ChangeLog is an ordered, read-only view of one session's changes. It does
// not merge or transform concurrent edits.
type ChangeLog struct {
	entries []Change
}

func NewChangeLog(sessionID SessionID, entries []Change) *ChangeLog {
	log := &ChangeLog{}
	for _, entry := range entries {
		if entry.SessionID != sessionID {
			continue
		}
		log.entries = append(log.entries, entry)
	}
	sort.SliceStable(log.entries, func(i, j int) bool {
		return changeLess(log.entries[i], log.entries[j])
	})
	return log
}

// Since returns the entries strictly after since, oldest first.
func (l *ChangeLog) Since(since time.Time) []Change {
	idx := sort.Search(len(l.entries), func(i int) bool {
		return l.entries[i].Timestamp.After(since)
	})
	out := make([]Change, len(l.entries)-idx)
	copy(out, l.entries[idx:])
	return out
}

func (l *ChangeLog) Entries() []Change {
	out := make([]Change, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *ChangeLog) Len() int {
	return len(l.entries)
}
