// Package transcript folds normalized server events into the ordered,
// displayable conversation log.
package transcript

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/user/docchat/internal/protocol"
)

// Kind classifies an entry for rendering.
type Kind string

const (
	KindUser   Kind = "user"
	KindAI     Kind = "ai"
	KindError  Kind = "error"
	KindSystem Kind = "system"
)

// Entry is one line of the transcript.
type Entry struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	Content   string           `json:"content"`
	Italic    bool             `json:"italic,omitempty"`
	Loader    bool             `json:"loader,omitempty"`
	ThreadID  string           `json:"thread_id,omitempty"`
	Citations []protocol.Chunk `json:"citations,omitempty"`
	At        time.Time        `json:"at"`
}

// Log is an insertion-ordered list of entries. Pending placeholders are
// addressed by key through an index so replacing one never moves it.
type Log struct {
	entries []Entry
	keys    map[string]int
	// uses counts the entries ever appended under a key so that entries from
	// successive turns get distinct ids.
	uses map[string]int
}

// Append adds e at the end. An empty ID is filled with a random one.
func (l *Log) Append(e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	l.entries = append(l.entries, e)
}

// Upsert replaces the live entry registered under key in place, keeping its
// ID, or appends e and registers it under key. The first entry appended under
// a key is identified by the key itself, later ones by "key#n". It reports
// whether a new entry was appended.
func (l *Log) Upsert(key string, e Entry) bool {
	if i, ok := l.keys[key]; ok {
		e.ID = l.entries[i].ID
		l.entries[i] = e
		return false
	}
	if l.keys == nil {
		l.keys = make(map[string]int)
		l.uses = make(map[string]int)
	}
	l.uses[key]++
	e.ID = key
	if n := l.uses[key]; n > 1 {
		e.ID = fmt.Sprintf("%s#%d", key, n)
	}
	l.keys[key] = len(l.entries)
	l.entries = append(l.entries, e)
	return true
}

// Seal detaches keys from their entries. The entries stay where they are, but
// the next Upsert under the same key appends a new one.
func (l *Log) Seal(keys ...string) {
	for _, k := range keys {
		delete(l.keys, k)
	}
}

// Reset replaces the whole log and forgets every live key. Entries without an
// ID get a random one.
func (l *Log) Reset(entries []Entry) {
	l.entries = make([]Entry, 0, len(entries))
	for _, e := range entries {
		l.Append(e)
	}
	for k := range l.keys {
		delete(l.keys, k)
	}
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int { return len(l.entries) }
