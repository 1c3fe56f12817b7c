// Package docs derives the set of source documents cited by answers.
package docs

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/user/docchat/internal/protocol"
)

// Document is a cited source the viewer can fetch.
type Document struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	ID   string `json:"id"`
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// DOMID turns a source name into an identifier safe for use as an element id.
func DOMID(source string) string {
	return nonAlnum.ReplaceAllString(source, "_")
}

// SourceURL builds the fetchable URL for a source under baseURL.
func SourceURL(baseURL, source string) string {
	if baseURL == "" {
		return source
	}
	u, err := url.JoinPath(baseURL, source)
	if err != nil {
		return strings.TrimSuffix(baseURL, "/") + "/" + source
	}
	return u
}

// FromChunks returns one Document per distinct chunk source, in first-seen order.
// Chunks without a source are skipped.
func FromChunks(baseURL string, chunks []protocol.Chunk) []Document {
	seen := make(map[string]bool, len(chunks))
	var out []Document
	for _, c := range chunks {
		if c.Source == "" || seen[c.Source] {
			continue
		}
		seen[c.Source] = true
		out = append(out, Document{
			Name: c.Source,
			URL:  SourceURL(baseURL, c.Source),
			ID:   DOMID(c.Source),
		})
	}
	return out
}

// Library is the ordered set of documents opened during a conversation,
// deduplicated by URL. It is not safe for concurrent use.
type Library struct {
	docs []Document
	urls map[string]bool
}

// Add appends the documents whose URL is not already present and returns them.
func (l *Library) Add(docs ...Document) []Document {
	if l.urls == nil {
		l.urls = make(map[string]bool)
	}
	var added []Document
	for _, d := range docs {
		if l.urls[d.URL] {
			continue
		}
		l.urls[d.URL] = true
		l.docs = append(l.docs, d)
		added = append(added, d)
	}
	return added
}

// All returns a copy of the documents in insertion order.
func (l *Library) All() []Document {
	out := make([]Document, len(l.docs))
	copy(out, l.docs)
	return out
}

// Len returns the number of documents.
func (l *Library) Len() int { return len(l.docs) }

// Reset empties the library.
func (l *Library) Reset() {
	l.docs = nil
	l.urls = nil
}
