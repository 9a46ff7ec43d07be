// Package record defines the canonical Hacker News item shape shared by
// the corpus store, the relational mirror, the embedder, and the
// ingestion pipeline.
package record

import "strings"

// Kind enumerates the four HN item types.
type Kind string

const (
	KindStory   Kind = "story"
	KindComment Kind = "comment"
	KindJob     Kind = "job"
	KindPoll    Kind = "poll"
)

// ParseKind converts an upstream "type" string into a Kind. Unknown
// values pass through unchanged — the mirror stores whatever the
// upstream source sends and lets callers filter on it.
func ParseKind(s string) Kind {
	return Kind(s)
}

// Record is the canonical row for one Hacker News item.
type Record struct {
	ID      uint32
	Kind    Kind
	Author  string
	Time    uint32
	Title   *string
	Text    *string
	URL     *string
	Score   *uint32
	Deleted bool
	Dead    bool
}

// Live reports whether r is neither deleted nor dead.
func (r Record) Live() bool {
	return !r.Deleted && !r.Dead
}

// entitySubs are applied in this exact order — matching the upstream
// generator byte for byte, since later substitutions can otherwise
// interact with earlier ones (e.g. "&amp;quot;" decoding twice).
var entitySubs = []struct{ from, to string }{
	{"&#x27;", "'"},
	{"&quot;", `"`},
	{"&#x2F;", "/"},
	{"&amp;", "&"},
	{"<p>", " "},
	{"</p>", " "},
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// EmbeddingText derives the text to embed for r: title and text
// concatenated, cleaned of the upstream's literal HTML-entity
// artifacts, then trimmed. The second return is false when the result
// is empty, meaning r should be skipped rather than embedded.
func EmbeddingText(r Record) (string, bool) {
	content := strings.TrimSpace(deref(r.Title) + " " + deref(r.Text))
	for _, sub := range entitySubs {
		content = strings.ReplaceAll(content, sub.from, sub.to)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "", false
	}
	return content, true
}

// Embeddable reports whether r should be embedded at all: live, with a
// non-empty derived embedding text.
func Embeddable(r Record) (string, bool) {
	if !r.Live() {
		return "", false
	}
	return EmbeddingText(r)
}

// CleanDisplayText applies the same entity cleanup as EmbeddingText to
// arbitrary text, for query-result display (spec.md §6 CLI surface).
func CleanDisplayText(s string) string {
	for _, sub := range entitySubs {
		s = strings.ReplaceAll(s, sub.from, sub.to)
	}
	return s
}
