// Package content splits stored documents into addressable sections and
// reassembles them.
//
// A document is a JSON object. Each top-level key is a field section. A
// top-level array, or an object carrying a "content" array (a ProseMirror
// doc), is a container: a frame section holds everything except the
// blocks, and each block becomes its own section with an ID of the form
// "<key>/<nodeId>".
package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindEmbed  Kind = "embed"
	KindOpaque Kind = "opaque"
	KindFrame  Kind = "frame"
)

// Structural reports whether two payloads of this kind can be compared
// below the equal/not-equal level.
func (k Kind) Structural() bool {
	return k == KindText
}

var ErrNotObject = errors.New("content must be a JSON object")

// ParseError wraps a malformed document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse content: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

type Section struct {
	ID        string          `json:"sectionId"`
	Kind      Kind            `json:"kind"`
	Container string          `json:"container,omitempty"`
	NodeType  string          `json:"nodeType,omitempty"`
	Hash      string          `json:"hash"`
	FileRefs  []string        `json:"fileRefs,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`

	// Text is the plain text of text-bearing sections, used for word diffs.
	Text string `json:"-"`
}

// IsBlock reports whether the section is an element of a container.
func (s Section) IsBlock() bool { return s.Container != "" }

// topKey is the top-level document key that owns the section.
func (s Section) topKey() string {
	if s.Container != "" {
		return s.Container
	}
	return s.ID
}

// Light drops the payload and text, keeping what alignment needs.
func (s Section) Light() Section {
	s.Payload = nil
	s.Text = ""
	return s
}

// Order sorts sections into canonical order: top-level keys ascending, each
// container's blocks in document order right after its frame.
func Order(sections []Section) {
	sort.SliceStable(sections, func(i, j int) bool {
		ki, kj := sections[i].topKey(), sections[j].topKey()
		if ki != kj {
			return ki < kj
		}
		return !sections[i].IsBlock() && sections[j].IsBlock()
	})
}

// FileRefs returns the sorted union of embedded file references.
func FileRefs(sections []Section) []string {
	seen := make(map[string]struct{})
	for _, s := range sections {
		for _, ref := range s.FileRefs {
			seen[ref] = struct{}{}
		}
	}
	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// IDs returns the section identifiers as a set.
func IDs(sections []Section) map[string]struct{} {
	ids := make(map[string]struct{}, len(sections))
	for _, s := range sections {
		ids[s.ID] = struct{}{}
	}
	return ids
}
