// Package diff compares two versions of a document section by section.
package diff

import (
	"encoding/json"
	"errors"
	"fmt"

	"pagespace/history/internal/codec"
	"pagespace/history/internal/content"
)

type ChangeKind string

const (
	Unchanged ChangeKind = "unchanged"
	Added     ChangeKind = "added"
	Removed   ChangeKind = "removed"
	Modified  ChangeKind = "modified"
)

var ErrDocumentMismatch = errors.New("versions belong to different documents")

type SectionDiff struct {
	SectionID  string          `json:"sectionId"`
	ChangeKind ChangeKind      `json:"changeKind"`
	Kind       content.Kind    `json:"kind"`
	NodeType   string          `json:"nodeType,omitempty"`
	Moved      bool            `json:"moved,omitempty"`
	Elided     bool            `json:"elided,omitempty"`
	ContentA   json.RawMessage `json:"contentA,omitempty"`
	ContentB   json.RawMessage `json:"contentB,omitempty"`
	Words      []WordEdit      `json:"words,omitempty"`
	FileRefs   []string        `json:"fileRefs,omitempty"`
	BrokenRefs []string        `json:"brokenRefs,omitempty"`
}

// Unavailable explains why a comparison could not be computed. It is
// carried inside Result rather than returned as an error.
type Unavailable struct {
	VersionID string `json:"versionId,omitempty"`
	Cause     string `json:"cause"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

const (
	CauseCorrupted   = "corrupted"
	CauseUnparseable = "unparseable"
)

func (u *Unavailable) Error() string {
	return fmt.Sprintf("diff unavailable for version %s: %s", u.VersionID, u.Message)
}

func (u *Unavailable) Unwrap() error { return u.Err }

type Summary struct {
	Unchanged int `json:"unchanged"`
	Added     int `json:"added"`
	Removed   int `json:"removed"`
	Modified  int `json:"modified"`
	Moved     int `json:"moved"`
}

type Result struct {
	DocumentID      string        `json:"documentId"`
	FromVersionID   string        `json:"fromVersionId"`
	ToVersionID     string        `json:"toVersionId"`
	FromFingerprint string        `json:"fromFingerprint"`
	ToFingerprint   string        `json:"toFingerprint"`
	Identical       bool          `json:"identical"`
	Streamed        bool          `json:"streamed,omitempty"`
	Sections        []SectionDiff `json:"sections"`
	Summary         Summary       `json:"summary"`
	Unavailable     *Unavailable  `json:"unavailable,omitempty"`
}

func (r Result) Available() bool { return r.Unavailable == nil }

// Changed returns the IDs of sections with the given change kind.
func (r Result) Changed(kind ChangeKind) map[string]struct{} {
	ids := make(map[string]struct{})
	for _, s := range r.Sections {
		if s.ChangeKind == kind {
			ids[s.SectionID] = struct{}{}
		}
	}
	return ids
}

func summarize(sections []SectionDiff) Summary {
	var sum Summary
	for _, s := range sections {
		switch s.ChangeKind {
		case Unchanged:
			sum.Unchanged++
		case Added:
			sum.Added++
		case Removed:
			sum.Removed++
		case Modified:
			sum.Modified++
		}
		if s.Moved {
			sum.Moved++
		}
	}
	return sum
}

// contentFault reports whether err describes bad stored content rather
// than an infrastructure failure.
func contentFault(versionID string, err error) *Unavailable {
	var parseErr *content.ParseError
	switch {
	case errors.Is(err, codec.ErrCorrupted):
		return &Unavailable{VersionID: versionID, Cause: CauseCorrupted, Message: err.Error(), Err: err}
	case errors.As(err, &parseErr):
		return &Unavailable{VersionID: versionID, Cause: CauseUnparseable, Message: err.Error(), Err: err}
	}
	return nil
}

// build turns aligned sections into diff entries. With elide set, unchanged
// sections carry no content.
func build(a, b []content.Section, ops []Op, elide bool) []SectionDiff {
	out := make([]SectionDiff, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case OpDelete:
			s := a[op.A]
			out = append(out, SectionDiff{
				SectionID:  s.ID,
				ChangeKind: Removed,
				Kind:       s.Kind,
				NodeType:   s.NodeType,
				ContentA:   s.Payload,
				FileRefs:   s.FileRefs,
			})
		case OpInsert:
			s := b[op.B]
			out = append(out, SectionDiff{
				SectionID:  s.ID,
				ChangeKind: Added,
				Kind:       s.Kind,
				NodeType:   s.NodeType,
				ContentB:   s.Payload,
				FileRefs:   s.FileRefs,
			})
		case OpKeep, OpMoveTo:
			out = append(out, pairDiff(a[op.A], b[op.B], op.Kind == OpMoveTo, elide))
		}
	}
	return out
}

func pairDiff(sa, sb content.Section, moved, elide bool) SectionDiff {
	d := SectionDiff{
		SectionID: sb.ID,
		Kind:      sb.Kind,
		NodeType:  sb.NodeType,
		Moved:     moved,
		FileRefs:  mergeRefs(sa.FileRefs, sb.FileRefs),
	}
	if sa.Hash == sb.Hash {
		d.ChangeKind = Unchanged
		if elide {
			d.Elided = true
			return d
		}
		d.ContentA, d.ContentB = sa.Payload, sb.Payload
		return d
	}
	d.ChangeKind = Modified
	d.ContentA, d.ContentB = sa.Payload, sb.Payload
	if sa.Kind.Structural() && sb.Kind.Structural() {
		d.Words = Words(sa.Text, sb.Text)
	}
	return d
}

func mergeRefs(a, b []string) []string {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	return content.FileRefs([]content.Section{{FileRefs: a}, {FileRefs: b}})
}
