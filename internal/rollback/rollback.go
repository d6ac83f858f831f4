// Package rollback restores a document to an earlier version, wholly or
// section by section. A restore never rewrites history: the merged content
// is appended as a new version on top of the base it was computed from.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pagespace/history/internal/codec"
	"pagespace/history/internal/content"
	"pagespace/history/internal/diff"
	"pagespace/history/internal/version"
)

type Mode string

const (
	ModeFull      Mode = "full"
	ModeSelective Mode = "selective"
)

var ErrEmptySelection = errors.New("selective rollback needs at least one section")

// UnknownSectionError lists selected IDs found in neither version.
type UnknownSectionError struct {
	SectionIDs []string
}

func (e *UnknownSectionError) Error() string {
	return fmt.Sprintf("unknown sections: %s", strings.Join(e.SectionIDs, ", "))
}

type Result struct {
	Mode             Mode            `json:"mode"`
	Content          json.RawMessage `json:"content"`
	EmbeddedFileRefs []string        `json:"embeddedFileRefs"`
	// Restored are the selected sections as they now appear, or are now
	// absent, in Content.
	Restored []string `json:"restoredSectionIds,omitempty"`
	// Implied are sections changed only because a selected section needed
	// them: the frame of a restored block's container, or blocks of a
	// container that a restored field replaced.
	Implied []string `json:"impliedSectionIds,omitempty"`
}

// Sectioner loads the parsed sections of a version. Content faults come
// back as *diff.Unavailable.
type Sectioner interface {
	Sections(ctx context.Context, v version.Version) ([]content.Section, error)
}

// ContentReader reads decoded version content.
type ContentReader interface {
	ReadContent(ctx context.Context, v version.Version) ([]byte, error)
}

// Compute produces the content of rolling current back to target. A nil
// selection means full rollback: the target content is returned verbatim
// with its recorded file references, broken or not. Neither version is
// modified.
func Compute(ctx context.Context, sectioner Sectioner, reader ContentReader, target, current version.Version, selected []string) (Result, error) {
	if target.DocumentID != current.DocumentID {
		return Result{}, fmt.Errorf("%w: %s and %s", diff.ErrDocumentMismatch, target.DocumentID, current.DocumentID)
	}
	if selected == nil {
		raw, err := reader.ReadContent(ctx, target)
		if err != nil {
			return Result{}, unavailable(target, err)
		}
		return Result{
			Mode:             ModeFull,
			Content:          raw,
			EmbeddedFileRefs: append([]string{}, target.EmbeddedFileRefs...),
		}, nil
	}
	if len(selected) == 0 {
		return Result{}, ErrEmptySelection
	}

	cur, err := sectioner.Sections(ctx, current)
	if err != nil {
		return Result{}, err
	}
	tgt, err := sectioner.Sections(ctx, target)
	if err != nil {
		return Result{}, err
	}
	return Merge(cur, tgt, selected)
}

// Merge takes the selected sections from target and everything else from
// current. Unselected sections are copied from current unchanged and keep
// their relative order; selected sections land where the alignment of the
// two versions places them, and selected sections missing from target are
// removed.
func Merge(current, target []content.Section, selected []string) (Result, error) {
	pick := make(map[string]bool, len(selected))
	for _, id := range selected {
		pick[id] = true
	}
	curIDs, tgtIDs := content.IDs(current), content.IDs(target)
	var unknown []string
	for id := range pick {
		_, inCur := curIDs[id]
		_, inTgt := tgtIDs[id]
		if !inCur && !inTgt {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return Result{}, &UnknownSectionError{SectionIDs: unknown}
	}

	out := make([]content.Section, 0, len(current)+len(target))
	for _, op := range diff.Align(current, target) {
		switch op.Kind {
		case diff.OpKeep:
			if pick[current[op.A].ID] {
				out = append(out, target[op.B])
			} else {
				out = append(out, current[op.A])
			}
		case diff.OpDelete, diff.OpMoveFrom:
			if !pick[current[op.A].ID] {
				out = append(out, current[op.A])
			}
		case diff.OpInsert, diff.OpMoveTo:
			if pick[target[op.B].ID] {
				out = append(out, target[op.B])
			}
		}
	}

	out, implied := reconcileContainers(out, current, target, pick)
	content.Order(out)
	raw, err := content.Serialize(out)
	if err != nil {
		return Result{}, fmt.Errorf("serialize rollback: %w", err)
	}

	restored := make([]string, 0, len(pick))
	for id := range pick {
		restored = append(restored, id)
	}
	sort.Strings(restored)
	return Result{
		Mode:             ModeSelective,
		Content:          raw,
		EmbeddedFileRefs: content.FileRefs(out),
		Restored:         restored,
		Implied:          implied,
	}, nil
}

// reconcileContainers keeps the merged sections serialisable. A restored
// block whose container has no frame gets the target's frame; blocks left
// under a key that a restored field now owns are dropped. A restored frame
// whose key held no container in current brings the target's blocks.
func reconcileContainers(out, current, target []content.Section, pick map[string]bool) ([]content.Section, []string) {
	owners := make(map[string]content.Section)
	for _, s := range out {
		if !s.IsBlock() {
			owners[s.ID] = s
		}
	}
	var implied []string
	kept := out[:0]
	for _, s := range out {
		if s.IsBlock() {
			if owner, ok := owners[s.Container]; ok && owner.Kind != content.KindFrame {
				implied = append(implied, s.ID)
				continue
			}
		}
		kept = append(kept, s)
	}
	for _, s := range kept {
		if !s.IsBlock() || !pick[s.ID] {
			continue
		}
		if _, ok := owners[s.Container]; ok {
			continue
		}
		for _, t := range target {
			if t.ID == s.Container && t.Kind == content.KindFrame {
				kept = append(kept, t)
				owners[t.ID] = t
				implied = append(implied, t.ID)
				break
			}
		}
	}

	hadBlocks := make(map[string]bool)
	for _, s := range current {
		if s.IsBlock() {
			hadBlocks[s.Container] = true
		}
	}
	present := make(map[string]bool, len(kept))
	for _, s := range kept {
		present[s.ID] = true
	}
	frames := make(map[string]bool)
	for _, s := range kept {
		if s.Kind == content.KindFrame && !s.IsBlock() && pick[s.ID] && !hadBlocks[s.ID] {
			frames[s.ID] = true
		}
	}
	for _, t := range target {
		if t.IsBlock() && frames[t.Container] && !present[t.ID] {
			kept = append(kept, t)
			present[t.ID] = true
			implied = append(implied, t.ID)
		}
	}
	sort.Strings(implied)
	return kept, implied
}

func unavailable(v version.Version, err error) error {
	if errors.Is(err, codec.ErrCorrupted) {
		return &diff.Unavailable{VersionID: v.ID, Cause: diff.CauseCorrupted, Message: err.Error(), Err: err}
	}
	return err
}
