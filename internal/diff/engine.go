package diff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pagespace/history/internal/content"
	"pagespace/history/internal/metrics"
	"pagespace/history/internal/version"
)

// DefaultStreamCeiling is the decoded size above which versions are
// compared in streaming mode.
const DefaultStreamCeiling int64 = 5 << 20

// ContentSource opens the decoded content of a version.
type ContentSource interface {
	OpenContent(ctx context.Context, v version.Version) (io.ReadCloser, error)
}

// FileResolver reports which of the given embedded file IDs no longer
// exist.
type FileResolver interface {
	MissingFiles(ctx context.Context, fileIDs []string) ([]string, error)
}

type Options struct {
	StreamCeiling int64
	Resolver      FileResolver
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

type Engine struct {
	source   ContentSource
	ceiling  int64
	resolver FileResolver
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewEngine(source ContentSource, opts Options) *Engine {
	if opts.StreamCeiling <= 0 {
		opts.StreamCeiling = DefaultStreamCeiling
	}
	return &Engine{
		source:   source,
		ceiling:  opts.StreamCeiling,
		resolver: opts.Resolver,
		log:      opts.Logger,
		metrics:  opts.Metrics,
	}
}

// Diff compares a (before) with b (after). Corrupted or unparseable stored
// content yields a Result with Unavailable set and a nil error; errors are
// reserved for cancellation, infrastructure failures and misuse.
func (e *Engine) Diff(ctx context.Context, a, b version.Version) (Result, error) {
	if a.DocumentID != b.DocumentID {
		return Result{}, fmt.Errorf("%w: %s and %s", ErrDocumentMismatch, a.DocumentID, b.DocumentID)
	}
	started := time.Now()
	res := Result{
		DocumentID:      a.DocumentID,
		FromVersionID:   a.ID,
		ToVersionID:     b.ID,
		FromFingerprint: a.ContentFingerprint,
		ToFingerprint:   b.ContentFingerprint,
		Sections:        []SectionDiff{},
	}
	if a.ContentFingerprint == b.ContentFingerprint {
		res.Identical = true
		e.metrics.ObserveDiff("identical", "ok", time.Since(started))
		return res, nil
	}

	mode := "full"
	var err error
	if a.Compression.OriginalSize > e.ceiling || b.Compression.OriginalSize > e.ceiling {
		mode = "streamed"
		res.Streamed = true
		res.Sections, err = e.streamed(ctx, a, b)
	} else {
		res.Sections, err = e.full(ctx, a, b)
	}
	if err != nil {
		var unavailable *Unavailable
		if errors.As(err, &unavailable) {
			res.Sections = []SectionDiff{}
			res.Unavailable = unavailable
			e.metrics.ObserveDiff(mode, "unavailable", time.Since(started))
			e.log.Warn().
				Err(unavailable.Err).
				Str("document_id", a.DocumentID).
				Str("version_id", unavailable.VersionID).
				Str("cause", unavailable.Cause).
				Msg("diff unavailable")
			return res, nil
		}
		e.metrics.ObserveDiff(mode, "error", time.Since(started))
		return Result{}, err
	}

	e.flagBrokenRefs(ctx, res.Sections)
	res.Summary = summarize(res.Sections)
	e.metrics.ObserveDiff(mode, "ok", time.Since(started))
	e.log.Debug().
		Str("document_id", a.DocumentID).
		Str("from", a.ID).
		Str("to", b.ID).
		Str("mode", mode).
		Int("sections", len(res.Sections)).
		Dur("duration", time.Since(started)).
		Msg("diff computed")
	return res, nil
}

// Sections loads and parses a version fully. Content faults come back as
// *Unavailable.
func (e *Engine) Sections(ctx context.Context, v version.Version) ([]content.Section, error) {
	rc, err := e.source.OpenContent(ctx, v)
	if err != nil {
		return nil, classify(v, err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, classify(v, err)
	}
	sections, err := content.Parse(raw)
	if err != nil {
		return nil, classify(v, err)
	}
	return sections, nil
}

func (e *Engine) full(ctx context.Context, a, b version.Version) ([]SectionDiff, error) {
	var sa, sb []content.Section
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		sa, err = e.Sections(gctx, a)
		return err
	})
	g.Go(func() (err error) {
		sb, err = e.Sections(gctx, b)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return build(sa, sb, Align(sa, sb), false), nil
}

// streamed makes two passes over each version. The first collects section
// headers without payloads; the second captures payloads only for the
// sections that changed. Unchanged sections are elided.
func (e *Engine) streamed(ctx context.Context, a, b version.Version) ([]SectionDiff, error) {
	var la, lb []content.Section
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		la, err = e.scan(gctx, a, func(content.Section) bool { return false })
		return err
	})
	g.Go(func() error {
		var err error
		lb, err = e.scan(gctx, b, func(content.Section) bool { return false })
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	content.Order(la)
	content.Order(lb)
	ops := Align(la, lb)

	needA := make(map[string]bool)
	needB := make(map[string]bool)
	for _, op := range ops {
		switch op.Kind {
		case OpDelete:
			needA[la[op.A].ID] = true
		case OpInsert:
			needB[lb[op.B].ID] = true
		case OpKeep, OpMoveTo:
			if la[op.A].Hash != lb[op.B].Hash {
				needA[la[op.A].ID] = true
				needB[lb[op.B].ID] = true
			}
		}
	}

	var fullA, fullB []content.Section
	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		fullA, err = e.scan(gctx, a, func(s content.Section) bool { return needA[s.ID] })
		return err
	})
	g.Go(func() error {
		var err error
		fullB, err = e.scan(gctx, b, func(s content.Section) bool { return needB[s.ID] })
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	fill(la, fullA)
	fill(lb, fullB)
	return build(la, lb, ops, true), nil
}

// scan streams a version, keeping payloads only where keep says so. It
// checks for cancellation between sections.
func (e *Engine) scan(ctx context.Context, v version.Version, keep func(content.Section) bool) ([]content.Section, error) {
	rc, err := e.source.OpenContent(ctx, v)
	if err != nil {
		return nil, classify(v, err)
	}
	defer rc.Close()

	sections := make([]content.Section, 0)
	err = content.Scan(rc, func(s content.Section) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if keep(s) {
			sections = append(sections, s)
		} else {
			sections = append(sections, s.Light())
		}
		return nil
	})
	if err != nil {
		return nil, classify(v, err)
	}
	return sections, nil
}

// fill copies captured payloads into the header list.
func fill(headers, captured []content.Section) {
	byID := make(map[string]content.Section)
	for _, s := range captured {
		if s.Payload != nil {
			byID[s.ID] = s
		}
	}
	for i := range headers {
		if s, ok := byID[headers[i].ID]; ok {
			headers[i] = s
		}
	}
}

func classify(v version.Version, err error) error {
	if unavailable := contentFault(v.ID, err); unavailable != nil {
		return unavailable
	}
	return err
}

func (e *Engine) flagBrokenRefs(ctx context.Context, sections []SectionDiff) {
	if e.resolver == nil {
		return
	}
	refs := make([]content.Section, 0)
	for _, s := range sections {
		if len(s.FileRefs) > 0 {
			refs = append(refs, content.Section{FileRefs: s.FileRefs})
		}
	}
	all := content.FileRefs(refs)
	if len(all) == 0 {
		return
	}
	missing, err := e.resolver.MissingFiles(ctx, all)
	if err != nil {
		e.log.Warn().Err(err).Msg("could not resolve embedded files; broken references not flagged")
		return
	}
	gone := make(map[string]bool, len(missing))
	for _, id := range missing {
		gone[id] = true
	}
	for i := range sections {
		for _, ref := range sections[i].FileRefs {
			if gone[ref] {
				sections[i].BrokenRefs = append(sections[i].BrokenRefs, ref)
			}
		}
	}
}
