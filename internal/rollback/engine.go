package rollback

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"pagespace/history/internal/diff"
	"pagespace/history/internal/metrics"
	"pagespace/history/internal/version"
)

// Store is the part of the version store a restore needs.
type Store interface {
	ContentReader
	GetVersion(ctx context.Context, id string) (version.Version, error)
	Latest(ctx context.Context, documentID string) (version.Version, error)
	CreateVersion(ctx context.Context, in version.CreateInput) (version.CreateResult, error)
}

type Request struct {
	DocumentID      string `json:"documentId"`
	TargetVersionID string `json:"targetVersionId"`
	// BaseVersionID is the version the caller looked at. Empty means the
	// current head at request time.
	BaseVersionID string `json:"baseVersionId,omitempty"`
	// SelectedSectionIDs absent means full rollback.
	SelectedSectionIDs []string `json:"selectedSectionIds,omitempty"`
	AuthorID           string   `json:"-"`
}

type Outcome struct {
	Version      version.Version `json:"version"`
	Deduplicated bool            `json:"deduplicated"`
	BaseID       string          `json:"baseVersionId"`
	Result       Result          `json:"rollback"`
}

type Engine struct {
	store     Store
	sectioner Sectioner
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func NewEngine(store Store, sectioner Sectioner, log zerolog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{store: store, sectioner: sectioner, log: log, metrics: m}
}

// Rollback computes the restored content without persisting it.
func (e *Engine) Rollback(ctx context.Context, target, current version.Version, selected []string) (Result, error) {
	return Compute(ctx, e.sectioner, e.store, target, current, selected)
}

// Restore rolls the document back and appends the result as a new
// version. If another version lands after the base was read the restore
// fails with *version.StaleBaseError and nothing is written; it is not
// retried.
func (e *Engine) Restore(ctx context.Context, req Request) (Outcome, error) {
	mode := ModeFull
	if req.SelectedSectionIDs != nil {
		mode = ModeSelective
	}
	out, err := e.restore(ctx, req)
	e.metrics.Rollback(string(mode), outcomeLabel(err))
	log := e.log.With().
		Str("document_id", req.DocumentID).
		Str("target_version_id", req.TargetVersionID).
		Str("mode", string(mode)).
		Logger()
	if err != nil {
		log.Warn().Err(err).Msg("restore failed")
		return Outcome{}, err
	}
	log.Info().
		Str("base_version_id", out.BaseID).
		Str("version_id", out.Version.ID).
		Int("restored_sections", len(out.Result.Restored)).
		Msg("document restored")
	return out, nil
}

func (e *Engine) restore(ctx context.Context, req Request) (Outcome, error) {
	req.DocumentID = strings.TrimSpace(req.DocumentID)
	if req.DocumentID == "" {
		return Outcome{}, &version.ValidationError{Field: "documentId", Message: "is required"}
	}
	if strings.TrimSpace(req.TargetVersionID) == "" {
		return Outcome{}, &version.ValidationError{Field: "targetVersionId", Message: "is required"}
	}

	target, err := e.store.GetVersion(ctx, req.TargetVersionID)
	if err != nil {
		return Outcome{}, err
	}
	if target.DocumentID != req.DocumentID {
		return Outcome{}, diff.ErrDocumentMismatch
	}
	var current version.Version
	if req.BaseVersionID != "" {
		current, err = e.store.GetVersion(ctx, req.BaseVersionID)
	} else {
		current, err = e.store.Latest(ctx, req.DocumentID)
	}
	if err != nil {
		return Outcome{}, err
	}

	res, err := e.Rollback(ctx, target, current, req.SelectedSectionIDs)
	if err != nil {
		return Outcome{}, err
	}
	created, err := e.store.CreateVersion(ctx, version.CreateInput{
		DocumentID:       req.DocumentID,
		AuthorID:         req.AuthorID,
		Content:          res.Content,
		EmbeddedFileRefs: res.EmbeddedFileRefs,
		ExpectedHeadID:   current.ID,
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Version:      created.Version,
		Deduplicated: created.Deduplicated,
		BaseID:       current.ID,
		Result:       res,
	}, nil
}

func outcomeLabel(err error) string {
	var (
		stale       *version.StaleBaseError
		unknown     *UnknownSectionError
		unavailable *diff.Unavailable
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &stale):
		return "stale"
	case errors.As(err, &unknown):
		return "unknown_section"
	case errors.As(err, &unavailable):
		return "unavailable"
	default:
		return "error"
	}
}
