package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pagespace/history/internal/blob"
	"pagespace/history/internal/codec"
	"pagespace/history/internal/content"
	"pagespace/history/internal/fingerprint"
	"pagespace/history/internal/metrics"
	"pagespace/history/internal/util"
)

const defaultCreateAttempts = 5

type Options struct {
	Retention time.Duration
	// DedupeConsecutive skips a save whose fingerprint equals the current
	// head and returns the head instead.
	DedupeConsecutive bool
	// Guard protects versions from ExpireOlderThan. Nil means no floor.
	Guard          Guard
	Clock          func() time.Time
	NewID          func() string
	CreateAttempts int
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

type Store struct {
	repo     Repository
	blobs    blob.Store
	codec    *codec.Codec
	opts     Options
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
	attempts int
}

func NewStore(repo Repository, blobs blob.Store, c *codec.Codec, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	s := &Store{
		repo:     repo,
		blobs:    blobs,
		codec:    c,
		opts:     opts,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Clock,
		newID:    opts.NewID,
		attempts: opts.CreateAttempts,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return util.NewID("ver") }
	}
	if s.attempts <= 0 {
		s.attempts = defaultCreateAttempts
	}
	return s
}

func (s *Store) Retention() time.Duration { return s.opts.Retention }

// timestamp is the store's clock in UTC at the precision Postgres keeps.
func (s *Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type CreateInput struct {
	DocumentID string
	AuthorID   string
	Content    json.RawMessage
	// EmbeddedFileRefs is derived from the content when nil.
	EmbeddedFileRefs []string
	// ExpectedHeadID, when set, makes the write fail with StaleBaseError
	// unless the document head is still that version.
	ExpectedHeadID string
}

type CreateResult struct {
	Version      Version
	Deduplicated bool
}

// CreateVersion snapshots content. The blob is written before the row is
// inserted. A blob left behind by a failed insert is logged, not deleted:
// another write of the same content may be about to reference it.
func (s *Store) CreateVersion(ctx context.Context, in CreateInput) (CreateResult, error) {
	in.DocumentID = strings.TrimSpace(in.DocumentID)
	if in.DocumentID == "" {
		return CreateResult{}, &ValidationError{Field: "documentId", Message: "is required"}
	}
	if len(in.Content) == 0 {
		return CreateResult{}, &ValidationError{Field: "content", Message: "is required"}
	}
	sections, err := content.Parse(in.Content)
	if err != nil {
		return CreateResult{}, &ValidationError{Field: "content", Message: err.Error()}
	}
	fp, err := fingerprint.Of(in.Content)
	if err != nil {
		return CreateResult{}, &ValidationError{Field: "content", Message: err.Error()}
	}
	refs := normalizeRefs(in.EmbeddedFileRefs)
	if in.EmbeddedFileRefs == nil {
		refs = content.FileRefs(sections)
	}

	log := s.log.With().Str("document_id", in.DocumentID).Logger()
	var (
		ref  string
		meta codec.Metadata
	)
	for attempt := 1; attempt <= s.attempts; attempt++ {
		// The sequence is read before the head: a commit landing after
		// this read either shows up as the head or takes lastSeq+1 and
		// makes the insert conflict.
		lastSeq, err := s.repo.LastSeq(ctx, in.DocumentID)
		if err != nil {
			return CreateResult{}, s.abandon(ctx, log, ref, fmt.Errorf("load sequence: %w", err))
		}
		head, err := s.repo.Head(ctx, in.DocumentID)
		hasHead := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return CreateResult{}, s.abandon(ctx, log, ref, fmt.Errorf("load head: %w", err))
		}
		if in.ExpectedHeadID != "" && head.ID != in.ExpectedHeadID {
			return CreateResult{}, s.abandon(ctx, log, ref, &StaleBaseError{
				DocumentID:     in.DocumentID,
				ExpectedHeadID: in.ExpectedHeadID,
				ActualHeadID:   head.ID,
			})
		}
		if s.opts.DedupeConsecutive && hasHead && head.ContentFingerprint == fp {
			s.metrics.VersionDeduplicated()
			log.Debug().Str("version_id", head.ID).Msg("skipped duplicate version")
			return CreateResult{Version: head, Deduplicated: true}, s.abandon(ctx, log, ref, nil)
		}

		if ref == "" {
			var data []byte
			data, meta = s.codec.CompressIfNeeded(in.Content)
			ref, err = s.blobs.Write(ctx, data)
			if err != nil {
				return CreateResult{}, fmt.Errorf("write version blob: %w", err)
			}
		}

		now := s.timestamp()
		v := Version{
			ID:                 s.newID(),
			DocumentID:         in.DocumentID,
			AuthorID:           in.AuthorID,
			Seq:                lastSeq + 1,
			CreatedAt:          now,
			ExpiresAt:          now.Add(s.opts.Retention),
			ContentRef:         ref,
			ContentFingerprint: fp,
			Compression:        meta,
			EmbeddedFileRefs:   refs,
		}
		err = s.repo.Insert(ctx, v)
		if err == nil {
			s.metrics.VersionCreated(meta.Compressed, meta.Ratio)
			log.Info().
				Str("version_id", v.ID).
				Int64("seq", v.Seq).
				Bool("compressed", meta.Compressed).
				Int64("original_size", meta.OriginalSize).
				Msg("version created")
			return CreateResult{Version: v}, nil
		}
		if !errors.Is(err, ErrSequenceConflict) {
			return CreateResult{}, s.abandon(ctx, log, ref, fmt.Errorf("insert version: %w", err))
		}
		if in.ExpectedHeadID != "" {
			actual, _ := s.repo.Head(ctx, in.DocumentID)
			return CreateResult{}, s.abandon(ctx, log, ref, &StaleBaseError{
				DocumentID:     in.DocumentID,
				ExpectedHeadID: in.ExpectedHeadID,
				ActualHeadID:   actual.ID,
			})
		}
		log.Debug().Int("attempt", attempt).Msg("sequence conflict, retrying")
	}
	return CreateResult{}, s.abandon(ctx, log, ref, fmt.Errorf("insert version: %w after %d attempts", ErrSequenceConflict, s.attempts))
}

// abandon passes cause through and logs a blob that no committed row
// references yet. Refs are content addressed, so deleting it here could
// pull the blob from under a concurrent write of the same content; the
// reconciliation pass removes it once it is still unreferenced.
func (s *Store) abandon(ctx context.Context, log zerolog.Logger, ref string, cause error) error {
	if ref == "" {
		return cause
	}
	inUse, err := s.repo.RefInUse(context.WithoutCancel(ctx), ref)
	if err == nil && inUse {
		return cause
	}
	s.metrics.OrphanBlob()
	event := log.Warn().Str("orphan_ref", ref)
	if err != nil {
		event = event.AnErr("ref_check_error", err)
	}
	event.AnErr("cause", cause).Msg("blob of failed version write left for reconciliation")
	return cause
}

// GetVersion returns ErrExpired for versions the sweep has removed.
func (s *Store) GetVersion(ctx context.Context, id string) (Version, error) {
	v, err := s.repo.Get(ctx, id)
	if err != nil {
		return Version{}, err
	}
	if v.Expired() {
		return Version{}, ErrExpired
	}
	return v, nil
}

func (s *Store) ListVersions(ctx context.Context, documentID string, page Page) ([]Version, error) {
	return s.repo.List(ctx, documentID, page.normalized())
}

// Latest returns the document head.
func (s *Store) Latest(ctx context.Context, documentID string) (Version, error) {
	return s.repo.Head(ctx, documentID)
}

// Pin keeps a version at least until the given time.
func (s *Store) Pin(ctx context.Context, id string, until time.Time) (Version, error) {
	v, err := s.repo.ExtendExpiry(ctx, id, until.UTC().Truncate(time.Microsecond))
	if err != nil {
		return Version{}, err
	}
	s.log.Info().Str("version_id", id).Time("expires_at", v.ExpiresAt).Msg("version pinned")
	return v, nil
}

// ReadContent returns the decoded content. Missing or undecodable blobs
// come back as *codec.CorruptedVersionError.
func (s *Store) ReadContent(ctx context.Context, v Version) ([]byte, error) {
	data, err := s.blobs.Read(ctx, v.ContentRef)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, &codec.CorruptedVersionError{Reason: "content blob missing", Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("read version %s: %w", v.ID, err)
	}
	return s.codec.DecompressIfNeeded(data, v.Compression)
}

// OpenContent streams the decoded content.
func (s *Store) OpenContent(ctx context.Context, v Version) (io.ReadCloser, error) {
	rc, err := s.blobs.Open(ctx, v.ContentRef)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, &codec.CorruptedVersionError{Reason: "content blob missing", Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("open version %s: %w", v.ID, err)
	}
	decoded, err := s.codec.NewReader(rc, v.Compression)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &stackedCloser{ReadCloser: decoded, inner: rc}, nil
}

type stackedCloser struct {
	io.ReadCloser
	inner io.Closer
}

func (c *stackedCloser) Close() error {
	err := c.ReadCloser.Close()
	if innerErr := c.inner.Close(); err == nil {
		err = innerErr
	}
	return err
}

// Snapshot is a version with its content, or with the reason the content
// could not be read.
type Snapshot struct {
	Version      Version         `json:"version"`
	Content      json.RawMessage `json:"content,omitempty"`
	ContentError string          `json:"contentError,omitempty"`
}

func (s *Store) Snapshot(ctx context.Context, id string) (Snapshot, error) {
	v, err := s.GetVersion(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	raw, err := s.ReadContent(ctx, v)
	if errors.Is(err, codec.ErrCorrupted) {
		s.log.Warn().Err(err).Str("version_id", id).Msg("serving version without content")
		return Snapshot{Version: v, ContentError: err.Error()}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Version: v, Content: raw}, nil
}

func normalizeRefs(refs []string) []string {
	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
