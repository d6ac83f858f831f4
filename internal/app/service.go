package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"pagespace/history/internal/diff"
	"pagespace/history/internal/diffcache"
	"pagespace/history/internal/retention"
	"pagespace/history/internal/rollback"
	"pagespace/history/internal/version"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Deps struct {
	Versions *version.Store
	Differ   *diff.Engine
	Cache    *diffcache.Cache
	Restorer *rollback.Engine
	Sweeper  *retention.Sweeper
	// Checks are probed by /api/ready, keyed by name.
	Checks map[string]Pinger
	Clock  func() time.Time
	Logger zerolog.Logger
}

type Service struct {
	versions *version.Store
	differ   *diff.Engine
	cache    *diffcache.Cache
	restorer *rollback.Engine
	sweeper  *retention.Sweeper
	checks   map[string]Pinger
	now      func() time.Time
	log      zerolog.Logger
}

func New(deps Deps) *Service {
	s := &Service{
		versions: deps.Versions,
		differ:   deps.Differ,
		cache:    deps.Cache,
		restorer: deps.Restorer,
		sweeper:  deps.Sweeper,
		checks:   deps.Checks,
		now:      deps.Clock,
		log:      deps.Logger,
	}
	if s.cache == nil {
		s.cache = diffcache.New(nil, deps.Logger, nil)
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type CreateVersionInput struct {
	Content          json.RawMessage `json:"content"`
	EmbeddedFileRefs []string        `json:"embeddedFileRefs"`
}

func (s *Service) CreateVersion(ctx context.Context, documentID, actorID string, input CreateVersionInput) (version.CreateResult, error) {
	return s.versions.CreateVersion(ctx, version.CreateInput{
		DocumentID:       documentID,
		AuthorID:         actorID,
		Content:          input.Content,
		EmbeddedFileRefs: input.EmbeddedFileRefs,
	})
}

func (s *Service) ListVersions(ctx context.Context, documentID string, page version.Page) ([]version.Version, error) {
	return s.versions.ListVersions(ctx, documentID, page)
}

func (s *Service) LatestVersion(ctx context.Context, documentID string) (version.Version, error) {
	return s.versions.Latest(ctx, documentID)
}

// GetVersion returns the version with its content. Content that cannot be
// read is reported in the snapshot instead of failing the request.
func (s *Service) GetVersion(ctx context.Context, versionID string) (version.Snapshot, error) {
	return s.versions.Snapshot(ctx, versionID)
}

func (s *Service) PinVersion(ctx context.Context, versionID string, until time.Time) (version.Version, error) {
	if !until.After(s.now()) {
		return version.Version{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "until must be in the future", map[string]any{"field": "until"})
	}
	return s.versions.Pin(ctx, versionID, until)
}

type CompareResult struct {
	Status string      `json:"status"`
	Diff   diff.Result `json:"diff"`
}

const (
	compareOK          = "ok"
	compareIdentical   = "identical"
	compareUnavailable = "unavailable"
)

// Compare diffs two versions of a document through the diff cache.
func (s *Service) Compare(ctx context.Context, documentID, fromID, toID string) (CompareResult, error) {
	from, err := s.documentVersion(ctx, documentID, fromID)
	if err != nil {
		return CompareResult{}, err
	}
	to, err := s.documentVersion(ctx, documentID, toID)
	if err != nil {
		return CompareResult{}, err
	}
	res, err := s.cache.GetOrCompute(ctx, from, to, func(ctx context.Context) (diff.Result, error) {
		return s.differ.Diff(ctx, from, to)
	})
	if err != nil {
		return CompareResult{}, err
	}
	status := compareOK
	switch {
	case !res.Available():
		status = compareUnavailable
	case res.Identical:
		status = compareIdentical
	}
	return CompareResult{Status: status, Diff: res}, nil
}

func (s *Service) documentVersion(ctx context.Context, documentID, versionID string) (version.Version, error) {
	v, err := s.versions.GetVersion(ctx, versionID)
	if err != nil {
		return version.Version{}, err
	}
	if v.DocumentID != documentID {
		return version.Version{}, fmt.Errorf("%w: version %s belongs to %s", diff.ErrDocumentMismatch, versionID, v.DocumentID)
	}
	return v, nil
}

func (s *Service) Restore(ctx context.Context, documentID, actorID string, req rollback.Request) (rollback.Outcome, error) {
	req.DocumentID = documentID
	req.AuthorID = actorID
	return s.restorer.Restore(ctx, req)
}

// Sweep runs the retention sweep as of now, or the current time when now
// is zero.
func (s *Service) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	if now.IsZero() {
		now = s.now()
	}
	return s.sweeper.Sweep(ctx, now)
}

// Ping checks every dependency and returns the failures by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}
