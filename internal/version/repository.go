package version

import (
	"context"
	"time"
)

// Repository is the metadata side of the store. Implementations must make
// Insert fail with ErrSequenceConflict when (DocumentID, Seq) is taken.
type Repository interface {
	Insert(ctx context.Context, v Version) error
	// Get returns the row even when it is expired.
	Get(ctx context.Context, id string) (Version, error)
	// Head returns the newest live version, or ErrNotFound.
	Head(ctx context.Context, documentID string) (Version, error)
	// LastSeq is the highest seq ever used for the document, expired or not.
	LastSeq(ctx context.Context, documentID string) (int64, error)
	List(ctx context.Context, documentID string, page Page) ([]Version, error)
	// ListExpirable returns live versions with expires_at <= now ordered by
	// document and seq.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]Version, error)
	CountLive(ctx context.Context, documentID string) (int, error)
	// MarkExpired sets expired_at on the given live rows and returns the
	// ids it actually changed.
	MarkExpired(ctx context.Context, ids []string, at time.Time) ([]string, error)
	// ExtendExpiry raises expires_at to until and never lowers it.
	ExtendExpiry(ctx context.Context, id string, until time.Time) (Version, error)
	// RefInUse reports whether any live version points at ref.
	RefInUse(ctx context.Context, ref string) (bool, error)
}
