package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"pagespace/history/internal/version"
)

const (
	uniqueViolation      = "23505"
	versionSeqConstraint = "document_versions_doc_seq_key"
	versionColumns       = `id, document_id, author_id, seq, created_at, expires_at, expired_at, content_ref, content_fingerprint, compressed, original_size, compressed_size, compression_ratio, embedded_file_refs`
)

// VersionRepository is the Postgres implementation of version.Repository.
type VersionRepository struct {
	db *sql.DB
}

func NewVersionRepository(db *sql.DB) *VersionRepository {
	return &VersionRepository{db: db}
}

func (r *VersionRepository) DB() *sql.DB {
	return r.db
}

func (r *VersionRepository) Insert(ctx context.Context, v version.Version) error {
	refs := v.EmbeddedFileRefs
	if refs == nil {
		refs = []string{}
	}
	encodedRefs, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshal embedded file refs: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO document_versions (`+versionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, $9, $10, $11, $12, $13::jsonb)
	`,
		v.ID, v.DocumentID, v.AuthorID, v.Seq, v.CreatedAt, v.ExpiresAt,
		v.ContentRef, v.ContentFingerprint,
		v.Compression.Compressed, v.Compression.OriginalSize, v.Compression.CompressedSize, v.Compression.Ratio,
		string(encodedRefs),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == versionSeqConstraint {
			return version.ErrSequenceConflict
		}
		return fmt.Errorf("insert document version: %w", err)
	}
	return nil
}

func (r *VersionRepository) Get(ctx context.Context, id string) (version.Version, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id=$1`, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return version.Version{}, version.ErrNotFound
	}
	if err != nil {
		return version.Version{}, fmt.Errorf("get document version: %w", err)
	}
	return v, nil
}

func (r *VersionRepository) Head(ctx context.Context, documentID string) (version.Version, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id=$1 AND expired_at IS NULL
		ORDER BY seq DESC
		LIMIT 1
	`, documentID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return version.Version{}, version.ErrNotFound
	}
	if err != nil {
		return version.Version{}, fmt.Errorf("get document head: %w", err)
	}
	return v, nil
}

func (r *VersionRepository) LastSeq(ctx context.Context, documentID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM document_versions WHERE document_id=$1`, documentID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get last version seq: %w", err)
	}
	return seq, nil
}

func (r *VersionRepository) List(ctx context.Context, documentID string, page version.Page) ([]version.Version, error) {
	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE document_id=$1 AND expired_at IS NULL AND ($2=0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3
	`, documentID, page.BeforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	return collectVersions(rows, "document versions")
}

func (r *VersionRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]version.Version, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM document_versions
		WHERE expired_at IS NULL AND expires_at <= $1
		ORDER BY document_id, seq
		LIMIT NULLIF($2, 0)
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expirable versions: %w", err)
	}
	return collectVersions(rows, "expirable versions")
}

func (r *VersionRepository) CountLive(ctx context.Context, documentID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_versions WHERE document_id=$1 AND expired_at IS NULL`, documentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count live versions: %w", err)
	}
	return count, nil
}

func (r *VersionRepository) MarkExpired(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		UPDATE document_versions
		SET expired_at=$2
		WHERE id = ANY($1::text[]) AND expired_at IS NULL
		RETURNING id
	`, ids, at)
	if err != nil {
		return nil, fmt.Errorf("mark versions expired: %w", err)
	}
	defer rows.Close()

	changed := make([]string, 0, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired version: %w", err)
		}
		changed = append(changed, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired versions: %w", err)
	}
	return changed, nil
}

func (r *VersionRepository) ExtendExpiry(ctx context.Context, id string, until time.Time) (version.Version, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE document_versions
		SET expires_at = GREATEST(expires_at, $2)
		WHERE id=$1 AND expired_at IS NULL
		RETURNING `+versionColumns, id, until)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.Get(ctx, id)
		if getErr != nil {
			return version.Version{}, getErr
		}
		if existing.Expired() {
			return version.Version{}, version.ErrExpired
		}
		return version.Version{}, version.ErrNotFound
	}
	if err != nil {
		return version.Version{}, fmt.Errorf("extend version expiry: %w", err)
	}
	return v, nil
}

func (r *VersionRepository) RefInUse(ctx context.Context, ref string) (bool, error) {
	var inUse bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM document_versions WHERE content_ref=$1 AND expired_at IS NULL)
	`, ref).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("check blob references: %w", err)
	}
	return inUse, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVersion(row rowScanner) (version.Version, error) {
	var (
		v         version.Version
		expiredAt sql.NullTime
		refsRaw   []byte
	)
	if err := row.Scan(
		&v.ID,
		&v.DocumentID,
		&v.AuthorID,
		&v.Seq,
		&v.CreatedAt,
		&v.ExpiresAt,
		&expiredAt,
		&v.ContentRef,
		&v.ContentFingerprint,
		&v.Compression.Compressed,
		&v.Compression.OriginalSize,
		&v.Compression.CompressedSize,
		&v.Compression.Ratio,
		&refsRaw,
	); err != nil {
		return version.Version{}, err
	}
	v.CreatedAt = v.CreatedAt.UTC()
	v.ExpiresAt = v.ExpiresAt.UTC()
	if expiredAt.Valid {
		at := expiredAt.Time.UTC()
		v.ExpiredAt = &at
	}
	v.EmbeddedFileRefs = []string{}
	if len(refsRaw) > 0 {
		if err := json.Unmarshal(refsRaw, &v.EmbeddedFileRefs); err != nil {
			return version.Version{}, fmt.Errorf("decode embedded file refs: %w", err)
		}
	}
	return v, nil
}

func collectVersions(rows *sql.Rows, what string) ([]version.Version, error) {
	defer rows.Close()
	items := make([]version.Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return items, nil
}
