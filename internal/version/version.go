// Package version persists immutable document snapshots.
//
// A Version row only ever points at a blob that was written before the row
// was inserted, so anything a reader can see has its content committed. The
// only mutable fields are ExpiresAt (which only grows) and ExpiredAt.
package version

import (
	"errors"
	"fmt"
	"time"

	"pagespace/history/internal/codec"
)

// DefaultRetention is the minimum time a version stays available.
const DefaultRetention = 30 * 24 * time.Hour

var (
	ErrNotFound         = errors.New("version not found")
	ErrExpired          = errors.New("version expired")
	ErrSequenceConflict = errors.New("version sequence conflict")
)

type Version struct {
	ID                 string         `json:"id"`
	DocumentID         string         `json:"documentId"`
	AuthorID           string         `json:"authorId"`
	Seq                int64          `json:"seq"`
	CreatedAt          time.Time      `json:"createdAt"`
	ExpiresAt          time.Time      `json:"expiresAt"`
	ExpiredAt          *time.Time     `json:"expiredAt,omitempty"`
	ContentRef         string         `json:"contentRef"`
	ContentFingerprint string         `json:"contentFingerprint"`
	Compression        codec.Metadata `json:"compressionMetadata"`
	EmbeddedFileRefs   []string       `json:"embeddedFileRefs"`
}

// Expired reports whether the sweep has logically deleted the version.
func (v Version) Expired() bool { return v.ExpiredAt != nil }

// StaleBaseError reports that the document head moved after the caller
// read it.
type StaleBaseError struct {
	DocumentID     string
	ExpectedHeadID string
	ActualHeadID   string
}

func (e *StaleBaseError) Error() string {
	return fmt.Sprintf("document %s changed: expected head %s, found %s", e.DocumentID, e.ExpectedHeadID, e.ActualHeadID)
}

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Page selects a slice of a document's history, newest first. BeforeSeq
// of zero starts at the head.
type Page struct {
	Limit     int
	BeforeSeq int64
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.BeforeSeq < 0 {
		p.BeforeSeq = 0
	}
	return p
}
