// Package blob stores version content outside the metadata database.
//
// References are opaque to callers. Every backend here is content
// addressed, so identical payloads share one reference.
package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Write(ctx context.Context, data []byte) (string, error)
	Read(ctx context.Context, ref string) ([]byte, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// digest names memory and object-store blobs. Git blobs use git's own
// object id.
func digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
