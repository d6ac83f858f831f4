package blob

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

const gitRefPrefix = "git:"

// GitStore keeps blobs as loose objects in a bare git repository.
type GitStore struct {
	mu   sync.RWMutex
	repo *git.Repository
}

func NewGitStore(dir string) (*GitStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	repo, err := git.PlainOpen(dir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(dir, true)
		if err != nil {
			return nil, fmt.Errorf("init blob repo: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open blob repo: %w", err)
	}
	return &GitStore{repo: repo}, nil
}

func (s *GitStore) Write(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := s.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))
	writer, err := obj.Writer()
	if err != nil {
		return "", fmt.Errorf("open blob writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close blob writer: %w", err)
	}
	hash, err := s.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("store blob object: %w", err)
	}
	return gitRefPrefix + hash.String(), nil
}

func (s *GitStore) Read(ctx context.Context, ref string) ([]byte, error) {
	rc, err := s.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return data, nil
}

func (s *GitStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := parseGitRef(ref)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, err := s.repo.Storer.EncodedObject(plumbing.BlobObject, hash)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load blob object %s: %w", ref, err)
	}
	reader, err := obj.Reader()
	if err != nil {
		return nil, fmt.Errorf("open blob reader %s: %w", ref, err)
	}
	return reader, nil
}

// Delete removes the loose object. Deleting a missing blob is not an error.
func (s *GitStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hash, err := parseGitRef(ref)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	loose, ok := s.repo.Storer.(storer.LooseObjectStorer)
	if !ok {
		return fmt.Errorf("blob storage does not support deletes")
	}
	if err := loose.DeleteLooseObject(hash); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob %s: %w", ref, err)
	}
	return nil
}

func parseGitRef(ref string) (plumbing.Hash, error) {
	raw, ok := strings.CutPrefix(ref, gitRefPrefix)
	if !ok || len(raw) != 40 {
		return plumbing.ZeroHash, fmt.Errorf("invalid git blob ref %q", ref)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("invalid git blob ref %q", ref)
	}
	return plumbing.NewHash(raw), nil
}
