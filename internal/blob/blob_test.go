package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	payload := []byte(`{"title":"Roadmap","body":"quarterly plan"}`)
	ref, err := store.Write(ctx, payload)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	again, err := store.Write(ctx, payload)
	if err != nil {
		t.Fatalf("Write() second error = %v", err)
	}
	if again != ref {
		t.Fatalf("identical payloads got refs %q and %q", ref, again)
	}

	got, err := store.Read(ctx, ref)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read() = %q, want %q", got, payload)
	}

	rc, err := store.Open(ctx, ref)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	streamed, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(streamed, payload) {
		t.Fatalf("Open() streamed %q", streamed)
	}

	other, err := store.Write(ctx, []byte("other"))
	if err != nil {
		t.Fatalf("Write(other) error = %v", err)
	}
	if other == ref {
		t.Fatal("different payloads share a ref")
	}

	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Read(ctx, ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Read() after delete error = %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, ref); err != nil {
		t.Fatalf("Delete() twice error = %v", err)
	}
	if _, err := store.Read(ctx, other); err != nil {
		t.Fatalf("Read(other) error = %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestGitStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewGitStore(dir)
	if err != nil {
		t.Fatalf("NewGitStore() error = %v", err)
	}
	exerciseStore(t, store)

	reopened, err := NewGitStore(dir)
	if err != nil {
		t.Fatalf("NewGitStore() reopen error = %v", err)
	}
	ref, err := store.Write(context.Background(), []byte("persisted"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got, err := reopened.Read(context.Background(), ref)
	if err != nil {
		t.Fatalf("Read() from reopened store error = %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("Read() = %q", got)
	}
}

func TestGitStoreRejectsForeignRefs(t *testing.T) {
	store, err := NewGitStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewGitStore() error = %v", err)
	}
	for _, ref := range []string{"", "mem:abc", "git:xyz", "git:" + strings.Repeat("z", 40)} {
		if _, err := store.Read(context.Background(), ref); err == nil {
			t.Fatalf("Read(%q) expected error", ref)
		}
	}
}

func TestStoresHonourCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore().Write(ctx, []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Write() error = %v, want context.Canceled", err)
	}
}

func TestParseMinioRef(t *testing.T) {
	key, err := parseMinioRef("s3:versions/abc")
	if err != nil || key != "versions/abc" {
		t.Fatalf("parseMinioRef() = %q, %v", key, err)
	}
	if _, err := parseMinioRef("s3:other/abc"); err == nil {
		t.Fatal("expected error for key outside versions/")
	}
	if _, err := parseMinioRef("git:abc"); err == nil {
		t.Fatal("expected error for foreign ref")
	}
}
