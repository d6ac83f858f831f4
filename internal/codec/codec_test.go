package codec

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	c := MustNew(DefaultThreshold)
	cases := []string{
		"",
		"x",
		"héllo wörld ✓",
		strings.Repeat("paragraph text ", 10),
		strings.Repeat("the quick brown fox jumps over the lazy dog\n", 500),
	}
	for _, input := range cases {
		res := c.Compress([]byte(input))
		out, err := c.Decompress(res.Data)
		if err != nil {
			t.Fatalf("Decompress() error = %v", err)
		}
		if string(out) != input {
			t.Fatalf("round trip mismatch for %q", truncate(input))
		}
		if res.OriginalSize != int64(len(input)) {
			t.Fatalf("OriginalSize = %d, want %d", res.OriginalSize, len(input))
		}
	}
}

func TestShouldCompressThreshold(t *testing.T) {
	c := MustNew(1024)
	if c.ShouldCompress(bytes.Repeat([]byte("a"), 1023)) {
		t.Fatal("expected 1023 bytes to stay uncompressed")
	}
	if !c.ShouldCompress(bytes.Repeat([]byte("a"), 1024)) {
		t.Fatal("expected 1024 bytes to be compressed")
	}
}

func TestCompressIfNeededBelowThresholdStoresVerbatim(t *testing.T) {
	c := MustNew(1024)
	input := []byte(`{"title":"A","body":"x"}`)
	data, meta := c.CompressIfNeeded(input)
	if meta.Compressed {
		t.Fatal("expected small content to be stored as-is")
	}
	if !bytes.Equal(data, input) {
		t.Fatal("expected verbatim bytes")
	}
	out, err := c.DecompressIfNeeded(data, meta)
	if err != nil {
		t.Fatalf("DecompressIfNeeded() error = %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatal("unexpected output")
	}
}

func TestLargeTextDocumentCompresses(t *testing.T) {
	c := MustNew(DefaultThreshold)
	input := textDocument(2 << 20)

	data, meta := c.CompressIfNeeded(input)
	if !meta.Compressed {
		t.Fatal("expected 2MB document to be compressed")
	}
	if meta.Ratio >= 0.7 {
		t.Fatalf("compression ratio = %.3f, want < 0.7", meta.Ratio)
	}
	if meta.CompressedSize != int64(len(data)) {
		t.Fatalf("CompressedSize = %d, want %d", meta.CompressedSize, len(data))
	}
	out, err := c.DecompressIfNeeded(data, meta)
	if err != nil {
		t.Fatalf("DecompressIfNeeded() error = %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatal("decompressed bytes differ from original")
	}
}

func TestIncompressibleContentIsStillRecorded(t *testing.T) {
	c := MustNew(DefaultThreshold)
	input := make([]byte, 4096)
	rand.New(rand.NewSource(7)).Read(input)

	data, meta := c.CompressIfNeeded(input)
	if !meta.Compressed {
		t.Fatal("expected content above threshold to be compressed")
	}
	if meta.Ratio < 0.9 {
		t.Fatalf("expected ratio near or above 1 for random bytes, got %.3f", meta.Ratio)
	}
	out, err := c.DecompressIfNeeded(data, meta)
	if err != nil {
		t.Fatalf("DecompressIfNeeded() error = %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatal("round trip mismatch")
	}
}

func TestDecompressCorruptedInput(t *testing.T) {
	c := MustNew(DefaultThreshold)
	res := c.Compress(textDocument(8 << 10))

	truncated := res.Data[:len(res.Data)/2]
	_, err := c.Decompress(truncated)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted for truncated input, got %v", err)
	}
	var corrupted *CorruptedVersionError
	if !errors.As(err, &corrupted) {
		t.Fatalf("expected *CorruptedVersionError, got %T", err)
	}

	_, err = c.Decompress([]byte("definitely not zstd"))
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted for garbage input, got %v", err)
	}
}

func TestDecompressIfNeededDetectsTruncatedRawBlob(t *testing.T) {
	c := MustNew(DefaultThreshold)
	meta := Metadata{OriginalSize: 10, CompressedSize: 10, Ratio: 1}
	_, err := c.DecompressIfNeeded([]byte("short"), meta)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
}

func TestStreamReader(t *testing.T) {
	c := MustNew(DefaultThreshold)
	input := textDocument(256 << 10)
	data, meta := c.CompressIfNeeded(input)

	rc, err := c.NewReader(bytes.NewReader(data), meta)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatal("streamed bytes differ from original")
	}
}

func TestStreamReaderCorrupted(t *testing.T) {
	c := MustNew(DefaultThreshold)
	data, meta := c.CompressIfNeeded(textDocument(64 << 10))

	rc, err := c.NewReader(bytes.NewReader(data[:len(data)/3]), meta)
	if err != nil {
		if !errors.Is(err, ErrCorrupted) {
			t.Fatalf("expected ErrCorrupted, got %v", err)
		}
		return
	}
	defer rc.Close()
	if _, err := io.ReadAll(rc); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted from truncated stream, got %v", err)
	}
}

func textDocument(size int) []byte {
	words := []string{
		"version", "history", "document", "section", "paragraph", "restore",
		"the", "a", "of", "and", "to", "retention", "policy", "editor", "draft",
		"compare", "changes", "content", "team", "review", "page", "drive",
	}
	rng := rand.New(rand.NewSource(42))
	var buf bytes.Buffer
	for buf.Len() < size {
		buf.WriteString(words[rng.Intn(len(words))])
		if rng.Intn(12) == 0 {
			buf.WriteString(".\n")
		} else {
			buf.WriteByte(' ')
		}
	}
	return buf.Bytes()[:size]
}

func truncate(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}
