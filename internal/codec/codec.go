// Package codec compresses version content before it reaches blob storage.
//
// Content below the threshold is stored as-is. The compressed flag in
// Metadata travels with the version record, so DecompressIfNeeded is always
// correct given the metadata alone.
package codec

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// DefaultThreshold is the smallest payload, in bytes, worth compressing.
const DefaultThreshold = 1024

// ErrCorrupted is matched by every CorruptedVersionError.
var ErrCorrupted = errors.New("corrupted version content")

// CorruptedVersionError reports stored content that cannot be decoded.
type CorruptedVersionError struct {
	Reason string
	Err    error
}

func (e *CorruptedVersionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupted version content: %s: %v", e.Reason, e.Err)
	}
	return "corrupted version content: " + e.Reason
}

func (e *CorruptedVersionError) Unwrap() error { return e.Err }

func (e *CorruptedVersionError) Is(target error) bool { return target == ErrCorrupted }

// Metadata describes how a blob was encoded.
type Metadata struct {
	Compressed     bool    `json:"compressed"`
	OriginalSize   int64   `json:"originalSize"`
	CompressedSize int64   `json:"compressedSize"`
	Ratio          float64 `json:"compressionRatio"`
}

// Result is the output of Compress.
type Result struct {
	Data           []byte
	OriginalSize   int64
	CompressedSize int64
	Ratio          float64
}

type Codec struct {
	threshold int
	enc       *zstd.Encoder
	dec       *zstd.Decoder
}

func New(threshold int) (*Codec, error) {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Codec{threshold: threshold, enc: enc, dec: dec}, nil
}

// MustNew is New for package-level defaults and tests.
func MustNew(threshold int) *Codec {
	c, err := New(threshold)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Codec) Threshold() int { return c.threshold }

func (c *Codec) ShouldCompress(text []byte) bool {
	return len(text) >= c.threshold
}

// Compress always compresses, regardless of the threshold. A ratio of 1 or
// more is a legitimate outcome for incompressible input.
func (c *Codec) Compress(text []byte) Result {
	data := c.enc.EncodeAll(text, make([]byte, 0, len(text)/2+64))
	return Result{
		Data:           data,
		OriginalSize:   int64(len(text)),
		CompressedSize: int64(len(data)),
		Ratio:          ratio(len(data), len(text)),
	}
}

func (c *Codec) Decompress(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, &CorruptedVersionError{Reason: "zstd decode", Err: err}
	}
	return out, nil
}

func (c *Codec) CompressIfNeeded(text []byte) ([]byte, Metadata) {
	if !c.ShouldCompress(text) {
		size := int64(len(text))
		return text, Metadata{OriginalSize: size, CompressedSize: size, Ratio: 1}
	}
	res := c.Compress(text)
	return res.Data, Metadata{
		Compressed:     true,
		OriginalSize:   res.OriginalSize,
		CompressedSize: res.CompressedSize,
		Ratio:          res.Ratio,
	}
}

// DecompressIfNeeded also verifies the decoded length against the recorded
// original size, which catches truncated uncompressed blobs.
func (c *Codec) DecompressIfNeeded(data []byte, meta Metadata) ([]byte, error) {
	out := data
	if meta.Compressed {
		var err error
		out, err = c.Decompress(data)
		if err != nil {
			return nil, err
		}
	}
	if meta.OriginalSize > 0 && int64(len(out)) != meta.OriginalSize {
		return nil, &CorruptedVersionError{
			Reason: fmt.Sprintf("size mismatch: want %d bytes, got %d", meta.OriginalSize, len(out)),
		}
	}
	return out, nil
}

// NewReader streams decoded content without materialising the whole blob.
// Decode failures surface from Read as CorruptedVersionError.
func (c *Codec) NewReader(r io.Reader, meta Metadata) (io.ReadCloser, error) {
	if !meta.Compressed {
		return io.NopCloser(r), nil
	}
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
	if err != nil {
		return nil, &CorruptedVersionError{Reason: "open zstd stream", Err: err}
	}
	return &streamReader{dec: dec}, nil
}

type streamReader struct {
	dec *zstd.Decoder
}

func (s *streamReader) Read(p []byte) (int, error) {
	n, err := s.dec.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &CorruptedVersionError{Reason: "zstd stream", Err: err}
	}
	return n, err
}

func (s *streamReader) Close() error {
	s.dec.Close()
	return nil
}

func ratio(compressed, original int) float64 {
	if original == 0 {
		return 1
	}
	return float64(compressed) / float64(original)
}
