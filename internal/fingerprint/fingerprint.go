// Package fingerprint hashes canonical document content.
//
// Object keys are sorted before hashing, so two documents that differ only
// in key insertion order share a fingerprint. Numbers keep their literal
// text.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
)

const prefix = "sha256:"

// Of returns the fingerprint of JSON content.
func Of(raw []byte) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return Bytes(canonical), nil
}

// Value fingerprints an in-memory value through its JSON encoding.
func Value(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return Of(raw)
}

// Bytes hashes bytes that are already canonical.
func Bytes(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return prefix + hex.EncodeToString(sum[:])
}

// Canonicalize re-encodes JSON with sorted keys and no insignificant
// whitespace.
func Canonicalize(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("decode content: trailing data")
	}
	return Encode(parsed)
}

// Encode writes v in canonical form. encoding/json sorts map keys.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Short is a display form used in logs and cache keys.
func Short(fp string) string {
	fp = trimPrefix(fp)
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// Pair orders two fingerprints deterministically. forward reports whether
// (a, b) was already in order.
func Pair(a, b string) (lo, hi string, forward bool) {
	if a <= b {
		return a, b, true
	}
	return b, a, false
}

func trimPrefix(fp string) string {
	if len(fp) >= len(prefix) && fp[:len(prefix)] == prefix {
		return fp[len(prefix):]
	}
	return fp
}
