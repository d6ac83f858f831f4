// Package retention expires versions past their retention window.
package retention

import (
	"fmt"
	"strings"

	"pagespace/history/internal/version"
)

// Policy decides whether candidate may be expired. liveAfter is how many
// live versions its document keeps if it is. A non-nil error protects the
// candidate; the sweep records the error and moves on.
type Policy func(candidate version.Version, liveAfter int) error

// ViolationError reports a candidate protected by policy.
type ViolationError struct {
	VersionID  string
	DocumentID string
	Rule       string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("version %s of document %s is protected by %s", e.VersionID, e.DocumentID, e.Rule)
}

// KeepLatest never expires the last live version of a document.
func KeepLatest(candidate version.Version, liveAfter int) error {
	if liveAfter < 1 {
		return &ViolationError{VersionID: candidate.ID, DocumentID: candidate.DocumentID, Rule: "keep-latest"}
	}
	return nil
}

// NoFloor lets every version expire, including a document's last one.
func NoFloor(version.Version, int) error { return nil }

// KeepAtLeast protects the newest n live versions of each document.
func KeepAtLeast(n int) Policy {
	rule := fmt.Sprintf("keep-at-least-%d", n)
	return func(candidate version.Version, liveAfter int) error {
		if liveAfter < n {
			return &ViolationError{VersionID: candidate.ID, DocumentID: candidate.DocumentID, Rule: rule}
		}
		return nil
	}
}

// PolicyByName resolves the configured policy name.
func PolicyByName(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "keep-latest":
		return KeepLatest, nil
	case "no-floor":
		return NoFloor, nil
	default:
		return nil, fmt.Errorf("unknown retention policy %q", name)
	}
}
