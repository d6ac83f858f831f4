package version

import (
	"context"
	"fmt"
	"time"
)

// Guard vetoes the expiry of candidate by returning an error. liveAfter is
// how many live versions the document keeps if candidate is expired.
type Guard func(candidate Version, liveAfter int) error

const expireBatchSize = 500

type Skipped struct {
	VersionID  string
	DocumentID string
	Err        error
}

type ExpireReport struct {
	Expired      []string
	Skipped      []Skipped
	ReleasedRefs []string
}

// ExpireOlderThan expires every version past its deadline that the store's
// guard allows and returns how many rows changed. Repeating a call with the
// same now returns 0.
func (s *Store) ExpireOlderThan(ctx context.Context, now time.Time) (int, error) {
	report, err := s.Expire(ctx, now, s.opts.Guard)
	return len(report.Expired), err
}

// Expire marks live versions with expires_at <= now as expired, consulting
// guard per candidate, then deletes blobs no live version still uses.
// Rows that another sweep expired first are not reported.
func (s *Store) Expire(ctx context.Context, now time.Time, guard Guard) (ExpireReport, error) {
	report := ExpireReport{Expired: []string{}}
	candidates, err := s.repo.ListExpirable(ctx, now, 0)
	if err != nil {
		return report, fmt.Errorf("list expirable versions: %w", err)
	}

	var (
		eligible []Version
		docID    string
		live     int
		taken    int
	)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if c.DocumentID != docID {
			docID = c.DocumentID
			taken = 0
			live, err = s.repo.CountLive(ctx, docID)
			if err != nil {
				return report, fmt.Errorf("count live versions: %w", err)
			}
		}
		if guard != nil {
			if err := guard(c, live-taken-1); err != nil {
				report.Skipped = append(report.Skipped, Skipped{VersionID: c.ID, DocumentID: c.DocumentID, Err: err})
				continue
			}
		}
		taken++
		eligible = append(eligible, c)
	}

	at := s.timestamp()
	byID := make(map[string]Version, len(eligible))
	for start := 0; start < len(eligible); start += expireBatchSize {
		end := min(start+expireBatchSize, len(eligible))
		ids := make([]string, 0, end-start)
		for _, v := range eligible[start:end] {
			ids = append(ids, v.ID)
			byID[v.ID] = v
		}
		changed, err := s.repo.MarkExpired(ctx, ids, at)
		if err != nil {
			return report, fmt.Errorf("mark versions expired: %w", err)
		}
		report.Expired = append(report.Expired, changed...)
	}

	seen := make(map[string]struct{})
	for _, id := range report.Expired {
		ref := byID[id].ContentRef
		if _, ok := seen[ref]; ok || ref == "" {
			continue
		}
		seen[ref] = struct{}{}
		if released := s.release(ctx, ref); released {
			report.ReleasedRefs = append(report.ReleasedRefs, ref)
		}
	}
	return report, nil
}

// release deletes a blob once no live version references it. Failures are
// logged and left to reconciliation; the expiry itself already committed.
func (s *Store) release(ctx context.Context, ref string) bool {
	inUse, err := s.repo.RefInUse(ctx, ref)
	if err != nil {
		s.log.Warn().Err(err).Str("ref", ref).Msg("could not check blob references")
		return false
	}
	if inUse {
		return false
	}
	if err := s.blobs.Delete(ctx, ref); err != nil {
		s.log.Warn().Err(err).Str("orphan_ref", ref).Msg("could not release expired blob")
		return false
	}
	return true
}
