package retention

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pagespace/history/internal/metrics"
	"pagespace/history/internal/version"
)

// Expirer is the version store operation the sweeper drives.
type Expirer interface {
	Expire(ctx context.Context, now time.Time, guard version.Guard) (version.ExpireReport, error)
}

type Sweeper struct {
	expirer Expirer
	policy  Policy
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	last *version.ExpireReport
}

// NewSweeper uses KeepLatest when policy is nil.
func NewSweeper(expirer Expirer, policy Policy, log zerolog.Logger, m *metrics.Metrics) *Sweeper {
	if policy == nil {
		policy = KeepLatest
	}
	return &Sweeper{expirer: expirer, policy: policy, log: log, metrics: m}
}

// Sweep expires versions with expiresAt <= now that the policy allows and
// returns their IDs. Protected versions are logged and skipped. Running it
// again with the same now returns an empty list.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) ([]string, error) {
	started := time.Now()
	report, err := s.expirer.Expire(ctx, now, version.Guard(s.policy))
	if err != nil {
		s.metrics.Sweep("error", len(report.Expired), len(report.Skipped), len(report.ReleasedRefs))
		s.log.Error().Err(err).Int("expired", len(report.Expired)).Msg("retention sweep failed")
		return report.Expired, err
	}

	for _, skip := range report.Skipped {
		var violation *ViolationError
		event := s.log.Warn()
		if errors.As(skip.Err, &violation) {
			event = s.log.Debug().Str("rule", violation.Rule)
		}
		event.Err(skip.Err).
			Str("version_id", skip.VersionID).
			Str("document_id", skip.DocumentID).
			Msg("version kept past retention")
	}
	s.metrics.Sweep("ok", len(report.Expired), len(report.Skipped), len(report.ReleasedRefs))
	s.log.Info().
		Time("now", now).
		Int("expired", len(report.Expired)).
		Int("skipped", len(report.Skipped)).
		Int("released_blobs", len(report.ReleasedRefs)).
		Dur("duration", time.Since(started)).
		Msg("retention sweep finished")

	s.mu.Lock()
	s.last = &report
	s.mu.Unlock()
	return report.Expired, nil
}

// LastReport returns the report of the most recent successful sweep.
func (s *Sweeper) LastReport() (version.ExpireReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return version.ExpireReport{}, false
	}
	return *s.last, true
}
