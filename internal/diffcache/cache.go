// Package diffcache memoises diff results by content fingerprint.
//
// Stored versions never change, so a result computed for one pair of
// fingerprints stays valid for every later request on the same pair. No
// invalidation is needed; backends only bound memory through size and TTL.
package diffcache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"pagespace/history/internal/diff"
	"pagespace/history/internal/fingerprint"
	"pagespace/history/internal/metrics"
	"pagespace/history/internal/version"
)

// DefaultTTL bounds how long a cached result is served. Broken-reference
// flags depend on external file state, so entries should not live forever.
const DefaultTTL = 24 * time.Hour

// DefaultComputeTimeout bounds a shared computation once it no longer
// follows any caller's context.
const DefaultComputeTimeout = 2 * time.Minute

// Backend stores results under opaque keys. A lookup miss is (zero, false,
// nil); errors are reserved for backend failures.
type Backend interface {
	Get(ctx context.Context, key string) (diff.Result, bool, error)
	Set(ctx context.Context, key string, res diff.Result) error
}

// ComputeFunc produces the result on a miss.
type ComputeFunc func(ctx context.Context) (diff.Result, error)

type Cache struct {
	backend Backend
	group   singleflight.Group
	timeout time.Duration
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func New(backend Backend, log zerolog.Logger, m *metrics.Metrics) *Cache {
	if backend == nil {
		backend = Noop{}
	}
	return &Cache{backend: backend, timeout: DefaultComputeTimeout, log: log, metrics: m}
}

// Key is the cache key for diffing a against b. The direction is part of
// the key since a diff is not symmetric in its payloads.
func Key(a, b version.Version) string {
	lo, hi, forward := fingerprint.Pair(a.ContentFingerprint, b.ContentFingerprint)
	dir := "r"
	if forward {
		dir = "f"
	}
	return "diff:" + lo + ":" + hi + ":" + dir
}

// GetOrCompute returns the cached result for (a, b) or computes it.
// Concurrent misses on the same key share one computation. Results marked
// unavailable are returned but never stored, so a repaired blob is picked
// up on the next request. Backend failures degrade to computing.
//
// A shared computation runs detached from the caller that started it, so
// one caller going away does not fail the others; each caller stops
// waiting when its own ctx ends.
func (c *Cache) GetOrCompute(ctx context.Context, a, b version.Version, compute ComputeFunc) (diff.Result, error) {
	key := Key(a, b)
	res, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("diff cache lookup failed")
	}
	if ok {
		c.metrics.DiffCacheHit()
		return relabel(res, a, b), nil
	}
	c.metrics.DiffCacheMiss()

	// Shared computes are scoped to the version pair so an unavailable
	// result names the right version.
	ch := c.group.DoChan(key+":"+a.ID+":"+b.ID, func() (any, error) {
		computeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		res, err := compute(computeCtx)
		if err != nil {
			return diff.Result{}, err
		}
		if res.Available() {
			if err := c.backend.Set(computeCtx, key, res); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("diff cache store failed")
			}
		}
		return res, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return diff.Result{}, r.Err
		}
		return r.Val.(diff.Result), nil
	case <-ctx.Done():
		return diff.Result{}, ctx.Err()
	}
}

// relabel points a cached result, possibly computed for other versions
// with the same content, at the requested ones.
func relabel(res diff.Result, a, b version.Version) diff.Result {
	res.DocumentID = a.DocumentID
	res.FromVersionID = a.ID
	res.ToVersionID = b.ID
	return res
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) (diff.Result, bool, error) {
	return diff.Result{}, false, nil
}

func (Noop) Set(context.Context, string, diff.Result) error { return nil }
