package diffcache

import (
	"context"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"pagespace/history/internal/diff"
)

// DefaultSize is the LRU capacity in entries.
const DefaultSize = 512

type lruEntry struct {
	res       diff.Result
	expiresAt time.Time
}

// LRU is an in-process backend bounded by entry count and TTL.
type LRU struct {
	mu    sync.Mutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LRU{cache: lru.New(size), ttl: ttl, now: time.Now}
}

func (l *LRU) Get(_ context.Context, key string) (diff.Result, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.cache.Get(key)
	if !ok {
		return diff.Result{}, false, nil
	}
	entry := v.(lruEntry)
	if !l.now().Before(entry.expiresAt) {
		l.cache.Remove(key)
		return diff.Result{}, false, nil
	}
	return entry.res, true, nil
}

func (l *LRU) Set(_ context.Context, key string, res diff.Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Add(key, lruEntry{res: res, expiresAt: l.now().Add(l.ttl)})
	return nil
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cache.Len()
}
