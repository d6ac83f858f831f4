package version

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type docKey struct {
	documentID string
	seq        int64
}

// MemoryRepository keeps metadata in process. It backs tests and runs
// without DATABASE_URL.
type MemoryRepository struct {
	mu    sync.RWMutex
	rows  map[string]Version
	byDoc map[string][]string
	seqs  map[docKey]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rows:  make(map[string]Version),
		byDoc: make(map[string][]string),
		seqs:  make(map[docKey]string),
	}
}

func (r *MemoryRepository) Insert(ctx context.Context, v Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	key := docKey{documentID: v.DocumentID, seq: v.Seq}
	if _, ok := r.seqs[key]; ok {
		return ErrSequenceConflict
	}
	if _, ok := r.rows[v.ID]; ok {
		return fmt.Errorf("insert version: duplicate id %s", v.ID)
	}
	r.rows[v.ID] = cloneVersion(v)
	r.seqs[key] = v.ID
	r.byDoc[v.DocumentID] = append(r.byDoc[v.DocumentID], v.ID)
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.rows[id]
	if !ok {
		return Version{}, ErrNotFound
	}
	return cloneVersion(v), nil
}

func (r *MemoryRepository) Head(ctx context.Context, documentID string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var head *Version
	for _, id := range r.byDoc[documentID] {
		v := r.rows[id]
		if v.Expired() {
			continue
		}
		if head == nil || v.Seq > head.Seq {
			head = &v
		}
	}
	if head == nil {
		return Version{}, ErrNotFound
	}
	return cloneVersion(*head), nil
}

func (r *MemoryRepository) LastSeq(ctx context.Context, documentID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last int64
	for _, id := range r.byDoc[documentID] {
		if seq := r.rows[id].Seq; seq > last {
			last = seq
		}
	}
	return last, nil
}

func (r *MemoryRepository) List(ctx context.Context, documentID string, page Page) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page = page.normalized()
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]Version, 0)
	for _, id := range r.byDoc[documentID] {
		v := r.rows[id]
		if v.Expired() || (page.BeforeSeq > 0 && v.Seq >= page.BeforeSeq) {
			continue
		}
		items = append(items, cloneVersion(v))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq > items[j].Seq })
	if len(items) > page.Limit {
		items = items[:page.Limit]
	}
	return items, nil
}

func (r *MemoryRepository) ListExpirable(ctx context.Context, now time.Time, limit int) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]Version, 0)
	for _, v := range r.rows {
		if v.Expired() || v.ExpiresAt.After(now) {
			continue
		}
		items = append(items, cloneVersion(v))
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].DocumentID != items[j].DocumentID {
			return items[i].DocumentID < items[j].DocumentID
		}
		return items[i].Seq < items[j].Seq
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (r *MemoryRepository) CountLive(ctx context.Context, documentID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, id := range r.byDoc[documentID] {
		if !r.rows[id].Expired() {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) MarkExpired(ctx context.Context, ids []string, at time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	changed := make([]string, 0, len(ids))
	for _, id := range ids {
		v, ok := r.rows[id]
		if !ok || v.Expired() {
			continue
		}
		expiredAt := at
		v.ExpiredAt = &expiredAt
		r.rows[id] = v
		changed = append(changed, id)
	}
	return changed, nil
}

func (r *MemoryRepository) ExtendExpiry(ctx context.Context, id string, until time.Time) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Version{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.rows[id]
	if !ok {
		return Version{}, ErrNotFound
	}
	if v.Expired() {
		return Version{}, ErrExpired
	}
	if until.After(v.ExpiresAt) {
		v.ExpiresAt = until
		r.rows[id] = v
	}
	return cloneVersion(v), nil
}

func (r *MemoryRepository) RefInUse(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.rows {
		if v.ContentRef == ref && !v.Expired() {
			return true, nil
		}
	}
	return false, nil
}

func cloneVersion(v Version) Version {
	if v.EmbeddedFileRefs != nil {
		v.EmbeddedFileRefs = append([]string(nil), v.EmbeddedFileRefs...)
	}
	if v.ExpiredAt != nil {
		at := *v.ExpiredAt
		v.ExpiredAt = &at
	}
	return v
}
