package diffcache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"pagespace/history/internal/diff"
)

func setupTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	r, err := NewRedis("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("NewRedis() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, s
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	if _, err := NewRedis("not a url", time.Hour); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestRedisRoundTrip(t *testing.T) {
	r, s := setupTestRedis(t)
	ctx := context.Background()
	a, b := versions()
	want := computed(a, b)
	want.Sections[0].ContentA = []byte(`"x"`)
	want.Sections[0].ContentB = []byte(`"y"`)
	want.Sections[0].Words = []diff.WordEdit{{Op: diff.WordDelete, Text: "x"}, {Op: diff.WordInsert, Text: "y"}}

	if err := r.Set(ctx, Key(a, b), want); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !s.Exists("history:" + Key(a, b)) {
		t.Fatal("expected prefixed key in redis")
	}
	got, ok, err := r.Get(ctx, Key(a, b))
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	section := got.Sections[0]
	if section.SectionID != "body" || string(section.ContentB) != `"y"` || len(section.Words) != 2 {
		t.Fatalf("section = %+v", section)
	}
	if ttl := s.TTL("history:" + Key(a, b)); ttl != time.Hour {
		t.Fatalf("ttl = %v, want 1h", ttl)
	}
}

func TestRedisEntriesExpire(t *testing.T) {
	r, s := setupTestRedis(t)
	ctx := context.Background()
	if err := r.Set(ctx, "k", diff.Result{DocumentID: "doc-1"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	s.FastForward(time.Hour + time.Second)
	if _, ok, err := r.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("Get() after ttl = %v, %v", ok, err)
	}
}

func TestRedisGetRejectsGarbage(t *testing.T) {
	r, s := setupTestRedis(t)
	if err := s.Set("history:k", "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, ok, err := r.Get(context.Background(), "k"); ok || err == nil {
		t.Fatalf("Get() = %v, %v; want decode error", ok, err)
	}
}

func TestCacheOverRedisSurvivesOutage(t *testing.T) {
	r, s := setupTestRedis(t)
	cache := New(r, zerolog.Nop(), nil)
	a, b := versions()
	var calls int
	compute := func(context.Context) (diff.Result, error) {
		calls++
		return computed(a, b), nil
	}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := cache.GetOrCompute(ctx, a, b, compute); err != nil {
			t.Fatalf("GetOrCompute() error = %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("compute called %d times, want 1", calls)
	}

	s.Close()
	res, err := cache.GetOrCompute(ctx, a, b, compute)
	if err != nil || res.Summary.Modified != 1 {
		t.Fatalf("GetOrCompute() during outage = %+v, %v", res, err)
	}
	if calls != 2 {
		t.Fatalf("compute called %d times, want 2", calls)
	}
}
