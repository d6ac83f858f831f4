package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"pagespace/history/internal/blob"
	"pagespace/history/internal/codec"
	"pagespace/history/internal/diff"
	"pagespace/history/internal/diffcache"
	"pagespace/history/internal/metrics"
	"pagespace/history/internal/retention"
	"pagespace/history/internal/rollback"
	"pagespace/history/internal/version"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testServer struct {
	handler  http.Handler
	service  *Service
	blobs    *blob.MemoryStore
	clock    *clock
	registry *prometheus.Registry
}

func newTestServer(t *testing.T, checks map[string]Pinger) *testServer {
	t.Helper()
	return newTestServerWithOptions(t, checks, HTTPOptions{})
}

func newTestServerWithOptions(t *testing.T, checks map[string]Pinger, opts HTTPOptions) *testServer {
	t.Helper()
	clk := &clock{now: epoch}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	log := zerolog.Nop()

	blobs := blob.NewMemoryStore()
	versions := version.NewStore(version.NewMemoryRepository(), blobs, codec.MustNew(codec.DefaultThreshold), version.Options{
		DedupeConsecutive: true,
		Clock:             clk.Now,
		Logger:            log,
		Metrics:           m,
	})
	differ := diff.NewEngine(versions, diff.Options{Logger: log, Metrics: m})
	svc := New(Deps{
		Versions: versions,
		Differ:   differ,
		Cache:    diffcache.New(diffcache.NewLRU(16, time.Hour), log, m),
		Restorer: rollback.NewEngine(versions, differ, log, m),
		Sweeper:  retention.NewSweeper(versions, retention.KeepLatest, log, m),
		Checks:   checks,
		Clock:    clk.Now,
		Logger:   log,
	})
	opts.Logger, opts.Metrics, opts.Gatherer = log, m, reg
	server := NewHTTPServer(svc, opts)
	return &testServer{handler: server.Handler(), service: svc, blobs: blobs, clock: clk, registry: reg}
}

func (s *testServer) do(t *testing.T, method, path string, body any, actor string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-ID", actor)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func (s *testServer) save(t *testing.T, documentID, content string) version.Version {
	t.Helper()
	rr := s.do(t, http.MethodPost, "/api/documents/"+documentID+"/versions", map[string]any{
		"content": json.RawMessage(content),
	}, "user-1")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create version status = %d body = %s", rr.Code, rr.Body.String())
	}
	var payload struct {
		Version version.Version `json:"version"`
	}
	decode(t, rr, &payload)
	return payload.Version
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

type errorBody struct {
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details"`
}

func expectError(t *testing.T, rr *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	if rr.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rr.Code, status, rr.Body.String())
	}
	var body errorBody
	decode(t, rr, &body)
	if body.Code != code {
		t.Fatalf("code = %q, want %q", body.Code, code)
	}
	return body
}
