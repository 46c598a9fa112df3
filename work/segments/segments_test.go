package segments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/panjf2000/ants/v2"

	"xtream-bridge/work/cache"
	"xtream-bridge/work/config"
)

func testEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := &config.Config{
		ProbeTimeout:       time.Second,
		DiscoveryTimeout:   8 * time.Second,
		ProbeBatchSize:     30,
		MaxSegmentIndex:    200,
		EarlyExitThreshold: 50,
		UserAgent:          "test-agent",
	}
	pool, err := ants.NewPool(16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Release)
	return NewEngine(cfg, cache.New(time.Minute), pool)
}

// segmentServer serves a valid transport-stream prefix for indices
// below limit and 404 beyond, recording the highest index probed.
func segmentServer(t *testing.T, limit int, maxProbed *int64) *httptest.Server {
	t.Helper()
	body := make([]byte, 256)
	body[0] = 0x47
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:], ".ts")
		idx, err := strconv.Atoi(name)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		for {
			old := atomic.LoadInt64(maxProbed)
			if int64(idx) <= old || atomic.CompareAndSwapInt64(maxProbed, old, int64(idx)) {
				break
			}
		}
		if idx >= limit {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(body)
	}))
}

func TestDiscoverFindsContiguousRange(t *testing.T) {
	var maxProbed int64
	srv := segmentServer(t, 10, &maxProbed)
	defer srv.Close()

	e := testEngine(t)
	start := time.Now()
	set, err := e.Discover(context.Background(), "svc", "c1", srv.URL+"/hls/c1")
	if err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > e.cfg.DiscoveryTimeout {
		t.Error("discovery exceeded its budget")
	}
	if len(set.Indices) != 10 {
		t.Fatalf("got %d indices, want 10: %v", len(set.Indices), set.Indices)
	}
	for i, idx := range set.Indices {
		if idx != i {
			t.Fatalf("indices not contiguous from 0: %v", set.Indices)
		}
	}
}

func TestDiscoverFastFailsOnEmptyFirstBatch(t *testing.T) {
	var maxProbed int64
	srv := segmentServer(t, 0, &maxProbed)
	defer srv.Close()

	e := testEngine(t)
	_, err := e.Discover(context.Background(), "svc", "c2", srv.URL+"/hls/c2")
	if !errors.Is(err, ErrNoSegments) {
		t.Fatalf("got %v, want ErrNoSegments", err)
	}
	if m := atomic.LoadInt64(&maxProbed); m > 40 {
		t.Errorf("scanned to index %d after a dead first batch", m)
	}
}

func TestDiscoverStopsAtEarlyExitThreshold(t *testing.T) {
	var maxProbed int64
	srv := segmentServer(t, 120, &maxProbed)
	defer srv.Close()

	e := testEngine(t)
	set, err := e.Discover(context.Background(), "svc", "c6", srv.URL+"/hls/c6")
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Indices) < e.cfg.EarlyExitThreshold {
		t.Fatalf("got %d indices, want at least %d", len(set.Indices), e.cfg.EarlyExitThreshold)
	}
	for i, idx := range set.Indices {
		if idx != i {
			t.Fatalf("indices not contiguous from 0: %v", set.Indices)
		}
	}
	// two 30-index batches reach the threshold, so nothing past the
	// second batch should ever be probed
	if m := atomic.LoadInt64(&maxProbed); m > 59 {
		t.Errorf("scanned to index %d past the early-exit boundary", m)
	}
}

func TestDiscoverCachesResult(t *testing.T) {
	var maxProbed int64
	srv := segmentServer(t, 5, &maxProbed)
	e := testEngine(t)

	first, err := e.Discover(context.Background(), "svc", "c3", srv.URL+"/hls/c3")
	if err != nil {
		t.Fatal(err)
	}
	srv.Close() // second call must not touch the network

	second, err := e.Discover(context.Background(), "svc", "c3", srv.URL+"/hls/c3")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("expected the cached SegmentSet instance")
	}
}

func TestDiscoverCachesEmptyResult(t *testing.T) {
	var maxProbed int64
	srv := segmentServer(t, 0, &maxProbed)
	e := testEngine(t)

	if _, err := e.Discover(context.Background(), "svc", "c4", srv.URL+"/hls/c4"); !errors.Is(err, ErrNoSegments) {
		t.Fatal(err)
	}
	srv.Close()

	if _, err := e.Discover(context.Background(), "svc", "c4", srv.URL+"/hls/c4"); !errors.Is(err, ErrNoSegments) {
		t.Fatalf("cached empty result should still report ErrNoSegments, got %v", err)
	}
}

func TestDiscoverAbandonsSlowProbesAtDeadline(t *testing.T) {
	body := make([]byte, 256)
	body[0] = 0x47
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(body)
	}))
	defer srv.Close()

	cfg := &config.Config{
		ProbeTimeout:       3 * time.Second,
		DiscoveryTimeout:   200 * time.Millisecond,
		ProbeBatchSize:     30,
		MaxSegmentIndex:    200,
		EarlyExitThreshold: 50,
		UserAgent:          "test-agent",
	}
	pool, err := ants.NewPool(16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Release)
	e := NewEngine(cfg, cache.New(time.Minute), pool)

	start := time.Now()
	_, err = e.Discover(context.Background(), "svc", "c7", srv.URL+"/hls/c7")
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("discovery took %v, deadline should abandon in-flight probes", elapsed)
	}
	if !errors.Is(err, ErrNoSegments) {
		t.Fatalf("got %v, want ErrNoSegments", err)
	}
}

func TestDiscoverFillsGaps(t *testing.T) {
	body := make([]byte, 256)
	body[0] = 0x47
	var missedOnce int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSuffix(r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:], ".ts")
		idx, err := strconv.Atoi(name)
		if err != nil || idx >= 10 {
			http.NotFound(w, r)
			return
		}
		// index 3 fails exactly once, then serves normally
		if idx == 3 && atomic.CompareAndSwapInt64(&missedOnce, 0, 1) {
			http.Error(w, "busy", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "video/mp2t")
		w.Write(body)
	}))
	defer srv.Close()

	e := testEngine(t)
	set, err := e.Discover(context.Background(), "svc", "c5", srv.URL+"/hls/c5")
	if err != nil {
		t.Fatal(err)
	}
	if len(set.Indices) != 10 {
		t.Fatalf("got %v, want 0..9 after gap fill", set.Indices)
	}
	for i, idx := range set.Indices {
		if idx != i {
			t.Fatalf("set not contiguous after gap fill: %v", set.Indices)
		}
	}
}

func TestSegmentURLKeepsToken(t *testing.T) {
	got := SegmentURL("http://h/hls/42?token=abc", 3)
	want := "http://h/hls/42/3.ts?token=abc"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}
	if got := SegmentURL("http://h/hls/42/", 0); got != "http://h/hls/42/0.ts" {
		t.Errorf("trailing slash not trimmed: %s", got)
	}
}

func TestValidSegmentBody(t *testing.T) {
	ts := append([]byte{0x47}, make([]byte, 187)...)
	if !validSegmentBody("", ts) {
		t.Error("sync byte alone should validate")
	}
	if validSegmentBody("video/mp2t", nil) {
		t.Error("empty body must not validate")
	}
	if validSegmentBody("video/mp2t", []byte("<HTML><body>err</body>")) {
		t.Error("HTML body must not validate")
	}
	if validSegmentBody("text/html", ts) {
		t.Error("text/html content type must not validate")
	}
	if !validSegmentBody("application/octet-stream", []byte{0x00, 0x01}) {
		t.Error("octet-stream should break the tie for an inconclusive signature")
	}
	if validSegmentBody("text/plain", []byte{0x00, 0x01}) {
		t.Error("inconclusive signature with non-media type must not validate")
	}
}
