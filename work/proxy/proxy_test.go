package proxy

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"xtream-bridge/work/cache"
	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
	"xtream-bridge/work/token"
)

func testProxy() *Proxy {
	cfg := &config.Config{
		TokenTimeout: 5 * time.Second,
		UserAgent:    "test-agent",
	}
	return New(cfg, token.NewResolver(cfg), cache.New(time.Minute), client.NewHeaderSettingClient(cfg))
}

func TestStreamRejectsHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<HTML><body>portal expired</body></HTML>"))
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	err := testProxy().Stream(context.Background(), rec, srv.URL+"/movie/1.mp4", "")

	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Cause != "html" {
		t.Fatalf("got %v, want html validation error", err)
	}
	if rec.Body.Len() != 0 {
		t.Error("client received bytes despite validation failure")
	}
}

func TestStreamRejectsEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	err := testProxy().Stream(context.Background(), rec, srv.URL+"/movie/1.mp4", "")

	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Cause != "empty" {
		t.Fatalf("got %v, want empty validation error", err)
	}
}

func TestStreamRejectsMalformedPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a playlist"))
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	err := testProxy().Stream(context.Background(), rec, srv.URL+"/live/index.m3u8", "")

	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Cause != "invalid_playlist" {
		t.Fatalf("got %v, want invalid_playlist validation error", err)
	}
}

func TestStreamRejectsUndecodablePlaylist(t *testing.T) {
	// passes the header-tag check but is not a parsable HLS document
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:notaduration,\nseg/0.ts\n"))
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	err := testProxy().Stream(context.Background(), rec, srv.URL+"/live/index.m3u8", "")

	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Cause != "invalid_playlist" {
		t.Fatalf("got %v, want invalid_playlist validation error", err)
	}
	if rec.Body.Len() != 0 {
		t.Error("client received bytes despite validation failure")
	}
}

func TestStreamPreservesUpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	err := testProxy().Stream(context.Background(), httptest.NewRecorder(), srv.URL+"/movie/1.mp4", "")

	var uerr *UpstreamStatusError
	if !errors.As(err, &uerr) || uerr.StatusCode != http.StatusNotFound {
		t.Fatalf("got %v, want upstream status 404", err)
	}
}

func TestStreamPassesThroughVideo(t *testing.T) {
	payload := bytes.Repeat([]byte{0x47, 0x11, 0x22, 0x33}, 2048)
	var gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(payload)
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	if err := testProxy().Stream(context.Background(), rec, srv.URL+"/movie/1.mp4", "bytes=0-"); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Error("streamed body differs from upstream payload")
	}
	if gotRange != "bytes=0-" {
		t.Errorf("range header not forwarded, got %q", gotRange)
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Error("Accept-Ranges not propagated")
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
	if rec.Header().Get("Content-Type") != "video/mp4" {
		t.Errorf("content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestStreamRewritesPlaylist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:10\n#EXTINF:10.0,\nseg/0.ts\n#EXT-X-ENDLIST\n"))
	}))
	defer srv.Close()

	rec := httptest.NewRecorder()
	if err := testProxy().Stream(context.Background(), rec, srv.URL+"/hls/ch1/index.m3u8", ""); err != nil {
		t.Fatal(err)
	}
	body := rec.Body.String()
	if !strings.Contains(body, srv.URL+"/hls/ch1/seg/0.ts") {
		t.Errorf("relative segment not rewritten:\n%s", body)
	}
	if rec.Header().Get("Content-Type") != "application/vnd.apple.mpegurl" {
		t.Errorf("content type %q", rec.Header().Get("Content-Type"))
	}
}

func TestRewritePlaylist(t *testing.T) {
	in := strings.Join([]string{
		"#EXTM3U",
		"#EXTINF:10.0,",
		"seg/0.ts",
		"#EXTINF:10.0,",
		"/abs/1.ts",
		"#EXTINF:10.0,",
		"http://other.example/2.ts",
		"#EXT-X-ENDLIST",
	}, "\n")

	out := RewritePlaylist(in, "http://host.example/hls/ch1/index.m3u8?token=abc")
	lines := strings.Split(out, "\n")

	if lines[2] != "http://host.example/hls/ch1/seg/0.ts?token=abc" {
		t.Errorf("directory-relative line: %s", lines[2])
	}
	if lines[4] != "http://host.example/abs/1.ts?token=abc" {
		t.Errorf("root-relative line: %s", lines[4])
	}
	if lines[6] != "http://other.example/2.ts?token=abc" {
		t.Errorf("absolute .ts line should still gain the token: %s", lines[6])
	}
	if lines[0] != "#EXTM3U" || lines[7] != "#EXT-X-ENDLIST" {
		t.Error("comment lines must pass through untouched")
	}
}

func TestRewritePlaylistWithoutToken(t *testing.T) {
	out := RewritePlaylist("#EXTM3U\nseg/0.ts\n", "http://host.example/hls/index.m3u8")
	if !strings.Contains(out, "http://host.example/hls/seg/0.ts") {
		t.Errorf("rewrite failed: %s", out)
	}
	if strings.Contains(out, "token=") {
		t.Error("no token should be attached when the playlist URL has none")
	}
}
