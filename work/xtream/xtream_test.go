package xtream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"xtream-bridge/work/cache"
	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
	"xtream-bridge/work/types"
)

func newTestClient(baseURL string) *Client {
	cfg := &config.Config{APIRateLimit: 100, UserAgent: "test-agent"}
	return NewClient(cfg, types.Service{
		ID:       "svc1",
		BaseURL:  baseURL,
		Username: "user",
		Password: "pass",
	}, cache.New(time.Minute), client.NewHeaderSettingClient(cfg))
}

func panelServer(t *testing.T, hits *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(hits, 1)
		if r.URL.Path != "/player_api.php" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("username") != "user" || q.Get("password") != "pass" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch q.Get("action") {
		case "get_vod_streams":
			w.Write([]byte(`[
				{"num":1,"name":"First Movie","stream_id":101,"container_extension":"mp4","category_id":"5"},
				{"num":2,"name":"Second Film","stream_id":102,"container_extension":"mkv","category_id":"5","direct_source":"http://cdn.example/102.mkv"}
			]`))
		case "get_series_info":
			w.Write([]byte(`{"episodes":{"1":[
				{"id":"9001","episode_num":1,"title":"Pilot","container_extension":"mp4","season":1}
			]},"info":{"name":"Show"}}`))
		case "":
			w.Write([]byte(`{"user_info":{"auth":1,"status":"Active"}}`))
		default:
			w.Write([]byte(`[]`))
		}
	}))
}

func TestGetVodStreams(t *testing.T) {
	var hits int64
	srv := panelServer(t, &hits)
	defer srv.Close()

	c := newTestClient(srv.URL)
	streams, err := c.GetVodStreams(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 2 {
		t.Fatalf("got %d streams, want 2", len(streams))
	}
	if streams[0].StreamID != 101 || streams[0].ContainerExtension != "mp4" {
		t.Errorf("unexpected first stream: %+v", streams[0])
	}
	if streams[1].DirectSource != "http://cdn.example/102.mkv" {
		t.Errorf("direct_source not decoded: %+v", streams[1])
	}
}

func TestPayloadsAreCached(t *testing.T) {
	var hits int64
	srv := panelServer(t, &hits)
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := c.GetVodStreams(context.Background(), ""); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt64(&hits); n != 1 {
		t.Errorf("panel hit %d times, want 1 (cached)", n)
	}
}

func TestFindVod(t *testing.T) {
	var hits int64
	srv := panelServer(t, &hits)
	defer srv.Close()

	c := newTestClient(srv.URL)
	got, err := c.FindVod(context.Background(), 102)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Name != "Second Film" {
		t.Fatalf("got %+v, want Second Film", got)
	}

	missing, err := c.FindVod(context.Background(), 999)
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown id, got %+v", missing)
	}
}

func TestFindEpisode(t *testing.T) {
	var hits int64
	srv := panelServer(t, &hits)
	defer srv.Close()

	c := newTestClient(srv.URL)
	ep, err := c.FindEpisode(context.Background(), "55", "9001")
	if err != nil {
		t.Fatal(err)
	}
	if ep == nil || ep.Title != "Pilot" || ep.Season != 1 {
		t.Fatalf("got %+v", ep)
	}
}

func TestSearchVodCaseInsensitive(t *testing.T) {
	var hits int64
	srv := panelServer(t, &hits)
	defer srv.Close()

	c := newTestClient(srv.URL)
	got, err := c.SearchVod(context.Background(), "second")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].StreamID != 102 {
		t.Fatalf("got %+v", got)
	}
}

func TestHandshake(t *testing.T) {
	var hits int64
	srv := panelServer(t, &hits)
	defer srv.Close()

	if err := newTestClient(srv.URL).Handshake(context.Background()); err != nil {
		t.Fatal(err)
	}
}
