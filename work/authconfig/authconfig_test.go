package authconfig

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"xtream-bridge/work/cache"
	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
)

func newTestClient(endpoint string) *Client {
	cfg := &config.Config{
		AuthConfigURL:   endpoint,
		DefaultUsername: "defuser",
		DefaultPassword: "defpass",
		UserAgent:       "test-agent",
	}
	return New(cfg, cache.New(time.Minute), client.NewHeaderSettingClient(cfg))
}

func TestServicesParsesCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"playlists":[
			{"url":"http://panel-a.example:8080/get.php?username=alice&password=secret&type=m3u_plus"},
			{"url":"http://panel-b.example/get.php?type=m3u_plus"}
		]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Services(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d services, want 2", len(got))
	}
	if got[0].BaseURL != "http://panel-a.example:8080" {
		t.Errorf("base URL %s", got[0].BaseURL)
	}
	if got[0].Username != "alice" || got[0].Password != "secret" {
		t.Errorf("credentials not parsed: %+v", got[0])
	}
	if got[1].Username != "defuser" || got[1].Password != "defpass" {
		t.Errorf("default credentials not applied: %+v", got[1])
	}
}

func TestServicesDecodesDataEnvelope(t *testing.T) {
	inner := `{"app_name":"demo","urls":[
		{"url":"http://panel-a.example/get.php?username=alice&password=secret","name":"A"},
		{"url":"http://panel-b.example/get.php?type=m3u_plus","name":"B"}
	]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":"` + base64.StdEncoding.EncodeToString([]byte(inner)) + `"}`))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Services(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d services, want 2", len(got))
	}
	if got[0].Username != "alice" || got[0].Password != "secret" {
		t.Errorf("credentials not parsed: %+v", got[0])
	}
	if got[1].Username != "defuser" || got[1].Password != "defpass" {
		t.Errorf("default credentials not applied: %+v", got[1])
	}
}

func TestServicesRejectsBadDataEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true,"data":"not-base64!!"}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Services(context.Background()); err == nil {
		t.Fatal("expected error for undecodable data field")
	}
}

func TestServicesDecodesBase64Payload(t *testing.T) {
	plain := `[{"url":"http://panel.example/get.php?username=u&password=p"}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(base64.StdEncoding.EncodeToString([]byte(plain))))
	}))
	defer srv.Close()

	got, err := newTestClient(srv.URL).Services(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "panel.example" {
		t.Fatalf("got %+v", got)
	}
}

func TestServicesCached(t *testing.T) {
	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.Write([]byte(`[{"url":"http://panel.example/get.php?username=u&password=p"}]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	for i := 0; i < 3; i++ {
		if _, err := c.Services(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if n := atomic.LoadInt64(&hits); n != 1 {
		t.Errorf("endpoint hit %d times, want 1", n)
	}
}

func TestServiceByID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"url":"http://a.example/get.php?username=u&password=p"},
			{"url":"http://b.example/get.php?username=u&password=p"}
		]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	s, ok, err := c.ServiceByID(context.Background(), "b.example")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if s.BaseURL != "http://b.example" {
		t.Errorf("base URL %s", s.BaseURL)
	}

	if _, ok, _ := c.ServiceByID(context.Background(), "missing.example"); ok {
		t.Error("expected miss for unknown id")
	}
}

func TestServicesEmptyPayloadFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).Services(context.Background()); err == nil {
		t.Fatal("expected error for empty playlist list")
	}
}
