package authconfig

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"xtream-bridge/work/cache"
	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
	"xtream-bridge/work/logger"
	"xtream-bridge/work/metrics"
	"xtream-bridge/work/types"
)

// servicesCacheKey holds the single parsed service list in the shared
// cache.
const servicesCacheKey = "services"

// Client fetches the playlist-config endpoint and turns its playlist
// URLs into upstream services with parsed credentials.
type Client struct {
	cfg    *config.Config
	http   *client.HeaderSettingClient
	caches *cache.Caches
}

// New builds a playlist-config client.
func New(cfg *config.Config, caches *cache.Caches, httpClient *client.HeaderSettingClient) *Client {
	return &Client{cfg: cfg, http: httpClient, caches: caches}
}

// playlistEntry is one entry of the config payload. Only the URL is
// used; the endpoint carries other player settings the bridge ignores.
type playlistEntry struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type configPayload struct {
	Data      string          `json:"data"`
	URLs      []playlistEntry `json:"urls"`
	Playlists []playlistEntry `json:"playlists"`
}

func (p configPayload) entries() []playlistEntry {
	if len(p.URLs) > 0 {
		return p.URLs
	}
	return p.Playlists
}

// Services returns the configured upstream services, fetching and
// parsing the config endpoint on cache miss.
func (c *Client) Services(ctx context.Context) ([]types.Service, error) {
	if cached, ok := c.caches.Services.GetIfPresent(servicesCacheKey); ok {
		metrics.CacheHits.WithLabelValues("services").Inc()
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("services").Inc()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.AuthConfigURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching auth config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth config endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading auth config: %w", err)
	}

	entries, err := decodeEntries(body)
	if err != nil {
		return nil, err
	}

	services := c.parseServices(entries)
	if len(services) == 0 {
		return nil, fmt.Errorf("auth config contains no usable playlist URLs")
	}
	c.caches.Services.Set(servicesCacheKey, services)
	logger.Info("authconfig: loaded %d services", len(services))
	return services, nil
}

// decodeEntries handles the payload shapes the endpoint has served.
// The canonical one is an envelope whose data field carries a base64
// JSON document with the playlist list under urls. Older shapes are a
// whole-body base64 document, a plain object with urls or playlists,
// and a bare entry array.
func decodeEntries(body []byte) ([]playlistEntry, error) {
	raw := bytes.TrimSpace(body)
	if decoded, err := base64.StdEncoding.DecodeString(string(raw)); err == nil {
		raw = decoded
	}

	var payload configPayload
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Data != "" {
			decoded, err := base64.StdEncoding.DecodeString(payload.Data)
			if err != nil {
				return nil, fmt.Errorf("decoding auth config data field: %w", err)
			}
			var inner configPayload
			if err := json.Unmarshal(decoded, &inner); err != nil {
				return nil, fmt.Errorf("parsing decoded auth config: %w", err)
			}
			return inner.entries(), nil
		}
		if entries := payload.entries(); len(entries) > 0 {
			return entries, nil
		}
	}
	var entries []playlistEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing auth config payload: %w", err)
	}
	return entries, nil
}

// parseServices extracts base URL and credentials from each playlist
// URL, falling back to the default credential pair when the URL
// carries none.
func (c *Client) parseServices(entries []playlistEntry) []types.Service {
	var services []types.Service
	seen := make(map[string]bool)

	for _, entry := range entries {
		u, err := url.Parse(strings.TrimSpace(entry.URL))
		if err != nil || u.Host == "" {
			logger.Warn("authconfig: skipping unparseable playlist URL")
			continue
		}

		username := u.Query().Get("username")
		password := u.Query().Get("password")
		if username == "" || password == "" {
			username = c.cfg.DefaultUsername
			password = c.cfg.DefaultPassword
		}

		id := u.Hostname()
		if seen[id] {
			continue
		}
		seen[id] = true

		services = append(services, types.Service{
			ID:       id,
			BaseURL:  u.Scheme + "://" + u.Host,
			Username: username,
			Password: password,
		})
	}
	return services
}

// ServiceByID finds one service by id.
func (c *Client) ServiceByID(ctx context.Context, id string) (types.Service, bool, error) {
	services, err := c.Services(ctx)
	if err != nil {
		return types.Service{}, false, err
	}
	for _, s := range services {
		if s.ID == id {
			return s, true, nil
		}
	}
	return types.Service{}, false, nil
}

// Default returns the first configured service, the one used when a
// request does not name a service.
func (c *Client) Default(ctx context.Context) (types.Service, error) {
	services, err := c.Services(ctx)
	if err != nil {
		return types.Service{}, err
	}
	return services[0], nil
}
