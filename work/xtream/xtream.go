package xtream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/grafana/regexp"
	"go.uber.org/ratelimit"

	"xtream-bridge/work/cache"
	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
	"xtream-bridge/work/logger"
	"xtream-bridge/work/metrics"
	"xtream-bridge/work/types"
	"xtream-bridge/work/utils"
)

// maxAPIResponseSize caps how much of a panel API response is read.
// get_vod_streams payloads on large panels run to tens of megabytes.
const maxAPIResponseSize = 64 << 20

// Client talks to one upstream Xtream panel's player_api.php surface.
// Requests are rate limited per client so a burst of bridge traffic
// cannot get the shared credentials banned.
type Client struct {
	Service types.Service

	cfg     *config.Config
	http    *client.HeaderSettingClient
	caches  *cache.Caches
	limiter ratelimit.Limiter
}

// NewClient builds a panel client for the given service.
func NewClient(cfg *config.Config, service types.Service, caches *cache.Caches, httpClient *client.HeaderSettingClient) *Client {
	return &Client{
		Service: service,
		cfg:     cfg,
		http:    httpClient,
		caches:  caches,
		limiter: ratelimit.New(cfg.APIRateLimit),
	}
}

// apiURL builds a player_api.php request URL for an action.
func (c *Client) apiURL(action string, params url.Values) string {
	q := url.Values{}
	q.Set("username", c.Service.Username)
	q.Set("password", c.Service.Password)
	if action != "" {
		q.Set("action", action)
	}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	return fmt.Sprintf("%s/player_api.php?%s", c.Service.BaseURL, q.Encode())
}

// fetchAPI performs a rate-limited GET for an action and decodes the
// JSON payload into T. Raw payloads are cached by request URL for the
// configured TTL.
func fetchAPI[T any](ctx context.Context, c *Client, action string, params url.Values) (T, error) {
	var out T
	reqURL := c.apiURL(action, params)

	data, ok := c.caches.APIPayloads.GetIfPresent(reqURL)
	if ok {
		metrics.CacheHits.WithLabelValues("api").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("api").Inc()
		c.limiter.Take()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return out, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			metrics.UpstreamAPIRequests.WithLabelValues(action, "error").Inc()
			return out, fmt.Errorf("panel request failed: %w", err)
		}
		defer resp.Body.Close()
		metrics.UpstreamAPIRequests.WithLabelValues(action, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode != http.StatusOK {
			return out, fmt.Errorf("panel returned status %d for %s", resp.StatusCode, action)
		}
		data, err = io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseSize))
		if err != nil {
			return out, fmt.Errorf("reading panel response: %w", err)
		}
		c.caches.APIPayloads.Set(reqURL, data)
	}

	if err := json.Unmarshal(data, &out); err != nil {
		logger.Debug("xtream: bad JSON from %s action %s: %v", utils.LogURL(c.cfg, c.Service.BaseURL), action, err)
		return out, fmt.Errorf("decoding %s payload: %w", action, err)
	}
	return out, nil
}

// Handshake hits the action-less endpoint to verify the credentials
// still authenticate.
func (c *Client) Handshake(ctx context.Context) error {
	payload, err := fetchAPI[struct {
		UserInfo struct {
			Auth   any    `json:"auth"`
			Status string `json:"status"`
		} `json:"user_info"`
	}](ctx, c, "", nil)
	if err != nil {
		return err
	}
	if payload.UserInfo.Status != "" && payload.UserInfo.Status != "Active" {
		return fmt.Errorf("panel account status %q", payload.UserInfo.Status)
	}
	return nil
}

// GetUserInfo returns the raw user_info/server_info payload.
func (c *Client) GetUserInfo(ctx context.Context) (map[string]any, error) {
	return fetchAPI[map[string]any](ctx, c, "", nil)
}

// GetLiveCategories lists the panel's live channel categories.
func (c *Client) GetLiveCategories(ctx context.Context) ([]types.Category, error) {
	return fetchAPI[[]types.Category](ctx, c, "get_live_categories", nil)
}

// GetLiveStreams lists live channels, optionally limited to a
// category.
func (c *Client) GetLiveStreams(ctx context.Context, categoryID string) ([]types.LiveStream, error) {
	var params url.Values
	if categoryID != "" {
		params = url.Values{"category_id": {categoryID}}
	}
	return fetchAPI[[]types.LiveStream](ctx, c, "get_live_streams", params)
}

// GetVodInfo fetches the detail payload for one movie. The shape
// varies wildly between panels, so it stays untyped.
func (c *Client) GetVodInfo(ctx context.Context, vodID string) (map[string]any, error) {
	return fetchAPI[map[string]any](ctx, c, "get_vod_info", url.Values{"vod_id": {vodID}})
}

// GetVodCategories lists the panel's movie categories.
func (c *Client) GetVodCategories(ctx context.Context) ([]types.Category, error) {
	return fetchAPI[[]types.Category](ctx, c, "get_vod_categories", nil)
}

// GetVodStreams lists movies, optionally limited to a category.
func (c *Client) GetVodStreams(ctx context.Context, categoryID string) ([]types.VodStream, error) {
	var params url.Values
	if categoryID != "" {
		params = url.Values{"category_id": {categoryID}}
	}
	return fetchAPI[[]types.VodStream](ctx, c, "get_vod_streams", params)
}

// GetSeriesCategories lists the panel's series categories.
func (c *Client) GetSeriesCategories(ctx context.Context) ([]types.Category, error) {
	return fetchAPI[[]types.Category](ctx, c, "get_series_categories", nil)
}

// GetSeries lists series, optionally limited to a category.
func (c *Client) GetSeries(ctx context.Context, categoryID string) ([]types.SeriesItem, error) {
	var params url.Values
	if categoryID != "" {
		params = url.Values{"category_id": {categoryID}}
	}
	return fetchAPI[[]types.SeriesItem](ctx, c, "get_series", params)
}

// GetSeriesInfo fetches the season/episode tree for one series.
func (c *Client) GetSeriesInfo(ctx context.Context, seriesID string) (*types.SeriesInfo, error) {
	info, err := fetchAPI[types.SeriesInfo](ctx, c, "get_series_info", url.Values{"series_id": {seriesID}})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// FindVod returns the movie entry with the given stream id, or nil.
func (c *Client) FindVod(ctx context.Context, streamID int) (*types.VodStream, error) {
	streams, err := c.GetVodStreams(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range streams {
		if streams[i].StreamID == streamID {
			return &streams[i], nil
		}
	}
	return nil, nil
}

// FindEpisode returns the episode with the given id, or nil.
func (c *Client) FindEpisode(ctx context.Context, seriesID, episodeID string) (*types.Episode, error) {
	info, err := c.GetSeriesInfo(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	for _, season := range info.Episodes {
		for i := range season {
			if season[i].ID == episodeID {
				return &season[i], nil
			}
		}
	}
	return nil, nil
}

// SearchVod filters the movie list by a case-insensitive name match.
func (c *Client) SearchVod(ctx context.Context, query string) ([]types.VodStream, error) {
	streams, err := c.GetVodStreams(ctx, "")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(query))
	if err != nil {
		return nil, err
	}
	var matched []types.VodStream
	for _, s := range streams {
		if re.MatchString(s.Name) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}

// SearchSeries filters the series list by a case-insensitive name
// match.
func (c *Client) SearchSeries(ctx context.Context, query string) ([]types.SeriesItem, error) {
	series, err := c.GetSeries(ctx, "")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(query))
	if err != nil {
		return nil, err
	}
	var matched []types.SeriesItem
	for _, s := range series {
		if re.MatchString(s.Name) {
			matched = append(matched, s)
		}
	}
	return matched, nil
}
