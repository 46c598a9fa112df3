package token

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
	"xtream-bridge/work/logger"
	"xtream-bridge/work/metrics"
	"xtream-bridge/work/types"
	"xtream-bridge/work/utils"
)

// tokenMarker is the query-parameter name upstream servers issue via
// redirect. A URL carrying it serves bytes; one without may not.
const tokenMarker = "token="

// Resolver extracts auth tokens from upstream redirect responses.
// Resolution is best effort and never hard-fails: on anything
// unexpected the original URL is returned untokenized.
type Resolver struct {
	cfg        *config.Config
	noRedirect *client.HeaderSettingClient
	following  *client.HeaderSettingClient
}

// NewResolver builds a Resolver using a non-following client for the
// initial probe and a following client for the 401 retry path.
func NewResolver(cfg *config.Config) *Resolver {
	following := client.NewHeaderSettingClient(cfg)
	following.Client.Timeout = cfg.TokenTimeout
	return &Resolver{
		cfg:        cfg,
		noRedirect: client.NewNoRedirectClient(cfg),
		following:  following,
	}
}

// HasToken reports whether a URL carries the token marker.
func HasToken(rawURL string) bool {
	i := strings.IndexByte(rawURL, '?')
	return i >= 0 && strings.Contains(rawURL[i:], tokenMarker)
}

// Resolve probes rawURL without following redirects and returns the
// authoritative playback URL. A 302 whose Location carries a token
// wins; a 200 means no token is needed; a 401 triggers one retry with
// redirects enabled. Every other outcome falls back to the original.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) types.ResolvedURL {
	fallback := types.ResolvedURL{Original: rawURL, Final: rawURL}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		logger.Warn("token: bad URL %s: %v", utils.LogURL(r.cfg, rawURL), err)
		metrics.TokenResolutions.WithLabelValues("error").Inc()
		return fallback
	}

	resp, err := r.noRedirect.Do(req)
	if err != nil {
		logger.Debug("token: probe failed for %s: %v", utils.LogURL(r.cfg, rawURL), err)
		metrics.TokenResolutions.WithLabelValues("transport_error").Inc()
		return fallback
	}
	drain(resp)

	switch {
	case resp.StatusCode == http.StatusFound:
		loc := resp.Header.Get("Location")
		if loc != "" && strings.Contains(loc, tokenMarker) {
			final := absoluteLocation(rawURL, loc)
			logger.Debug("token: redirect token for %s", utils.LogURL(r.cfg, rawURL))
			metrics.TokenResolutions.WithLabelValues("redirect_token").Inc()
			return types.ResolvedURL{Original: rawURL, Final: final, TokenPresent: true}
		}
		metrics.TokenResolutions.WithLabelValues("redirect_no_token").Inc()
		return fallback

	case resp.StatusCode == http.StatusOK:
		metrics.TokenResolutions.WithLabelValues("no_token_needed").Inc()
		return fallback

	case resp.StatusCode == http.StatusUnauthorized:
		return r.retryFollowing(ctx, rawURL, fallback)
	}

	logger.Debug("token: unexpected status %d for %s", resp.StatusCode, utils.LogURL(r.cfg, rawURL))
	metrics.TokenResolutions.WithLabelValues("unexpected_status").Inc()
	return fallback
}

// retryFollowing handles the 401 path: one full redirect-following
// request, accepting the landing URL only if it carries a token.
func (r *Resolver) retryFollowing(ctx context.Context, rawURL string, fallback types.ResolvedURL) types.ResolvedURL {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		metrics.TokenResolutions.WithLabelValues("error").Inc()
		return fallback
	}
	resp, err := r.following.Do(req)
	if err != nil {
		metrics.TokenResolutions.WithLabelValues("transport_error").Inc()
		return fallback
	}
	drain(resp)

	final := resp.Request.URL.String()
	if strings.Contains(final, tokenMarker) {
		logger.Debug("token: 401 retry resolved %s", utils.LogURL(r.cfg, rawURL))
		metrics.TokenResolutions.WithLabelValues("retry_token").Inc()
		return types.ResolvedURL{Original: rawURL, Final: final, TokenPresent: true}
	}
	metrics.TokenResolutions.WithLabelValues("retry_no_token").Inc()
	return fallback
}

// absoluteLocation resolves a Location header against the request URL.
// Upstreams redirect cross-host, so the request URL, not the
// configured base, is the reference.
func absoluteLocation(requestURL, location string) string {
	base, err := url.Parse(requestURL)
	if err != nil {
		return location
	}
	ref, err := url.Parse(location)
	if err != nil {
		return location
	}
	return base.ResolveReference(ref).String()
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
