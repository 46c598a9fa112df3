package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafov/m3u8"

	"xtream-bridge/work/cache"
	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
	"xtream-bridge/work/logger"
	"xtream-bridge/work/metrics"
	"xtream-bridge/work/token"
	"xtream-bridge/work/utils"
)

// firstChunkSize is how much of the body is read before committing to
// a streamed response.
const firstChunkSize = 1024

// maxPlaylistSize caps how much of an .m3u8 body is buffered for
// rewriting.
const maxPlaylistSize = 2 << 20

// UpstreamStatusError reports a non-200/206 upstream response with the
// original status code preserved.
type UpstreamStatusError struct {
	StatusCode int
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// ValidationError reports a response that is not playable media.
// Cause is one of "empty", "html" or "invalid_playlist"; Context
// distinguishes playlist from video fetches in error messages.
type ValidationError struct {
	Cause   string
	Context string
}

func (e *ValidationError) Error() string {
	switch e.Cause {
	case "empty":
		return fmt.Sprintf("upstream returned an empty %s response", e.Context)
	case "html":
		return fmt.Sprintf("server returned HTML instead of %s media", e.Context)
	default:
		return "invalid playlist content"
	}
}

// TransportError wraps connect/DNS/timeout failures reaching upstream.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "upstream fetch failed: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

type fetchKind int

const (
	fetchVideo fetchKind = iota
	fetchPlaylist
	fetchSegment
)

func classify(rawURL string) fetchKind {
	switch utils.ExtensionOf(rawURL) {
	case "m3u8":
		return fetchPlaylist
	case "ts":
		return fetchSegment
	}
	return fetchVideo
}

// Proxy fetches upstream media through the token-redirect protocol,
// validates it, and streams it to clients. Errors are returned only
// before any byte reaches the client.
type Proxy struct {
	cfg      *config.Config
	resolver *token.Resolver
	caches   *cache.Caches
	http     *client.HeaderSettingClient
}

// New builds a Proxy sharing the configured HTTP client and caches.
func New(cfg *config.Config, resolver *token.Resolver, caches *cache.Caches, httpClient *client.HeaderSettingClient) *Proxy {
	return &Proxy{cfg: cfg, resolver: resolver, caches: caches, http: httpClient}
}

// Stream resolves rawURL, fetches it and writes the validated body to
// w. clientRange is the caller's Range header, forwarded for
// progressive video so seeking works.
func (p *Proxy) Stream(ctx context.Context, w http.ResponseWriter, rawURL, clientRange string) error {
	resolved := p.resolver.Resolve(ctx, rawURL)
	kind := classify(rawURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.Final, nil)
	if err != nil {
		return &TransportError{Err: err}
	}
	switch kind {
	case fetchPlaylist:
		req.Header.Set("Accept", "application/vnd.apple.mpegurl, application/x-mpegURL, */*")
	case fetchSegment:
		req.Header.Set("Accept", "video/mp2t, application/octet-stream, */*")
	default:
		req.Header.Set("Accept", "*/*")
		if clientRange != "" {
			req.Header.Set("Range", clientRange)
		}
	}

	resp, err := p.http.Do(req)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("transport_error").Inc()
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		metrics.ProxyRequests.WithLabelValues("upstream_status").Inc()
		return &UpstreamStatusError{StatusCode: resp.StatusCode}
	}

	chunk, err := p.validateFirstChunk(resp, kind)
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("validation_failed").Inc()
		return err
	}

	if kind == fetchPlaylist {
		return p.servePlaylist(w, resp, resolved.Final, chunk)
	}
	return p.serveStream(w, resp, rawURL, chunk, kind)
}

// validateFirstChunk reads the leading bytes and rejects empty bodies,
// HTML error pages, and .m3u8 fetches that do not start with an HLS
// header tag.
func (p *Proxy) validateFirstChunk(resp *http.Response, kind fetchKind) ([]byte, error) {
	contextName := "video"
	if kind == fetchPlaylist {
		contextName = "playlist"
	}

	buf := make([]byte, firstChunkSize)
	n, _ := io.ReadFull(resp.Body, buf)
	if n == 0 {
		// chunked bodies sometimes deliver nothing on the first read
		n, _ = resp.Body.Read(buf)
	}
	if n == 0 {
		return nil, &ValidationError{Cause: "empty", Context: contextName}
	}
	chunk := buf[:n]

	lower := bytes.ToLower(chunk)
	if bytes.Contains(lower, []byte("<html")) || bytes.Contains(lower, []byte("<!doctype")) {
		return nil, &ValidationError{Cause: "html", Context: contextName}
	}
	if kind == fetchPlaylist {
		trimmed := bytes.TrimLeft(chunk, " \t\r\n\xef\xbb\xbf")
		if !bytes.HasPrefix(trimmed, []byte("#EXTM3U")) {
			return nil, &ValidationError{Cause: "invalid_playlist", Context: contextName}
		}
	}
	return chunk, nil
}

// servePlaylist buffers the remaining body, confirms it decodes as an
// HLS document, rewrites relative URLs and emits the rewritten
// document.
func (p *Proxy) servePlaylist(w http.ResponseWriter, resp *http.Response, playlistURL string, chunk []byte) error {
	rest, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistSize))
	if err != nil {
		metrics.ProxyRequests.WithLabelValues("transport_error").Inc()
		return &TransportError{Err: err}
	}
	body := append(chunk, rest...)

	if _, _, err := m3u8.DecodeFrom(bytes.NewReader(body), true); err != nil {
		logger.Debug("proxy: playlist failed to parse for %s: %v", utils.LogURL(p.cfg, playlistURL), err)
		metrics.ProxyRequests.WithLabelValues("validation_failed").Inc()
		return &ValidationError{Cause: "invalid_playlist", Context: "playlist"}
	}
	rewritten := RewritePlaylist(string(body), playlistURL)

	copySafeHeaders(w, resp, "application/vnd.apple.mpegurl")
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	n, _ := io.WriteString(w, rewritten)
	metrics.ProxyBytes.Add(float64(n))
	metrics.ProxyRequests.WithLabelValues("ok").Inc()
	return nil
}

// serveStream commits the response and pipes bytes through unmodified.
func (p *Proxy) serveStream(w http.ResponseWriter, resp *http.Response, rawURL string, chunk []byte, kind fetchKind) error {
	contentType := p.contentTypeFor(rawURL, resp, chunk, kind)
	copySafeHeaders(w, resp, contentType)
	w.WriteHeader(resp.StatusCode)

	cw := client.NewCustomResponseWriter(w)
	if _, err := cw.Write(chunk); err != nil {
		logger.Debug("proxy: client went away for %s", utils.LogURL(p.cfg, rawURL))
		metrics.ProxyRequests.WithLabelValues("client_closed").Inc()
		return nil
	}
	cw.Flush()

	if _, err := io.Copy(flushWriter{cw}, resp.Body); err != nil {
		logger.Debug("proxy: stream interrupted for %s: %v", utils.LogURL(p.cfg, rawURL), err)
	}
	metrics.ProxyBytes.Add(float64(cw.BytesWritten))
	metrics.ProxyRequests.WithLabelValues("ok").Inc()
	return nil
}

// contentTypeFor picks the response content type, consulting the
// shared cache before trusting the upstream header.
func (p *Proxy) contentTypeFor(rawURL string, resp *http.Response, chunk []byte, kind fetchKind) string {
	if ct, ok := p.caches.ContentTypes.GetIfPresent(rawURL); ok {
		metrics.CacheHits.WithLabelValues("content_type").Inc()
		return ct
	}
	metrics.CacheMisses.WithLabelValues("content_type").Inc()

	ct := resp.Header.Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "text/") {
		switch {
		case kind == fetchSegment, len(chunk) > 0 && chunk[0] == 0x47:
			ct = "video/mp2t"
		default:
			ct = "video/mp4"
		}
	}
	p.caches.ContentTypes.Set(rawURL, ct)
	return ct
}

// safeHeaders is the allow-list of upstream headers forwarded to the
// client.
var safeHeaders = []string{"Content-Length", "Accept-Ranges", "Content-Range", "Cache-Control"}

func copySafeHeaders(w http.ResponseWriter, resp *http.Response, contentType string) {
	h := w.Header()
	for _, name := range safeHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}
	h.Set("Content-Type", contentType)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Range")
}

type flushWriter struct {
	w *client.CustomResponseWriter
}

func (f flushWriter) Write(b []byte) (int, error) {
	n, err := f.w.Write(b)
	if n > 0 {
		f.w.Flush()
	}
	return n, err
}

// RewritePlaylist makes every URI line of an HLS document absolute
// against the playlist's own URL. Root-relative paths resolve against
// the server root, other relative paths against the playlist
// directory. A token query parameter on the playlist URL is carried
// onto rewritten .ts references that lack one.
func RewritePlaylist(body, playlistURL string) string {
	base, err := url.Parse(playlistURL)
	if err != nil {
		return body
	}
	tokenParam := base.Query().Get("token")

	lines := strings.Split(body, "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			lines[i] = trimmed
			continue
		}
		lines[i] = rewriteLine(base, trimmed, tokenParam)
	}
	return strings.Join(lines, "\n")
}

func rewriteLine(base *url.URL, line, tokenParam string) string {
	ref, err := url.Parse(line)
	if err != nil {
		return line
	}
	abs := base.ResolveReference(ref)
	if tokenParam != "" && strings.HasSuffix(abs.Path, ".ts") && abs.Query().Get("token") == "" {
		q := abs.Query()
		q.Set("token", tokenParam)
		abs.RawQuery = q.Encode()
	}
	return abs.String()
}
