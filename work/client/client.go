package client

import (
	"net"
	"net/http"
	"time"

	"xtream-bridge/work/config"
)

// HeaderSettingClient wraps an http.Client and stamps every request
// with the configured User-Agent plus any origin/referer overrides.
// Upstream panels reject requests with unfamiliar agents.
type HeaderSettingClient struct {
	Client    *http.Client
	UserAgent string
	Origin    string
	Referer   string
}

// Do applies the configured headers and executes the request.
func (h *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	if h.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", h.UserAgent)
	}
	if h.Origin != "" {
		req.Header.Set("Origin", h.Origin)
	}
	if h.Referer != "" {
		req.Header.Set("Referer", h.Referer)
	}
	return h.Client.Do(req)
}

// Get issues a GET through Do.
func (h *HeaderSettingClient) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return h.Do(req)
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
}

// NewHeaderSettingClient builds the shared client used for API calls
// and streaming fetches. No overall client timeout is set; callers
// bound requests with contexts since streams stay open indefinitely.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	return &HeaderSettingClient{
		Client: &http.Client{
			Transport: newTransport(),
		},
		UserAgent: cfg.UserAgent,
	}
}

// NewNoRedirectClient builds a client with redirect-following disabled
// and a hard timeout, for token resolution probes.
func NewNoRedirectClient(cfg *config.Config) *HeaderSettingClient {
	return &HeaderSettingClient{
		Client: &http.Client{
			Transport: newTransport(),
			Timeout:   cfg.TokenTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		UserAgent: cfg.UserAgent,
	}
}

// NewProbeClient builds a short-timeout client for segment probes.
func NewProbeClient(cfg *config.Config) *HeaderSettingClient {
	return &HeaderSettingClient{
		Client: &http.Client{
			Transport: newTransport(),
			Timeout:   cfg.ProbeTimeout,
		},
		UserAgent: cfg.UserAgent,
	}
}

// CustomResponseWriter wraps an http.ResponseWriter to track the
// status code and bytes written, flushing as data streams through.
type CustomResponseWriter struct {
	http.ResponseWriter
	StatusCode   int
	BytesWritten int64
	wroteHeader  bool
}

// NewCustomResponseWriter wraps w with a default 200 status.
func NewCustomResponseWriter(w http.ResponseWriter) *CustomResponseWriter {
	return &CustomResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (w *CustomResponseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.StatusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *CustomResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += int64(n)
	return n, err
}

// Flush passes through to the underlying writer when it supports it.
func (w *CustomResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
