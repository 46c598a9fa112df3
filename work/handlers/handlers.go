package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v3"

	"xtream-bridge/work/authconfig"
	"xtream-bridge/work/cache"
	"xtream-bridge/work/candidates"
	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
	"xtream-bridge/work/logger"
	"xtream-bridge/work/mirror"
	"xtream-bridge/work/playlist"
	"xtream-bridge/work/proxy"
	"xtream-bridge/work/segments"
	"xtream-bridge/work/token"
	"xtream-bridge/work/types"
	"xtream-bridge/work/xtream"
)

// Handlers exposes the bridge's REST surface: panel catalog queries,
// candidate resolution, synthesized playlists, the streaming proxy and
// the mirror endpoints.
type Handlers struct {
	cfg      *config.Config
	auth     *authconfig.Client
	caches   *cache.Caches
	resolver *token.Resolver
	engine   *segments.Engine
	prox     *proxy.Proxy
	store    *mirror.Store // nil when the mirror is disabled
	http     *client.HeaderSettingClient
	clients  *xsync.MapOf[string, *xtream.Client]
}

// New builds the handler set.
func New(cfg *config.Config, auth *authconfig.Client, caches *cache.Caches,
	resolver *token.Resolver, engine *segments.Engine, prox *proxy.Proxy,
	store *mirror.Store, httpClient *client.HeaderSettingClient) *Handlers {
	return &Handlers{
		cfg:      cfg,
		auth:     auth,
		caches:   caches,
		resolver: resolver,
		engine:   engine,
		prox:     prox,
		store:    store,
		http:     httpClient,
		clients:  xsync.NewMapOf[string, *xtream.Client](),
	}
}

// Register attaches all routes to the router.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/xtream/services", h.listServices).Methods(http.MethodGet)
	api.HandleFunc("/xtream/user-info", h.userInfo).Methods(http.MethodGet)
	api.HandleFunc("/xtream/live/categories", h.liveCategories).Methods(http.MethodGet)
	api.HandleFunc("/xtream/live", h.listLive).Methods(http.MethodGet)
	api.HandleFunc("/xtream/vod/categories", h.vodCategories).Methods(http.MethodGet)
	api.HandleFunc("/xtream/vod", h.listVod).Methods(http.MethodGet)
	api.HandleFunc("/xtream/vod/{id:[0-9]+}/info", h.vodInfo).Methods(http.MethodGet)
	api.HandleFunc("/xtream/vod/{id:[0-9]+}/candidates", h.vodCandidates).Methods(http.MethodGet)
	api.HandleFunc("/xtream/series/categories", h.seriesCategories).Methods(http.MethodGet)
	api.HandleFunc("/xtream/series", h.listSeries).Methods(http.MethodGet)
	api.HandleFunc("/xtream/series/{id:[0-9]+}/info", h.seriesInfo).Methods(http.MethodGet)
	api.HandleFunc("/xtream/series/{seriesID:[0-9]+}/episodes/{episodeID}/candidates", h.episodeCandidates).Methods(http.MethodGet)

	api.HandleFunc("/stream/playlist.m3u8", h.playlistQueryForm).Methods(http.MethodGet)
	api.HandleFunc("/stream/{kind}/{id}/index.m3u8", h.playlistPathForm).Methods(http.MethodGet)
	api.HandleFunc("/stream/proxy", h.streamProxy).Methods(http.MethodGet, http.MethodHead, http.MethodOptions)

	api.HandleFunc("/mirror/sync", h.mirrorSync).Methods(http.MethodPost)
	api.HandleFunc("/mirror/series/{id:[0-9]+}/episodes/sync", h.mirrorEpisodesSync).Methods(http.MethodPost)
	api.HandleFunc("/mirror/series/{id:[0-9]+}/episodes", h.mirrorEpisodes).Methods(http.MethodGet)
	api.HandleFunc("/mirror/vod/search", h.mirrorVodSearch).Methods(http.MethodGet)
	api.HandleFunc("/mirror/series/search", h.mirrorSeriesSearch).Methods(http.MethodGet)
	api.HandleFunc("/mirror/stats", h.mirrorStats).Methods(http.MethodGet)
}

// writeJSON emits the success envelope.
func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

// writeError emits the error shape clients rely on: a human-readable
// detail string with an actionable suggestion.
func writeError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// serviceFromRequest picks the upstream service: an explicit
// ?service= id, or the first configured one.
func (h *Handlers) serviceFromRequest(r *http.Request) (types.Service, error) {
	if id := r.URL.Query().Get("service"); id != "" {
		s, ok, err := h.auth.ServiceByID(r.Context(), id)
		if err != nil {
			return types.Service{}, err
		}
		if !ok {
			return types.Service{}, fmt.Errorf("unknown service %q", id)
		}
		return s, nil
	}
	return h.auth.Default(r.Context())
}

func (h *Handlers) clientFor(service types.Service) *xtream.Client {
	c, _ := h.clients.LoadOrCompute(service.ID, func() *xtream.Client {
		return xtream.NewClient(h.cfg, service, h.caches, h.http)
	})
	return c
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) listServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.auth.Services(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "auth config unavailable: "+err.Error())
		return
	}
	// credentials stay server-side
	out := make([]map[string]string, 0, len(services))
	for _, s := range services {
		out = append(out, map[string]string{"id": s.ID, "base_url": s.BaseURL})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) userInfo(w http.ResponseWriter, r *http.Request) {
	h.catalog(w, r, func(ctx context.Context, c *xtream.Client) (any, error) {
		return c.GetUserInfo(ctx)
	})
}

func (h *Handlers) liveCategories(w http.ResponseWriter, r *http.Request) {
	h.catalog(w, r, func(ctx context.Context, c *xtream.Client) (any, error) {
		return c.GetLiveCategories(ctx)
	})
}

func (h *Handlers) listLive(w http.ResponseWriter, r *http.Request) {
	h.catalog(w, r, func(ctx context.Context, c *xtream.Client) (any, error) {
		return c.GetLiveStreams(ctx, r.URL.Query().Get("category_id"))
	})
}

func (h *Handlers) vodInfo(w http.ResponseWriter, r *http.Request) {
	h.catalog(w, r, func(ctx context.Context, c *xtream.Client) (any, error) {
		return c.GetVodInfo(ctx, mux.Vars(r)["id"])
	})
}

func (h *Handlers) vodCategories(w http.ResponseWriter, r *http.Request) {
	h.catalog(w, r, func(ctx context.Context, c *xtream.Client) (any, error) {
		return c.GetVodCategories(ctx)
	})
}

func (h *Handlers) seriesCategories(w http.ResponseWriter, r *http.Request) {
	h.catalog(w, r, func(ctx context.Context, c *xtream.Client) (any, error) {
		return c.GetSeriesCategories(ctx)
	})
}

func (h *Handlers) listVod(w http.ResponseWriter, r *http.Request) {
	h.catalog(w, r, func(ctx context.Context, c *xtream.Client) (any, error) {
		if q := r.URL.Query().Get("search"); q != "" {
			return c.SearchVod(ctx, q)
		}
		return c.GetVodStreams(ctx, r.URL.Query().Get("category_id"))
	})
}

func (h *Handlers) listSeries(w http.ResponseWriter, r *http.Request) {
	h.catalog(w, r, func(ctx context.Context, c *xtream.Client) (any, error) {
		if q := r.URL.Query().Get("search"); q != "" {
			return c.SearchSeries(ctx, q)
		}
		return c.GetSeries(ctx, r.URL.Query().Get("category_id"))
	})
}

func (h *Handlers) seriesInfo(w http.ResponseWriter, r *http.Request) {
	h.catalog(w, r, func(ctx context.Context, c *xtream.Client) (any, error) {
		return c.GetSeriesInfo(ctx, mux.Vars(r)["id"])
	})
}

// catalog wraps the shared service-selection and error mapping for
// panel catalog endpoints.
func (h *Handlers) catalog(w http.ResponseWriter, r *http.Request, fetch func(context.Context, *xtream.Client) (any, error)) {
	service, err := h.serviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	data, err := fetch(r.Context(), h.clientFor(service))
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream panel error: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func wantAdaptive(r *http.Request) bool {
	v := r.URL.Query().Get("adaptive")
	return v == "1" || strings.EqualFold(v, "true")
}

func (h *Handlers) vodCandidates(w http.ResponseWriter, r *http.Request) {
	service, err := h.serviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	id := mux.Vars(r)["id"]
	streamID, _ := strconv.Atoi(id)

	vod, err := h.clientFor(service).FindVod(r.Context(), streamID)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream panel error: "+err.Error())
		return
	}
	if vod == nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("movie %s not found on service %s", id, service.ID))
		return
	}

	target := types.StreamTarget{
		ContentID:        id,
		Kind:             types.KindMovie,
		ContainerFormat:  vod.ContainerExtension,
		DirectSourceHint: vod.DirectSource,
		WantAdaptive:     wantAdaptive(r),
	}
	h.writeCandidates(w, service, target)
}

func (h *Handlers) episodeCandidates(w http.ResponseWriter, r *http.Request) {
	service, err := h.serviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	vars := mux.Vars(r)

	ep, err := h.clientFor(service).FindEpisode(r.Context(), vars["seriesID"], vars["episodeID"])
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream panel error: "+err.Error())
		return
	}
	if ep == nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("episode %s not found in series %s", vars["episodeID"], vars["seriesID"]))
		return
	}

	target := types.StreamTarget{
		ContentID:        ep.ID,
		Kind:             types.KindEpisode,
		ContainerFormat:  ep.ContainerExtension,
		DirectSourceHint: ep.DirectSource,
		WantAdaptive:     wantAdaptive(r),
	}
	h.writeCandidates(w, service, target)
}

func (h *Handlers) writeCandidates(w http.ResponseWriter, service types.Service, target types.StreamTarget) {
	b := candidates.NewBuilder(service, h.cfg.BaseURL)
	list := b.Build(target)
	writeJSON(w, http.StatusOK, map[string]any{
		"candidates":  list,
		"recommended": list[0],
	})
}

// parseKind maps the URL form of a media kind.
func parseKind(s string) (types.MediaKind, bool) {
	switch s {
	case "movie":
		return types.KindMovie, true
	case "episode", "series":
		return types.KindEpisode, true
	case "live":
		return types.KindLive, true
	}
	return "", false
}

// playlistQueryForm serves the synthesized playlist via
// ?type=movie&id=42. Some players only accept the path form below.
func (h *Handlers) playlistQueryForm(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(r.URL.Query().Get("type"))
	if !ok {
		writeError(w, http.StatusBadRequest, "type must be one of movie, episode, live")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	h.servePlaylist(w, r, kind, id)
}

// playlistPathForm serves the same playlist at a path ending in
// .m3u8, for clients that detect HLS by file extension.
func (h *Handlers) playlistPathForm(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, ok := parseKind(vars["kind"])
	if !ok {
		writeError(w, http.StatusBadRequest, "kind must be one of movie, episode, live")
		return
	}
	h.servePlaylist(w, r, kind, vars["id"])
}

// servePlaylist runs the discovery pipeline and emits the synthesized
// document.
func (h *Handlers) servePlaylist(w http.ResponseWriter, r *http.Request, kind types.MediaKind, id string) {
	service, err := h.serviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	b := candidates.NewBuilder(service, h.cfg.BaseURL)
	tsURL := b.StreamURL(kind, id, "ts")
	resolved := h.resolver.Resolve(r.Context(), tsURL)
	segBase := segmentsBase(resolved.Final)

	set, err := h.engine.Discover(r.Context(), service.ID, string(kind)+":"+id, segBase)
	if err != nil {
		if errors.Is(err, segments.ErrNoSegments) {
			writeError(w, http.StatusNotFound,
				"no segments available for this stream, request the mp4 container format instead")
			return
		}
		writeError(w, http.StatusServiceUnavailable, "segment discovery failed: "+err.Error())
		return
	}

	body := playlist.Synthesize(set, func(contentID string, index int) string {
		return h.cfg.BaseURL + "/api/stream/proxy?url=" + url.QueryEscape(segments.SegmentURL(segBase, index))
	})

	w.Header().Set("Content-Type", playlist.ContentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	fmt.Fprint(w, body)
}

// segmentsBase turns a resolved .ts stream URL into the directory the
// numbered segments live under, keeping the token query.
func segmentsBase(tsURL string) string {
	base, query := tsURL, ""
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base, query = base[:i], base[i:]
	}
	return strings.TrimSuffix(base, ".ts") + query
}

// streamProxy forwards validated media bytes for an arbitrary
// upstream URL.
func (h *Handlers) streamProxy(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Range")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	if u, err := url.Parse(rawURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}

	err := h.prox.Stream(r.Context(), w, rawURL, r.Header.Get("Range"))
	if err == nil {
		return
	}
	logger.Debug("proxy request failed: %v", err)

	var verr *proxy.ValidationError
	var uerr *proxy.UpstreamStatusError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error()+", try the mp4 container format instead")
	case errors.As(err, &uerr):
		code := http.StatusBadGateway
		if uerr.StatusCode == http.StatusNotFound {
			code = http.StatusNotFound
		}
		writeError(w, code, fmt.Sprintf("upstream returned status %d, try another candidate format", uerr.StatusCode))
	default:
		writeError(w, http.StatusServiceUnavailable, "upstream fetch failed: "+err.Error())
	}
}

func (h *Handlers) mirrorSync(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "mirror is disabled, enable it in the config")
		return
	}
	service, err := h.serviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := h.store.Sync(r.Context(), h.clientFor(service)); err != nil {
		writeError(w, http.StatusBadGateway, "mirror sync failed: "+err.Error())
		return
	}
	vod, series, err := h.store.Counts(r.Context(), service.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": service.ID, "vod": vod, "series": series})
}

func (h *Handlers) mirrorEpisodesSync(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "mirror is disabled, enable it in the config")
		return
	}
	service, err := h.serviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	seriesID, _ := strconv.Atoi(mux.Vars(r)["id"])
	if err := h.store.SyncSeriesEpisodes(r.Context(), h.clientFor(service), seriesID); err != nil {
		writeError(w, http.StatusBadGateway, "episode sync failed: "+err.Error())
		return
	}
	eps, err := h.store.ListEpisodes(r.Context(), service.ID, seriesID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": seriesID, "episodes": len(eps)})
}

func (h *Handlers) mirrorEpisodes(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "mirror is disabled, enable it in the config")
		return
	}
	service, err := h.serviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	seriesID, _ := strconv.Atoi(mux.Vars(r)["id"])
	eps, err := h.store.ListEpisodes(r.Context(), service.ID, seriesID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (h *Handlers) mirrorVodSearch(w http.ResponseWriter, r *http.Request) {
	h.mirrorSearch(w, r, func(ctx context.Context, serviceID, q string, limit int) (any, error) {
		return h.store.SearchVodStreams(ctx, serviceID, q, limit)
	})
}

func (h *Handlers) mirrorSeriesSearch(w http.ResponseWriter, r *http.Request) {
	h.mirrorSearch(w, r, func(ctx context.Context, serviceID, q string, limit int) (any, error) {
		return h.store.SearchSeries(ctx, serviceID, q, limit)
	})
}

func (h *Handlers) mirrorSearch(w http.ResponseWriter, r *http.Request, search func(context.Context, string, string, int) (any, error)) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "mirror is disabled, enable it in the config")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q query parameter is required")
		return
	}
	service, err := h.serviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	data, err := search(r.Context(), service.ID, q, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *Handlers) mirrorStats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "mirror is disabled, enable it in the config")
		return
	}
	service, err := h.serviceFromRequest(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	vod, series, err := h.store.Counts(r.Context(), service.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"service": service.ID, "vod": vod, "series": series})
}
