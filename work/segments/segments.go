package segments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"xtream-bridge/work/cache"
	"xtream-bridge/work/client"
	"xtream-bridge/work/config"
	"xtream-bridge/work/logger"
	"xtream-bridge/work/metrics"
	"xtream-bridge/work/types"
	"xtream-bridge/work/utils"
)

// ErrNoSegments signals that discovery found nothing. Callers should
// fall back to container-format playback instead of treating this as
// a generic failure.
var ErrNoSegments = errors.New("no segments available, use container-format playback instead")

// tsSyncByte starts every valid transport-stream packet.
const tsSyncByte = 0x47

// endConfirmProbes is how many indices past a dead batch boundary get
// checked before concluding the stream has ended.
const endConfirmProbes = 5

// Engine probes numbered .ts endpoints concurrently to find which
// segments an upstream actually serves. All probes are read-only GETs;
// failures inside a probe are swallowed and count as "not valid".
type Engine struct {
	cfg    *config.Config
	caches *cache.Caches
	pool   *ants.Pool
	probe  *client.HeaderSettingClient
}

// NewEngine builds an Engine sharing the given worker pool and caches.
func NewEngine(cfg *config.Config, caches *cache.Caches, pool *ants.Pool) *Engine {
	return &Engine{
		cfg:    cfg,
		caches: caches,
		pool:   pool,
		probe:  client.NewProbeClient(cfg),
	}
}

// SegmentURL appends an index to a segments base URL, keeping any
// query string (usually the auth token) after the segment name.
func SegmentURL(base string, index int) string {
	query := ""
	if i := strings.IndexByte(base, '?'); i >= 0 {
		base, query = base[:i], base[i:]
	}
	return fmt.Sprintf("%s/%d.ts%s", strings.TrimSuffix(base, "/"), index, query)
}

// Discover probes indices 0..MaxSegmentIndex under the configured
// wall-clock budget and returns the sorted set of valid indices.
// Results are cached per (serviceID, contentID) for the cache TTL.
// The budget is authoritative: whatever validated when it expires is
// returned, and in-flight probes are abandoned.
func (e *Engine) Discover(ctx context.Context, serviceID, contentID, segmentsBase string) (*types.SegmentSet, error) {
	key := serviceID + ":" + contentID
	if cached, ok := e.caches.SegmentSets.GetIfPresent(key); ok {
		metrics.CacheHits.WithLabelValues("segments").Inc()
		if cached.Count() == 0 {
			return nil, ErrNoSegments
		}
		return cached, nil
	}
	metrics.CacheMisses.WithLabelValues("segments").Inc()

	started := time.Now()
	deadline := started.Add(e.cfg.DiscoveryTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	valid := xsync.NewMapOf[int, struct{}]()
	batch := e.cfg.ProbeBatchSize
	ceiling := e.cfg.MaxSegmentIndex
	earlyExit := e.cfg.EarlyExitThreshold

	logger.Debug("discover: scanning %s up to index %d", utils.LogURL(e.cfg, segmentsBase), ceiling)

scan:
	for start := 0; start <= ceiling; {
		if time.Now().After(deadline) {
			logger.Debug("discover: budget expired for %s at index %d", contentID, start)
			break
		}
		end := start + batch
		if end > ceiling+1 {
			end = ceiling + 1
		}

		found := e.probeRange(ctx, segmentsBase, start, end, valid)

		switch {
		case start == 0 && found == 0:
			// Empty first batch means no segment directory at all.
			break scan
		case found == 0 && valid.Size() > 0:
			// Check a little past the boundary before calling it the
			// end; upstreams occasionally 404 a single index.
			confirmEnd := end + endConfirmProbes
			if confirmEnd > ceiling+1 {
				confirmEnd = ceiling + 1
			}
			if e.probeRange(ctx, segmentsBase, end, confirmEnd, valid) == 0 {
				break scan
			}
			start = confirmEnd
		case valid.Size() >= earlyExit:
			e.fillGaps(ctx, segmentsBase, earlyExit, valid)
			break scan
		default:
			start = end
		}
	}

	indices := collect(valid)
	if n := len(indices); n > 0 && indices[n-1] != n-1 {
		// sparse result, re-probe the holes so the set is contiguous
		// from zero
		e.fillGaps(ctx, segmentsBase, indices[n-1], valid)
		indices = collect(valid)
	}
	set := &types.SegmentSet{
		ContentID:    contentID,
		Indices:      indices,
		DiscoveredAt: started,
	}
	e.caches.SegmentSets.Set(key, set)

	metrics.DiscoveryDuration.Observe(time.Since(started).Seconds())
	metrics.DiscoveredSegments.Observe(float64(len(indices)))

	if len(indices) == 0 {
		logger.Info("discover: no segments for %s", contentID)
		return nil, ErrNoSegments
	}
	logger.Info("discover: %d segments for %s in %v", len(indices), contentID, time.Since(started).Round(time.Millisecond))
	return set, nil
}

// probeRange probes [start, end) concurrently through the worker pool
// and returns how many new valid indices it found. It never returns
// early on probe errors, only on pool submission failure. When the
// discovery deadline passes, in-flight probes are abandoned rather
// than awaited; a late validation is simply not counted.
func (e *Engine) probeRange(ctx context.Context, base string, start, end int, valid *xsync.MapOf[int, struct{}]) int {
	var wg sync.WaitGroup
	var found int64

	for i := start; i < end; i++ {
		idx := i
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			if e.probeSegment(ctx, SegmentURL(base, idx)) {
				valid.Store(idx, struct{}{})
				atomic.AddInt64(&found, 1)
			}
		})
		if err != nil {
			wg.Done()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return int(atomic.LoadInt64(&found))
}

// fillGaps re-probes missing indices below the early-exit threshold
// one at a time so the final set is contiguous from zero.
func (e *Engine) fillGaps(ctx context.Context, base string, limit int, valid *xsync.MapOf[int, struct{}]) {
	for i := 0; i < limit; i++ {
		if _, ok := valid.Load(i); ok {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if e.probeSegment(ctx, SegmentURL(base, i)) {
			valid.Store(i, struct{}{})
		}
	}
}

// probeSegment issues a short partial-content GET and validates the
// response. GET with a Range header, not HEAD: some servers report
// segments on HEAD that they cannot serve.
func (e *Engine) probeSegment(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Range", "bytes=0-255")

	resp, err := e.probe.Do(req)
	if err != nil {
		metrics.SegmentProbes.WithLabelValues("error").Inc()
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		metrics.SegmentProbes.WithLabelValues("bad_status").Inc()
		return false
	}

	buf := make([]byte, 256)
	n, _ := io.ReadFull(resp.Body, buf)
	if !validSegmentBody(resp.Header.Get("Content-Type"), buf[:n]) {
		metrics.SegmentProbes.WithLabelValues("invalid_body").Inc()
		return false
	}
	metrics.SegmentProbes.WithLabelValues("valid").Inc()
	return true
}

// validSegmentBody checks the leading bytes of a probe response. The
// sync byte is decisive; the content type only breaks ties when the
// signature is inconclusive.
func validSegmentBody(contentType string, body []byte) bool {
	if len(body) == 0 {
		return false
	}
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "text/html") {
		return false
	}
	lower := bytes.ToLower(body)
	if bytes.Contains(lower, []byte("<html")) || bytes.Contains(lower, []byte("<!doctype")) {
		return false
	}
	if body[0] == tsSyncByte {
		return true
	}
	return strings.Contains(ct, "video") ||
		strings.Contains(ct, "octet-stream") ||
		strings.Contains(ct, "mp2t")
}

func collect(valid *xsync.MapOf[int, struct{}]) []int {
	indices := make([]int, 0, valid.Size())
	valid.Range(func(k int, _ struct{}) bool {
		indices = append(indices, k)
		return true
	})
	sort.Ints(indices)
	return indices
}
