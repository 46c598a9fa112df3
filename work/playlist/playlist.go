package playlist

import (
	"strings"

	"xtream-bridge/work/types"
)

// ProxyURLBuilder produces the proxied URL a client should fetch for
// one segment of a content id.
type ProxyURLBuilder func(contentID string, index int) string

// ContentType is the MIME type for synthesized playlists.
const ContentType = "application/vnd.apple.mpegurl"

// Synthesize renders a VOD playlist from a discovered segment set.
// Durations are a fixed 10 seconds per segment rather than measured;
// probing real durations would blow the discovery budget.
func Synthesize(set *types.SegmentSet, buildURL ProxyURLBuilder) string {
	var b strings.Builder
	b.Grow(128 + 96*len(set.Indices))
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-TARGETDURATION:10\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	for _, idx := range set.Indices {
		b.WriteString("#EXTINF:10.0,\n")
		b.WriteString(buildURL(set.ContentID, idx))
		b.WriteByte('\n')
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}
