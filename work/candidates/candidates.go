package candidates

import (
	"fmt"
	"net/url"

	"xtream-bridge/work/types"
)

// Builder constructs the ordered candidate playback URLs for a stream
// target against one upstream service. Priority encodes observed
// upstream behavior: direct hints and concrete containers play
// reliably, native .m3u8/.ts paths often return empty or HTML bodies.
type Builder struct {
	service    types.Service
	bridgeBase string // public base URL of this server, for synthetic playlist references
}

// NewBuilder returns a Builder for the given upstream service.
// bridgeBase is this server's public base URL.
func NewBuilder(service types.Service, bridgeBase string) *Builder {
	return &Builder{service: service, bridgeBase: bridgeBase}
}

// StreamURL builds the upstream stream path for a target and
// extension, following the /movie|series|live/{user}/{pass}/{id}.{ext}
// convention.
func (b *Builder) StreamURL(kind types.MediaKind, contentID, ext string) string {
	section := "movie"
	switch kind {
	case types.KindEpisode:
		section = "series"
	case types.KindLive:
		section = "live"
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s.%s",
		b.service.BaseURL, section,
		url.PathEscape(b.service.Username), url.PathEscape(b.service.Password),
		contentID, ext)
}

// syntheticPlaylistURL points at this server's own synthesized
// playlist endpoint for the target.
func (b *Builder) syntheticPlaylistURL(target types.StreamTarget) string {
	return fmt.Sprintf("%s/api/stream/%s/%s/index.m3u8", b.bridgeBase, target.Kind, target.ContentID)
}

// Build returns the full candidate list, highest priority first. The
// order is deterministic for identical input metadata.
func (b *Builder) Build(target types.StreamTarget) []types.Candidate {
	var out []types.Candidate
	rank := 0

	if target.DirectSourceHint != "" {
		out = append(out, types.Candidate{
			URL:          target.DirectSourceHint,
			Format:       types.FormatDirect,
			QualityLabel: "source",
			PriorityRank: rank,
		})
		rank++
	}

	// Concrete container. Upstreams that report m3u8/ts still serve
	// mp4 on the container path, so default to mp4 in those cases.
	ext := target.ContainerFormat
	if ext == "" || ext == "m3u8" || ext == "ts" {
		ext = "mp4"
	}
	out = append(out, types.Candidate{
		URL:          b.StreamURL(target.Kind, target.ContentID, ext),
		Format:       types.FormatVideo,
		Extension:    ext,
		QualityLabel: "container",
		PriorityRank: rank,
	})
	rank++

	if target.WantAdaptive {
		out = append(out, types.Candidate{
			URL:             b.syntheticPlaylistURL(target),
			Format:          types.FormatHLS,
			Extension:       "m3u8",
			QualityLabel:    "segments",
			IsSegmentsBased: true,
			PriorityRank:    rank,
		})
		rank++
	}

	out = append(out, types.Candidate{
		URL:          b.StreamURL(target.Kind, target.ContentID, "m3u8"),
		Format:       types.FormatHLS,
		Extension:    "m3u8",
		QualityLabel: "native",
		PriorityRank: rank,
	})
	rank++

	out = append(out, types.Candidate{
		URL:          b.StreamURL(target.Kind, target.ContentID, "ts"),
		Format:       types.FormatTS,
		Extension:    "ts",
		QualityLabel: "native",
		PriorityRank: rank,
	})

	return out
}

// Recommended returns the best candidate for a target, which is always
// the first entry of Build's output.
func (b *Builder) Recommended(target types.StreamTarget) types.Candidate {
	return b.Build(target)[0]
}
