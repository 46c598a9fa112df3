package types

import (
	"time"
)

// MediaKind identifies what sort of content a stream target refers to.
type MediaKind string

const (
	KindMovie   MediaKind = "movie"
	KindEpisode MediaKind = "episode"
	KindLive    MediaKind = "live"
)

// CandidateFormat labels how a candidate URL is expected to play.
type CandidateFormat string

const (
	FormatDirect CandidateFormat = "direct"
	FormatVideo  CandidateFormat = "video"
	FormatHLS    CandidateFormat = "hls"
	FormatTS     CandidateFormat = "mpegts"
)

// StreamTarget describes one resolution request. Created per request,
// never persisted.
type StreamTarget struct {
	ContentID        string
	Kind             MediaKind
	ContainerFormat  string // container extension from the API, may be empty, "m3u8" or "ts"
	DirectSourceHint string // already-playable URL when the API supplies one
	WantAdaptive     bool   // caller explicitly requested adaptive (segment-based) playback
}

// Candidate is one playable URL option for a StreamTarget, ranked by
// PriorityRank (lower is better).
type Candidate struct {
	URL             string          `json:"url"`
	Format          CandidateFormat `json:"format"`
	Extension       string          `json:"extension,omitempty"`
	QualityLabel    string          `json:"quality_label,omitempty"`
	IsSegmentsBased bool            `json:"is_segments_based,omitempty"`
	PriorityRank    int             `json:"priority_rank"`
}

// ResolvedURL is the outcome of token resolution. Final is
// authoritative for playback; Original is kept for diagnostics.
type ResolvedURL struct {
	Original     string
	Final        string
	TokenPresent bool
}

// SegmentSet holds the validated segment indices for one content id.
// Indices are sorted ascending.
type SegmentSet struct {
	ContentID    string
	Indices      []int
	DiscoveredAt time.Time
}

// Count returns the number of validated segments.
func (s *SegmentSet) Count() int {
	if s == nil {
		return 0
	}
	return len(s.Indices)
}

// Service is one upstream Xtream panel: base URL plus the credentials
// parsed from its playlist URL.
type Service struct {
	ID       string `json:"id"`
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// VodStream is a movie entry from the upstream panel, trimmed to the
// fields the bridge exposes and mirrors.
type VodStream struct {
	Num                int     `json:"num"`
	Name               string  `json:"name"`
	StreamID           int     `json:"stream_id"`
	StreamIcon         string  `json:"stream_icon"`
	Rating             string  `json:"rating"`
	Rating5based       float64 `json:"rating_5based"`
	Added              string  `json:"added"`
	CategoryID         string  `json:"category_id"`
	ContainerExtension string  `json:"container_extension"`
	CustomSid          string  `json:"custom_sid"`
	DirectSource       string  `json:"direct_source"`
}

// LiveStream is a live channel entry from get_live_streams.
type LiveStream struct {
	Num          int    `json:"num"`
	Name         string `json:"name"`
	StreamID     int    `json:"stream_id"`
	StreamIcon   string `json:"stream_icon"`
	EpgChannelID string `json:"epg_channel_id"`
	CategoryID   string `json:"category_id"`
	TvArchive    int    `json:"tv_archive"`
}

// SeriesItem is one series entry from get_series.
type SeriesItem struct {
	Num         int    `json:"num"`
	Name        string `json:"name"`
	SeriesID    int    `json:"series_id"`
	Cover       string `json:"cover"`
	Plot        string `json:"plot"`
	Cast        string `json:"cast"`
	Director    string `json:"director"`
	Genre       string `json:"genre"`
	ReleaseDate string `json:"releaseDate"`
	Rating      string `json:"rating"`
	CategoryID  string `json:"category_id"`
}

// Episode is a single episode inside a series info response.
type Episode struct {
	ID                 string `json:"id"`
	EpisodeNum         int    `json:"episode_num"`
	Title              string `json:"title"`
	ContainerExtension string `json:"container_extension"`
	Season             int    `json:"season"`
	DirectSource       string `json:"direct_source"`
}

// SeriesInfo is the get_series_info payload: seasons keyed by season
// number, each an ordered list of episodes.
type SeriesInfo struct {
	Episodes map[string][]Episode `json:"episodes"`
	Info     map[string]any       `json:"info"`
}

// Category is a VOD or series category entry.
type Category struct {
	CategoryID   string `json:"category_id"`
	CategoryName string `json:"category_name"`
	ParentID     int    `json:"parent_id"`
}
