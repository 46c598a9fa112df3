package cache

import (
	"time"

	"github.com/maypok86/otter/v2"

	"xtream-bridge/work/types"
)

// Caches bundles the short-TTL caches shared across resolution,
// discovery and the API layer. Instances are dependency-injected so
// tests and multiple services stay isolated.
type Caches struct {
	// SegmentSets caches discovery results keyed by
	// "<service>:<content_id>".
	SegmentSets *otter.Cache[string, *types.SegmentSet]

	// ContentTypes caches the sniffed content type per upstream URL so
	// repeated proxy requests skip re-validation.
	ContentTypes *otter.Cache[string, string]

	// APIPayloads caches raw upstream API responses keyed by request
	// URL.
	APIPayloads *otter.Cache[string, []byte]

	// Services caches the parsed playlist-config result under a single
	// key.
	Services *otter.Cache[string, []types.Service]
}

// New builds the cache set with the given TTL applied to all entries.
func New(ttl time.Duration) *Caches {
	return &Caches{
		SegmentSets: otter.Must(&otter.Options[string, *types.SegmentSet]{
			MaximumSize:      2048,
			ExpiryCalculator: otter.ExpiryWriting[string, *types.SegmentSet](ttl),
		}),
		ContentTypes: otter.Must(&otter.Options[string, string]{
			MaximumSize:      8192,
			ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
		}),
		APIPayloads: otter.Must(&otter.Options[string, []byte]{
			MaximumSize:      1024,
			ExpiryCalculator: otter.ExpiryWriting[string, []byte](ttl),
		}),
		Services: otter.Must(&otter.Options[string, []types.Service]{
			MaximumSize:      8,
			ExpiryCalculator: otter.ExpiryWriting[string, []types.Service](ttl),
		}),
	}
}
