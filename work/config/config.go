package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration for the Xtream bridge.
// It covers the HTTP server, the playlist-config endpoint, stream
// resolution timeouts, segment discovery tuning, caching, and the
// optional relational mirror.
type Config struct {
	BaseURL            string        `json:"baseURL"`            // Public base URL of this server, used when building proxied segment URLs
	ListenAddr         string        `json:"listenAddr"`         // Address the HTTP server binds to
	LogLevel           string        `json:"logLevel"`           // Logging threshold: DEBUG, INFO, WARN, ERROR
	ObfuscateUrls      bool          `json:"obfuscateUrls"`      // Obfuscate upstream URLs in logs (they carry credentials)
	UserAgent          string        `json:"userAgent"`          // User-Agent sent on all upstream requests
	AuthConfigURL      string        `json:"authConfigURL"`      // Playlist-config endpoint returning the Xtream playlist URLs
	DefaultUsername    string        `json:"defaultUsername"`    // Credential fallback when a playlist URL carries none
	DefaultPassword    string        `json:"defaultPassword"`    // Credential fallback when a playlist URL carries none
	TokenTimeout       time.Duration `json:"tokenTimeout"`       // Timeout for token resolution requests
	DiscoveryTimeout   time.Duration `json:"discoveryTimeout"`   // Wall-clock budget for a full segment discovery pass
	ProbeTimeout       time.Duration `json:"probeTimeout"`       // Per-segment probe timeout
	ProbeBatchSize     int           `json:"probeBatchSize"`     // Segment indices probed per batch
	MaxSegmentIndex    int           `json:"maxSegmentIndex"`    // Ceiling on probed segment indices
	EarlyExitThreshold int           `json:"earlyExitThreshold"` // Valid-segment count that stops broad scanning
	CacheTTL           time.Duration `json:"cacheTTL"`           // TTL for segment sets, content types and API payloads
	WorkerThreads      int           `json:"workerThreads"`      // Goroutine pool size for concurrent probes
	APIRateLimit       int           `json:"apiRateLimit"`       // Upstream API requests per second, per service
	MirrorEnabled      bool          `json:"mirrorEnabled"`      // Enable the local relational mirror
	MirrorPath         string        `json:"mirrorPath"`         // SQLite database path for the mirror
	MirrorSyncInterval time.Duration `json:"mirrorSyncInterval"` // Interval between background mirror syncs
}

// configFile mirrors Config for JSON unmarshaling; duration fields are
// strings (e.g. "8s", "5m") parsed into time.Duration values.
type configFile struct {
	BaseURL            string `json:"baseURL"`
	ListenAddr         string `json:"listenAddr"`
	LogLevel           string `json:"logLevel"`
	ObfuscateUrls      bool   `json:"obfuscateUrls"`
	UserAgent          string `json:"userAgent"`
	AuthConfigURL      string `json:"authConfigURL"`
	DefaultUsername    string `json:"defaultUsername"`
	DefaultPassword    string `json:"defaultPassword"`
	TokenTimeout       string `json:"tokenTimeout"`
	DiscoveryTimeout   string `json:"discoveryTimeout"`
	ProbeTimeout       string `json:"probeTimeout"`
	ProbeBatchSize     int    `json:"probeBatchSize"`
	MaxSegmentIndex    int    `json:"maxSegmentIndex"`
	EarlyExitThreshold int    `json:"earlyExitThreshold"`
	CacheTTL           string `json:"cacheTTL"`
	WorkerThreads      int    `json:"workerThreads"`
	APIRateLimit       int    `json:"apiRateLimit"`
	MirrorEnabled      bool   `json:"mirrorEnabled"`
	MirrorPath         string `json:"mirrorPath"`
	MirrorSyncInterval string `json:"mirrorSyncInterval"`
}

var (
	configCache *Config
	configMutex sync.RWMutex
)

// DefaultPath is where LoadConfig looks when the XTREAM_BRIDGE_CONFIG
// environment variable is unset.
const DefaultPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached
// instance. Missing or invalid files fall back to defaults; all values
// are validated before the config is cached.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	if configCache != nil {
		return configCache
	}

	path := os.Getenv("XTREAM_BRIDGE_CONFIG")
	if path == "" {
		path = DefaultPath
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", path, err)
		log.Printf("Falling back to default configuration...")
		cfg = getDefaultConfig()
	}

	validateAndSetDefaults(cfg)
	configCache = cfg
	return cfg
}

// ClearConfigCache resets the cached config, forcing a reload on the
// next LoadConfig call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&cf)
}

func convertFromFile(cf *configFile) (*Config, error) {
	cfg := &Config{
		BaseURL:            cf.BaseURL,
		ListenAddr:         cf.ListenAddr,
		LogLevel:           cf.LogLevel,
		ObfuscateUrls:      cf.ObfuscateUrls,
		UserAgent:          cf.UserAgent,
		AuthConfigURL:      cf.AuthConfigURL,
		DefaultUsername:    cf.DefaultUsername,
		DefaultPassword:    cf.DefaultPassword,
		ProbeBatchSize:     cf.ProbeBatchSize,
		MaxSegmentIndex:    cf.MaxSegmentIndex,
		EarlyExitThreshold: cf.EarlyExitThreshold,
		WorkerThreads:      cf.WorkerThreads,
		APIRateLimit:       cf.APIRateLimit,
		MirrorEnabled:      cf.MirrorEnabled,
		MirrorPath:         cf.MirrorPath,
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"tokenTimeout", cf.TokenTimeout, &cfg.TokenTimeout},
		{"discoveryTimeout", cf.DiscoveryTimeout, &cfg.DiscoveryTimeout},
		{"probeTimeout", cf.ProbeTimeout, &cfg.ProbeTimeout},
		{"cacheTTL", cf.CacheTTL, &cfg.CacheTTL},
		{"mirrorSyncInterval", cf.MirrorSyncInterval, &cfg.MirrorSyncInterval},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

func getDefaultConfig() *Config {
	return &Config{}
}

func validateAndSetDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "INFO"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	if cfg.DefaultUsername == "" {
		cfg.DefaultUsername = "had130"
	}
	if cfg.DefaultPassword == "" {
		cfg.DefaultPassword = "589548655"
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 20 * time.Second
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 8 * time.Second
	}
	if cfg.ProbeTimeout <= 0 || cfg.ProbeTimeout > time.Second {
		cfg.ProbeTimeout = time.Second
	}
	if cfg.ProbeBatchSize <= 0 {
		cfg.ProbeBatchSize = 30
	}
	if cfg.MaxSegmentIndex <= 0 {
		cfg.MaxSegmentIndex = 200
	}
	if cfg.EarlyExitThreshold <= 0 {
		cfg.EarlyExitThreshold = 50
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 32
	}
	if cfg.APIRateLimit <= 0 {
		cfg.APIRateLimit = 5
	}
	if cfg.MirrorPath == "" {
		cfg.MirrorPath = "/settings/mirror.db"
	}
	if cfg.MirrorSyncInterval <= 0 {
		cfg.MirrorSyncInterval = 12 * time.Hour
	}
}

// CreateExampleConfig writes an example config file to the given path.
func CreateExampleConfig(path string) error {
	example := configFile{
		BaseURL:            "http://localhost:8080",
		ListenAddr:         ":8080",
		LogLevel:           "INFO",
		ObfuscateUrls:      true,
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		AuthConfigURL:      "https://example.com/api/auth",
		DefaultUsername:    "",
		DefaultPassword:    "",
		TokenTimeout:       "20s",
		DiscoveryTimeout:   "8s",
		ProbeTimeout:       "1s",
		ProbeBatchSize:     30,
		MaxSegmentIndex:    200,
		EarlyExitThreshold: 50,
		CacheTTL:           "5m",
		WorkerThreads:      32,
		APIRateLimit:       5,
		MirrorEnabled:      false,
		MirrorPath:         "/settings/mirror.db",
		MirrorSyncInterval: "12h",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ObfuscateURL masks the path and query of a URL for logging, keeping
// only the scheme and host. Upstream URLs embed credentials in both.
func ObfuscateURL(urlStr string) string {
	if urlStr == "" {
		return ""
	}
	u, err := url.Parse(urlStr)
	if err != nil {
		return "***OBFUSCATED***"
	}
	result := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		result += "/***"
	}
	if u.RawQuery != "" {
		result += "?***"
	}
	return result
}
