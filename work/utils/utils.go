package utils

import (
	"strings"

	"xtream-bridge/work/config"
)

// LogURL returns a loggable form of the URL, obfuscated when the
// config asks for it.
func LogURL(cfg *config.Config, urlStr string) string {
	if cfg != nil && cfg.ObfuscateUrls {
		return config.ObfuscateURL(urlStr)
	}
	return urlStr
}

// ExtensionOf returns the lowercased file extension of the last path
// element of a URL, without the dot, ignoring any query string.
func ExtensionOf(urlStr string) string {
	s := urlStr
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	i := strings.LastIndexByte(s, '.')
	if i < 0 || i == len(s)-1 {
		return ""
	}
	return strings.ToLower(s[i+1:])
}
