// Package strategy maps request URLs to caching strategies.
package strategy

import (
	"net/url"
	"strings"
)

// Strategy names how a request is served.
type Strategy string

const (
	// Always go to the network, never touch the cache.
	NetworkOnly Strategy = "network-only"
	// Prefer the network, fall back to the cache when it fails.
	NetworkFirst Strategy = "network-first"
	// Prefer the cache, go to the network on a miss only.
	CacheFirst Strategy = "cache-first"
	// Serve from the cache and refresh it in the background.
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// Rules is the ordered route classification rule set.
type Rules struct {
	// Paths below this prefix are always network-only.
	APIPrefix string `yaml:"apiPrefix"`
	// Path prefixes of frequently changing content.
	NetworkFirstPrefixes []string `yaml:"networkFirstPrefixes"`
	// File extensions of static assets, including the dot.
	CacheFirstExtensions []string `yaml:"cacheFirstExtensions"`
}

// Classify returns the strategy for the given URL.
// The first matching rule wins: API prefix, then network-first prefixes,
// then cache-first extensions. Everything else is stale-while-revalidate.
// Only the path takes part in matching.
func (r Rules) Classify(rawURL string) Strategy {
	path := Path(rawURL)
	if r.APIPrefix != "" && strings.HasPrefix(path, r.APIPrefix) {
		return NetworkOnly
	}
	for _, prefix := range r.NetworkFirstPrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return NetworkFirst
		}
	}
	lowerPath := strings.ToLower(path)
	for _, ext := range r.CacheFirstExtensions {
		if ext != "" && strings.HasSuffix(lowerPath, strings.ToLower(ext)) {
			return CacheFirst
		}
	}
	return StaleWhileRevalidate
}

// Path returns the path component of an absolute or relative URL,
// without query string or fragment.
// Strings that do not parse as URLs are cut at the first '?' or '#'.
func Path(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Opaque == "" {
		return u.Path
	}
	if i := strings.IndexAny(rawURL, "?#"); i != -1 {
		return rawURL[:i]
	}
	return rawURL
}
