package swcache

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/always-cache/swcache/pkg/strategy"
)

// CacheConfig is one deployable version of the caching setup.
// Changing the version gives new partition names, so activating it
// drops the partitions of every other version.
type CacheConfig struct {
	Version string `yaml:"version"`
	// Partition names. Derived from the version when empty.
	PrecacheName string `yaml:"precacheName"`
	RuntimeName  string `yaml:"runtimeName"`
	// Critical-path URLs stored at install time.
	PrecacheURLs []string `yaml:"precache"`
	// Cached documents served to HTML navigations when offline,
	// first match wins.
	NavigationFallbacks []string       `yaml:"navigationFallbacks"`
	Rules               strategy.Rules `yaml:"rules"`
	// Entry cap of the runtime partition after network-first and
	// cache-first writes.
	RuntimeCap int `yaml:"runtimeCap"`
	// Entry cap of the runtime partition after stale-while-revalidate writes.
	RevalidateCap int `yaml:"revalidateCap"`
	// Host names served by this cache. Requests for other hosts are
	// cross-origin and never intercepted. Empty means any host.
	SiteHosts []string `yaml:"siteHosts"`
}

// DefaultCacheConfig returns the FreshCheck site setup.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Version: "v1",
		PrecacheURLs: []string{
			"/",
			"/index.html",
			"/static/css/main.css",
			"/favicon.ico",
			"/manifest.json",
		},
		NavigationFallbacks: []string{"/", "/index.html"},
		Rules: strategy.Rules{
			APIPrefix: "/api/",
			NetworkFirstPrefixes: []string{
				"/food-safety/",
				"/recalls/",
				"/search",
				"/sitemap.xml",
				"/news-sitemap.xml",
			},
			CacheFirstExtensions: []string{
				".jpg", ".jpeg", ".png", ".gif", ".webp", ".svg",
				".css", ".woff", ".woff2",
			},
		},
		RuntimeCap:    100,
		RevalidateCap: 50,
	}
}

// LoadCacheConfig reads a YAML file on top of the defaults.
func LoadCacheConfig(filename string) (CacheConfig, error) {
	config := DefaultCacheConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", filename, err)
	}
	return config, nil
}

// normalize fills in derived names and checks the config is usable.
func (c CacheConfig) normalize() (CacheConfig, error) {
	if c.Version == "" {
		return c, fmt.Errorf("cache config: version is required")
	}
	if c.PrecacheName == "" {
		c.PrecacheName = "freshcheck-precache-" + c.Version
	}
	if c.RuntimeName == "" {
		c.RuntimeName = "freshcheck-runtime-" + c.Version
	}
	if c.PrecacheName == c.RuntimeName {
		return c, fmt.Errorf("cache config: precache and runtime partitions share the name %q", c.PrecacheName)
	}
	if c.RuntimeCap <= 0 || c.RevalidateCap <= 0 {
		return c, fmt.Errorf("cache config: caps must be positive (runtime %d, revalidate %d)", c.RuntimeCap, c.RevalidateCap)
	}
	return c, nil
}
