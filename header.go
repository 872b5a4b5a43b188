package swcache

import (
	"net/http"
	"strings"
)

type CacheControl struct {
	m map[string]string
}

func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.m[directive]
	return val, ok
}

func (c CacheControl) Has(directive string) bool {
	_, ok := c.m[directive]
	return ok
}

// ParseCacheControl parses all Cache-Control header values.
// Directive names are case-insensitive; the last one wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, val, _ := strings.Cut(directive, "=")
			m[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(val), `"`)
		}
	}
	return CacheControl{m}
}

// storable reports whether a network response may be written to a partition.
// Only complete 2xx responses without no-store qualify.
func storable(res *http.Response) bool {
	if res == nil {
		return false
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 || res.StatusCode == http.StatusPartialContent {
		return false
	}
	return !ParseCacheControl(res.Header.Values("Cache-Control")).Has("no-store")
}

// acceptsHTML reports whether the request is a page navigation.
func acceptsHTML(r *http.Request) bool {
	for _, accept := range r.Header.Values("Accept") {
		if strings.Contains(accept, "text/html") {
			return true
		}
	}
	return false
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a warkaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
