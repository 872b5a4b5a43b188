package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = ":"

// ForRequest returns the cache key for a request.
// Partitions are per site, so the key holds the method and the request URI
// (path and query) only. Fragments never reach the key.
func ForRequest(r *http.Request) string {
	return r.Method + methodSeparator + r.URL.RequestURI()
}

// ForURL returns the GET cache key for a URL given as a string, as found in
// the precache list. Scheme and host are dropped.
func ForURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return http.MethodGet + methodSeparator + u.RequestURI(), nil
}

// RequestFromKey creates a request equal, caching-wise, to the one that
// resulted in the provided key.
func RequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" || !strings.HasPrefix(uri, "/") {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, uri, nil)
}
