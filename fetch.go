package swcache

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	tee "github.com/always-cache/swcache/pkg/response-writer-tee"
)

// Fetcher performs network requests on behalf of the strategies.
// An error means the network could not be reached; any HTTP response,
// including 5xx, is a successful fetch.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(r *http.Request) (*http.Response, error)

func (f FetcherFunc) Fetch(r *http.Request) (*http.Response, error) {
	return f(r)
}

// OriginFetcher fetches from a remote origin server.
type OriginFetcher struct {
	originURL  url.URL
	originHost string
	httpClient http.Client
}

// NewOriginFetcher creates a fetcher for the given origin.
// If originHost is set, it is used as Host header and TLS server name,
// e.g. when the origin URL is just an IP address.
func NewOriginFetcher(originURL url.URL, originHost string) *OriginFetcher {
	f := &OriginFetcher{
		originURL:  originURL,
		originHost: originHost,
		httpClient: http.Client{
			// do not follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if originHost != "" {
		f.httpClient.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return f
}

// Fetch the resource specified in the incoming request from the origin.
func (f *OriginFetcher) Fetch(r *http.Request) (*http.Response, error) {
	uri := f.originURL.String() + r.URL.RequestURI()
	// need to specifically set body to nil on the outgoing request if content is zero length
	// see https://github.com/golang/go/issues/16036
	body := r.Body
	if r.ContentLength == 0 {
		body = nil
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, uri, body)
	if err != nil {
		return nil, err
	}
	req.Host = f.originHost
	copyHeader(req.Header, r.Header)
	// do not forward connection header, this causes trouble
	req.Header.Del("Connection")

	res, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	// as per https://www.rfc-editor.org/rfc/rfc9110#section-6.6.1-8
	if res.Header.Get("Date") == "" {
		res.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	return res, nil
}

// HandlerFetcher "fetches" by running an in-process handler,
// which makes the cache usable as middleware.
type HandlerFetcher struct {
	Handler http.Handler
}

func (f HandlerFetcher) Fetch(r *http.Request) (*http.Response, error) {
	if err := r.Context().Err(); err != nil {
		return nil, err
	}
	rs := tee.NewResponseSaver(nil)
	f.Handler.ServeHTTP(rs, r)
	return rs.Result(r)
}

// fetchWithTimeout runs the fetcher with the given timeout, if any.
// The timeout covers reading the body, so the context is
// released when the body is closed.
func fetchWithTimeout(f Fetcher, r *http.Request, timeout time.Duration) (*http.Response, error) {
	if timeout <= 0 {
		return f.Fetch(r)
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	res, err := f.Fetch(r.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	if res.Body == nil {
		res.Body = http.NoBody
	}
	res.Body = &cancelOnClose{ReadCloser: res.Body, cancel: cancel}
	return res, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
