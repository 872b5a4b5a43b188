// Package swcache is a strategy-routing HTTP cache.
//
// Same-origin GET requests are served through one of four caching
// strategies, chosen by URL rules: network-only, network-first,
// cache-first and stale-while-revalidate. Responses are kept in named
// partitions, one precache and one runtime partition per configuration
// version. New versions are rolled out with Register, which installs the
// precache, drops the partitions of older versions and then takes over.
package swcache

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/rfc9211"
)

// DefaultFetchTimeout applies to network fetches when Config.FetchTimeout is zero.
const DefaultFetchTimeout = 30 * time.Second

var ErrNoActiveWorker = errors.New("no active worker")

type Config struct {
	// Storage for cache partitions. In-memory if nil.
	Storage cache.Storage
	// Fetcher used for network requests.
	// If nil, requests are sent to OriginURL.
	Fetcher Fetcher
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Cache setup installed by Start. Defaults to DefaultCacheConfig.
	Cache CacheConfig
	// Timeout for every network fetch. Negative disables it.
	FetchTimeout time.Duration
	// Optional function called when a background refresh fails.
	OnRevalidateError func(*http.Request, error)
	// Handler for requests that are not intercepted.
	// Defaults to a reverse proxy to the origin.
	Passthrough http.Handler
}

type ServiceCache struct {
	config      Config
	log         zerolog.Logger
	passthrough http.Handler

	// serializes registrations
	mu      sync.Mutex
	active  atomic.Pointer[Worker]
	retired sync.WaitGroup
}

// CreateCache initializes the cache instance.
// No requests are intercepted until a worker version is registered,
// see Start and Register.
func CreateCache(config Config) (*ServiceCache, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	if config.Storage == nil {
		config.Storage = cache.NewMemStorage()
	}
	if config.FetchTimeout == 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	if config.Cache.Version == "" {
		config.Cache = DefaultCacheConfig()
	}

	if config.Fetcher == nil {
		if config.OriginURL.Host == "" {
			return nil, fmt.Errorf("either origin URL or fetcher is required")
		}
		config.Fetcher = NewOriginFetcher(config.OriginURL, config.OriginHost)
		logger = logger.With().
			Str("origin", config.OriginURL.String()).
			Logger()
	}

	a := &ServiceCache{
		config:      config,
		log:         logger,
		passthrough: config.Passthrough,
	}
	if a.passthrough == nil {
		if config.OriginURL.Host != "" {
			a.passthrough = newReverseProxy(config.OriginURL, config.OriginHost, logger)
		} else {
			a.passthrough = http.HandlerFunc(a.escapeHatch)
		}
	}
	return a, nil
}

// Start registers the configured cache setup.
func (a *ServiceCache) Start(ctx context.Context) error {
	return a.Register(ctx, a.config.Cache)
}

// Register installs a new worker version and lets it take over.
// If the install fails, the current version keeps serving
// and the error is returned.
func (a *ServiceCache) Register(ctx context.Context, cc CacheConfig) error {
	cc, err := cc.normalize()
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := newWorker(cc, a.config, a.log)
	if err := w.Install(ctx); err != nil {
		w.close()
		return err
	}
	if err := w.Activate(ctx); err != nil {
		w.setState(StateRedundant)
		w.close()
		return fmt.Errorf("activate version %s: %w", cc.Version, err)
	}

	// claim all requests
	old := a.active.Swap(w)
	if old != nil {
		old.setState(StateSuperseded)
		activeVersion.DeleteLabelValues(old.config.Version)
		a.retire(old)
	}
	activeVersion.WithLabelValues(cc.Version).Set(1)
	a.log.Info().Str("version", cc.Version).Msg("Worker activated")
	return nil
}

func (a *ServiceCache) retire(w *Worker) {
	a.retired.Add(1)
	go func() {
		defer a.retired.Done()
		w.close()
	}()
}

// Version returns the active version, or an empty string.
func (a *ServiceCache) Version() string {
	if w := a.active.Load(); w != nil {
		return w.Version()
	}
	return ""
}

// Message delivers a control message to the active worker.
func (a *ServiceCache) Message(ctx context.Context, msg Message, port MessagePort) error {
	w := a.active.Load()
	if w == nil {
		return ErrNoActiveWorker
	}
	return w.OnMessage(ctx, msg, port)
}

// Close stops intercepting and waits for background work to finish.
func (a *ServiceCache) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w := a.active.Swap(nil); w != nil {
		activeVersion.DeleteLabelValues(w.config.Version)
		a.retire(w)
	}
	a.retired.Wait()
}

// Handle intercepts the request if the cache is responsible for it.
// It returns false for cross-origin and non-GET requests, which must be
// sent on unchanged. Otherwise the response always carries a body.
func (a *ServiceCache) Handle(r *http.Request) (*http.Response, bool) {
	res, cs, ok := a.handle(r)
	if ok {
		if res.Header == nil {
			res.Header = make(http.Header)
		}
		res.Header.Set("Cache-Status", cs.String())
	}
	return res, ok
}

func (a *ServiceCache) handle(r *http.Request) (*http.Response, rfc9211.CacheStatus, bool) {
	var cs rfc9211.CacheStatus
	w := a.active.Load()
	if w == nil {
		passthroughTotal.WithLabelValues("no-worker").Inc()
		return nil, cs, false
	}
	if !sameOrigin(r, w.config.SiteHosts) {
		passthroughTotal.WithLabelValues("cross-origin").Inc()
		return nil, cs, false
	}
	if r.Method != http.MethodGet {
		passthroughTotal.WithLabelValues("method").Inc()
		return nil, cs, false
	}

	s := w.config.Rules.Classify(r.URL.String())
	w.log.Trace().Str("strategy", string(s)).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)
	res, cs, err := w.execute(r, s)
	if err != nil {
		w.log.Warn().Err(err).Str("strategy", string(s)).Msg("No response available")
		res = networkErrorResponse(r)
	}
	return res, cs, true
}

// ServeHTTP implements the http.Handler interface.
func (a *ServiceCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer a.recover(w, r)
	res, cs, ok := a.handle(r)
	if !ok {
		a.log.Trace().Msgf("Passing through %s %s", r.Method, r.URL.String())
		a.passthrough.ServeHTTP(w, r)
		return
	}
	if err := a.send(w, r, res, cs); err != nil {
		a.log.Error().Err(err).Msg("Could not write response body to client")
	}
}

// recover recovers from panics and sends the request to the passthrough handler.
func (a *ServiceCache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		a.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		a.passthrough.ServeHTTP(w, r)
	}
}

// escapeHatch just fetches the request, without any caching.
func (a *ServiceCache) escapeHatch(w http.ResponseWriter, r *http.Request) {
	res, err := a.config.Fetcher.Fetch(r)
	if err != nil {
		a.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		a.log.Error().Err(err).Msg("Error writing to client")
	}
}

func (a *ServiceCache) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs rfc9211.CacheStatus) error {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("strategy", cs.Detail).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Int("code", res.StatusCode).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Set("Cache-Status", cs.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	bytesWritten, err := io.Copy(w, res.Body)
	a.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	return err
}

// Middleware serves next through the cache, using it as the network.
// The cache setup in config is registered before returning.
func Middleware(ctx context.Context, config Config, next http.Handler) (*ServiceCache, error) {
	config.Fetcher = HandlerFetcher{Handler: next}
	config.Passthrough = next
	a, err := CreateCache(config)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func newReverseProxy(originURL url.URL, originHost string, logger zerolog.Logger) *httputil.ReverseProxy {
	hostHeader := originURL.Host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &httputil.ReverseProxy{
		Director:  createDirector(originURL.Scheme, originURL.Host, hostHeader),
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error().Err(err).Str("url", r.URL.String()).Msg("Error connecting to origin")
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		},
	}
}

func createDirector(scheme, host, hostHeader string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		if hostHeader != "" {
			req.Host = hostHeader
		}
	}
}

// sameOrigin reports whether the request targets one of the site hosts.
// A configured host without port matches any port.
func sameOrigin(r *http.Request, hosts []string) bool {
	if len(hosts) == 0 {
		return true
	}
	host := r.Host
	if r.URL.Host != "" {
		host = r.URL.Host
	}
	hostname := strings.Trim(host, "[]")
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	for _, h := range hosts {
		if strings.EqualFold(h, host) {
			return true
		}
		// a configured host without a port matches any port
		if _, _, err := net.SplitHostPort(h); err != nil && strings.EqualFold(strings.Trim(h, "[]"), hostname) {
			return true
		}
	}
	return false
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
