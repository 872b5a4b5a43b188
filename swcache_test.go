package swcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/always-cache/swcache/cache"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
)

// fakeNetwork serves fixed bodies by request URI and counts fetches.
type fakeNetwork struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
	down   atomic.Bool
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bodies: map[string]string{
			"/":                    "home",
			"/index.html":          "index",
			"/static/css/main.css": "body{}",
			"/favicon.ico":         "icon",
			"/manifest.json":       "{}",
		},
		calls: make(map[string]int),
	}
}

func (n *fakeNetwork) Fetch(r *http.Request) (*http.Response, error) {
	uri := r.URL.RequestURI()
	n.mu.Lock()
	n.calls[uri]++
	body, ok := n.bodies[uri]
	n.mu.Unlock()
	if n.down.Load() {
		return nil, errors.New("connection refused")
	}
	if !ok {
		return textResponse(r, http.StatusNotFound, "not found"), nil
	}
	return textResponse(r, http.StatusOK, body), nil
}

func (n *fakeNetwork) set(uri, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[uri] = body
}

func (n *fakeNetwork) callCount(uri string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[uri]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

func textResponse(r *http.Request, status int, body string) *http.Response {
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}

type testCache struct {
	*ServiceCache
	net     *fakeNetwork
	storage *cache.MemStorage
}

func newTestCache(t *testing.T, modify func(*Config)) *testCache {
	t.Helper()
	logger := zerolog.Nop()
	tc := &testCache{net: newFakeNetwork(), storage: cache.NewMemStorage()}
	config := Config{
		Storage: tc.storage,
		Fetcher: tc.net,
		Logger:  &logger,
		Cache:   DefaultCacheConfig(),
	}
	if modify != nil {
		modify(&config)
	}
	sc, err := CreateCache(config)
	require.NoError(t, err)
	require.NoError(t, sc.Start(context.Background()))
	t.Cleanup(sc.Close)
	tc.ServiceCache = sc
	return tc
}

func storeEntry(t *testing.T, s cache.Storage, partition, uri, body string) {
	t.Helper()
	ctx := context.Background()
	b, err := serializer.ResponseToBytes(textResponse(nil, http.StatusOK, body), time.Now())
	require.NoError(t, err)
	p, err := s.Open(ctx, partition)
	require.NoError(t, err)
	require.NoError(t, p.Put(ctx, "GET:"+uri, b))
}

func storedBody(t *testing.T, s cache.Storage, partition, uri string) (string, bool) {
	t.Helper()
	ctx := context.Background()
	p, err := s.Open(ctx, partition)
	require.NoError(t, err)
	b, ok, err := p.Match(ctx, "GET:"+uri)
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	sRes, err := serializer.BytesToResponse(b, nil)
	require.NoError(t, err)
	return readBody(t, sRes.Response), true
}

func readBody(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(b)
}

const (
	precacheV1 = "freshcheck-precache-v1"
	runtimeV1  = "freshcheck-runtime-v1"
)

func TestStartInstallsPrecache(t *testing.T) {
	tc := newTestCache(t, nil)

	assert.Equal(t, "v1", tc.Version())
	for _, uri := range DefaultCacheConfig().PrecacheURLs {
		_, ok := storedBody(t, tc.storage, precacheV1, uri)
		assert.True(t, ok, "%s not precached", uri)
	}
}

func TestCrossOriginAndNonGetPassThrough(t *testing.T) {
	var passed atomic.Int32
	tc := newTestCache(t, func(c *Config) {
		c.Cache.SiteHosts = []string{"freshcheck.test"}
		c.Passthrough = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed.Add(1)
			w.WriteHeader(http.StatusTeapot)
		})
	})
	fetchesAfterInstall := tc.net.totalCalls()

	post := httptest.NewRequest(http.MethodPost, "http://freshcheck.test/images/a.png", strings.NewReader("x"))
	put := httptest.NewRequest(http.MethodPut, "http://freshcheck.test/recalls/1", strings.NewReader("x"))
	absolute := httptest.NewRequest(http.MethodGet, "http://other.test/images/a.png", nil)
	hostHeader := httptest.NewRequest(http.MethodGet, "/images/a.png", nil)
	hostHeader.Host = "other.test:8080"

	for _, r := range []*http.Request{post, put, absolute, hostHeader} {
		res, ok := tc.Handle(r)
		assert.False(t, ok, "%s %s %s intercepted", r.Method, r.Host, r.URL)
		assert.Nil(t, res)

		rr := httptest.NewRecorder()
		tc.ServeHTTP(rr, r)
		assert.Equal(t, http.StatusTeapot, rr.Code)
	}

	assert.Equal(t, int32(4), passed.Load())
	assert.Equal(t, fetchesAfterInstall, tc.net.totalCalls())
	has, err := tc.storage.Has(context.Background(), runtimeV1)
	require.NoError(t, err)
	assert.False(t, has, "runtime partition written")
}

func TestSameOriginWithPort(t *testing.T) {
	tc := newTestCache(t, func(c *Config) {
		c.Cache.SiteHosts = []string{"freshcheck.test"}
	})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Host = "FreshCheck.test:8443"
	res, ok := tc.Handle(r)
	require.True(t, ok)
	assert.Equal(t, "home", readBody(t, res))
}

func TestCacheFirstHitSkipsNetwork(t *testing.T) {
	tc := newTestCache(t, nil)
	storeEntry(t, tc.storage, runtimeV1, "/images/logo.png", "cached logo")
	tc.net.set("/images/logo.png", "network logo")

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/images/logo.png", nil))
	require.True(t, ok)

	assert.Equal(t, "cached logo", readBody(t, res))
	assert.Equal(t, 0, tc.net.callCount("/images/logo.png"))
	assert.Equal(t, "FreshCheck; hit; detail=cache-first", res.Header.Get("Cache-Status"))
	assert.NotEmpty(t, res.Header.Get("Age"))
}

func TestCacheFirstMissStores(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.net.set("/images/logo.png", "network logo")

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/images/logo.png", nil))
	require.True(t, ok)
	assert.Equal(t, "network logo", readBody(t, res))
	assert.Equal(t, "FreshCheck; fwd=uri-miss; fwd-status=200; stored; detail=cache-first", res.Header.Get("Cache-Status"))

	res, _ = tc.Handle(httptest.NewRequest(http.MethodGet, "/images/logo.png", nil))
	assert.Equal(t, "network logo", readBody(t, res))
	assert.Equal(t, 1, tc.net.callCount("/images/logo.png"))
}

func TestCacheFirstMissNetworkError(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.net.down.Store(true)

	rr := httptest.NewRecorder()
	tc.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images/missing.webp", nil))

	assert.Equal(t, http.StatusRequestTimeout, rr.Code)
	assert.Equal(t, "Network error", rr.Body.String())
}

func TestCacheFirstDoesNotStoreErrors(t *testing.T) {
	tc := newTestCache(t, nil)

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/images/missing.png", nil))
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	tc.Close()

	_, stored := storedBody(t, tc.storage, runtimeV1, "/images/missing.png")
	assert.False(t, stored)
}

func TestNetworkFirstFallbackChain(t *testing.T) {
	tc := newTestCache(t, nil)
	storeEntry(t, tc.storage, runtimeV1, "/recalls/abc", "cached recall")
	tc.net.down.Store(true)

	t.Run("exact match", func(t *testing.T) {
		res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/recalls/abc", nil))
		require.True(t, ok)
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, "cached recall", readBody(t, res))
	})

	t.Run("navigation fallback", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/recalls/xyz", nil)
		r.Header.Set("Accept", "text/html,application/xhtml+xml")
		res, ok := tc.Handle(r)
		require.True(t, ok)
		assert.Equal(t, "home", readBody(t, res))
	})

	t.Run("network error", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/recalls/xyz", nil)
		r.Header.Set("Accept", "application/json")
		res, ok := tc.Handle(r)
		require.True(t, ok)
		assert.Equal(t, http.StatusRequestTimeout, res.StatusCode)
		assert.Equal(t, "Network error", readBody(t, res))
	})
}

func TestNetworkFirstNavigationFallbackOrder(t *testing.T) {
	tc := newTestCache(t, nil)
	ctx := context.Background()
	p, err := tc.storage.Open(ctx, precacheV1)
	require.NoError(t, err)
	_, err = p.Delete(ctx, "GET:/")
	require.NoError(t, err)
	tc.net.down.Store(true)

	r := httptest.NewRequest(http.MethodGet, "/food-safety/eggs", nil)
	r.Header.Set("Accept", "text/html")
	res, ok := tc.Handle(r)
	require.True(t, ok)
	assert.Equal(t, "index", readBody(t, res))
}

func TestNetworkFirstPrefersNetwork(t *testing.T) {
	tc := newTestCache(t, nil)
	storeEntry(t, tc.storage, runtimeV1, "/search?q=milk", "old results")
	tc.net.set("/search?q=milk", "new results")

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/search?q=milk", nil))
	require.True(t, ok)
	assert.Equal(t, "new results", readBody(t, res))
	tc.Close()

	body, ok := storedBody(t, tc.storage, runtimeV1, "/search?q=milk")
	require.True(t, ok)
	assert.Equal(t, "new results", body)
}

func TestNetworkFirstTrimsRuntime(t *testing.T) {
	tc := newTestCache(t, func(c *Config) {
		c.Cache.RuntimeCap = 3
	})
	for i := 0; i < 5; i++ {
		uri := fmt.Sprintf("/recalls/%d", i)
		tc.net.set(uri, uri)
		res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, uri, nil))
		require.True(t, ok)
		readBody(t, res)
	}
	tc.Close()

	p, err := tc.storage.Open(context.Background(), runtimeV1)
	require.NoError(t, err)
	keys, err := p.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"GET:/recalls/2", "GET:/recalls/3", "GET:/recalls/4"}, keys)
}

func TestNetworkOnlyNeverCaches(t *testing.T) {
	tc := newTestCache(t, nil)
	storeEntry(t, tc.storage, runtimeV1, "/api/recalls", "cached api")
	tc.net.set("/api/recalls", "live api")

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/api/recalls", nil))
	require.True(t, ok)
	assert.Equal(t, "live api", readBody(t, res))

	tc.net.down.Store(true)
	res, ok = tc.Handle(httptest.NewRequest(http.MethodGet, "/api/recalls", nil))
	require.True(t, ok)
	assert.Equal(t, http.StatusRequestTimeout, res.StatusCode)
	tc.Close()

	body, _ := storedBody(t, tc.storage, runtimeV1, "/api/recalls")
	assert.Equal(t, "cached api", body)
}

func TestStaleWhileRevalidateReturnsCached(t *testing.T) {
	tc := newTestCache(t, nil)
	storeEntry(t, tc.storage, runtimeV1, "/articles/1", "stale")
	tc.net.set("/articles/1", "fresh")

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/articles/1", nil))
	require.True(t, ok)
	assert.Equal(t, "stale", readBody(t, res))
	assert.Contains(t, res.Header.Get("Cache-Status"), "hit")

	// waits for the background refresh
	tc.Close()
	assert.Equal(t, 1, tc.net.callCount("/articles/1"))
	body, _ := storedBody(t, tc.storage, runtimeV1, "/articles/1")
	assert.Equal(t, "fresh", body)
}

func TestStaleWhileRevalidateMissWaitsForNetwork(t *testing.T) {
	tc := newTestCache(t, nil)
	tc.net.set("/articles/2", "fresh")

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/articles/2", nil))
	require.True(t, ok)
	assert.Equal(t, "fresh", readBody(t, res))
	assert.Equal(t, "FreshCheck; fwd=uri-miss; fwd-status=200; stored; detail=stale-while-revalidate", res.Header.Get("Cache-Status"))
}

func TestStaleWhileRevalidateRefreshFailure(t *testing.T) {
	var failed atomic.Int32
	tc := newTestCache(t, func(c *Config) {
		c.OnRevalidateError = func(r *http.Request, err error) {
			failed.Add(1)
		}
	})
	storeEntry(t, tc.storage, runtimeV1, "/articles/1", "stale")
	tc.net.down.Store(true)

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/articles/1", nil))
	require.True(t, ok)
	assert.Equal(t, "stale", readBody(t, res))

	res, ok = tc.Handle(httptest.NewRequest(http.MethodGet, "/articles/none", nil))
	require.True(t, ok)
	assert.Equal(t, http.StatusRequestTimeout, res.StatusCode)

	tc.Close()
	assert.Equal(t, int32(2), failed.Load())
	body, _ := storedBody(t, tc.storage, runtimeV1, "/articles/1")
	assert.Equal(t, "stale", body)
}

func TestStaleWhileRevalidateRefreshOutlivesClient(t *testing.T) {
	tc := newTestCache(t, nil)
	storeEntry(t, tc.storage, runtimeV1, "/articles/1", "stale")
	tc.net.set("/articles/1", "fresh")

	ctx, cancel := context.WithCancel(context.Background())
	r := httptest.NewRequest(http.MethodGet, "/articles/1", nil).WithContext(ctx)
	res, ok := tc.Handle(r)
	require.True(t, ok)
	cancel()
	readBody(t, res)

	tc.Close()
	body, _ := storedBody(t, tc.storage, runtimeV1, "/articles/1")
	assert.Equal(t, "fresh", body)
}

func TestStaleWhileRevalidateTrimsToRevalidateCap(t *testing.T) {
	tc := newTestCache(t, func(c *Config) {
		c.Cache.RevalidateCap = 2
	})
	for i := 0; i < 4; i++ {
		uri := fmt.Sprintf("/articles/%d", i)
		tc.net.set(uri, uri)
		res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, uri, nil))
		require.True(t, ok)
		assert.Equal(t, uri, readBody(t, res))
	}
	tc.Close()

	p, err := tc.storage.Open(context.Background(), runtimeV1)
	require.NoError(t, err)
	keys, err := p.Keys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"GET:/articles/2", "GET:/articles/3"}, keys)
}

func TestRefreshAfterCloseFailsImmediately(t *testing.T) {
	tc := newTestCache(t, nil)
	w := tc.active.Load()
	require.NotNil(t, w)
	tc.Close()

	select {
	case res := <-w.refresh(httptest.NewRequest(http.MethodGet, "/articles/1", nil), "GET:/articles/1"):
		assert.ErrorIs(t, res.err, ErrWorkerClosed)
	case <-time.After(time.Second):
		t.Fatal("refresh on a closed worker blocked")
	}
	assert.Equal(t, 0, tc.net.callCount("/articles/1"))
}

func TestNoStoreResponsesAreNotStored(t *testing.T) {
	tc := newTestCache(t, func(c *Config) {
		c.Fetcher = FetcherFunc(func(r *http.Request) (*http.Response, error) {
			res := textResponse(r, http.StatusOK, "private")
			res.Header.Set("Cache-Control", "private, no-store")
			return res, nil
		})
	})

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/images/secret.png", nil))
	require.True(t, ok)
	assert.Equal(t, "private", readBody(t, res))
	assert.NotContains(t, res.Header.Get("Cache-Status"), "stored")
}

func TestFailedWriteStillResponds(t *testing.T) {
	tc := newTestCache(t, func(c *Config) {
		c.Storage = failingPutStorage{cache.NewMemStorage()}
	})
	tc.net.set("/images/logo.png", "network logo")

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/images/logo.png", nil))
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "network logo", readBody(t, res))
	assert.NotContains(t, res.Header.Get("Cache-Status"), "stored")
}

// failingPutStorage fails every write to a runtime partition.
type failingPutStorage struct {
	*cache.MemStorage
}

func (s failingPutStorage) Open(ctx context.Context, name string) (cache.Partition, error) {
	p, err := s.MemStorage.Open(ctx, name)
	if err != nil || !strings.Contains(name, "runtime") {
		return p, err
	}
	return failingPutPartition{p}, nil
}

type failingPutPartition struct {
	cache.Partition
}

func (failingPutPartition) Put(ctx context.Context, key string, value []byte) error {
	return errors.New("quota exceeded")
}

func TestActivateDeletesOnlyCurrentPartitions(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	for _, name := range []string{"precache-v1", "runtime-v1", "precache-v2", "runtime-v2"} {
		_, err := storage.Open(ctx, name)
		require.NoError(t, err)
	}
	cc := DefaultCacheConfig()
	cc.Version = "v2"
	cc.PrecacheName = "precache-v2"
	cc.RuntimeName = "runtime-v2"
	cc, err := cc.normalize()
	require.NoError(t, err)
	w := newWorker(cc, Config{Storage: storage, Fetcher: newFakeNetwork()}, zerolog.Nop())
	t.Cleanup(w.close)

	require.NoError(t, w.Activate(ctx))

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"precache-v2", "runtime-v2"}, names)
	assert.Equal(t, StateActive, w.State())
}

func TestClearCachesMessage(t *testing.T) {
	tc := newTestCache(t, nil)
	storeEntry(t, tc.storage, runtimeV1, "/articles/1", "stale")
	storeEntry(t, tc.storage, "other", "/x", "x")

	port := make(ChanPort, 1)
	require.NoError(t, tc.Message(context.Background(), Message{Type: MessageClearCaches}, port))

	reply := <-port
	assert.NotEmpty(t, reply.Result)
	names, err := tc.storage.Names(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestGetVersionMessage(t *testing.T) {
	tc := newTestCache(t, nil)
	port := make(ChanPort, 1)
	require.NoError(t, tc.Message(context.Background(), Message{Type: MessageGetVersion}, port))
	assert.Equal(t, Reply{Version: "v1"}, <-port)
}

func TestUnknownMessage(t *testing.T) {
	tc := newTestCache(t, nil)
	err := tc.Message(context.Background(), Message{Type: "SKIP_WAITING"}, nil)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestMessageWithoutWorker(t *testing.T) {
	logger := zerolog.Nop()
	sc, err := CreateCache(Config{Fetcher: newFakeNetwork(), Logger: &logger})
	require.NoError(t, err)
	err = sc.Message(context.Background(), Message{Type: MessageClearCaches}, nil)
	assert.ErrorIs(t, err, ErrNoActiveWorker)

	_, ok := sc.Handle(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
}

func TestInstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	cc := DefaultCacheConfig()
	cc.PrecacheURLs = append(cc.PrecacheURLs, "/missing.js")
	cc, err := cc.normalize()
	require.NoError(t, err)
	w := newWorker(cc, Config{Storage: storage, Fetcher: newFakeNetwork()}, zerolog.Nop())
	t.Cleanup(w.close)

	err = w.Install(ctx)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.Equal(t, StateRedundant, w.State())
	has, err := storage.Has(ctx, cc.PrecacheName)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestRegisterKeepsVersionWhenInstallFails(t *testing.T) {
	tc := newTestCache(t, nil)
	storeEntry(t, tc.storage, runtimeV1, "/articles/1", "stale")

	next := DefaultCacheConfig()
	next.Version = "v2"
	tc.net.down.Store(true)
	err := tc.Register(context.Background(), next)
	require.ErrorIs(t, err, ErrInstallFailed)

	assert.Equal(t, "v1", tc.Version())
	names, err := tc.storage.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{precacheV1, runtimeV1}, names)

	res, ok := tc.Handle(httptest.NewRequest(http.MethodGet, "/articles/1", nil))
	require.True(t, ok)
	assert.Equal(t, "stale", readBody(t, res))
}

func TestRegisterReplacesVersion(t *testing.T) {
	tc := newTestCache(t, nil)
	storeEntry(t, tc.storage, runtimeV1, "/articles/1", "stale")

	next := DefaultCacheConfig()
	next.Version = "v2"
	require.NoError(t, tc.Register(context.Background(), next))

	assert.Equal(t, "v2", tc.Version())
	names, err := tc.storage.Names(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"freshcheck-precache-v2"}, names)
}

func TestRegisterRejectsInvalidConfig(t *testing.T) {
	tc := newTestCache(t, nil)
	next := DefaultCacheConfig()
	next.RuntimeCap = 0
	assert.Error(t, tc.Register(context.Background(), next))
	assert.Equal(t, "v1", tc.Version())
}

func TestPanicFallsBackToPassthrough(t *testing.T) {
	net := newFakeNetwork()
	tc := newTestCache(t, func(c *Config) {
		c.Fetcher = FetcherFunc(func(r *http.Request) (*http.Response, error) {
			if r.URL.Path == "/images/boom.png" {
				panic("boom")
			}
			return net.Fetch(r)
		})
		c.Passthrough = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "passed through")
		})
	})

	rr := httptest.NewRecorder()
	tc.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/images/boom.png", nil))
	assert.Equal(t, "passed through", rr.Body.String())
}

func TestMiddlewareServesFromCache(t *testing.T) {
	var handleCount atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount.Add(1)
		w.Header().Set("Content-Type", "text/test")
		fmt.Fprintf(w, "Hello, %q", r.URL.Path)
	})
	logger := zerolog.Nop()
	sc, err := Middleware(context.Background(), Config{Logger: &logger}, handler)
	require.NoError(t, err)
	t.Cleanup(sc.Close)
	installCount := handleCount.Load()

	rr := httptest.NewRecorder()
	sc.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/static/css/main.css", nil))

	assert.Equal(t, installCount, handleCount.Load())
	assert.Equal(t, `Hello, "/static/css/main.css"`, rr.Body.String())
	assert.Equal(t, "text/test", rr.Header().Get("Content-Type"))
	assert.Equal(t, "FreshCheck; hit; detail=cache-first", rr.Header().Get("Cache-Status"))

	rr = httptest.NewRecorder()
	sc.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/recalls/1", nil))
	assert.Equal(t, installCount+1, handleCount.Load())
	assert.Empty(t, rr.Header().Get("Cache-Status"))
}

func TestCreateCacheRequiresNetwork(t *testing.T) {
	_, err := CreateCache(Config{})
	assert.Error(t, err)
}
