package swcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/always-cache/swcache/cache"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
	"github.com/always-cache/swcache/pkg/strategy"
	"github.com/always-cache/swcache/rfc9211"
)

const networkErrorBody = "Network error"

// outcome labels for the request counter
const (
	outcomeHit          = "hit"
	outcomeNetwork      = "network"
	outcomeFallback     = "fallback"
	outcomeNetworkError = "network-error"
)

// execute serves the request with the given strategy.
// An error is only returned when there is nothing to respond with.
func (w *Worker) execute(r *http.Request, s strategy.Strategy) (*http.Response, rfc9211.CacheStatus, error) {
	switch s {
	case strategy.NetworkOnly:
		return w.networkOnly(r)
	case strategy.NetworkFirst:
		return w.networkFirst(r)
	case strategy.CacheFirst:
		return w.cacheFirst(r)
	default:
		return w.staleWhileRevalidate(r)
	}
}

func (w *Worker) networkOnly(r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{Detail: string(strategy.NetworkOnly)}
	cs.Forward(rfc9211.FwdReasonBypass)
	res, err := w.fetch(r)
	if err != nil {
		w.networkFailed(r, strategy.NetworkOnly, err)
		w.count(strategy.NetworkOnly, outcomeNetworkError)
		return networkErrorResponse(r), cs, nil
	}
	cs.FwdStatus = res.StatusCode
	w.count(strategy.NetworkOnly, outcomeNetwork)
	return res, cs, nil
}

// networkFirst falls back to the exact cached URL, then to a cached
// navigation document for page loads, then to the network error response.
func (w *Worker) networkFirst(r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{Detail: string(strategy.NetworkFirst)}
	cs.Forward(rfc9211.FwdReasonBypass)
	res, err := w.fetch(r)
	if err == nil {
		cs.FwdStatus = res.StatusCode
		cs.Stored = w.store(r, res, w.config.RuntimeCap)
		w.count(strategy.NetworkFirst, outcomeNetwork)
		return res, cs, nil
	}
	w.networkFailed(r, strategy.NetworkFirst, err)

	if cached, ok := w.match(r, cachekey.ForRequest(r)); ok {
		cs.Hit()
		w.count(strategy.NetworkFirst, outcomeFallback)
		return cached, cs, nil
	}
	if acceptsHTML(r) {
		for _, u := range w.config.NavigationFallbacks {
			key, err := cachekey.ForURL(u)
			if err != nil {
				w.log.Warn().Err(err).Str("url", u).Msg("Invalid navigation fallback")
				continue
			}
			if cached, ok := w.match(r, key); ok {
				cs.Hit()
				w.count(strategy.NetworkFirst, outcomeFallback)
				return cached, cs, nil
			}
		}
	}
	w.count(strategy.NetworkFirst, outcomeNetworkError)
	return networkErrorResponse(r), cs, nil
}

func (w *Worker) cacheFirst(r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{Detail: string(strategy.CacheFirst)}
	key := cachekey.ForRequest(r)
	if cached, ok := w.match(r, key); ok {
		cs.Hit()
		w.count(strategy.CacheFirst, outcomeHit)
		return cached, cs, nil
	}
	cs.Forward(rfc9211.FwdReasonUriMiss)
	res, err := w.fetch(r)
	if err != nil {
		w.networkFailed(r, strategy.CacheFirst, err)
		w.count(strategy.CacheFirst, outcomeNetworkError)
		return nil, cs, fmt.Errorf("fetch %s: %w", key, err)
	}
	cs.FwdStatus = res.StatusCode
	cs.Stored = w.store(r, res, w.config.RuntimeCap)
	w.count(strategy.CacheFirst, outcomeNetwork)
	return res, cs, nil
}

// staleWhileRevalidate always refreshes in the background,
// but only waits for the refresh on a miss.
func (w *Worker) staleWhileRevalidate(r *http.Request) (*http.Response, rfc9211.CacheStatus, error) {
	cs := rfc9211.CacheStatus{Detail: string(strategy.StaleWhileRevalidate)}
	key := cachekey.ForRequest(r)
	cached, ok := w.match(r, key)
	refreshed := w.refresh(r, key)
	if ok {
		cs.Hit()
		w.count(strategy.StaleWhileRevalidate, outcomeHit)
		return cached, cs, nil
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	result := <-refreshed
	if result.err != nil {
		w.count(strategy.StaleWhileRevalidate, outcomeNetworkError)
		return nil, cs, fmt.Errorf("fetch %s: %w", key, result.err)
	}
	sRes, err := serializer.BytesToResponse(result.bytes, r)
	if err != nil {
		return nil, cs, fmt.Errorf("read refreshed %s: %w", key, err)
	}
	cs.FwdStatus = sRes.Response.StatusCode
	cs.Stored = result.stored
	w.count(strategy.StaleWhileRevalidate, outcomeNetwork)
	return sRes.Response, cs, nil
}

type refreshResult struct {
	bytes  []byte
	stored bool
	err    error
}

// refresh fetches the request detached from the client, so that it
// completes even if the client goes away. Concurrent refreshes of the
// same key share one fetch.
func (w *Worker) refresh(r *http.Request, key string) <-chan refreshResult {
	req := r.Clone(context.WithoutCancel(r.Context()))
	out := make(chan refreshResult, 1)
	// Add must not race the Wait in close
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		out <- refreshResult{err: ErrWorkerClosed}
		return out
	}
	w.background.Add(1)
	w.closeMu.Unlock()
	shared := w.refreshes.DoChan(key, func() (interface{}, error) {
		res, err := w.fetch(req)
		if err != nil {
			w.revalidateFailed(req, err)
			return nil, err
		}
		defer res.Body.Close()
		b, err := serializer.ResponseToBytes(res, w.now())
		if err != nil {
			w.revalidateFailed(req, err)
			return nil, err
		}
		stored := false
		if storable(res) && w.put(req.Context(), key, b) {
			w.trimmer.enqueue(w.config.RuntimeName, w.config.RevalidateCap)
			stored = true
		}
		return refreshResult{bytes: b, stored: stored}, nil
	})
	go func() {
		defer w.background.Done()
		res := <-shared
		if res.Err != nil {
			out <- refreshResult{err: res.Err}
			return
		}
		out <- res.Val.(refreshResult)
	}()
	return out
}

func (w *Worker) revalidateFailed(r *http.Request, err error) {
	revalidateFailuresTotal.Inc()
	w.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Background refresh failed")
	if w.onRevalidateError != nil {
		w.onRevalidateError(r, err)
	}
}

func (w *Worker) networkFailed(r *http.Request, s strategy.Strategy, err error) {
	networkErrorsTotal.WithLabelValues(string(s)).Inc()
	w.log.Debug().Err(err).Str("strategy", string(s)).Str("url", r.URL.String()).Msg("Network fetch failed")
}

func (w *Worker) count(s strategy.Strategy, outcome string) {
	requestsTotal.WithLabelValues(string(s), outcome).Inc()
}

func (w *Worker) fetch(r *http.Request) (*http.Response, error) {
	w.log.Trace().Str("url", r.URL.String()).Msg("Fetching from network")
	return fetchWithTimeout(w.fetcher, r, w.fetchTimeout)
}

// match finds the request key in any partition.
// Lookup errors count as a miss.
func (w *Worker) match(r *http.Request, key string) (*http.Response, bool) {
	b, partition, ok, err := cache.Match(r.Context(), w.storage, key)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		w.log.Trace().Str("key", key).Msg("Cache miss")
		return nil, false
	}
	sRes, err := serializer.BytesToResponse(b, r)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Str("partition", partition).Msg("Could not create response")
		return nil, false
	}
	sRes.Response.Header.Set("Age", strconv.Itoa(int(sRes.Age(w.now()).Seconds())))
	w.log.Trace().Str("key", key).Str("partition", partition).Msg("Cache hit")
	return sRes.Response, true
}

// store writes a copy of the network response to the runtime partition and
// schedules a trim to max. The response body stays readable.
// Failures are logged; the caller responds either way.
func (w *Worker) store(r *http.Request, res *http.Response, max int) bool {
	if !storable(res) {
		return false
	}
	b, err := serializer.ResponseToBytes(res, w.now())
	if err != nil {
		cacheWriteFailuresTotal.Inc()
		w.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not serialize response")
		return false
	}
	if !w.put(context.WithoutCancel(r.Context()), cachekey.ForRequest(r), b) {
		return false
	}
	w.trimmer.enqueue(w.config.RuntimeName, max)
	return true
}

// put writes to the runtime partition. A worker that is no longer
// active does not write, so it cannot recreate deleted partitions.
func (w *Worker) put(ctx context.Context, key string, b []byte) bool {
	if w.State() != StateActive {
		return false
	}
	p, err := w.storage.Open(ctx, w.config.RuntimeName)
	if err == nil {
		err = p.Put(ctx, key, b)
	}
	if err != nil {
		cacheWriteFailuresTotal.Inc()
		w.log.Warn().Err(err).Str("key", key).Msg("Could not write to cache")
		return false
	}
	w.log.Trace().Str("key", key).Str("partition", w.config.RuntimeName).Msg("Stored response")
	return true
}

// networkErrorResponse is the response for network failures
// without a cached fallback.
func networkErrorResponse(r *http.Request) *http.Response {
	return &http.Response{
		Status:     "408 Request Timeout",
		StatusCode: http.StatusRequestTimeout,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type": {"text/plain; charset=utf-8"},
		},
		Body:          io.NopCloser(strings.NewReader(networkErrorBody)),
		ContentLength: int64(len(networkErrorBody)),
		Request:       r,
	}
}
