package swcache

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/always-cache/swcache/cache"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
)

// ControlPrefix is the path prefix of the control endpoints.
const ControlPrefix = "/.swcache"

// ControlRouter returns the control endpoints:
//
//	POST /.swcache/message           control message, e.g. {"type":"CLEAR_CACHES"}
//	GET  /.swcache/partitions        partition names and sizes
//	GET  /.swcache/partitions/{name} cached URLs, oldest first
//	GET  /.swcache/metrics           Prometheus metrics
//
// Anything else is a 404. The router is meant for a trusted listener;
// the cache itself is served by ServeHTTP, which never reaches these routes.
func (a *ServiceCache) ControlRouter() chi.Router {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", a.handleMessage)
		r.Get("/partitions", a.listPartitions)
		r.Get("/partitions/{name}", a.listEntries)
		r.Handle("/metrics", promhttp.Handler())
	})
	return r
}

// httpPort posts the reply as the JSON response body.
type httpPort struct {
	w http.ResponseWriter
}

func (p httpPort) PostMessage(reply Reply) error {
	return writeJSON(p.w, http.StatusOK, reply)
}

func (a *ServiceCache) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}
	err := a.Message(r.Context(), msg, httpPort{w})
	switch {
	case err == nil:
	case errors.Is(err, ErrUnknownMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNoActiveWorker):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		a.log.Error().Err(err).Str("type", msg.Type).Msg("Could not handle message")
		http.Error(w, "Could not handle message", http.StatusInternalServerError)
	}
}

type partitionInfo struct {
	Name    string   `json:"name"`
	Entries int      `json:"entries"`
	URLs    []string `json:"urls,omitempty"`
}

func (a *ServiceCache) listPartitions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := a.config.Storage.Names(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("Could not list partitions")
		http.Error(w, "Could not list partitions", http.StatusInternalServerError)
		return
	}
	partitions := make([]partitionInfo, 0, len(names))
	for _, name := range names {
		p, err := a.config.Storage.Get(ctx, name)
		if errors.Is(err, cache.ErrNotFound) {
			continue
		}
		if err != nil {
			a.log.Error().Err(err).Str("partition", name).Msg("Could not open partition")
			http.Error(w, "Could not list partitions", http.StatusInternalServerError)
			return
		}
		n, err := p.Len(ctx)
		if err != nil {
			a.log.Error().Err(err).Str("partition", name).Msg("Could not count entries")
			http.Error(w, "Could not list partitions", http.StatusInternalServerError)
			return
		}
		partitions = append(partitions, partitionInfo{Name: name, Entries: n})
	}
	writeJSON(w, http.StatusOK, partitions)
}

func (a *ServiceCache) listEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "name")
	p, err := a.config.Storage.Get(ctx, name)
	if errors.Is(err, cache.ErrNotFound) {
		http.Error(w, "Partition not found", http.StatusNotFound)
		return
	}
	if err != nil {
		a.log.Error().Err(err).Str("partition", name).Msg("Could not open partition")
		http.Error(w, "Could not list entries", http.StatusInternalServerError)
		return
	}
	keys, err := p.Keys(ctx)
	if err != nil {
		a.log.Error().Err(err).Str("partition", name).Msg("Could not list keys")
		http.Error(w, "Could not list entries", http.StatusInternalServerError)
		return
	}
	info := partitionInfo{Name: name, Entries: len(keys), URLs: make([]string, 0, len(keys))}
	for _, key := range keys {
		req, err := cachekey.RequestFromKey(key)
		if err != nil {
			a.log.Warn().Err(err).Str("partition", name).Msg("Skipping malformed key")
			continue
		}
		info.URLs = append(info.URLs, req.URL.RequestURI())
	}
	writeJSON(w, http.StatusOK, info)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
