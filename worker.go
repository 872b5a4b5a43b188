package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/always-cache/swcache/cache"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"
)

var (
	ErrInstallFailed  = errors.New("install failed")
	ErrUnknownMessage = errors.New("unknown message type")
	ErrWorkerClosed   = errors.New("worker closed")
)

// State is the lifecycle state of a worker version.
type State int32

const (
	StateInstalling State = iota
	StateWaiting
	StateActive
	StateSuperseded
	// Install failed; the version never serves.
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	case StateRedundant:
		return "redundant"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Control message types.
const (
	MessageClearCaches = "CLEAR_CACHES"
	MessageGetVersion  = "GET_VERSION"
)

type Message struct {
	Type string `json:"type"`
}

// Reply is posted back on the message port.
type Reply struct {
	Result  string `json:"result,omitempty"`
	Version string `json:"version,omitempty"`
}

// MessagePort receives the reply to a control message.
type MessagePort interface {
	PostMessage(Reply) error
}

// ChanPort is a MessagePort backed by a channel.
// Use a buffered channel unless someone is already receiving.
type ChanPort chan Reply

func (c ChanPort) PostMessage(r Reply) error {
	c <- r
	return nil
}

// Worker is one version of the caching setup.
// It owns the strategies and the lifecycle of its partitions.
type Worker struct {
	config            CacheConfig
	storage           cache.Storage
	fetcher           Fetcher
	log               zerolog.Logger
	state             atomic.Int32
	fetchTimeout      time.Duration
	onRevalidateError func(*http.Request, error)
	trimmer           *trimmer
	refreshes         singleflight.Group
	background        sync.WaitGroup
	closeMu           sync.Mutex
	closed            bool
	now               func() time.Time
}

// newWorker creates a worker for an already normalized cache config.
func newWorker(cc CacheConfig, config Config, log zerolog.Logger) *Worker {
	log = log.With().Str("version", cc.Version).Logger()
	w := &Worker{
		config:            cc,
		storage:           config.Storage,
		fetcher:           config.Fetcher,
		log:               log,
		fetchTimeout:      config.FetchTimeout,
		onRevalidateError: config.OnRevalidateError,
		trimmer:           newTrimmer(config.Storage, log, config.FetchTimeout),
		now:               time.Now,
	}
	w.setState(StateInstalling)
	return w
}

func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.log.Trace().Stringer("state", s).Msg("Worker state changed")
}

func (w *Worker) Version() string {
	return w.config.Version
}

// Install fetches the precache list and stores it in the precache partition.
// It is all-or-nothing: if any fetch fails or is not successful, nothing is
// stored and the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	log := w.log.With().Str("partition", w.config.PrecacheName).Logger()
	log.Info().Int("urls", len(w.config.PrecacheURLs)).Msg("Installing")

	keys := make([]string, len(w.config.PrecacheURLs))
	entries := make([][]byte, len(w.config.PrecacheURLs))
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range w.config.PrecacheURLs {
		i, u := i, u
		g.Go(func() error {
			key, err := cachekey.ForURL(u)
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u, nil)
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			res, err := fetchWithTimeout(w.fetcher, req, w.fetchTimeout)
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			defer res.Body.Close()
			if res.StatusCode < 200 || res.StatusCode >= 300 {
				return fmt.Errorf("precache %s: status %d", u, res.StatusCode)
			}
			b, err := serializer.ResponseToBytes(res, w.now())
			if err != nil {
				return fmt.Errorf("precache %s: %w", u, err)
			}
			keys[i], entries[i] = key, b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return w.installFailed(err)
	}

	existed, err := w.storage.Has(ctx, w.config.PrecacheName)
	if err != nil {
		return w.installFailed(err)
	}
	p, err := w.storage.Open(ctx, w.config.PrecacheName)
	if err != nil {
		return w.installFailed(err)
	}
	for i, key := range keys {
		if err := p.Put(ctx, key, entries[i]); err != nil {
			// leave no half-filled partition behind
			if !existed {
				if _, derr := w.storage.Delete(context.WithoutCancel(ctx), w.config.PrecacheName); derr != nil {
					log.Warn().Err(derr).Msg("Could not remove partial precache")
				}
			}
			return w.installFailed(fmt.Errorf("store %s: %w", key, err))
		}
	}

	installsTotal.WithLabelValues("installed").Inc()
	log.Info().Msg("Installed")
	w.setState(StateWaiting)
	return nil
}

func (w *Worker) installFailed(err error) error {
	installsTotal.WithLabelValues("failed").Inc()
	w.log.Error().Err(err).Msg("Install failed")
	w.setState(StateRedundant)
	return fmt.Errorf("%w: version %s: %w", ErrInstallFailed, w.config.Version, err)
}

// Activate deletes every partition that does not belong to this version.
func (w *Worker) Activate(ctx context.Context) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	current := []string{w.config.PrecacheName, w.config.RuntimeName}
	for _, name := range names {
		if slices.Contains(current, name) {
			continue
		}
		w.log.Info().Str("partition", name).Msg("Deleting old partition")
		if _, err := w.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete partition %s: %w", name, err)
		}
	}
	w.setState(StateActive)
	return nil
}

// OnMessage handles a control message and posts the reply on port,
// if one is given.
func (w *Worker) OnMessage(ctx context.Context, msg Message, port MessagePort) error {
	var reply Reply
	switch msg.Type {
	case MessageClearCaches:
		if err := w.clearCaches(ctx); err != nil {
			return err
		}
		reply.Result = "Caches cleared"
	case MessageGetVersion:
		reply.Version = w.config.Version
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	if port == nil {
		return nil
	}
	return port.PostMessage(reply)
}

func (w *Worker) clearCaches(ctx context.Context) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		if _, err := w.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete partition %s: %w", name, err)
		}
	}
	w.log.Info().Int("partitions", len(names)).Msg("Cleared all caches")
	return nil
}

// close waits for background refreshes and pending trims.
func (w *Worker) close() {
	w.closeMu.Lock()
	w.closed = true
	w.closeMu.Unlock()
	w.background.Wait()
	w.trimmer.close()
}
