package swcache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/always-cache/swcache/cache"
)

// trimmer bounds partitions in the background, so that eviction
// never delays a response.
// Requests for the same partition are coalesced; the smallest cap wins.
type trimmer struct {
	storage cache.Storage
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]int

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newTrimmer(storage cache.Storage, log zerolog.Logger, timeout time.Duration) *trimmer {
	t := &trimmer{
		storage: storage,
		log:     log,
		timeout: timeout,
		pending: make(map[string]int),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

// enqueue schedules a trim of the partition to at most max entries.
// It never blocks.
func (t *trimmer) enqueue(name string, max int) {
	t.mu.Lock()
	if cur, ok := t.pending[name]; !ok || max < cur {
		t.pending[name] = max
	}
	t.mu.Unlock()
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// run is the trim loop. It exits after a final drain once close is called.
func (t *trimmer) run() {
	defer close(t.done)
	for {
		select {
		case <-t.wake:
			t.drain()
		case <-t.stop:
			t.drain()
			return
		}
	}
}

func (t *trimmer) drain() {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[string]int)
	t.mu.Unlock()

	for name, max := range pending {
		ctx := context.Background()
		var cancel context.CancelFunc = func() {}
		if t.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, t.timeout)
		}
		evicted, err := cache.Trim(ctx, t.storage, name, max)
		cancel()
		if err != nil {
			t.log.Warn().Err(err).Str("partition", name).Msg("Could not trim partition")
			continue
		}
		if evicted > 0 {
			t.log.Trace().Str("partition", name).Int("evicted", evicted).Int("max", max).Msg("Trimmed partition")
		}
	}
}

// close runs the pending trims and stops the loop.
func (t *trimmer) close() {
	t.closeOnce.Do(func() {
		close(t.stop)
	})
	<-t.done
}
