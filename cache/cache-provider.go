// Package cache implements named cache partitions for stored HTTP responses.
//
// A Storage holds any number of partitions, each a key -> bytes store that
// remembers the order keys were inserted in. That order is the eviction
// order used by Trim: reads never reorder entries, so eviction is FIFO
// rather than LRU.
//
// Implementations must be thread-safe!
package cache

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a partition does not exist.
var ErrNotFound = errors.New("partition not found")

// Storage is the set of named partitions, comparable to the browser
// CacheStorage object.
type Storage interface {
	// Open returns the partition with the given name,
	// creating it if it does not exist.
	Open(ctx context.Context, name string) (Partition, error)
	// Get returns an existing partition, or ErrNotFound.
	// Unlike Open it never creates anything, so reads use Get.
	Get(ctx context.Context, name string) (Partition, error)
	// Has reports whether a partition with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the partition and all of its entries.
	// It returns false if there was no such partition.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all partitions in creation order.
	Names(ctx context.Context) ([]string, error)
}

// Partition is a single named key -> bytes store.
type Partition interface {
	Name() string
	// Match returns the stored value for key, if any.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key. Replacing an existing key moves it
	// to the newest position in the insertion order.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key, returning false if it was not present.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys, oldest insertion first.
	Keys(ctx context.Context) ([]string, error)
	// Len returns the number of stored keys.
	Len(ctx context.Context) (int, error)
}

// Match looks up key in every partition in creation order
// and returns the first value found together with the partition name.
func Match(ctx context.Context, s Storage, key string) ([]byte, string, bool, error) {
	names, err := s.Names(ctx)
	if err != nil {
		return nil, "", false, fmt.Errorf("list partitions: %w", err)
	}
	for _, name := range names {
		p, err := s.Get(ctx, name)
		if errors.Is(err, ErrNotFound) {
			// deleted since listing
			continue
		}
		if err != nil {
			return nil, "", false, fmt.Errorf("get partition %s: %w", name, err)
		}
		value, ok, err := p.Match(ctx, key)
		if err != nil {
			return nil, "", false, fmt.Errorf("match in partition %s: %w", name, err)
		}
		if ok {
			return value, name, true, nil
		}
	}
	return nil, "", false, nil
}

// Trim evicts the oldest inserted keys of the named partition until it holds
// at most max entries. It returns the number of evicted keys.
//
// Trimming is not atomic. Concurrent writers may push the partition above
// max for a moment, so the key list is re-read until the bound holds.
// A partition that does not exist is left alone.
func Trim(ctx context.Context, s Storage, name string, max int) (int, error) {
	if max < 0 {
		return 0, fmt.Errorf("invalid max entries %d", max)
	}
	p, err := s.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get partition %s: %w", name, err)
	}
	evicted := 0
	for {
		if err := ctx.Err(); err != nil {
			return evicted, err
		}
		keys, err := p.Keys(ctx)
		if err != nil {
			return evicted, fmt.Errorf("list keys of %s: %w", name, err)
		}
		if len(keys) <= max {
			return evicted, nil
		}
		for _, key := range keys[:len(keys)-max] {
			deleted, err := p.Delete(ctx, key)
			if err != nil {
				return evicted, fmt.Errorf("evict %s from %s: %w", key, name, err)
			}
			if deleted {
				evicted++
				Evictions.WithLabelValues(name).Inc()
			}
		}
	}
}
