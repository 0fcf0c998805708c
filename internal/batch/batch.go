// Package batch implements a keyed batch loader with an LRU+TTL cache.
//
// A Loader turns many concurrent per-key lookups into as few calls of the
// backing fetch function as possible. Keys that are already being fetched by
// another caller are not fetched twice: the second caller waits on the first
// fetch. Failures stay attached to the keys they belong to, so one bad key
// never fails its siblings.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultMaxBatch bounds the number of keys passed to one fetch call.
	DefaultMaxBatch = 500

	// DefaultFetchTimeout bounds one fetch call.
	DefaultFetchTimeout = 30 * time.Second
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a key the backing store has no value for.
type NotFoundError struct {
	Key any
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("could not find %v", e.Key)
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// LoadError reports a key whose fetch failed.
type LoadError struct {
	Err error
	Key any
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %v: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Result is the outcome for a single key.
type Result[V any] struct {
	Value V
	Err   error
}

// FetchFunc loads values for keys in one round-trip. Keys absent from the
// returned map resolve to a NotFoundError; a returned error fails every key
// of this call with a LoadError.
type FetchFunc[K comparable, V any] func(ctx context.Context, keys []K) (map[K]V, error)

// Options configure a Loader.
type Options struct {
	// Size is the LRU capacity.
	Size int

	// TTL forces a re-fetch of cached values older than this; zero keeps
	// values until evicted.
	TTL time.Duration

	// MaxBatch bounds keys per fetch call, DefaultMaxBatch when zero.
	MaxBatch int

	// FetchTimeout bounds one fetch call, DefaultFetchTimeout when zero.
	// Fetches do not observe the cancellation of the caller that started
	// them, since other callers may be waiting on the same keys.
	FetchTimeout time.Duration
}

// Loader batches and caches lookups of V by K.
type Loader[K comparable, V any] struct {
	fetch    FetchFunc[K, V]
	cache    *expirable.LRU[K, V]
	inflight map[K]*call[V]
	maxBatch int
	timeout  time.Duration
	mu       sync.Mutex
}

type call[V any] struct {
	done chan struct{}
	res  Result[V]
}

// New creates a Loader around fetch.
func New[K comparable, V any](fetch FetchFunc[K, V], opts Options) *Loader[K, V] {
	maxBatch := opts.MaxBatch
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}

	return &Loader[K, V]{
		fetch:    fetch,
		cache:    expirable.NewLRU[K, V](opts.Size, nil, opts.TTL),
		inflight: make(map[K]*call[V]),
		maxBatch: maxBatch,
		timeout:  timeout,
	}
}

// Load resolves a single key.
func (l *Loader[K, V]) Load(ctx context.Context, key K) (V, error) {
	res := l.LoadMany(ctx, []K{key})[key]
	return res.Value, res.Err
}

// LoadMany resolves every key, returning exactly one Result per distinct key.
func (l *Loader[K, V]) LoadMany(ctx context.Context, keys []K) map[K]Result[V] {
	results := make(map[K]Result[V], len(keys))
	waiting := make(map[K]*call[V])
	var (
		missing []K
		owned   []*call[V]
	)

	l.mu.Lock()
	for _, key := range keys {
		if _, seen := results[key]; seen {
			continue
		}
		if _, seen := waiting[key]; seen {
			continue
		}
		if v, ok := l.cache.Get(key); ok {
			results[key] = Result[V]{Value: v}
			continue
		}
		if c, ok := l.inflight[key]; ok {
			waiting[key] = c
			continue
		}

		c := &call[V]{done: make(chan struct{})}
		l.inflight[key] = c
		waiting[key] = c
		missing = append(missing, key)
		owned = append(owned, c)
	}
	l.mu.Unlock()

	for start := 0; start < len(missing); start += l.maxBatch {
		end := min(start+l.maxBatch, len(missing))
		l.run(ctx, missing[start:end], owned[start:end])
	}

	for key, c := range waiting {
		select {
		case <-c.done:
			results[key] = c.res
		case <-ctx.Done():
			results[key] = Result[V]{Err: &LoadError{Key: key, Err: ctx.Err()}}
		}
	}

	return results
}

// run fetches one chunk and settles its calls, also when fetch panics.
// The fetch keeps the values of ctx but not its cancellation.
func (l *Loader[K, V]) run(ctx context.Context, keys []K, calls []*call[V]) {
	var (
		values map[K]V
		err    = errors.New("fetch aborted")
	)

	defer func() {
		l.mu.Lock()
		for i, key := range keys {
			c := calls[i]
			switch v, ok := values[key]; {
			case err != nil:
				c.res = Result[V]{Err: &LoadError{Key: key, Err: err}}
			case ok:
				c.res = Result[V]{Value: v}
				l.cache.Add(key, v)
			default:
				c.res = Result[V]{Err: &NotFoundError{Key: key}}
			}
			delete(l.inflight, key)
			close(c.done)
		}
		l.mu.Unlock()
	}()

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	values, err = l.fetch(fetchCtx, keys)
}

// Prime stores a value without fetching it.
func (l *Loader[K, V]) Prime(key K, value V) {
	l.cache.Add(key, value)
}

// Clear drops a cached key.
func (l *Loader[K, V]) Clear(key K) {
	l.cache.Remove(key)
}

// Purge drops every cached key.
func (l *Loader[K, V]) Purge() {
	l.cache.Purge()
}

// Len returns the number of cached keys.
func (l *Loader[K, V]) Len() int {
	return l.cache.Len()
}

// Values splits results into values in key order and per-key errors.
// Keys without a value are skipped in the returned slice.
func Values[K comparable, V any](keys []K, results map[K]Result[V]) ([]V, map[K]error) {
	values := make([]V, 0, len(keys))
	var errs map[K]error
	for _, key := range keys {
		res, ok := results[key]
		if !ok {
			continue
		}
		if res.Err != nil {
			if errs == nil {
				errs = make(map[K]error)
			}
			errs[key] = res.Err
			continue
		}
		values = append(values, res.Value)
	}

	return values, errs
}
