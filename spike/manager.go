// Package spike deduplicates concurrent lookups of the same external resource and caches the outcome.
// Used for native token prices which every pair of a round asks for at once.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Minute

type Fetcher[T any] func(ctx context.Context, key string) (T, error)

type Options struct {
	// TTL of successful results
	TTL time.Duration
	// ErrorTTL of failed results, zero disables error caching
	ErrorTTL time.Duration
	// FetchTimeout bounds one fetch, it is not tied to any caller context
	FetchTimeout time.Duration
}

type Manager[T any] struct {
	fetch Fetcher[T]
	opts  Options
	cache *gocache.Cache

	mu       sync.Mutex
	inflight map[string]*call[T]
}

type call[T any] struct {
	done chan struct{}
	v    T
	err  error
}

type cachedError struct {
	err error
}

func NewManager[T any](fetch Fetcher[T], opts Options) *Manager[T] {
	if opts.FetchTimeout == 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	return &Manager[T]{
		fetch:    fetch,
		opts:     opts,
		cache:    gocache.New(opts.TTL, defaultCleanupInterval),
		inflight: make(map[string]*call[T]),
	}
}

// GetResult returns the cached value or joins the in-flight fetch for the key, starting one if needed.
// A cancelled caller stops waiting but the fetch keeps running for the other waiters.
func (m *Manager[T]) GetResult(ctx context.Context, key string) (T, error) { //nolint:ireturn
	if v, err, ok := m.cached(key); ok {
		return v, err
	}

	m.mu.Lock()
	if v, err, ok := m.cached(key); ok {
		m.mu.Unlock()
		return v, err
	}
	c, ok := m.inflight[key]
	if !ok {
		c = &call[T]{done: make(chan struct{})}
		m.inflight[key] = c
		go m.run(key, c)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.v, c.err
	}
}

func (m *Manager[T]) run(key string, c *call[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.FetchTimeout)
	defer cancel()

	c.v, c.err = m.fetch(ctx, key)

	m.mu.Lock()
	if c.err == nil {
		m.cache.Set(key, c.v, m.opts.TTL)
	} else if m.opts.ErrorTTL > 0 {
		m.cache.Set(key, cachedError{err: c.err}, m.opts.ErrorTTL)
	}
	delete(m.inflight, key)
	m.mu.Unlock()

	close(c.done)
}

func (m *Manager[T]) cached(key string) (T, error, bool) { //nolint:revive
	var zero T
	v, ok := m.cache.Get(key)
	if !ok {
		return zero, nil, false
	}
	if e, isErr := v.(cachedError); isErr {
		return zero, e.err, true
	}
	//nolint:forcetypeassert
	return v.(T), nil, true
}

// Forget drops the cached result of key
func (m *Manager[T]) Forget(key string) {
	m.cache.Delete(key)
}
