// Package coalesce deduplicates concurrent reads of the same external resource and caches the result for a short time
package coalesce

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Second

type FetchFunc[T any] func(ctx context.Context) (T, error)

type call[T any] struct {
	done chan struct{}
	v    T
	err  error
}

// Group runs at most one fetch per key at a time, other callers wait for its result.
// Successful results are cached for the ttl, errors are never cached.
type Group[T any] struct {
	mu       sync.Mutex
	cache    *gocache.Cache
	ttl      time.Duration
	inflight map[string]*call[T]
}

func NewGroup[T any](ttl time.Duration) *Group[T] {
	cleanup := defaultCleanupInterval
	if ttl > 0 && ttl < cleanup {
		cleanup = ttl
	}
	return &Group[T]{
		cache:    gocache.New(ttl, cleanup),
		ttl:      ttl,
		inflight: make(map[string]*call[T]),
	}
}

// Do returns the cached value of the key or fetches it once for all concurrent callers
func (g *Group[T]) Do(ctx context.Context, key string, fetch FetchFunc[T]) (T, error) { //nolint:ireturn
	g.mu.Lock()
	if v, ok := g.cache.Get(key); ok {
		g.mu.Unlock()
		//nolint:forcetypeassert
		return v.(T), nil
	}
	if c, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		return g.wait(ctx, c)
	}
	c := &call[T]{done: make(chan struct{})}
	g.inflight[key] = c
	g.mu.Unlock()

	go func() {
		// the fetch outlives a cancelled caller so that other waiters still get the result
		c.v, c.err = fetch(context.Background())

		g.mu.Lock()
		if c.err == nil {
			g.cache.Set(key, c.v, g.ttl)
		}
		delete(g.inflight, key)
		g.mu.Unlock()
		close(c.done)
	}()

	return g.wait(ctx, c)
}

func (g *Group[T]) wait(ctx context.Context, c *call[T]) (T, error) { //nolint:ireturn
	select {
	case <-ctx.Done():
		var empty T
		return empty, ctx.Err()
	case <-c.done:
		return c.v, c.err
	}
}

// Forget drops the cached value of the key
func (g *Group[T]) Forget(key string) {
	g.cache.Delete(key)
}

// Flush drops all cached values, in-flight fetches are not affected
func (g *Group[T]) Flush() {
	g.cache.Flush()
}
