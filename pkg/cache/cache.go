package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/openunify/openunify/pkg/telemetry"
)

// Backend is a distributed cache tier shared between engine instances.
type Backend interface {
	// Get returns the value and its remaining lifetime. A miss is not an
	// error.
	Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Loader produces the value for a key on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// Options configures a Cache.
type Options struct {
	// LocalSize bounds the number of entries in the local tier.
	LocalSize int

	// LocalTTL caps how long an entry lives in the local tier. Zero means the
	// caller's ttl.
	LocalTTL time.Duration

	// LoadTimeout bounds a single loader invocation.
	LoadTimeout time.Duration

	// Remote is the distributed tier; nil runs local-only.
	Remote Backend

	// Now overrides the clock, for tests.
	Now func() time.Time

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
}

// Cache is a read-through, two-tier cache with single-flight population.
//
// Reads check the local tier, then the remote tier, then run the loader. At
// most one loader runs per key at a time; concurrent callers for the same key
// wait for it and share its result. Invalidate removes a key from both tiers
// and prevents a load that started before it from being stored.
//
// Returned byte slices are shared between callers and must not be modified.
type Cache struct {
	local       *Local
	remote      Backend
	localTTL    time.Duration
	loadTimeout time.Duration
	flight      Flight

	mu   sync.Mutex
	gens map[string]uint64

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// New creates a cache.
func New(opts Options) (*Cache, error) {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNopLogger()
	}

	local, err := NewLocal(opts.LocalSize, opts.Now)
	if err != nil {
		return nil, err
	}

	return &Cache{
		local:       local,
		remote:      opts.Remote,
		localTTL:    opts.LocalTTL,
		loadTimeout: opts.LoadTimeout,
		gens:        make(map[string]uint64),
		logger:      opts.Logger.NewComponentLogger("cache"),
		metrics:     opts.Metrics,
	}, nil
}

// GetOrPopulate returns the cached value for key, running load to populate
// it on a miss. Loader errors are returned to every waiting caller and
// nothing is cached.
func (c *Cache) GetOrPopulate(ctx context.Context, key string, ttl time.Duration, load Loader) ([]byte, error) {
	if v, _, ok := c.local.Get(key); ok {
		c.metrics.RecordCacheLookup("local", true)
		return v, nil
	}
	c.metrics.RecordCacheLookup("local", false)

	v, _, err := c.flight.Do(ctx, key, func() (interface{}, error) {
		return c.populate(ctx, key, ttl, load)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (c *Cache) populate(ctx context.Context, key string, ttl time.Duration, load Loader) ([]byte, error) {
	// The entry may have landed while this call waited to start.
	if v, _, ok := c.local.Get(key); ok {
		return v, nil
	}

	// The load must not die with the first caller's context: other callers
	// may be waiting on it.
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
	defer cancel()

	// Both the remote read and the load are discarded from the local tier
	// when key is invalidated after this point.
	gen := c.generation(key)

	if c.remote != nil {
		v, remaining, ok, err := c.remote.Get(loadCtx, key)
		if err != nil {
			c.logger.WithCacheKey(key).WithError(err).Warn("remote cache read failed")
		}
		c.metrics.RecordCacheLookup("remote", ok)
		if ok {
			if c.generation(key) == gen {
				c.local.Set(key, v, c.capLocal(remaining))
			}
			return v, nil
		}
	}

	timer := telemetry.NewTimer()
	v, err := load(loadCtx)
	c.metrics.RecordCacheLoad(err, timer.Duration())
	if err != nil {
		return nil, err
	}

	if c.generation(key) != gen {
		c.logger.WithCacheKey(key).Debug("key invalidated during load, result not stored")
		return v, nil
	}

	if c.remote != nil {
		if err := c.remote.Set(loadCtx, key, v, ttl); err != nil {
			c.logger.WithCacheKey(key).WithError(err).Warn("remote cache write failed")
		}
	}
	c.local.Set(key, v, c.capLocal(ttl))

	return v, nil
}

// Get returns the cached value without populating. A miss is not an error.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, _, ok := c.local.Get(key); ok {
		return v, true, nil
	}
	if c.remote == nil {
		return nil, false, nil
	}
	gen := c.generation(key)
	v, remaining, ok, err := c.remote.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if c.generation(key) == gen {
		c.local.Set(key, v, c.capLocal(remaining))
	}
	return v, true, nil
}

// Invalidate removes key from both tiers. A load for key already in flight
// still answers its waiters but is not stored.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	c.gens[key]++
	c.mu.Unlock()

	c.flight.Forget(key)
	c.local.Delete(key)

	if c.remote != nil {
		if err := c.remote.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to invalidate %s: %w", key, err)
		}
	}
	return nil
}

// Close releases the remote tier.
func (c *Cache) Close() error {
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

func (c *Cache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

func (c *Cache) capLocal(ttl time.Duration) time.Duration {
	if c.localTTL > 0 && ttl > c.localTTL {
		return c.localTTL
	}
	return ttl
}

// GetOrPopulateJSON is GetOrPopulate for values stored as JSON. Each caller
// receives its own decoded copy.
func GetOrPopulateJSON[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, load func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	data, err := c.GetOrPopulate(ctx, key, ttl, func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, err
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return zero, fmt.Errorf("failed to decode cached value for %s: %w", key, err)
	}
	return out, nil
}
