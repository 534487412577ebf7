// Package cache is a small in-process read-through cache. It exists to keep
// hot lookups (organizations, memberships) off the store during reconnect
// storms: concurrent loads for one key collapse into a single flight, and
// recently expired entries are served stale while one refresh runs behind
// the scenes.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Options tunes one Cache.
type Options struct {
	// TTL is how long a loaded value counts as fresh.
	TTL time.Duration
	// StaleWhileRevalidate extends a value's life past TTL; within the
	// window the stale value is returned and a background refresh runs.
	StaleWhileRevalidate time.Duration
	// NegativeTTL caches "not found" results. Zero disables negative
	// caching entirely.
	NegativeTTL time.Duration
	// MaxEntries bounds the table; zero means unbounded.
	MaxEntries int
}

// Loader fetches the value for key. ok=false with a nil error means the key
// genuinely does not exist; that absence is cached under NegativeTTL.
type Loader func(ctx context.Context, key string) (interface{}, bool, error)

type slot struct {
	value    interface{}
	err      error
	missing  bool
	freshFor time.Time
	staleFor time.Time
	touched  time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	opts Options

	mu    sync.RWMutex
	slots map[string]*slot

	flight singleflight.Group
}

func New(opts Options) *Cache {
	return &Cache{
		opts:  opts,
		slots: make(map[string]*slot),
	}
}

type loaded struct {
	value interface{}
	ok    bool
	err   error
}

// Get returns the cached value for key, loading it when absent or expired.
// A stale-but-serveable entry is returned immediately while one goroutine
// refreshes it; the refresh deliberately outlives the caller's context.
func (c *Cache) Get(ctx context.Context, key string, load Loader) (interface{}, bool, error) {
	now := time.Now()

	c.mu.RLock()
	s, have := c.slots[key]
	if have {
		s.touched = now
	}
	c.mu.RUnlock()

	if have {
		switch {
		case now.Before(s.freshFor):
			if s.missing {
				return nil, false, s.err
			}
			return s.value, true, nil
		case now.Before(s.staleFor):
			bg := context.WithoutCancel(ctx)
			go c.flight.Do("refresh\x00"+key, func() (interface{}, error) {
				v, ok, err := load(bg, key)
				c.put(key, v, ok, err)
				return nil, nil
			})
			if s.missing {
				return nil, false, s.err
			}
			return s.value, true, nil
		default:
			c.Delete(key)
		}
	}

	res, _, _ := c.flight.Do(key, func() (interface{}, error) {
		v, ok, err := load(ctx, key)
		c.put(key, v, ok, err)
		return loaded{value: v, ok: ok, err: err}, nil
	})
	l := res.(loaded)
	if !l.ok {
		return nil, false, l.err
	}
	return l.value, true, nil
}

// Delete drops one key, forcing the next Get to load.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.slots, key)
	c.mu.Unlock()
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.slots)
}

func (c *Cache) put(key string, value interface{}, ok bool, err error) {
	now := time.Now()
	s := &slot{touched: now}
	switch {
	case ok:
		s.value = value
		s.freshFor = now.Add(c.opts.TTL)
		s.staleFor = s.freshFor.Add(c.opts.StaleWhileRevalidate)
	case c.opts.NegativeTTL > 0:
		s.missing = true
		s.err = err
		s.freshFor = now.Add(c.opts.NegativeTTL)
		s.staleFor = s.freshFor
	default:
		return
	}

	c.mu.Lock()
	c.slots[key] = s
	if c.opts.MaxEntries > 0 && len(c.slots) > c.opts.MaxEntries {
		c.evictColdest(len(c.slots) - c.opts.MaxEntries)
	}
	c.mu.Unlock()
}

// evictColdest drops the n least recently touched entries. Called with the
// write lock held.
func (c *Cache) evictColdest(n int) {
	for ; n > 0; n-- {
		var victim string
		var oldest time.Time
		for k, s := range c.slots {
			if victim == "" || s.touched.Before(oldest) {
				victim = k
				oldest = s.touched
			}
		}
		if victim == "" {
			return
		}
		delete(c.slots, victim)
	}
}
