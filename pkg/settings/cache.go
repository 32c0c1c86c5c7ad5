package settings

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const cacheName = "settings"

// Observer counts cache lookups. Satisfied by *observability.Metrics.
type Observer interface {
	RecordCache(cache, layer string)
}

// CacheConfig sizes the in-process level and paces generation checks
type CacheConfig struct {
	L1Size int
	L1TTL  time.Duration
	// GenerationCheck is how often the shared generation counter is read.
	// Zero checks on every lookup.
	GenerationCheck time.Duration
}

// DefaultCacheConfig returns the production cache sizing
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{L1Size: 256, L1TTL: time.Minute, GenerationCheck: 5 * time.Second}
}

// Cache is a read-through cache over the settings store: an in-process
// LRU, then Redis, then the database. Concurrent misses for one key share
// a single database read. Writes go to the database and invalidate both
// levels; other instances drop their LRU once they see the generation move.
type Cache struct {
	store    *Store
	l1       *lru.LRU[string, *Setting]
	l2       *RedisLayer
	group    singleflight.Group
	observer Observer
	logger   *logrus.Logger
	cfg      CacheConfig

	mu         sync.Mutex
	generation int64
	checkedAt  time.Time
	now        func() time.Time
}

// NewCache creates a cache. l2 and observer may be nil.
func NewCache(store *Store, l2 *RedisLayer, observer Observer, logger *logrus.Logger, cfg CacheConfig) *Cache {
	if cfg.L1Size <= 0 {
		cfg.L1Size = DefaultCacheConfig().L1Size
	}
	return &Cache{
		store:    store,
		l1:       lru.NewLRU[string, *Setting](cfg.L1Size, nil, cfg.L1TTL),
		l2:       l2,
		observer: observer,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (c *Cache) record(layer string) {
	if c.observer != nil {
		c.observer.RecordCache(cacheName, layer)
	}
}

// syncGeneration purges the LRU when another instance wrote a setting
func (c *Cache) syncGeneration(ctx context.Context) {
	if c.l2 == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.cfg.GenerationCheck > 0 && now.Sub(c.checkedAt) < c.cfg.GenerationCheck {
		return
	}
	c.checkedAt = now
	gen, err := c.l2.Generation(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("failed to read settings generation")
		return
	}
	if gen != c.generation {
		c.l1.Purge()
		c.generation = gen
	}
}

// Get returns the setting for key
func (c *Cache) Get(ctx context.Context, key string) (*Setting, error) {
	c.syncGeneration(ctx)
	if s, ok := c.l1.Get(key); ok {
		c.record("l1")
		return s, nil
	}
	if c.l2 != nil {
		s, err := c.l2.Get(ctx, key)
		if err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("settings redis lookup failed")
		}
		if s != nil {
			c.record("l2")
			c.l1.Add(key, s)
			return s, nil
		}
	}

	c.record("")
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		s, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if c.l2 != nil {
			if err := c.l2.Set(ctx, s); err != nil {
				c.logger.WithError(err).WithField("key", key).Warn("failed to fill settings redis")
			}
		}
		c.l1.Add(key, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Setting), nil
}

// Set writes s through to the database and invalidates both levels
func (c *Cache) Set(ctx context.Context, s *Setting, expected int64) error {
	if err := c.store.Put(ctx, s, expected); err != nil {
		return err
	}
	c.l1.Remove(s.Key)
	if c.l2 != nil {
		if err := c.l2.Invalidate(ctx, s.Key); err != nil {
			c.logger.WithError(err).WithField("key", s.Key).Error("failed to invalidate settings redis")
		}
	}
	return nil
}

// List reads the settings straight from the database
func (c *Cache) List(ctx context.Context, category string) ([]*Setting, error) {
	return c.store.List(ctx, category)
}

// Int returns key as an integer, or def when it is missing or malformed
func (c *Cache) Int(ctx context.Context, key string, def int) int {
	s, err := c.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.WithError(err).WithField("key", key).Warn("failed to read setting")
		}
		return def
	}
	n, err := strconv.Atoi(s.Value)
	if err != nil {
		c.logger.WithField("key", key).Warnf("setting is not an integer: %q", s.Value)
		return def
	}
	return n
}

// Bool returns key as a boolean, or def when it is missing or malformed
func (c *Cache) Bool(ctx context.Context, key string, def bool) bool {
	s, err := c.Get(ctx, key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(s.Value)
	if err != nil {
		return def
	}
	return b
}

// Duration reads an integer setting in the given unit
func (c *Cache) Duration(ctx context.Context, key string, unit time.Duration, def time.Duration) time.Duration {
	n := c.Int(ctx, key, -1)
	if n <= 0 {
		return def
	}
	return time.Duration(n) * unit
}
