// Package catalog resolves products for order assembly through a
// cache-aside layer in front of the repository.
package catalog

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"dairyplant/backend/internal/cache"
	"dairyplant/backend/internal/domain"
	"dairyplant/backend/internal/store"
)

type ProductSource interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
}

type Catalog struct {
	source   ProductSource
	cache    cache.ProductCache
	cacheTTL time.Duration
	group    singleflight.Group

	// gens counts invalidations per key so a read that started before an
	// Invalidate never repopulates the cache.
	mu   sync.Mutex
	gens map[string]uint64
}

func New(source ProductSource, cacheStore cache.ProductCache, cacheTTL time.Duration) *Catalog {
	if cacheStore == nil {
		cacheStore = cache.NoopProductCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}

	return &Catalog{
		source:   source,
		cache:    cacheStore,
		cacheTTL: cacheTTL,
		gens:     make(map[string]uint64),
	}
}

func cacheKey(id string) string {
	return "catalog:product:" + id
}

// Product returns the product with id, reading through the cache. Concurrent
// misses for the same id share one repository read.
func (c *Catalog) Product(ctx context.Context, id string) (domain.Product, error) {
	key := cacheKey(id)
	if cached, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		return *cached, nil
	} else if err != nil {
		log.Printf("[catalog] WARN: cache read failed key=%s: %v", key, err)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// The read is shared, so one caller going away must not fail the rest.
		readCtx := context.WithoutCancel(ctx)
		gen := c.generation(key)
		product, err := c.source.GetProduct(readCtx, id)
		if err != nil {
			return domain.Product{}, err
		}
		c.store(readCtx, key, gen, product)
		return *product, nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return v.(domain.Product), nil
}

// Products resolves every id; ids that do not exist are left out of the map.
func (c *Catalog) Products(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		product, err := c.Product(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = product
	}
	return out, nil
}

func (c *Catalog) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[key]
}

// store caches product unless key was invalidated after gen was taken.
func (c *Catalog) store(ctx context.Context, key string, gen uint64, product *domain.Product) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != gen {
		return
	}
	if err := c.cache.Set(ctx, key, product, c.cacheTTL); err != nil {
		log.Printf("[catalog] WARN: cache write failed key=%s: %v", key, err)
	}
}

func (c *Catalog) Invalidate(ctx context.Context, id string) {
	key := cacheKey(id)
	c.mu.Lock()
	c.gens[key]++
	c.mu.Unlock()

	c.group.Forget(key)
	if err := c.cache.Delete(ctx, key); err != nil {
		log.Printf("[catalog] WARN: cache invalidate failed id=%s: %v", id, err)
	}
}
