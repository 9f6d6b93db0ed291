package imagery

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
	"github.com/couchcryptid/crop-pest-detector/internal/observability"
)

// CachedBackend wraps an ImageryBackend with an LRU cache of yearly
// composites. Historical composites do not change, so repeated requests for
// the same field reuse them. Every other call passes through.
type CachedBackend struct {
	domain.ImageryBackend
	cache   *lru.Cache[string, domain.Image]
	metrics *observability.Metrics
}

// NewCachedBackend creates a cache decorator holding up to maxEntries composites.
func NewCachedBackend(inner domain.ImageryBackend, maxEntries int, metrics *observability.Metrics) (*CachedBackend, error) {
	cache, err := lru.New[string, domain.Image](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create composite cache: %w", err)
	}
	return &CachedBackend{ImageryBackend: inner, cache: cache, metrics: metrics}, nil
}

func (c *CachedBackend) YearlyMedianComposite(ctx context.Context, region domain.Region, year int, window domain.SeasonWindow) (*domain.Image, error) {
	key := fmt.Sprintf("%s|%d|%s", region.Key(), year, window)
	if img, ok := c.cache.Get(key); ok {
		c.metrics.CompositeCache.WithLabelValues("hit").Inc()
		return &img, nil
	}
	c.metrics.CompositeCache.WithLabelValues("miss").Inc()

	img, err := c.ImageryBackend.YearlyMedianComposite(ctx, region, year, window)
	if err != nil || img == nil {
		return img, err
	}
	// The current year may still gain scenes; only settled years are cached.
	if year < domain.Now().Year() {
		c.cache.Add(key, *img)
	}
	return img, nil
}

// Len reports the number of cached composites.
func (c *CachedBackend) Len() int { return c.cache.Len() }
