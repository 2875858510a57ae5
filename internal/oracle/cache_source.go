package oracle

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// CacheSource serves observations that a Stream wrote into a PriceCache.
type CacheSource struct {
	cache domain.PriceCache
}

// NewCacheSource wraps cache as a Source.
func NewCacheSource(cache domain.PriceCache) *CacheSource {
	return &CacheSource{cache: cache}
}

// Latest implements Source.
func (c *CacheSource) Latest(ctx context.Context, feedID string) (domain.PriceObservation, error) {
	obs, err := c.cache.GetObservation(ctx, NormalizeFeedID(feedID))
	if err != nil {
		return obs, fmt.Errorf("oracle/cache: %s: %w: %v", feedID, domain.ErrPriceUnavailable, err)
	}
	return obs, nil
}

var _ Source = (*CacheSource)(nil)
