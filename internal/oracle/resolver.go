// Package oracle turns an external price feed into a settlement price.
//
// One feed is configured per asset and exactly one Source is consulted. A
// reading is rejected if it carries a different feed id or is older than the
// staleness threshold; there is no aggregation and no fallback source.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// DefaultStaleness is the maximum accepted age of a reading.
const DefaultStaleness = 120 * time.Second

// Default Pyth feed ids per asset.
const (
	FeedBTCUSD = "e62df6c8b4a85fe1a67db44dc12de5db330f7ac66b72dc658afedf0f4a415b43"
	FeedSOLUSD = "ef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d"
	FeedETHUSD = "ff61491a931112ddf1bd8147cd1b641375f79f5825126d665480874634fd0ace"
)

// DefaultFeeds maps every supported asset to its Pyth USD feed.
func DefaultFeeds() map[domain.Asset]string {
	return map[domain.Asset]string{
		domain.AssetBTC: FeedBTCUSD,
		domain.AssetSOL: FeedSOLUSD,
		domain.AssetETH: FeedETHUSD,
	}
}

// Source returns the latest observation for a feed.
type Source interface {
	Latest(ctx context.Context, feedID string) (domain.PriceObservation, error)
}

// Resolver validates readings from a single Source.
type Resolver struct {
	source    Source
	feeds     map[domain.Asset]string
	staleness time.Duration
	now       func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the wall clock used for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithStaleness overrides DefaultStaleness.
func WithStaleness(d time.Duration) Option {
	return func(r *Resolver) { r.staleness = d }
}

// NewResolver builds a resolver over source. feeds must name a feed for
// every supported asset.
func NewResolver(source Source, feeds map[domain.Asset]string, opts ...Option) (*Resolver, error) {
	if source == nil {
		return nil, fmt.Errorf("%w: oracle source is required", domain.ErrValidation)
	}
	r := &Resolver{
		source:    source,
		feeds:     make(map[domain.Asset]string, len(feeds)),
		staleness: DefaultStaleness,
		now:       time.Now,
	}
	for _, a := range domain.Assets {
		id := NormalizeFeedID(feeds[a])
		if id == "" {
			return nil, fmt.Errorf("%w: no feed configured for %s", domain.ErrValidation, a)
		}
		r.feeds[a] = id
	}
	for _, o := range opts {
		o(r)
	}
	if r.staleness <= 0 {
		return nil, fmt.Errorf("%w: staleness must be positive", domain.ErrValidation)
	}
	return r, nil
}

// FeedID returns the configured feed for asset.
func (r *Resolver) FeedID(asset domain.Asset) (string, error) {
	id, ok := r.feeds[asset]
	if !ok {
		return "", fmt.Errorf("oracle: %w", domain.ErrInvalidAsset)
	}
	return id, nil
}

// Price returns the normalized price of asset. Failures are classified as
// ErrInvalidAsset, ErrInvalidPriceFeed or ErrPriceUnavailable.
func (r *Resolver) Price(ctx context.Context, asset domain.Asset) (decimal.Decimal, domain.PriceObservation, error) {
	feedID, err := r.FeedID(asset)
	if err != nil {
		return decimal.Zero, domain.PriceObservation{}, err
	}

	obs, err := r.source.Latest(ctx, feedID)
	if err != nil {
		if domain.KindOf(err) == domain.KindOracle {
			return decimal.Zero, obs, fmt.Errorf("oracle: %s: %w", asset, err)
		}
		return decimal.Zero, obs, fmt.Errorf("oracle: %s: %w: %v", asset, domain.ErrPriceUnavailable, err)
	}

	if NormalizeFeedID(obs.FeedID) != feedID {
		return decimal.Zero, obs, fmt.Errorf("oracle: %s: got feed %s, want %s: %w",
			asset, obs.FeedID, feedID, domain.ErrInvalidPriceFeed)
	}

	age := r.now().Sub(obs.PublishTime)
	if age > r.staleness {
		return decimal.Zero, obs, fmt.Errorf("oracle: %s: reading is %s old (max %s): %w",
			asset, age.Truncate(time.Second), r.staleness, domain.ErrPriceUnavailable)
	}

	return Normalize(obs), obs, nil
}

// Normalize returns Price × 10^Exponent exactly.
func Normalize(obs domain.PriceObservation) decimal.Decimal {
	return decimal.New(obs.Price, obs.Exponent)
}

// Settle reports whether price settles a market with the given strike as Yes.
func Settle(price decimal.Decimal, strike uint64) domain.Outcome {
	if price.GreaterThanOrEqual(decimal.NewFromBigInt(new(big.Int).SetUint64(strike), 0)) {
		return domain.OutcomeYes
	}
	return domain.OutcomeNo
}

// NormalizeFeedID lowercases id and strips a 0x prefix.
func NormalizeFeedID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.TrimPrefix(id, "0x")
}
