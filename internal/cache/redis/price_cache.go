package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// priceTTL bounds how long an observation survives without a refresh. It is
// well above the oracle staleness threshold so the resolver, not Redis, decides
// when a reading is too old.
const priceTTL = 15 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes.
//
// Key schema:
//
//	oracle:price:{feedID} - hash with fields price, conf, expo, publish_time
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(feedID string) string {
	return "oracle:price:" + feedID
}

// SetObservation stores the latest reading for a feed.
func (pc *PriceCache) SetObservation(ctx context.Context, obs domain.PriceObservation) error {
	key := priceKey(obs.FeedID)
	fields := map[string]interface{}{
		"price":        strconv.FormatInt(obs.Price, 10),
		"conf":         strconv.FormatUint(obs.Confidence, 10),
		"expo":         strconv.FormatInt(int64(obs.Exponent), 10),
		"publish_time": strconv.FormatInt(obs.PublishTime.Unix(), 10),
	}

	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", obs.FeedID, err)
	}
	return nil
}

// GetObservation returns the latest reading for a feed, or domain.ErrNotFound
// when none has been stored.
func (pc *PriceCache) GetObservation(ctx context.Context, feedID string) (domain.PriceObservation, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(feedID)).Result()
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: get price %s: %w", feedID, err)
	}
	if len(vals) == 0 {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	return parseObservation(feedID, vals)
}

func parseObservation(feedID string, vals map[string]string) (domain.PriceObservation, error) {
	price, err := strconv.ParseInt(vals["price"], 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: parse price %s: %w", feedID, err)
	}
	conf, err := strconv.ParseUint(vals["conf"], 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: parse conf %s: %w", feedID, err)
	}
	expo, err := strconv.ParseInt(vals["expo"], 10, 32)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: parse expo %s: %w", feedID, err)
	}
	ts, err := strconv.ParseInt(vals["publish_time"], 10, 64)
	if err != nil {
		return domain.PriceObservation{}, fmt.Errorf("redis: parse publish_time %s: %w", feedID, err)
	}
	return domain.PriceObservation{
		FeedID:      feedID,
		Price:       price,
		Confidence:  conf,
		Exponent:    int32(expo),
		PublishTime: time.Unix(ts, 0).UTC(),
	}, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
