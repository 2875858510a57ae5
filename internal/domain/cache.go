package domain

import (
	"context"
	"time"
)

// PriceObservation is one oracle reading. The real price is
// Price × 10^Exponent.
type PriceObservation struct {
	FeedID      string
	Price       int64
	Confidence  uint64
	Exponent    int32
	PublishTime time.Time
}

// PriceCache stores the latest observation per feed.
type PriceCache interface {
	SetObservation(ctx context.Context, obs PriceObservation) error
	GetObservation(ctx context.Context, feedID string) (PriceObservation, error)
}

// MarketCache provides fast market record lookups.
type MarketCache interface {
	Set(ctx context.Context, market Market) error
	Get(ctx context.Context, id Identity) (Market, error)
	Invalidate(ctx context.Context, id Identity) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
