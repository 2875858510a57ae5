// Package memory provides single-process stand-ins for the Redis-backed
// price cache, signal bus and lock manager, used when no Redis address is
// configured.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// PriceCache keeps the latest observation per feed.
type PriceCache struct {
	mu  sync.RWMutex
	obs map[string]domain.PriceObservation
}

func NewPriceCache() *PriceCache {
	return &PriceCache{obs: make(map[string]domain.PriceObservation)}
}

func (c *PriceCache) SetObservation(_ context.Context, o domain.PriceObservation) error {
	c.mu.Lock()
	c.obs[o.FeedID] = o
	c.mu.Unlock()
	return nil
}

func (c *PriceCache) GetObservation(_ context.Context, feedID string) (domain.PriceObservation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.obs[feedID]
	if !ok {
		return domain.PriceObservation{}, domain.ErrNotFound
	}
	return o, nil
}

// SignalBus fans published payloads out to in-process subscribers and keeps a
// bounded per-stream log.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string]map[chan []byte]struct{}
	streams map[string][]domain.StreamMessage
	seq     uint64
	maxLen  int
}

func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[string]map[chan []byte]struct{}),
		streams: make(map[string][]domain.StreamMessage),
		maxLen:  10000,
	}
}

// Publish never blocks; a subscriber whose buffer is full misses the payload.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[chan []byte]struct{})
	}
	b.subs[channel][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[channel], ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch, nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msgs := append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.seq, 10),
		Payload: append([]byte(nil), payload...),
	})
	if len(msgs) > b.maxLen {
		msgs = msgs[len(msgs)-b.maxLen:]
	}
	b.streams[stream] = msgs
	return nil
}

// StreamRead returns up to count entries with an ID greater than lastID.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	after, _ := strconv.ParseUint(lastID, 10, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		id, _ := strconv.ParseUint(m.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

// LockManager holds expiring keys in a map.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]lease
	now   func() time.Time
	token uint64
}

type lease struct {
	token   uint64
	expires time.Time
}

func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]lease), now: time.Now}
}

func (m *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.held[key]; ok && now.Before(l.expires) {
		return nil, domain.ErrLockHeld
	}
	m.token++
	tok := m.token
	m.held[key] = lease{token: tok, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if l, ok := m.held[key]; ok && l.token == tok {
				delete(m.held, key)
			}
		})
	}, nil
}

var (
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
	_ domain.LockManager = (*LockManager)(nil)
)
