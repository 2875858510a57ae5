package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/service"
)

const keeperLockKey = "keeper:leader"

// MarketResolver is the part of service.MarketService the keeper drives.
type MarketResolver interface {
	DueForResolution(ctx context.Context) ([]domain.Market, error)
	ResolveMarket(ctx context.Context, marketID, caller domain.Identity) (service.ResolveResult, error)
}

// Keeper resolves expired markets on a fixed interval. When a LockManager is
// set only one keeper per deployment works a given tick.
type Keeper struct {
	markets  MarketResolver
	locks    domain.LockManager
	operator domain.Identity
	interval time.Duration
	logger   *slog.Logger
}

// NewKeeper creates a Keeper that submits resolutions as operator. locks may
// be nil for a single-instance deployment.
func NewKeeper(markets MarketResolver, locks domain.LockManager, operator domain.Identity, interval time.Duration, logger *slog.Logger) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Keeper{
		markets:  markets,
		locks:    locks,
		operator: operator,
		interval: interval,
		logger:   logger.With(slog.String("component", "keeper")),
	}
}

// TickResult summarises one keeper pass.
type TickResult struct {
	Due      int
	Resolved int
	Failed   int
	Skipped  bool // another instance held the leader lock
}

// Tick resolves every market currently due. Oracle failures leave the market
// open for the next pass and are counted, not returned.
func (k *Keeper) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult
	if k.locks != nil {
		release, err := k.locks.Acquire(ctx, keeperLockKey, k.interval)
		if errors.Is(err, domain.ErrLockHeld) {
			res.Skipped = true
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("keeper: leader lock: %w", err)
		}
		defer release()
	}

	due, err := k.markets.DueForResolution(ctx)
	if err != nil {
		return res, fmt.Errorf("keeper: list due markets: %w", err)
	}
	res.Due = len(due)

	for _, m := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		out, err := k.markets.ResolveMarket(ctx, m.ID, k.operator)
		switch {
		case err == nil:
			res.Resolved++
			k.logger.InfoContext(ctx, "market resolved",
				slog.String("market", m.ID.String()),
				slog.String("outcome", out.Market.Outcome.String()),
				slog.String("price", out.Price.String()),
			)
		case errors.Is(err, domain.ErrMarketAlreadyResolved):
			// Resolved by someone else since the listing.
		default:
			res.Failed++
			k.logger.WarnContext(ctx, "resolve failed",
				slog.String("market", m.ID.String()),
				slog.String("asset", m.Asset.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return res, nil
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context) error {
	k.logger.InfoContext(ctx, "keeper started",
		slog.Duration("interval", k.interval),
		slog.String("operator", k.operator.String()),
	)
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		if res, err := k.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.ErrorContext(ctx, "keeper tick failed", slog.String("error", err.Error()))
		} else if res.Due > 0 {
			k.logger.InfoContext(ctx, "keeper tick",
				slog.Int("due", res.Due),
				slog.Int("resolved", res.Resolved),
				slog.Int("failed", res.Failed),
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
