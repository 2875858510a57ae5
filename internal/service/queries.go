package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// MarketView is a market with its custody and mint supplies.
type MarketView struct {
	Market  domain.Market
	Custody domain.Custody
	YesMint domain.Mint
	NoMint  domain.Mint
}

// GetMarket returns a market, checking the cache before the ledger. A market
// only changes state once it has expired, so a cached entry is served only
// while it is resolved or still before expiry.
func (s *MarketService) GetMarket(ctx context.Context, id domain.Identity) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil && (m.Resolved || s.now().Unix() < m.Expiry) {
			return m, nil
		}
	}
	m, err := s.ledger.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market_service: get market %s: %w", id, err)
	}
	s.cacheSet(ctx, m)
	return m, nil
}

// ListMarkets returns markets matching f.
func (s *MarketService) ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	markets, err := s.ledger.ListMarkets(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("market_service: list markets: %w", err)
	}
	return markets, nil
}

// MarketView loads a market with its custody and both mints. Reads go to the
// ledger so the snapshot reflects committed state.
func (s *MarketService) MarketView(ctx context.Context, id domain.Identity) (MarketView, error) {
	m, err := s.ledger.GetMarket(ctx, id)
	if err != nil {
		return MarketView{}, fmt.Errorf("market_service: view %s: %w", id, err)
	}
	c, err := s.ledger.GetCustody(ctx, id)
	if err != nil {
		return MarketView{}, fmt.Errorf("market_service: view %s custody: %w", id, err)
	}
	yes, err := s.ledger.GetMint(ctx, crypto.DeriveMintID(domain.ClaimYes, id))
	if err != nil {
		return MarketView{}, fmt.Errorf("market_service: view %s yes mint: %w", id, err)
	}
	no, err := s.ledger.GetMint(ctx, crypto.DeriveMintID(domain.ClaimNo, id))
	if err != nil {
		return MarketView{}, fmt.Errorf("market_service: view %s no mint: %w", id, err)
	}
	return MarketView{Market: m, Custody: c, YesMint: yes, NoMint: no}, nil
}

// ClaimAccounts lists every claim account owned by owner.
func (s *MarketService) ClaimAccounts(ctx context.Context, owner domain.Identity) ([]domain.ClaimAccount, error) {
	accts, err := s.ledger.ListClaimAccounts(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("market_service: claim accounts %s: %w", owner, err)
	}
	return accts, nil
}

// CollateralBalance returns owner's spendable collateral.
func (s *MarketService) CollateralBalance(ctx context.Context, owner domain.Identity) (uint64, error) {
	bal, err := s.ledger.CollateralBalance(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("market_service: collateral %s: %w", owner, err)
	}
	return bal, nil
}

// CheckInvariant verifies custody backing and mint supplies of one market:
// custody balance equals rate × outstanding pairs, open markets have equal
// Yes and No supply, and outstanding pairs never exceed either supply.
func (s *MarketService) CheckInvariant(ctx context.Context, id domain.Identity) error {
	v, err := s.MarketView(ctx, id)
	if err != nil {
		return err
	}
	if err := s.escrow.CheckInvariant(v.Custody); err != nil {
		return fmt.Errorf("market_service: %w", err)
	}
	if !v.Market.Resolved {
		if v.YesMint.Supply != v.NoMint.Supply || v.YesMint.Supply != v.Custody.OutstandingPairs {
			return fmt.Errorf("market_service: %w: open market %s has yes=%d no=%d pairs=%d",
				domain.ErrInvariantViolation, id, v.YesMint.Supply, v.NoMint.Supply, v.Custody.OutstandingPairs)
		}
		return nil
	}
	class, err := v.Market.Outcome.WinningClass()
	if err != nil {
		return fmt.Errorf("market_service: %w", err)
	}
	winning := v.YesMint
	if class == domain.ClaimNo {
		winning = v.NoMint
	}
	if v.Custody.OutstandingPairs != winning.Supply {
		return fmt.Errorf("market_service: %w: resolved market %s backs %d pairs but %d winning claims remain",
			domain.ErrInvariantViolation, id, v.Custody.OutstandingPairs, winning.Supply)
	}
	return nil
}

// DueForResolution lists open markets whose expiry has passed.
func (s *MarketService) DueForResolution(ctx context.Context) ([]domain.Market, error) {
	open, err := s.ledger.ListMarkets(ctx, domain.MarketFilter{State: domain.MarketStateOpen})
	if err != nil {
		return nil, fmt.Errorf("market_service: list open: %w", err)
	}
	now := s.now().Unix()
	var due []domain.Market
	for _, m := range open {
		if now >= m.Expiry {
			due = append(due, m)
		}
	}
	return due, nil
}

// Settlements snapshots every resolved market for archiving.
func (s *MarketService) Settlements(ctx context.Context, at time.Time) ([]domain.Settlement, error) {
	resolved, err := s.ledger.ListMarkets(ctx, domain.MarketFilter{State: domain.MarketStateResolved})
	if err != nil {
		return nil, fmt.Errorf("market_service: list resolved: %w", err)
	}
	out := make([]domain.Settlement, 0, len(resolved))
	for _, m := range resolved {
		v, err := s.MarketView(ctx, m.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "settlement snapshot skipped",
				slog.String("market", m.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, domain.Settlement{
			Market:     v.Market,
			Custody:    v.Custody,
			YesSupply:  v.YesMint.Supply,
			NoSupply:   v.NoMint.Supply,
			ArchivedAt: at.UTC(),
		})
	}
	return out, nil
}
