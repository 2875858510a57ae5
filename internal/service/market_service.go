// Package service implements the market lifecycle: treasury bootstrap,
// market creation, collateral locking, oracle resolution and redemption.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/binaryoptions/internal/authority"
	"github.com/alanyoungcy/binaryoptions/internal/claims"
	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/escrow"
	"github.com/alanyoungcy/binaryoptions/internal/oracle"
)

// PriceOracle returns the settlement price of an asset.
type PriceOracle interface {
	Price(ctx context.Context, asset domain.Asset) (decimal.Decimal, domain.PriceObservation, error)
}

// MarketConfig holds the deployment parameters of the lifecycle controller.
type MarketConfig struct {
	Admin     domain.Identity
	Namespace string
	Rate      uint64
}

// MarketDeps are the collaborators of MarketService. Cache and Events are
// optional.
type MarketDeps struct {
	Ledger domain.Ledger
	Oracle PriceOracle
	Audit  domain.AuditStore
	Cache  domain.MarketCache
	Events *EventPublisher
	Logger *slog.Logger
	Now    func() time.Time
}

// MarketService is the lifecycle controller. Every command runs inside a
// single ledger transaction scoped to its market.
type MarketService struct {
	cfg    MarketConfig
	ledger domain.Ledger
	escrow *escrow.Ledger
	claims *claims.Ledger
	oracle PriceOracle
	audit  domain.AuditStore
	cache  domain.MarketCache
	events *EventPublisher
	logger *slog.Logger
	now    func() time.Time
}

// NewMarketService validates cfg and wires the controller.
func NewMarketService(cfg MarketConfig, deps MarketDeps) (*MarketService, error) {
	if cfg.Admin.IsZero() {
		return nil, fmt.Errorf("market_service: %w: admin identity is required", domain.ErrValidation)
	}
	if cfg.Namespace == "" {
		return nil, fmt.Errorf("market_service: %w: custody namespace is required", domain.ErrValidation)
	}
	if deps.Ledger == nil || deps.Oracle == nil || deps.Audit == nil {
		return nil, fmt.Errorf("market_service: %w: ledger, oracle and audit store are required", domain.ErrValidation)
	}
	esc, err := escrow.New(cfg.Rate)
	if err != nil {
		return nil, fmt.Errorf("market_service: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &MarketService{
		cfg:    cfg,
		ledger: deps.Ledger,
		escrow: esc,
		claims: claims.New(),
		oracle: deps.Oracle,
		audit:  deps.Audit,
		cache:  deps.Cache,
		events: deps.Events,
		logger: logger.With(slog.String("component", "market_service")),
		now:    now,
	}, nil
}

// Rate returns the collateral units locked per claim pair.
func (s *MarketService) Rate() uint64 { return s.escrow.Rate() }

// Admin returns the identity allowed to bootstrap the treasury.
func (s *MarketService) Admin() domain.Identity { return s.cfg.Admin }

// InitializeTreasury records the one-time bootstrap. Only the configured
// admin may call it, and only once.
func (s *MarketService) InitializeTreasury(ctx context.Context, caller domain.Identity) (domain.Treasury, error) {
	if caller != s.cfg.Admin {
		return domain.Treasury{}, fmt.Errorf("market_service: initialize treasury by %s: %w", caller, domain.ErrUnauthorized)
	}
	t := domain.Treasury{Admin: caller, Namespace: s.cfg.Namespace, CreatedAt: s.now().UTC()}
	if err := s.ledger.InitTreasury(ctx, t); err != nil {
		return domain.Treasury{}, fmt.Errorf("market_service: initialize treasury: %w", err)
	}

	s.record(ctx, domain.MarketEvent{Type: domain.EventTreasuryInitialized, Caller: caller}, map[string]any{
		"namespace": t.Namespace,
	})
	return t, nil
}

// Treasury returns the bootstrap record.
func (s *MarketService) Treasury(ctx context.Context) (domain.Treasury, error) {
	t, err := s.ledger.GetTreasury(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return t, fmt.Errorf("market_service: %w", domain.ErrTreasuryNotInitialized)
		}
		return t, fmt.Errorf("market_service: get treasury: %w", err)
	}
	return t, nil
}

// CreditCollateral funds owner's external collateral balance. Only the admin
// may mint collateral into the system.
func (s *MarketService) CreditCollateral(ctx context.Context, caller, owner domain.Identity, amount uint64) (uint64, error) {
	if caller != s.cfg.Admin {
		return 0, fmt.Errorf("market_service: credit collateral by %s: %w", caller, domain.ErrUnauthorized)
	}
	if amount == 0 || owner.IsZero() {
		return 0, fmt.Errorf("market_service: credit collateral: %w: owner and positive amount required", domain.ErrValidation)
	}
	bal, err := s.ledger.CreditCollateral(ctx, owner, amount)
	if err != nil {
		return 0, fmt.Errorf("market_service: credit collateral: %w", err)
	}
	s.record(ctx, domain.MarketEvent{Type: domain.EventCollateralCredited, Caller: caller, Amount: amount}, map[string]any{
		"owner":   owner.String(),
		"balance": bal,
	})
	return bal, nil
}

// CreateMarket opens a market with its custody sub-account and both mints.
func (s *MarketService) CreateMarket(ctx context.Context, creator domain.Identity, strike uint64, expiry int64, asset domain.Asset) (domain.Market, error) {
	if strike == 0 {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w: strike must be > 0", domain.ErrValidation)
	}
	if !asset.Valid() {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", domain.ErrInvalidAsset)
	}
	if now := s.now().Unix(); expiry <= now {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w: expiry %d is not after now %d", domain.ErrValidation, expiry, now)
	}
	if _, err := s.Treasury(ctx); err != nil {
		return domain.Market{}, err
	}

	m := domain.Market{
		ID:      crypto.DeriveMarketID(creator, strike, expiry),
		Creator: creator,
		Strike:  strike,
		Expiry:  expiry,
		Asset:   asset,
	}
	auth := authority.Derive(s.cfg.Namespace, m)
	custody := domain.Custody{Market: m.ID, Authority: auth.Address()}
	yes := domain.Mint{ID: crypto.DeriveMintID(domain.ClaimYes, m.ID), Market: m.ID, Class: domain.ClaimYes}
	no := domain.Mint{ID: crypto.DeriveMintID(domain.ClaimNo, m.ID), Market: m.ID, Class: domain.ClaimNo}

	if err := s.ledger.CreateMarket(ctx, m, custody, yes, no); err != nil {
		return domain.Market{}, fmt.Errorf("market_service: create market: %w", err)
	}

	s.cacheSet(ctx, m)
	s.record(ctx, domain.MarketEvent{Type: domain.EventMarketCreated, Market: m.ID, Caller: creator}, map[string]any{
		"strike": m.Strike,
		"expiry": m.Expiry,
		"asset":  m.Asset.String(),
	})
	return m, nil
}

// LockResult is the state after a successful lock.
type LockResult struct {
	Market  domain.Market
	Custody domain.Custody
	Yes     domain.ClaimAccount
	No      domain.ClaimAccount
}

// LockCollateral moves amount×rate of caller's collateral into custody and
// issues amount Yes and amount No claims to caller. Locking is only allowed
// while the market is open and before expiry.
func (s *MarketService) LockCollateral(ctx context.Context, marketID, caller domain.Identity, amount uint64) (LockResult, error) {
	if amount == 0 {
		return LockResult{}, fmt.Errorf("market_service: lock: %w: amount must be > 0", domain.ErrValidation)
	}

	var res LockResult
	err := s.ledger.Update(ctx, marketID, func(tx domain.LedgerTx) error {
		m := tx.Market()
		if m.Resolved {
			return domain.ErrMarketAlreadyResolved
		}
		if s.now().Unix() >= m.Expiry {
			return domain.ErrMarketExpired
		}
		auth := authority.Derive(s.cfg.Namespace, m)

		custody, err := s.escrow.Deposit(ctx, tx, auth, caller, amount)
		if err != nil {
			return err
		}
		yes, err := s.claims.Issue(ctx, tx, auth, domain.ClaimYes, caller, amount)
		if err != nil {
			return err
		}
		no, err := s.claims.Issue(ctx, tx, auth, domain.ClaimNo, caller, amount)
		if err != nil {
			return err
		}
		res = LockResult{Market: m, Custody: custody, Yes: yes, No: no}
		return nil
	})
	if err != nil {
		return LockResult{}, fmt.Errorf("market_service: lock %s: %w", marketID, err)
	}

	s.record(ctx, domain.MarketEvent{Type: domain.EventCollateralLocked, Market: marketID, Caller: caller, Amount: amount}, map[string]any{
		"custody_balance":   res.Custody.Balance,
		"outstanding_pairs": res.Custody.OutstandingPairs,
	})
	return res, nil
}

// ResolveResult is the state after a successful resolution.
type ResolveResult struct {
	Market      domain.Market
	Price       decimal.Decimal
	Observation domain.PriceObservation
}

// ResolveMarket settles an expired market against the oracle: Yes when the
// price is at or above the strike, No otherwise. Any caller may resolve.
func (s *MarketService) ResolveMarket(ctx context.Context, marketID, caller domain.Identity) (ResolveResult, error) {
	var res ResolveResult
	err := s.ledger.Update(ctx, marketID, func(tx domain.LedgerTx) error {
		m := tx.Market()
		if m.Resolved {
			return domain.ErrMarketAlreadyResolved
		}
		if now := s.now().Unix(); now < m.Expiry {
			return fmt.Errorf("%w: expires at %d, now %d", domain.ErrMarketNotExpired, m.Expiry, now)
		}

		price, obs, err := s.oracle.Price(ctx, m.Asset)
		if err != nil {
			return err
		}
		m.Outcome = oracle.Settle(price, m.Strike)
		m.Resolved = true
		if err := tx.SaveMarket(ctx, m); err != nil {
			return err
		}
		res = ResolveResult{Market: m, Price: price, Observation: obs}
		return nil
	})
	if err != nil {
		return ResolveResult{}, fmt.Errorf("market_service: resolve %s: %w", marketID, err)
	}

	s.cacheSet(ctx, res.Market)
	s.record(ctx, domain.MarketEvent{
		Type:    domain.EventMarketResolved,
		Market:  marketID,
		Caller:  caller,
		Outcome: res.Market.Outcome.String(),
		Price:   res.Price.String(),
	}, map[string]any{
		"strike":       res.Market.Strike,
		"feed_id":      res.Observation.FeedID,
		"publish_time": res.Observation.PublishTime.Unix(),
	})
	return res, nil
}

// RedeemResult is the state after a successful redemption.
type RedeemResult struct {
	Market  domain.Market
	Account domain.ClaimAccount
	Custody domain.Custody
	Payout  uint64
}

// RedeemClaims burns amount winning claims from the caller's claim account
// and pays amount×rate from the market's custody to the caller.
func (s *MarketService) RedeemClaims(ctx context.Context, marketID, caller, accountID domain.Identity, amount uint64) (RedeemResult, error) {
	if amount == 0 {
		return RedeemResult{}, fmt.Errorf("market_service: redeem: %w: amount must be > 0", domain.ErrValidation)
	}

	var res RedeemResult
	err := s.ledger.Update(ctx, marketID, func(tx domain.LedgerTx) error {
		m := tx.Market()
		if !m.Resolved {
			return domain.ErrMarketNotResolved
		}
		class, err := m.Outcome.WinningClass()
		if err != nil {
			return err
		}

		acct, ok, err := tx.ClaimAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("claim account %s: %w", accountID, domain.ErrNotFound)
		}
		if !s.claims.TransferabilityCheck(tx, class, acct) {
			return fmt.Errorf("account %s holds mint %s, winning mint is %s: %w",
				acct.ID, acct.Mint, tx.Mint(class).ID, domain.ErrTokenMintMismatch)
		}

		acct, err = s.claims.Burn(ctx, tx, class, caller, acct, amount)
		if err != nil {
			return err
		}
		auth := authority.Derive(s.cfg.Namespace, m)
		custody, err := s.escrow.Withdraw(ctx, tx, auth, caller, amount)
		if err != nil {
			return err
		}
		payout, err := s.escrow.Units(amount)
		if err != nil {
			return err
		}
		res = RedeemResult{Market: m, Account: acct, Custody: custody, Payout: payout}
		return nil
	})
	if err != nil {
		return RedeemResult{}, fmt.Errorf("market_service: redeem %s: %w", marketID, err)
	}

	s.record(ctx, domain.MarketEvent{Type: domain.EventClaimsRedeemed, Market: marketID, Caller: caller, Amount: amount}, map[string]any{
		"account":         accountID.String(),
		"payout":          res.Payout,
		"custody_balance": res.Custody.Balance,
	})
	return res, nil
}

// record writes the audit entry and publishes the event. Neither can fail the
// already-committed command.
func (s *MarketService) record(ctx context.Context, ev domain.MarketEvent, detail map[string]any) {
	ev.At = s.now().UTC()
	if detail == nil {
		detail = map[string]any{}
	}
	detail["caller"] = ev.Caller.String()
	if !ev.Market.IsZero() {
		detail["market"] = ev.Market.String()
	}
	if ev.Amount != 0 {
		detail["amount"] = ev.Amount
	}
	if ev.Outcome != "" {
		detail["outcome"] = ev.Outcome
		detail["price"] = ev.Price
	}
	if err := s.audit.Log(ctx, string(ev.Type), detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
	s.logger.InfoContext(ctx, string(ev.Type),
		slog.String("market", ev.Market.String()),
		slog.String("caller", ev.Caller.String()),
	)
	s.events.Publish(ctx, ev)
}

func (s *MarketService) cacheSet(ctx context.Context, m domain.Market) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "cache set failed",
			slog.String("market", m.ID.String()),
			slog.String("error", err.Error()),
		)
		if err := s.cache.Invalidate(ctx, m.ID); err != nil {
			s.logger.WarnContext(ctx, "cache invalidate failed",
				slog.String("market", m.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
