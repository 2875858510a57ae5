package handler

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/server/middleware"
	"github.com/alanyoungcy/binaryoptions/internal/service"
)

// MarketService is the slice of service.MarketService the HTTP layer calls.
type MarketService interface {
	InitializeTreasury(ctx context.Context, caller domain.Identity) (domain.Treasury, error)
	CreditCollateral(ctx context.Context, caller, owner domain.Identity, amount uint64) (uint64, error)
	CreateMarket(ctx context.Context, creator domain.Identity, strike uint64, expiry int64, asset domain.Asset) (domain.Market, error)
	LockCollateral(ctx context.Context, marketID, caller domain.Identity, amount uint64) (service.LockResult, error)
	ResolveMarket(ctx context.Context, marketID, caller domain.Identity) (service.ResolveResult, error)
	RedeemClaims(ctx context.Context, marketID, caller, accountID domain.Identity, amount uint64) (service.RedeemResult, error)

	GetMarket(ctx context.Context, id domain.Identity) (domain.Market, error)
	ListMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error)
	MarketView(ctx context.Context, id domain.Identity) (service.MarketView, error)
	ClaimAccounts(ctx context.Context, owner domain.Identity) ([]domain.ClaimAccount, error)
	CollateralBalance(ctx context.Context, owner domain.Identity) (uint64, error)
	Rate() uint64
}

// MarketHandler serves the market lifecycle endpoints. Commands require a
// caller identity placed in the context by middleware.Signed.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, logger: logger.With(slog.String("handler", "market"))}
}

type marketJSON struct {
	ID       domain.Identity `json:"id"`
	Creator  domain.Identity `json:"creator"`
	Strike   uint64          `json:"strike"`
	Expiry   int64           `json:"expiry"`
	Asset    string          `json:"asset"`
	State    string          `json:"state"`
	Resolved bool            `json:"resolved"`
	Outcome  string          `json:"outcome"`
}

func toMarketJSON(m domain.Market) marketJSON {
	return marketJSON{
		ID:       m.ID,
		Creator:  m.Creator,
		Strike:   m.Strike,
		Expiry:   m.Expiry,
		Asset:    m.Asset.String(),
		State:    string(m.State()),
		Resolved: m.Resolved,
		Outcome:  m.Outcome.String(),
	}
}

type custodyJSON struct {
	Authority        domain.Identity `json:"authority"`
	Balance          uint64          `json:"balance"`
	OutstandingPairs uint64          `json:"outstanding_pairs"`
}

type mintJSON struct {
	ID     domain.Identity `json:"id"`
	Class  string          `json:"class"`
	Supply uint64          `json:"supply"`
}

type claimAccountJSON struct {
	ID      domain.Identity `json:"id"`
	Owner   domain.Identity `json:"owner"`
	Mint    domain.Identity `json:"mint"`
	Balance uint64          `json:"balance"`
}

func toClaimAccountJSON(a domain.ClaimAccount) claimAccountJSON {
	return claimAccountJSON{ID: a.ID, Owner: a.Owner, Mint: a.Mint, Balance: a.Balance}
}

func caller(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	id, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, domain.ErrInvalidSignature.Code, "signed request required")
	}
	return id, ok
}

// InitializeTreasury handles POST /api/treasury/initialize.
func (h *MarketHandler) InitializeTreasury(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	t, err := h.markets.InitializeTreasury(r.Context(), who)
	if err != nil {
		writeDomainError(w, r, h.logger, "initialize treasury", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"admin":      t.Admin,
		"namespace":  t.Namespace,
		"created_at": t.CreatedAt,
	})
}

type creditRequest struct {
	Owner  domain.Identity `json:"owner"`
	Amount uint64          `json:"amount"`
}

// CreditCollateral handles POST /api/collateral/credit.
func (h *MarketHandler) CreditCollateral(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req creditRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "credit collateral", err)
		return
	}
	bal, err := h.markets.CreditCollateral(r.Context(), who, req.Owner, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "credit collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": req.Owner, "balance": bal})
}

type createMarketRequest struct {
	Strike uint64          `json:"strike"`
	Expiry int64           `json:"expiry"`
	Asset  json.RawMessage `json:"asset"` // 1|2|3 or "BTC"|"SOL"|"ETH"
}

// CreateMarket handles POST /api/markets.
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	var req createMarketRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	asset, err := domain.ParseAsset(strings.Trim(string(req.Asset), `"`))
	if err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	m, err := h.markets.CreateMarket(r.Context(), who, req.Strike, req.Expiry, asset)
	if err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMarketJSON(m))
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

// LockCollateral handles POST /api/markets/{id}/lock.
func (h *MarketHandler) LockCollateral(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathIdentity(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "lock collateral", err)
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "lock collateral", err)
		return
	}
	res, err := h.markets.LockCollateral(r.Context(), id, who, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "lock collateral", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market": toMarketJSON(res.Market),
		"custody": custodyJSON{
			Authority:        res.Custody.Authority,
			Balance:          res.Custody.Balance,
			OutstandingPairs: res.Custody.OutstandingPairs,
		},
		"yes_account": toClaimAccountJSON(res.Yes),
		"no_account":  toClaimAccountJSON(res.No),
	})
}

// ResolveMarket handles POST /api/markets/{id}/resolve.
func (h *MarketHandler) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathIdentity(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve market", err)
		return
	}
	res, err := h.markets.ResolveMarket(r.Context(), id, who)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve market", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":       toMarketJSON(res.Market),
		"price":        res.Price.String(),
		"feed_id":      res.Observation.FeedID,
		"publish_time": res.Observation.PublishTime.Unix(),
	})
}

type redeemRequest struct {
	ClaimAccount domain.Identity `json:"claim_account"`
	Amount       uint64          `json:"amount"`
}

// RedeemClaims handles POST /api/markets/{id}/redeem.
func (h *MarketHandler) RedeemClaims(w http.ResponseWriter, r *http.Request) {
	who, ok := caller(w, r)
	if !ok {
		return
	}
	id, err := pathIdentity(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "redeem claims", err)
		return
	}
	var req redeemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDomainError(w, r, h.logger, "redeem claims", err)
		return
	}
	res, err := h.markets.RedeemClaims(r.Context(), id, who, req.ClaimAccount, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "redeem claims", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market":          toMarketJSON(res.Market),
		"account":         toClaimAccountJSON(res.Account),
		"payout":          res.Payout,
		"custody_balance": res.Custody.Balance,
	})
}

// ListMarkets handles GET /api/markets?state=open&asset=BTC&creator=0x..
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.MarketFilter{}
	f.Limit, f.Offset = parsePage(r)

	switch s := domain.MarketState(q.Get("state")); s {
	case "", domain.MarketStateOpen, domain.MarketStateResolved:
		f.State = s
	default:
		writeError(w, http.StatusBadRequest, domain.ErrValidation.Code, fmt.Sprintf("unknown state %q", s))
		return
	}
	if v := q.Get("asset"); v != "" {
		a, err := domain.ParseAsset(v)
		if err != nil {
			writeDomainError(w, r, h.logger, "list markets", err)
			return
		}
		f.Asset = a
	}
	if v := q.Get("creator"); v != "" {
		id, err := domain.ParseIdentity(v)
		if err != nil {
			writeDomainError(w, r, h.logger, "list markets", err)
			return
		}
		f.Creator = id
	}

	markets, err := h.markets.ListMarkets(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, h.logger, "list markets", err)
		return
	}
	out := make([]marketJSON, 0, len(markets))
	for _, m := range markets {
		out = append(out, toMarketJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": out,
		"limit":   f.Limit,
		"offset":  f.Offset,
	})
}

// GetMarket handles GET /api/markets/{id} and returns the market with its
// custody and mint supplies.
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	v, err := h.markets.MarketView(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"market": toMarketJSON(v.Market),
		"custody": custodyJSON{
			Authority:        v.Custody.Authority,
			Balance:          v.Custody.Balance,
			OutstandingPairs: v.Custody.OutstandingPairs,
		},
		"yes_mint": mintJSON{ID: v.YesMint.ID, Class: v.YesMint.Class.String(), Supply: v.YesMint.Supply},
		"no_mint":  mintJSON{ID: v.NoMint.ID, Class: v.NoMint.Class.String(), Supply: v.NoMint.Supply},
		"rate":     h.markets.Rate(),
	})
}

// GetRecord handles GET /api/markets/{id}/record: the persisted 51-byte
// market record, hex-encoded.
func (h *MarketHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathIdentity(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "get record", err)
		return
	}
	m, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get record", err)
		return
	}
	raw, err := m.MarshalBinary()
	if err != nil {
		writeDomainError(w, r, h.logger, "get record", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":     m.ID,
		"record": hex.EncodeToString(raw),
		"size":   len(raw),
	})
}

// GetAccount handles GET /api/accounts/{identity}.
func (h *MarketHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := pathIdentity(r, "identity")
	if err != nil {
		writeDomainError(w, r, h.logger, "get account", err)
		return
	}
	bal, err := h.markets.CollateralBalance(r.Context(), owner)
	if err != nil {
		writeDomainError(w, r, h.logger, "get account", err)
		return
	}
	accts, err := h.markets.ClaimAccounts(r.Context(), owner)
	if err != nil {
		writeDomainError(w, r, h.logger, "get account", err)
		return
	}
	claims := make([]claimAccountJSON, 0, len(accts))
	for _, a := range accts {
		claims = append(claims, toClaimAccountJSON(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":          owner,
		"collateral":     bal,
		"claim_accounts": claims,
	})
}
