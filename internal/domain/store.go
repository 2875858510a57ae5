package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketFilter narrows ListMarkets. Zero values match everything.
type MarketFilter struct {
	State   MarketState
	Asset   Asset
	Creator Identity
	Limit   int
	Offset  int
}

// Ledger is the persistent state of every market, custody sub-account, mint,
// claim account and collateral account.
//
// Update is the only way to mutate an existing market. It runs fn with a
// transaction scoped to that market; calls for the same market are
// serialized, calls for distinct markets may run in parallel. If fn returns
// an error every write made through the transaction is discarded.
type Ledger interface {
	InitTreasury(ctx context.Context, t Treasury) error
	GetTreasury(ctx context.Context) (Treasury, error)

	CreateMarket(ctx context.Context, m Market, custody Custody, yes, no Mint) error
	Update(ctx context.Context, marketID Identity, fn func(tx LedgerTx) error) error

	GetMarket(ctx context.Context, id Identity) (Market, error)
	ListMarkets(ctx context.Context, f MarketFilter) ([]Market, error)
	GetCustody(ctx context.Context, marketID Identity) (Custody, error)
	GetMint(ctx context.Context, id Identity) (Mint, error)
	GetClaimAccount(ctx context.Context, id Identity) (ClaimAccount, error)
	ListClaimAccounts(ctx context.Context, owner Identity) ([]ClaimAccount, error)

	CollateralBalance(ctx context.Context, owner Identity) (uint64, error)
	CreditCollateral(ctx context.Context, owner Identity, amount uint64) (uint64, error)
}

// LedgerTx is a market-scoped transaction handed to Ledger.Update.
type LedgerTx interface {
	Market() Market
	Custody() Custody
	Mint(class ClaimClass) Mint

	SaveMarket(ctx context.Context, m Market) error
	SaveCustody(ctx context.Context, c Custody) error
	SaveMint(ctx context.Context, m Mint) error

	// ClaimAccount returns the account and whether it exists.
	ClaimAccount(ctx context.Context, id Identity) (ClaimAccount, bool, error)
	SaveClaimAccount(ctx context.Context, a ClaimAccount) error

	// DebitCollateral fails with ErrInsufficientFunds when owner's balance is
	// below amount.
	DebitCollateral(ctx context.Context, owner Identity, amount uint64) error
	CreditCollateral(ctx context.Context, owner Identity, amount uint64) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
