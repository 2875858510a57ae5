// Package memory is an in-process ledger backend. Each market has its own
// mutex; a transaction stages writes against a private copy and publishes
// them in one step when the callback succeeds.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/safe"
)

type marketEntry struct {
	mu      sync.Mutex // held for the duration of Update
	market  domain.Market
	custody domain.Custody
	yes, no domain.Identity
}

// Ledger implements domain.Ledger in memory.
type Ledger struct {
	mu         sync.RWMutex
	treasury   *domain.Treasury
	markets    map[domain.Identity]*marketEntry
	order      []domain.Identity
	mints      map[domain.Identity]domain.Mint
	accounts   map[domain.Identity]domain.ClaimAccount
	collateral map[domain.Identity]uint64
	// reserved holds funds debited by transactions that have not committed.
	reserved   map[domain.Identity]uint64
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		markets:    make(map[domain.Identity]*marketEntry),
		mints:      make(map[domain.Identity]domain.Mint),
		accounts:   make(map[domain.Identity]domain.ClaimAccount),
		collateral: make(map[domain.Identity]uint64),
		reserved:   make(map[domain.Identity]uint64),
	}
}

func (l *Ledger) InitTreasury(_ context.Context, t domain.Treasury) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.treasury != nil {
		return fmt.Errorf("memory: treasury: %w", domain.ErrAlreadyExists)
	}
	l.treasury = &t
	return nil
}

func (l *Ledger) GetTreasury(_ context.Context) (domain.Treasury, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.treasury == nil {
		return domain.Treasury{}, fmt.Errorf("memory: treasury: %w", domain.ErrNotFound)
	}
	return *l.treasury, nil
}

func (l *Ledger) CreateMarket(_ context.Context, m domain.Market, custody domain.Custody, yes, no domain.Mint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.markets[m.ID]; ok {
		return fmt.Errorf("memory: market %s: %w", m.ID, domain.ErrDuplicateMarket)
	}
	if _, ok := l.mints[yes.ID]; ok {
		return fmt.Errorf("memory: mint %s: %w", yes.ID, domain.ErrDuplicateMarket)
	}
	if _, ok := l.mints[no.ID]; ok {
		return fmt.Errorf("memory: mint %s: %w", no.ID, domain.ErrDuplicateMarket)
	}
	l.markets[m.ID] = &marketEntry{market: m, custody: custody, yes: yes.ID, no: no.ID}
	l.order = append(l.order, m.ID)
	l.mints[yes.ID] = yes
	l.mints[no.ID] = no
	return nil
}

func (l *Ledger) Update(ctx context.Context, marketID domain.Identity, fn func(tx domain.LedgerTx) error) error {
	l.mu.RLock()
	entry, ok := l.markets[marketID]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("memory: market %s: %w", marketID, domain.ErrNotFound)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.RLock()
	tx := &ledgerTx{
		l:        l,
		market:   entry.market,
		custody:  entry.custody,
		yes:      l.mints[entry.yes],
		no:       l.mints[entry.no],
		accounts: make(map[domain.Identity]domain.ClaimAccount),
	}
	l.mu.RUnlock()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := tx.commit(entry); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (l *Ledger) GetMarket(_ context.Context, id domain.Identity) (domain.Market, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.markets[id]
	if !ok {
		return domain.Market{}, fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
	}
	return e.market, nil
}

func (l *Ledger) ListMarkets(_ context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.Market
	skipped := 0
	for _, id := range l.order {
		m := l.markets[id].market
		if f.State != "" && m.State() != f.State {
			continue
		}
		if f.Asset != 0 && m.Asset != f.Asset {
			continue
		}
		if !f.Creator.IsZero() && m.Creator != f.Creator {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, m)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (l *Ledger) GetCustody(_ context.Context, marketID domain.Identity) (domain.Custody, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.markets[marketID]
	if !ok {
		return domain.Custody{}, fmt.Errorf("memory: custody %s: %w", marketID, domain.ErrNotFound)
	}
	return e.custody, nil
}

func (l *Ledger) GetMint(_ context.Context, id domain.Identity) (domain.Mint, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.mints[id]
	if !ok {
		return domain.Mint{}, fmt.Errorf("memory: mint %s: %w", id, domain.ErrNotFound)
	}
	return m, nil
}

func (l *Ledger) GetClaimAccount(_ context.Context, id domain.Identity) (domain.ClaimAccount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[id]
	if !ok {
		return domain.ClaimAccount{}, fmt.Errorf("memory: claim account %s: %w", id, domain.ErrNotFound)
	}
	return a, nil
}

func (l *Ledger) ListClaimAccounts(_ context.Context, owner domain.Identity) ([]domain.ClaimAccount, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.ClaimAccount
	for _, a := range l.accounts {
		if a.Owner == owner {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *Ledger) CollateralBalance(_ context.Context, owner domain.Identity) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.collateral[owner], nil
}

func (l *Ledger) CreditCollateral(_ context.Context, owner domain.Identity, amount uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, err := safe.Add(l.collateral[owner], amount)
	if err != nil {
		return 0, fmt.Errorf("memory: collateral %s: %w", owner, err)
	}
	l.collateral[owner] = bal
	return bal, nil
}

var _ domain.Ledger = (*Ledger)(nil)
