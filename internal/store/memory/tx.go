package memory

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/safe"
)

type collateralDelta struct {
	owner  domain.Identity
	amount uint64
}

// ledgerTx stages writes for one market. Debits reserve funds on the ledger
// so concurrent transactions cannot spend them twice, but balances only move
// on commit; readers never see a debit whose market writes are still staged.
type ledgerTx struct {
	l        *Ledger
	market   domain.Market
	custody  domain.Custody
	yes, no  domain.Mint
	accounts map[domain.Identity]domain.ClaimAccount
	debits   []collateralDelta
	credits  []collateralDelta
}

func (tx *ledgerTx) Market() domain.Market   { return tx.market }
func (tx *ledgerTx) Custody() domain.Custody { return tx.custody }

func (tx *ledgerTx) Mint(class domain.ClaimClass) domain.Mint {
	if class == domain.ClaimNo {
		return tx.no
	}
	return tx.yes
}

func (tx *ledgerTx) SaveMarket(_ context.Context, m domain.Market) error {
	if err := domain.CheckTransition(tx.market, m); err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	tx.market = m
	return nil
}

func (tx *ledgerTx) SaveCustody(_ context.Context, c domain.Custody) error {
	if c.Market != tx.market.ID || c.Authority != tx.custody.Authority {
		return fmt.Errorf("%w: custody does not belong to market %s", domain.ErrUnauthorized, tx.market.ID)
	}
	tx.custody = c
	return nil
}

func (tx *ledgerTx) SaveMint(_ context.Context, m domain.Mint) error {
	switch m.ID {
	case tx.yes.ID:
		tx.yes = m
	case tx.no.ID:
		tx.no = m
	default:
		return fmt.Errorf("memory: mint %s: %w", m.ID, domain.ErrTokenMintMismatch)
	}
	return nil
}

func (tx *ledgerTx) ClaimAccount(_ context.Context, id domain.Identity) (domain.ClaimAccount, bool, error) {
	if a, ok := tx.accounts[id]; ok {
		return a, true, nil
	}
	tx.l.mu.RLock()
	a, ok := tx.l.accounts[id]
	tx.l.mu.RUnlock()
	return a, ok, nil
}

func (tx *ledgerTx) SaveClaimAccount(_ context.Context, a domain.ClaimAccount) error {
	if a.Mint != tx.yes.ID && a.Mint != tx.no.ID {
		return fmt.Errorf("memory: claim account %s: %w", a.ID, domain.ErrTokenMintMismatch)
	}
	tx.accounts[a.ID] = a
	return nil
}

func (tx *ledgerTx) DebitCollateral(_ context.Context, owner domain.Identity, amount uint64) error {
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	bal, held := tx.l.collateral[owner], tx.l.reserved[owner]
	if bal < held || bal-held < amount {
		return fmt.Errorf("memory: collateral %s has %d available, need %d: %w", owner, bal-min(bal, held), amount, domain.ErrInsufficientFunds)
	}
	tx.l.reserved[owner] = held + amount
	tx.debits = append(tx.debits, collateralDelta{owner: owner, amount: amount})
	return nil
}

func (tx *ledgerTx) CreditCollateral(_ context.Context, owner domain.Identity, amount uint64) error {
	tx.credits = append(tx.credits, collateralDelta{owner: owner, amount: amount})
	return nil
}

// commit publishes staged state. Every balance change is computed before
// anything is written so a failing debit or credit leaves the ledger
// untouched; rollback then releases the reservations.
func (tx *ledgerTx) commit(entry *marketEntry) error {
	l := tx.l
	l.mu.Lock()
	defer l.mu.Unlock()

	next := make(map[domain.Identity]uint64, len(tx.debits)+len(tx.credits))
	balance := func(owner domain.Identity) uint64 {
		if bal, ok := next[owner]; ok {
			return bal
		}
		return l.collateral[owner]
	}
	for _, d := range tx.debits {
		bal, err := safe.Sub(balance(d.owner), d.amount)
		if err != nil {
			return fmt.Errorf("memory: collateral %s: %w", d.owner, domain.ErrInsufficientFunds)
		}
		next[d.owner] = bal
	}
	for _, c := range tx.credits {
		bal, err := safe.Add(balance(c.owner), c.amount)
		if err != nil {
			return fmt.Errorf("memory: collateral %s: %w", c.owner, err)
		}
		next[c.owner] = bal
	}

	tx.release()
	for owner, bal := range next {
		l.collateral[owner] = bal
	}
	entry.market = tx.market
	entry.custody = tx.custody
	l.mints[tx.yes.ID] = tx.yes
	l.mints[tx.no.ID] = tx.no
	for id, a := range tx.accounts {
		l.accounts[id] = a
	}
	return nil
}

func (tx *ledgerTx) rollback() {
	if len(tx.debits) == 0 {
		return
	}
	tx.l.mu.Lock()
	defer tx.l.mu.Unlock()
	tx.release()
}

// release drops this transaction's reservations. Callers hold l.mu.
func (tx *ledgerTx) release() {
	for _, d := range tx.debits {
		if left := tx.l.reserved[d.owner] - d.amount; left > 0 {
			tx.l.reserved[d.owner] = left
		} else {
			delete(tx.l.reserved, d.owner)
		}
	}
	tx.debits = nil
}

var _ domain.LedgerTx = (*ledgerTx)(nil)
