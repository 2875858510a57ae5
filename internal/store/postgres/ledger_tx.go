package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// ledgerTx writes through to a pgx.Tx. It caches the locked market row and
// its custody and mints so reads inside the callback see staged values.
type ledgerTx struct {
	tx      pgx.Tx
	market  domain.Market
	custody domain.Custody
	yes, no domain.Mint
}

func (t *ledgerTx) Market() domain.Market   { return t.market }
func (t *ledgerTx) Custody() domain.Custody { return t.custody }

func (t *ledgerTx) Mint(class domain.ClaimClass) domain.Mint {
	if class == domain.ClaimNo {
		return t.no
	}
	return t.yes
}

func (t *ledgerTx) SaveMarket(ctx context.Context, m domain.Market) error {
	if err := domain.CheckTransition(t.market, m); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	record, err := m.MarshalBinary()
	if err != nil {
		return fmt.Errorf("postgres: encode market %s: %w", m.ID, err)
	}
	const q = `
		UPDATE markets SET resolved = $2, outcome = $3, record = $4, updated_at = NOW()
		WHERE id = $1`
	if _, err := t.tx.Exec(ctx, q, m.ID[:], m.Resolved, int16(m.Outcome), record); err != nil {
		return fmt.Errorf("postgres: save market %s: %w", m.ID, err)
	}
	t.market = m
	return nil
}

func (t *ledgerTx) SaveCustody(ctx context.Context, c domain.Custody) error {
	if c.Market != t.market.ID || c.Authority != t.custody.Authority {
		return fmt.Errorf("%w: custody does not belong to market %s", domain.ErrUnauthorized, t.market.ID)
	}
	balance, err := toInt64(c.Balance)
	if err != nil {
		return fmt.Errorf("postgres: custody balance: %w", err)
	}
	pairs, err := toInt64(c.OutstandingPairs)
	if err != nil {
		return fmt.Errorf("postgres: custody pairs: %w", err)
	}
	const q = `UPDATE custody SET balance = $2, outstanding_pairs = $3 WHERE market = $1`
	if _, err := t.tx.Exec(ctx, q, c.Market[:], balance, pairs); err != nil {
		return fmt.Errorf("postgres: save custody %s: %w", c.Market, err)
	}
	t.custody = c
	return nil
}

func (t *ledgerTx) SaveMint(ctx context.Context, m domain.Mint) error {
	if m.ID != t.yes.ID && m.ID != t.no.ID {
		return fmt.Errorf("postgres: mint %s: %w", m.ID, domain.ErrTokenMintMismatch)
	}
	supply, err := toInt64(m.Supply)
	if err != nil {
		return fmt.Errorf("postgres: mint supply: %w", err)
	}
	if _, err := t.tx.Exec(ctx, `UPDATE mints SET supply = $2 WHERE id = $1`, m.ID[:], supply); err != nil {
		return fmt.Errorf("postgres: save mint %s: %w", m.ID, err)
	}
	if m.ID == t.yes.ID {
		t.yes = m
	} else {
		t.no = m
	}
	return nil
}

func (t *ledgerTx) ClaimAccount(ctx context.Context, id domain.Identity) (domain.ClaimAccount, bool, error) {
	return getClaimAccount(ctx, t.tx, id, true)
}

func (t *ledgerTx) SaveClaimAccount(ctx context.Context, a domain.ClaimAccount) error {
	if a.Mint != t.yes.ID && a.Mint != t.no.ID {
		return fmt.Errorf("postgres: claim account %s: %w", a.ID, domain.ErrTokenMintMismatch)
	}
	balance, err := toInt64(a.Balance)
	if err != nil {
		return fmt.Errorf("postgres: claim account balance: %w", err)
	}
	const q = `
		INSERT INTO claim_accounts (id, owner, mint, balance) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance`
	if _, err := t.tx.Exec(ctx, q, a.ID[:], a.Owner[:], a.Mint[:], balance); err != nil {
		return fmt.Errorf("postgres: save claim account %s: %w", a.ID, err)
	}
	return nil
}

func (t *ledgerTx) DebitCollateral(ctx context.Context, owner domain.Identity, amount uint64) error {
	amt, err := toInt64(amount)
	if err != nil {
		return fmt.Errorf("postgres: collateral %s: %w", owner, domain.ErrInsufficientFunds)
	}
	const q = `
		UPDATE collateral_accounts SET balance = balance - $2, updated_at = NOW()
		WHERE owner = $1 AND balance >= $2`
	tag, err := t.tx.Exec(ctx, q, owner[:], amt)
	if err != nil {
		return fmt.Errorf("postgres: debit collateral %s: %w", owner, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: collateral %s below %d: %w", owner, amount, domain.ErrInsufficientFunds)
	}
	return nil
}

func (t *ledgerTx) CreditCollateral(ctx context.Context, owner domain.Identity, amount uint64) error {
	_, err := creditCollateral(ctx, t.tx, owner, amount)
	return err
}

var _ domain.LedgerTx = (*ledgerTx)(nil)
