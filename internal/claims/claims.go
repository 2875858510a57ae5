// Package claims issues and burns Yes/No claim tokens.
package claims

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/binaryoptions/internal/authority"
	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/safe"
)

// Ledger tracks mint supply and per-owner claim balances inside a market
// transaction. It is stateless; all state lives in the LedgerTx.
type Ledger struct{}

// New returns a claim ledger.
func New() *Ledger { return &Ledger{} }

// Issue mints amount claims of class to recipient's associated account,
// creating the account on first use. Only the market's custody authority may
// issue.
func (l *Ledger) Issue(ctx context.Context, tx domain.LedgerTx, auth authority.Authority, class domain.ClaimClass, recipient domain.Identity, amount uint64) (domain.ClaimAccount, error) {
	if !class.Valid() {
		return domain.ClaimAccount{}, fmt.Errorf("%w: claim class %d", domain.ErrValidation, class)
	}
	mint := tx.Mint(class)
	if err := auth.VerifyMint(mint); err != nil {
		return domain.ClaimAccount{}, err
	}

	id := crypto.DeriveClaimAccountID(recipient, mint.ID)
	acct, ok, err := tx.ClaimAccount(ctx, id)
	if err != nil {
		return domain.ClaimAccount{}, fmt.Errorf("claims: load %s: %w", id, err)
	}
	if !ok {
		acct = domain.ClaimAccount{ID: id, Owner: recipient, Mint: mint.ID}
	}

	if acct.Balance, err = safe.Add(acct.Balance, amount); err != nil {
		return domain.ClaimAccount{}, fmt.Errorf("claims: %s balance: %w", class, err)
	}
	if mint.Supply, err = safe.Add(mint.Supply, amount); err != nil {
		return domain.ClaimAccount{}, fmt.Errorf("claims: %s supply: %w", class, err)
	}
	if err := tx.SaveClaimAccount(ctx, acct); err != nil {
		return domain.ClaimAccount{}, fmt.Errorf("claims: save account: %w", err)
	}
	if err := tx.SaveMint(ctx, mint); err != nil {
		return domain.ClaimAccount{}, fmt.Errorf("claims: save mint: %w", err)
	}
	return acct, nil
}

// Burn destroys amount claims of class from acct. The holder must own the
// account.
func (l *Ledger) Burn(ctx context.Context, tx domain.LedgerTx, class domain.ClaimClass, holder domain.Identity, acct domain.ClaimAccount, amount uint64) (domain.ClaimAccount, error) {
	if acct.Owner != holder {
		return acct, fmt.Errorf("%w: %s does not own claim account %s", domain.ErrUnauthorized, holder, acct.ID)
	}
	if !l.TransferabilityCheck(tx, class, acct) {
		return acct, domain.ErrTokenMintMismatch
	}
	if acct.Balance < amount {
		return acct, fmt.Errorf("claims: burn %d from balance %d: %w", amount, acct.Balance, domain.ErrInsufficientBalance)
	}

	mint := tx.Mint(class)
	if mint.Supply < amount {
		return acct, fmt.Errorf("claims: burn %d from supply %d: %w", amount, mint.Supply, domain.ErrInsufficientBalance)
	}
	acct.Balance -= amount
	mint.Supply -= amount

	if err := tx.SaveClaimAccount(ctx, acct); err != nil {
		return acct, fmt.Errorf("claims: save account: %w", err)
	}
	if err := tx.SaveMint(ctx, mint); err != nil {
		return acct, fmt.Errorf("claims: save mint: %w", err)
	}
	return acct, nil
}

// TransferabilityCheck reports whether acct holds claims of the given class
// of the transaction's market.
func (l *Ledger) TransferabilityCheck(tx domain.LedgerTx, class domain.ClaimClass, acct domain.ClaimAccount) bool {
	if !class.Valid() {
		return false
	}
	return acct.Mint == tx.Mint(class).ID
}
