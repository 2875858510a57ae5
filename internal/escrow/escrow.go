// Package escrow holds locked collateral in per-market custody sub-accounts.
package escrow

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/binaryoptions/internal/authority"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/safe"
)

// DefaultRate is the collateral backing one Yes/No claim pair.
const DefaultRate uint64 = 100_000

// Ledger moves collateral between participants and custody. Every mutation
// keeps custody.Balance == Rate × custody.OutstandingPairs.
type Ledger struct {
	rate uint64
}

// New returns an escrow ledger with the given collateral rate per pair.
func New(rate uint64) (*Ledger, error) {
	if rate == 0 {
		return nil, fmt.Errorf("%w: escrow rate must be > 0", domain.ErrValidation)
	}
	return &Ledger{rate: rate}, nil
}

// Rate returns the collateral units backing one claim pair.
func (l *Ledger) Rate() uint64 { return l.rate }

// Units converts a number of claim pairs to collateral units.
func (l *Ledger) Units(pairs uint64) (uint64, error) {
	units, err := safe.Mul(pairs, l.rate)
	if err != nil {
		return 0, fmt.Errorf("escrow: %d pairs at rate %d: %w", pairs, l.rate, err)
	}
	return units, nil
}

// Deposit moves pairs×rate from the depositor's collateral into the market's
// custody and records the new outstanding pairs.
func (l *Ledger) Deposit(ctx context.Context, tx domain.LedgerTx, auth authority.Authority, from domain.Identity, pairs uint64) (domain.Custody, error) {
	c := tx.Custody()
	if err := auth.Verify(c); err != nil {
		return c, err
	}
	units, err := l.Units(pairs)
	if err != nil {
		return c, err
	}
	if c.Balance, err = safe.Add(c.Balance, units); err != nil {
		return c, fmt.Errorf("escrow: custody balance: %w", err)
	}
	if c.OutstandingPairs, err = safe.Add(c.OutstandingPairs, pairs); err != nil {
		return c, fmt.Errorf("escrow: outstanding pairs: %w", err)
	}
	if err := tx.DebitCollateral(ctx, from, units); err != nil {
		return c, fmt.Errorf("escrow: debit %s: %w", from, err)
	}
	if err := tx.SaveCustody(ctx, c); err != nil {
		return c, fmt.Errorf("escrow: save custody: %w", err)
	}
	return c, nil
}

// Withdraw pays pairs×rate out of custody to the recipient. It transfers all
// of it or nothing.
func (l *Ledger) Withdraw(ctx context.Context, tx domain.LedgerTx, auth authority.Authority, to domain.Identity, pairs uint64) (domain.Custody, error) {
	c := tx.Custody()
	if err := auth.Verify(c); err != nil {
		return c, err
	}
	units, err := l.Units(pairs)
	if err != nil {
		return c, err
	}
	if units > c.Balance || pairs > c.OutstandingPairs {
		return c, fmt.Errorf("escrow: withdraw %d from custody holding %d: %w", units, c.Balance, domain.ErrInsufficientBalance)
	}
	c.Balance -= units
	c.OutstandingPairs -= pairs
	if err := tx.CreditCollateral(ctx, to, units); err != nil {
		return c, fmt.Errorf("escrow: credit %s: %w", to, err)
	}
	if err := tx.SaveCustody(ctx, c); err != nil {
		return c, fmt.Errorf("escrow: save custody: %w", err)
	}
	return c, nil
}

// CheckInvariant reports an integrity error if c is not fully backed.
func (l *Ledger) CheckInvariant(c domain.Custody) error {
	want, err := l.Units(c.OutstandingPairs)
	if err != nil {
		return err
	}
	if c.Balance != want {
		return fmt.Errorf("%w: custody %s holds %d, expected %d for %d pairs",
			domain.ErrInvariantViolation, c.Market, c.Balance, want, c.OutstandingPairs)
	}
	return nil
}
