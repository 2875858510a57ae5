package escrow

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/alanyoungcy/binaryoptions/internal/authority"
	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/store/memory"
)

func setup(t *testing.T) (*memory.Ledger, domain.Market, authority.Authority) {
	t.Helper()
	m := domain.Market{Creator: domain.Identity{1}, Strike: 50_000, Expiry: 2_000_000_000, Asset: domain.AssetSOL}
	m.ID = crypto.DeriveMarketID(m.Creator, m.Strike, m.Expiry)
	auth := authority.Derive("custody", m)

	l := memory.NewLedger()
	err := l.CreateMarket(context.Background(), m,
		domain.Custody{Market: m.ID, Authority: auth.Address()},
		domain.Mint{ID: crypto.DeriveMintID(domain.ClaimYes, m.ID), Market: m.ID, Class: domain.ClaimYes},
		domain.Mint{ID: crypto.DeriveMintID(domain.ClaimNo, m.ID), Market: m.ID, Class: domain.ClaimNo},
	)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return l, m, auth
}

func TestDepositWithdraw(t *testing.T) {
	ctx := context.Background()
	l, m, auth := setup(t)
	esc, _ := New(DefaultRate)
	alice := domain.Identity{0xa}
	if _, err := l.CreditCollateral(ctx, alice, 2_000_000); err != nil {
		t.Fatal(err)
	}

	err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		_, err := esc.Deposit(ctx, tx, auth, alice, 10)
		return err
	})
	if err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	c, _ := l.GetCustody(ctx, m.ID)
	if c.Balance != 1_000_000 || c.OutstandingPairs != 10 {
		t.Fatalf("custody=%+v, want 1000000/10", c)
	}
	if err := esc.CheckInvariant(c); err != nil {
		t.Fatalf("invariant: %v", err)
	}
	if bal, _ := l.CollateralBalance(ctx, alice); bal != 1_000_000 {
		t.Fatalf("alice=%d, want 1000000", bal)
	}

	err = l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		_, err := esc.Withdraw(ctx, tx, auth, alice, 11)
		return err
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("over-withdraw err=%v, want ErrInsufficientBalance", err)
	}

	err = l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		_, err := esc.Withdraw(ctx, tx, auth, alice, 4)
		return err
	})
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	c, _ = l.GetCustody(ctx, m.ID)
	if c.Balance != 600_000 || c.OutstandingPairs != 6 {
		t.Fatalf("custody=%+v, want 600000/6", c)
	}
	if bal, _ := l.CollateralBalance(ctx, alice); bal != 1_400_000 {
		t.Fatalf("alice=%d, want 1400000", bal)
	}
}

func TestDepositRejectsForeignAuthority(t *testing.T) {
	ctx := context.Background()
	l, m, _ := setup(t)
	esc, _ := New(DefaultRate)
	forged := authority.Derive("attacker", m)

	err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		_, err := esc.Withdraw(ctx, tx, forged, domain.Identity{0xb}, 0)
		return err
	})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err=%v, want ErrUnauthorized", err)
	}
}

func TestDepositOverflow(t *testing.T) {
	ctx := context.Background()
	l, m, auth := setup(t)
	esc, _ := New(DefaultRate)
	err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		_, err := esc.Deposit(ctx, tx, auth, domain.Identity{0xa}, math.MaxUint64/DefaultRate+1)
		return err
	})
	if !errors.Is(err, domain.ErrArithmeticOverflow) {
		t.Fatalf("err=%v, want ErrArithmeticOverflow", err)
	}
}

func TestNewRejectsZeroRate(t *testing.T) {
	if _, err := New(0); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err=%v, want ErrValidation", err)
	}
}
