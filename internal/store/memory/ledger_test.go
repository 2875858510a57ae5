package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

func seedMarket(t *testing.T, l *Ledger) domain.Market {
	t.Helper()
	m := domain.Market{ID: domain.Identity{1}, Creator: domain.Identity{2}, Strike: 100, Expiry: 1000, Asset: domain.AssetBTC}
	custody := domain.Custody{Market: m.ID, Authority: domain.Identity{3}}
	yes := domain.Mint{ID: domain.Identity{4}, Market: m.ID, Class: domain.ClaimYes}
	no := domain.Mint{ID: domain.Identity{5}, Market: m.ID, Class: domain.ClaimNo}
	if err := l.CreateMarket(context.Background(), m, custody, yes, no); err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m
}

func TestCreateMarketDuplicate(t *testing.T) {
	l := NewLedger()
	m := seedMarket(t, l)
	err := l.CreateMarket(context.Background(), m, domain.Custody{Market: m.ID}, domain.Mint{ID: domain.Identity{6}}, domain.Mint{ID: domain.Identity{7}})
	if !errors.Is(err, domain.ErrDuplicateMarket) {
		t.Fatalf("err=%v, want ErrDuplicateMarket", err)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	m := seedMarket(t, l)
	payer := domain.Identity{9}
	if _, err := l.CreditCollateral(ctx, payer, 500); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		if err := tx.DebitCollateral(ctx, payer, 300); err != nil {
			return err
		}
		c := tx.Custody()
		c.Balance = 300
		if err := tx.SaveCustody(ctx, c); err != nil {
			return err
		}
		if err := tx.SaveClaimAccount(ctx, domain.ClaimAccount{ID: domain.Identity{10}, Owner: payer, Mint: tx.Mint(domain.ClaimYes).ID, Balance: 3}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}

	if bal, _ := l.CollateralBalance(ctx, payer); bal != 500 {
		t.Fatalf("collateral=%d, want 500 after rollback", bal)
	}
	if c, _ := l.GetCustody(ctx, m.ID); c.Balance != 0 {
		t.Fatalf("custody=%d, want 0 after rollback", c.Balance)
	}
	if _, err := l.GetClaimAccount(ctx, domain.Identity{10}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("claim account err=%v, want ErrNotFound", err)
	}
}

func TestUpdateCommits(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	m := seedMarket(t, l)
	payee := domain.Identity{11}

	err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		mk := tx.Market()
		mk.Resolved, mk.Outcome = true, domain.OutcomeNo
		if err := tx.SaveMarket(ctx, mk); err != nil {
			return err
		}
		return tx.CreditCollateral(ctx, payee, 42)
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := l.GetMarket(ctx, m.ID)
	if !got.Resolved || got.Outcome != domain.OutcomeNo {
		t.Fatalf("market=%+v, want resolved no", got)
	}
	if bal, _ := l.CollateralBalance(ctx, payee); bal != 42 {
		t.Fatalf("collateral=%d, want 42", bal)
	}
}

func TestSaveMarketGuards(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	m := seedMarket(t, l)

	err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		mk := tx.Market()
		mk.Strike++
		return tx.SaveMarket(ctx, mk)
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("strike change err=%v, want ErrValidation", err)
	}

	err = l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		mk := tx.Market()
		mk.Resolved = true
		return tx.SaveMarket(ctx, mk)
	})
	if !errors.Is(err, domain.ErrInvalidOutcome) {
		t.Fatalf("resolved without outcome err=%v, want ErrInvalidOutcome", err)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	m := seedMarket(t, l)
	err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		return tx.DebitCollateral(ctx, domain.Identity{12}, 1)
	})
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("err=%v, want ErrInsufficientFunds", err)
	}
}

func TestUpdateUnknownMarket(t *testing.T) {
	l := NewLedger()
	err := l.Update(context.Background(), domain.Identity{0xff}, func(domain.LedgerTx) error { return nil })
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestDebitStaysPrivateUntilCommit(t *testing.T) {
	ctx := context.Background()
	l := NewLedger()
	a := seedMarket(t, l)
	b := domain.Market{ID: domain.Identity{21}, Creator: domain.Identity{2}, Strike: 100, Expiry: 2000, Asset: domain.AssetSOL}
	err := l.CreateMarket(ctx, b, domain.Custody{Market: b.ID, Authority: domain.Identity{22}},
		domain.Mint{ID: domain.Identity{23}, Market: b.ID, Class: domain.ClaimYes},
		domain.Mint{ID: domain.Identity{24}, Market: b.ID, Class: domain.ClaimNo})
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	owner := domain.Identity{9}
	if _, err := l.CreditCollateral(ctx, owner, 500); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = l.Update(ctx, a.ID, func(tx domain.LedgerTx) error {
		if err := tx.DebitCollateral(ctx, owner, 300); err != nil {
			return err
		}
		if bal, _ := l.CollateralBalance(ctx, owner); bal != 500 {
			t.Fatalf("balance mid-transaction=%d, want 500", bal)
		}
		// The reservation still guards the funds from a sibling market.
		err := l.Update(ctx, b.ID, func(tx domain.LedgerTx) error {
			return tx.DebitCollateral(ctx, owner, 201)
		})
		if !errors.Is(err, domain.ErrInsufficientFunds) {
			t.Fatalf("overlapping debit err=%v, want ErrInsufficientFunds", err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want boom", err)
	}
	if bal, _ := l.CollateralBalance(ctx, owner); bal != 500 {
		t.Fatalf("balance after rollback=%d, want 500", bal)
	}

	// Rolled-back reservations are released in full.
	err = l.Update(ctx, b.ID, func(tx domain.LedgerTx) error {
		return tx.DebitCollateral(ctx, owner, 500)
	})
	if err != nil {
		t.Fatalf("debit after rollback: %v", err)
	}
	if bal, _ := l.CollateralBalance(ctx, owner); bal != 0 {
		t.Fatalf("balance after commit=%d, want 0", bal)
	}
}
