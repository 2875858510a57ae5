package claims

import (
	"context"
	"errors"
	"testing"

	"github.com/alanyoungcy/binaryoptions/internal/authority"
	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
	"github.com/alanyoungcy/binaryoptions/internal/store/memory"
)

func newMarket(t *testing.T, l *memory.Ledger, strike uint64) (domain.Market, authority.Authority) {
	t.Helper()
	m := domain.Market{Creator: domain.Identity{1}, Strike: strike, Expiry: 2_000_000_000, Asset: domain.AssetBTC}
	m.ID = crypto.DeriveMarketID(m.Creator, m.Strike, m.Expiry)
	auth := authority.Derive("custody", m)
	err := l.CreateMarket(context.Background(), m,
		domain.Custody{Market: m.ID, Authority: auth.Address()},
		domain.Mint{ID: crypto.DeriveMintID(domain.ClaimYes, m.ID), Market: m.ID, Class: domain.ClaimYes},
		domain.Mint{ID: crypto.DeriveMintID(domain.ClaimNo, m.ID), Market: m.ID, Class: domain.ClaimNo},
	)
	if err != nil {
		t.Fatalf("CreateMarket: %v", err)
	}
	return m, auth
}

func TestIssueAndBurn(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	m, auth := newMarket(t, l, 100)
	cl := New()
	alice := domain.Identity{0xa}

	var acct domain.ClaimAccount
	err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		var err error
		if acct, err = cl.Issue(ctx, tx, auth, domain.ClaimYes, alice, 5); err != nil {
			return err
		}
		acct, err = cl.Issue(ctx, tx, auth, domain.ClaimYes, alice, 3)
		return err
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if acct.Balance != 8 || acct.Owner != alice {
		t.Fatalf("account=%+v, want balance 8 owned by alice", acct)
	}
	if acct.ID != crypto.DeriveClaimAccountID(alice, crypto.DeriveMintID(domain.ClaimYes, m.ID)) {
		t.Fatal("issued to a non-associated account")
	}
	mint, _ := l.GetMint(ctx, crypto.DeriveMintID(domain.ClaimYes, m.ID))
	if mint.Supply != 8 {
		t.Fatalf("supply=%d, want 8", mint.Supply)
	}

	tests := []struct {
		name   string
		holder domain.Identity
		class  domain.ClaimClass
		amount uint64
		want   error
	}{
		{"not owner", domain.Identity{0xb}, domain.ClaimYes, 1, domain.ErrUnauthorized},
		{"wrong class", alice, domain.ClaimNo, 1, domain.ErrTokenMintMismatch},
		{"too much", alice, domain.ClaimYes, 9, domain.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
				_, err := cl.Burn(ctx, tx, tt.class, tt.holder, acct, tt.amount)
				return err
			})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err=%v, want %v", err, tt.want)
			}
		})
	}

	err = l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		_, err := cl.Burn(ctx, tx, domain.ClaimYes, alice, acct, 8)
		return err
	})
	if err != nil {
		t.Fatalf("Burn: %v", err)
	}
	got, _ := l.GetClaimAccount(ctx, acct.ID)
	mint, _ = l.GetMint(ctx, mint.ID)
	if got.Balance != 0 || mint.Supply != 0 {
		t.Fatalf("after burn balance=%d supply=%d, want 0/0", got.Balance, mint.Supply)
	}
}

func TestIssueRequiresMarketAuthority(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	m, _ := newMarket(t, l, 100)
	_, otherAuth := newMarket(t, l, 200)

	err := l.Update(ctx, m.ID, func(tx domain.LedgerTx) error {
		_, err := New().Issue(ctx, tx, otherAuth, domain.ClaimYes, domain.Identity{0xa}, 1)
		return err
	})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err=%v, want ErrUnauthorized", err)
	}
}

func TestTransferabilityAcrossMarkets(t *testing.T) {
	ctx := context.Background()
	l := memory.NewLedger()
	a, _ := newMarket(t, l, 100)
	b, _ := newMarket(t, l, 200)
	foreign := domain.ClaimAccount{Owner: domain.Identity{0xa}, Mint: crypto.DeriveMintID(domain.ClaimYes, b.ID)}

	_ = l.Update(ctx, a.ID, func(tx domain.LedgerTx) error {
		if New().TransferabilityCheck(tx, domain.ClaimYes, foreign) {
			t.Error("account of another market passed the check")
		}
		return nil
	})
}
