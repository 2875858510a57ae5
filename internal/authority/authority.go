// Package authority models the custody signing capability of a market.
//
// An Authority can only be produced by Derive from the deployment namespace
// and the market's identity fields. Escrow and claim issuance require one and
// check it against the address recorded on the custody sub-account, so no
// participant identity can ever stand in for it.
package authority

import (
	"fmt"

	"github.com/alanyoungcy/binaryoptions/internal/crypto"
	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

// Authority is the capability to move a single market's custody funds and to
// issue its claims.
type Authority struct {
	market  domain.Identity
	address domain.Identity
}

// Derive returns the authority of m under namespace.
func Derive(namespace string, m domain.Market) Authority {
	return Authority{
		market:  m.ID,
		address: crypto.DeriveCustodyAuthority(namespace, m),
	}
}

// Market returns the market this authority is bound to.
func (a Authority) Market() domain.Identity { return a.market }

// Address returns the derived custody authority address.
func (a Authority) Address() domain.Identity { return a.address }

// Verify checks that a controls custody c.
func (a Authority) Verify(c domain.Custody) error {
	if a.address.IsZero() || a.market != c.Market || a.address != c.Authority {
		return fmt.Errorf("%w: custody authority mismatch for market %s", domain.ErrUnauthorized, c.Market)
	}
	return nil
}

// VerifyMint checks that a may issue against mint m.
func (a Authority) VerifyMint(m domain.Mint) error {
	if a.address.IsZero() || a.market != m.Market {
		return fmt.Errorf("%w: mint %s is not controlled by market %s", domain.ErrUnauthorized, m.ID, a.market)
	}
	return nil
}
