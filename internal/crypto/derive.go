// Package crypto derives ledger identities and signs operator commands.
//
// Every identity in the ledger is a keccak256 digest over a fixed seed and
// the fields that make the object unique, so the same inputs always produce
// the same address and no two object kinds can collide.
package crypto

import (
	"encoding/binary"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/binaryoptions/internal/domain"
)

const (
	seedMarket       = "market"
	seedYesMint      = "yes_mint"
	seedNoMint       = "no_mint"
	seedClaimAccount = "claim_account"
)

// DeriveMarketID returns the market identity for (creator, strike, expiry).
// The asset is not part of the seed, so a creator cannot open two markets
// with the same strike and expiry on different assets.
func DeriveMarketID(creator domain.Identity, strike uint64, expiry int64) domain.Identity {
	return hashIdentity(
		[]byte(seedMarket),
		creator[:],
		le64(strike),
		le64(uint64(expiry)),
	)
}

// DeriveCustodyAuthority returns the custody signing authority for a market.
// namespace scopes authorities to one deployment.
func DeriveCustodyAuthority(namespace string, m domain.Market) domain.Identity {
	return hashIdentity(
		[]byte(namespace),
		m.Creator[:],
		le64(m.Strike),
		le64(uint64(m.Expiry)),
	)
}

// DeriveMintID returns the mint identity of one claim class of a market.
func DeriveMintID(class domain.ClaimClass, marketID domain.Identity) domain.Identity {
	seed := seedYesMint
	if class == domain.ClaimNo {
		seed = seedNoMint
	}
	return hashIdentity([]byte(seed), marketID[:])
}

// DeriveClaimAccountID returns the associated claim account of owner for mint.
func DeriveClaimAccountID(owner, mint domain.Identity) domain.Identity {
	return hashIdentity([]byte(seedClaimAccount), owner[:], mint[:])
}

func hashIdentity(parts ...[]byte) domain.Identity {
	var id domain.Identity
	copy(id[:], ethcrypto.Keccak256(parts...))
	return id
}

func le64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}
