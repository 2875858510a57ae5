package domain

import "time"

// ClaimClass distinguishes the two claim tokens of a market.
type ClaimClass uint8

const (
	ClaimYes ClaimClass = 1
	ClaimNo  ClaimClass = 2
)

func (c ClaimClass) String() string {
	switch c {
	case ClaimYes:
		return "yes"
	case ClaimNo:
		return "no"
	default:
		return "invalid"
	}
}

// Valid reports whether c is Yes or No.
func (c ClaimClass) Valid() bool {
	return c == ClaimYes || c == ClaimNo
}

// Mint is the issuance record for one claim class of one market. Only the
// market's custody authority may issue against it.
type Mint struct {
	ID     Identity
	Market Identity
	Class  ClaimClass
	Supply uint64
}

// ClaimAccount holds one owner's balance of a single mint.
type ClaimAccount struct {
	ID      Identity
	Owner   Identity
	Mint    Identity
	Balance uint64
}

// Custody is the per-market escrow sub-account. Balance always equals
// rate × OutstandingPairs.
type Custody struct {
	Market           Identity
	Authority        Identity
	Balance          uint64
	OutstandingPairs uint64
}

// CollateralAccount is a participant's spendable collateral outside any
// market.
type CollateralAccount struct {
	Owner   Identity
	Balance uint64
}

// Treasury is the one-time bootstrap record. Markets can only be created
// after it exists.
type Treasury struct {
	Admin     Identity
	Namespace string
	CreatedAt time.Time
}

// Settlement is the archived summary of a resolved market.
type Settlement struct {
	Market     Market
	Custody    Custody
	YesSupply  uint64
	NoSupply   uint64
	ArchivedAt time.Time
}
