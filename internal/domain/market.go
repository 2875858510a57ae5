package domain

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Asset identifies the reference asset a market settles against.
type Asset uint8

const (
	AssetBTC Asset = 1
	AssetSOL Asset = 2
	AssetETH Asset = 3
)

// Assets lists every supported asset in code order.
var Assets = []Asset{AssetBTC, AssetSOL, AssetETH}

func (a Asset) String() string {
	switch a {
	case AssetBTC:
		return "BTC"
	case AssetSOL:
		return "SOL"
	case AssetETH:
		return "ETH"
	default:
		return fmt.Sprintf("Asset(%d)", uint8(a))
	}
}

// Valid reports whether a is a supported asset code.
func (a Asset) Valid() bool {
	return a >= AssetBTC && a <= AssetETH
}

// ParseAsset accepts a symbol ("btc", "SOL") or a numeric code ("1".."3").
func ParseAsset(s string) (Asset, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BTC", "1":
		return AssetBTC, nil
	case "SOL", "2":
		return AssetSOL, nil
	case "ETH", "3":
		return AssetETH, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAsset, s)
}

// Outcome is the settled result of a market.
type Outcome uint8

const (
	OutcomeUnset Outcome = 0
	OutcomeYes   Outcome = 1
	OutcomeNo    Outcome = 2
)

func (o Outcome) String() string {
	switch o {
	case OutcomeYes:
		return "yes"
	case OutcomeNo:
		return "no"
	case OutcomeUnset:
		return "unset"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// WinningClass maps a settled outcome to the claim class that redeems.
func (o Outcome) WinningClass() (ClaimClass, error) {
	switch o {
	case OutcomeYes:
		return ClaimYes, nil
	case OutcomeNo:
		return ClaimNo, nil
	}
	return 0, ErrInvalidOutcome
}

// MarketState is the lifecycle state derived from the resolved flag.
type MarketState string

const (
	MarketStateOpen     MarketState = "open"
	MarketStateResolved MarketState = "resolved"
)

// Market is a single binary-outcome market. Creator, Strike, Expiry and Asset
// never change after creation. Outcome is set exactly when Resolved is true.
type Market struct {
	ID       Identity
	Creator  Identity
	Strike   uint64 // integer price units
	Expiry   int64  // unix seconds
	Asset    Asset
	Resolved bool
	Outcome  Outcome
}

// State returns the lifecycle state.
func (m Market) State() MarketState {
	if m.Resolved {
		return MarketStateResolved
	}
	return MarketStateOpen
}

// MarketRecordSize is the encoded length of a market record.
const MarketRecordSize = 32 + 8 + 8 + 1 + 1 + 1

// MarshalBinary encodes the persisted market record:
// creator(32) | strike u64 LE | expiry i64 LE | asset | resolved | outcome.
func (m Market) MarshalBinary() ([]byte, error) {
	buf := make([]byte, MarketRecordSize)
	copy(buf[0:32], m.Creator[:])
	binary.LittleEndian.PutUint64(buf[32:40], m.Strike)
	binary.LittleEndian.PutUint64(buf[40:48], uint64(m.Expiry))
	buf[48] = byte(m.Asset)
	if m.Resolved {
		buf[49] = 1
	}
	buf[50] = byte(m.Outcome)
	return buf, nil
}

// UnmarshalBinary decodes a market record. The ID is not part of the record
// and is left untouched.
func (m *Market) UnmarshalBinary(data []byte) error {
	if len(data) != MarketRecordSize {
		return fmt.Errorf("%w: market record must be %d bytes, got %d", ErrValidation, MarketRecordSize, len(data))
	}
	copy(m.Creator[:], data[0:32])
	m.Strike = binary.LittleEndian.Uint64(data[32:40])
	m.Expiry = int64(binary.LittleEndian.Uint64(data[40:48]))
	m.Asset = Asset(data[48])
	switch data[49] {
	case 0:
		m.Resolved = false
	case 1:
		m.Resolved = true
	default:
		return fmt.Errorf("%w: resolved flag %d", ErrValidation, data[49])
	}
	m.Outcome = Outcome(data[50])
	if m.Resolved != (m.Outcome != OutcomeUnset) {
		return fmt.Errorf("%w: resolved=%t with outcome %s", ErrValidation, m.Resolved, m.Outcome)
	}
	return nil
}

// CheckTransition validates a proposed update of prev to next: identity
// fields never change, a resolved market stays resolved with the same outcome,
// and Outcome is set exactly when Resolved is true.
func CheckTransition(prev, next Market) error {
	if next.ID != prev.ID || next.Creator != prev.Creator || next.Strike != prev.Strike ||
		next.Expiry != prev.Expiry || next.Asset != prev.Asset {
		return fmt.Errorf("%w: market %s identity fields are immutable", ErrValidation, prev.ID)
	}
	if prev.Resolved && (!next.Resolved || next.Outcome != prev.Outcome) {
		return fmt.Errorf("market %s: %w", prev.ID, ErrMarketAlreadyResolved)
	}
	if next.Resolved != (next.Outcome != OutcomeUnset) {
		return fmt.Errorf("market %s: %w", prev.ID, ErrInvalidOutcome)
	}
	return nil
}
