package domain

import "time"

// EventType names a committed lifecycle transition.
type EventType string

const (
	EventTreasuryInitialized EventType = "treasury_initialized"
	EventCollateralCredited  EventType = "collateral_credited"
	EventMarketCreated       EventType = "market_created"
	EventCollateralLocked    EventType = "collateral_locked"
	EventMarketResolved      EventType = "market_resolved"
	EventClaimsRedeemed      EventType = "claims_redeemed"
)

// EventChannel is the pub/sub channel and stream that carry MarketEvents.
const EventChannel = "market_events"

// MarketEvent is published after a transition commits.
type MarketEvent struct {
	Type    EventType `json:"type"`
	Market  Identity  `json:"market"`
	Caller  Identity  `json:"caller"`
	Amount  uint64    `json:"amount,omitempty"`
	Outcome string    `json:"outcome,omitempty"`
	Price   string    `json:"price,omitempty"`
	At      time.Time `json:"at"`
}
