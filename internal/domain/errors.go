package domain

import "errors"

// ErrorKind classifies a ledger failure so callers can map it to a
// transport-level status without matching on every sentinel.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindState
	KindOracle
	KindIntegrity
	KindAuth
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindOracle:
		return "oracle"
	case KindIntegrity:
		return "integrity"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified ledger error. Code is a stable machine-readable name.
type Error struct {
	Kind ErrorKind
	Code string
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func newError(kind ErrorKind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

var (
	ErrValidation       = newError(KindValidation, "validation", "invalid argument")
	ErrInvalidAsset     = newError(KindValidation, "invalid_asset", "unsupported asset")
	ErrInvalidSignature = newError(KindAuth, "invalid_signature", "invalid signature")

	ErrDuplicateMarket        = newError(KindState, "duplicate_market", "market already exists")
	ErrMarketAlreadyResolved  = newError(KindState, "market_already_resolved", "market already resolved")
	ErrMarketNotExpired       = newError(KindState, "market_not_expired", "market has not expired")
	ErrMarketNotResolved      = newError(KindState, "market_not_resolved", "market not resolved")
	ErrMarketExpired          = newError(KindState, "market_expired", "market has expired")
	ErrTreasuryNotInitialized = newError(KindState, "treasury_not_initialized", "treasury not initialized")
	ErrAlreadyExists          = newError(KindState, "already_exists", "already exists")

	ErrPriceUnavailable = newError(KindOracle, "price_unavailable", "price unavailable")
	ErrInvalidPriceFeed = newError(KindOracle, "invalid_price_feed", "invalid price feed")

	ErrTokenMintMismatch   = newError(KindIntegrity, "token_mint_mismatch", "claim account mint does not match winning mint")
	ErrInsufficientBalance = newError(KindIntegrity, "insufficient_balance", "insufficient balance")
	ErrInsufficientFunds   = newError(KindIntegrity, "insufficient_funds", "insufficient collateral funds")
	ErrArithmeticOverflow  = newError(KindIntegrity, "arithmetic_overflow", "arithmetic overflow")
	ErrInvalidOutcome      = newError(KindIntegrity, "invalid_outcome", "market outcome not set")
	ErrInvariantViolation  = newError(KindIntegrity, "invariant_violation", "custody invariant violated")

	ErrUnauthorized = newError(KindAuth, "unauthorized", "unauthorized")

	ErrNotFound    = newError(KindNotFound, "not_found", "not found")
	ErrRateLimited = errors.New("rate limited")
	ErrLockHeld    = errors.New("lock already held")
)

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code of the first classified error in err's chain,
// or "internal" when err is unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}
