package perp

import (
	"errors"

	"github.com/uhyunpark/perpcore/pkg/app/core/oracle"
	"github.com/uhyunpark/perpcore/pkg/app/core/risk"
)

// Validation errors: the submission is rejected before any state changes
var (
	ErrPaused            = errors.New("new orders are paused")
	ErrMinSizeViolation  = errors.New("order size below asset minimum")
	ErrUnknownAsset      = errors.New("unknown collateral asset")
	ErrUnknownMarket     = errors.New("unknown or closed market")
	ErrMarketReduceOnly  = errors.New("market accepts reduce-only orders")
	ErrBelowMinLeverage  = risk.ErrBelowMinLeverage
	ErrAboveMaxLeverage  = risk.ErrAboveMaxLeverage
	ErrInvalidTpSl       = risk.ErrInvalidTpSl
	ErrInsufficientValue = errors.New("value does not cover margin and fee")
	ErrInvalidOrder      = errors.New("malformed order")
	ErrInvalidExpiry     = errors.New("expiry already passed")
)

// Deferral errors: the order keeps resting and is retried later
var (
	ErrStalePrice        = oracle.ErrStale
	ErrOracleDeviation   = oracle.ErrDeviation
	ErrPriceUnavailable  = oracle.ErrUnavailable
	ErrOrderNotAged      = errors.New("order younger than market minimum age")
	ErrTriggerNotReached = errors.New("trigger price not reached")
	ErrExcessReduceSize  = errors.New("reduce size exceeds position size")
)

// Terminal errors: the order is gone, with its escrow refunded where it existed
var (
	ErrMarketClosed       = errors.New("market closed")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderExpired       = errors.New("order expired")
	ErrNoPositionToReduce = errors.New("no opposite position to reduce")
	ErrPositionLiquidated = errors.New("position liquidated by funding")
)

// Other operation errors
var (
	ErrUnauthorized     = errors.New("caller not authorized")
	ErrPositionNotFound = errors.New("position not found")
	ErrNotLiquidatable  = errors.New("position above maintenance margin")
	ErrInvariant        = errors.New("ledger invariant violated")
)

// Class groups errors by how callers should react
type Class int

const (
	ClassNone       Class = iota // nil error
	ClassValidation              // fix the input and resubmit
	ClassDeferral                // order still resting, retry later
	ClassTerminal                // order released, nothing to retry
	ClassInvariant               // defect, nothing was written
	ClassOther                   // authorization, storage and custody failures
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassValidation:
		return "validation"
	case ClassDeferral:
		return "deferral"
	case ClassTerminal:
		return "terminal"
	case ClassInvariant:
		return "invariant"
	default:
		return "other"
	}
}

var classes = []struct {
	class Class
	errs  []error
}{
	{ClassInvariant, []error{ErrInvariant}},
	{ClassValidation, []error{
		ErrPaused, ErrMinSizeViolation, ErrUnknownAsset, ErrUnknownMarket, ErrMarketReduceOnly,
		ErrBelowMinLeverage, ErrAboveMaxLeverage, ErrInvalidTpSl, ErrInsufficientValue,
		ErrInvalidOrder, ErrInvalidExpiry,
	}},
	{ClassDeferral, []error{
		ErrStalePrice, ErrOracleDeviation, ErrPriceUnavailable, ErrOrderNotAged,
		ErrTriggerNotReached, ErrExcessReduceSize,
	}},
	{ClassTerminal, []error{
		ErrMarketClosed, ErrOrderNotFound, ErrOrderExpired, ErrNoPositionToReduce, ErrPositionLiquidated,
	}},
}

// Classify maps err onto its Class
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.class
			}
		}
	}
	return ClassOther
}

// reason is a short metric/log label for err
func reason(err error) string {
	switch {
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrMinSizeViolation):
		return "min_size"
	case errors.Is(err, ErrUnknownAsset):
		return "unknown_asset"
	case errors.Is(err, ErrUnknownMarket):
		return "unknown_market"
	case errors.Is(err, ErrMarketReduceOnly):
		return "market_reduce_only"
	case errors.Is(err, ErrBelowMinLeverage):
		return "min_leverage"
	case errors.Is(err, ErrAboveMaxLeverage):
		return "max_leverage"
	case errors.Is(err, ErrInvalidTpSl):
		return "tpsl_invalid"
	case errors.Is(err, ErrInsufficientValue):
		return "insufficient_value"
	case errors.Is(err, ErrInvalidExpiry):
		return "expiry"
	case errors.Is(err, ErrInvalidOrder):
		return "invalid_order"
	case errors.Is(err, ErrStalePrice):
		return "stale_price"
	case errors.Is(err, ErrOracleDeviation):
		return "oracle_deviation"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrOrderNotAged):
		return "not_aged"
	case errors.Is(err, ErrTriggerNotReached):
		return "trigger"
	case errors.Is(err, ErrExcessReduceSize):
		return "excess_reduce"
	default:
		return Classify(err).String()
	}
}
