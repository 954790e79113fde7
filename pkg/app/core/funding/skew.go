package funding

import (
	"math/big"
	"time"

	"github.com/uhyunpark/perpcore/pkg/util"
)

// OpenInterestSource reports long and short open size of a market
type OpenInterestSource interface {
	OpenInterest(market string) (long, short *big.Int)
}

// FactorSource returns a market's yearly funding factor in bps
type FactorSource func(market string) (int64, bool)

// SkewRate derives the rate from open-interest imbalance:
// rate = factor * (long - short) / (long + short) / 10000 / secondsPerYear
// A fully one-sided market pays factor bps per year; a balanced one pays nothing
type SkewRate struct {
	OI     OpenInterestSource
	Factor FactorSource
}

func (s SkewRate) Rate(market string, _ time.Time) *big.Int {
	factor, ok := s.Factor(market)
	if !ok || factor == 0 {
		return new(big.Int)
	}

	long, short := s.OI.OpenInterest(market)
	total := new(big.Int).Add(long, short)
	if total.Sign() == 0 {
		return new(big.Int)
	}

	rate := new(big.Int).Sub(long, short)
	rate.Mul(rate, util.Unit)
	rate.Mul(rate, big.NewInt(factor))

	denom := new(big.Int).Mul(total, big.NewInt(util.BPS*SecondsPerYear))
	return rate.Quo(rate, denom)
}
