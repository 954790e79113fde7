// Package risk holds the pure arithmetic of the engine: fees, leverage bounds,
// profit and loss, and liquidation eligibility. Nothing here touches state.
package risk

import (
	"errors"
	"math/big"

	"github.com/uhyunpark/perpcore/pkg/util"
)

var (
	ErrBelowMinLeverage = errors.New("leverage below 1x")
	ErrAboveMaxLeverage = errors.New("leverage above market maximum")
	ErrInvalidTpSl      = errors.New("take-profit must be better than stop-loss")
)

// Fee = size * feeBps / 10000, truncated toward zero
func Fee(size *big.Int, feeBps int64) *big.Int {
	fee := new(big.Int).Mul(util.Big(size), big.NewInt(feeBps))
	return fee.Quo(fee, util.BPSInt())
}

// CheckLeverage enforces 1 <= size/margin <= maxLeverage without division
func CheckLeverage(margin, size *big.Int, maxLeverage int64) error {
	margin, size = util.Big(margin), util.Big(size)
	if size.Cmp(margin) < 0 {
		return ErrBelowMinLeverage
	}
	limit := new(big.Int).Mul(margin, big.NewInt(maxLeverage))
	if size.Cmp(limit) > 0 {
		return ErrAboveMaxLeverage
	}
	return nil
}

// ValidTpSl reports whether take-profit is strictly better than stop-loss
// Either being zero means the pair is not constrained
func ValidTpSl(isLong bool, tp, sl *big.Int) bool {
	tp, sl = util.Big(tp), util.Big(sl)
	if tp.Sign() == 0 || sl.Sign() == 0 {
		return true
	}
	if isLong {
		return tp.Cmp(sl) > 0
	}
	return tp.Cmp(sl) < 0
}

// PnL of closing size at exit against entry, in collateral units
// size is notional in collateral, so the move is applied as a ratio:
// size * (exit - entry) / entry, negated for shorts, truncated toward zero
func PnL(isLong bool, exit, entry, size *big.Int) *big.Int {
	if entry == nil || entry.Sign() == 0 {
		return new(big.Int)
	}
	diff := new(big.Int).Sub(exit, entry)
	if !isLong {
		diff.Neg(diff)
	}
	pnl := diff.Mul(diff, size)
	return pnl.Quo(pnl, entry)
}

// Proportional returns amount * part / whole, truncated
func Proportional(amount, part, whole *big.Int) *big.Int {
	if whole.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, part)
	return out.Quo(out, whole)
}

// EntryPrice re-weights the entry by notional after adding addSize at price
func EntryPrice(oldPrice, oldSize, price, addSize *big.Int) *big.Int {
	total := new(big.Int).Add(oldSize, addSize)
	if total.Sign() == 0 {
		return new(big.Int)
	}
	weighted := new(big.Int).Mul(oldPrice, oldSize)
	weighted.Add(weighted, new(big.Int).Mul(price, addSize))
	return weighted.Quo(weighted, total)
}

// MaintenanceMargin is the margin that must survive before liquidation:
// margin * (10000 - liqThreshold) / 10000
func MaintenanceMargin(margin *big.Int, liqThreshold int64) *big.Int {
	out := new(big.Int).Mul(margin, big.NewInt(util.BPS-liqThreshold))
	return out.Quo(out, util.BPSInt())
}

// MarginAfterLoss = margin + pnl - fundingOwed
func MarginAfterLoss(margin, pnl, fundingOwed *big.Int) *big.Int {
	out := new(big.Int).Add(margin, pnl)
	return out.Sub(out, fundingOwed)
}

// Liquidatable reports marginAfterLoss <= MaintenanceMargin(margin), boundary inclusive
func Liquidatable(marginAfterLoss, margin *big.Int, liqThreshold int64) bool {
	return marginAfterLoss.Cmp(MaintenanceMargin(margin, liqThreshold)) <= 0
}

// Deviation returns |a - b| * 10000 / b, the move of a away from b in bps
func Deviation(a, b *big.Int) *big.Int {
	if b.Sign() == 0 {
		return new(big.Int)
	}
	d := new(big.Int).Sub(a, b)
	d.Abs(d)
	d.Mul(d, util.BPSInt())
	return d.Quo(d, b)
}
