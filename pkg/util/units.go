package util

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Fixed-point conventions shared by the ledger
// Prices and the funding index carry 18 decimals, asset amounts carry the asset's decimals
const (
	PriceDecimals = 18
	BPS           = 10000
)

// Unit is 10^18, the scale of prices and funding index values
var Unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)

var bpsInt = big.NewInt(BPS)

// BPSInt returns a fresh *big.Int holding the basis point divider
func BPSInt() *big.Int { return new(big.Int).Set(bpsInt) }

// ToUnits parses a human decimal string ("0.5", "1500") into an integer amount
// Rejects amounts with more fractional digits than decimals allows
func ToUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// MustUnits is ToUnits for constants and tests
func MustUnits(amount string, decimals int32) *big.Int {
	v, err := ToUnits(amount, decimals)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatUnits renders an integer amount as a decimal string
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// Big returns v, or zero when v is nil
func Big(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Copy returns a defensive copy of v (nil becomes zero)
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
