package risk

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"github.com/uhyunpark/perpcore/pkg/util"
)

func units(s string) *big.Int { return util.MustUnits(s, 18) }

func TestFee(t *testing.T) {
	tests := []struct {
		size string
		bps  int64
		want string
	}{
		{"5", 10, "0.005"},
		{"1", 3, "0.0003"},
		{"0", 10, "0"},
	}
	for _, tt := range tests {
		got := Fee(units(tt.size), tt.bps)
		if got.Cmp(units(tt.want)) != 0 {
			t.Errorf("Fee(%s, %d) = %s, want %s", tt.size, tt.bps, got, units(tt.want))
		}
	}

	// Truncation toward zero
	if got := Fee(big.NewInt(9999), 1); got.Sign() != 0 {
		t.Errorf("Fee(9999, 1) = %s, want 0", got)
	}
	if got := Fee(big.NewInt(19999), 1); got.Int64() != 1 {
		t.Errorf("Fee(19999, 1) = %s, want 1", got)
	}
}

func TestCheckLeverageFuzz(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const maxLev = 50

	for i := 0; i < 5000; i++ {
		margin := big.NewInt(rng.Int63n(1_000_000))
		size := big.NewInt(rng.Int63n(60_000_000))
		err := CheckLeverage(margin, size, maxLev)

		switch {
		case size.Cmp(margin) < 0:
			if !errors.Is(err, ErrBelowMinLeverage) {
				t.Fatalf("margin=%s size=%s: got %v, want below-min", margin, size, err)
			}
		case size.Cmp(new(big.Int).Mul(margin, big.NewInt(maxLev))) > 0:
			if !errors.Is(err, ErrAboveMaxLeverage) {
				t.Fatalf("margin=%s size=%s: got %v, want above-max", margin, size, err)
			}
		default:
			if err != nil {
				t.Fatalf("margin=%s size=%s: unexpected %v", margin, size, err)
			}
		}
	}

	// Exact bounds
	if err := CheckLeverage(big.NewInt(10), big.NewInt(10), maxLev); err != nil {
		t.Errorf("1x rejected: %v", err)
	}
	if err := CheckLeverage(big.NewInt(10), big.NewInt(500), maxLev); err != nil {
		t.Errorf("50x rejected: %v", err)
	}
	if err := CheckLeverage(big.NewInt(10), big.NewInt(501), maxLev); !errors.Is(err, ErrAboveMaxLeverage) {
		t.Errorf("50.1x accepted: %v", err)
	}
}

func TestValidTpSl(t *testing.T) {
	tests := []struct {
		isLong bool
		tp, sl int64
		want   bool
	}{
		{true, 2000, 1000, true},
		{true, 1000, 2000, false},
		{true, 1000, 1000, false},
		{false, 1000, 2000, true},
		{false, 2000, 1000, false},
		{true, 0, 2000, true},
		{false, 1000, 0, true},
	}
	for _, tt := range tests {
		if got := ValidTpSl(tt.isLong, big.NewInt(tt.tp), big.NewInt(tt.sl)); got != tt.want {
			t.Errorf("ValidTpSl(%v, %d, %d) = %v, want %v", tt.isLong, tt.tp, tt.sl, got, tt.want)
		}
	}
}

func TestPnL(t *testing.T) {
	size := units("5")
	entry := units("1500")

	// +10% move on a long of size 5 gains 0.5
	if got := PnL(true, units("1650"), entry, size); got.Cmp(units("0.5")) != 0 {
		t.Errorf("long pnl = %s", got)
	}
	if got := PnL(false, units("1650"), entry, size); got.Cmp(units("-0.5")) != 0 {
		t.Errorf("short pnl = %s", got)
	}
	if got := PnL(true, entry, entry, size); got.Sign() != 0 {
		t.Errorf("flat pnl = %s", got)
	}
}

func TestEntryPrice(t *testing.T) {
	got := EntryPrice(units("1000"), units("1"), units("2000"), units("1"))
	if got.Cmp(units("1500")) != 0 {
		t.Errorf("EntryPrice = %s, want 1500", got)
	}
}

func TestLiquidationBoundary(t *testing.T) {
	margin := big.NewInt(1_000_000)
	const liq = 9900 // 1% of margin must remain

	threshold := MaintenanceMargin(margin, liq)
	if threshold.Int64() != 10_000 {
		t.Fatalf("threshold = %s, want 10000", threshold)
	}

	tests := []struct {
		after int64
		want  bool
	}{
		{10_001, false},
		{10_000, true},
		{9_999, true},
		{-5, true},
	}
	for _, tt := range tests {
		if got := Liquidatable(big.NewInt(tt.after), margin, liq); got != tt.want {
			t.Errorf("Liquidatable(%d) = %v, want %v", tt.after, got, tt.want)
		}
	}

	after := MarginAfterLoss(margin, big.NewInt(-900_000), big.NewInt(90_000))
	if after.Int64() != 10_000 {
		t.Errorf("MarginAfterLoss = %s", after)
	}
}

func TestDeviation(t *testing.T) {
	if got := Deviation(big.NewInt(105), big.NewInt(100)); got.Int64() != 500 {
		t.Errorf("Deviation = %s, want 500", got)
	}
	if got := Deviation(big.NewInt(95), big.NewInt(100)); got.Int64() != 500 {
		t.Errorf("Deviation = %s, want 500", got)
	}
}
