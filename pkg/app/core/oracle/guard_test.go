package oracle

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/uhyunpark/perpcore/pkg/app/core/market"
	"github.com/uhyunpark/perpcore/pkg/util"
)

func eth() market.Market {
	m := market.Defaults()[0]
	m.PriceMaxAge = 10
	m.MaxDeviation = 500
	return m
}

func TestGuard(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	price := util.MustUnits("1500", 18)

	tests := []struct {
		name      string
		primary   *Price
		reference *Price
		allowExt  bool
		want      *big.Int
		wantErr   error
	}{
		{
			name:    "fresh primary without reference",
			primary: &Price{price, now.Unix() - 5},
			want:    price,
		},
		{
			name:    "stale primary",
			primary: &Price{price, now.Unix() - 11},
			wantErr: ErrStale,
		},
		{
			name:    "missing primary",
			wantErr: ErrUnavailable,
		},
		{
			name:      "deviation above bound",
			primary:   &Price{util.MustUnits("1600", 18), now.Unix()},
			reference: &Price{price, now.Unix()},
			wantErr:   ErrDeviation,
		},
		{
			name:      "deviation at bound",
			primary:   &Price{util.MustUnits("1575", 18), now.Unix()},
			reference: &Price{price, now.Unix()},
			want:      util.MustUnits("1575", 18),
		},
		{
			name:      "stale primary falls back to reference",
			primary:   &Price{price, now.Unix() - 60},
			reference: &Price{util.MustUnits("1501", 18), now.Unix()},
			allowExt:  true,
			want:      util.MustUnits("1501", 18),
		},
		{
			name:      "fallback disabled",
			primary:   &Price{price, now.Unix() - 60},
			reference: &Price{util.MustUnits("1501", 18), now.Unix()},
			wantErr:   ErrStale,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			primary, reference := NewFeed(), NewFeed()
			if tt.primary != nil {
				_ = primary.Set("ETH-USD", tt.primary.Value, tt.primary.Timestamp)
			}
			if tt.reference != nil {
				_ = reference.Set("ETH-USD", tt.reference.Value, tt.reference.Timestamp)
			}

			m := eth()
			m.AllowExternalExecution = tt.allowExt
			g := &Guard{Primary: primary, Reference: reference, Clock: util.NewManualClock(now)}

			got, err := g.Price(ctx, m)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.Cmp(tt.want) != 0 {
				t.Errorf("price = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFeedRejectsNonPositive(t *testing.T) {
	f := NewFeed()
	if err := f.Set("ETH-USD", big.NewInt(0), 1); err == nil {
		t.Error("zero price accepted")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Price(ctx, "ETH-USD"); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
