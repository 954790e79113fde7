package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/uhyunpark/perpcore/pkg/app/core/market"
	"github.com/uhyunpark/perpcore/pkg/app/core/risk"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// Guard applies a market's oracle bounds to raw feeds
//
// Primary is the execution feed. Reference, when set, is an independent feed used
// to bound deviation and, for markets with AllowExternalExecution, as a fallback
// when the primary quote is stale or missing.
type Guard struct {
	Primary   Oracle
	Reference Oracle
	Clock     util.Clock
}

// Price returns the execution price for m or a deferral error
func (g *Guard) Price(ctx context.Context, m market.Market) (*big.Int, error) {
	now := g.Clock.Now().Unix()

	primary, err := g.Primary.Price(ctx, m.Feed())
	if err == nil && g.stale(m, primary, now) {
		err = fmt.Errorf("%w: %s quote is %ds old (max %ds)", ErrStale, m.Symbol, now-primary.Timestamp, m.PriceMaxAge)
	}

	var (
		ref    Price
		refErr = ErrUnavailable
	)
	if g.Reference != nil {
		ref, refErr = g.Reference.Price(ctx, m.Feed())
		if refErr == nil && g.stale(m, ref, now) {
			refErr = ErrStale
		}
	}

	if err != nil {
		if m.AllowExternalExecution && refErr == nil {
			return ref.Value, nil
		}
		if errors.Is(err, ErrStale) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, m.Symbol, err)
	}

	if refErr == nil && m.MaxDeviation > 0 {
		dev := risk.Deviation(primary.Value, ref.Value)
		if dev.Cmp(big.NewInt(m.MaxDeviation)) > 0 {
			return nil, fmt.Errorf("%w: %s moved %s bps (max %d)", ErrDeviation, m.Symbol, dev, m.MaxDeviation)
		}
	}

	return primary.Value, nil
}

func (g *Guard) stale(m market.Market, p Price, now int64) bool {
	return m.PriceMaxAge > 0 && now-p.Timestamp > m.PriceMaxAge
}
