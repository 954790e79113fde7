package perp

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpcore/pkg/app/core/asset"
	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/app/core/vault"
	"github.com/uhyunpark/perpcore/pkg/events"
)

// Long 5 at 1500, closed reduce-only at 1650: pnl 0.5, payout 1.0
func TestReduceOnlyCloseScenario(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	h.open(alice, "ETH-USD", true, "0.5", "5")

	h.advance(time.Minute)
	h.price("ETH-USD", "1650")

	res, err := h.p.SubmitOrder(h.ctx, reduceOnly(marketOrder(alice, "ETH-USD", false, "0", "5")), nil, nil, eth("0.005"))
	require.NoError(t, err)

	exec, err := h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, eth("0.5"), exec.PnL)
	assert.Nil(t, exec.Position)

	_, open := h.position(alice, "ETH-USD")
	assert.False(t, open)

	b := h.balance(alice, asset.Native)
	assert.Equal(t, eth("1"), b.Free)
	assert.Zero(t, b.Escrowed.Sign())

	// pool: +0.005 +0.005 fees, -0.5 profit
	assert.Equal(t, eth("999.51"), h.balance(vault.Pool, asset.Native).Free)

	executed := h.events.OfType(events.OrderExecuted)
	require.Len(t, executed, 2)
	assert.Equal(t, eth("1650"), executed[1].Price)
	assert.Equal(t, eth("0.5"), executed[1].PnL)
}

func TestPartialCloseReleasesProportionalMargin(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	h.open(alice, "ETH-USD", true, "0.5", "5")

	// flat price: 2 of 5 closed releases 0.2 margin
	res, err := h.p.SubmitOrder(h.ctx, reduceOnly(marketOrder(alice, "ETH-USD", false, "0", "2")), nil, nil, eth("0.002"))
	require.NoError(t, err)
	exec, err := h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.NoError(t, err)
	assert.Zero(t, exec.PnL.Sign())

	pos, ok := h.position(alice, "ETH-USD")
	require.True(t, ok)
	assert.Equal(t, eth("3"), pos.Size)
	assert.Equal(t, eth("0.3"), pos.Margin)
	assert.Equal(t, eth("0.2"), h.balance(alice, asset.Native).Free)
}

func TestIncreaseReweightsEntry(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	h.open(alice, "ETH-USD", true, "0.5", "5")
	h.price("ETH-USD", "2000")
	h.open(alice, "ETH-USD", true, "0.5", "5")

	pos, ok := h.position(alice, "ETH-USD")
	require.True(t, ok)
	assert.Equal(t, eth("10"), pos.Size)
	assert.Equal(t, eth("1"), pos.Margin)
	assert.Equal(t, eth("1750"), pos.Price)
}

func TestLossCappedAtReleasedMargin(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	h.open(alice, "ETH-USD", true, "0.5", "5")

	// -20%: loss of 1.0 on 0.5 margin
	h.price("ETH-USD", "1200")
	res, err := h.p.SubmitOrder(h.ctx, reduceOnly(marketOrder(alice, "ETH-USD", false, "0", "5")), nil, nil, eth("0.005"))
	require.NoError(t, err)
	exec, err := h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, eth("-1"), exec.PnL)

	b := h.balance(alice, asset.Native)
	assert.Zero(t, b.Free.Sign())
	assert.Zero(t, b.Escrowed.Sign())
	// pool keeps the margin and both fees, nothing more
	assert.Equal(t, eth("1000.51"), h.balance(vault.Pool, asset.Native).Free)
}

func TestOppositeOrderReducesAndReturnsItsMargin(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	h.open(alice, "ETH-USD", true, "0.5", "5")

	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", false, "0.2", "2"), nil, nil, eth("0.202"))
	require.NoError(t, err)
	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.NoError(t, err)

	pos, ok := h.position(alice, "ETH-USD")
	require.True(t, ok)
	assert.True(t, pos.IsLong)
	assert.Equal(t, eth("3"), pos.Size)
	// 0.2 released from the position plus the order's own 0.2
	assert.Equal(t, eth("0.4"), h.balance(alice, asset.Native).Free)
}

func TestExcessReduceSizeLeavesState(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	h.open(alice, "ETH-USD", true, "0.5", "5")

	res, err := h.p.SubmitOrder(h.ctx, reduceOnly(marketOrder(alice, "ETH-USD", false, "0", "6")), nil, nil, eth("0.006"))
	require.NoError(t, err)

	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.ErrorIs(t, err, ErrExcessReduceSize)
	assert.Equal(t, ClassDeferral, Classify(err))

	_, err = h.p.GetOrder(res.OrderID)
	require.NoError(t, err, "order keeps resting")
	pos, ok := h.position(alice, "ETH-USD")
	require.True(t, ok)
	assert.Equal(t, eth("5"), pos.Size)
	assert.Equal(t, eth("0.506"), h.balance(alice, asset.Native).Escrowed)
}

func TestNoPositionToReduceReleasesOrder(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")

	res, err := h.p.SubmitOrder(h.ctx, reduceOnly(marketOrder(alice, "ETH-USD", false, "0", "1")), nil, nil, eth("0.001"))
	require.NoError(t, err)

	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.ErrorIs(t, err, ErrNoPositionToReduce)
	assert.Equal(t, ClassTerminal, Classify(err))

	_, err = h.p.GetOrder(res.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, eth("0.001"), h.balance(alice, asset.Native).Free)

	cancelled := h.events.OfType(events.OrderCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "nothing_to_reduce", cancelled[0].Reason)
}

func TestLimitTrigger(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")

	res, err := h.p.SubmitOrder(h.ctx, triggerOrder(alice, "ETH-USD", order.Limit, true, "0.5", "5", "1500"), nil, nil, eth("0.505"))
	require.NoError(t, err)

	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.ErrorIs(t, err, ErrOrderNotAged)

	h.advance(time.Second)
	require.NoError(t, h.feed.Set("ETH-USD", new(big.Int).Add(eth("1500"), big.NewInt(1)), h.clock.Now().Unix()))
	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.ErrorIs(t, err, ErrTriggerNotReached)
	assert.Equal(t, ClassDeferral, Classify(err))

	h.price("ETH-USD", "1500")
	exec, err := h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, eth("1500"), exec.Price)
}

func TestStopTriggerShort(t *testing.T) {
	h := newHarness(t)
	h.price("BTC-USD", "30000")

	res, err := h.p.SubmitOrder(h.ctx, triggerOrder(bob, "BTC-USD", order.Stop, false, "1", "10", "29000"), nil, nil, eth("1.01"))
	require.NoError(t, err)
	h.advance(time.Second)

	h.price("BTC-USD", "29500")
	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.ErrorIs(t, err, ErrTriggerNotReached)

	h.price("BTC-USD", "28900")
	exec, err := h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.NoError(t, err)
	require.NotNil(t, exec.Position)
	assert.False(t, exec.Position.IsLong)
}

func TestStalePriceDefers(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.505"))
	require.NoError(t, err)

	h.advance(11 * time.Second)
	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.ErrorIs(t, err, ErrStalePrice)

	_, err = h.p.GetOrder(res.OrderID)
	require.NoError(t, err)
}

func TestOracleDeviationDefers(t *testing.T) {
	h := newHarness(t, withReference())
	h.price("ETH-USD", "1500")
	require.NoError(t, h.ref.Set("ETH-USD", eth("1600"), h.clock.Now().Unix()))

	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.505"))
	require.NoError(t, err)

	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.ErrorIs(t, err, ErrOracleDeviation)
	assert.Equal(t, ClassDeferral, Classify(err))

	o, err := h.p.GetOrder(res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, eth("0.5"), o.Margin)
	assert.Equal(t, eth("0.505"), h.balance(alice, asset.Native).Escrowed)
	assert.Empty(t, h.events.OfType(events.OrderCancelled))

	// within 500 bps the primary quote is used
	require.NoError(t, h.ref.Set("ETH-USD", eth("1510"), h.clock.Now().Unix()))
	exec, err := h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, eth("1500"), exec.Price)
}

func TestTakeProfitCancelsStopLoss(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")

	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), eth("1700"), eth("1400"), eth("0.515"))
	require.NoError(t, err)
	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.NoError(t, err)

	h.advance(time.Second)
	h.price("ETH-USD", "1700")

	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.StopLossID)
	require.ErrorIs(t, err, ErrTriggerNotReached)

	exec, err := h.p.ExecuteOrder(h.ctx, keeper, res.TakeProfitID)
	require.NoError(t, err)
	assert.Equal(t, "666666666666666666", exec.PnL.String())
	assert.Equal(t, res.StopLossID, exec.Cancelled)

	_, err = h.p.GetOrder(res.StopLossID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	_, open := h.position(alice, "ETH-USD")
	assert.False(t, open)

	// payout 0.5 + pnl, plus the refunded stop-loss fee
	want := new(big.Int).Add(eth("0.505"), exec.PnL)
	b := h.balance(alice, asset.Native)
	assert.Equal(t, want, b.Free)
	assert.Zero(t, b.Escrowed.Sign())

	cancelled := h.events.OfType(events.OrderCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "oco", cancelled[0].Reason)
}

func TestExpiredOrderIsReleased(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")

	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.505"))
	require.NoError(t, err)

	h.advance(5 * time.Minute)
	h.price("ETH-USD", "1500")
	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.ErrorIs(t, err, ErrOrderExpired)

	_, err = h.p.GetOrder(res.OrderID)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, eth("0.505"), h.balance(alice, asset.Native).Free)
}

func TestClosedMarketReleasesOrder(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")

	res, err := h.p.SubmitOrder(h.ctx, triggerOrder(alice, "ETH-USD", order.Limit, true, "0.5", "5", "1400"), nil, nil, eth("0.505"))
	require.NoError(t, err)
	require.NoError(t, h.markets.SetClosed("ETH-USD", true))

	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.ErrorIs(t, err, ErrMarketClosed)
	assert.Equal(t, ClassTerminal, Classify(err))

	assert.Equal(t, eth("0.505"), h.balance(alice, asset.Native).Free)
	cancelled := h.events.OfType(events.OrderCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "market_closed", cancelled[0].Reason)
}

func TestExecuteRequiresExecutor(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.505"))
	require.NoError(t, err)

	_, err = h.p.ExecuteOrder(h.ctx, bob, res.OrderID)
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.p.ExecuteOrder(h.ctx, keeper, 42)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestConcurrentExecutionFillsOnce(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.505"))
	require.NoError(t, err)

	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fills int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.p.ExecuteOrder(h.ctx, keeper, res.OrderID); err == nil {
				mu.Lock()
				fills++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrOrderNotFound)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fills)
	pos, ok := h.position(alice, "ETH-USD")
	require.True(t, ok)
	assert.Equal(t, eth("5"), pos.Size)
}

func TestEventSequenceIsGapFree(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")
	h.open(alice, "ETH-USD", true, "0.5", "5")
	res, err := h.p.SubmitOrder(h.ctx, triggerOrder(bob, "ETH-USD", order.Limit, true, "0.5", "5", "1000"), nil, nil, eth("0.505"))
	require.NoError(t, err)
	require.NoError(t, h.p.CancelOrder(h.ctx, bob, res.OrderID))

	evs := h.events.Events()
	require.Len(t, evs, 4)
	for i, e := range evs {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.NotEmpty(t, e.ID)
	}
}
