package perp

import (
	"errors"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/perpcore/pkg/app/core/asset"
	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/app/core/vault"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/util"
)

// ETH-USD market long: margin 0.5, size 5, fee 10 bps, price 1500
func TestSubmitMarketLongScenario(t *testing.T) {
	h := newHarness(t)
	h.price("ETH-USD", "1500")

	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.6"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), res.OrderID)
	assert.Equal(t, eth("0.005"), res.Fee)
	assert.Equal(t, eth("0.505"), res.Escrowed)
	assert.Equal(t, eth("0.095"), res.Refund)
	assert.Nil(t, res.Execution)

	o, err := h.p.GetOrder(1)
	require.NoError(t, err)
	assert.Equal(t, eth("5"), o.Size)
	assert.Equal(t, eth("0.5"), o.Margin)
	assert.Equal(t, eth("0.005"), o.Fee)
	assert.Positive(t, o.Timestamp)
	assert.Equal(t, start.Unix()+300, o.Expiry, "market orders get the default TTL")

	b := h.balance(alice, asset.Native)
	assert.Equal(t, eth("0.505"), b.Escrowed)
	assert.Zero(t, b.Free.Sign())

	created := h.events.OfType(events.OrderCreated)
	require.Len(t, created, 1)
	assert.Equal(t, uint64(1), created[0].OrderID)
	assert.Equal(t, "market", created[0].OrderType)
	assert.Equal(t, uint64(1), created[0].Seq)

	// executes without waiting for the minimum order age
	exec, err := h.p.ExecuteOrder(h.ctx, keeper, 1)
	require.NoError(t, err)
	require.NotNil(t, exec.Position)
	assert.Equal(t, eth("1500"), exec.Position.Price)
	assert.Equal(t, eth("5"), exec.Position.Size)
	assert.Equal(t, eth("0.5"), exec.Position.Margin)

	_, err = h.p.GetOrder(1)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, eth("0.5"), h.balance(alice, asset.Native).Escrowed)
	assert.Equal(t, eth("1000.005"), h.balance(vault.Pool, asset.Native).Free)
}

func TestSubmitValidationOrder(t *testing.T) {
	unknownAsset := common.HexToAddress("0x9999999999999999999999999999999999999999")

	tests := []struct {
		name    string
		setup   func(h *harness)
		order   func() order.Order
		tp, sl  string
		value   string
		wantErr error
	}{
		{
			name:    "paused wins over everything",
			setup:   func(h *harness) { require.NoError(h.t, h.p.Pause(h.ctx, admin)) },
			order:   func() order.Order { return marketOrder(alice, "NOPE", true, "0", "0.01") },
			wantErr: ErrPaused,
		},
		{
			name:    "below asset minimum before unknown market",
			order:   func() order.Order { return marketOrder(alice, "NOPE", true, "0.001", "0.09") },
			value:   "1",
			wantErr: ErrMinSizeViolation,
		},
		{
			name: "unknown asset",
			order: func() order.Order {
				o := marketOrder(alice, "ETH-USD", true, "0.5", "5")
				o.Asset = unknownAsset
				return o
			},
			value:   "1",
			wantErr: ErrUnknownAsset,
		},
		{
			name:    "unknown market",
			order:   func() order.Order { return marketOrder(alice, "DOGE-USD", true, "0.5", "5") },
			value:   "1",
			wantErr: ErrUnknownMarket,
		},
		{
			name:    "closed market",
			setup:   func(h *harness) { require.NoError(h.t, h.markets.SetClosed("BTC-USD", true)) },
			order:   func() order.Order { return marketOrder(alice, "BTC-USD", true, "0.5", "5") },
			value:   "1",
			wantErr: ErrUnknownMarket,
		},
		{
			name:    "reduce-only market",
			setup:   func(h *harness) { require.NoError(h.t, h.markets.SetReduceOnly("BTC-USD", true)) },
			order:   func() order.Order { return marketOrder(alice, "BTC-USD", true, "0.5", "5") },
			value:   "1",
			wantErr: ErrMarketReduceOnly,
		},
		{
			name:    "below min leverage",
			order:   func() order.Order { return marketOrder(alice, "ETH-USD", true, "1", "0.5") },
			value:   "2",
			wantErr: ErrBelowMinLeverage,
		},
		{
			name:    "above max leverage",
			order:   func() order.Order { return marketOrder(alice, "ETH-USD", true, "0.1", "5.1") },
			value:   "1",
			wantErr: ErrAboveMaxLeverage,
		},
		{
			name:    "long with take-profit below stop-loss",
			order:   func() order.Order { return marketOrder(alice, "ETH-USD", true, "0.5", "5") },
			tp:      "1400",
			sl:      "1500",
			value:   "1",
			wantErr: ErrInvalidTpSl,
		},
		{
			name:    "value one wei short",
			order:   func() order.Order { return marketOrder(alice, "ETH-USD", true, "0.5", "5") },
			value:   "0.504999999999999999",
			wantErr: ErrInsufficientValue,
		},
		{
			name:    "limit without price",
			order:   func() order.Order { return triggerOrder(alice, "ETH-USD", order.Limit, true, "0.5", "5", "0") },
			value:   "1",
			wantErr: ErrInvalidOrder,
		},
		{
			name: "expiry in the past",
			order: func() order.Order {
				o := triggerOrder(alice, "ETH-USD", order.Limit, true, "0.5", "5", "1500")
				o.Expiry = start.Unix()
				return o
			},
			value:   "1",
			wantErr: ErrInvalidExpiry,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			before := h.events.Events()

			var tp, sl, value *big.Int
			if tt.tp != "" {
				tp = eth(tt.tp)
			}
			if tt.sl != "" {
				sl = eth(tt.sl)
			}
			if tt.value != "" {
				value = eth(tt.value)
			}

			_, err := h.p.SubmitOrder(h.ctx, tt.order(), tp, sl, value)
			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, ClassValidation, Classify(err))

			// nothing changed
			assert.Zero(t, h.p.LastOrderID())
			assert.Equal(t, before, h.events.Events())
			b := h.balance(alice, asset.Native)
			assert.Zero(t, b.Free.Sign())
			assert.Zero(t, b.Escrowed.Sign())
		})
	}
}

func TestLeverageBoundaries(t *testing.T) {
	h := newHarness(t)
	value := eth("100")

	// exactly max leverage
	_, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.1", "5"), nil, nil, value)
	require.NoError(t, err)

	// exactly 1x
	_, err = h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "5", "5"), nil, nil, value)
	require.NoError(t, err)

	// one wei over max leverage
	o := marketOrder(alice, "ETH-USD", true, "0.1", "5")
	o.Size.Add(o.Size, big.NewInt(1))
	_, err = h.p.SubmitOrder(h.ctx, o, nil, nil, value)
	require.ErrorIs(t, err, ErrAboveMaxLeverage)

	// one wei under 1x
	o = marketOrder(alice, "ETH-USD", true, "5", "5")
	o.Margin.Add(o.Margin, big.NewInt(1))
	_, err = h.p.SubmitOrder(h.ctx, o, nil, nil, value)
	require.ErrorIs(t, err, ErrBelowMinLeverage)

	// reduce-only skips leverage and escrows only the fee
	ro := reduceOnly(marketOrder(alice, "ETH-USD", false, "0", "5"))
	ro.Margin = eth("50")
	res, err := h.p.SubmitOrder(h.ctx, ro, nil, nil, eth("0.005"))
	require.NoError(t, err)
	assert.Equal(t, eth("0.005"), res.Escrowed)

	stored, err := h.p.GetOrder(res.OrderID)
	require.NoError(t, err)
	assert.Zero(t, stored.Margin.Sign(), "reduce-only margin is zeroed")
}

func TestFeeTruncates(t *testing.T) {
	h := newHarness(t)

	// 10 bps of 0.123456789012345679 truncates the last digit
	o := marketOrder(alice, "ETH-USD", true, "0.1", "0.123456789012345679")
	res, err := h.p.SubmitOrder(h.ctx, o, nil, nil, eth("1"))
	require.NoError(t, err)
	assert.Equal(t, "123456789012345", res.Fee.String())
}

func TestExactValueHasNoRefund(t *testing.T) {
	h := newHarness(t)

	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.505"))
	require.NoError(t, err)
	assert.Zero(t, res.Refund.Sign())
}

func TestIdsAreSequential(t *testing.T) {
	h := newHarness(t)

	for want := uint64(1); want <= 3; want++ {
		res, err := h.p.SubmitOrder(h.ctx, marketOrder(bob, "BTC-USD", false, "1", "10"), nil, nil, eth("2"))
		require.NoError(t, err)
		assert.Equal(t, want, res.OrderID)
	}

	// rejected submissions do not consume ids
	_, err := h.p.SubmitOrder(h.ctx, marketOrder(bob, "BTC-USD", false, "1", "10"), nil, nil, eth("0"))
	require.ErrorIs(t, err, ErrInsufficientValue)

	res, err := h.p.SubmitOrder(h.ctx, marketOrder(bob, "BTC-USD", false, "1", "10"), nil, nil, eth("2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.OrderID)
}

func TestTakeProfitStopLossChildren(t *testing.T) {
	h := newHarness(t)

	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), eth("1700"), eth("1400"), eth("0.515"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.OrderID)
	assert.Equal(t, uint64(2), res.TakeProfitID)
	assert.Equal(t, uint64(3), res.StopLossID)
	assert.Equal(t, eth("0.515"), res.Escrowed)

	tp, err := h.p.GetOrder(2)
	require.NoError(t, err)
	assert.Equal(t, order.Limit, tp.Type)
	assert.False(t, tp.IsLong)
	assert.True(t, tp.IsReduceOnly)
	assert.Equal(t, eth("1700"), tp.Price)
	assert.Equal(t, uint64(3), tp.CancelOrderID)

	sl, err := h.p.GetOrder(3)
	require.NoError(t, err)
	assert.Equal(t, order.Stop, sl.Type)
	assert.Equal(t, uint64(2), sl.CancelOrderID)

	parent, err := h.p.GetOrder(1)
	require.NoError(t, err)
	assert.Zero(t, parent.CancelOrderID)

	// the child fees must be covered too
	_, err = h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), eth("1700"), nil, eth("0.505"))
	require.ErrorIs(t, err, ErrInsufficientValue)

	// exits need an opening order
	_, err = h.p.SubmitOrder(h.ctx, reduceOnly(marketOrder(alice, "ETH-USD", false, "0", "5")), eth("1400"), nil, eth("1"))
	require.ErrorIs(t, err, ErrInvalidOrder)
}

func TestTokenCollateralEscrowsFromBalance(t *testing.T) {
	h := newHarness(t)
	usd := func(s string) *big.Int { return util.MustUnits(s, 6) }

	o := marketOrder(alice, "EUR-USD", true, "0", "0")
	o.Asset = usdc
	o.Margin = usd("100")
	o.Size = usd("1000")

	_, err := h.p.SubmitOrder(h.ctx, o, nil, nil, nil)
	require.ErrorIs(t, err, ErrInsufficientValue)

	require.NoError(t, h.vault.Deposit(alice, usdc, usd("500")))
	res, err := h.p.SubmitOrder(h.ctx, o, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, usd("0.3"), res.Fee) // 3 bps

	b := h.balance(alice, usdc)
	assert.Equal(t, usd("399.7"), b.Free)
	assert.Equal(t, usd("100.3"), b.Escrowed)
}

func TestPersistFailureLeavesNoTrace(t *testing.T) {
	diskFull := errors.New("disk full")
	h := newHarness(t, withStore(failingStore{err: diskFull}))

	_, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("1"))
	require.ErrorIs(t, err, diskFull)

	_, err = h.p.GetOrder(1)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Empty(t, h.events.Events())
	b := h.balance(alice, asset.Native)
	assert.Zero(t, b.Free.Sign())
	assert.Zero(t, b.Escrowed.Sign())
}

func TestSyncMarketExecution(t *testing.T) {
	// default markets keep a minimum order age; it only holds back limit and stop orders
	h := newHarness(t, withConfig(func(c *Config) { c.SyncMarketExecution = true }))
	h.price("ETH-USD", "1500")

	res, err := h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.505"))
	require.NoError(t, err)
	require.NotNil(t, res.Execution)
	assert.Equal(t, eth("1500"), res.Execution.Price)

	pos, ok := h.position(alice, "ETH-USD")
	require.True(t, ok)
	assert.Equal(t, eth("5"), pos.Size)

	// a stale quote leaves the order resting
	h.advance(time.Minute)
	res, err = h.p.SubmitOrder(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.505"))
	require.NoError(t, err)
	assert.Nil(t, res.Execution)
	_, err = h.p.GetOrder(res.OrderID)
	require.NoError(t, err)
}

func TestSubmitFromBalance(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.vault.Deposit(alice, asset.Native, eth("2")))

	res, err := h.p.SubmitFromBalance(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("1"))
	require.NoError(t, err)
	assert.Equal(t, eth("0.505"), res.Escrowed)
	assert.Equal(t, eth("0.495"), res.Refund)

	// the refund never leaves the free balance
	b := h.balance(alice, asset.Native)
	assert.Equal(t, eth("1.495"), b.Free)
	assert.Equal(t, eth("0.505"), b.Escrowed)

	// value beyond the free balance is rejected even when it covers the escrow
	_, err = h.p.SubmitFromBalance(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("1.5"))
	require.ErrorIs(t, err, ErrInsufficientValue)
	assert.Equal(t, ClassValidation, Classify(err))

	_, err = h.p.SubmitFromBalance(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("0.5"))
	require.ErrorIs(t, err, ErrInsufficientValue)

	b = h.balance(alice, asset.Native)
	assert.Equal(t, eth("1.495"), b.Free)
	assert.Equal(t, eth("0.505"), b.Escrowed)
	assert.Equal(t, eth("1002"), h.vault.Total(asset.Native), "nothing is minted")
}

func TestSubmitFromBalancePersistFailureKeepsBalance(t *testing.T) {
	diskFull := errors.New("disk full")
	h := newHarness(t, withStore(failingStore{err: diskFull}))
	require.NoError(t, h.vault.Deposit(alice, asset.Native, eth("2")))

	_, err := h.p.SubmitFromBalance(h.ctx, marketOrder(alice, "ETH-USD", true, "0.5", "5"), nil, nil, eth("1"))
	require.ErrorIs(t, err, diskFull)

	b := h.balance(alice, asset.Native)
	assert.Equal(t, eth("2"), b.Free)
	assert.Zero(t, b.Escrowed.Sign())
	assert.Empty(t, h.p.UserOrders(alice))
}

func TestConcurrentCommitsPersistMonotonicState(t *testing.T) {
	store := &recordingStore{}
	h := newHarness(t, withStore(store))
	h.price("ETH-USD", "1500")

	const traders = 8
	ids := make([]uint64, traders)
	var wg sync.WaitGroup
	for i := 0; i < traders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o := triggerOrder(trader(i), "ETH-USD", order.Limit, true, "0.5", "5", "1600")
			res, err := h.p.SubmitOrder(h.ctx, o, nil, nil, eth("0.505"))
			if assert.NoError(t, err) {
				ids[i] = res.OrderID
			}
		}(i)
	}
	wg.Wait()

	store.mu.Lock()
	lastIDs := append([]uint64(nil), store.lastIDs...)
	store.mu.Unlock()
	require.Len(t, lastIDs, traders)
	assert.True(t, sort.SliceIsSorted(lastIDs, func(i, j int) bool { return lastIDs[i] < lastIDs[j] }), "persisted ids %v", lastIDs)
	assert.Equal(t, uint64(traders), lastIDs[traders-1])

	h.advance(time.Second)
	h.price("ETH-USD", "1500")

	// each fill accrues funding at its own clock reading
	for i := 0; i < traders; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			h.advance(time.Second)
			_, err := h.p.ExecuteOrder(h.ctx, keeper, id)
			assert.NoError(t, err)
		}(ids[i])
	}
	wg.Wait()

	store.mu.Lock()
	updated := append([]int64(nil), store.funding["ETH-USD"]...)
	store.mu.Unlock()
	require.Len(t, updated, traders)
	assert.True(t, sort.SliceIsSorted(updated, func(i, j int) bool { return updated[i] < updated[j] }), "persisted funding %v", updated)
	assert.Equal(t, h.clock.Now().Unix(), updated[traders-1])
}
