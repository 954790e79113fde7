package perp

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/perpcore/pkg/app/core/access"
	"github.com/uhyunpark/perpcore/pkg/app/core/asset"
	"github.com/uhyunpark/perpcore/pkg/app/core/funding"
	"github.com/uhyunpark/perpcore/pkg/app/core/market"
	"github.com/uhyunpark/perpcore/pkg/app/core/oracle"
	"github.com/uhyunpark/perpcore/pkg/app/core/order"
	"github.com/uhyunpark/perpcore/pkg/app/core/position"
	"github.com/uhyunpark/perpcore/pkg/app/core/vault"
	"github.com/uhyunpark/perpcore/pkg/events"
	"github.com/uhyunpark/perpcore/pkg/storage"
	"github.com/uhyunpark/perpcore/pkg/util"
)

var (
	alice  = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob    = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
	keeper = common.HexToAddress("0x4ee9e20000000000000000000000000000000003")
	admin  = common.HexToAddress("0xad00000000000000000000000000000000000004")
	usdc   = common.HexToAddress("0x3333333333333333333333333333333333333333")

	start = time.Unix(1_700_000_000, 0)
)

func eth(s string) *big.Int { return util.MustUnits(s, 18) }

func zeroRate() funding.RateSource {
	return funding.RateFunc(func(string, time.Time) *big.Int { return new(big.Int) })
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *util.ManualClock
	markets *market.Registry
	assets  *asset.Registry
	feed    *oracle.Feed
	ref     *oracle.Feed
	vault   *vault.Memory
	roles   *access.RoleStore
	events  *events.Recorder
	store   storage.Store
	cfg     Config
	rates   funding.RateSource
	p       *Processor
}

type option func(*harness)

func withConfig(fn func(*Config)) option { return func(h *harness) { fn(&h.cfg) } }
func withRates(r funding.RateSource) option { return func(h *harness) { h.rates = r } }
func withStore(s storage.Store) option { return func(h *harness) { h.store = s } }

// withReference adds an independent reference feed to the price guard
func withReference() option { return func(h *harness) { h.ref = oracle.NewFeed() } }

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   util.NewManualClock(start),
		markets: market.NewRegistry(),
		assets:  asset.NewRegistry(),
		feed:    oracle.NewFeed(),
		vault:   vault.NewMemory(),
		roles:   access.NewRoleStore(),
		events:  &events.Recorder{},
		rates:   zeroRate(),
	}
	h.cfg = DefaultConfig()
	h.cfg.SyncMarketExecution = false
	for _, o := range opts {
		o(h)
	}

	for _, m := range market.Defaults() {
		require.NoError(t, h.markets.Register(m))
	}
	for _, a := range asset.Defaults(usdc) {
		require.NoError(t, h.assets.Register(a))
	}
	require.NoError(t, h.vault.Deposit(vault.Pool, asset.Native, eth("1000")))
	require.NoError(t, h.vault.Deposit(vault.Pool, usdc, util.MustUnits("1000000", 6)))

	h.roles.Grant(keeper, access.Executor)
	h.roles.Grant(keeper, access.Liquidator)
	h.roles.Grant(admin, access.Governance)

	h.p = h.newProcessor()
	return h
}

func (h *harness) newProcessor() *Processor {
	guard := &oracle.Guard{Primary: h.feed, Clock: h.clock}
	if h.ref != nil {
		guard.Reference = h.ref
	}
	p, err := NewProcessor(h.cfg, Deps{
		Markets: h.markets,
		Assets:  h.assets,
		Prices:  guard,
		Vault:   h.vault,
		Gate:    h.roles,
		Store:   h.store,
		Events:  h.events,
		Funding: h.rates,
		Clock:   h.clock,
		Log:     zaptest.NewLogger(h.t).Sugar(),
	})
	require.NoError(h.t, err)
	return p
}

// price publishes a fresh quote for symbol
func (h *harness) price(symbol, value string) {
	h.t.Helper()
	require.NoError(h.t, h.feed.Set(symbol, eth(value), h.clock.Now().Unix()))
}

func (h *harness) advance(d time.Duration) { h.clock.Advance(d) }

func (h *harness) balance(user, a common.Address) vault.Balance {
	return h.vault.Balance(user, a)
}

func (h *harness) position(user common.Address, market string) (position.Position, bool) {
	pos, err := h.p.GetPosition(position.Key{User: user, Asset: asset.Native, Market: market})
	return pos, err == nil
}

// marketOrder is a native-collateral market order
func marketOrder(user common.Address, market string, long bool, margin, size string) order.Order {
	return order.Order{
		User:   user,
		Asset:  asset.Native,
		Market: market,
		Margin: eth(margin),
		Size:   eth(size),
		IsLong: long,
		Type:   order.Market,
	}
}

func triggerOrder(user common.Address, market string, typ order.Type, long bool, margin, size, price string) order.Order {
	o := marketOrder(user, market, long, margin, size)
	o.Type = typ
	o.Price = eth(price)
	return o
}

func reduceOnly(o order.Order) order.Order {
	o.IsReduceOnly = true
	o.Margin = new(big.Int)
	return o
}

// open submits and executes a native market order, returning its id
func (h *harness) open(user common.Address, market string, long bool, margin, size string) uint64 {
	h.t.Helper()
	o := marketOrder(user, market, long, margin, size)
	// overpay; the excess is refunded
	value := new(big.Int).Add(o.Margin, o.Size)
	res, err := h.p.SubmitOrder(h.ctx, o, nil, nil, value)
	require.NoError(h.t, err)
	_, err = h.p.ExecuteOrder(h.ctx, keeper, res.OrderID)
	require.NoError(h.t, err)
	return res.OrderID
}

type failingStore struct{ err error }

func (s failingStore) Commit(storage.ChangeSet) error { return s.err }

// recordingStore keeps what each commit persisted, in commit order
type recordingStore struct {
	mu      sync.Mutex
	lastIDs []uint64
	funding map[string][]int64
}

func (s *recordingStore) Commit(cs storage.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs.LastOrderID > 0 {
		s.lastIDs = append(s.lastIDs, cs.LastOrderID)
	}
	for m, st := range cs.Funding {
		if s.funding == nil {
			s.funding = make(map[string][]int64)
		}
		s.funding[m] = append(s.funding[m], st.Updated)
	}
	return nil
}

// trader returns a distinct account for concurrent tests
func trader(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x7000 + i)))
}
